package logging

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
)

// LogEvent is one log record as served by /api/logs.
type LogEvent struct {
	Sequence      uint64            `json:"seq"`
	Timestamp     time.Time         `json:"ts"`
	Level         string            `json:"level"`
	Message       string            `json:"msg"`
	Component     string            `json:"component,omitempty"`
	Stage         string            `json:"stage,omitempty"`
	JobID         string            `json:"job_id,omitempty"`
	Template      string            `json:"template,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Fields        map[string]string `json:"fields,omitempty"`
}

// StreamHub is a fixed-size ring of recent events. Readers can long-poll for
// events newer than a sequence number.
type StreamHub struct {
	mu      sync.Mutex
	ring    []LogEvent
	head    int // index of the oldest event
	size    int
	last    uint64
	changed chan struct{} // closed and replaced on every Publish
}

// NewStreamHub returns a hub holding at most capacity events (512 when
// capacity is not positive).
func NewStreamHub(capacity int) *StreamHub {
	if capacity <= 0 {
		capacity = 512
	}
	return &StreamHub{ring: make([]LogEvent, capacity), changed: make(chan struct{})}
}

// Publish stamps evt with the next sequence number and stores it, evicting
// the oldest event when full.
func (h *StreamHub) Publish(evt LogEvent) {
	if h == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	h.mu.Lock()
	h.last++
	evt.Sequence = h.last
	if h.size < len(h.ring) {
		h.ring[(h.head+h.size)%len(h.ring)] = evt
		h.size++
	} else {
		h.ring[h.head] = evt
		h.head = (h.head + 1) % len(h.ring)
	}
	close(h.changed)
	h.changed = make(chan struct{})
	h.mu.Unlock()
}

// Fetch returns up to limit events after since, restricted to jobID when it
// is set, plus the latest sequence number. With wait set it blocks until a
// matching event arrives or ctx ends.
func (h *StreamHub) Fetch(ctx context.Context, since uint64, limit int, jobID string, wait bool) ([]LogEvent, uint64, error) {
	if h == nil {
		return nil, since, nil
	}
	limit = h.clampLimit(limit)
	for {
		h.mu.Lock()
		events := h.collectLocked(since, limit, jobID)
		last, changed := h.last, h.changed
		h.mu.Unlock()

		if len(events) > 0 || !wait {
			return events, last, nil
		}
		since = last
		select {
		case <-ctx.Done():
			return nil, last, ctx.Err()
		case <-changed:
		}
	}
}

// Tail returns the newest limit events without blocking.
func (h *StreamHub) Tail(limit int) ([]LogEvent, uint64) {
	if h == nil {
		return nil, 0
	}
	limit = h.clampLimit(limit)
	h.mu.Lock()
	defer h.mu.Unlock()
	skip := max(h.size-limit, 0)
	out := make([]LogEvent, 0, h.size-skip)
	for i := skip; i < h.size; i++ {
		out = append(out, h.ring[(h.head+i)%len(h.ring)])
	}
	return out, h.last
}

func (h *StreamHub) clampLimit(limit int) int {
	if limit <= 0 || limit > len(h.ring) {
		return len(h.ring)
	}
	return limit
}

func (h *StreamHub) collectLocked(since uint64, limit int, jobID string) []LogEvent {
	var out []LogEvent
	for i := 0; i < h.size && len(out) < limit; i++ {
		evt := h.ring[(h.head+i)%len(h.ring)]
		if evt.Sequence <= since || (jobID != "" && evt.JobID != jobID) {
			continue
		}
		out = append(out, evt)
	}
	return out
}

// streamHandler copies every record into a hub before passing it on.
type streamHandler struct {
	next   slog.Handler
	hub    *StreamHub
	preset []field
	groups []string
}

func newStreamHandler(next slog.Handler, hub *StreamHub) slog.Handler {
	if hub == nil || next == nil {
		return next
	}
	return &streamHandler{next: next, hub: hub}
}

func (h *streamHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *streamHandler) Handle(ctx context.Context, record slog.Record) error {
	fields := slices.Clone(h.preset)
	record.Attrs(func(a slog.Attr) bool {
		fields = collect(fields, h.groups, []slog.Attr{a})
		return true
	})
	h.hub.Publish(newLogEvent(record, fields))
	return h.next.Handle(ctx, record)
}

func (h *streamHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.next = h.next.WithAttrs(attrs)
	next.preset = collect(slices.Clone(h.preset), h.groups, attrs)
	return &next
}

func (h *streamHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.next = h.next.WithGroup(name)
	next.groups = append(slices.Clone(h.groups), name)
	return &next
}

func newLogEvent(record slog.Record, fields []field) LogEvent {
	evt := LogEvent{
		Timestamp: record.Time,
		Level:     strings.ToUpper(record.Level.String()),
		Message:   strings.TrimSpace(record.Message),
	}
	for _, f := range fields {
		text := valueText(f.val)
		switch f.key {
		case FieldJobID:
			evt.JobID = text
		case FieldStage:
			evt.Stage = text
		case FieldTemplate:
			evt.Template = text
		case FieldCorrelationID:
			evt.CorrelationID = text
		case FieldComponent:
			evt.Component = text
		default:
			if evt.Fields == nil {
				evt.Fields = make(map[string]string, len(fields))
			}
			evt.Fields[f.key] = text
		}
	}
	return evt
}
