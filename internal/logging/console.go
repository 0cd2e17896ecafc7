package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

// consoleHandler writes one human-readable line per record:
//
//	2026-01-02T15:04:05Z INFO pipeline@3f2a9c1d/luxury: reel rendered stage=template elapsed=41s
//
// The component, a shortened job id and the template form the prefix; every
// other attribute follows as key=value.
type consoleHandler struct {
	mu        *sync.Mutex
	w         io.Writer
	level     slog.Leveler
	addSource bool
	color     bool
	preset    []field
	groups    []string
}

type field struct {
	key string
	val slog.Value
}

func newConsoleHandler(w io.Writer, level slog.Leveler, addSource, color bool) *consoleHandler {
	return &consoleHandler{mu: new(sync.Mutex), w: w, level: level, addSource: addSource, color: color}
}

func (h *consoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *consoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.preset = collect(slices.Clone(h.preset), h.groups, attrs)
	return &next
}

func (h *consoleHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.groups = append(slices.Clone(h.groups), name)
	return &next
}

func (h *consoleHandler) Handle(_ context.Context, r slog.Record) error {
	fields := slices.Clone(h.preset)
	r.Attrs(func(a slog.Attr) bool {
		fields = collect(fields, h.groups, []slog.Attr{a})
		return true
	})

	var component, job, template string
	rest := fields[:0]
	for _, f := range fields {
		switch f.key {
		case FieldComponent:
			component = firstNonEmpty(component, valueText(f.val))
		case FieldJobID:
			job = firstNonEmpty(job, valueText(f.val))
		case FieldTemplate:
			template = firstNonEmpty(template, valueText(f.val))
		default:
			rest = append(rest, f)
		}
	}

	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	var b strings.Builder
	b.WriteString(ts.UTC().Format(time.RFC3339))
	b.WriteByte(' ')
	b.WriteString(h.levelText(r.Level))
	b.WriteByte(' ')
	if prefix := linePrefix(component, job, template); prefix != "" {
		b.WriteString(prefix)
		b.WriteString(": ")
	}
	msg := strings.TrimSpace(r.Message)
	if msg == "" {
		msg = "(no message)"
	}
	b.WriteString(msg)
	if h.addSource {
		if src := r.Source(); src != nil {
			fmt.Fprintf(&b, " [%s:%d]", filepath.Base(src.File), src.Line)
		}
	}
	for _, f := range rest {
		b.WriteByte(' ')
		b.WriteString(f.key)
		b.WriteByte('=')
		b.WriteString(quoteIfNeeded(f.val))
	}
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

// linePrefix renders component@job/template, dropping empty parts. Job ids
// are shortened to their first eight characters.
func linePrefix(component, job, template string) string {
	prefix := component
	if job != "" {
		if len(job) > 8 {
			job = job[:8]
		}
		prefix += "@" + job
	}
	if template != "" {
		prefix += "/" + template
	}
	return prefix
}

func (h *consoleHandler) levelText(level slog.Level) string {
	var name, ansi string
	switch {
	case level >= slog.LevelError:
		name, ansi = "ERROR", "31"
	case level >= slog.LevelWarn:
		name, ansi = "WARN", "33"
	case level >= slog.LevelInfo:
		name, ansi = "INFO", "36"
	default:
		name, ansi = "DEBUG", "90"
	}
	if h.color {
		return "\x1b[" + ansi + "m" + name + "\x1b[0m"
	}
	return name
}

// collect appends attrs to dst, flattening groups into dotted keys.
func collect(dst []field, groups []string, attrs []slog.Attr) []field {
	for _, a := range attrs {
		if a.Equal(slog.Attr{}) {
			continue
		}
		v := a.Value.Resolve()
		if v.Kind() == slog.KindGroup {
			inner := groups
			if a.Key != "" {
				inner = append(slices.Clone(groups), a.Key)
			}
			dst = collect(dst, inner, v.Group())
			continue
		}
		key := a.Key
		if len(groups) > 0 {
			key = strings.Join(groups, ".") + "." + key
		}
		dst = append(dst, field{key: key, val: v})
	}
	return dst
}

func valueText(v slog.Value) string {
	switch v.Kind() {
	case slog.KindFloat64:
		return strconv.FormatFloat(v.Float64(), 'f', -1, 64)
	case slog.KindTime:
		return v.Time().UTC().Format(time.RFC3339)
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return err.Error()
		}
		return fmt.Sprint(v.Any())
	default:
		return v.String()
	}
}

func quoteIfNeeded(v slog.Value) string {
	s := valueText(v)
	if s == "" || strings.ContainsFunc(s, func(r rune) bool { return r <= ' ' || r == '=' || r == '"' }) {
		return strconv.Quote(s)
	}
	return s
}

func firstNonEmpty(current, candidate string) string {
	if current != "" {
		return current
	}
	return candidate
}
