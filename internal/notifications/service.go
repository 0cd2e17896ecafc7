package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"montage/internal/config"
	"montage/internal/store"
)

const userAgent = "Montage/0.1"

// JobReport is the subset of a finished job a notification describes.
type JobReport struct {
	JobID     string
	ListingID string
	Status    store.JobStatus
	Primary   string
	OutputURL string
	Results   map[string]store.TemplateResult
	Error     string
}

// Service publishes job events.
type Service interface {
	NotifyJobFinished(ctx context.Context, report JobReport) error
	TestNotification(ctx context.Context) error
}

// NewService builds an ntfy-backed notifier when a topic is configured and a
// no-op otherwise.
func NewService(cfg *config.Config) Service {
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}
	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ntfyService{
		endpoint:      topic,
		notifySuccess: cfg.Notifications.NotifySuccess,
		client:        &http.Client{Timeout: timeout},
	}
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint      string
	notifySuccess bool
	client        *http.Client
}

func (n *ntfyService) NotifyJobFinished(ctx context.Context, report JobReport) error {
	data, ok := n.jobPayload(report)
	if !ok {
		return nil
	}
	return n.send(ctx, data)
}

func (n *ntfyService) jobPayload(report JobReport) (payload, bool) {
	var succeeded, failed []string
	for key, res := range report.Results {
		if res.Status == store.ResultSuccess {
			succeeded = append(succeeded, key)
		} else {
			failed = append(failed, key)
		}
	}
	sort.Strings(succeeded)
	sort.Strings(failed)

	listing := strings.TrimSpace(report.ListingID)
	if report.Status == store.JobFailed {
		reason := strings.TrimSpace(report.Error)
		if reason == "" {
			reason = "unknown error"
		}
		return payload{
			title:    "Montage - Job Failed",
			message:  fmt.Sprintf("Listing %s: %s\nJob %s", listing, reason, report.JobID),
			tags:     []string{"montage", "job", "failed"},
			priority: "high",
		}, true
	}

	if len(failed) == 0 && !n.notifySuccess {
		return payload{}, false
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Listing %s: %d reel(s) ready", listing, len(succeeded))
	if report.Primary != "" {
		fmt.Fprintf(&b, "\nPrimary: %s", report.Primary)
		if report.OutputURL != "" {
			fmt.Fprintf(&b, " %s", report.OutputURL)
		}
	}
	data := payload{
		title: "Montage - Reels Ready",
		tags:  []string{"montage", "job", "completed"},
	}
	if len(failed) > 0 {
		fmt.Fprintf(&b, "\nFailed: %s", strings.Join(failed, ", "))
		data.title = "Montage - Reels Ready (with errors)"
		data.tags = []string{"montage", "job", "partial"}
	}
	data.message = b.String()
	return data, true
}

func (n *ntfyService) TestNotification(ctx context.Context) error {
	return n.send(ctx, payload{
		title:    "Montage - Test",
		message:  "Notification system test",
		tags:     []string{"montage", "test"},
		priority: "low",
	})
}

func (n *ntfyService) send(ctx context.Context, data payload) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) NotifyJobFinished(context.Context, JobReport) error { return nil }
func (noopService) TestNotification(context.Context) error             { return nil }
