package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"montage/internal/assetcache"
	"montage/internal/cleanup"
	"montage/internal/media/encodequeue"
	"montage/internal/render"
	"montage/internal/services"
)

var (
	_ assetcache.Recorder  = (*Metrics)(nil)
	_ cleanup.Recorder     = (*Metrics)(nil)
	_ encodequeue.Observer = (*Metrics)(nil)
	_ render.Observer      = (*Metrics)(nil)
)

func TestCountersAndGauges(t *testing.T) {
	m := New()
	m.CacheHit("photo_segment")
	m.CacheHit("photo_segment")
	m.CacheMiss("map_clip")
	m.CacheLockFailure("write")
	m.CleanupOutcome("deleted")
	m.JobFinished("completed")
	m.EncodeQueueDepth(3)
	m.EncodesActive(2)
	m.EncodeFinished("luxury", 2*time.Second, "")
	m.EncodeFinished("luxury", time.Second, services.EncodeClassOOM)

	if got := testutil.ToFloat64(m.cacheHits.WithLabelValues("photo_segment")); got != 2 {
		t.Fatalf("cache hits = %v", got)
	}
	if got := testutil.ToFloat64(m.queueDepth); got != 3 {
		t.Fatalf("queue depth = %v", got)
	}
	if got := testutil.ToFloat64(m.encodeFailures.WithLabelValues("oom")); got != 1 {
		t.Fatalf("oom failures = %v", got)
	}
	if got := testutil.CollectAndCount(m.encodeDuration); got != 1 {
		t.Fatalf("expected one duration series, got %d", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.JobFinished("failed")
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	if !strings.Contains(body, `montage_jobs_finished_total{status="failed"} 1`) {
		t.Fatalf("missing job counter in:\n%s", body)
	}
	if !strings.Contains(body, "go_goroutines") {
		t.Fatal("expected go collector output")
	}
}
