package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.EpisodeRecorded("stored")
	m.EpisodesEvicted("ttl", 3)
	m.RecallDegraded("x")
	m.DistillRun("completed")
	m.WriteRetry()
	m.SetRetryQueueSize(2)
	if m.Registry() != nil {
		t.Error("nil Metrics should have nil registry")
	}
}

func TestCounters(t *testing.T) {
	m := New()
	m.EpisodeRecorded("stored")
	m.EpisodeRecorded("stored")
	m.EpisodesEvicted("lru", 4)
	m.EpisodesEvicted("lru", 0)
	m.SetRetryQueueSize(3)

	if got := testutil.ToFloat64(m.episodesRecorded.WithLabelValues("stored")); got != 2 {
		t.Errorf("episodes_recorded{stored} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.episodesEvicted.WithLabelValues("lru")); got != 4 {
		t.Errorf("episodes_evicted{lru} = %v, want 4", got)
	}
	if got := testutil.ToFloat64(m.retryQueueSize); got != 3 {
		t.Errorf("retry_queue_size = %v, want 3", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.DistillRun("completed")

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), `quill_distill_runs_total{outcome="completed"} 1`) {
		t.Errorf("body missing distill counter:\n%s", w.Body.String())
	}
}
