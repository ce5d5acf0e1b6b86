// Package metrics exposes Prometheus collectors for the memory engine.
// Every method is safe on a nil *Metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "quill"

// Metrics holds the engine collectors and their registry.
type Metrics struct {
	registry *prometheus.Registry

	episodesRecorded *prometheus.CounterVec
	episodesEvicted  *prometheus.CounterVec
	recallDegraded   *prometheus.CounterVec
	distillRuns      *prometheus.CounterVec
	writeRetries     prometheus.Counter
	retryQueueSize   prometheus.Gauge
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		episodesRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "episodes_recorded_total",
			Help:      "Episodes accepted by RecordEpisode, by outcome.",
		}, []string{"outcome"}),
		episodesEvicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "episodes_evicted_total",
			Help:      "Episodes removed or compressed by maintenance, by reason.",
		}, []string{"reason"}),
		recallDegraded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recall_degraded_total",
			Help:      "Degraded recall responses, by degrade event.",
		}, []string{"event"}),
		distillRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "distill_runs_total",
			Help:      "Distillation runs, by outcome.",
		}, []string{"outcome"}),
		writeRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "write_retries_total",
			Help:      "Failed episode insert attempts.",
		}),
		retryQueueSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "retry_queue_size",
			Help:      "Episodes waiting in the retry queue.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.episodesRecorded,
		m.episodesEvicted,
		m.recallDegraded,
		m.distillRuns,
		m.writeRetries,
		m.retryQueueSize,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// EpisodeRecorded counts a RecordEpisode outcome: stored, queued, undo, failed.
func (m *Metrics) EpisodeRecorded(outcome string) {
	if m == nil {
		return
	}
	m.episodesRecorded.WithLabelValues(outcome).Inc()
}

// EpisodesEvicted counts n episodes removed for reason: ttl, lru, compress, purge.
func (m *Metrics) EpisodesEvicted(reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.episodesEvicted.WithLabelValues(reason).Add(float64(n))
}

// RecallDegraded counts a degrade event.
func (m *Metrics) RecallDegraded(event string) {
	if m == nil {
		return
	}
	m.recallDegraded.WithLabelValues(event).Inc()
}

// DistillRun counts a finished distillation: completed, failed, rejected.
func (m *Metrics) DistillRun(outcome string) {
	if m == nil {
		return
	}
	m.distillRuns.WithLabelValues(outcome).Inc()
}

// WriteRetry counts one failed insert attempt.
func (m *Metrics) WriteRetry() {
	if m == nil {
		return
	}
	m.writeRetries.Inc()
}

// SetRetryQueueSize reports the current retry queue length.
func (m *Metrics) SetRetryQueueSize(n int) {
	if m == nil {
		return
	}
	m.retryQueueSize.Set(float64(n))
}
