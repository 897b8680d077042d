package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// FetchOutcome captures how a query fetch resolved against the cache.
type FetchOutcome string

const (
	// FetchHit indicates the subscription was served from fresh cached data.
	FetchHit FetchOutcome = "hit"
	// FetchStale indicates stale data was served while a background refetch ran.
	FetchStale FetchOutcome = "stale"
	// FetchMiss indicates the entry had no usable data and a fetch was issued.
	FetchMiss FetchOutcome = "miss"
	// FetchError indicates the fetch failed after retries.
	FetchError FetchOutcome = "error"
	// FetchDiscarded indicates a superseded response was dropped unapplied.
	FetchDiscarded FetchOutcome = "discarded"
)

// MutationOutcome captures the result of a mutation run.
type MutationOutcome string

const (
	// MutationSucceeded indicates the write completed and invalidation ran.
	MutationSucceeded MutationOutcome = "succeeded"
	// MutationFailed indicates the write failed and the cache was left intact.
	MutationFailed MutationOutcome = "failed"
)

// Recorder publishes Prometheus metrics for sync activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	queryFetches *prometheus.CounterVec
	queryLatency *prometheus.HistogramVec

	mutations     *prometheus.CounterVec
	invalidations *prometheus.CounterVec

	streamEvents     *prometheus.CounterVec
	streamReconnects prometheus.Counter
	streamState      prometheus.Gauge
	streamLatency    prometheus.Gauge
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a
// dedicated registry is created so multiple recorders can coexist without
// conflicting with the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	queryFetches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "catsync",
		Subsystem: "query",
		Name:      "fetches_total",
		Help:      "Query fetch resolutions grouped by cache outcome.",
	}, []string{"resource", "outcome"})

	queryLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "catsync",
		Subsystem: "query",
		Name:      "fetch_duration_seconds",
		Help:      "Latency distribution for upstream fetches.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"resource"})

	mutations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "catsync",
		Subsystem: "mutation",
		Name:      "runs_total",
		Help:      "Mutation executions grouped by outcome.",
	}, []string{"mutation", "outcome"})

	invalidations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "catsync",
		Subsystem: "query",
		Name:      "invalidations_total",
		Help:      "Cache entries marked stale by mutation-triggered invalidation.",
	}, []string{"mutation"})

	streamEvents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "catsync",
		Subsystem: "stream",
		Name:      "events_total",
		Help:      "Inbound stream envelopes grouped by message type.",
	}, []string{"type"})

	streamReconnects := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "catsync",
		Subsystem: "stream",
		Name:      "reconnects_total",
		Help:      "Reconnection attempts scheduled by the stream client.",
	})

	streamState := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "catsync",
		Subsystem: "stream",
		Name:      "connected",
		Help:      "1 while the live-update connection is established.",
	})

	streamLatency := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "catsync",
		Subsystem: "stream",
		Name:      "latency_seconds",
		Help:      "Most recent ping round-trip measured on the live connection.",
	})

	reg.MustRegister(queryFetches, queryLatency, mutations, invalidations, streamEvents, streamReconnects, streamState, streamLatency)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:         reg,
		handler:          handler,
		queryFetches:     queryFetches,
		queryLatency:     queryLatency,
		mutations:        mutations,
		invalidations:    invalidations,
		streamEvents:     streamEvents,
		streamReconnects: streamReconnects,
		streamState:      streamState,
		streamLatency:    streamLatency,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveFetch records how a query fetch resolved and, for fetches that hit
// the network, the upstream latency.
func (r *Recorder) ObserveFetch(resource string, outcome FetchOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	resourceLabel := normalizeLabel(resource)
	outcomeLabel := string(outcome)
	if outcomeLabel == "" {
		outcomeLabel = string(FetchMiss)
	}
	r.queryFetches.WithLabelValues(resourceLabel, outcomeLabel).Inc()
	if duration > 0 {
		r.queryLatency.WithLabelValues(resourceLabel).Observe(duration.Seconds())
	}
}

// ObserveMutation records a completed mutation run.
func (r *Recorder) ObserveMutation(mutation string, outcome MutationOutcome) {
	if r == nil {
		return
	}
	outcomeLabel := string(outcome)
	if outcomeLabel == "" {
		outcomeLabel = string(MutationFailed)
	}
	r.mutations.WithLabelValues(normalizeLabel(mutation), outcomeLabel).Inc()
}

// ObserveInvalidations counts cache entries marked stale by a mutation.
func (r *Recorder) ObserveInvalidations(mutation string, count int) {
	if r == nil || count <= 0 {
		return
	}
	r.invalidations.WithLabelValues(normalizeLabel(mutation)).Add(float64(count))
}

// ObserveStreamEvent counts an inbound envelope delivered to subscribers.
func (r *Recorder) ObserveStreamEvent(messageType string) {
	if r == nil {
		return
	}
	r.streamEvents.WithLabelValues(normalizeLabel(messageType)).Inc()
}

// ObserveStreamReconnect counts a scheduled reconnection attempt.
func (r *Recorder) ObserveStreamReconnect() {
	if r == nil {
		return
	}
	r.streamReconnects.Inc()
}

// SetStreamConnected flips the connection gauge.
func (r *Recorder) SetStreamConnected(connected bool) {
	if r == nil {
		return
	}
	if connected {
		r.streamState.Set(1)
		return
	}
	r.streamState.Set(0)
}

// SetStreamLatency records the most recent ping round-trip.
func (r *Recorder) SetStreamLatency(rtt time.Duration) {
	if r == nil {
		return
	}
	r.streamLatency.Set(rtt.Seconds())
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
