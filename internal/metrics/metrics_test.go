package metrics

import (
	"math"
	"net/http/httptest"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
)

func TestRecorderObserveFetch(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveFetch("datasets", FetchMiss, 250*time.Millisecond)
	rec.ObserveFetch("datasets", FetchHit, 0)

	families := gather(t, rec, "catsync_query_fetches_total", "catsync_query_fetch_duration_seconds")

	miss := findMetric(t, families["catsync_query_fetches_total"], map[string]string{
		"resource": "datasets",
		"outcome":  string(FetchMiss),
	})
	if miss.GetCounter() == nil {
		t.Fatalf("expected counter metric for query fetches")
	}
	if got := miss.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected miss counter 1, got %v", got)
	}

	hit := findMetric(t, families["catsync_query_fetches_total"], map[string]string{
		"resource": "datasets",
		"outcome":  string(FetchHit),
	})
	if got := hit.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected hit counter 1, got %v", got)
	}

	histMetric := findMetric(t, families["catsync_query_fetch_duration_seconds"], map[string]string{
		"resource": "datasets",
	})
	hist := histMetric.GetHistogram()
	if hist == nil {
		t.Fatalf("expected histogram metric for fetch latency")
	}
	if hist.GetSampleCount() != 1 {
		t.Fatalf("expected histogram count 1, got %d", hist.GetSampleCount())
	}
	want := 0.25
	if diff := math.Abs(hist.GetSampleSum() - want); diff > 0.001 {
		t.Fatalf("expected histogram sum near %v, got %v", want, hist.GetSampleSum())
	}
}

func TestRecorderObserveFetchDefaultsEmptyLabels(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveFetch("  ", "", 0)

	families := gather(t, rec, "catsync_query_fetches_total")

	metric := findMetric(t, families["catsync_query_fetches_total"], map[string]string{
		"resource": "unknown",
		"outcome":  string(FetchMiss),
	})
	if got := metric.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected counter 1, got %v", got)
	}
}

func TestRecorderObserveMutation(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveMutation("rename_dataset", MutationSucceeded)
	rec.ObserveMutation("rename_dataset", MutationFailed)
	rec.ObserveInvalidations("rename_dataset", 3)
	rec.ObserveInvalidations("rename_dataset", 0)

	families := gather(t, rec, "catsync_mutation_runs_total", "catsync_query_invalidations_total")

	succeeded := findMetric(t, families["catsync_mutation_runs_total"], map[string]string{
		"mutation": "rename_dataset",
		"outcome":  string(MutationSucceeded),
	})
	if got := succeeded.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected succeeded counter 1, got %v", got)
	}

	failed := findMetric(t, families["catsync_mutation_runs_total"], map[string]string{
		"mutation": "rename_dataset",
		"outcome":  string(MutationFailed),
	})
	if got := failed.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected failed counter 1, got %v", got)
	}

	invalidated := findMetric(t, families["catsync_query_invalidations_total"], map[string]string{
		"mutation": "rename_dataset",
	})
	if got := invalidated.GetCounter().GetValue(); got != 3 {
		t.Fatalf("expected invalidation counter 3, got %v", got)
	}
}

func TestRecorderStreamMetrics(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveStreamEvent("resource_updated")
	rec.ObserveStreamReconnect()
	rec.ObserveStreamReconnect()
	rec.SetStreamConnected(true)
	rec.SetStreamLatency(40 * time.Millisecond)

	families := gather(t, rec,
		"catsync_stream_events_total",
		"catsync_stream_reconnects_total",
		"catsync_stream_connected",
		"catsync_stream_latency_seconds",
	)

	event := findMetric(t, families["catsync_stream_events_total"], map[string]string{
		"type": "resource_updated",
	})
	if got := event.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected event counter 1, got %v", got)
	}

	if got := families["catsync_stream_reconnects_total"][0].GetCounter().GetValue(); got != 2 {
		t.Fatalf("expected reconnect counter 2, got %v", got)
	}
	if got := families["catsync_stream_connected"][0].GetGauge().GetValue(); got != 1 {
		t.Fatalf("expected connected gauge 1, got %v", got)
	}
	if got := families["catsync_stream_latency_seconds"][0].GetGauge().GetValue(); got != 0.04 {
		t.Fatalf("expected latency gauge 0.04, got %v", got)
	}

	rec.SetStreamConnected(false)
	families = gather(t, rec, "catsync_stream_connected")
	if got := families["catsync_stream_connected"][0].GetGauge().GetValue(); got != 0 {
		t.Fatalf("expected connected gauge 0 after disconnect, got %v", got)
	}
}

func TestNilRecorderIsSafe(t *testing.T) {
	var rec *Recorder
	rec.ObserveFetch("datasets", FetchHit, time.Second)
	rec.ObserveMutation("rename_dataset", MutationSucceeded)
	rec.ObserveInvalidations("rename_dataset", 1)
	rec.ObserveStreamEvent("notification")
	rec.ObserveStreamReconnect()
	rec.SetStreamConnected(true)
	rec.SetStreamLatency(time.Millisecond)

	rr := httptest.NewRecorder()
	rec.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	if rr.Code != 503 {
		t.Fatalf("expected 503 from nil recorder handler, got %d", rr.Code)
	}
}

func TestRecorderHandler(t *testing.T) {
	rec := NewRecorder(nil)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)

	rec.Handler().ServeHTTP(rr, req)

	if rr.Code != 200 {
		t.Fatalf("expected 200 response, got %d", rr.Code)
	}
	if rr.Body.Len() == 0 {
		t.Fatalf("expected response body")
	}
}

func gather(t *testing.T, rec *Recorder, names ...string) map[string][]*dto.Metric {
	t.Helper()
	wanted := make(map[string]bool, len(names))
	for _, name := range names {
		wanted[name] = true
	}
	families, err := rec.Gatherer().Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	collected := make(map[string][]*dto.Metric, len(names))
	for _, mf := range families {
		if !wanted[mf.GetName()] {
			continue
		}
		collected[mf.GetName()] = append(collected[mf.GetName()], mf.GetMetric()...)
	}
	for _, name := range names {
		if len(collected[name]) == 0 {
			t.Fatalf("metric %q not collected", name)
		}
	}
	return collected
}

func findMetric(t *testing.T, metrics []*dto.Metric, labels map[string]string) *dto.Metric {
	t.Helper()
	for _, metric := range metrics {
		if matchLabels(metric, labels) {
			return metric
		}
	}
	t.Fatalf("metric with labels %v not found", labels)
	return nil
}

func matchLabels(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.GetLabel()) < len(labels) {
		return false
	}
	for key, expected := range labels {
		found := false
		for _, label := range metric.GetLabel() {
			if label.GetName() == key && label.GetValue() == expected {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
