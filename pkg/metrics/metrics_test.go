package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
)

func family(t *testing.T, r *Registry, name string) *dto.MetricFamily {
	t.Helper()
	mfs, err := r.Gatherer().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf
		}
	}
	t.Fatalf("metric %s not gathered", name)
	return nil
}

func counterValue(t *testing.T, r *Registry, name, label, value string) float64 {
	t.Helper()
	for _, m := range family(t, r, name).GetMetric() {
		for _, lp := range m.GetLabel() {
			if lp.GetName() == label && lp.GetValue() == value {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestDiagnosisMetrics(t *testing.T) {
	r := New()
	r.ObserveDiagnosis("miss", 3*time.Millisecond)
	r.ObserveDiagnosis("hit", time.Millisecond)
	r.ObserveDiagnosis("hit", time.Millisecond)

	if got := counterValue(t, r, "wessley_diag_diagnoses_total", "outcome", "hit"); got != 2 {
		t.Fatalf("expected 2 hits, got %v", got)
	}
	h := family(t, r, "wessley_diag_diagnose_duration_seconds").GetMetric()[0].GetHistogram()
	if h.GetSampleCount() != 3 {
		t.Fatalf("expected 3 samples, got %d", h.GetSampleCount())
	}
}

func TestSafetyVerdictDefaultsToNone(t *testing.T) {
	r := New()
	r.SafetyVerdict("")
	r.SafetyVerdict("critical")
	if got := counterValue(t, r, "wessley_diag_safety_verdicts_total", "gate", "none"); got != 1 {
		t.Fatalf("expected 1 none verdict, got %v", got)
	}
}

func TestLearningSkipsZero(t *testing.T) {
	r := New()
	r.LearningEdges("adjusted", 0)
	r.LearningEdges("adjusted", 4)
	if got := counterValue(t, r, "wessley_diag_learning_edges_total", "result", "adjusted"); got != 4 {
		t.Fatalf("expected 4, got %v", got)
	}
}

func TestNilRegistryIsNoop(t *testing.T) {
	var r *Registry
	r.ObserveDiagnosis("hit", time.Millisecond)
	r.CacheEvent("miss")
	r.CacheEntries(3)
	r.SafetyVerdict("high")
	r.LearningEdges("deferred", 1)
	r.EvidenceRecorded("feedback")
	r.BreakerState("neo4j", 1)
	r.ObserveHTTP("GET", "/api/health", 200, time.Millisecond)
}

func TestHandlerExposition(t *testing.T) {
	r := New()
	r.CacheEvent("stale")
	r.ObserveHTTP(http.MethodPost, "/api/diagnose", 200, 5*time.Millisecond)

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{
		`wessley_diag_cache_events_total{event="stale"} 1`,
		`wessley_diag_http_requests_total{method="POST",route="/api/diagnose",status="200"} 1`,
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}
