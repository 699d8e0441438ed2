package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/WessleyAI/wessley-diagnostics/engine/confidence"
	"github.com/WessleyAI/wessley-diagnostics/engine/domain"
	"github.com/WessleyAI/wessley-diagnostics/engine/graph"
	"github.com/WessleyAI/wessley-diagnostics/engine/learning"
	"github.com/WessleyAI/wessley-diagnostics/engine/reasoning"
	"github.com/WessleyAI/wessley-diagnostics/engine/safety"
	"github.com/WessleyAI/wessley-diagnostics/engine/semantic"
)

const testToken = "s3cret"

type fakeResolver struct {
	matches map[string][]semantic.Match
	err     error
}

func (f *fakeResolver) Resolve(_ context.Context, text string, _ int, _ float32) ([]semantic.Match, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.matches[text], nil
}

func newTestServer(t *testing.T) (*server, http.Handler) {
	t.Helper()
	ctx := context.Background()
	store := graph.New()
	cat, err := graph.LoadCatalogFile("")
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	if err := graph.Seed(ctx, store, cat, "seed"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	gate, err := safety.Default()
	if err != nil {
		t.Fatalf("safety: %v", err)
	}
	vehicles, err := reasoning.LoadVehicleCatalog("")
	if err != nil {
		t.Fatalf("vehicles: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := &server{
		store:      store,
		safety:     gate,
		engine:     reasoning.New(store, reasoning.WithVehicles(vehicles)),
		loop:       learning.New(store, learning.NewMemoryLedger()),
		model:      confidence.DefaultParams(),
		adminToken: testToken,
		minScore:   0.5,
		logger:     logger,
	}
	return s, s.routes()
}

func do(t *testing.T, h http.Handler, method, path string, body any, admin bool) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = bytes.NewBufferString(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	if admin {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("expected %d, got %d: %s", want, rec.Code, rec.Body.String())
	}
}

func TestHealthEndpoint(t *testing.T) {
	_, h := newTestServer(t)
	rec := do(t, h, "GET", "/api/health", nil, false)
	expectStatus(t, rec, http.StatusOK)

	resp := decodeBody[struct {
		Status string      `json:"status"`
		Graph  graph.Stats `json:"graph"`
	}](t, rec)
	if resp.Status != "ok" {
		t.Fatalf("expected status ok, got %s", resp.Status)
	}
	if resp.Graph.Nodes == 0 || resp.Graph.Edges == 0 {
		t.Fatalf("expected a seeded graph, got %+v", resp.Graph)
	}
}

func TestDiagnoseRanksBrakeScenario(t *testing.T) {
	_, h := newTestServer(t)
	rec := do(t, h, "POST", "/api/diagnose", map[string]any{
		"observable_ids": []string{"smell_burning", "vibration_braking"},
	}, false)
	expectStatus(t, rec, http.StatusOK)

	resp := decodeBody[DiagnoseResponse](t, rec)
	if resp.Blocked || resp.Diagnosis == nil {
		t.Fatalf("expected a diagnosis, got %+v", resp)
	}
	if len(resp.Diagnosis.Candidates) == 0 || resp.Diagnosis.Candidates[0].FaultID != "brake_pad_wear" {
		t.Fatalf("expected brake_pad_wear first, got %+v", resp.Diagnosis.Candidates)
	}
	want := confidence.NoisyOR(0.8, 0.6)
	if got := resp.Diagnosis.Candidates[0].Score; got >= 0.8+0.6 || got < want-1e-9 {
		t.Fatalf("score %v is not a diminishing-returns combination (noisy-OR %v)", got, want)
	}
}

func TestDiagnoseBlockedBySafetyGate(t *testing.T) {
	_, h := newTestServer(t)
	rec := do(t, h, "POST", "/api/diagnose", map[string]any{"dtc_codes": []string{"P0301"}}, false)
	expectStatus(t, rec, http.StatusOK)

	resp := decodeBody[DiagnoseResponse](t, rec)
	if !resp.Blocked || !resp.Safety.BlockSales {
		t.Fatalf("expected sales to be blocked, got %+v", resp.Safety)
	}
	if resp.Safety.HighestGate != safety.SeverityCritical {
		t.Fatalf("expected critical gate, got %s", resp.Safety.HighestGate)
	}
	if resp.Diagnosis != nil {
		t.Fatalf("blocked request must not be diagnosed")
	}

	rec = do(t, h, "POST", "/api/diagnose", map[string]any{"dtc_codes": []string{"P0301"}, "force_diagnosis": true}, false)
	expectStatus(t, rec, http.StatusOK)
	resp = decodeBody[DiagnoseResponse](t, rec)
	if resp.Diagnosis == nil || len(resp.Diagnosis.Candidates) == 0 {
		t.Fatalf("forced diagnosis returned nothing: %+v", resp)
	}
	if resp.Diagnosis.Candidates[0].FaultID != "ignition_coil_failure" {
		t.Fatalf("expected ignition_coil_failure, got %s", resp.Diagnosis.Candidates[0].FaultID)
	}
}

func TestDiagnoseObservableDTCFeedsSafety(t *testing.T) {
	_, h := newTestServer(t)
	rec := do(t, h, "POST", "/api/diagnose", map[string]any{"observable_ids": []string{"dtc_p0301", "rough_idle"}}, false)
	expectStatus(t, rec, http.StatusOK)
	resp := decodeBody[DiagnoseResponse](t, rec)
	if !resp.Blocked {
		t.Fatalf("observable carrying P0301 should block sales")
	}
}

func TestDiagnoseResolvesSymptoms(t *testing.T) {
	s, h := newTestServer(t)
	s.resolver = &fakeResolver{matches: map[string][]semantic.Match{
		"my brakes squeal": {{NodeID: "squeal_braking", Label: "Squealing when braking", Score: 0.91}},
	}}
	rec := do(t, h, "POST", "/api/diagnose", map[string]any{"symptoms": []string{"my brakes squeal"}}, false)
	expectStatus(t, rec, http.StatusOK)

	resp := decodeBody[DiagnoseResponse](t, rec)
	if len(resp.Resolved) != 1 || resp.Resolved[0].NodeID != "squeal_braking" {
		t.Fatalf("unexpected resolution: %+v", resp.Resolved)
	}
	if resp.Diagnosis == nil || len(resp.Diagnosis.Candidates) == 0 || resp.Diagnosis.Candidates[0].FaultID != "brake_pad_wear" {
		t.Fatalf("expected brake_pad_wear from resolved symptom, got %+v", resp.Diagnosis)
	}

	s.resolver = &fakeResolver{err: errors.New("qdrant down")}
	rec = do(t, h, "POST", "/api/diagnose", map[string]any{"symptoms": []string{"brakes went to the floor"}}, false)
	expectStatus(t, rec, http.StatusOK)
	resp = decodeBody[DiagnoseResponse](t, rec)
	if !resp.Blocked {
		t.Fatalf("raw symptom text should still reach the safety gate")
	}
}

func TestDiagnoseValidation(t *testing.T) {
	_, h := newTestServer(t)
	expectStatus(t, do(t, h, "POST", "/api/diagnose", "not json", false), http.StatusBadRequest)
	expectStatus(t, do(t, h, "POST", "/api/diagnose", map[string]any{
		"observable_ids": []string{"smell_burning"}, "confidence_threshold": 1.5,
	}, false), http.StatusBadRequest)

	rec := do(t, h, "POST", "/api/diagnose", map[string]any{}, false)
	expectStatus(t, rec, http.StatusOK)
	resp := decodeBody[DiagnoseResponse](t, rec)
	if resp.Diagnosis == nil || len(resp.Diagnosis.Candidates) != 0 {
		t.Fatalf("empty input should yield an empty ranking, got %+v", resp.Diagnosis)
	}
}

func TestSafetyEvaluate(t *testing.T) {
	_, h := newTestServer(t)
	rec := do(t, h, "POST", "/api/safety/evaluate", safety.Input{Labels: []string{"Engine overheating"}, Intensities: []float64{8}}, false)
	expectStatus(t, rec, http.StatusOK)
	v := decodeBody[safety.Verdict](t, rec)
	if !v.HasSafetyConcern || v.HighestGate != safety.SeverityHigh {
		t.Fatalf("unexpected verdict: %+v", v)
	}
	expectStatus(t, do(t, h, "POST", "/api/safety/evaluate", "{", false), http.StatusBadRequest)
}

func TestFeedbackLearningAndAudit(t *testing.T) {
	_, h := newTestServer(t)
	for i := 0; i < 3; i++ {
		rec := do(t, h, "POST", "/api/feedback", domain.FeedbackEvent{
			EdgeID: "e_vib_rotor", Type: domain.FeedbackDiagnosisConfirmed, Sentiment: domain.SentimentPositive, SourceReliability: 0.6,
		}, false)
		expectStatus(t, rec, http.StatusAccepted)
		if id := decodeBody[map[string]string](t, rec)["id"]; id == "" {
			t.Fatalf("expected an event id")
		}
	}
	expectStatus(t, do(t, h, "POST", "/api/feedback", domain.FeedbackEvent{EdgeID: "e_vib_rotor", Type: "bogus"}, false), http.StatusBadRequest)

	rec := do(t, h, "POST", "/api/truth-labels", domain.TruthLabel{
		FaultID: "warped_rotor", Method: domain.ConfirmDealerRepair, Confirmed: true,
	}, false)
	expectStatus(t, rec, http.StatusCreated)
	if lb := decodeBody[domain.TruthLabel](t, rec); lb.Quality != domain.QualityHigh {
		t.Fatalf("expected high quality label, got %s", lb.Quality)
	}
	expectStatus(t, do(t, h, "POST", "/api/truth-labels", domain.TruthLabel{
		FaultID: "warped_rotor", EdgeIDs: []string{"e_vib_pads"}, Method: domain.ConfirmDealerRepair,
	}, false), http.StatusBadRequest)

	expectStatus(t, do(t, h, "POST", "/api/admin/learning/apply", nil, false), http.StatusUnauthorized)
	rec = do(t, h, "POST", "/api/admin/learning/apply", nil, true)
	expectStatus(t, rec, http.StatusOK)
	sum := decodeBody[learning.Summary](t, rec)
	if sum.Adjusted != 1 || sum.FeedbackProcessed != 3 || sum.LabelsProcessed != 1 {
		t.Fatalf("unexpected summary: %+v", sum)
	}

	rec = do(t, h, "GET", "/api/edges/e_vib_rotor/adjustments", nil, false)
	expectStatus(t, rec, http.StatusOK)
	adjs := decodeBody[struct {
		Adjustments []domain.WeightAdjustment `json:"adjustments"`
	}](t, rec)
	if len(adjs.Adjustments) != 1 {
		t.Fatalf("expected one adjustment, got %d", len(adjs.Adjustments))
	}
	rec = do(t, h, "GET", "/api/edges/e_vib_rotor", nil, false)
	expectStatus(t, rec, http.StatusOK)
	if e := decodeBody[domain.Edge](t, rec); e.Confidence != adjs.Adjustments[0].ConfidenceAfter {
		t.Fatalf("edge confidence %v does not match adjustment %v", e.Confidence, adjs.Adjustments[0].ConfidenceAfter)
	}
	expectStatus(t, do(t, h, "GET", "/api/edges/nope/adjustments", nil, false), http.StatusNotFound)

	rec = do(t, h, "POST", "/api/admin/learning/verify", map[string]bool{"reproject": true}, true)
	expectStatus(t, rec, http.StatusOK)
	if v := decodeBody[verifyResponse](t, rec); len(v.Drifts) != 0 || v.Repaired != 0 {
		t.Fatalf("expected no drift, got %+v", v)
	}
}

func TestModerationLifecycle(t *testing.T) {
	_, h := newTestServer(t)
	node := domain.Node{ID: "grinding_braking", Type: domain.NodeObservable, Label: "Grinding when braking", ConfidenceBase: 0.5,
		Observable: &domain.ObservableAttrs{Context: domain.ContextTags{Phase: domain.PhaseBraking}}}
	rec := do(t, h, "POST", "/api/admin/nodes", map[string]any{"node": node, "actor": "reviewer-1"}, true)
	expectStatus(t, rec, http.StatusCreated)
	if n := decodeBody[domain.Node](t, rec); n.Status != domain.StatusPendingReview {
		t.Fatalf("submitted node should be pending, got %s", n.Status)
	}
	edge := domain.Edge{ID: "e_grind_pads", SourceID: "grinding_braking", TargetID: "brake_pad_wear", Type: domain.EdgeIndicates, ConfidenceBase: 0.7, WeightBase: 1}
	expectStatus(t, do(t, h, "POST", "/api/admin/edges", map[string]any{"edge": edge}, true), http.StatusCreated)

	diagnose := func() []reasoning.Candidate {
		rec := do(t, h, "POST", "/api/diagnose", map[string]any{"observable_ids": []string{"grinding_braking"}}, false)
		expectStatus(t, rec, http.StatusOK)
		return decodeBody[DiagnoseResponse](t, rec).Diagnosis.Candidates
	}
	if got := diagnose(); len(got) != 0 {
		t.Fatalf("pending entities must not be traversed, got %+v", got)
	}

	expectStatus(t, do(t, h, "POST", "/api/admin/nodes/grinding_braking/approve", nil, true), http.StatusOK)
	expectStatus(t, do(t, h, "POST", "/api/admin/edges/e_grind_pads/approve", map[string]string{"reason": "matches forum data"}, true), http.StatusOK)
	if got := diagnose(); len(got) != 1 || got[0].FaultID != "brake_pad_wear" {
		t.Fatalf("approved edge should be traversed, got %+v", got)
	}

	expectStatus(t, do(t, h, "POST", "/api/admin/edges/e_grind_pads/reject", nil, true), http.StatusConflict)
	expectStatus(t, do(t, h, "POST", "/api/admin/edges/e_grind_pads/explode", nil, true), http.StatusNotFound)
	expectStatus(t, do(t, h, "POST", "/api/admin/widgets/e_grind_pads/approve", nil, true), http.StatusNotFound)
	expectStatus(t, do(t, h, "POST", "/api/admin/nodes/missing/approve", nil, true), http.StatusNotFound)
	expectStatus(t, do(t, h, "POST", "/api/admin/nodes/grinding_braking/deprecate", map[string]any{"reason": "merged", "expected_version": 99}, true), http.StatusConflict)
	expectStatus(t, do(t, h, "POST", "/api/admin/nodes/grinding_braking/approve", nil, false), http.StatusUnauthorized)

	rec = do(t, h, "GET", "/api/nodes/grinding_braking/history", nil, false)
	expectStatus(t, rec, http.StatusOK)
	hist := decodeBody[struct {
		History []graph.HistoryEntry `json:"history"`
	}](t, rec)
	if len(hist.History) != 2 || hist.History[0].Actor != "reviewer-1" {
		t.Fatalf("unexpected history: %+v", hist.History)
	}
}

func TestNodeReads(t *testing.T) {
	_, h := newTestServer(t)
	rec := do(t, h, "GET", "/api/nodes/brake_pad_wear", nil, false)
	expectStatus(t, rec, http.StatusOK)
	if n := decodeBody[domain.Node](t, rec); n.Label != "Worn brake pads" {
		t.Fatalf("unexpected node: %+v", n)
	}
	expectStatus(t, do(t, h, "GET", "/api/nodes/nope", nil, false), http.StatusNotFound)
	expectStatus(t, do(t, h, "GET", "/api/nodes/brake_pad_wear?as_of=yesterday", nil, false), http.StatusBadRequest)
	expectStatus(t, do(t, h, "GET", "/api/nodes/brake_pad_wear?as_of=1999-01-01T00:00:00Z", nil, false), http.StatusNotFound)
}

func TestRiskAndInterval(t *testing.T) {
	_, h := newTestServer(t)
	rec := do(t, h, "GET", "/api/nodes/brake_pad_wear/risk?value=80", nil, false)
	expectStatus(t, rec, http.StatusOK)
	if lvl := decodeBody[map[string]any](t, rec)["level"]; lvl != string(domain.RiskHigh) {
		t.Fatalf("expected high risk, got %v", lvl)
	}
	expectStatus(t, do(t, h, "GET", "/api/nodes/brake_pad_wear/risk?value=lots", nil, false), http.StatusBadRequest)

	rec = do(t, h, "GET", "/api/nodes/act_replace_pads/interval?profile=aggressive", nil, false)
	expectStatus(t, rec, http.StatusOK)
	got := decodeBody[map[string]float64](t, rec)
	if got["interval_km"] != 24000 || got["multiplier"] != 0.6 {
		t.Fatalf("unexpected interval: %+v", got)
	}
	expectStatus(t, do(t, h, "GET", "/api/nodes/act_replace_pads/interval?profile=racing", nil, false), http.StatusBadRequest)
	expectStatus(t, do(t, h, "GET", "/api/nodes/brake_pad_wear/interval", nil, false), http.StatusBadRequest)
}

func TestResolveEndpoint(t *testing.T) {
	s, h := newTestServer(t)
	expectStatus(t, do(t, h, "POST", "/api/observables/resolve", map[string]string{"text": "squeal"}, false), http.StatusServiceUnavailable)

	s.resolver = &fakeResolver{matches: map[string][]semantic.Match{"squeal": {{NodeID: "squeal_braking", Score: 0.8}}}}
	rec := do(t, h, "POST", "/api/observables/resolve", map[string]string{"text": "squeal"}, false)
	expectStatus(t, rec, http.StatusOK)
	resp := decodeBody[struct {
		Matches []semantic.Match `json:"matches"`
	}](t, rec)
	if len(resp.Matches) != 1 || resp.Matches[0].NodeID != "squeal_braking" {
		t.Fatalf("unexpected matches: %+v", resp.Matches)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.NewNotFound(domain.KindNode, "x"), http.StatusNotFound},
		{domain.NewValidationError("id", "", domain.ErrMissingField), http.StatusBadRequest},
		{&domain.ConflictError{Expected: 1, Actual: 2}, http.StatusConflict},
		{&domain.TransitionError{From: domain.StatusRejected, To: domain.StatusActive}, http.StatusConflict},
		{domain.ErrTimeout, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
