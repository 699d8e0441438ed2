package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/WessleyAI/wessley-diagnostics/engine/confidence"
	"github.com/WessleyAI/wessley-diagnostics/engine/domain"
	"github.com/WessleyAI/wessley-diagnostics/engine/graph"
	"github.com/WessleyAI/wessley-diagnostics/engine/learning"
	"github.com/WessleyAI/wessley-diagnostics/engine/reasoning"
	"github.com/WessleyAI/wessley-diagnostics/engine/safety"
	"github.com/WessleyAI/wessley-diagnostics/engine/semantic"
	"github.com/WessleyAI/wessley-diagnostics/pkg/mid"
)

const maxBodyBytes = 1 << 20

// Resolver maps free-text symptoms to observable ids.
type Resolver interface {
	Resolve(ctx context.Context, text string, topK int, minScore float32) ([]semantic.Match, error)
}

// server holds the handler dependencies. resolver is nil when semantic
// resolution is disabled.
type server struct {
	store      *graph.Store
	safety     *safety.Evaluator
	engine     *reasoning.Engine
	loop       *learning.Loop
	resolver   Resolver
	model      confidence.Params
	adminToken string
	minScore   float32
	logger     *slog.Logger
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)

	mux.HandleFunc("POST /api/diagnose", s.handleDiagnose)
	mux.HandleFunc("POST /api/safety/evaluate", s.handleSafety)
	mux.HandleFunc("POST /api/feedback", s.handleFeedback)
	mux.HandleFunc("POST /api/truth-labels", s.handleTruthLabel)
	mux.HandleFunc("POST /api/observables/resolve", s.handleResolve)

	mux.HandleFunc("GET /api/nodes/{id}", s.handleGetNode)
	mux.HandleFunc("GET /api/nodes/{id}/history", s.handleHistory(domain.KindNode))
	mux.HandleFunc("GET /api/nodes/{id}/risk", s.handleRisk)
	mux.HandleFunc("GET /api/nodes/{id}/interval", s.handleInterval)
	mux.HandleFunc("GET /api/edges/{id}", s.handleGetEdge)
	mux.HandleFunc("GET /api/edges/{id}/history", s.handleHistory(domain.KindEdge))
	mux.HandleFunc("GET /api/edges/{id}/adjustments", s.handleAdjustments)

	mux.Handle("POST /api/admin/nodes", s.admin(s.handleSubmitNode))
	mux.Handle("POST /api/admin/edges", s.admin(s.handleSubmitEdge))
	mux.Handle("POST /api/admin/{kind}/{id}/{action}", s.admin(s.handleModerate))
	mux.Handle("POST /api/admin/learning/apply", s.admin(s.handleApplyLearning))
	mux.Handle("POST /api/admin/learning/verify", s.admin(s.handleVerifyLearning))
	return mux
}

// admin requires the bearer token when one is configured.
func (s *server) admin(h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.adminToken)) != 1 {
				writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
				return
			}
		}
		h(w, r)
	})
}

// --- Helpers ---

type errorBody struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps the domain error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrEmptyInput), errors.Is(err, domain.ErrUnknownVehicle):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrVersionConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (s *server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	body := errorBody{Error: err.Error(), RequestID: mid.RequestIDFrom(r.Context())}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "err", err, "request_id", body.RequestID)
		body.Error = "internal server error"
	}
	writeJSON(w, status, body)
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return domain.NewValidationError("body", "", fmt.Errorf("%w: %v", domain.ErrValidation, err))
	}
	return nil
}

func actorOf(r *http.Request, given string) string {
	if given != "" {
		return given
	}
	if a := r.Header.Get("X-Actor"); a != "" {
		return a
	}
	return "api"
}

// --- Handlers ---

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "graph": s.store.Stats()})
}

// DiagnoseRequest is the JSON body for POST /api/diagnose. DTC codes and
// free-text symptoms are resolved to observables before reasoning.
// Intensities align with ObservableIDs followed by Symptoms.
type DiagnoseRequest struct {
	reasoning.Request
	DTCCodes       []string  `json:"dtc_codes,omitempty"`
	Symptoms       []string  `json:"symptoms,omitempty"`
	Intensities    []float64 `json:"intensities,omitempty"`
	ForceDiagnosis bool      `json:"force_diagnosis,omitempty"`
}

// DiagnoseResponse carries the safety verdict and, unless sales are blocked
// and diagnosis was not forced, the ranked candidates.
type DiagnoseResponse struct {
	Safety    safety.Verdict    `json:"safety"`
	Blocked   bool              `json:"blocked"`
	Diagnosis *reasoning.Result `json:"diagnosis,omitempty"`
	Resolved  []semantic.Match  `json:"resolved,omitempty"`
}

func (s *server) handleDiagnose(w http.ResponseWriter, r *http.Request) {
	var req DiagnoseRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx := r.Context()

	var resp DiagnoseResponse
	ids := append([]string(nil), req.ObservableIDs...)
	for _, code := range req.DTCCodes {
		for _, n := range s.store.NodesByDTC(ctx, code) {
			if n.Type == domain.NodeObservable {
				ids = append(ids, n.ID)
			}
		}
	}
	if len(req.Symptoms) > 0 && s.resolver != nil {
		for _, text := range req.Symptoms {
			matches, err := s.resolver.Resolve(ctx, text, 3, s.minScore)
			if err != nil {
				// safety still evaluates the raw text
				s.logger.Warn("symptom resolution failed", "err", err, "request_id", mid.RequestIDFrom(ctx))
				continue
			}
			for _, m := range matches {
				ids = append(ids, m.NodeID)
			}
			resp.Resolved = append(resp.Resolved, matches...)
		}
	}

	in := safety.Input{DTCCodes: append([]string(nil), req.DTCCodes...), Intensities: req.Intensities}
	for _, id := range req.ObservableIDs {
		label := id
		if n, err := s.store.GetNode(ctx, id); err == nil {
			label = n.Label
			if code := n.DTCCode(); code != "" {
				in.DTCCodes = append(in.DTCCodes, code)
			}
		}
		in.Labels = append(in.Labels, label)
	}
	in.Labels = append(in.Labels, req.Symptoms...)

	verdict, err := s.safety.Evaluate(in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp.Safety = verdict
	if verdict.BlockSales && !req.ForceDiagnosis {
		resp.Blocked = true
		writeJSON(w, http.StatusOK, resp)
		return
	}

	dr := req.Request
	dr.ObservableIDs = ids
	res, err := s.engine.Diagnose(ctx, dr)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp.Diagnosis = &res
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleSafety(w http.ResponseWriter, r *http.Request) {
	var in safety.Input
	if err := decode(w, r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	v, err := s.safety.Evaluate(in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var ev domain.FeedbackEvent
	if err := decode(w, r, &ev); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := s.loop.RecordFeedback(r.Context(), ev)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (s *server) handleTruthLabel(w http.ResponseWriter, r *http.Request) {
	var lb domain.TruthLabel
	if err := decode(w, r, &lb); err != nil {
		s.writeError(w, r, err)
		return
	}
	got, err := s.loop.RecordTruthLabel(r.Context(), lb)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, got)
}

type resolveRequest struct {
	Text     string   `json:"text"`
	TopK     int      `json:"top_k,omitempty"`
	MinScore *float32 `json:"min_score,omitempty"`
}

func (s *server) handleResolve(w http.ResponseWriter, r *http.Request) {
	if s.resolver == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "semantic resolution is not configured"})
		return
	}
	var req resolveRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	floor := s.minScore
	if req.MinScore != nil {
		floor = *req.MinScore
	}
	matches, err := s.resolver.Resolve(r.Context(), req.Text, req.TopK, floor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"matches": matches})
}

// readOptions parses the as_of query parameter. Inactive entities are
// always readable by id.
func readOptions(r *http.Request) ([]graph.ReadOption, error) {
	opts := []graph.ReadOption{graph.IncludeInactive()}
	if v := r.URL.Query().Get("as_of"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, domain.NewValidationError("as_of", v, domain.ErrOutOfRange)
		}
		opts = append(opts, graph.AsOf(t))
	}
	return opts, nil
}

func (s *server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	opts, err := readOptions(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	n, err := s.store.GetNode(r.Context(), r.PathValue("id"), opts...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *server) handleGetEdge(w http.ResponseWriter, r *http.Request) {
	opts, err := readOptions(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	e, err := s.store.GetEdge(r.Context(), r.PathValue("id"), opts...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *server) handleHistory(kind domain.EntityKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h, err := s.store.History(r.Context(), domain.EntityRef{Kind: kind, ID: r.PathValue("id")})
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"history": h})
	}
}

func (s *server) handleAdjustments(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetEdge(r.Context(), id, graph.IncludeInactive()); err != nil {
		s.writeError(w, r, err)
		return
	}
	adjs, err := s.loop.Adjustments(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if adjs == nil {
		adjs = []domain.WeightAdjustment{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"adjustments": adjs})
}

func (s *server) handleRisk(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("value")
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		s.writeError(w, r, domain.NewValidationError("value", raw, domain.ErrOutOfRange))
		return
	}
	n, err := s.store.GetNode(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var t *domain.RiskThresholds
	switch {
	case n.Fault != nil:
		t = n.Fault.Risk
	case n.Action != nil:
		t = n.Action.Risk
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"node_id":    n.ID,
		"value":      value,
		"level":      confidence.RiskLevel(value, t),
		"thresholds": t,
	})
}

// parseProfile reads a comma-separated usage profile such as
// "aggressive,urban".
func parseProfile(raw string) (domain.UsageProfile, error) {
	var p domain.UsageProfile
	for _, f := range strings.Split(raw, ",") {
		switch strings.TrimSpace(strings.ToLower(f)) {
		case "":
		case "aggressive":
			p.Aggressive = true
		case "urban":
			p.Urban = true
		case "diesel":
			p.Diesel = true
		case "heavy_load":
			p.HeavyLoad = true
		case "extreme":
			p.Extreme = true
		default:
			return p, domain.NewValidationError("profile", f, domain.ErrOutOfRange)
		}
	}
	return p, nil
}

func (s *server) handleInterval(w http.ResponseWriter, r *http.Request) {
	profile, err := parseProfile(r.URL.Query().Get("profile"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	n, err := s.store.GetNode(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if n.Action == nil {
		s.writeError(w, r, domain.NewValidationError("type", string(n.Type), domain.ErrVariantMismatch))
		return
	}
	km, months := confidence.AdaptedInterval(n.Action.IntervalKm, n.Action.IntervalMonths, profile, n.Action.Wear, s.model)
	writeJSON(w, http.StatusOK, map[string]any{
		"node_id":         n.ID,
		"base_km":         n.Action.IntervalKm,
		"base_months":     n.Action.IntervalMonths,
		"multiplier":      confidence.WearMultiplier(profile, n.Action.Wear),
		"interval_km":     km,
		"interval_months": months,
	})
}

// --- Admin ---

type submitNodeRequest struct {
	Node            domain.Node `json:"node"`
	Actor           string      `json:"actor,omitempty"`
	Reason          string      `json:"reason,omitempty"`
	ExpectedVersion int64       `json:"expected_version,omitempty"`
}

type submitEdgeRequest struct {
	Edge            domain.Edge `json:"edge"`
	Actor           string      `json:"actor,omitempty"`
	Reason          string      `json:"reason,omitempty"`
	ExpectedVersion int64       `json:"expected_version,omitempty"`
}

func (s *server) handleSubmitNode(w http.ResponseWriter, r *http.Request) {
	var req submitNodeRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	m := graph.Mutation{Actor: actorOf(r, req.Actor), Reason: req.Reason, ExpectedVersion: req.ExpectedVersion}
	n, err := s.store.UpsertNode(r.Context(), req.Node, m)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, n)
}

func (s *server) handleSubmitEdge(w http.ResponseWriter, r *http.Request) {
	var req submitEdgeRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	m := graph.Mutation{Actor: actorOf(r, req.Actor), Reason: req.Reason, ExpectedVersion: req.ExpectedVersion}
	e, err := s.store.UpsertEdge(r.Context(), req.Edge, m)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

type moderateRequest struct {
	Actor           string `json:"actor,omitempty"`
	Reason          string `json:"reason,omitempty"`
	ExpectedVersion int64  `json:"expected_version,omitempty"`
}

var moderationTargets = map[string]domain.Status{
	"approve":   domain.StatusActive,
	"reject":    domain.StatusRejected,
	"deprecate": domain.StatusDeprecated,
}

func (s *server) handleModerate(w http.ResponseWriter, r *http.Request) {
	var kind domain.EntityKind
	switch r.PathValue("kind") {
	case "nodes":
		kind = domain.KindNode
	case "edges":
		kind = domain.KindEdge
	default:
		writeJSON(w, http.StatusNotFound, errorBody{Error: "unknown entity kind"})
		return
	}
	action := r.PathValue("action")
	to, ok := moderationTargets[action]
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "unknown moderation action " + strconv.Quote(action)})
		return
	}
	var req moderateRequest
	if r.ContentLength != 0 {
		if err := decode(w, r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	ref := domain.EntityRef{Kind: kind, ID: r.PathValue("id")}
	m := graph.Mutation{Actor: actorOf(r, req.Actor), Reason: req.Reason, ExpectedVersion: req.ExpectedVersion}
	v, err := s.store.SetStatus(r.Context(), ref, to, m)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("moderation applied", "ref", ref.String(), "status", to, "actor", m.Actor, "version", v)
	writeJSON(w, http.StatusOK, map[string]any{"ref": ref, "status": to, "version": v})
}

type applyRequest struct {
	EdgeIDs []string  `json:"edge_ids,omitempty"`
	Limit   int       `json:"limit,omitempty"`
	Before  time.Time `json:"before,omitempty"`
}

func (s *server) handleApplyLearning(w http.ResponseWriter, r *http.Request) {
	var req applyRequest
	if r.ContentLength != 0 {
		if err := decode(w, r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	sum, err := s.loop.ApplyLearning(r.Context(), learning.BatchSelector{EdgeIDs: req.EdgeIDs, Limit: req.Limit, Before: req.Before})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

type verifyRequest struct {
	Reproject bool `json:"reproject,omitempty"`
}

type verifyResponse struct {
	Drifts   []learning.Drift `json:"drifts"`
	Repaired int              `json:"repaired"`
}

func (s *server) handleVerifyLearning(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if r.ContentLength != 0 {
		if err := decode(w, r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	drifts, err := s.loop.Verify(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := verifyResponse{Drifts: drifts}
	if resp.Drifts == nil {
		resp.Drifts = []learning.Drift{}
	}
	if req.Reproject && len(drifts) > 0 {
		n, err := s.loop.Reproject(r.Context(), drifts)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		resp.Repaired = n
	}
	writeJSON(w, http.StatusOK, resp)
}
