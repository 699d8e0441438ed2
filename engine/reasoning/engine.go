// Package reasoning ranks the faults most likely to explain a set of
// observed symptoms. It walks observable -> fault edges in the graph store,
// combines the contributing edges with noisy-OR, applies context and engine
// family boosts, and explains every candidate. Results are memoized in a
// version-checked cache.
package reasoning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/WessleyAI/wessley-diagnostics/engine/cache"
	"github.com/WessleyAI/wessley-diagnostics/engine/confidence"
	"github.com/WessleyAI/wessley-diagnostics/engine/domain"
	"github.com/WessleyAI/wessley-diagnostics/engine/graph"
	"github.com/WessleyAI/wessley-diagnostics/pkg/metrics"
)

// Graph is the read side of the graph store the engine traverses.
type Graph interface {
	GetNode(ctx context.Context, id string, opts ...graph.ReadOption) (domain.Node, error)
	OutgoingEdges(ctx context.Context, nodeID string, edgeType domain.EdgeType, opts ...graph.ReadOption) ([]domain.Edge, error)
	EntityVersion(key string) int64
}

// Params tunes scoring and traversal.
type Params struct {
	Threshold    float64       // minimum score kept
	Limit        int           // maximum candidates returned
	ContextBonus float64       // multiplier bonus at full context match
	FamilyBoost  float64       // multiplier bonus for a certain known issue
	Timeout      time.Duration // per-call deadline when the caller sets none
	Parallelism  int           // observables traversed concurrently
}

// DefaultParams returns the production defaults.
func DefaultParams() Params {
	return Params{
		Threshold:    0.3,
		Limit:        10,
		ContextBonus: 0.15,
		FamilyBoost:  0.3,
		Timeout:      2 * time.Second,
		Parallelism:  8,
	}
}

// Request is one diagnosis query.
type Request struct {
	ObservableIDs  []string               `json:"observable_ids"`
	Vehicle        *domain.VehicleContext `json:"vehicle,omitempty"`
	Threshold      *float64               `json:"confidence_threshold,omitempty"`
	Limit          int                    `json:"limit,omitempty"`
	IncludeRelated bool                   `json:"include_related,omitempty"`
	AsOf           *time.Time             `json:"as_of,omitempty"`
}

// Result is the ranked answer to a Request.
type Result struct {
	Candidates     []Candidate `json:"candidates"`
	EngineFamilyID string      `json:"engine_family_id,omitempty"`
	Fingerprint    string      `json:"fingerprint"`
	Cached         bool        `json:"cached"`
	Partial        bool        `json:"partial,omitempty"`
	Notes          []string    `json:"notes,omitempty"`
	ComputedAt     time.Time   `json:"computed_at"`
}

// Candidate is one ranked fault.
type Candidate struct {
	FaultID            string      `json:"fault_id"`
	FaultLabel         string      `json:"fault_label"`
	Score              float64     `json:"score"`
	Confidence         float64     `json:"confidence"`
	MatchedObservables []string    `json:"matched_observables"`
	DTCCode            string      `json:"dtc_code,omitempty"`
	SafetyCritical     bool        `json:"safety_critical,omitempty"`
	Explanation        Explanation `json:"explanation"`
}

// Explanation records how a candidate's score was built.
type Explanation struct {
	Contributions []Contribution `json:"contributions"`
	FamilyBoost   float64        `json:"engine_family_boost"`
	KnownIssue    string         `json:"known_issue_edge_id,omitempty"`
	Related       []RelatedNode  `json:"related,omitempty"`
	Paths         [][]string     `json:"paths"`
	Summary       string         `json:"summary"`
}

// Contribution is one observable -> fault edge's share of a score.
type Contribution struct {
	ObservableID      string  `json:"observable_id"`
	ObservableLabel   string  `json:"observable_label"`
	EdgeID            string  `json:"edge_id"`
	EdgeConfidence    float64 `json:"edge_confidence"`
	EdgeWeight        float64 `json:"edge_weight"`
	ContextMatch      float64 `json:"context_match"`
	ContextMultiplier float64 `json:"context_multiplier"`
	Value             float64 `json:"contribution"`
}

// RelatedNode is a root cause, action or part one hop from a fault.
type RelatedNode struct {
	NodeID         string          `json:"node_id"`
	Label          string          `json:"label"`
	Type           domain.NodeType `json:"type"`
	EdgeID         string          `json:"edge_id"`
	EdgeType       domain.EdgeType `json:"edge_type"`
	Confidence     float64         `json:"confidence"`
	PartNumber     string          `json:"part_number,omitempty"`
	IntervalKm     float64         `json:"interval_km,omitempty"`
	IntervalMonths float64         `json:"interval_months,omitempty"`
}

type config struct {
	params   Params
	cache    *cache.Cache[Result]
	vehicles VehicleResolver
	metrics  *metrics.Registry
	logger   *slog.Logger
	now      func() time.Time
	model    confidence.Params
}

// Option configures an Engine.
type Option func(*config)

// WithParams overrides the scoring parameters.
func WithParams(p Params) Option { return func(c *config) { c.params = p } }

// WithCache memoizes results.
func WithCache(rc *cache.Cache[Result]) Option { return func(c *config) { c.cache = rc } }

// WithVehicles resolves vehicle ids to engine families.
func WithVehicles(r VehicleResolver) Option { return func(c *config) { c.vehicles = r } }

// WithMetrics records diagnosis outcomes and latency.
func WithMetrics(m *metrics.Registry) Option { return func(c *config) { c.metrics = m } }

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option { return func(c *config) { c.logger = l } }

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option { return func(c *config) { c.now = now } }

// WithModel sets the confidence model parameters used for maintenance
// intervals in explanations.
func WithModel(p confidence.Params) Option { return func(c *config) { c.model = p } }

// Engine answers diagnosis queries. It holds no per-request state and is safe
// for concurrent use.
type Engine struct {
	graph Graph
	cfg   config
}

// New creates an Engine over g.
func New(g Graph, opts ...Option) *Engine {
	cfg := config{
		params: DefaultParams(),
		now:    func() time.Time { return time.Now().UTC() },
		model:  confidence.DefaultParams(),
	}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.params.Parallelism <= 0 {
		cfg.params.Parallelism = 8
	}
	if cfg.params.Limit <= 0 {
		cfg.params.Limit = 10
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	return &Engine{graph: g, cfg: cfg}
}

// query is a validated, normalized Request.
type query struct {
	observables    []string
	tags           domain.ContextTags
	usage          domain.UsageProfile
	threshold      float64
	limit          int
	includeRelated bool
	readOpts       []graph.ReadOption
	asOf           bool
}

func (e *Engine) normalize(req Request) (query, error) {
	q := query{
		threshold:      e.cfg.params.Threshold,
		limit:          e.cfg.params.Limit,
		includeRelated: req.IncludeRelated,
	}
	seen := make(map[string]bool, len(req.ObservableIDs))
	for _, id := range req.ObservableIDs {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		q.observables = append(q.observables, id)
	}
	sort.Strings(q.observables)

	if req.Threshold != nil {
		if *req.Threshold < 0 || *req.Threshold > 1 {
			return q, domain.NewValidationError("confidence_threshold", strconv.FormatFloat(*req.Threshold, 'g', -1, 64), domain.ErrOutOfRange)
		}
		q.threshold = *req.Threshold
	}
	if req.Limit < 0 {
		return q, domain.NewValidationError("limit", strconv.Itoa(req.Limit), domain.ErrOutOfRange)
	}
	if req.Limit > 0 {
		q.limit = req.Limit
	}
	if req.Vehicle != nil {
		if err := req.Vehicle.Context.Validate(); err != nil {
			return q, err
		}
		q.tags = req.Vehicle.Context
		q.usage = req.Vehicle.Usage
	}
	if req.AsOf != nil && !req.AsOf.IsZero() {
		q.asOf = true
		q.readOpts = []graph.ReadOption{graph.AsOf(*req.AsOf)}
	}
	return q, nil
}

// Diagnose ranks the faults explaining req's observables. An empty
// observable set yields an empty result. An unknown vehicle degrades to
// scoring without engine family boosts and says so in Notes. When the
// deadline expires mid-traversal the candidates found so far are returned
// with Partial set; ErrTimeout is returned only when nothing was scored.
func (e *Engine) Diagnose(ctx context.Context, req Request) (Result, error) {
	ctx, span := otel.Tracer("engine/reasoning").Start(ctx, "reasoning.Diagnose")
	defer span.End()
	start := time.Now()

	res, outcome, err := e.diagnose(ctx, req)
	e.cfg.metrics.ObserveDiagnosis(outcome, time.Since(start))
	span.SetAttributes(
		attribute.String("diagnose.outcome", outcome),
		attribute.Int("diagnose.candidates", len(res.Candidates)),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}
	return res, nil
}

func (e *Engine) diagnose(ctx context.Context, req Request) (Result, string, error) {
	q, err := e.normalize(req)
	if err != nil {
		return Result{}, "invalid", fmt.Errorf("reasoning: diagnose: %w", err)
	}
	if len(q.observables) == 0 {
		return Result{
			Candidates: []Candidate{},
			Notes:      []string{"no observables supplied"},
			ComputedAt: e.cfg.now(),
		}, "empty", nil
	}

	familyID, notes := e.resolveFamily(ctx, req.Vehicle, q)
	fp := cache.Fingerprint(q.observables, familyID, q.tags,
		"threshold="+strconv.FormatFloat(q.threshold, 'g', -1, 64),
		"limit="+strconv.Itoa(q.limit),
		"related="+strconv.FormatBool(q.includeRelated),
		fmt.Sprintf("usage=%+v", q.usage),
	)

	useCache := e.cfg.cache != nil && !q.asOf
	if useCache {
		if entry, ok := e.cfg.cache.Get(ctx, fp); ok {
			res := entry.Value
			res.Cached = true
			res.Notes = append(append([]string(nil), notes...), res.Notes...)
			return res, "cache_hit", nil
		}
	}

	if _, ok := ctx.Deadline(); !ok && e.cfg.params.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.params.Timeout)
		defer cancel()
	}

	started := time.Now()
	res, deps, err := e.compute(ctx, q, familyID)
	if err != nil {
		if errors.Is(err, domain.ErrTimeout) {
			return Result{}, "timeout", err
		}
		return Result{}, "error", err
	}
	res.Fingerprint = fp

	outcome := "computed"
	if res.Partial {
		outcome = "partial"
		e.cfg.logger.Warn("reasoning: partial result", "fingerprint", fp, "candidates", len(res.Candidates))
	} else if useCache {
		e.cfg.cache.Put(context.WithoutCancel(ctx), fp, res, deps, time.Since(started))
	}
	res.Notes = append(append([]string(nil), notes...), res.Notes...)
	return res, outcome, nil
}

// resolveFamily maps the request's vehicle to an active engine family node.
// Failures degrade to "" with an explanatory note.
func (e *Engine) resolveFamily(ctx context.Context, v *domain.VehicleContext, q query) (string, []string) {
	if v == nil {
		return "", nil
	}
	familyID := strings.TrimSpace(v.EngineFamilyID)
	if familyID == "" && v.VehicleID != "" {
		if e.cfg.vehicles == nil {
			return "", []string{fmt.Sprintf("vehicle %q not resolved: no vehicle catalog; scored without vehicle context", v.VehicleID)}
		}
		veh, err := e.cfg.vehicles.Resolve(ctx, v.VehicleID)
		if err != nil {
			e.cfg.logger.Info("reasoning: vehicle not resolved", "vehicle_id", v.VehicleID, "err", err)
			return "", []string{fmt.Sprintf("unknown vehicle %q; scored without vehicle context", v.VehicleID)}
		}
		familyID = veh.EngineFamilyID
	}
	if familyID == "" {
		return "", nil
	}
	n, err := e.graph.GetNode(ctx, familyID, q.readOpts...)
	if err != nil || n.Type != domain.NodeEngineFamily {
		return "", []string{fmt.Sprintf("engine family %q is not an active graph node; scored without vehicle context", familyID)}
	}
	return familyID, nil
}

// deps collects the entity versions a result was computed from.
type deps struct {
	mu sync.Mutex
	m  map[string]int64
}

// add keeps the first version seen for key. Versions are taken from the
// entity value that was read, or sampled before the read for adjacency and
// missing entities, so a concurrent write can only make the entry stale.
func (d *deps) add(key string, version int64) {
	d.mu.Lock()
	if _, ok := d.m[key]; !ok {
		d.m[key] = version
	}
	d.mu.Unlock()
}

type hit struct {
	edge  domain.Edge
	fault domain.Node
}

type slot struct {
	done     bool
	observed *domain.Node
	hits     []hit
	note     string
}

func (e *Engine) compute(ctx context.Context, q query, familyID string) (Result, map[string]int64, error) {
	d := &deps{m: make(map[string]int64)}
	slots := make([]slot, len(q.observables))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.params.Parallelism)
	for i, id := range q.observables {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			return e.traverse(gctx, id, q, d, &slots[i])
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, nil, fmt.Errorf("reasoning: diagnose: %w", err)
	}

	res := Result{Candidates: []Candidate{}, EngineFamilyID: familyID, ComputedAt: e.cfg.now()}
	scored := 0
	for _, s := range slots {
		if !s.done {
			res.Partial = true
			continue
		}
		scored++
		if s.note != "" {
			res.Notes = append(res.Notes, s.note)
		}
	}
	if scored == 0 {
		return Result{}, nil, fmt.Errorf("reasoning: diagnose: %w", domain.ErrTimeout)
	}

	knownIssues, err := e.knownIssues(ctx, familyID, q, d)
	if err != nil {
		return Result{}, nil, err
	}

	res.Candidates = e.score(slots, q, knownIssues, d)

	if q.includeRelated {
		for i := range res.Candidates {
			if ctx.Err() != nil {
				res.Partial = true
				res.Notes = append(res.Notes, "deadline reached before related nodes were expanded")
				break
			}
			related, err := e.related(ctx, res.Candidates[i].FaultID, q, d)
			if err != nil {
				return Result{}, nil, err
			}
			c := &res.Candidates[i]
			c.Explanation.Related = related
			for _, r := range related {
				c.Explanation.Paths = append(c.Explanation.Paths, []string{c.FaultID, r.EdgeID, r.NodeID})
			}
		}
	}
	return res, d.m, nil
}

// traverse reads one observable and its active indicates edges into s.
func (e *Engine) traverse(ctx context.Context, id string, q query, d *deps, s *slot) error {
	if ctx.Err() != nil {
		return nil
	}
	d.add(graph.AdjacencyKey(id), e.graph.EntityVersion(graph.AdjacencyKey(id)))
	pre := e.graph.EntityVersion(graph.NodeKey(id))
	obs, err := e.graph.GetNode(ctx, id, q.readOpts...)
	if errors.Is(err, domain.ErrNotFound) {
		d.add(graph.NodeKey(id), pre)
		s.note = fmt.Sprintf("observable %q is unknown or not active", id)
		s.done = true
		return nil
	}
	if err != nil {
		return err
	}
	d.add(graph.NodeKey(id), obs.Version)
	if obs.Type != domain.NodeObservable {
		s.note = fmt.Sprintf("%q is a %s node, not an observable", id, obs.Type)
		s.done = true
		return nil
	}
	s.observed = &obs

	edges, err := e.graph.OutgoingEdges(ctx, id, domain.EdgeIndicates, q.readOpts...)
	if err != nil {
		return err
	}
	for _, edge := range edges {
		if ctx.Err() != nil {
			return nil
		}
		d.add(graph.EdgeKey(edge.ID), edge.Version)
		faultID := edge.Other(id)
		pre := e.graph.EntityVersion(graph.NodeKey(faultID))
		fault, err := e.graph.GetNode(ctx, faultID, q.readOpts...)
		if errors.Is(err, domain.ErrNotFound) {
			d.add(graph.NodeKey(faultID), pre)
			continue
		}
		if err != nil {
			return err
		}
		d.add(graph.NodeKey(faultID), fault.Version)
		s.hits = append(s.hits, hit{edge: edge, fault: fault})
	}
	s.done = true
	return nil
}

func (e *Engine) knownIssues(ctx context.Context, familyID string, q query, d *deps) (map[string]domain.Edge, error) {
	if familyID == "" {
		return nil, nil
	}
	d.add(graph.AdjacencyKey(familyID), e.graph.EntityVersion(graph.AdjacencyKey(familyID)))
	if fam, err := e.graph.GetNode(ctx, familyID, q.readOpts...); err == nil {
		d.add(graph.NodeKey(familyID), fam.Version)
	}
	edges, err := e.graph.OutgoingEdges(ctx, familyID, domain.EdgeKnownIssue, q.readOpts...)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reasoning: known issues %s: %w", familyID, err)
	}
	out := make(map[string]domain.Edge, len(edges))
	for _, edge := range edges {
		d.add(graph.EdgeKey(edge.ID), edge.Version)
		out[edge.Other(familyID)] = edge
	}
	return out, nil
}

// score aggregates hits per fault in observable order and ranks them.
func (e *Engine) score(slots []slot, q query, knownIssues map[string]domain.Edge, d *deps) []Candidate {
	byFault := make(map[string]*Candidate)
	var order []string
	for _, s := range slots {
		if s.observed == nil {
			continue
		}
		var obsTags domain.ContextTags
		if s.observed.Observable != nil {
			obsTags = s.observed.Observable.Context
		}
		match := obsTags.Match(q.tags)
		mult := confidence.ContextMultiplier(match, e.cfg.params.ContextBonus)
		for _, h := range s.hits {
			c, ok := byFault[h.fault.ID]
			if !ok {
				c = &Candidate{
					FaultID:            h.fault.ID,
					FaultLabel:         h.fault.Label,
					DTCCode:            h.fault.DTCCode(),
					MatchedObservables: []string{},
				}
				if h.fault.Fault != nil {
					c.SafetyCritical = h.fault.Fault.SafetyCritical
				}
				byFault[h.fault.ID] = c
				order = append(order, h.fault.ID)
			}
			eff := confidence.EffectiveConfidence(h.edge.Confidence, []float64{mult}, nil)
			c.Explanation.Contributions = append(c.Explanation.Contributions, Contribution{
				ObservableID:      s.observed.ID,
				ObservableLabel:   s.observed.Label,
				EdgeID:            h.edge.ID,
				EdgeConfidence:    h.edge.Confidence,
				EdgeWeight:        h.edge.Weight,
				ContextMatch:      match,
				ContextMultiplier: mult,
				Value:             eff * confidence.Clamp01(h.edge.Weight),
			})
			c.Explanation.Paths = append(c.Explanation.Paths, []string{s.observed.ID, h.edge.ID, h.fault.ID})
			if !contains(c.MatchedObservables, s.observed.ID) {
				c.MatchedObservables = append(c.MatchedObservables, s.observed.ID)
			}
		}
	}

	out := make([]Candidate, 0, len(order))
	for _, id := range order {
		c := byFault[id]
		ps := make([]float64, len(c.Explanation.Contributions))
		for i, contrib := range c.Explanation.Contributions {
			ps[i] = contrib.Value
		}
		c.Confidence = confidence.NoisyOR(ps...)
		c.Explanation.FamilyBoost = 1
		if ki, ok := knownIssues[id]; ok {
			c.Explanation.FamilyBoost = confidence.EngineFamilyBoost(ki.Confidence, ki.Weight, e.cfg.params.FamilyBoost)
			c.Explanation.KnownIssue = ki.ID
		}
		c.Score = c.Confidence * c.Explanation.FamilyBoost
		if c.Score < q.threshold {
			continue
		}
		c.Explanation.Summary = summarize(c)
		out = append(out, *c)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if len(out[i].MatchedObservables) != len(out[j].MatchedObservables) {
			return len(out[i].MatchedObservables) > len(out[j].MatchedObservables)
		}
		return out[i].FaultID < out[j].FaultID
	})
	if len(out) > q.limit {
		out = out[:q.limit]
	}
	return out
}

// related expands one hop from a fault to its root causes, actions and parts.
func (e *Engine) related(ctx context.Context, faultID string, q query, d *deps) ([]RelatedNode, error) {
	d.add(graph.AdjacencyKey(faultID), e.graph.EntityVersion(graph.AdjacencyKey(faultID)))
	edges, err := e.graph.OutgoingEdges(ctx, faultID, "", q.readOpts...)
	if err != nil {
		return nil, fmt.Errorf("reasoning: related %s: %w", faultID, err)
	}
	var out []RelatedNode
	for _, edge := range edges {
		switch edge.Type {
		case domain.EdgeCausedBy, domain.EdgeResolvedBy, domain.EdgeRequiresPart:
		default:
			continue
		}
		d.add(graph.EdgeKey(edge.ID), edge.Version)
		id := edge.Other(faultID)
		pre := e.graph.EntityVersion(graph.NodeKey(id))
		n, err := e.graph.GetNode(ctx, id, q.readOpts...)
		if errors.Is(err, domain.ErrNotFound) {
			d.add(graph.NodeKey(id), pre)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reasoning: related %s: %w", faultID, err)
		}
		d.add(graph.NodeKey(id), n.Version)
		r := RelatedNode{
			NodeID:     n.ID,
			Label:      n.Label,
			Type:       n.Type,
			EdgeID:     edge.ID,
			EdgeType:   edge.Type,
			Confidence: edge.Confidence,
		}
		switch {
		case n.Action != nil:
			r.IntervalKm, r.IntervalMonths = confidence.AdaptedInterval(
				n.Action.IntervalKm, n.Action.IntervalMonths, q.usage, n.Action.Wear, e.cfg.model)
		case n.Part != nil:
			r.PartNumber = n.Part.PartNumber
		}
		out = append(out, r)
	}
	return out, nil
}

func summarize(c *Candidate) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s matched by %d observable(s)", c.FaultLabel, len(c.MatchedObservables))
	for i, contrib := range c.Explanation.Contributions {
		if i == 0 {
			b.WriteString(": ")
		} else {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s %.2f", contrib.ObservableLabel, contrib.Value)
	}
	if c.Explanation.KnownIssue != "" {
		fmt.Fprintf(&b, "; known issue for this engine family (x%.2f)", c.Explanation.FamilyBoost)
	}
	return b.String()
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
