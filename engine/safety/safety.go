// Package safety evaluates observable inputs against a catalog of safety
// triggers. Evaluation is pure and independent of the knowledge graph; the
// caller decides whether a verdict short-circuits diagnosis.
package safety

import (
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/WessleyAI/wessley-diagnostics/engine/domain"
	"github.com/WessleyAI/wessley-diagnostics/pkg/metrics"
)

// Severity is a safety gate tier.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow: 1, SeverityMedium: 2, SeverityHigh: 3, SeverityCritical: 4,
}

// Rank orders severities; unknown values rank 0.
func (s Severity) Rank() int { return severityRank[s] }

// Trigger is one safety rule. A trigger needs a label pattern, a DTC
// pattern, or both; with both, each must match.
type Trigger struct {
	ID                   string   `yaml:"id" json:"id"`
	Enabled              *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Priority             int      `yaml:"priority" json:"priority"`
	LabelContains        []string `yaml:"label_contains,omitempty" json:"label_contains,omitempty"`
	LabelRegex           string   `yaml:"label_regex,omitempty" json:"label_regex,omitempty"`
	DTCPattern           string   `yaml:"dtc_pattern,omitempty" json:"dtc_pattern,omitempty"`
	MinIntensity         float64  `yaml:"min_intensity,omitempty" json:"min_intensity,omitempty"`
	Severity             Severity `yaml:"severity" json:"severity"`
	RecommendedAction    string   `yaml:"recommended_action" json:"recommended_action"`
	BlockSales           bool     `yaml:"block_sales" json:"block_sales"`
	ShowEmergencyContact bool     `yaml:"show_emergency_contact" json:"show_emergency_contact"`

	labelRe *regexp.Regexp
	dtcRe   *regexp.Regexp
	needles []string
}

// IsEnabled reports whether the trigger participates in evaluation. Triggers
// are enabled unless explicitly disabled.
func (t Trigger) IsEnabled() bool { return t.Enabled == nil || *t.Enabled }

func (t Trigger) hasLabelPattern() bool { return len(t.LabelContains) > 0 || t.LabelRegex != "" }

// compile validates the trigger and prepares its matchers.
func (t *Trigger) compile() error {
	if strings.TrimSpace(t.ID) == "" {
		return domain.NewValidationError("id", "", domain.ErrMissingField)
	}
	if t.Severity.Rank() == 0 {
		return domain.NewValidationError(t.ID+".severity", string(t.Severity), domain.ErrValidation)
	}
	if !t.hasLabelPattern() && t.DTCPattern == "" {
		return domain.NewValidationError(t.ID+".pattern", "", domain.ErrMissingField)
	}
	if t.MinIntensity < 0 || math.IsNaN(t.MinIntensity) {
		return domain.NewValidationError(t.ID+".min_intensity", fmt.Sprint(t.MinIntensity), domain.ErrOutOfRange)
	}
	t.needles = t.needles[:0]
	for _, s := range t.LabelContains {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			t.needles = append(t.needles, s)
		}
	}
	if t.LabelRegex != "" {
		re, err := regexp.Compile("(?i)" + t.LabelRegex)
		if err != nil {
			return domain.NewValidationError(t.ID+".label_regex", t.LabelRegex, domain.ErrValidation)
		}
		t.labelRe = re
	}
	if t.DTCPattern != "" {
		re, err := regexp.Compile("(?i)" + t.DTCPattern)
		if err != nil {
			return domain.NewValidationError(t.ID+".dtc_pattern", t.DTCPattern, domain.ErrValidation)
		}
		t.dtcRe = re
	}
	return nil
}

func (t *Trigger) matchLabel(label string) bool {
	if t.labelRe != nil && t.labelRe.MatchString(label) {
		return true
	}
	lower := strings.ToLower(label)
	for _, n := range t.needles {
		if strings.Contains(lower, n) {
			return true
		}
	}
	return false
}

// Input is one evaluation request. Intensities align by index with Labels;
// a missing intensity does not gate a match.
type Input struct {
	Labels      []string  `json:"observable_labels"`
	DTCCodes    []string  `json:"dtc_codes,omitempty"`
	Intensities []float64 `json:"intensities,omitempty"`
}

// Match records one fired trigger.
type Match struct {
	TriggerID    string   `json:"trigger_id"`
	Severity     Severity `json:"severity"`
	Priority     int      `json:"priority"`
	MatchedLabel string   `json:"matched_label,omitempty"`
	MatchedDTC   string   `json:"matched_dtc,omitempty"`
	BlockSales   bool     `json:"block_sales"`
}

// Verdict is the evaluation result. The gate and recommended action come
// from the highest-ranked fired trigger; BlockSales and
// ShowEmergencyContact are set when any fired trigger sets them.
type Verdict struct {
	HasSafetyConcern     bool     `json:"has_safety_concern"`
	HighestGate          Severity `json:"highest_gate,omitempty"`
	BlockSales           bool     `json:"block_sales"`
	RecommendedAction    string   `json:"recommended_action,omitempty"`
	ShowEmergencyContact bool     `json:"show_emergency_contact"`
	Triggered            []Match  `json:"triggered"`
}

// Evaluator holds a validated trigger catalog.
type Evaluator struct {
	triggers []Trigger
	metrics  *metrics.Registry
	logger   *slog.Logger
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithMetrics counts verdicts by gate.
func WithMetrics(m *metrics.Registry) Option { return func(e *Evaluator) { e.metrics = m } }

// WithLogger sets the evaluator logger.
func WithLogger(l *slog.Logger) Option { return func(e *Evaluator) { e.logger = l } }

// NewEvaluator validates triggers and builds an evaluator. Duplicate ids,
// unknown severities, malformed patterns and pattern-less triggers fail.
func NewEvaluator(triggers []Trigger, opts ...Option) (*Evaluator, error) {
	e := &Evaluator{}
	for _, o := range opts {
		o(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	seen := make(map[string]bool, len(triggers))
	for _, t := range triggers {
		if err := t.compile(); err != nil {
			return nil, fmt.Errorf("safety: trigger: %w", err)
		}
		if seen[t.ID] {
			return nil, fmt.Errorf("safety: trigger: %w", domain.NewValidationError("id", t.ID, domain.ErrValidation))
		}
		seen[t.ID] = true
		e.triggers = append(e.triggers, t)
	}
	sort.SliceStable(e.triggers, func(i, j int) bool { return ranksBefore(e.triggers[i], e.triggers[j]) })
	e.logger.Info("safety: triggers loaded", "count", len(e.triggers))
	return e, nil
}

// ranksBefore is the verdict order: severity, then priority, then id.
func ranksBefore(a, b Trigger) bool {
	if a.Severity.Rank() != b.Severity.Rank() {
		return a.Severity.Rank() > b.Severity.Rank()
	}
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.ID < b.ID
}

// Triggers returns the catalog in verdict order.
func (e *Evaluator) Triggers() []Trigger {
	out := make([]Trigger, len(e.triggers))
	copy(out, e.triggers)
	return out
}

// Evaluate matches the input against every enabled trigger. It only fails on
// malformed input: more intensities than labels, or a negative or NaN
// intensity. An empty input yields no concern.
func (e *Evaluator) Evaluate(in Input) (Verdict, error) {
	if len(in.Intensities) > len(in.Labels) {
		return Verdict{}, domain.NewValidationError("intensities", fmt.Sprint(len(in.Intensities)), domain.ErrOutOfRange)
	}
	for i, v := range in.Intensities {
		if v < 0 || math.IsNaN(v) {
			return Verdict{}, domain.NewValidationError(fmt.Sprintf("intensities[%d]", i), fmt.Sprint(v), domain.ErrOutOfRange)
		}
	}

	v := Verdict{Triggered: []Match{}}
	for i := range e.triggers {
		t := &e.triggers[i]
		if !t.IsEnabled() {
			continue
		}
		m, ok := t.fire(in)
		if !ok {
			continue
		}
		// Triggers are pre-sorted, so the first to fire sets the gate.
		if !v.HasSafetyConcern {
			v.HasSafetyConcern = true
			v.HighestGate = t.Severity
			v.RecommendedAction = t.RecommendedAction
		}
		v.BlockSales = v.BlockSales || t.BlockSales
		v.ShowEmergencyContact = v.ShowEmergencyContact || t.ShowEmergencyContact
		v.Triggered = append(v.Triggered, m)
	}
	e.metrics.SafetyVerdict(string(v.HighestGate))
	return v, nil
}

func (t *Trigger) fire(in Input) (Match, bool) {
	m := Match{TriggerID: t.ID, Severity: t.Severity, Priority: t.Priority, BlockSales: t.BlockSales}
	if t.hasLabelPattern() {
		found := false
		for i, label := range in.Labels {
			if !t.matchLabel(label) {
				continue
			}
			if i < len(in.Intensities) && in.Intensities[i] < t.MinIntensity {
				continue
			}
			m.MatchedLabel = label
			found = true
			break
		}
		if !found {
			return Match{}, false
		}
	}
	if t.dtcRe != nil {
		found := false
		for _, code := range in.DTCCodes {
			code = domain.NormalizeDTC(code)
			if code != "" && t.dtcRe.MatchString(code) {
				m.MatchedDTC = code
				found = true
				break
			}
		}
		if !found {
			return Match{}, false
		}
	}
	return m, true
}
