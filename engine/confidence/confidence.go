// Package confidence holds the pure functions that turn priors, context and
// feedback into edge confidence and weight, plus the risk and maintenance
// interval calculations. Nothing here touches storage.
package confidence

import (
	"math"

	"github.com/WessleyAI/wessley-diagnostics/engine/domain"
)

// Formula tags the update rule recorded on each weight adjustment.
const Formula = "bayes-v1/labels-first"

// Params tunes the update rule and the interval floors.
type Params struct {
	PriorStrength         float64 // pseudo-observations backing the prior
	MinFeedback           int     // total evidence below which updates are no-ops
	TruthLabelWeight      float64 // each label counts as this many raw events
	RawDiscountWithLabels float64 // raw feedback scale when labels are present
	CorroborationBonus    float64 // reliability added per corroborating source
	MaxCorroboration      int
	IntervalFloorKm       float64
	IntervalFloorMonths   float64
}

// DefaultParams returns the production defaults.
func DefaultParams() Params {
	return Params{
		PriorStrength:         4,
		MinFeedback:           3,
		TruthLabelWeight:      10,
		RawDiscountWithLabels: 0.1,
		CorroborationBonus:    0.02,
		MaxCorroboration:      5,
		IntervalFloorKm:       1000,
		IntervalFloorMonths:   1,
	}
}

// Clamp01 clamps v to [0,1]. NaN clamps to 0.
func Clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// EffectiveConfidence applies context multipliers and then additive
// adjustments to a base confidence, clamping the result to [0,1].
func EffectiveConfidence(base float64, multipliers, deltas []float64) float64 {
	c := base
	for _, m := range multipliers {
		c *= m
	}
	for _, d := range deltas {
		c += d
	}
	return Clamp01(c)
}

// ContextMultiplier converts a context match fraction into a multiplier.
func ContextMultiplier(match, bonus float64) float64 {
	return 1 + bonus*Clamp01(match)
}

// EngineFamilyBoost converts a known-issue association into a score
// multiplier. It is 1 when the association is absent.
func EngineFamilyBoost(confidence, weight, boost float64) float64 {
	return 1 + boost*Clamp01(confidence)*Clamp01(weight)
}

// NoisyOR combines independent contributions as 1 - Π(1 - p). It is
// monotonic and sub-additive.
func NoisyOR(ps ...float64) float64 {
	miss := 1.0
	for _, p := range ps {
		miss *= 1 - Clamp01(p)
	}
	return 1 - miss
}

// State is an edge's learned pair.
type State struct {
	Confidence float64
	Weight     float64
}

// Evidence aggregates the feedback and truth labels for one edge over one
// batch. Neutral feedback is not evidence.
type Evidence struct {
	LabelPositive       int
	LabelNegative       int
	LabelReliabilityPos float64
	LabelReliabilityNeg float64
	RawPositive         int
	RawNegative         int
	RawReliabilityPos   float64
	RawReliabilityNeg   float64
}

// Labels returns the number of truth labels.
func (e Evidence) Labels() int { return e.LabelPositive + e.LabelNegative }

// Raw returns the number of raw feedback events.
func (e Evidence) Raw() int { return e.RawPositive + e.RawNegative }

// Total returns all evidence units.
func (e Evidence) Total() int { return e.Labels() + e.Raw() }

// Inputs returns the audit record of e under p.
func (e Evidence) Inputs(p Params) domain.AdjustmentInputs {
	return domain.AdjustmentInputs{
		LabelPositive:       e.LabelPositive,
		LabelNegative:       e.LabelNegative,
		LabelReliabilityPos: e.LabelReliabilityPos,
		LabelReliabilityNeg: e.LabelReliabilityNeg,
		RawPositive:         e.RawPositive,
		RawNegative:         e.RawNegative,
		RawReliabilityPos:   e.RawReliabilityPos,
		RawReliabilityNeg:   e.RawReliabilityNeg,
		PriorStrength:       p.PriorStrength,
		MinFeedback:         p.MinFeedback,
		TruthLabelWeight:    p.TruthLabelWeight,
		RawDiscount:         p.RawDiscountWithLabels,
	}
}

// FromInputs rebuilds the evidence and params recorded on an adjustment.
func FromInputs(in domain.AdjustmentInputs, base Params) (Evidence, Params) {
	p := base
	p.PriorStrength = in.PriorStrength
	p.MinFeedback = in.MinFeedback
	p.TruthLabelWeight = in.TruthLabelWeight
	p.RawDiscountWithLabels = in.RawDiscount
	return Evidence{
		LabelPositive:       in.LabelPositive,
		LabelNegative:       in.LabelNegative,
		LabelReliabilityPos: in.LabelReliabilityPos,
		LabelReliabilityNeg: in.LabelReliabilityNeg,
		RawPositive:         in.RawPositive,
		RawNegative:         in.RawNegative,
		RawReliabilityPos:   in.RawReliabilityPos,
		RawReliabilityNeg:   in.RawReliabilityNeg,
	}, p
}

// BayesianUpdate blends evidence into the prior state. It returns the state
// unchanged and false when the evidence total is below p.MinFeedback.
//
// Truth labels are blended first, each counting as TruthLabelWeight events:
//
//	w' = (w·S + K·(Σrel⁺ − Σrel⁻)) / (S + K·L)
//	c' = (c·S + K·(n⁺ − n⁻)) / (S + K·L)
//
// Raw feedback is blended second against prior strength S + K·L, scaled by
// RawDiscountWithLabels when any label was present. Each step is clamped.
func BayesianUpdate(prior State, ev Evidence, p Params) (State, bool) {
	if ev.Total() < p.MinFeedback {
		return prior, false
	}
	s := p.PriorStrength
	cur := prior
	discount := 1.0

	if l := ev.Labels(); l > 0 {
		k := p.TruthLabelWeight
		denom := s + k*float64(l)
		cur = State{
			Confidence: Clamp01((cur.Confidence*s + k*float64(ev.LabelPositive-ev.LabelNegative)) / denom),
			Weight:     Clamp01((cur.Weight*s + k*(ev.LabelReliabilityPos-ev.LabelReliabilityNeg)) / denom),
		}
		s = denom
		discount = p.RawDiscountWithLabels
	}

	if r := ev.Raw(); r > 0 && discount > 0 {
		denom := s + discount*float64(r)
		cur = State{
			Confidence: Clamp01((cur.Confidence*s + discount*float64(ev.RawPositive-ev.RawNegative)) / denom),
			Weight:     Clamp01((cur.Weight*s + discount*(ev.RawReliabilityPos-ev.RawReliabilityNeg)) / denom),
		}
	}
	return cur, true
}

// RiskLevel grades value against ascending thresholds. A value equal to a
// cut point takes the higher tier. Nil thresholds grade everything low.
func RiskLevel(value float64, t *domain.RiskThresholds) domain.RiskLevel {
	switch {
	case t == nil:
		return domain.RiskLow
	case value >= t.Critical:
		return domain.RiskCritical
	case value >= t.High:
		return domain.RiskHigh
	case value >= t.Medium:
		return domain.RiskMedium
	}
	return domain.RiskLow
}

// WearMultiplier is the product of the wear factors whose usage flag is set.
// Unset (zero) factors count as 1.
func WearMultiplier(flags domain.UsageProfile, w *domain.WearFactors) float64 {
	if w == nil {
		return 1
	}
	m := 1.0
	apply := func(on bool, f float64) {
		if on && f > 0 {
			m *= f
		}
	}
	apply(flags.Aggressive, w.Aggressive)
	apply(flags.Urban, w.Urban)
	apply(flags.Diesel, w.Diesel)
	apply(flags.HeavyLoad, w.HeavyLoad)
	apply(flags.Extreme, w.Extreme)
	return m
}

// AdaptedInterval scales a maintenance interval by the applicable wear
// factors, never dropping below the configured floors. A zero base means the
// action has no interval on that axis and stays zero.
func AdaptedInterval(baseKm, baseMonths float64, flags domain.UsageProfile, w *domain.WearFactors, p Params) (km, months float64) {
	m := WearMultiplier(flags, w)
	if baseKm > 0 {
		km = math.Max(baseKm*m, p.IntervalFloorKm)
	}
	if baseMonths > 0 {
		months = math.Max(baseMonths*m, p.IntervalFloorMonths)
	}
	return km, months
}

// LabelReliability derives a truth label's reliability from its confirmation
// method and the number of corroborating sources.
func LabelReliability(method domain.ConfirmationMethod, corroborations int, p Params) float64 {
	base, ok := domain.MethodReliability[method]
	if !ok {
		return 0
	}
	n := corroborations
	if n > p.MaxCorroboration {
		n = p.MaxCorroboration
	}
	if n < 0 {
		n = 0
	}
	return Clamp01(base + float64(n)*p.CorroborationBonus)
}

// Quality grades a reliability score.
func Quality(reliability float64) domain.VerificationQuality {
	switch {
	case reliability >= 0.85:
		return domain.QualityHigh
	case reliability >= 0.6:
		return domain.QualityMedium
	}
	return domain.QualityLow
}
