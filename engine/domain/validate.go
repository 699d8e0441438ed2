package domain

import (
	"fmt"
	"math"
	"regexp"
	"strings"
)

// VIN format: 17 alphanumeric characters, excluding I, O, Q.
var vinRegex = regexp.MustCompile(`^[A-HJ-NPR-Z0-9]{17}$`)

// DTC format: system letter, generic/manufacturer digit, three hex digits.
var dtcRegex = regexp.MustCompile(`^[PBCU][0-3][0-9A-F]{3}$`)

// NormalizeDTC upper-cases and trims a diagnostic trouble code.
func NormalizeDTC(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidDTC reports whether code is a well-formed diagnostic trouble code.
func ValidDTC(code string) bool {
	return dtcRegex.MatchString(NormalizeDTC(code))
}

// ValidateVehicle validates a catalog vehicle.
func ValidateVehicle(v Vehicle) error {
	if v.ID == "" {
		return NewValidationError("id", v.ID, ErrMissingField)
	}
	if !SupportedMakes[v.Make] {
		return NewValidationError("make", v.Make, ErrUnsupportedMake)
	}
	if v.Year < MinModelYear || v.Year > MaxModelYear {
		return NewValidationError("year", fmt.Sprintf("%d", v.Year), ErrYearOutOfRange)
	}
	// VIN is optional but must be valid when present.
	if v.VIN != "" && !vinRegex.MatchString(strings.ToUpper(v.VIN)) {
		return NewValidationError("vin", v.VIN, ErrInvalidVIN)
	}
	if v.EngineFamilyID == "" {
		return NewValidationError("engine_family_id", "", ErrMissingField)
	}
	return nil
}

// ValidateNode checks a node's shape: type, status, prior range, that only
// the attribute variant matching the type is set, and the variant contents.
func ValidateNode(n Node) error {
	if strings.TrimSpace(n.ID) == "" {
		return NewValidationError("id", n.ID, ErrMissingField)
	}
	if !ValidNodeTypes[n.Type] {
		return NewValidationError("type", string(n.Type), ErrInvalidNodeType)
	}
	if strings.TrimSpace(n.Label) == "" {
		return NewValidationError("label", n.Label, ErrMissingField)
	}
	if n.Status != "" && !ValidStatuses[n.Status] {
		return NewValidationError("status", string(n.Status), ErrInvalidStatus)
	}
	if err := unitInterval("confidence_base", n.ConfidenceBase); err != nil {
		return err
	}
	if n.ValidTo != nil && !n.ValidFrom.IsZero() && n.ValidTo.Before(n.ValidFrom) {
		return NewValidationError("valid_to", n.ValidTo.String(), ErrOutOfRange)
	}
	if err := checkVariant(n); err != nil {
		return err
	}

	switch {
	case n.Observable != nil:
		if err := n.Observable.Context.Validate(); err != nil {
			return err
		}
		if err := validateDTC(n.Observable.DTCCode); err != nil {
			return err
		}
	case n.Fault != nil:
		if err := validateDTC(n.Fault.DTCCode); err != nil {
			return err
		}
		if err := validateRisk(n.Fault.Risk); err != nil {
			return err
		}
	case n.Action != nil:
		if n.Action.IntervalKm < 0 {
			return NewValidationError("action.interval_km", fmt.Sprint(n.Action.IntervalKm), ErrOutOfRange)
		}
		if n.Action.IntervalMonths < 0 {
			return NewValidationError("action.interval_months", fmt.Sprint(n.Action.IntervalMonths), ErrOutOfRange)
		}
		if err := validateRisk(n.Action.Risk); err != nil {
			return err
		}
		if err := validateWear(n.Action.Wear); err != nil {
			return err
		}
	case n.Part != nil:
		if err := validateWear(n.Part.Wear); err != nil {
			return err
		}
	}
	return nil
}

func checkVariant(n Node) error {
	set := map[NodeType]bool{
		NodeObservable: n.Observable != nil,
		NodeFault:      n.Fault != nil,
		NodeAction:     n.Action != nil,
		NodePart:       n.Part != nil,
	}
	for typ, present := range set {
		if present && typ != n.Type {
			return NewValidationError(string(typ), string(n.Type), ErrVariantMismatch)
		}
	}
	return nil
}

func validateDTC(code string) error {
	if code != "" && !ValidDTC(code) {
		return NewValidationError("dtc_code", code, ErrInvalidDTC)
	}
	return nil
}

func validateRisk(r *RiskThresholds) error {
	if r == nil {
		return nil
	}
	if !(r.Medium <= r.High && r.High <= r.Critical) {
		return NewValidationError("risk_thresholds", fmt.Sprintf("%v/%v/%v", r.Medium, r.High, r.Critical), ErrOutOfRange)
	}
	return nil
}

func validateWear(w *WearFactors) error {
	if w == nil {
		return nil
	}
	for name, f := range map[string]float64{
		"aggressive": w.Aggressive, "urban": w.Urban, "diesel": w.Diesel,
		"heavy_load": w.HeavyLoad, "extreme": w.Extreme,
	} {
		if f < 0 || math.IsNaN(f) || math.IsInf(f, 0) {
			return NewValidationError("wear_factors."+name, fmt.Sprint(f), ErrOutOfRange)
		}
	}
	return nil
}

// ValidateEdge checks an edge's own fields. Endpoint existence and types are
// checked by ValidateEdgeEndpoints once the store has resolved them.
func ValidateEdge(e Edge) error {
	if strings.TrimSpace(e.ID) == "" {
		return NewValidationError("id", e.ID, ErrMissingField)
	}
	if e.SourceID == "" {
		return NewValidationError("source_node_id", "", ErrMissingField)
	}
	if e.TargetID == "" {
		return NewValidationError("target_node_id", "", ErrMissingField)
	}
	if _, ok := EdgeEndpoints[e.Type]; !ok {
		return NewValidationError("edge_type", string(e.Type), ErrInvalidEdgeType)
	}
	if e.Status != "" && !ValidStatuses[e.Status] {
		return NewValidationError("status", string(e.Status), ErrInvalidStatus)
	}
	if err := unitInterval("confidence_base", e.ConfidenceBase); err != nil {
		return err
	}
	if err := unitInterval("weight_base", e.WeightBase); err != nil {
		return err
	}
	if e.ValidTo != nil && !e.ValidFrom.IsZero() && e.ValidTo.Before(e.ValidFrom) {
		return NewValidationError("valid_to", e.ValidTo.String(), ErrOutOfRange)
	}
	if e.Evidence.SampleCount < 0 {
		return NewValidationError("evidence.sample_count", fmt.Sprint(e.Evidence.SampleCount), ErrOutOfRange)
	}
	return nil
}

// ValidateEdgeEndpoints checks that source and target exist, are not
// rejected, and have the node types the edge type requires.
func ValidateEdgeEndpoints(e Edge, source, target *Node) error {
	if source == nil || source.Status == StatusRejected {
		return NewValidationError("source_node_id", e.SourceID, ErrDanglingRef)
	}
	if target == nil || target.Status == StatusRejected {
		return NewValidationError("target_node_id", e.TargetID, ErrDanglingRef)
	}
	want := EdgeEndpoints[e.Type]
	if source.Type != want[0] || target.Type != want[1] {
		return NewValidationError("edge_type",
			fmt.Sprintf("%s: %s -> %s", e.Type, source.Type, target.Type), ErrInvalidEndpoints)
	}
	return nil
}

// ValidateFeedback checks a feedback event before it is recorded.
func ValidateFeedback(ev FeedbackEvent) error {
	if ev.EdgeID == "" && ev.FaultID == "" {
		return NewValidationError("edge_id", "", ErrMissingField)
	}
	if !ValidFeedbackTypes[ev.Type] {
		return NewValidationError("event_type", string(ev.Type), ErrValidation)
	}
	switch ev.Sentiment {
	case SentimentPositive, SentimentNegative, SentimentNeutral:
	default:
		return NewValidationError("sentiment", string(ev.Sentiment), ErrValidation)
	}
	return unitInterval("source_reliability", ev.SourceReliability)
}

// ValidateTruthLabel checks a truth label's own fields. Whether its edges
// exist and point at FaultID is checked by the learning loop.
func ValidateTruthLabel(l TruthLabel) error {
	if l.FaultID == "" {
		return NewValidationError("fault_id", "", ErrMissingField)
	}
	if _, ok := MethodReliability[l.Method]; !ok {
		return NewValidationError("confirmation_method", string(l.Method), ErrValidation)
	}
	if l.Evidence.ConfirmationKm < 0 {
		return NewValidationError("evidence.confirmation_km", fmt.Sprint(l.Evidence.ConfirmationKm), ErrOutOfRange)
	}
	if l.Corroborations < 0 {
		return NewValidationError("corroborations", fmt.Sprint(l.Corroborations), ErrOutOfRange)
	}
	return nil
}

func unitInterval(field string, v float64) error {
	if v < 0 || v > 1 || math.IsNaN(v) {
		return NewValidationError(field, fmt.Sprint(v), ErrOutOfRange)
	}
	return nil
}
