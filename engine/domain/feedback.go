package domain

import "time"

// FeedbackType classifies a raw feedback observation.
type FeedbackType string

const (
	FeedbackDiagnosisConfirmed FeedbackType = "diagnosis_confirmed"
	FeedbackDiagnosisRejected  FeedbackType = "diagnosis_rejected"
	FeedbackRepairSuccessful   FeedbackType = "repair_successful"
	FeedbackRepairFailed       FeedbackType = "repair_failed"
	FeedbackPartReturned       FeedbackType = "part_returned"
	FeedbackUserVote           FeedbackType = "user_vote"
)

// ValidFeedbackTypes is the set of recognised feedback types.
var ValidFeedbackTypes = map[FeedbackType]bool{
	FeedbackDiagnosisConfirmed: true, FeedbackDiagnosisRejected: true,
	FeedbackRepairSuccessful: true, FeedbackRepairFailed: true,
	FeedbackPartReturned: true, FeedbackUserVote: true,
}

// Sentiment is the direction a feedback event pushes an edge.
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNegative Sentiment = "negative"
	SentimentNeutral  Sentiment = "neutral"
)

// FeedbackEvent is an immutable observation about an edge or a fault. When
// EdgeID is empty the event targets the fault's incoming indicates edges,
// restricted to ObservableIDs when given.
type FeedbackEvent struct {
	ID                string       `json:"id"`
	EdgeID            string       `json:"edge_id,omitempty"`
	FaultID           string       `json:"fault_id,omitempty"`
	ObservableIDs     []string     `json:"observable_ids,omitempty"`
	Type              FeedbackType `json:"event_type"`
	Sentiment         Sentiment    `json:"sentiment"`
	SourceReliability float64      `json:"source_reliability"`
	DiagnosisKey      string       `json:"diagnosis_key,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
	Processed         bool         `json:"processed"`
	ProcessedAt       *time.Time   `json:"processed_at,omitempty"`
	SkipReason        string       `json:"skip_reason,omitempty"`
}

// ConfirmationMethod is how a real-world outcome was confirmed.
type ConfirmationMethod string

const (
	ConfirmDealerRepair     ConfirmationMethod = "dealer_repair"
	ConfirmIndependentShop  ConfirmationMethod = "independent_shop"
	ConfirmPartsOrderKept   ConfirmationMethod = "parts_order_kept"
	ConfirmPartsOrderReturn ConfirmationMethod = "parts_order_returned"
	ConfirmOBDCleared       ConfirmationMethod = "obd_cleared"
	ConfirmSelfReport       ConfirmationMethod = "self_report"
)

// MethodReliability is the base reliability of each confirmation method
// before corroboration.
var MethodReliability = map[ConfirmationMethod]float64{
	ConfirmDealerRepair:     0.9,
	ConfirmIndependentShop:  0.8,
	ConfirmOBDCleared:       0.75,
	ConfirmPartsOrderKept:   0.7,
	ConfirmPartsOrderReturn: 0.7,
	ConfirmSelfReport:       0.4,
}

// VerificationQuality grades a truth label's reliability.
type VerificationQuality string

const (
	QualityLow    VerificationQuality = "low"
	QualityMedium VerificationQuality = "medium"
	QualityHigh   VerificationQuality = "high"
)

// TruthLabel is an outcome-confirmed feedback unit tied to a fault and the
// edges that predicted it. Reliability and Quality are derived from the
// confirmation method and corroboration count when the label is recorded.
type TruthLabel struct {
	ID             string              `json:"id"`
	FaultID        string              `json:"fault_id"`
	EdgeIDs        []string            `json:"edge_ids,omitempty"`
	Method         ConfirmationMethod  `json:"confirmation_method"`
	Confirmed      bool                `json:"confirmed"`
	Evidence       LabelEvidence       `json:"evidence"`
	Corroborations int                 `json:"corroborations,omitempty"`
	Reliability    float64             `json:"reliability"`
	Quality        VerificationQuality `json:"verification_quality"`
	CreatedAt      time.Time           `json:"created_at"`
	Processed      bool                `json:"processed"`
	ProcessedAt    *time.Time          `json:"processed_at,omitempty"`
}

// LabelEvidence links a truth label to the commerce outcome that produced it.
type LabelEvidence struct {
	OrderID        string  `json:"order_id,omitempty"`
	PartID         string  `json:"part_id,omitempty"`
	ConfirmationKm float64 `json:"confirmation_km,omitempty"`
	Notes          string  `json:"notes,omitempty"`
}

// WeightAdjustment is the append-only audit record of one edge
// recalculation. Replaying every adjustment of an edge from its base values
// reproduces the edge's current confidence and weight.
type WeightAdjustment struct {
	ID                string           `json:"id"`
	EdgeID            string           `json:"edge_id"`
	ConfidenceBefore  float64          `json:"confidence_before"`
	ConfidenceAfter   float64          `json:"confidence_after"`
	WeightBefore      float64          `json:"weight_before"`
	WeightAfter       float64          `json:"weight_after"`
	FeedbackIDs       []string         `json:"feedback_ids,omitempty"`
	LabelIDs          []string         `json:"label_ids,omitempty"`
	Formula           string           `json:"formula"`
	Inputs            AdjustmentInputs `json:"inputs"`
	EdgeVersionBefore int64            `json:"edge_version_before"`
	EdgeVersionAfter  int64            `json:"edge_version_after"`
	CreatedAt         time.Time        `json:"created_at"`
}

// AdjustmentInputs records the evidence and parameters the formula consumed,
// so an adjustment can be recomputed without the original events.
type AdjustmentInputs struct {
	LabelPositive       int     `json:"label_positive"`
	LabelNegative       int     `json:"label_negative"`
	LabelReliabilityPos float64 `json:"label_reliability_pos"`
	LabelReliabilityNeg float64 `json:"label_reliability_neg"`
	RawPositive         int     `json:"raw_positive"`
	RawNegative         int     `json:"raw_negative"`
	RawReliabilityPos   float64 `json:"raw_reliability_pos"`
	RawReliabilityNeg   float64 `json:"raw_reliability_neg"`
	PriorStrength       float64 `json:"prior_strength"`
	MinFeedback         int     `json:"min_feedback"`
	TruthLabelWeight    float64 `json:"truth_label_weight"`
	RawDiscount         float64 `json:"raw_discount"`
}
