// Package domain defines the fault-diagnosis knowledge graph types, their
// closed attribute variants, the error taxonomy, and validation. It is the
// validation gate for every write that reaches the graph or the ledger.
package domain

import "time"

// NodeType classifies a knowledge graph node.
type NodeType string

const (
	NodeObservable   NodeType = "observable"
	NodeFault        NodeType = "fault"
	NodeRootCause    NodeType = "root_cause"
	NodeAction       NodeType = "action"
	NodePart         NodeType = "part"
	NodeEngineFamily NodeType = "engine_family"
)

// ValidNodeTypes is the set of recognised node types.
var ValidNodeTypes = map[NodeType]bool{
	NodeObservable: true, NodeFault: true, NodeRootCause: true,
	NodeAction: true, NodePart: true, NodeEngineFamily: true,
}

// Status is the moderation state of a node or edge.
type Status string

const (
	StatusPendingReview Status = "pending_review"
	StatusActive        Status = "active"
	StatusDeprecated    Status = "deprecated"
	StatusRejected      Status = "rejected"
)

// ValidStatuses is the set of recognised moderation states.
var ValidStatuses = map[Status]bool{
	StatusPendingReview: true, StatusActive: true,
	StatusDeprecated: true, StatusRejected: true,
}

// EdgeType classifies a relationship between two nodes.
type EdgeType string

const (
	EdgeIndicates    EdgeType = "indicates"     // observable -> fault
	EdgeCausedBy     EdgeType = "caused_by"     // fault -> root_cause
	EdgeResolvedBy   EdgeType = "resolved_by"   // fault -> action
	EdgeRequiresPart EdgeType = "requires_part" // fault -> part
	EdgeKnownIssue   EdgeType = "known_issue"   // engine_family -> fault
)

// EdgeEndpoints lists the allowed (source, target) node types per edge type.
var EdgeEndpoints = map[EdgeType][2]NodeType{
	EdgeIndicates:    {NodeObservable, NodeFault},
	EdgeCausedBy:     {NodeFault, NodeRootCause},
	EdgeResolvedBy:   {NodeFault, NodeAction},
	EdgeRequiresPart: {NodeFault, NodePart},
	EdgeKnownIssue:   {NodeEngineFamily, NodeFault},
}

// EntityKind distinguishes nodes from edges in moderation and history.
type EntityKind string

const (
	KindNode EntityKind = "node"
	KindEdge EntityKind = "edge"
)

// EntityRef addresses a node or an edge.
type EntityRef struct {
	Kind EntityKind `json:"kind"`
	ID   string     `json:"id"`
}

func (r EntityRef) String() string { return string(r.Kind) + ":" + r.ID }

// Node is a versioned knowledge graph node. Exactly one attribute variant
// matching Type may be set; root causes and engine families carry none.
type Node struct {
	ID             string            `json:"id"`
	Type           NodeType          `json:"type"`
	Label          string            `json:"label"`
	Category       string            `json:"category,omitempty"`
	Aliases        []string          `json:"aliases,omitempty"`
	ConfidenceBase float64           `json:"confidence_base"`
	Observable     *ObservableAttrs  `json:"observable,omitempty"`
	Fault          *FaultAttrs       `json:"fault,omitempty"`
	Action         *ActionAttrs      `json:"action,omitempty"`
	Part           *PartAttrs        `json:"part,omitempty"`
	Extensions     map[string]string `json:"extensions,omitempty"`
	Status         Status            `json:"status"`
	Version        int64             `json:"version"`
	ValidFrom      time.Time         `json:"valid_from"`
	ValidTo        *time.Time        `json:"valid_to,omitempty"`
}

// DTCCode returns the diagnostic trouble code carried by the node's variant.
func (n Node) DTCCode() string {
	switch {
	case n.Observable != nil:
		return n.Observable.DTCCode
	case n.Fault != nil:
		return n.Fault.DTCCode
	}
	return ""
}

// ValidAt reports whether t falls inside the node's validity window.
func (n Node) ValidAt(t time.Time) bool {
	return validAt(n.ValidFrom, n.ValidTo, t)
}

// ObservableAttrs holds the operating context in which a symptom shows up.
type ObservableAttrs struct {
	Context ContextTags `json:"context"`
	DTCCode string      `json:"dtc_code,omitempty"`
}

// FaultAttrs describes a fault node.
type FaultAttrs struct {
	DTCCode        string          `json:"dtc_code,omitempty"`
	Risk           *RiskThresholds `json:"risk,omitempty"`
	SafetyCritical bool            `json:"safety_critical,omitempty"`
}

// ActionAttrs describes a maintenance or repair action.
type ActionAttrs struct {
	IntervalKm     float64         `json:"interval_km,omitempty"`
	IntervalMonths float64         `json:"interval_months,omitempty"`
	Risk           *RiskThresholds `json:"risk,omitempty"`
	Wear           *WearFactors    `json:"wear,omitempty"`
}

// PartAttrs describes a replaceable part.
type PartAttrs struct {
	PartNumber string       `json:"part_number,omitempty"`
	Wear       *WearFactors `json:"wear,omitempty"`
}

// RiskThresholds are ascending cut points used to grade a measured value.
type RiskThresholds struct {
	Medium   float64 `json:"medium" yaml:"medium"`
	High     float64 `json:"high" yaml:"high"`
	Critical float64 `json:"critical" yaml:"critical"`
}

// RiskLevel is a graded risk tier.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// WearFactors are interval multipliers keyed by usage profile. A zero factor
// is unset and behaves as 1.
type WearFactors struct {
	Aggressive float64 `json:"aggressive,omitempty" yaml:"aggressive,omitempty"`
	Urban      float64 `json:"urban,omitempty" yaml:"urban,omitempty"`
	Diesel     float64 `json:"diesel,omitempty" yaml:"diesel,omitempty"`
	HeavyLoad  float64 `json:"heavy_load,omitempty" yaml:"heavy_load,omitempty"`
	Extreme    float64 `json:"extreme,omitempty" yaml:"extreme,omitempty"`
}

// UsageProfile flags which wear factors apply to a vehicle.
type UsageProfile struct {
	Aggressive bool `json:"aggressive,omitempty" yaml:"aggressive,omitempty"`
	Urban      bool `json:"urban,omitempty" yaml:"urban,omitempty"`
	Diesel     bool `json:"diesel,omitempty" yaml:"diesel,omitempty"`
	HeavyLoad  bool `json:"heavy_load,omitempty" yaml:"heavy_load,omitempty"`
	Extreme    bool `json:"extreme,omitempty" yaml:"extreme,omitempty"`
}

// Edge is a typed, confidence-weighted, temporally valid relationship.
// Confidence and Weight are a projection of the weight adjustment ledger
// over ConfidenceBase and WeightBase.
type Edge struct {
	ID             string       `json:"id"`
	SourceID       string       `json:"source_node_id"`
	TargetID       string       `json:"target_node_id"`
	Type           EdgeType     `json:"edge_type"`
	WeightBase     float64      `json:"weight_base"`
	Weight         float64      `json:"weight"`
	ConfidenceBase float64      `json:"confidence_base"`
	Confidence     float64      `json:"confidence"`
	Bidirectional  bool         `json:"is_bidirectional,omitempty"`
	Evidence       EdgeEvidence `json:"evidence"`
	Sources        []string     `json:"sources,omitempty"`
	Status         Status       `json:"status"`
	Version        int64        `json:"version"`
	ValidFrom      time.Time    `json:"valid_from"`
	ValidTo        *time.Time   `json:"valid_to,omitempty"`
}

// ValidAt reports whether t falls inside the edge's validity window.
func (e Edge) ValidAt(t time.Time) bool {
	return validAt(e.ValidFrom, e.ValidTo, t)
}

// Touches reports whether the edge can be traversed starting from nodeID.
func (e Edge) Touches(nodeID string) bool {
	return e.SourceID == nodeID || (e.Bidirectional && e.TargetID == nodeID)
}

// Other returns the endpoint opposite nodeID.
func (e Edge) Other(nodeID string) string {
	if e.SourceID == nodeID {
		return e.TargetID
	}
	return e.SourceID
}

// EdgeEvidence is the structured support for an edge.
type EdgeEvidence struct {
	SampleCount  int      `json:"sample_count,omitempty"`
	DocumentRefs []string `json:"document_refs,omitempty"`
	Notes        string   `json:"notes,omitempty"`
}

func validAt(from time.Time, to *time.Time, t time.Time) bool {
	if !from.IsZero() && t.Before(from) {
		return false
	}
	return to == nil || !t.After(*to)
}
