package graph

import (
	"context"
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/WessleyAI/wessley-diagnostics/engine/domain"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// Catalog is a seed graph in YAML form. Node attributes are flat and mapped
// onto the variant matching the node type.
type Catalog struct {
	Nodes []SeedNode `yaml:"nodes"`
	Edges []SeedEdge `yaml:"edges"`
}

// SeedNode is the YAML form of a node.
type SeedNode struct {
	ID             string                 `yaml:"id"`
	Type           domain.NodeType        `yaml:"type"`
	Label          string                 `yaml:"label"`
	Category       string                 `yaml:"category"`
	Aliases        []string               `yaml:"aliases"`
	ConfidenceBase float64                `yaml:"confidence_base"`
	Status         domain.Status          `yaml:"status"`
	Context        domain.ContextTags     `yaml:"context"`
	DTCCode        string                 `yaml:"dtc_code"`
	SafetyCritical bool                   `yaml:"safety_critical"`
	Risk           *domain.RiskThresholds `yaml:"risk"`
	Wear           *domain.WearFactors    `yaml:"wear"`
	IntervalKm     float64                `yaml:"interval_km"`
	IntervalMonths float64                `yaml:"interval_months"`
	PartNumber     string                 `yaml:"part_number"`
	Extensions     map[string]string      `yaml:"extensions"`
}

// SeedEdge is the YAML form of an edge.
type SeedEdge struct {
	ID             string          `yaml:"id"`
	Source         string          `yaml:"source"`
	Target         string          `yaml:"target"`
	Type           domain.EdgeType `yaml:"type"`
	ConfidenceBase float64         `yaml:"confidence_base"`
	WeightBase     float64         `yaml:"weight_base"`
	Bidirectional  bool            `yaml:"bidirectional"`
	Sources        []string        `yaml:"sources"`
	SampleCount    int             `yaml:"sample_count"`
	DocumentRefs   []string        `yaml:"document_refs"`
	Notes          string          `yaml:"notes"`
	Status         domain.Status   `yaml:"status"`
}

// ParseCatalog decodes a YAML catalog.
func ParseCatalog(data []byte) (Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Catalog{}, fmt.Errorf("graph: parse catalog: %w", err)
	}
	return c, nil
}

// LoadCatalogFile reads a YAML catalog from disk. An empty path returns the
// embedded default catalog.
func LoadCatalogFile(path string) (Catalog, error) {
	if path == "" {
		return ParseCatalog(defaultCatalog)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("graph: load catalog: %w", err)
	}
	return ParseCatalog(data)
}

// Seed imports a catalog into the store.
func Seed(ctx context.Context, s *Store, c Catalog, actor string) error {
	nodes := make([]domain.Node, 0, len(c.Nodes))
	for _, sn := range c.Nodes {
		nodes = append(nodes, sn.Node())
	}
	edges := make([]domain.Edge, 0, len(c.Edges))
	for _, se := range c.Edges {
		edges = append(edges, se.Edge())
	}
	if err := s.Import(ctx, nodes, edges, actor); err != nil {
		return err
	}
	s.logger.Info("graph: catalog seeded", "nodes", len(nodes), "edges", len(edges), "actor", actor)
	return nil
}

// Node converts the seed to a domain node.
func (sn SeedNode) Node() domain.Node {
	n := domain.Node{
		ID:             sn.ID,
		Type:           sn.Type,
		Label:          sn.Label,
		Category:       sn.Category,
		Aliases:        sn.Aliases,
		ConfidenceBase: sn.ConfidenceBase,
		Extensions:     sn.Extensions,
		Status:         sn.Status,
	}
	switch sn.Type {
	case domain.NodeObservable:
		n.Observable = &domain.ObservableAttrs{Context: sn.Context, DTCCode: sn.DTCCode}
	case domain.NodeFault:
		n.Fault = &domain.FaultAttrs{DTCCode: sn.DTCCode, Risk: sn.Risk, SafetyCritical: sn.SafetyCritical}
	case domain.NodeAction:
		n.Action = &domain.ActionAttrs{IntervalKm: sn.IntervalKm, IntervalMonths: sn.IntervalMonths, Risk: sn.Risk, Wear: sn.Wear}
	case domain.NodePart:
		n.Part = &domain.PartAttrs{PartNumber: sn.PartNumber, Wear: sn.Wear}
	}
	return n
}

// Edge converts the seed to a domain edge.
func (se SeedEdge) Edge() domain.Edge {
	return domain.Edge{
		ID:             se.ID,
		SourceID:       se.Source,
		TargetID:       se.Target,
		Type:           se.Type,
		ConfidenceBase: se.ConfidenceBase,
		WeightBase:     se.WeightBase,
		Bidirectional:  se.Bidirectional,
		Sources:        se.Sources,
		Evidence: domain.EdgeEvidence{
			SampleCount:  se.SampleCount,
			DocumentRefs: se.DocumentRefs,
			Notes:        se.Notes,
		},
		Status: se.Status,
	}
}
