package graph

import (
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/WessleyAI/wessley-diagnostics/engine/domain"
)

// HistoryEntry records one mutation: the full prior snapshot, which fields
// changed, who changed them and why. Creation entries have no prior.
type HistoryEntry struct {
	ID            string           `json:"id"`
	Ref           domain.EntityRef `json:"ref"`
	Version       int64            `json:"version"`
	PriorNode     *domain.Node     `json:"prior_node,omitempty"`
	PriorEdge     *domain.Edge     `json:"prior_edge,omitempty"`
	ChangedFields []string         `json:"changed_fields"`
	Actor         string           `json:"actor"`
	Reason        string           `json:"reason,omitempty"`
	At            time.Time        `json:"at"`
}

func newHistoryEntry(ref domain.EntityRef, version int64, m Mutation, changed []string, at time.Time) HistoryEntry {
	return HistoryEntry{
		ID:            uuid.NewString(),
		Ref:           ref,
		Version:       version,
		ChangedFields: changed,
		Actor:         m.Actor,
		Reason:        m.Reason,
		At:            at,
	}
}

// changedFields lists the json names of the top-level fields that differ
// between two values of the same struct type. Version is bookkeeping and
// never reported.
func changedFields(prior, next any) []string {
	pv, nv := reflect.ValueOf(prior), reflect.ValueOf(next)
	typ := pv.Type()
	var changed []string
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		if f.Name == "Version" {
			continue
		}
		if !reflect.DeepEqual(pv.Field(i).Interface(), nv.Field(i).Interface()) {
			changed = append(changed, jsonName(f))
		}
	}
	return changed
}

func jsonName(f reflect.StructField) string {
	tag := f.Tag.Get("json")
	if name, _, _ := strings.Cut(tag, ","); name != "" && name != "-" {
		return name
	}
	return f.Name
}

func cloneNode(n domain.Node) domain.Node {
	c := n
	c.Aliases = append([]string(nil), n.Aliases...)
	if n.Observable != nil {
		o := *n.Observable
		c.Observable = &o
	}
	if n.Fault != nil {
		f := *n.Fault
		if f.Risk != nil {
			r := *f.Risk
			f.Risk = &r
		}
		c.Fault = &f
	}
	if n.Action != nil {
		a := *n.Action
		if a.Risk != nil {
			r := *a.Risk
			a.Risk = &r
		}
		if a.Wear != nil {
			w := *a.Wear
			a.Wear = &w
		}
		c.Action = &a
	}
	if n.Part != nil {
		p := *n.Part
		if p.Wear != nil {
			w := *p.Wear
			p.Wear = &w
		}
		c.Part = &p
	}
	c.Extensions = nil
	if len(n.Extensions) > 0 {
		c.Extensions = make(map[string]string, len(n.Extensions))
		for k, v := range n.Extensions {
			c.Extensions[k] = v
		}
	}
	if n.ValidTo != nil {
		t := *n.ValidTo
		c.ValidTo = &t
	}
	return c
}

func cloneEdge(e domain.Edge) domain.Edge {
	c := e
	c.Sources = append([]string(nil), e.Sources...)
	c.Evidence.DocumentRefs = append([]string(nil), e.Evidence.DocumentRefs...)
	if e.ValidTo != nil {
		t := *e.ValidTo
		c.ValidTo = &t
	}
	return c
}
