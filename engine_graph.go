package openmemory

import (
	"time"

	"github.com/google/uuid"
)

// Temporal knowledge-graph surface: versioned facts plus typed edges between
// memories and facts. Writes land in exactly one tenant bucket and emit bus
// events after the commit, mirroring the memory write path.

// FactInput describes one assertion. ValidFrom zero means "now".
type FactInput struct {
	Subject    string
	Predicate  string
	Object     string
	Confidence float64 // 0 = 1.0
	ValidFrom  time.Time
	Metadata   map[string]any
}

// RecordFact asserts a fact, superseding the current version for the same
// (subject, predicate) if one exists. The superseded fact keeps its history
// row with valid_to stamped at the new fact's valid_from.
func (e *Engine) RecordFact(sc SecurityContext, in FactInput) (Fact, error) {
	scope, err := writeScope(sc)
	if err != nil {
		return Fact{}, err
	}
	if in.Subject == "" || in.Predicate == "" || in.Object == "" {
		return Fact{}, Errf(CodeInvalid, "fact needs subject, predicate and object")
	}
	if in.Confidence <= 0 {
		in.Confidence = 1.0
	}
	if in.ValidFrom.IsZero() {
		in.ValidFrom = e.cfg.Clock()
	}

	f := Fact{
		ID:         uuid.NewString(),
		TenantID:   scope.Tenant,
		Subject:    in.Subject,
		Predicate:  in.Predicate,
		Object:     in.Object,
		ValidFrom:  in.ValidFrom,
		Confidence: clamp01(in.Confidence),
		Metadata:   in.Metadata,
	}
	closed, err := e.store.UpsertFact(f)
	if err != nil {
		return Fact{}, err
	}
	if closed != "" {
		e.bus.Emit(Event{Kind: EventFactUpdated, ID: closed, TenantID: scope.Tenant, At: e.cfg.Clock()})
	}
	e.bus.Emit(Event{Kind: EventFactCreated, ID: f.ID, TenantID: scope.Tenant, At: e.cfg.Clock(),
		Detail: map[string]any{"subject": f.Subject, "predicate": f.Predicate}})
	return f, nil
}

// CurrentFact returns the open version of a (subject, predicate) fact.
func (e *Engine) CurrentFact(sc SecurityContext, subject, predicate string) (Fact, error) {
	return e.store.CurrentFact(subject, predicate, sc.Scope())
}

// FactHistory returns every version of a fact, newest first.
func (e *Engine) FactHistory(sc SecurityContext, subject, predicate string) ([]Fact, error) {
	return e.store.FactHistory(subject, predicate, sc.Scope())
}

// CloseFact ends a fact's validity without asserting a replacement.
func (e *Engine) CloseFact(sc SecurityContext, id string) error {
	scope := sc.Scope()
	if err := e.store.CloseFact(id, scope, e.cfg.Clock()); err != nil {
		return err
	}
	e.bus.Emit(Event{Kind: EventFactUpdated, ID: id, TenantID: scope.Tenant, At: e.cfg.Clock()})
	return nil
}

// DeleteFact removes one fact row, history included for that id.
func (e *Engine) DeleteFact(sc SecurityContext, id string) error {
	scope := sc.Scope()
	if err := e.store.DeleteFact(id, scope); err != nil {
		return err
	}
	e.bus.Emit(Event{Kind: EventFactDeleted, ID: id, TenantID: scope.Tenant, At: e.cfg.Clock()})
	return nil
}

// EdgeInput describes a typed relation between two memories or facts.
type EdgeInput struct {
	SourceID     string
	TargetID     string
	RelationType string
	Weight       float64 // 0 = 1.0
	Metadata     map[string]any
}

// LinkTemporal records a typed edge between two ids.
func (e *Engine) LinkTemporal(sc SecurityContext, in EdgeInput) (TemporalEdge, error) {
	scope, err := writeScope(sc)
	if err != nil {
		return TemporalEdge{}, err
	}
	if in.SourceID == "" || in.TargetID == "" || in.RelationType == "" {
		return TemporalEdge{}, Errf(CodeInvalid, "edge needs source, target and relation type")
	}
	if in.SourceID == in.TargetID {
		return TemporalEdge{}, Errf(CodeInvalid, "edge endpoints must differ")
	}
	if in.Weight <= 0 {
		in.Weight = 1.0
	}

	edge := TemporalEdge{
		ID:           uuid.NewString(),
		SourceID:     in.SourceID,
		TargetID:     in.TargetID,
		RelationType: in.RelationType,
		ValidFrom:    e.cfg.Clock(),
		Weight:       clamp01(in.Weight),
		TenantID:     scope.Tenant,
		Metadata:     in.Metadata,
	}
	if err := e.store.InsertTemporalEdge(edge); err != nil {
		return TemporalEdge{}, err
	}
	e.bus.Emit(Event{Kind: EventEdgeCreated, ID: edge.ID, TenantID: scope.Tenant, At: e.cfg.Clock(),
		Detail: map[string]any{"relation": edge.RelationType}})
	return edge, nil
}

// CloseTemporal stamps valid_to on an open edge.
func (e *Engine) CloseTemporal(sc SecurityContext, id string) error {
	scope := sc.Scope()
	if err := e.store.CloseTemporalEdge(id, scope, e.cfg.Clock()); err != nil {
		return err
	}
	e.bus.Emit(Event{Kind: EventEdgeUpdated, ID: id, TenantID: scope.Tenant, At: e.cfg.Clock()})
	return nil
}

// UnlinkTemporal removes an edge by id.
func (e *Engine) UnlinkTemporal(sc SecurityContext, id string) error {
	scope := sc.Scope()
	if err := e.store.DeleteTemporalEdge(id, scope); err != nil {
		return err
	}
	e.bus.Emit(Event{Kind: EventEdgeDeleted, ID: id, TenantID: scope.Tenant, At: e.cfg.Clock()})
	return nil
}

// TemporalEdges returns the edges touching one memory or fact id.
func (e *Engine) TemporalEdges(sc SecurityContext, refID string) ([]TemporalEdge, error) {
	return e.store.TemporalEdgesFor(refID, sc.Scope())
}
