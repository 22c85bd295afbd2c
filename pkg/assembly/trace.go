package assembly

import (
	"slices"
	"sync"
)

type TraceEventKind string

const (
	TraceEventMatchedEntityIDs       TraceEventKind = "matched_entity_ids"
	TraceEventQueriedRelationshipIDs TraceEventKind = "queried_relationship_ids"
	TraceEventPlanningSourceIDs      TraceEventKind = "planning_source_ids"
	TraceEventOverlayEntityIDs       TraceEventKind = "overlay_entity_ids"
	TraceEventPhase                  TraceEventKind = "phase"
)

// TraceEvent is an extensible event envelope for assembly tracing.
type TraceEvent struct {
	Kind TraceEventKind

	EntityIDs       []string
	RelationshipIDs []string
	SourceIDs       []string

	Phase      string
	DurationMs int64
	Error      string
}

// Tracer is a sink for assembly events, e.g. logs or metrics.
type Tracer interface {
	Record(event TraceEvent)
}

// MultiTracer fans events out to several tracers.
type MultiTracer []Tracer

func (m MultiTracer) Record(event TraceEvent) {
	for _, t := range m {
		if t == nil {
			continue
		}
		t.Record(event)
	}
}

func recordIDs(t Tracer, kind TraceEventKind, ids []string) {
	if t == nil || len(ids) == 0 {
		return
	}
	ev := TraceEvent{Kind: kind}
	switch kind {
	case TraceEventQueriedRelationshipIDs:
		ev.RelationshipIDs = ids
	case TraceEventPlanningSourceIDs:
		ev.SourceIDs = ids
	default:
		ev.EntityIDs = ids
	}
	t.Record(ev)
}

func recordPhase(t Tracer, phase string, durationMs int64, err error) {
	if t == nil {
		return
	}
	ev := TraceEvent{Kind: TraceEventPhase, Phase: phase, DurationMs: durationMs}
	if err != nil {
		ev.Error = err.Error()
	}
	t.Record(ev)
}

// Trace collects what one assembly touched. Safe for concurrent use.
type Trace struct {
	mu sync.Mutex

	matched       map[string]struct{}
	relationships map[string]struct{}
	planning      map[string]struct{}
	overlay       map[string]struct{}
	phases        map[string]int64
}

type TraceSnapshot struct {
	MatchedEntityIDs []string         `json:"matchedEntityIds"`
	RelationshipIDs  []string         `json:"relationshipIds"`
	PlanningSources  []string         `json:"planningSources"`
	OverlayEntityIDs []string         `json:"overlayEntityIds"`
	PhaseDurationsMs map[string]int64 `json:"phaseDurationsMs"`
}

func NewTrace() *Trace {
	return &Trace{
		matched:       make(map[string]struct{}),
		relationships: make(map[string]struct{}),
		planning:      make(map[string]struct{}),
		overlay:       make(map[string]struct{}),
		phases:        make(map[string]int64),
	}
}

func (t *Trace) Record(event TraceEvent) {
	if t == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	switch event.Kind {
	case TraceEventMatchedEntityIDs:
		addAll(t.matched, event.EntityIDs)
	case TraceEventOverlayEntityIDs:
		addAll(t.overlay, event.EntityIDs)
	case TraceEventQueriedRelationshipIDs:
		addAll(t.relationships, event.RelationshipIDs)
	case TraceEventPlanningSourceIDs:
		addAll(t.planning, event.SourceIDs)
	case TraceEventPhase:
		if event.Phase != "" {
			t.phases[event.Phase] = event.DurationMs
		}
	}
}

func addAll(set map[string]struct{}, ids []string) {
	for _, id := range ids {
		if id == "" {
			continue
		}
		set[id] = struct{}{}
	}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (t *Trace) Snapshot() TraceSnapshot {
	if t == nil {
		return TraceSnapshot{}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	phases := make(map[string]int64, len(t.phases))
	for k, v := range t.phases {
		phases[k] = v
	}
	return TraceSnapshot{
		MatchedEntityIDs: sortedKeys(t.matched),
		RelationshipIDs:  sortedKeys(t.relationships),
		PlanningSources:  sortedKeys(t.planning),
		OverlayEntityIDs: sortedKeys(t.overlay),
		PhaseDurationsMs: phases,
	}
}
