package changelog

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/ofisk/loresmith-ai/backend/pkg/common"
	"github.com/ofisk/loresmith-ai/backend/pkg/graph"
)

const (
	ActionAdd    = "add"
	ActionUpdate = "update"
	ActionRemove = "remove"
)

// Overlay is the net world state of a set of changelog entries.
type Overlay struct {
	EntityUpdates       map[string]common.EntityUpdate
	RelationshipUpdates map[common.EdgeKey]common.RelationshipUpdate
	NewEntities         map[string]common.NewEntity
	EntryCount          int
}

type OverlayOptions struct {
	IncludeArchived bool
	Filter          common.ChangelogFilter
}

// FoldEntries folds entries in order. A later entity update overrides the
// non-empty fields of an earlier one and merges its metadata. Relationship
// updates are keyed by endpoints and canonical type; the last one wins.
func FoldEntries(entries []common.ChangelogEntry) Overlay {
	o := Overlay{
		EntityUpdates:       make(map[string]common.EntityUpdate),
		RelationshipUpdates: make(map[common.EdgeKey]common.RelationshipUpdate),
		NewEntities:         make(map[string]common.NewEntity),
		EntryCount:          len(entries),
	}
	for _, e := range entries {
		for _, u := range e.Payload.EntityUpdates {
			if u.EntityID == "" {
				continue
			}
			o.EntityUpdates[u.EntityID] = mergeEntityUpdate(o.EntityUpdates[u.EntityID], u)
		}
		for _, r := range e.Payload.RelationshipUpdates {
			if r.From == "" || r.To == "" {
				continue
			}
			r.RelationshipType = graph.CanonicalType(r.RelationshipType)
			r.Action = normalizeAction(r.Action)
			r.Strength = graph.NormalizeStrength(r.Strength)
			o.RelationshipUpdates[common.EdgeKey{From: r.From, To: r.To, Type: r.RelationshipType}] = r
			if graph.IsSymmetric(r.RelationshipType) {
				m := r
				m.From, m.To = r.To, r.From
				o.RelationshipUpdates[common.EdgeKey{From: m.From, To: m.To, Type: m.RelationshipType}] = m
			}
		}
		for _, n := range e.Payload.NewEntities {
			if n.ID == "" {
				continue
			}
			o.NewEntities[n.ID] = n
		}
	}
	return o
}

func mergeEntityUpdate(prev, next common.EntityUpdate) common.EntityUpdate {
	out := prev
	out.EntityID = next.EntityID
	if next.Status != "" {
		out.Status = next.Status
	}
	if next.Description != "" {
		out.Description = next.Description
	}
	if len(next.Metadata) > 0 {
		merged := make(map[string]any, len(prev.Metadata)+len(next.Metadata))
		maps.Copy(merged, prev.Metadata)
		maps.Copy(merged, next.Metadata)
		out.Metadata = merged
	}
	return out
}

func normalizeAction(action string) string {
	switch strings.ToLower(strings.TrimSpace(action)) {
	case ActionAdd:
		return ActionAdd
	case ActionRemove, "delete":
		return ActionRemove
	default:
		return ActionUpdate
	}
}

// ComputeOverlay folds the campaign's live entries, preceded by its archived
// ones when requested.
func (s *Service) ComputeOverlay(ctx context.Context, campaignID string, opts OverlayOptions) (Overlay, error) {
	live, err := s.changelog.ListChangelogEntries(ctx, campaignID, opts.Filter)
	if err != nil {
		return Overlay{}, fmt.Errorf("list live changelog: %w", err)
	}
	entries := live
	if opts.IncludeArchived {
		archived, err := s.GetArchivedEntries(ctx, campaignID, opts.Filter)
		if err != nil {
			return Overlay{}, err
		}
		entries = append(archived, live...)
	}
	return FoldEntries(entries), nil
}

// EntityState returns the net update for an entity, if any.
func (o Overlay) EntityState(entityID string) (common.EntityUpdate, bool) {
	u, ok := o.EntityUpdates[entityID]
	return u, ok
}

// NewEntityIDs lists the ids introduced through the changelog, sorted.
func (o Overlay) NewEntityIDs() []string {
	return slices.Sorted(maps.Keys(o.NewEntities))
}

// ApplyRelationships returns rels of entityID with the overlay applied:
// removed edges are dropped, updated edges take the new strength and added
// edges touching entityID are appended.
func (o Overlay) ApplyRelationships(campaignID, entityID string, rels []common.EntityRelationship) []common.EntityRelationship {
	if len(o.RelationshipUpdates) == 0 {
		return rels
	}
	out := make([]common.EntityRelationship, 0, len(rels))
	seen := make(map[common.EdgeKey]bool, len(rels))
	for _, r := range rels {
		key := r.Key()
		seen[key] = true
		u, ok := o.RelationshipUpdates[key]
		if !ok {
			out = append(out, r)
			continue
		}
		if u.Action == ActionRemove {
			continue
		}
		if u.Strength != nil {
			v := *u.Strength
			r.Strength = &v
		}
		out = append(out, r)
	}

	keys := slices.SortedFunc(maps.Keys(o.RelationshipUpdates), func(a, b common.EdgeKey) int {
		return strings.Compare(a.From+"\x00"+a.To+"\x00"+a.Type, b.From+"\x00"+b.To+"\x00"+b.Type)
	})
	for _, key := range keys {
		u := o.RelationshipUpdates[key]
		if seen[key] || u.Action == ActionRemove {
			continue
		}
		if key.From != entityID && key.To != entityID {
			continue
		}
		out = append(out, common.EntityRelationship{
			CampaignID:       campaignID,
			FromEntityID:     key.From,
			ToEntityID:       key.To,
			RelationshipType: key.Type,
			Strength:         u.Strength,
			Metadata:         map[string]any{"source": SourceType},
		})
	}
	return out
}
