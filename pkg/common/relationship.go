package common

import "time"

// EntityRelationship is a typed, optionally weighted directed edge between
// two entities of one campaign. RelationshipType is always stored in its
// canonical form and Strength, when set, lies in [0,1].
type EntityRelationship struct {
	ID               string         `json:"id"`
	CampaignID       string         `json:"campaignId"`
	FromEntityID     string         `json:"fromEntityId"`
	ToEntityID       string         `json:"toEntityId"`
	RelationshipType string         `json:"relationshipType"`
	Strength         *float64       `json:"strength,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

// EdgeKey is the natural key edges are upserted on.
type EdgeKey struct {
	From string
	To   string
	Type string
}

func (r EntityRelationship) Key() EdgeKey {
	return EdgeKey{From: r.FromEntityID, To: r.ToEntityID, Type: r.RelationshipType}
}

// Neighbor is one hit of a bounded-depth neighborhood traversal.
type Neighbor struct {
	EntityID         string `json:"entityId"`
	Depth            int    `json:"depth"`
	RelationshipType string `json:"relationshipType"`
	Name             string `json:"name"`
	EntityType       string `json:"entityType"`
}

// RelationshipFilter narrows relationship reads. Types must already be canonical.
type RelationshipFilter struct {
	RelationshipTypes []string
}

// NeighborhoodQuery bounds a traversal. MaxDepth is taken as given.
type NeighborhoodQuery struct {
	MaxDepth          int
	RelationshipTypes []string
}
