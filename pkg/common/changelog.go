package common

import "time"

// EntityUpdate is a world-state change to an existing entity.
type EntityUpdate struct {
	EntityID    string         `json:"entity_id"`
	Status      string         `json:"status,omitempty"`
	Description string         `json:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// RelationshipUpdate adds, changes or removes an edge. Action is "add",
// "update" or "remove"; empty means "update".
type RelationshipUpdate struct {
	From             string   `json:"from"`
	To               string   `json:"to"`
	RelationshipType string   `json:"relationship_type"`
	Action           string   `json:"action,omitempty"`
	Strength         *float64 `json:"strength,omitempty"`
}

// NewEntity is an entity introduced purely through the changelog.
type NewEntity struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	EntityType  string `json:"entity_type"`
	Description string `json:"description,omitempty"`
}

type ChangelogPayload struct {
	EntityUpdates       []EntityUpdate       `json:"entity_updates"`
	RelationshipUpdates []RelationshipUpdate `json:"relationship_updates"`
	NewEntities         []NewEntity          `json:"new_entities"`
}

// ChangelogEntry is one timestamped world-state delta. Live entries are
// append-only; once a rebuild consumes them they move to an archive blob.
type ChangelogEntry struct {
	ID                string           `json:"id"`
	CampaignID        string           `json:"campaignId"`
	CampaignSessionID *int             `json:"campaignSessionId"`
	Timestamp         time.Time        `json:"timestamp"`
	Payload           ChangelogPayload `json:"payload"`
	ImpactScore       float64          `json:"impactScore"`
	AppliedToGraph    bool             `json:"appliedToGraph"`
	CreatedAt         time.Time        `json:"createdAt"`
}

// ChangelogFilter narrows live and archived changelog reads. Zero values match all.
type ChangelogFilter struct {
	CampaignSessionID *int
	FromTimestamp     *time.Time
	ToTimestamp       *time.Time
	AppliedToGraph    *bool
}

// Matches applies f to one entry.
func (f ChangelogFilter) Matches(e ChangelogEntry) bool {
	if f.CampaignSessionID != nil {
		if e.CampaignSessionID == nil || *e.CampaignSessionID != *f.CampaignSessionID {
			return false
		}
	}
	if f.FromTimestamp != nil && e.Timestamp.Before(*f.FromTimestamp) {
		return false
	}
	if f.ToTimestamp != nil && e.Timestamp.After(*f.ToTimestamp) {
		return false
	}
	if f.AppliedToGraph != nil && e.AppliedToGraph != *f.AppliedToGraph {
		return false
	}
	return true
}

type SessionRange struct {
	Min *int `json:"min"`
	Max *int `json:"max"`
}

// Contains reports whether session lies in the range. A range without
// sessions contains nothing.
func (r SessionRange) Contains(session int) bool {
	if r.Min == nil || r.Max == nil {
		return false
	}
	return session >= *r.Min && session <= *r.Max
}

type TimestampRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Overlaps reports whether [from,to] intersects the range. Nil bounds are open.
func (r TimestampRange) Overlaps(from, to *time.Time) bool {
	if from != nil && r.To.Before(*from) {
		return false
	}
	if to != nil && r.From.After(*to) {
		return false
	}
	return true
}

// ChangelogArchiveMetadata indexes one archive blob.
type ChangelogArchiveMetadata struct {
	ID             string         `json:"id"`
	CampaignID     string         `json:"campaignId"`
	RebuildID      string         `json:"rebuildId"`
	ArchiveKey     string         `json:"archiveKey"`
	SessionRange   SessionRange   `json:"sessionRange"`
	TimestampRange TimestampRange `json:"timestampRange"`
	EntryCount     int            `json:"entryCount"`
	CreatedAt      time.Time      `json:"createdAt"`
}

// ArchivedEntry is the serialized form of a changelog entry inside an archive blob.
type ArchivedEntry struct {
	ID                string           `json:"id"`
	CampaignSessionID *int             `json:"campaignSessionId"`
	Timestamp         time.Time        `json:"timestamp"`
	Payload           ChangelogPayload `json:"payload"`
	ImpactScore       float64          `json:"impactScore"`
	CreatedAt         time.Time        `json:"createdAt"`
}

// ArchiveDocument is the JSON document stored gzip-compressed per archive.
type ArchiveDocument struct {
	RebuildID      string          `json:"rebuildId"`
	CampaignID     string          `json:"campaignId"`
	Entries        []ArchivedEntry `json:"entries"`
	SessionRange   SessionRange    `json:"sessionRange"`
	TimestampRange TimestampRange  `json:"timestampRange"`
}

// ToEntry restores a live-shaped entry. Archived entries were applied to the graph.
func (a ArchivedEntry) ToEntry(campaignID string) ChangelogEntry {
	return ChangelogEntry{
		ID:                a.ID,
		CampaignID:        campaignID,
		CampaignSessionID: a.CampaignSessionID,
		Timestamp:         a.Timestamp,
		Payload:           a.Payload,
		ImpactScore:       a.ImpactScore,
		AppliedToGraph:    true,
		CreatedAt:         a.CreatedAt,
	}
}
