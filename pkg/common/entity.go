package common

import (
	"encoding/json"
	"maps"
	"time"
)

// Entity is a named thing tracked per campaign: a character, a place, an
// item, a faction. Identity is (CampaignID, ID); during extraction the pair
// (Name, EntityType) is used as a secondary identity.
//
// Entities are never hard-deleted by the knowledge-graph services. A
// re-extraction updates the row in place and records a Staging snapshot of
// the prior state in Metadata.
type Entity struct {
	ID          string
	CampaignID  string
	EntityType  string
	Name        string
	Content     Content
	Metadata    EntityMetadata
	Confidence  *float64
	SourceType  string
	SourceID    string
	EmbeddingID string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type entityJSON struct {
	ID          string          `json:"id"`
	CampaignID  string          `json:"campaignId"`
	EntityType  string          `json:"entityType"`
	Name        string          `json:"name"`
	Content     json.RawMessage `json:"content"`
	Metadata    EntityMetadata  `json:"metadata"`
	Confidence  *float64        `json:"confidence,omitempty"`
	SourceType  string          `json:"sourceType,omitempty"`
	SourceID    string          `json:"sourceId,omitempty"`
	EmbeddingID string          `json:"embeddingId,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

func (e Entity) MarshalJSON() ([]byte, error) {
	content, err := EncodeContent(e.Content)
	if err != nil {
		return nil, err
	}
	return json.Marshal(entityJSON{
		ID:          e.ID,
		CampaignID:  e.CampaignID,
		EntityType:  e.EntityType,
		Name:        e.Name,
		Content:     content,
		Metadata:    e.Metadata,
		Confidence:  e.Confidence,
		SourceType:  e.SourceType,
		SourceID:    e.SourceID,
		EmbeddingID: e.EmbeddingID,
		CreatedAt:   e.CreatedAt,
		UpdatedAt:   e.UpdatedAt,
	})
}

func (e *Entity) UnmarshalJSON(data []byte) error {
	var raw entityJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*e = Entity{
		ID:          raw.ID,
		CampaignID:  raw.CampaignID,
		EntityType:  raw.EntityType,
		Name:        raw.Name,
		Content:     DecodeContent(raw.EntityType, raw.Content),
		Metadata:    raw.Metadata,
		Confidence:  raw.Confidence,
		SourceType:  raw.SourceType,
		SourceID:    raw.SourceID,
		EmbeddingID: raw.EmbeddingID,
		CreatedAt:   raw.CreatedAt,
		UpdatedAt:   raw.UpdatedAt,
	}
	return nil
}

// EmbeddingText is the text the similarity index embeds for this entity.
func (e Entity) EmbeddingText() string {
	if e.Content == nil {
		return e.Name
	}
	return joinNonEmpty(e.Name, e.EntityType, e.Content.Text())
}

// Provenance records where a staged change came from.
type Provenance struct {
	SourceID    string `json:"sourceId,omitempty"`
	SourceType  string `json:"sourceType,omitempty"`
	SourceName  string `json:"sourceName,omitempty"`
	CandidateID string `json:"candidateId,omitempty"`
	Mentions    int    `json:"mentions,omitempty"`
}

// Snapshot is the preserved content and metadata of an entity before a
// staged update, kept for diffing and approval.
type Snapshot struct {
	Content  json.RawMessage `json:"content,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// StagingState marks an entity update as pending review.
type StagingState struct {
	Staged     bool       `json:"staged"`
	StagedAt   time.Time  `json:"stagedAt"`
	Provenance Provenance `json:"provenance"`
	Previous   *Snapshot  `json:"previous,omitempty"`
}

// EntityMetadata is the metadata bag of an entity. Staging is the only
// field with a fixed shape; everything else round-trips through Extra.
type EntityMetadata struct {
	Staging *StagingState
	Extra   map[string]any
}

const stagingKey = "staging"

func (m EntityMetadata) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Extra)+1)
	maps.Copy(out, m.Extra)
	delete(out, stagingKey)
	if m.Staging != nil {
		out[stagingKey] = m.Staging
	}
	return json.Marshal(out)
}

func (m *EntityMetadata) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = EntityMetadata{}
	if s, ok := raw[stagingKey]; ok {
		var staging StagingState
		if err := json.Unmarshal(s, &staging); err != nil {
			return err
		}
		m.Staging = &staging
		delete(raw, stagingKey)
	}
	if len(raw) == 0 {
		return nil
	}
	m.Extra = make(map[string]any, len(raw))
	for k, v := range raw {
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			return err
		}
		m.Extra[k] = val
	}
	return nil
}

// IsStaged reports whether the entity carries an unapproved update.
func (m EntityMetadata) IsStaged() bool {
	return m.Staging != nil && m.Staging.Staged
}
