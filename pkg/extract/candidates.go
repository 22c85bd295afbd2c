package extract

import (
	"encoding/json"
	"fmt"
	"maps"
	"strings"

	"github.com/ofisk/loresmith-ai/backend/pkg/ai"
	"github.com/ofisk/loresmith-ai/backend/pkg/common"

	"github.com/invopop/jsonschema"
)

// CandidateRelation references another candidate of the same batch by its
// candidate id, or an entity that already exists in the campaign.
type CandidateRelation struct {
	TargetID         string         `json:"target_id" jsonschema_description:"Candidate id of the related entity"`
	RelationshipType string         `json:"relationship_type" jsonschema_description:"Free-form relationship label such as ally, enemy or member of"`
	Strength         *float64       `json:"strength,omitempty" jsonschema_description:"Relationship strength, either in [0,1] or as a percentage"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// Candidate is one entity proposed by an upstream extractor.
type Candidate struct {
	ID          string              `json:"id" jsonschema_description:"Local id, unique within this extraction batch"`
	Name        string              `json:"name" jsonschema_description:"Name of the entity as it appears in the text"`
	EntityType  string              `json:"entity_type" jsonschema_description:"Entity type, e.g. character, location, item, faction"`
	Description string              `json:"description,omitempty" jsonschema_description:"Short description, used when content is empty"`
	Content     map[string]any      `json:"content,omitempty" jsonschema_description:"Structured details for the entity type"`
	Metadata    map[string]any      `json:"metadata,omitempty"`
	Confidence  *float64            `json:"confidence,omitempty" jsonschema_description:"Extractor confidence in [0,1]"`
	Relations   []CandidateRelation `json:"relations,omitempty" jsonschema_description:"Relations from this entity to other candidates"`
}

// CandidateBatch is the document an extractor produces.
type CandidateBatch struct {
	Entities []Candidate `json:"entities" jsonschema_description:"Entities identified in the source text"`
}

// CandidateSchema is the JSON schema extractors are asked to follow.
func CandidateSchema() *jsonschema.Schema {
	return ai.GenerateSchema(CandidateBatch{})
}

// ParseCandidates reads extractor output, tolerating code fences, a bare
// array instead of the wrapper object, and minor JSON damage.
func ParseCandidates(raw string) ([]Candidate, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, nil
	}
	var batch CandidateBatch
	if err := ai.UnmarshalFlexible(trimmed, &batch); err == nil {
		return batch.Entities, nil
	}
	var list []Candidate
	if err := ai.UnmarshalFlexible(trimmed, &list); err != nil {
		return nil, fmt.Errorf("parse candidates: %w", err)
	}
	return list, nil
}

func (c Candidate) content() common.Content {
	if len(c.Content) == 0 {
		if c.Description == "" {
			return common.DecodeContent(c.EntityType, nil)
		}
		raw, _ := json.Marshal(map[string]string{"description": c.Description})
		return common.DecodeContent(c.EntityType, raw)
	}
	payload := c.Content
	if c.Description != "" {
		if _, ok := payload["description"]; !ok {
			payload = maps.Clone(c.Content)
			payload["description"] = c.Description
		}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return common.DecodeContent(c.EntityType, nil)
	}
	return common.DecodeContent(c.EntityType, raw)
}
