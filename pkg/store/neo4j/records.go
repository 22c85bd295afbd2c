package neo4j

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/ofisk/loresmith-ai/backend/pkg/common"
)

func getString(record *neo4j.Record, key string) string {
	val, ok := record.Get(key)
	if !ok || val == nil {
		return ""
	}
	if str, ok := val.(string); ok {
		return str
	}
	return ""
}

func getInt(record *neo4j.Record, key string) int {
	val, ok := record.Get(key)
	if !ok || val == nil {
		return 0
	}
	switch v := val.(type) {
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func getFloatPtr(record *neo4j.Record, key string) *float64 {
	val, ok := record.Get(key)
	if !ok || val == nil {
		return nil
	}
	switch v := val.(type) {
	case float64:
		return &v
	case int64:
		f := float64(v)
		return &f
	}
	return nil
}

// getTime parses the RFC 3339 strings the store writes.
func getTime(record *neo4j.Record, key string) time.Time {
	s := getString(record, key)
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func relationshipFromRecord(campaignID string, record *neo4j.Record) (common.EntityRelationship, error) {
	rel := common.EntityRelationship{
		ID:               getString(record, "id"),
		CampaignID:       campaignID,
		FromEntityID:     getString(record, "fromId"),
		ToEntityID:       getString(record, "toId"),
		RelationshipType: getString(record, "type"),
		Strength:         getFloatPtr(record, "strength"),
		CreatedAt:        getTime(record, "createdAt"),
		UpdatedAt:        getTime(record, "updatedAt"),
	}
	if raw := getString(record, "metadata"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &rel.Metadata); err != nil {
			return common.EntityRelationship{}, fmt.Errorf("decode metadata of relationship %s: %w", rel.ID, err)
		}
	}
	return rel, nil
}

func neighborFromRecord(record *neo4j.Record) common.Neighbor {
	return common.Neighbor{
		EntityID:         getString(record, "entityId"),
		Depth:            getInt(record, "depth"),
		RelationshipType: getString(record, "relationshipType"),
		Name:             getString(record, "name"),
		EntityType:       getString(record, "entityType"),
	}
}
