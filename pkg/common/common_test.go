package common

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeContentPicksShapeByEntityType(t *testing.T) {
	tests := []struct {
		name       string
		entityType string
		raw        string
		wantKind   ContentKind
	}{
		{"character", "NPC", `{"description":"A grumpy innkeeper","role":"innkeeper"}`, ContentCharacter},
		{"location", "city", `{"description":"Port town","region":"Sword Coast"}`, ContentLocation},
		{"item", "artifact", `{"rarity":"legendary"}`, ContentItem},
		{"faction", "guild", `{"leader":"Mirt"}`, ContentFaction},
		{"unknown type", "weather", `{"description":"storm"}`, ContentOpaque},
		{"unknown field falls back", "character", `{"description":"x","favouriteColour":"red"}`, ContentOpaque},
		{"string payload", "character", `"just text"`, ContentOpaque},
		{"null", "item", `null`, ContentOpaque},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DecodeContent(tt.entityType, json.RawMessage(tt.raw))
			assert.Equal(t, tt.wantKind, c.Kind())
		})
	}
}

func TestOpaqueContentPreservesPayload(t *testing.T) {
	raw := `{"description":"x","favouriteColour":"red"}`
	c := DecodeContent("character", json.RawMessage(raw))

	out, err := EncodeContent(c)
	require.NoError(t, err)
	assert.JSONEq(t, raw, string(out))
	assert.Equal(t, "x", c.Text())
}

func TestEntityJSONKeepsTypedContentAndStaging(t *testing.T) {
	stagedAt := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	e := Entity{
		ID:         "e1",
		CampaignID: "c1",
		EntityType: "character",
		Name:       "Volo",
		Content:    CharacterContent{Description: "Traveling author", Traits: []string{"boastful"}},
		Metadata: EntityMetadata{
			Staging: &StagingState{
				Staged:     true,
				StagedAt:   stagedAt,
				Provenance: Provenance{SourceID: "doc-1", CandidateID: "cand-1"},
			},
			Extra: map[string]any{"tags": []any{"author"}},
		},
	}

	data, err := json.Marshal(e)
	require.NoError(t, err)

	var got Entity
	require.NoError(t, json.Unmarshal(data, &got))

	assert.Equal(t, e.Content, got.Content)
	require.True(t, got.Metadata.IsStaged())
	assert.Equal(t, stagedAt, got.Metadata.Staging.StagedAt)
	assert.Equal(t, "cand-1", got.Metadata.Staging.Provenance.CandidateID)
	assert.Equal(t, []any{"author"}, got.Metadata.Extra["tags"])
	assert.NotContains(t, got.Metadata.Extra, "staging")
}

func TestEmbeddingText(t *testing.T) {
	e := Entity{Name: "Waterdeep", EntityType: "city", Content: LocationContent{Description: "City of Splendors"}}
	assert.Equal(t, "Waterdeep. city. City of Splendors", e.EmbeddingText())

	bare := Entity{Name: "Nameless"}
	assert.Equal(t, "Nameless", bare.EmbeddingText())
}

func TestChangelogFilterMatches(t *testing.T) {
	s2, s3 := 2, 3
	ts := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	before := ts.Add(-time.Hour)
	after := ts.Add(time.Hour)
	entry := ChangelogEntry{CampaignSessionID: &s2, Timestamp: ts}

	assert.True(t, ChangelogFilter{}.Matches(entry))
	assert.True(t, ChangelogFilter{CampaignSessionID: &s2}.Matches(entry))
	assert.False(t, ChangelogFilter{CampaignSessionID: &s3}.Matches(entry))
	assert.True(t, ChangelogFilter{FromTimestamp: &before, ToTimestamp: &after}.Matches(entry))
	assert.False(t, ChangelogFilter{FromTimestamp: &after}.Matches(entry))
	assert.False(t, ChangelogFilter{ToTimestamp: &before}.Matches(entry))
	assert.False(t, ChangelogFilter{CampaignSessionID: &s2}.Matches(ChangelogEntry{Timestamp: ts}))
}

func TestRangesHelpers(t *testing.T) {
	lo, hi := 2, 5
	r := SessionRange{Min: &lo, Max: &hi}
	assert.True(t, r.Contains(2))
	assert.True(t, r.Contains(5))
	assert.False(t, r.Contains(6))
	assert.False(t, SessionRange{}.Contains(1))

	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(48 * time.Hour)
	tr := TimestampRange{From: from, To: to}
	later := to.Add(time.Hour)
	earlier := from.Add(-time.Hour)
	assert.True(t, tr.Overlaps(nil, nil))
	assert.False(t, tr.Overlaps(&later, nil))
	assert.False(t, tr.Overlaps(nil, &earlier))
	assert.True(t, tr.Overlaps(&earlier, &later))
}

func TestDeduplicationStatus(t *testing.T) {
	assert.True(t, DedupMerged.Terminal())
	assert.False(t, DedupPending.Terminal())
	assert.False(t, DeduplicationStatus("maybe").Valid())
}
