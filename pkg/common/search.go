package common

import "time"

// SearchEntry is one row of the planning/changelog search index. Archived
// entries point back at the blob they live in through ArchiveKey.
type SearchEntry struct {
	ID                string    `json:"id"`
	CampaignID        string    `json:"campaignId"`
	SourceID          string    `json:"sourceId"`
	SourceType        string    `json:"sourceType"`
	Text              string    `json:"text"`
	Embedding         []float32 `json:"-"`
	Archived          bool      `json:"archived"`
	ArchiveKey        string    `json:"archiveKey,omitempty"`
	CampaignSessionID *int      `json:"campaignSessionId,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

// PlanningResult is one hit of the planning-context search.
type PlanningResult struct {
	ID         string    `json:"id"`
	SourceID   string    `json:"sourceId"`
	SourceType string    `json:"sourceType"`
	Text       string    `json:"text"`
	Score      float64   `json:"score"`
	Archived   bool      `json:"archived"`
	Timestamp  time.Time `json:"timestamp"`
}

// Community is one group of connected entities computed by a rebuild.
type Community struct {
	CampaignID string             `json:"campaignId"`
	RebuildID  string             `json:"rebuildId"`
	Index      int                `json:"index"`
	EntityIDs  []string           `json:"entityIds"`
	Importance map[string]float64 `json:"importance"`
	CreatedAt  time.Time          `json:"createdAt"`
}
