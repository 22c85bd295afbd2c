package common

import "time"

type RebuildType string

const (
	RebuildFull    RebuildType = "full"
	RebuildPartial RebuildType = "partial"
	RebuildNone    RebuildType = "none"
)

// RebuildJob is the message consumed by the rebuild queue processor.
type RebuildJob struct {
	RebuildID         string         `json:"rebuildId" validate:"required"`
	CampaignID        string         `json:"campaignId" validate:"required"`
	RebuildType       RebuildType    `json:"rebuildType" validate:"required,oneof=full partial"`
	AffectedEntityIDs []string       `json:"affectedEntityIds,omitempty"`
	Options           map[string]any `json:"options,omitempty"`
}

// RebuildResult is what the rebuild pipeline delegate reports.
type RebuildResult struct {
	Success          bool   `json:"success"`
	CommunitiesCount *int   `json:"communitiesCount,omitempty"`
	Error            string `json:"error,omitempty"`
}

// RebuildDecision is the audit record of one trigger evaluation.
type RebuildDecision struct {
	CampaignID        string      `json:"campaignId"`
	RebuildType       RebuildType `json:"rebuildType"`
	CumulativeImpact  float64     `json:"cumulativeImpact"`
	AffectedEntityIDs []string    `json:"affectedEntityIds,omitempty"`
	Reason            string      `json:"reason"`
	DecidedAt         time.Time   `json:"decidedAt"`
}

// CampaignRebuildState lives inside campaign metadata.
type CampaignRebuildState struct {
	CumulativeImpact float64    `json:"cumulativeImpact"`
	LastRebuildAt    *time.Time `json:"lastRebuildAt,omitempty"`
}
