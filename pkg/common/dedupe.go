package common

import "time"

type DeduplicationStatus string

const (
	DedupPending         DeduplicationStatus = "pending"
	DedupMerged          DeduplicationStatus = "merged"
	DedupRejected        DeduplicationStatus = "rejected"
	DedupConfirmedUnique DeduplicationStatus = "confirmed_unique"
)

// Valid reports whether s is one of the known statuses.
func (s DeduplicationStatus) Valid() bool {
	switch s {
	case DedupPending, DedupMerged, DedupRejected, DedupConfirmedUnique:
		return true
	}
	return false
}

// Terminal reports whether s closes a review.
func (s DeduplicationStatus) Terminal() bool {
	return s.Valid() && s != DedupPending
}

// DeduplicationEntry aggregates every medium-confidence match found for one
// evaluated entity. PotentialDuplicateIDs and SimilarityScores are parallel.
type DeduplicationEntry struct {
	ID                    string              `json:"id"`
	CampaignID            string              `json:"campaignId"`
	NewEntityID           string              `json:"newEntityId"`
	PotentialDuplicateIDs []string            `json:"potentialDuplicateIds"`
	SimilarityScores      []float64           `json:"similarityScores"`
	Status                DeduplicationStatus `json:"status"`
	UserDecision          *string             `json:"userDecision,omitempty"`
	ResolvedAt            *time.Time          `json:"resolvedAt,omitempty"`
	CreatedAt             time.Time           `json:"createdAt"`
}

// DeduplicationFilter narrows ListDeduplicationEntries. Empty fields match all.
type DeduplicationFilter struct {
	Status      DeduplicationStatus
	NewEntityID string
	Limit       int
}

// SimilarMatch is one similarity-index hit.
type SimilarMatch struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}
