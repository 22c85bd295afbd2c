// Package store declares the persistence collaborators the knowledge-graph
// services depend on. Implementations live in the memory, pgx and neo4j
// subpackages.
//
// Lookups of a single row return an error wrapping common.ErrNotFound when
// nothing matches. List operations return an empty slice instead.
package store

import (
	"context"
	"time"

	"github.com/ofisk/loresmith-ai/backend/pkg/common"
)

type EntityStore interface {
	GetEntity(ctx context.Context, campaignID, id string) (common.Entity, error)
	FindEntityByNameAndType(ctx context.Context, campaignID, name, entityType string) (common.Entity, error)
	CreateEntity(ctx context.Context, e common.Entity) (common.Entity, error)
	UpdateEntity(ctx context.Context, e common.Entity) (common.Entity, error)
	GetEntitiesByIDs(ctx context.Context, campaignID string, ids []string) ([]common.Entity, error)
}

// RelationshipStore persists edges. UpsertRelationship is idempotent on
// (campaignId, fromId, toId, relationshipType).
type RelationshipStore interface {
	UpsertRelationship(ctx context.Context, r common.EntityRelationship) (common.EntityRelationship, error)
	DeleteRelationship(ctx context.Context, campaignID string, key common.EdgeKey) error
	GetRelationshipsForEntity(ctx context.Context, campaignID, entityID string, filter common.RelationshipFilter) ([]common.EntityRelationship, error)
	GetRelationshipNeighborhood(ctx context.Context, campaignID, entityID string, q common.NeighborhoodQuery) ([]common.Neighbor, error)
	ListCampaignRelationships(ctx context.Context, campaignID string) ([]common.EntityRelationship, error)
}

// SimilarityQuery scopes a nearest-neighbor lookup. An empty EntityType
// searches every type of the campaign.
type SimilarityQuery struct {
	CampaignID string
	EntityType string
	TopK       int
	ExcludeIDs []string
	MinScore   float64
}

// SimilarityIndex stores entity embeddings and answers nearest-neighbor
// queries by cosine similarity. Scores are in [-1,1], highest first.
type SimilarityIndex interface {
	UpsertEmbedding(ctx context.Context, campaignID, entityID, entityType string, vec []float32) (string, error)
	GetEmbedding(ctx context.Context, campaignID, entityID string) ([]float32, error)
	FindSimilar(ctx context.Context, vec []float32, q SimilarityQuery) ([]common.SimilarMatch, error)
}

type DeduplicationStore interface {
	CreateDeduplicationEntry(ctx context.Context, e common.DeduplicationEntry) (common.DeduplicationEntry, error)
	GetDeduplicationEntry(ctx context.Context, id string) (common.DeduplicationEntry, error)
	ListDeduplicationEntries(ctx context.Context, campaignID string, filter common.DeduplicationFilter) ([]common.DeduplicationEntry, error)
	UpdateDeduplicationEntry(ctx context.Context, e common.DeduplicationEntry) error
}

// CampaignStore keeps the rebuild bookkeeping that lives in campaign
// metadata. AddImpact must be atomic per campaign.
type CampaignStore interface {
	GetRebuildState(ctx context.Context, campaignID string) (common.CampaignRebuildState, error)
	AddImpact(ctx context.Context, campaignID string, delta float64) (float64, error)
	ResetImpact(ctx context.Context, campaignID string, at time.Time) error
}

// ChangelogStore holds live changelog entries. Listings are ordered by
// timestamp ascending.
type ChangelogStore interface {
	AppendChangelogEntry(ctx context.Context, e common.ChangelogEntry) (common.ChangelogEntry, error)
	GetChangelogEntries(ctx context.Context, campaignID string, ids []string) ([]common.ChangelogEntry, error)
	ListChangelogEntries(ctx context.Context, campaignID string, filter common.ChangelogFilter) ([]common.ChangelogEntry, error)
	MarkChangelogApplied(ctx context.Context, campaignID string, ids []string) error
	DeleteChangelogEntries(ctx context.Context, campaignID string, ids []string) error
}

// ArchiveMetadataStore indexes archive blobs. ListArchiveMetadata returns
// the rows whose session or timestamp range can contain entries matching
// filter; entry-level filtering happens after the blob is loaded.
type ArchiveMetadataStore interface {
	CreateArchiveMetadata(ctx context.Context, m common.ChangelogArchiveMetadata) (common.ChangelogArchiveMetadata, error)
	GetArchiveMetadataByKey(ctx context.Context, archiveKey string) (common.ChangelogArchiveMetadata, error)
	ListArchiveMetadata(ctx context.Context, campaignID string, filter common.ChangelogFilter) ([]common.ChangelogArchiveMetadata, error)
	DeleteArchiveMetadata(ctx context.Context, archiveKey string) error
}

type SearchIndex interface {
	UpsertSearchEntry(ctx context.Context, e common.SearchEntry) error
	DeleteSearchEntriesByArchive(ctx context.Context, archiveKey string) error
}

// BlobStore is object storage. Get returns nil data and no error for a
// missing key.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// JobQueue delivers messages at least once, in no particular order.
type JobQueue interface {
	Send(ctx context.Context, message []byte) error
}

// RebuildPipeline recomputes derived aggregates for a campaign.
type RebuildPipeline interface {
	ExecuteRebuild(ctx context.Context, job common.RebuildJob) (common.RebuildResult, error)
}

type PlanningSearcher interface {
	SearchPlanningContext(ctx context.Context, campaignID, query string, limit int) ([]common.PlanningResult, error)
}

// CommunityStore persists rebuild output.
type CommunityStore interface {
	ReplaceCommunities(ctx context.Context, campaignID string, communities []common.Community) error
	ListCommunities(ctx context.Context, campaignID string) ([]common.Community, error)
}
