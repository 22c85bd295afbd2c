// Package memory is a process-local implementation of every store
// interface. It backs tests and single-process development mode.
package memory

import (
	"fmt"
	"sync"
	"time"

	"github.com/ofisk/loresmith-ai/backend/pkg/common"
	"github.com/ofisk/loresmith-ai/backend/pkg/store"
)

type entityKey struct {
	campaignID string
	id         string
}

type embedding struct {
	id         string
	entityType string
	vec        []float32
}

// Store keeps all state in maps guarded by one RWMutex.
type Store struct {
	mu sync.RWMutex

	now func() time.Time

	entities      map[entityKey]common.Entity
	embeddings    map[entityKey]embedding
	relationships map[string]map[common.EdgeKey]common.EntityRelationship
	dedupe        map[string]common.DeduplicationEntry
	campaigns     map[string]common.CampaignRebuildState
	changelog     map[string]common.ChangelogEntry
	archives      map[string]common.ChangelogArchiveMetadata
	search        map[string]common.SearchEntry
	blobs         map[string][]byte
	communities   map[string][]common.Community
}

var (
	_ store.EntityStore          = (*Store)(nil)
	_ store.RelationshipStore    = (*Store)(nil)
	_ store.SimilarityIndex      = (*Store)(nil)
	_ store.DeduplicationStore   = (*Store)(nil)
	_ store.CampaignStore        = (*Store)(nil)
	_ store.ChangelogStore       = (*Store)(nil)
	_ store.ArchiveMetadataStore = (*Store)(nil)
	_ store.SearchIndex          = (*Store)(nil)
	_ store.BlobStore            = (*Store)(nil)
	_ store.PlanningSearcher     = (*Store)(nil)
	_ store.CommunityStore       = (*Store)(nil)
)

type Option func(*Store)

// WithClock overrides time.Now for created/updated stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(opts ...Option) *Store {
	s := &Store{
		now:           time.Now,
		entities:      make(map[entityKey]common.Entity),
		embeddings:    make(map[entityKey]embedding),
		relationships: make(map[string]map[common.EdgeKey]common.EntityRelationship),
		dedupe:        make(map[string]common.DeduplicationEntry),
		campaigns:     make(map[string]common.CampaignRebuildState),
		changelog:     make(map[string]common.ChangelogEntry),
		archives:      make(map[string]common.ChangelogArchiveMetadata),
		search:        make(map[string]common.SearchEntry),
		blobs:         make(map[string][]byte),
		communities:   make(map[string][]common.Community),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %q: %w", kind, id, common.ErrNotFound)
}
