package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/ofisk/loresmith-ai/backend/internal/util"
	"github.com/ofisk/loresmith-ai/backend/pkg/common"
)

func (s *Store) GetRebuildState(_ context.Context, campaignID string) (common.CampaignRebuildState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.campaigns[campaignID], nil
}

func (s *Store) AddImpact(_ context.Context, campaignID string, delta float64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.campaigns[campaignID]
	st.CumulativeImpact += delta
	s.campaigns[campaignID] = st
	return st.CumulativeImpact, nil
}

func (s *Store) ResetImpact(_ context.Context, campaignID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.campaigns[campaignID] = common.CampaignRebuildState{CumulativeImpact: 0, LastRebuildAt: &at}
	return nil
}

func sortChangelog(entries []common.ChangelogEntry) {
	slices.SortFunc(entries, func(a, b common.ChangelogEntry) int {
		return cmp.Or(
			a.Timestamp.Compare(b.Timestamp),
			a.CreatedAt.Compare(b.CreatedAt),
			strings.Compare(a.ID, b.ID),
		)
	})
}

func (s *Store) AppendChangelogEntry(_ context.Context, e common.ChangelogEntry) (common.ChangelogEntry, error) {
	if e.CampaignID == "" {
		return common.ChangelogEntry{}, fmt.Errorf("changelog campaign id: %w", common.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		e.ID = util.NewID("chg_")
	}
	if _, ok := s.changelog[e.ID]; ok {
		return common.ChangelogEntry{}, fmt.Errorf("changelog entry %q: %w", e.ID, common.ErrAlreadyExists)
	}
	e.CreatedAt = s.now()
	if e.Timestamp.IsZero() {
		e.Timestamp = e.CreatedAt
	}
	s.changelog[e.ID] = e
	return e, nil
}

func (s *Store) GetChangelogEntries(_ context.Context, campaignID string, ids []string) ([]common.ChangelogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]common.ChangelogEntry, 0, len(ids))
	for _, id := range ids {
		if e, ok := s.changelog[id]; ok && e.CampaignID == campaignID {
			out = append(out, e)
		}
	}
	sortChangelog(out)
	return out, nil
}

func (s *Store) ListChangelogEntries(_ context.Context, campaignID string, filter common.ChangelogFilter) ([]common.ChangelogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]common.ChangelogEntry, 0)
	for _, e := range s.changelog {
		if e.CampaignID == campaignID && filter.Matches(e) {
			out = append(out, e)
		}
	}
	sortChangelog(out)
	return out, nil
}

func (s *Store) MarkChangelogApplied(_ context.Context, campaignID string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if e, ok := s.changelog[id]; ok && e.CampaignID == campaignID {
			e.AppliedToGraph = true
			s.changelog[id] = e
		}
	}
	return nil
}

func (s *Store) DeleteChangelogEntries(_ context.Context, campaignID string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if e, ok := s.changelog[id]; ok && e.CampaignID == campaignID {
			delete(s.changelog, id)
		}
	}
	return nil
}

func (s *Store) CreateArchiveMetadata(_ context.Context, m common.ChangelogArchiveMetadata) (common.ChangelogArchiveMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.archives[m.ArchiveKey]; ok {
		return common.ChangelogArchiveMetadata{}, fmt.Errorf("archive %q: %w", m.ArchiveKey, common.ErrAlreadyExists)
	}
	if m.ID == "" {
		m.ID = util.NewID("arch_")
	}
	m.CreatedAt = s.now()
	s.archives[m.ArchiveKey] = m
	return m, nil
}

func (s *Store) GetArchiveMetadataByKey(_ context.Context, archiveKey string) (common.ChangelogArchiveMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.archives[archiveKey]
	if !ok {
		return common.ChangelogArchiveMetadata{}, notFound("archive", archiveKey)
	}
	return m, nil
}

func (s *Store) ListArchiveMetadata(_ context.Context, campaignID string, filter common.ChangelogFilter) ([]common.ChangelogArchiveMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]common.ChangelogArchiveMetadata, 0)
	for _, m := range s.archives {
		if m.CampaignID != campaignID {
			continue
		}
		if filter.CampaignSessionID != nil && !m.SessionRange.Contains(*filter.CampaignSessionID) {
			continue
		}
		if !m.TimestampRange.Overlaps(filter.FromTimestamp, filter.ToTimestamp) {
			continue
		}
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, b common.ChangelogArchiveMetadata) int {
		return cmp.Or(a.TimestampRange.From.Compare(b.TimestampRange.From), strings.Compare(a.ArchiveKey, b.ArchiveKey))
	})
	return out, nil
}

func (s *Store) DeleteArchiveMetadata(_ context.Context, archiveKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.archives[archiveKey]; !ok {
		return notFound("archive", archiveKey)
	}
	delete(s.archives, archiveKey)
	return nil
}

func (s *Store) UpsertSearchEntry(_ context.Context, e common.SearchEntry) error {
	if e.ID == "" {
		return fmt.Errorf("search entry id: %w", common.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e.Embedding = slices.Clone(e.Embedding)
	s.search[e.ID] = e
	return nil
}

func (s *Store) DeleteSearchEntriesByArchive(_ context.Context, archiveKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.search {
		if e.ArchiveKey == archiveKey {
			delete(s.search, id)
		}
	}
	return nil
}

// SearchEntries returns the indexed entries of a campaign, mainly for tests.
func (s *Store) SearchEntries(campaignID string) []common.SearchEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]common.SearchEntry, 0)
	for _, e := range s.search {
		if e.CampaignID == campaignID {
			out = append(out, e)
		}
	}
	slices.SortFunc(out, func(a, b common.SearchEntry) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// SearchPlanningContext scores indexed entries by the share of query terms
// they contain. It has no vector support; the pgx searcher does.
func (s *Store) SearchPlanningContext(_ context.Context, campaignID, query string, limit int) ([]common.PlanningResult, error) {
	terms := strings.Fields(util.NormalizeText(query))
	if len(terms) == 0 {
		return []common.PlanningResult{}, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]common.PlanningResult, 0)
	for _, e := range s.search {
		if e.CampaignID != campaignID {
			continue
		}
		text := util.NormalizeText(e.Text)
		hits := 0
		for _, t := range terms {
			if strings.Contains(text, t) {
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		out = append(out, common.PlanningResult{
			ID:         e.ID,
			SourceID:   e.SourceID,
			SourceType: e.SourceType,
			Text:       e.Text,
			Score:      float64(hits) / float64(len(terms)),
			Archived:   e.Archived,
			Timestamp:  e.Timestamp,
		})
	}
	slices.SortFunc(out, func(a, b common.PlanningResult) int {
		return cmp.Or(cmp.Compare(b.Score, a.Score), strings.Compare(a.ID, b.ID))
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) CreateDeduplicationEntry(_ context.Context, e common.DeduplicationEntry) (common.DeduplicationEntry, error) {
	if len(e.PotentialDuplicateIDs) != len(e.SimilarityScores) {
		return common.DeduplicationEntry{}, fmt.Errorf("dedup entry ids and scores differ in length: %w", common.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		e.ID = util.NewID("dedup_")
	}
	if e.Status == "" {
		e.Status = common.DedupPending
	}
	e.CreatedAt = s.now()
	e.PotentialDuplicateIDs = slices.Clone(e.PotentialDuplicateIDs)
	e.SimilarityScores = slices.Clone(e.SimilarityScores)
	s.dedupe[e.ID] = e
	return e, nil
}

func (s *Store) GetDeduplicationEntry(_ context.Context, id string) (common.DeduplicationEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.dedupe[id]
	if !ok {
		return common.DeduplicationEntry{}, notFound("dedup entry", id)
	}
	return e, nil
}

func (s *Store) ListDeduplicationEntries(_ context.Context, campaignID string, filter common.DeduplicationFilter) ([]common.DeduplicationEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]common.DeduplicationEntry, 0)
	for _, e := range s.dedupe {
		if e.CampaignID != campaignID {
			continue
		}
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		if filter.NewEntityID != "" && e.NewEntityID != filter.NewEntityID {
			continue
		}
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b common.DeduplicationEntry) int {
		return cmp.Or(b.CreatedAt.Compare(a.CreatedAt), strings.Compare(a.ID, b.ID))
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) UpdateDeduplicationEntry(_ context.Context, e common.DeduplicationEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dedupe[e.ID]; !ok {
		return notFound("dedup entry", e.ID)
	}
	s.dedupe[e.ID] = e
	return nil
}
