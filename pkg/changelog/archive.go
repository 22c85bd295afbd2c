// Package changelog records world-state deltas, moves consumed entries into
// compressed archive blobs and folds live and archived entries into a net
// overlay.
package changelog

import (
	"bytes"
	"cmp"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/ofisk/loresmith-ai/backend/internal/util"
	"github.com/ofisk/loresmith-ai/backend/pkg/ai"
	"github.com/ofisk/loresmith-ai/backend/pkg/common"
	"github.com/ofisk/loresmith-ai/backend/pkg/logger"
	"github.com/ofisk/loresmith-ai/backend/pkg/store"
)

// ErrNoEntries is returned when none of the requested entries exist.
var ErrNoEntries = errors.New("no changelog entries to archive")

const archiveContentType = "application/gzip"

// SourceType tags search entries produced from changelog entries.
const SourceType = "changelog"

// ArchiveKey is the object key of one rebuild's archive.
func ArchiveKey(campaignID, rebuildID string) string {
	return fmt.Sprintf("changelog-archive/%s/%s.json.gz", campaignID, rebuildID)
}

// ReindexReport is the outcome of re-indexing archived entries. Failed
// entries stay readable from the blob and can be retried with ReindexArchive.
type ReindexReport struct {
	ArchiveKey string   `json:"archiveKey"`
	Indexed    int      `json:"indexed"`
	Failed     []string `json:"failed,omitempty"`
}

type Service struct {
	changelog store.ChangelogStore
	archives  store.ArchiveMetadataStore
	search    store.SearchIndex
	blobs     store.BlobStore
	embedder  ai.EmbeddingProvider
	now       func() time.Time
	log       logger.Scoped
}

type Option func(*Service)

// WithEmbedder attaches embeddings to re-indexed search entries.
func WithEmbedder(embedder ai.EmbeddingProvider) Option {
	return func(s *Service) { s.embedder = embedder }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(
	changelog store.ChangelogStore,
	archives store.ArchiveMetadataStore,
	search store.SearchIndex,
	blobs store.BlobStore,
	opts ...Option,
) *Service {
	s := &Service{
		changelog: changelog,
		archives:  archives,
		search:    search,
		blobs:     blobs,
		now:       time.Now,
		log:       logger.Named("ChangelogArchive"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ArchiveChangelogEntries moves the named live entries into one archive
// blob. The blob and metadata row are written before anything is deleted.
// Re-indexing is best-effort: failures are reported, and the live entries
// are deleted regardless.
func (s *Service) ArchiveChangelogEntries(ctx context.Context, entryIDs []string, rebuildID, campaignID string) (common.ChangelogArchiveMetadata, ReindexReport, error) {
	entries, err := s.changelog.GetChangelogEntries(ctx, campaignID, entryIDs)
	if err != nil {
		return common.ChangelogArchiveMetadata{}, ReindexReport{}, fmt.Errorf("load changelog entries: %w", err)
	}
	if len(entries) == 0 {
		return common.ChangelogArchiveMetadata{}, ReindexReport{}, fmt.Errorf("%w: campaign %s", ErrNoEntries, campaignID)
	}
	slices.SortFunc(entries, func(a, b common.ChangelogEntry) int {
		return cmp.Or(a.Timestamp.Compare(b.Timestamp), strings.Compare(a.ID, b.ID))
	})

	doc := buildDocument(rebuildID, campaignID, entries)
	key := ArchiveKey(campaignID, rebuildID)

	data, err := encodeDocument(doc)
	if err != nil {
		return common.ChangelogArchiveMetadata{}, ReindexReport{}, err
	}
	if err := s.blobs.Put(ctx, key, data, archiveContentType); err != nil {
		return common.ChangelogArchiveMetadata{}, ReindexReport{}, fmt.Errorf("write archive %s: %w", key, err)
	}

	meta, err := s.archives.CreateArchiveMetadata(ctx, common.ChangelogArchiveMetadata{
		ID:             util.NewID("arch_"),
		CampaignID:     campaignID,
		RebuildID:      rebuildID,
		ArchiveKey:     key,
		SessionRange:   doc.SessionRange,
		TimestampRange: doc.TimestampRange,
		EntryCount:     len(doc.Entries),
		CreatedAt:      s.now(),
	})
	if err != nil {
		return common.ChangelogArchiveMetadata{}, ReindexReport{}, fmt.Errorf("write archive metadata %s: %w", key, err)
	}

	report := s.reindex(ctx, campaignID, key, entries)
	if len(report.Failed) > 0 {
		s.log.Warn("Some archived entries were not re-indexed",
			"campaign_id", campaignID,
			"archive_key", key,
			"failed", len(report.Failed),
		)
	}

	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	if err := s.changelog.DeleteChangelogEntries(ctx, campaignID, ids); err != nil {
		return meta, report, fmt.Errorf("delete archived entries: %w", err)
	}

	s.log.Info("Archived changelog entries",
		"campaign_id", campaignID,
		"rebuild_id", rebuildID,
		"archive_key", key,
		"entries", len(entries),
		"indexed", report.Indexed,
	)
	return meta, report, nil
}

// ArchiveApplied archives every live entry of the campaign recorded up to
// before, marking them applied to the graph first. It returns a zero report
// and no error when there is nothing to archive.
func (s *Service) ArchiveApplied(ctx context.Context, campaignID, rebuildID string, before time.Time) (common.ChangelogArchiveMetadata, ReindexReport, error) {
	entries, err := s.changelog.ListChangelogEntries(ctx, campaignID, common.ChangelogFilter{ToTimestamp: &before})
	if err != nil {
		return common.ChangelogArchiveMetadata{}, ReindexReport{}, fmt.Errorf("list live entries: %w", err)
	}
	if len(entries) == 0 {
		return common.ChangelogArchiveMetadata{}, ReindexReport{}, nil
	}
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	if err := s.changelog.MarkChangelogApplied(ctx, campaignID, ids); err != nil {
		return common.ChangelogArchiveMetadata{}, ReindexReport{}, fmt.Errorf("mark entries applied: %w", err)
	}
	return s.ArchiveChangelogEntries(ctx, ids, rebuildID, campaignID)
}

// GetArchivedEntries returns archived entries matching filter across all
// archives of the campaign, ordered by timestamp.
func (s *Service) GetArchivedEntries(ctx context.Context, campaignID string, filter common.ChangelogFilter) ([]common.ChangelogEntry, error) {
	metas, err := s.archives.ListArchiveMetadata(ctx, campaignID, filter)
	if err != nil {
		return nil, fmt.Errorf("list archive metadata: %w", err)
	}

	out := []common.ChangelogEntry{}
	for _, m := range metas {
		doc, err := s.loadDocument(ctx, m.ArchiveKey)
		if err != nil {
			return nil, err
		}
		for _, a := range doc.Entries {
			e := a.ToEntry(campaignID)
			if filter.Matches(e) {
				out = append(out, e)
			}
		}
	}
	slices.SortStableFunc(out, func(a, b common.ChangelogEntry) int {
		return cmp.Or(a.Timestamp.Compare(b.Timestamp), strings.Compare(a.ID, b.ID))
	})
	return out, nil
}

// DeleteArchivedChangelog removes an archive blob, its search entries and
// its metadata row.
func (s *Service) DeleteArchivedChangelog(ctx context.Context, archiveKey string) error {
	if _, err := s.archives.GetArchiveMetadataByKey(ctx, archiveKey); err != nil {
		return fmt.Errorf("archive %s: %w", archiveKey, err)
	}
	if err := s.blobs.Delete(ctx, archiveKey); err != nil {
		return fmt.Errorf("delete archive blob %s: %w", archiveKey, err)
	}
	if err := s.search.DeleteSearchEntriesByArchive(ctx, archiveKey); err != nil {
		return fmt.Errorf("delete archive search entries %s: %w", archiveKey, err)
	}
	if err := s.archives.DeleteArchiveMetadata(ctx, archiveKey); err != nil {
		return fmt.Errorf("delete archive metadata %s: %w", archiveKey, err)
	}
	s.log.Info("Deleted archive", "archive_key", archiveKey)
	return nil
}

// ReindexArchive regenerates the search entries of one archive from its blob.
func (s *Service) ReindexArchive(ctx context.Context, archiveKey string) (ReindexReport, error) {
	meta, err := s.archives.GetArchiveMetadataByKey(ctx, archiveKey)
	if err != nil {
		return ReindexReport{}, fmt.Errorf("archive %s: %w", archiveKey, err)
	}
	doc, err := s.loadDocument(ctx, archiveKey)
	if err != nil {
		return ReindexReport{}, err
	}
	entries := make([]common.ChangelogEntry, len(doc.Entries))
	for i, a := range doc.Entries {
		entries[i] = a.ToEntry(meta.CampaignID)
	}
	return s.reindex(ctx, meta.CampaignID, archiveKey, entries), nil
}

func (s *Service) reindex(ctx context.Context, campaignID, archiveKey string, entries []common.ChangelogEntry) ReindexReport {
	report := ReindexReport{ArchiveKey: archiveKey}
	for _, e := range entries {
		if err := s.indexEntry(ctx, campaignID, archiveKey, e); err != nil {
			s.log.Warn("Failed to re-index archived entry", "entry_id", e.ID, "archive_key", archiveKey, "err", err)
			report.Failed = append(report.Failed, e.ID)
			continue
		}
		report.Indexed++
	}
	return report
}

func (s *Service) indexEntry(ctx context.Context, campaignID, archiveKey string, e common.ChangelogEntry) error {
	entry := common.SearchEntry{
		ID:                "chgsearch_" + e.ID,
		CampaignID:        campaignID,
		SourceID:          e.ID,
		SourceType:        SourceType,
		Text:              EntryText(e),
		Archived:          true,
		ArchiveKey:        archiveKey,
		CampaignSessionID: e.CampaignSessionID,
		Timestamp:         e.Timestamp,
	}
	if s.embedder != nil && entry.Text != "" {
		vec, err := s.embedder.Embed(ctx, entry.Text)
		if err != nil {
			return fmt.Errorf("embed: %w", err)
		}
		entry.Embedding = vec
	}
	return s.search.UpsertSearchEntry(ctx, entry)
}

func (s *Service) loadDocument(ctx context.Context, key string) (common.ArchiveDocument, error) {
	data, err := s.blobs.Get(ctx, key)
	if err != nil {
		return common.ArchiveDocument{}, fmt.Errorf("read archive %s: %w", key, err)
	}
	if data == nil {
		return common.ArchiveDocument{}, fmt.Errorf("archive blob %s: %w", key, common.ErrNotFound)
	}
	return decodeDocument(data)
}

func buildDocument(rebuildID, campaignID string, entries []common.ChangelogEntry) common.ArchiveDocument {
	doc := common.ArchiveDocument{
		RebuildID:  rebuildID,
		CampaignID: campaignID,
		Entries:    make([]common.ArchivedEntry, 0, len(entries)),
	}
	for i, e := range entries {
		doc.Entries = append(doc.Entries, common.ArchivedEntry{
			ID:                e.ID,
			CampaignSessionID: e.CampaignSessionID,
			Timestamp:         e.Timestamp,
			Payload:           e.Payload,
			ImpactScore:       e.ImpactScore,
			CreatedAt:         e.CreatedAt,
		})
		if i == 0 || e.Timestamp.Before(doc.TimestampRange.From) {
			doc.TimestampRange.From = e.Timestamp
		}
		if i == 0 || e.Timestamp.After(doc.TimestampRange.To) {
			doc.TimestampRange.To = e.Timestamp
		}
		if e.CampaignSessionID == nil {
			continue
		}
		session := *e.CampaignSessionID
		if doc.SessionRange.Min == nil || session < *doc.SessionRange.Min {
			doc.SessionRange.Min = &session
		}
		if doc.SessionRange.Max == nil || session > *doc.SessionRange.Max {
			doc.SessionRange.Max = &session
		}
	}
	return doc
}

func encodeDocument(doc common.ArchiveDocument) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if err := json.NewEncoder(zw).Encode(doc); err != nil {
		_ = zw.Close()
		return nil, fmt.Errorf("encode archive: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress archive: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeDocument(data []byte) (common.ArchiveDocument, error) {
	var doc common.ArchiveDocument
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return doc, fmt.Errorf("open archive: %w", err)
	}
	defer zr.Close()
	if err := json.NewDecoder(zr).Decode(&doc); err != nil {
		return doc, fmt.Errorf("decode archive: %w", err)
	}
	return doc, nil
}

// EntryText renders an entry's payload as plain text for search indexing.
func EntryText(e common.ChangelogEntry) string {
	var b strings.Builder
	for _, u := range e.Payload.EntityUpdates {
		fmt.Fprintf(&b, "entity %s", u.EntityID)
		if u.Status != "" {
			fmt.Fprintf(&b, " status %s", u.Status)
		}
		if u.Description != "" {
			fmt.Fprintf(&b, ": %s", u.Description)
		}
		b.WriteString("\n")
	}
	for _, r := range e.Payload.RelationshipUpdates {
		action := r.Action
		if action == "" {
			action = "update"
		}
		fmt.Fprintf(&b, "%s relationship %s %s %s\n", action, r.From, r.RelationshipType, r.To)
	}
	for _, n := range e.Payload.NewEntities {
		fmt.Fprintf(&b, "new %s %s", n.EntityType, n.Name)
		if n.Description != "" {
			fmt.Fprintf(&b, ": %s", n.Description)
		}
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}
