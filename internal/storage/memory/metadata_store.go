package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

// MetadataStore provides an in-memory MetadataStore for development/testing.
type MetadataStore struct {
	mu       sync.RWMutex
	sessions map[string]crawler.CrawlSession
	items    []crawler.ItemRecord
	itemKeys map[string]struct{}
	stats    map[string][]crawler.FieldStat
	errors   map[string][]crawler.CrawlError
}

// NewMetadataStore constructs an empty MetadataStore.
func NewMetadataStore() *MetadataStore {
	return &MetadataStore{
		sessions: make(map[string]crawler.CrawlSession),
		itemKeys: make(map[string]struct{}),
		stats:    make(map[string][]crawler.FieldStat),
		errors:   make(map[string][]crawler.CrawlError),
	}
}

// CreateSession stores a new open session.
func (s *MetadataStore) CreateSession(_ context.Context, session crawler.CrawlSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[session.ID]; exists {
		return fmt.Errorf("session %s: %w", session.ID, crawler.ErrDuplicate)
	}
	session.EndTime = nil
	s.sessions[session.ID] = session
	return nil
}

// CloseSession stamps the end of a session.
func (s *MetadataStore) CloseSession(
	_ context.Context,
	sessionID string,
	end time.Time,
	pages int,
	reason crawler.StopReason,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, crawler.ErrNotFound)
	}
	session.EndTime = pointerTime(end.UTC())
	session.PagesProcessed = pages
	session.StoppedReason = reason
	s.sessions[sessionID] = session
	return nil
}

// RecordItem appends an item row. A URL may appear once per session.
func (s *MetadataStore) RecordItem(_ context.Context, rec crawler.ItemRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[rec.SessionID]; !ok {
		return fmt.Errorf("session %s: %w", rec.SessionID, crawler.ErrNotFound)
	}
	key := rec.SessionID + "\x00" + rec.URL
	if _, dup := s.itemKeys[key]; dup {
		return fmt.Errorf("item %s: %w", rec.URL, crawler.ErrDuplicate)
	}
	s.itemKeys[key] = struct{}{}
	rec.Metadata = copyMap(rec.Metadata)
	s.items = append(s.items, rec)
	return nil
}

// RecordFieldStats appends the field statistics of a session.
func (s *MetadataStore) RecordFieldStats(_ context.Context, sessionID string, stats []crawler.FieldStat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats[sessionID] = append(s.stats[sessionID], stats...)
	return nil
}

// RecordErrors appends the crawl errors of a session.
func (s *MetadataStore) RecordErrors(_ context.Context, sessionID string, errs []crawler.CrawlError) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors[sessionID] = append(s.errors[sessionID], errs...)
	return nil
}

// GetSession fetches a session by ID.
func (s *MetadataStore) GetSession(_ context.Context, sessionID string) (crawler.CrawlSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return crawler.CrawlSession{}, fmt.Errorf("session %s: %w", sessionID, crawler.ErrNotFound)
	}
	return session, nil
}

// ListSessions returns sessions newest first. An empty sourceID matches all.
func (s *MetadataStore) ListSessions(_ context.Context, sourceID string, limit int) ([]crawler.CrawlSession, error) {
	s.mu.RLock()
	out := make([]crawler.CrawlSession, 0, len(s.sessions))
	for _, session := range s.sessions {
		if sourceID == "" || session.SourceID == sourceID {
			out = append(out, session)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.After(out[j].StartTime)
		}
		return out[i].ID > out[j].ID
	})
	limit = crawler.ItemFilter{Limit: limit}.NormalizedLimit()
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// QueryItems returns one page of items ordered by crawl time.
func (s *MetadataStore) QueryItems(_ context.Context, filter crawler.ItemFilter) (crawler.ItemPage, error) {
	s.mu.RLock()
	matched := make([]crawler.ItemRecord, 0)
	for _, rec := range s.items {
		if filter.Matches(rec) {
			matched = append(matched, rec)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CrawledAt.Before(matched[j].CrawledAt)
	})
	page := crawler.ItemPage{Total: len(matched), Items: []crawler.ItemRecord{}}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(matched) {
		return page, nil
	}
	end := offset + filter.NormalizedLimit()
	if end > len(matched) {
		end = len(matched)
	}
	for _, rec := range matched[offset:end] {
		rec.Metadata = copyMap(rec.Metadata)
		page.Items = append(page.Items, rec)
	}
	return page, nil
}

// FieldStats returns the recorded statistics of a session.
func (s *MetadataStore) FieldStats(sessionID string) []crawler.FieldStat {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]crawler.FieldStat(nil), s.stats[sessionID]...)
}

// Errors returns the recorded errors of a session.
func (s *MetadataStore) Errors(sessionID string) []crawler.CrawlError {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]crawler.CrawlError(nil), s.errors[sessionID]...)
}

// Close is a no-op.
func (s *MetadataStore) Close() error { return nil }

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}

func copyMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
