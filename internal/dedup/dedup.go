// Package dedup implements the two deduplication levels of a crawl: a
// session-scoped set of listing URLs, and a persisted content-hash index
// backed by the ContentStore.
package dedup

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

// DefaultCacheSize bounds the positive hash-hit cache.
const DefaultCacheSize = 4096

// URLSet tracks the item URLs already emitted in one session.
type URLSet struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewURLSet returns an empty set.
func NewURLSet() *URLSet {
	return &URLSet{seen: make(map[string]struct{})}
}

// MarkIfNew records rawURL and reports whether it was unseen. URLs are
// compared after normalization; unparsable URLs are compared verbatim.
func (s *URLSet) MarkIfNew(rawURL string) bool {
	key, err := crawler.NormalizeURL(rawURL)
	if err != nil {
		key = rawURL
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[key]; ok {
		return false
	}
	s.seen[key] = struct{}{}
	return true
}

// Len reports the number of distinct URLs recorded.
func (s *URLSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

// ContentIndex answers whether a content hash is already persisted. Positive
// answers are cached; negative ones always consult the store.
type ContentIndex struct {
	store crawler.ContentStore
	known *lru.Cache[string, struct{}]
}

// NewContentIndex wraps store with an LRU of size entries.
func NewContentIndex(store crawler.ContentStore, size int) (*ContentIndex, error) {
	if store == nil {
		return nil, fmt.Errorf("content store is required")
	}
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, fmt.Errorf("create hash cache: %w", err)
	}
	return &ContentIndex{store: store, known: cache}, nil
}

// Known reports whether hash is already stored.
func (c *ContentIndex) Known(ctx context.Context, hash string) (bool, error) {
	if c.known.Contains(hash) {
		return true, nil
	}
	ok, err := c.store.Has(ctx, hash)
	if err != nil {
		return false, &crawler.StorageError{Op: "has", Err: err}
	}
	if ok {
		c.known.Add(hash, struct{}{})
	}
	return ok, nil
}

// Persist stores data unless its hash is already known. It returns where
// the content lives and whether an existing blob was reused.
func (c *ContentIndex) Persist(ctx context.Context, hash string, data []byte) (crawler.StoredContent, error) {
	known, err := c.Known(ctx, hash)
	if err != nil {
		return crawler.StoredContent{}, err
	}
	if known {
		return crawler.StoredContent{Hash: hash, Location: c.store.Location(hash), Reused: true}, nil
	}
	stored, err := c.store.Store(ctx, data)
	if err != nil {
		return crawler.StoredContent{}, &crawler.StorageError{Op: "store", Err: err}
	}
	if stored.Hash != hash {
		return crawler.StoredContent{}, &crawler.StorageError{
			Op:  "store",
			Err: fmt.Errorf("store reported hash %s, expected %s", stored.Hash, hash),
		}
	}
	c.known.Add(hash, struct{}{})
	return stored, nil
}
