// Package memory provides in-process content and metadata stores for tests
// and single-run development crawls.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/hash/sha1"
)

// ContentStore keeps blobs in a map keyed by digest.
type ContentStore struct {
	hasher crawler.Hasher

	mu   sync.RWMutex
	data map[string][]byte
}

// NewContentStore creates an empty store. A nil hasher selects SHA-1.
func NewContentStore(hasher crawler.Hasher) *ContentStore {
	if hasher == nil {
		hasher = sha1.New()
	}
	return &ContentStore{hasher: hasher, data: make(map[string][]byte)}
}

// Hasher returns the digest function the store addresses content with.
func (s *ContentStore) Hasher() crawler.Hasher { return s.hasher }

// Store persists a copy of data under its digest.
func (s *ContentStore) Store(_ context.Context, data []byte) (crawler.StoredContent, error) {
	hash, err := s.hasher.Hash(data)
	if err != nil {
		return crawler.StoredContent{}, fmt.Errorf("hash content: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := crawler.StoredContent{Hash: hash, Location: s.Location(hash)}
	if _, ok := s.data[hash]; ok {
		out.Reused = true
		return out, nil
	}
	s.data[hash] = append([]byte(nil), data...)
	return out, nil
}

// Has reports whether hash is stored.
func (s *ContentStore) Has(_ context.Context, hash string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data[hash]
	return ok, nil
}

// Retrieve returns a copy of the blob stored under hash.
func (s *ContentStore) Retrieve(_ context.Context, hash string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[hash]
	if !ok {
		return nil, fmt.Errorf("content %s: %w", hash, crawler.ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

// Location returns the pseudo URI for hash.
func (s *ContentStore) Location(hash string) string {
	return "memory://" + hash
}

// Len reports the number of distinct blobs.
func (s *ContentStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
