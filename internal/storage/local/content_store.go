// Package local implements a content-addressable blob store on the local
// filesystem.
package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/hash/sha1"
)

// Config captures the parameters for the local filesystem content store.
type Config struct {
	// BaseDir is the root directory where blobs will be stored.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// ContentStore writes blobs to BaseDir/ab/cd/<hash>.
type ContentStore struct {
	baseDir string
}

// New creates a new local filesystem-backed content store.
func New(cfg Config) (*ContentStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat base directory: %w", err)
		}
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	testFile := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	abs, err := filepath.Abs(cfg.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve base directory: %w", err)
	}
	return &ContentStore{baseDir: abs}, nil
}

func (s *ContentStore) path(hash string) (string, error) {
	if !sha1.Valid(hash) {
		return "", fmt.Errorf("invalid content hash %q", hash)
	}
	return filepath.Join(s.baseDir, hash[:2], hash[2:4], hash), nil
}

// Store writes data under its SHA-1 digest. The blob is written to a temp
// file in the target directory and renamed into place, so readers never
// observe a partial blob.
func (s *ContentStore) Store(ctx context.Context, data []byte) (crawler.StoredContent, error) {
	hash := sha1.Sum(data)
	out := crawler.StoredContent{Hash: hash, Location: s.Location(hash)}
	if err := ctx.Err(); err != nil {
		return crawler.StoredContent{}, err
	}

	fullPath, err := s.path(hash)
	if err != nil {
		return crawler.StoredContent{}, err
	}
	if _, err := os.Stat(fullPath); err == nil {
		out.Reused = true
		return out, nil
	}

	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return crawler.StoredContent{}, fmt.Errorf("failed to create parent directories: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-"+hash+"-*")
	if err != nil {
		return crawler.StoredContent{}, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return crawler.StoredContent{}, fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return crawler.StoredContent{}, fmt.Errorf("failed to sync file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return crawler.StoredContent{}, fmt.Errorf("failed to close file: %w", err)
	}
	if err := os.Rename(tmpName, fullPath); err != nil {
		cleanup()
		return crawler.StoredContent{}, fmt.Errorf("failed to move blob into place: %w", err)
	}
	return out, nil
}

// Has reports whether a blob for hash exists.
func (s *ContentStore) Has(_ context.Context, hash string) (bool, error) {
	fullPath, err := s.path(hash)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(fullPath)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("stat blob: %w", err)
	}
}

// Retrieve reads the blob stored under hash.
func (s *ContentStore) Retrieve(_ context.Context, hash string) ([]byte, error) {
	fullPath, err := s.path(hash)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(fullPath) // #nosec G304 -- path derived from a validated hex digest.
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("content %s: %w", hash, crawler.ErrNotFound)
		}
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return data, nil
}

// Location returns the file:// URI for hash.
func (s *ContentStore) Location(hash string) string {
	fullPath, err := s.path(hash)
	if err != nil {
		return ""
	}
	return "file://" + filepath.ToSlash(fullPath)
}
