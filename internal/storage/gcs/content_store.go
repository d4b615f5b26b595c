// Package gcs provides a ContentStore backed by Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/hash/sha1"
)

// Config captures the parameters required to address blobs in GCS.
type Config struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// ContentStore writes blobs to bucket/prefix/<hash>.
type ContentStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// New creates a GCS-backed content store.
func New(client *storage.Client, cfg Config) (*ContentStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &ContentStore{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

func (s *ContentStore) objectName(hash string) string {
	if s.prefix == "" {
		return hash
	}
	return path.Join(s.prefix, hash)
}

// Store uploads data under its digest. The upload carries a DoesNotExist
// precondition, so concurrent writers of the same content cannot clobber
// each other; a failed precondition means the blob is already there.
func (s *ContentStore) Store(ctx context.Context, data []byte) (crawler.StoredContent, error) {
	hash := sha1.Sum(data)
	out := crawler.StoredContent{Hash: hash, Location: s.Location(hash)}

	obj := s.client.Bucket(s.bucket).Object(s.objectName(hash)).If(storage.Conditions{DoesNotExist: true})
	writer := obj.NewWriter(ctx)
	writer.ContentType = "application/json"
	writer.ChunkSize = 0
	if _, err := writer.Write(data); err != nil {
		closeErr := writer.Close()
		if isPreconditionFailed(closeErr) {
			out.Reused = true
			return out, nil
		}
		if closeErr != nil {
			return crawler.StoredContent{}, fmt.Errorf("write object: %w (close writer: %v)", err, closeErr)
		}
		return crawler.StoredContent{}, fmt.Errorf("write object: %w", err)
	}
	if err := writer.Close(); err != nil {
		if isPreconditionFailed(err) {
			out.Reused = true
			return out, nil
		}
		return crawler.StoredContent{}, fmt.Errorf("close writer: %w", err)
	}
	return out, nil
}

// Has reports whether an object for hash exists.
func (s *ContentStore) Has(ctx context.Context, hash string) (bool, error) {
	_, err := s.client.Bucket(s.bucket).Object(s.objectName(hash)).Attrs(ctx)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, storage.ErrObjectNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("object attrs: %w", err)
	}
}

// Retrieve downloads the object stored under hash.
func (s *ContentStore) Retrieve(ctx context.Context, hash string) ([]byte, error) {
	reader, err := s.client.Bucket(s.bucket).Object(s.objectName(hash)).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("content %s: %w", hash, crawler.ErrNotFound)
		}
		return nil, fmt.Errorf("open object: %w", err)
	}
	defer func() { _ = reader.Close() }()
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read object: %w", err)
	}
	return data, nil
}

// Location returns the gs:// URI for hash.
func (s *ContentStore) Location(hash string) string {
	return fmt.Sprintf("gs://%s/%s", s.bucket, s.objectName(hash))
}

func isPreconditionFailed(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed
}
