package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

const testBucket = "test-bucket"

type roundTripperFunc func(req *http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// fakeBucket emulates the handful of GCS JSON and XML API calls the store makes.
type fakeBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
	uploads int
	denied  bool
}

func respond(r *http.Request, code int, body string) *http.Response {
	return &http.Response{
		StatusCode:    code,
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Header:        http.Header{"Content-Type": []string{"application/json"}},
		Request:       r,
	}
}

func apiError(r *http.Request, code int) *http.Response {
	return respond(r, code, fmt.Sprintf(`{"error":{"code":%d,"message":"%s"}}`, code, http.StatusText(code)))
}

func (f *fakeBucket) roundTrip(r *http.Request) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	uploadPrefix := "/upload/storage/v1/b/" + testBucket + "/o"
	jsonPrefix := "/storage/v1/b/" + testBucket + "/o/"
	switch {
	case r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, uploadPrefix):
		if f.denied {
			return apiError(r, http.StatusForbidden), nil
		}
		name := r.URL.Query().Get("name")
		if _, exists := f.objects[name]; exists && r.URL.Query().Get("ifGenerationMatch") == "0" {
			return apiError(r, http.StatusPreconditionFailed), nil
		}
		data, err := mediaPart(r)
		if err != nil {
			return apiError(r, http.StatusBadRequest), nil
		}
		f.objects[name] = data
		f.uploads++
		return respond(r, http.StatusOK, fmt.Sprintf(`{"name":%q,"bucket":%q,"size":"%d"}`, name, testBucket, len(data))), nil
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, jsonPrefix):
		name := strings.TrimPrefix(r.URL.Path, jsonPrefix)
		data, ok := f.objects[name]
		if !ok {
			return apiError(r, http.StatusNotFound), nil
		}
		if r.URL.Query().Get("alt") == "media" {
			return respond(r, http.StatusOK, string(data)), nil
		}
		return respond(r, http.StatusOK, fmt.Sprintf(`{"name":%q,"bucket":%q,"size":"%d"}`, name, testBucket, len(data))), nil
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/"+testBucket+"/"):
		name := strings.TrimPrefix(r.URL.Path, "/"+testBucket+"/")
		data, ok := f.objects[name]
		if !ok {
			return respond(r, http.StatusNotFound, ""), nil
		}
		return respond(r, http.StatusOK, string(data)), nil
	}
	return apiError(r, http.StatusNotImplemented), nil
}

func mediaPart(r *http.Request) ([]byte, error) {
	_, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return nil, err
	}
	mr := multipart.NewReader(r.Body, params["boundary"])
	if _, err := mr.NextPart(); err != nil {
		return nil, err
	}
	part, err := mr.NextPart()
	if err != nil {
		return nil, err
	}
	return io.ReadAll(part)
}

func newTestStore(t *testing.T, prefix string) (*ContentStore, *fakeBucket) {
	t.Helper()

	fake := &fakeBucket{objects: make(map[string][]byte)}
	client, err := storage.NewClient(
		context.Background(),
		option.WithoutAuthentication(),
		option.WithHTTPClient(&http.Client{Transport: roundTripperFunc(fake.roundTrip)}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := New(client, Config{Bucket: testBucket, Prefix: prefix})
	require.NoError(t, err)
	return store, fake
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	defer func() { _ = client.Close() }()
	_, err = New(client, Config{})
	require.Error(t, err)
}

func TestStoreIsIdempotent(t *testing.T) {
	t.Parallel()

	store, fake := newTestStore(t, "/content/")
	ctx := context.Background()
	data := []byte(`{"url":"https://example.org/1"}`)

	first, err := store.Store(ctx, data)
	require.NoError(t, err)
	assert.False(t, first.Reused)
	assert.Equal(t, "gs://test-bucket/content/"+first.Hash, first.Location)
	assert.Equal(t, data, fake.objects["content/"+first.Hash])

	second, err := store.Store(ctx, data)
	require.NoError(t, err)
	assert.True(t, second.Reused, "precondition failure means the blob already exists")
	assert.Equal(t, first.Hash, second.Hash)
	assert.Equal(t, 1, fake.uploads)
}

func TestHas(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t, "")
	ctx := context.Background()

	stored, err := store.Store(ctx, []byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, "gs://test-bucket/"+stored.Hash, store.Location(stored.Hash))

	ok, err := store.Has(ctx, stored.Hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Has(ctx, "0000000000000000000000000000000000000000")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRetrieve(t *testing.T) {
	t.Parallel()

	store, fake := newTestStore(t, "blobs")
	ctx := context.Background()
	fake.objects["blobs/abc"] = []byte("hello")

	got, err := store.Retrieve(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	_, err = store.Retrieve(ctx, "missing")
	assert.True(t, errors.Is(err, crawler.ErrNotFound))
}

func TestStoreSurfacesUploadErrors(t *testing.T) {
	t.Parallel()

	store, fake := newTestStore(t, "")
	fake.denied = true

	_, err := store.Store(context.Background(), []byte("x"))
	require.Error(t, err)
}
