package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/api"
	"github.com/JakeFAU/sitecrawler/internal/app"
	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/source"
	"github.com/JakeFAU/sitecrawler/internal/storage/memory"
)

type fakeApp struct {
	catalog *source.Catalog
	result  crawler.Result
	runErr  error
	runs    []app.SourceRun
	ran     []string
	closed  int
}

func (f *fakeApp) Close()                   { f.closed++ }
func (f *fakeApp) Logger() *zap.Logger      { return zap.NewNop() }
func (f *fakeApp) Catalog() *source.Catalog { return f.catalog }

func (f *fakeApp) RunSource(_ context.Context, id string) (crawler.Result, error) {
	f.ran = append(f.ran, id)
	return f.result, f.runErr
}

func (f *fakeApp) RunAll(context.Context) []app.SourceRun { return f.runs }

func (f *fakeApp) Server() *api.Server {
	return api.NewServer(f.catalog, memory.NewMetadataStore(), nil, nil, api.Options{})
}

func newFakeApp(t *testing.T) *fakeApp {
	t.Helper()
	catalog, err := source.NewCatalog(
		source.Config{ID: "books", Name: "Books", Type: source.TypeListing, DisableJavaScript: true,
			Listing: source.Listing{URL: "https://books.example.org/"}},
		source.Config{ID: "news", Name: "News", Type: source.TypeListing,
			Listing: source.Listing{URL: "https://news.example.org/"}},
	)
	require.NoError(t, err)
	return &fakeApp{
		catalog: catalog,
		result: crawler.Result{
			Items: []crawler.CrawledItem{{URL: "https://books.example.org/1", SourceID: "books"}},
			Summary: crawler.CrawlSummary{
				CrawlSession:   crawler.CrawlSession{ID: "sess-1", SourceID: "books", StoppedReason: crawler.StopNoNextButton},
				ItemsProcessed: 1,
			},
		},
	}
}

// withApp swaps the application factory for the duration of the test.
func withApp(t *testing.T, a App, err error) {
	t.Helper()
	prev := newApp
	newApp = func(context.Context, string, string) (App, Settings, error) {
		if err != nil {
			return nil, Settings{}, err
		}
		return a, Settings{Port: 8080}, nil
	}
	t.Cleanup(func() { newApp = prev })
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root, cleanup := newRootCmd()
	defer cleanup()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCrawlSourcePrintsResult(t *testing.T) {
	fake := newFakeApp(t)
	withApp(t, fake, nil)

	out, err := execute(t, "crawl", "--source", "books")
	require.NoError(t, err)
	assert.Equal(t, []string{"books"}, fake.ran)
	assert.Equal(t, 1, fake.closed)

	var res crawler.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "sess-1", res.Summary.ID)
	assert.Len(t, res.Items, 1)
}

func TestCrawlRequiresExactlyOneTarget(t *testing.T) {
	fake := newFakeApp(t)
	withApp(t, fake, nil)

	_, err := execute(t, "crawl")
	require.Error(t, err)
	_, err = execute(t, "crawl", "--all", "--source", "books")
	require.Error(t, err)
	assert.Empty(t, fake.ran)
	assert.Equal(t, 2, fake.closed, "app is closed even when the command fails")
}

func TestCrawlSourceError(t *testing.T) {
	fake := newFakeApp(t)
	fake.runErr = &crawler.ConfigError{SourceID: "books", Err: errors.New("bad selector")}
	withApp(t, fake, nil)

	_, err := execute(t, "crawl", "-s", "books")
	require.Error(t, err)
	var cfgErr *crawler.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestCrawlAllWritesOutputFile(t *testing.T) {
	fake := newFakeApp(t)
	summary := fake.result.Summary
	fake.runs = []app.SourceRun{
		{SourceID: "books", Summary: &summary},
		{SourceID: "news", Error: "launch browser: boom"},
	}
	withApp(t, fake, nil)

	path := filepath.Join(t.TempDir(), "runs.json")
	_, err := execute(t, "crawl", "--all", "--output", path)
	require.Error(t, err, "a failed source fails the batch")
	assert.Contains(t, err.Error(), "news")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var runs []app.SourceRun
	require.NoError(t, json.Unmarshal(data, &runs))
	require.Len(t, runs, 2)
	assert.Equal(t, "sess-1", runs[0].Summary.ID)
}

func TestSourcesListsCatalog(t *testing.T) {
	withApp(t, newFakeApp(t), nil)

	out, err := execute(t, "sources")
	require.NoError(t, err)
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "books")
	assert.Contains(t, out, "https://news.example.org/")
	assert.Less(t, bytes.Index([]byte(out), []byte("books")), bytes.Index([]byte(out), []byte("news")))
}

func TestInitFailureIsReported(t *testing.T) {
	withApp(t, nil, errors.New("no sources dir"))

	_, err := execute(t, "sources")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no sources dir")
}

func TestServeStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	state := &appState{app: newFakeApp(t), settings: Settings{Port: 8080}}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, state, "127.0.0.1:0") }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}
