package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitecrawler/internal/browser"
	"github.com/JakeFAU/sitecrawler/internal/browser/fake"
	"github.com/JakeFAU/sitecrawler/internal/clock/system"
	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/detail"
	"github.com/JakeFAU/sitecrawler/internal/hash/sha1"
	"github.com/JakeFAU/sitecrawler/internal/id/uuid"
	"github.com/JakeFAU/sitecrawler/internal/interrupt"
	"github.com/JakeFAU/sitecrawler/internal/pagination"
	pubmemory "github.com/JakeFAU/sitecrawler/internal/publisher/memory"
	"github.com/JakeFAU/sitecrawler/internal/source"
	"github.com/JakeFAU/sitecrawler/internal/storage/memory"
)

// newShop serves `pages` listing pages of `perPage` items, each with a
// detail page.
func newShop(t *testing.T, pages, perPage int) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/list", func(w http.ResponseWriter, r *http.Request) {
		n, _ := strconv.Atoi(r.URL.Query().Get("page"))
		if n == 0 {
			n = 1
		}
		var b strings.Builder
		b.WriteString("<html><body><ul>")
		for i := 1; i <= perPage; i++ {
			fmt.Fprintf(&b, `<li class="item"><a href="/item/%d-%d">Item %d-%d</a></li>`, n, i, n, i)
		}
		b.WriteString("</ul>")
		if n < pages {
			fmt.Fprintf(&b, `<a class="next" href="/list?page=%d">Next</a>`, n+1)
		}
		b.WriteString("</body></html>")
		fmt.Fprint(w, b.String())
	})
	mux.HandleFunc("/item/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/item/")
		fmt.Fprintf(w, `<html><body><article><h1>Product %s</h1><p class="price">%s.00</p></article></body></html>`,
			id, strings.ReplaceAll(id, "-", ""))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func shopSource(listingURL string) source.Config {
	delay := 0.0
	return source.Config{
		ID:                "shop",
		Name:              "Example Shop",
		Type:              source.TypeListing,
		DisableJavaScript: true,
		Listing: source.Listing{
			URL:               listingURL,
			ContainerSelector: "li.item",
			Pagination:        source.Pagination{NextButtonSelector: "a.next", DelaySec: &delay},
			Fields: map[string]source.FieldSpec{
				"url":   {Selector: "a", Attribute: source.AttrHref},
				"title": {Selector: "a"},
			},
		},
		Content: source.Content{
			ContainerSelector: "article",
			Fields: map[string]source.FieldSpec{
				"title": {Selector: "h1"},
				"price": {Selector: ".price"},
				"sku":   {Selector: ".sku", Optional: true},
			},
		},
	}
}

type fixture struct {
	content  *memory.ContentStore
	metadata *memory.MetadataStore
	token    *interrupt.Controller
	clock    *system.Manual
	events   *pubmemory.Publisher
	// detail is the detail pool size; zero means 3.
	detail int
}

func newFixture() *fixture {
	return &fixture{
		content:  memory.NewContentStore(nil),
		metadata: memory.NewMetadataStore(),
		token:    interrupt.New(nil),
		clock:    system.NewManual(time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)),
		events:   pubmemory.New(),
	}
}

func (f *fixture) pipeline(t *testing.T, sessions crawler.SessionFactory, content crawler.ContentStore) *Pipeline {
	t.Helper()
	if content == nil {
		content = f.content
	}
	concurrency := f.detail
	if concurrency == 0 {
		concurrency = 3
	}
	p, err := New(Deps{
		Sessions:    sessions,
		Content:     content,
		Metadata:    f.metadata,
		Hasher:      sha1.New(),
		IDs:         uuid.New(),
		Clock:       f.clock,
		Interrupter: f.token,
		Publisher:   f.events,
	}, Config{
		Walker: pagination.Config{Retry: crawler.NewRetryPolicy(2, 0, 0)},
		Detail: detail.Config{Concurrency: concurrency},
	})
	require.NoError(t, err)
	return p
}

func staticFactory(t *testing.T) crawler.SessionFactory {
	t.Helper()
	f, err := browser.NewFactory(browser.Config{Backend: browser.BackendStatic}, nil)
	require.NoError(t, err)
	return f
}

type fakeFactory struct {
	session *fake.Session
	calls   atomic.Int32
}

func (f *fakeFactory) NewSession(source.Config) (crawler.BrowserSession, error) {
	f.calls.Add(1)
	return f.session, nil
}

func TestProcessThreePagesOfFive(t *testing.T) {
	t.Parallel()

	srv := newShop(t, 3, 5)
	fx := newFixture()
	p := fx.pipeline(t, staticFactory(t), nil)

	res, err := p.Process(context.Background(), shopSource(srv.URL+"/list"))
	require.NoError(t, err)

	sum := res.Summary
	assert.Equal(t, crawler.StopNoNextButton, sum.StoppedReason)
	assert.Equal(t, 3, sum.PagesProcessed)
	assert.Equal(t, 15, sum.ItemsFound)
	assert.Equal(t, 15, sum.ItemsProcessed)
	assert.Zero(t, sum.DuplicatesSkipped)
	assert.Equal(t, crawler.StorageStats{ItemsStored: 15, ContentWrites: 15}, sum.Storage)
	assert.Empty(t, sum.Errors)
	require.NotNil(t, sum.EndTime)

	require.Len(t, res.Items, 15)
	first := res.Items[0]
	assert.Equal(t, srv.URL+"/item/1-1", first.URL)
	assert.Equal(t, "Product 1-1", first.Fields["title"], "detail title wins")
	assert.Equal(t, "11.00", first.Fields["price"])
	assert.Equal(t, "1", first.Metadata[crawler.MetaListingPage])
	assert.Equal(t, crawler.DetailOK, first.Metadata[crawler.MetaDetailStatus])
	assert.True(t, sha1.Valid(first.ContentHash))

	canonical, err := Canonical(first)
	require.NoError(t, err)
	assert.Equal(t, sha1.Sum(canonical), first.ContentHash)
	blob, err := fx.content.Retrieve(context.Background(), first.ContentHash)
	require.NoError(t, err)
	assert.Equal(t, canonical, blob)

	for _, st := range sum.FieldStats {
		if st.Name == "sku" {
			assert.Zero(t, st.SuccessCount)
			assert.Equal(t, 15, st.TotalAttempts)
			continue
		}
		assert.Equal(t, 15, st.SuccessCount, st.Name)
		assert.Equal(t, 15, st.TotalAttempts, st.Name)
	}

	stored, err := fx.metadata.QueryItems(context.Background(), crawler.ItemFilter{SessionID: sum.ID, Limit: 100})
	require.NoError(t, err)
	assert.Equal(t, 15, stored.Total)
	session, err := fx.metadata.GetSession(context.Background(), sum.ID)
	require.NoError(t, err)
	assert.Equal(t, crawler.StopNoNextButton, session.StoppedReason)
	assert.Equal(t, 3, session.PagesProcessed)
}

func TestSecondRunReusesContent(t *testing.T) {
	t.Parallel()

	srv := newShop(t, 3, 5)
	fx := newFixture()
	p := fx.pipeline(t, staticFactory(t), nil)
	src := shopSource(srv.URL + "/list")

	first, err := p.Process(context.Background(), src)
	require.NoError(t, err)
	fx.clock.Advance(time.Hour)
	second, err := p.Process(context.Background(), src)
	require.NoError(t, err)

	assert.NotEqual(t, first.Summary.ID, second.Summary.ID)
	assert.Equal(t, crawler.StorageStats{ItemsStored: 15, ContentReused: 15}, second.Summary.Storage)
	assert.Equal(t, 15, fx.content.Len())
	for i := range first.Items {
		assert.Equal(t, first.Items[i].ContentHash, second.Items[i].ContentHash)
	}

	all, err := fx.metadata.QueryItems(context.Background(), crawler.ItemFilter{SourceID: "shop", Limit: 100})
	require.NoError(t, err)
	assert.Equal(t, 30, all.Total, "metadata rows are recorded for reused content")
}

func TestProcessMaxPages(t *testing.T) {
	t.Parallel()

	srv := newShop(t, 3, 5)
	fx := newFixture()
	p := fx.pipeline(t, staticFactory(t), nil)
	src := shopSource(srv.URL + "/list")
	src.Listing.Pagination.MaxPages = 2

	res, err := p.Process(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, crawler.StopMaxPagesReached, res.Summary.StoppedReason)
	assert.Equal(t, 2, res.Summary.PagesProcessed)
	assert.Equal(t, 10, res.Summary.ItemsProcessed)
}

func TestProcessPublishesSessionEvent(t *testing.T) {
	t.Parallel()

	srv := newShop(t, 2, 2)
	fx := newFixture()
	p := fx.pipeline(t, staticFactory(t), nil)

	res, err := p.Process(context.Background(), shopSource(srv.URL+"/list"))
	require.NoError(t, err)

	events := fx.events.Events()
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, res.Summary.ID, ev.SessionID)
	assert.Equal(t, "shop", ev.SourceID)
	assert.Equal(t, crawler.StopNoNextButton, ev.StoppedReason)
	assert.Equal(t, 4, ev.ItemsProcessed)
	assert.Equal(t, 4, ev.Storage.ContentWrites)
	assert.False(t, ev.EndTime.IsZero())
}

func TestProcessPublishFailureDoesNotFailRun(t *testing.T) {
	t.Parallel()

	srv := newShop(t, 1, 2)
	fx := newFixture()
	fx.events.Err = errors.New("topic gone")
	p := fx.pipeline(t, staticFactory(t), nil)

	res, err := p.Process(context.Background(), shopSource(srv.URL+"/list"))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Summary.ItemsProcessed)
	assert.Zero(t, res.Summary.Storage.Failures)
}

func TestProcessInvalidConfigNeverTouchesBrowser(t *testing.T) {
	t.Parallel()

	fx := newFixture()
	factory := &fakeFactory{session: fake.New()}
	p := fx.pipeline(t, factory, nil)

	src := shopSource("")
	_, err := p.Process(context.Background(), src)
	var cfgErr *crawler.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "shop", cfgErr.SourceID)
	assert.Zero(t, factory.calls.Load())
}

func TestProcessLaunchFailurePropagates(t *testing.T) {
	t.Parallel()

	fx := newFixture()
	session := fake.New()
	session.LaunchErr = errors.New("chrome not found")
	p := fx.pipeline(t, &fakeFactory{session: session}, nil)

	_, err := p.Process(context.Background(), shopSource("https://shop.example/list"))
	require.ErrorContains(t, err, "chrome not found")

	sessions, err := fx.metadata.ListSessions(context.Background(), "shop", 10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, crawler.StopNavigationError, sessions[0].StoppedReason)
}

func TestProcessInterruptedBeforeStart(t *testing.T) {
	t.Parallel()

	srv := newShop(t, 3, 5)
	fx := newFixture()
	fx.token.Trigger()
	p := fx.pipeline(t, staticFactory(t), nil)

	res, err := p.Process(context.Background(), shopSource(srv.URL+"/list"))
	require.NoError(t, err)
	assert.Equal(t, crawler.StopInterrupted, res.Summary.StoppedReason)
	assert.Zero(t, res.Summary.PagesProcessed)
	assert.Empty(t, res.Items)
	require.NotNil(t, res.Summary.EndTime)
}

// triggeringStore fires the interrupt on the first write.
type triggeringStore struct {
	*memory.ContentStore
	token *interrupt.Controller
}

func (s *triggeringStore) Store(ctx context.Context, data []byte) (crawler.StoredContent, error) {
	s.token.Trigger()
	return s.ContentStore.Store(ctx, data)
}

func TestProcessInterruptedMidRunFinishesDispatchedWork(t *testing.T) {
	t.Parallel()

	fx := newFixture()
	fx.detail = 1
	session := fake.New()
	session.Latency = 10 * time.Millisecond
	base := "https://shop.example"
	for page := 1; page <= 3; page++ {
		var b strings.Builder
		b.WriteString("<html><body><ul>")
		for i := 1; i <= 5; i++ {
			fmt.Fprintf(&b, `<li class="item"><a href="/item/%d-%d">Item</a></li>`, page, i)
			session.SetPage(fmt.Sprintf("%s/item/%d-%d", base, page, i),
				`<html><body><article><h1>P</h1><p class="price">1</p></article></body></html>`)
		}
		b.WriteString("</ul>")
		fmt.Fprintf(&b, `<a class="next" href="/list?page=%d">Next</a></body></html>`, page+1)
		url := base + "/list"
		if page > 1 {
			url = fmt.Sprintf("%s/list?page=%d", base, page)
		}
		session.SetPage(url, b.String())
	}
	store := &triggeringStore{ContentStore: fx.content, token: fx.token}
	p := fx.pipeline(t, &fakeFactory{session: session}, store)

	res, err := p.Process(context.Background(), shopSource(base+"/list"))
	require.NoError(t, err)

	sum := res.Summary
	assert.Equal(t, crawler.StopInterrupted, sum.StoppedReason)
	assert.Equal(t, 1, sum.PagesProcessed)
	// With one slot, the item persisted first triggers the interrupt while
	// the second waits for the slot; the second must never be dispatched.
	assert.Equal(t, 1, sum.ItemsProcessed)
	assert.Equal(t, 1, sum.Storage.ItemsStored)
	assert.Equal(t, []string{base + "/list", base + "/item/1-1"}, session.Stats().Navigations)
}

func TestProcessDetailResetDoesNotCostListingRetries(t *testing.T) {
	t.Parallel()

	fx := newFixture()
	fx.detail = 1
	session := fake.New()
	base := "https://shop.example"
	for page := 1; page <= 2; page++ {
		var b strings.Builder
		b.WriteString("<html><body><ul>")
		for i := 1; i <= 5; i++ {
			fmt.Fprintf(&b, `<li class="item"><a href="/item/%d-%d">Item</a></li>`, page, i)
			session.SetPage(fmt.Sprintf("%s/item/%d-%d", base, page, i),
				`<html><body><article><h1>P</h1><p class="price">1</p></article></body></html>`)
		}
		b.WriteString("</ul>")
		if page == 1 {
			b.WriteString(`<a class="next" href="/list?page=2">Next</a>`)
		}
		b.WriteString("</body></html>")
		url := base + "/list"
		if page > 1 {
			url = base + "/list?page=2"
		}
		session.SetPage(url, b.String())
	}
	for i := 1; i <= 3; i++ {
		session.Fail(fmt.Sprintf("%s/item/1-%d", base, i), -1)
	}
	p := fx.pipeline(t, &fakeFactory{session: session}, nil)

	res, err := p.Process(context.Background(), shopSource(base+"/list"))
	require.NoError(t, err)

	sum := res.Summary
	assert.Equal(t, crawler.StopNoNextButton, sum.StoppedReason)
	assert.Equal(t, 2, sum.PagesProcessed)
	assert.Equal(t, 10, sum.ItemsProcessed)

	stats := session.Stats()
	assert.Equal(t, 1, stats.Resets, "one reset for three consecutive detail failures")
	var page2 int
	for _, nav := range stats.Navigations {
		if nav == base+"/list?page=2" {
			page2++
		}
	}
	assert.Equal(t, 1, page2, "the listing reopens its tab instead of retrying a dead one")
	for _, e := range sum.Errors {
		assert.Equal(t, crawler.PhaseContent, e.Phase)
	}
}

// failingStore rejects content for one URL.
type failingStore struct {
	*memory.ContentStore
	poison string
}

func (s *failingStore) Store(ctx context.Context, data []byte) (crawler.StoredContent, error) {
	if strings.Contains(string(data), s.poison) {
		return crawler.StoredContent{}, errors.New("disk full")
	}
	return s.ContentStore.Store(ctx, data)
}

func TestProcessStorageFailureIsRecorded(t *testing.T) {
	t.Parallel()

	srv := newShop(t, 1, 5)
	fx := newFixture()
	store := &failingStore{ContentStore: fx.content, poison: "/item/1-3"}
	p := fx.pipeline(t, staticFactory(t), store)

	res, err := p.Process(context.Background(), shopSource(srv.URL+"/list"))
	require.NoError(t, err)

	sum := res.Summary
	assert.Equal(t, 5, sum.ItemsProcessed)
	assert.Equal(t, 4, sum.Storage.ItemsStored)
	assert.Equal(t, 1, sum.Storage.Failures)
	require.Len(t, sum.Errors, 1)
	assert.Equal(t, crawler.PhaseContent, sum.Errors[0].Phase)
	assert.Equal(t, srv.URL+"/item/1-3", sum.Errors[0].URL)
	assert.Contains(t, sum.Errors[0].Message, "disk full")
}

func TestCanonicalIsDeterministic(t *testing.T) {
	t.Parallel()

	a := crawler.CrawledItem{
		SourceID:  "s",
		URL:       "https://x/1",
		Fields:    map[string]string{"b": "2", "a": "1"},
		CrawledAt: time.Now(),
		Metadata:  map[string]string{"listing_page": "1"},
	}
	b := a
	b.CrawledAt = a.CrawledAt.Add(time.Hour)
	b.Metadata = nil

	ca, err := Canonical(a)
	require.NoError(t, err)
	cb, err := Canonical(b)
	require.NoError(t, err)
	assert.Equal(t, ca, cb)
	assert.JSONEq(t, `{"source_id":"s","url":"https://x/1","fields":{"a":"1","b":"2"}}`, string(ca))
}

func TestNewRequiresDependencies(t *testing.T) {
	t.Parallel()

	_, err := New(Deps{}, Config{})
	require.Error(t, err)
}

func TestPipelineRegistersAsListingCrawler(t *testing.T) {
	t.Parallel()

	fx := newFixture()
	p := fx.pipeline(t, &fakeFactory{session: fake.New()}, nil)
	reg := crawler.NewRegistry()
	require.NoError(t, reg.Register(p))
	got, err := reg.Get(source.TypeListing)
	require.NoError(t, err)
	assert.Equal(t, p, got)
}
