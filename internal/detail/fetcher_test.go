package detail

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitecrawler/internal/accounting"
	"github.com/JakeFAU/sitecrawler/internal/browser/fake"
	"github.com/JakeFAU/sitecrawler/internal/clock/system"
	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/interrupt"
	"github.com/JakeFAU/sitecrawler/internal/source"
)

const detailHTML = `<html><body><div class="product">
	<h1>Full Title</h1>
	<span class="price">$10</span>
	<div class="desc">Great <em>thing</em><aside>ad</aside></div>
</div></body></html>`

func testSource() source.Config {
	return source.Config{
		ID:   "shop",
		Name: "Shop",
		Type: source.TypeListing,
		Content: source.Content{
			ContainerSelector: "div.product",
			Fields: map[string]source.FieldSpec{
				"title":       {Selector: "h1"},
				"price":       {Selector: ".price"},
				"description": {Selector: ".desc", ExcludeSelectors: []string{"aside"}},
				"sku":         {Selector: ".sku", Optional: true},
			},
		},
	}
}

func listingItem(url string) crawler.ListingItem {
	return crawler.ListingItem{
		URL:      url,
		SourceID: "shop",
		Page:     2,
		Fields:   map[string]string{"url": url, "title": "Short"},
	}
}

func TestFetchMergesDetailOverListing(t *testing.T) {
	t.Parallel()

	session := fake.New()
	session.SetPage("https://shop.example/item/1", detailHTML)
	ledger := accounting.NewLedger(nil)
	clock := system.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	f := New(session, testSource(), Config{}, ledger, clock, nil)

	item := f.Fetch(context.Background(), listingItem("https://shop.example/item/1"))
	assert.Equal(t, "Full Title", item.Fields["title"], "detail value overrides listing value")
	assert.Equal(t, "$10", item.Fields["price"])
	assert.Equal(t, "Great thing", item.Fields["description"])
	assert.Equal(t, "https://shop.example/item/1", item.Fields["url"])
	assert.NotContains(t, item.Fields, "sku")
	assert.Equal(t, crawler.DetailOK, item.Metadata[crawler.MetaDetailStatus])
	assert.Equal(t, "Shop", item.Metadata[crawler.MetaSourceName])
	assert.Equal(t, "2", item.Metadata[crawler.MetaListingPage])
	assert.Equal(t, clock.Now(), item.CrawledAt)
	assert.Empty(t, ledger.Errors(), "optional misses are not errors")
}

func TestFetchRequiredMissIsPartial(t *testing.T) {
	t.Parallel()

	session := fake.New()
	session.SetPage("https://shop.example/item/1", `<html><body><div class="product"><h1>Only title</h1></div></body></html>`)
	ledger := accounting.NewLedger(nil)
	f := New(session, testSource(), Config{}, ledger, nil, nil)

	item := f.Fetch(context.Background(), listingItem("https://shop.example/item/1"))
	assert.Equal(t, crawler.DetailPartial, item.Metadata[crawler.MetaDetailStatus])
	assert.Equal(t, "Only title", item.Fields["title"])

	errs := ledger.Errors()
	require.Len(t, errs, 2)
	fields := []string{errs[0].Field, errs[1].Field}
	assert.ElementsMatch(t, []string{"price", "description"}, fields)
	for _, e := range errs {
		assert.Equal(t, crawler.PhaseContent, e.Phase)
	}
}

func TestFetchNavigationFailureKeepsListingFields(t *testing.T) {
	t.Parallel()

	session := fake.New()
	ledger := accounting.NewLedger(nil)
	src := testSource()
	ledger.Register(crawler.PhaseContent, src.Content.Fields)
	f := New(session, src, Config{}, ledger, nil, nil)

	item := f.Fetch(context.Background(), listingItem("https://shop.example/missing"))
	assert.Equal(t, crawler.DetailFailed, item.Metadata[crawler.MetaDetailStatus])
	assert.Equal(t, "Short", item.Fields["title"])

	require.Len(t, ledger.Errors(), 1)
	for _, st := range ledger.FieldStats() {
		assert.Zero(t, st.TotalAttempts, "failed navigation does not count field attempts")
	}
}

func TestFetchWithoutContentFieldsSkipsNavigation(t *testing.T) {
	t.Parallel()

	session := fake.New()
	src := testSource()
	src.Content = source.Content{}
	f := New(session, src, Config{}, accounting.NewLedger(nil), nil, nil)

	item := f.Fetch(context.Background(), listingItem("https://shop.example/item/1"))
	assert.Equal(t, crawler.DetailOK, item.Metadata[crawler.MetaDetailStatus])
	assert.Empty(t, session.Stats().Navigations)
}

func TestBatchHonoursConcurrencyLimit(t *testing.T) {
	t.Parallel()

	session := fake.New()
	session.Latency = 20 * time.Millisecond
	for i := 0; i < 12; i++ {
		session.SetPage(fmt.Sprintf("https://shop.example/item/%d", i), detailHTML)
	}
	f := New(session, testSource(), Config{Concurrency: 3}, accounting.NewLedger(nil), nil, nil)

	var (
		mu  sync.Mutex
		got []crawler.CrawledItem
	)
	batch := f.Start(context.Background(), nil)
	for i := 0; i < 12; i++ {
		batch.Submit(listingItem(fmt.Sprintf("https://shop.example/item/%d", i)), func(it crawler.CrawledItem) {
			mu.Lock()
			got = append(got, it)
			mu.Unlock()
		})
	}
	batch.Wait()

	assert.Len(t, got, 12)
	assert.LessOrEqual(t, f.PeakInFlight(), 3)
	assert.LessOrEqual(t, session.Stats().MaxInFlight, 3)
	assert.GreaterOrEqual(t, f.PeakInFlight(), 1)
}

func TestConsecutiveFailuresResetBrowser(t *testing.T) {
	t.Parallel()

	session := fake.New()
	f := New(session, testSource(), Config{Concurrency: 1, ResetThreshold: 2}, accounting.NewLedger(nil), nil, nil)

	batch := f.Start(context.Background(), nil)
	for i := 0; i < 4; i++ {
		batch.Submit(listingItem(fmt.Sprintf("https://shop.example/dead/%d", i)), func(crawler.CrawledItem) {})
	}
	batch.Wait()

	assert.Equal(t, 2, f.Resets())
	assert.Equal(t, 2, session.Stats().Resets)
}

func TestSuccessClearsFailureStreak(t *testing.T) {
	t.Parallel()

	session := fake.New()
	session.SetPage("https://shop.example/item/ok", detailHTML)
	f := New(session, testSource(), Config{Concurrency: 1, ResetThreshold: 2}, accounting.NewLedger(nil), nil, nil)

	ctx := context.Background()
	f.Fetch(ctx, listingItem("https://shop.example/dead/1"))
	f.Fetch(ctx, listingItem("https://shop.example/item/ok"))
	f.Fetch(ctx, listingItem("https://shop.example/dead/2"))

	assert.Zero(t, f.Resets())
}

type countingLimiter struct {
	mu    sync.Mutex
	urls  []string
	block error
}

func (l *countingLimiter) Wait(_ context.Context, rawURL string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.urls = append(l.urls, rawURL)
	return l.block
}

func TestFetchWaitsOnLimiter(t *testing.T) {
	t.Parallel()

	session := fake.New()
	session.SetPage("https://shop.example/item/1", detailHTML)
	limiter := &countingLimiter{}
	f := New(session, testSource(), Config{Limiter: limiter}, accounting.NewLedger(nil), nil, nil)

	item := f.Fetch(context.Background(), listingItem("https://shop.example/item/1"))
	assert.Equal(t, crawler.DetailOK, item.Metadata[crawler.MetaDetailStatus])
	assert.Equal(t, []string{"https://shop.example/item/1"}, limiter.urls)
}

func TestFetchLimiterErrorSkipsNavigation(t *testing.T) {
	t.Parallel()

	session := fake.New()
	session.SetPage("https://shop.example/item/1", detailHTML)
	ledger := accounting.NewLedger(nil)
	f := New(session, testSource(), Config{Limiter: &countingLimiter{block: context.Canceled}, ResetThreshold: 1}, ledger, nil, nil)

	item := f.Fetch(context.Background(), listingItem("https://shop.example/item/1"))
	assert.Equal(t, crawler.DetailFailed, item.Metadata[crawler.MetaDetailStatus])
	assert.Empty(t, session.Stats().Navigations)
	assert.Zero(t, f.Resets(), "a throttle failure is not a browser failure")
	require.Len(t, ledger.Errors(), 1)
}

func TestBatchDropsItemsQueuedBeforeInterrupt(t *testing.T) {
	t.Parallel()

	session := fake.New()
	for i := 0; i < 4; i++ {
		session.SetPage(fmt.Sprintf("https://shop.example/item/%d", i), detailHTML)
	}
	token := interrupt.New(nil)
	f := New(session, testSource(), Config{Concurrency: 1}, accounting.NewLedger(nil), nil, nil)

	var emitted atomic.Int32
	batch := f.Start(context.Background(), token)
	for i := 0; i < 4; i++ {
		// Later submits block on the single slot while the first item runs.
		batch.Submit(listingItem(fmt.Sprintf("https://shop.example/item/%d", i)), func(crawler.CrawledItem) {
			emitted.Add(1)
			token.Trigger()
		})
	}
	batch.Wait()

	assert.Equal(t, int32(1), emitted.Load())
	assert.Equal(t, 3, batch.Dropped())
	assert.Equal(t, []string{"https://shop.example/item/0"}, session.Stats().Navigations)
}

// resetDuringNavigation is a browser whose every navigation fails because
// another worker reset it mid-load.
type resetDuringNavigation struct {
	*fake.Session
	shared *crawler.SharedSession
}

func (s *resetDuringNavigation) Navigate(ctx context.Context, p crawler.Page, rawURL string) error {
	_ = s.shared.Reset(ctx)
	return s.Session.Navigate(ctx, p, rawURL)
}

func TestFailuresFromForeignResetDoNotCount(t *testing.T) {
	t.Parallel()

	inner := &resetDuringNavigation{Session: fake.New()}
	inner.SetPage("https://shop.example/item/1", detailHTML)
	inner.shared = crawler.Share(inner)
	f := New(inner.shared, testSource(), Config{Concurrency: 1, ResetThreshold: 1}, accounting.NewLedger(nil), nil, nil)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		item := f.Fetch(ctx, listingItem("https://shop.example/item/1"))
		assert.Equal(t, crawler.DetailFailed, item.Metadata[crawler.MetaDetailStatus])
	}
	assert.Zero(t, f.Resets(), "resets made elsewhere are not answered with another")
	assert.Equal(t, 3, inner.Stats().Resets)
}
