// Package detail fetches item detail pages with bounded concurrency and
// merges their fields into the listing data.
package detail

import (
	"context"
	"maps"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/sitecrawler/internal/accounting"
	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/extract"
	"github.com/JakeFAU/sitecrawler/internal/metrics"
	"github.com/JakeFAU/sitecrawler/internal/source"
)

// Defaults applied by New.
const (
	DefaultConcurrency     = 3
	PerformanceConcurrency = 8
	DefaultResetThreshold  = 3
	DefaultWaitTimeout     = 10 * time.Second
)

// Config tunes the worker pool.
type Config struct {
	Concurrency int
	// ResetThreshold is the number of consecutive hard navigation failures
	// after which the browser is reset.
	ResetThreshold int
	WaitTimeout    time.Duration
	// Limiter paces navigations. Nil means no pacing.
	Limiter Limiter
}

// Limiter blocks until a navigation to rawURL may start.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Fetcher runs detail tasks for one source on a shared browser session.
type Fetcher struct {
	session *crawler.SharedSession
	src     source.Config
	cfg     Config
	ledger  *accounting.Ledger
	clock   crawler.Clock
	logger  *zap.Logger

	consecutiveFailures atomic.Int64
	resets              atomic.Int64
	inFlight            atomic.Int64
	peakInFlight        atomic.Int64
}

// New builds a fetcher. clock stamps CrawledAt and may be nil.
func New(
	session crawler.BrowserSession,
	src source.Config,
	cfg Config,
	ledger *accounting.Ledger,
	clock crawler.Clock,
	logger *zap.Logger,
) *Fetcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.ResetThreshold <= 0 {
		cfg.ResetThreshold = DefaultResetThreshold
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = DefaultWaitTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Fetcher{
		session: crawler.Share(session),
		src:     src,
		cfg:     cfg,
		ledger:  ledger,
		clock:   clock,
		logger:  logger.Named("detail").With(zap.String("source_id", src.ID)),
	}
}

// Resets reports how many browser resets the fetcher triggered.
func (f *Fetcher) Resets() int { return int(f.resets.Load()) }

// PeakInFlight reports the highest number of simultaneous tasks observed.
func (f *Fetcher) PeakInFlight() int { return int(f.peakInFlight.Load()) }

// Batch is a stream of detail tasks sharing one concurrency limit.
type Batch struct {
	f       *Fetcher
	ctx     context.Context
	intr    crawler.Interrupter
	group   *errgroup.Group
	dropped atomic.Int64
}

// Start opens a batch. Task contexts derive from ctx. intr is checked when a
// task gets its pool slot; tasks already running are never stopped by it.
func (f *Fetcher) Start(ctx context.Context, intr crawler.Interrupter) *Batch {
	if intr == nil {
		intr = crawler.NeverInterrupted{}
	}
	g := &errgroup.Group{}
	g.SetLimit(f.cfg.Concurrency)
	return &Batch{f: f, ctx: ctx, intr: intr, group: g}
}

// Submit schedules item, blocking while the pool is full. emit receives the
// merged item from the worker goroutine and must be safe for concurrent use.
// An item whose slot frees up after an interrupt or cancellation is dropped
// without emit.
func (b *Batch) Submit(item crawler.ListingItem, emit func(crawler.CrawledItem)) {
	b.group.Go(func() error {
		if b.intr.IsInterrupted() || b.ctx.Err() != nil {
			b.dropped.Add(1)
			return nil
		}
		emit(b.f.Fetch(b.ctx, item))
		return nil
	})
}

// Dropped reports how many submitted items were never dispatched.
func (b *Batch) Dropped() int { return int(b.dropped.Load()) }

// Wait blocks until every submitted task has finished.
func (b *Batch) Wait() {
	_ = b.group.Wait()
}

// Fetch loads one detail page and merges its fields over the listing fields.
// It never fails: problems are recorded in the ledger and reflected in the
// item's detail status.
func (f *Fetcher) Fetch(ctx context.Context, item crawler.ListingItem) crawler.CrawledItem {
	start := time.Now()
	n := f.inFlight.Add(1)
	for {
		peak := f.peakInFlight.Load()
		if n <= peak || f.peakInFlight.CompareAndSwap(peak, n) {
			break
		}
	}
	metrics.IncDetailInFlight()
	defer func() {
		f.inFlight.Add(-1)
		metrics.DecDetailInFlight()
	}()

	fields := make(map[string]string, len(item.Fields)+len(f.src.Content.Fields))
	maps.Copy(fields, item.Fields)
	status := f.fetchInto(ctx, item.URL, fields)

	metrics.ObserveDetail(status, time.Since(start))
	return crawler.CrawledItem{
		URL:      item.URL,
		SourceID: item.SourceID,
		Fields:   fields,
		Metadata: map[string]string{
			crawler.MetaSourceName:   f.src.Name,
			crawler.MetaListingPage:  strconv.Itoa(item.Page),
			crawler.MetaDetailStatus: status,
		},
		CrawledAt: f.now(),
	}
}

func (f *Fetcher) now() time.Time {
	if f.clock != nil {
		return f.clock.Now().UTC()
	}
	return time.Now().UTC()
}

func (f *Fetcher) fetchInto(ctx context.Context, itemURL string, fields map[string]string) string {
	if len(f.src.Content.Fields) == 0 {
		return crawler.DetailOK
	}

	if f.cfg.Limiter != nil {
		if err := f.cfg.Limiter.Wait(ctx, itemURL); err != nil {
			f.ledger.RecordError(crawler.PhaseContent, itemURL, "", err)
			return crawler.DetailFailed
		}
	}

	gen := f.session.Generation()
	page, err := f.session.NewPage(ctx, crawler.PageOptions{DisableJavaScript: f.src.DisableJavaScript})
	if err != nil {
		f.ledger.RecordError(crawler.PhaseContent, itemURL, "", err)
		f.noteFailure(ctx, gen, err)
		return crawler.DetailFailed
	}
	defer func() { _ = page.Close() }()

	if err := f.session.Navigate(ctx, page, itemURL); err != nil {
		f.logger.Warn("detail navigation failed", zap.String("url", itemURL), zap.Error(err))
		f.ledger.RecordError(crawler.PhaseContent, itemURL, "", err)
		f.noteFailure(ctx, gen, err)
		return crawler.DetailFailed
	}
	f.consecutiveFailures.Store(0)

	sel := f.src.Content.ContainerSelector
	if waiter, ok := page.(crawler.SelectorWaiter); ok {
		if err := waiter.WaitSelector(ctx, sel, f.cfg.WaitTimeout); err != nil {
			f.logger.Debug("detail container did not appear", zap.String("url", itemURL), zap.Error(err))
		}
	}
	html, err := page.HTML(ctx)
	if err != nil {
		f.ledger.RecordError(crawler.PhaseContent, itemURL, "", err)
		return crawler.DetailFailed
	}
	base := page.URL()
	if base == "" {
		base = itemURL
	}
	doc, err := extract.Parse(base, html)
	if err != nil {
		f.ledger.RecordError(crawler.PhaseContent, itemURL, "", err)
		return crawler.DetailFailed
	}

	values, outcomes := doc.Fields(doc.Find(sel).First(), f.src.Content.Fields)
	f.ledger.Observe(crawler.PhaseContent, itemURL, outcomes)
	maps.Copy(fields, values)
	for _, o := range outcomes {
		if o.Kind == extract.KindMissingRequired {
			return crawler.DetailPartial
		}
	}
	return crawler.DetailOK
}

// noteFailure counts a hard failure on a page opened at browser generation
// gen. The worker that pushes the counter to the threshold claims it and
// resets the browser; the others carry on. Failures of pages that died in a
// reset since gen are not the site's fault and are not counted.
func (f *Fetcher) noteFailure(ctx context.Context, gen uint64, err error) {
	if ctx.Err() != nil || f.session.Generation() != gen {
		return
	}
	threshold := int64(f.cfg.ResetThreshold)
	n := f.consecutiveFailures.Add(1)
	if n < threshold || !f.consecutiveFailures.CompareAndSwap(n, 0) {
		return
	}
	did, resetErr := f.session.ResetFrom(ctx, gen)
	if !did {
		return
	}
	f.resets.Add(1)
	f.logger.Warn("consecutive detail failures, browser reset",
		zap.Int64("failures", n), zap.Error(err))
	if resetErr != nil {
		f.logger.Error("browser reset failed", zap.Error(resetErr))
	}
}
