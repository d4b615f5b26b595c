// Package pipeline orchestrates one crawl of a listing source: it walks the
// listing, fans items out to detail workers, and persists every merged item
// under its content hash.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/accounting"
	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/dedup"
	"github.com/JakeFAU/sitecrawler/internal/detail"
	"github.com/JakeFAU/sitecrawler/internal/metrics"
	"github.com/JakeFAU/sitecrawler/internal/pagination"
	"github.com/JakeFAU/sitecrawler/internal/source"
)

// Config holds the run defaults shared by every source.
type Config struct {
	Walker        pagination.Config
	Detail        detail.Config
	HashCacheSize int
}

// Deps are the collaborators a pipeline needs.
type Deps struct {
	Sessions    crawler.SessionFactory
	Content     crawler.ContentStore
	Metadata    crawler.MetadataStore
	Hasher      crawler.Hasher
	IDs         crawler.IDGenerator
	Clock       crawler.Clock
	Interrupter crawler.Interrupter
	// Publisher announces closed sessions. Nil disables announcements.
	Publisher crawler.Publisher
	Logger    *zap.Logger
}

// publishTimeout bounds the session announcement.
const publishTimeout = 10 * time.Second

// Pipeline is the crawler registered for the "listing" source type.
type Pipeline struct {
	deps  Deps
	cfg   Config
	index *dedup.ContentIndex
}

// New validates deps and builds a pipeline. The content index, and its hash
// cache, lives as long as the pipeline so repeated runs reuse it.
func New(deps Deps, cfg Config) (*Pipeline, error) {
	switch {
	case deps.Sessions == nil:
		return nil, errors.New("pipeline: session factory is required")
	case deps.Content == nil:
		return nil, errors.New("pipeline: content store is required")
	case deps.Metadata == nil:
		return nil, errors.New("pipeline: metadata store is required")
	case deps.Hasher == nil:
		return nil, errors.New("pipeline: hasher is required")
	case deps.IDs == nil:
		return nil, errors.New("pipeline: id generator is required")
	}
	if deps.Interrupter == nil {
		deps.Interrupter = crawler.NeverInterrupted{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	index, err := dedup.NewContentIndex(deps.Content, cfg.HashCacheSize)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	metrics.Init()
	return &Pipeline{deps: deps, cfg: cfg, index: index}, nil
}

// Type implements crawler.Crawler.
func (p *Pipeline) Type() string { return source.TypeListing }

func (p *Pipeline) now() time.Time {
	if p.deps.Clock != nil {
		return p.deps.Clock.Now().UTC()
	}
	return time.Now().UTC()
}

// Canonical returns the bytes an item is content-addressed by. Timestamps and
// session identifiers are left out so identical content hashes identically
// across runs; encoding/json sorts the field keys.
func Canonical(item crawler.CrawledItem) ([]byte, error) {
	fields := item.Fields
	if fields == nil {
		fields = map[string]string{}
	}
	data, err := json.Marshal(struct {
		SourceID string            `json:"source_id"`
		URL      string            `json:"url"`
		Fields   map[string]string `json:"fields"`
	}{item.SourceID, item.URL, fields})
	if err != nil {
		return nil, fmt.Errorf("encode canonical content: %w", err)
	}
	return data, nil
}

// run carries the mutable state of one Process call.
type run struct {
	src     source.Config
	session crawler.CrawlSession
	ledger  *accounting.Ledger
	logger  *zap.Logger

	mu      sync.Mutex
	items   []sequenced
	storage crawler.StorageStats
}

type sequenced struct {
	seq  int
	item crawler.CrawledItem
}

// Process crawls src once. It returns an error only when the config is
// invalid or the run could not start; every other ending yields a summary.
func (p *Pipeline) Process(ctx context.Context, src source.Config) (crawler.Result, error) {
	if err := src.Validate(); err != nil {
		return crawler.Result{}, &crawler.ConfigError{SourceID: src.ID, Err: err}
	}
	if src.Type != source.TypeListing {
		return crawler.Result{}, &crawler.ConfigError{
			SourceID: src.ID,
			Err:      fmt.Errorf("unsupported source type %q", src.Type),
		}
	}

	logger := p.deps.Logger.Named("pipeline").With(zap.String("source_id", src.ID))
	ledger := accounting.NewLedger(p.deps.Clock)
	ledger.Register(crawler.PhaseListing, src.Listing.Fields)
	ledger.Register(crawler.PhaseContent, src.Content.Fields)
	seen := dedup.NewURLSet()

	opened, err := p.deps.Sessions.NewSession(src)
	if err != nil {
		return crawler.Result{}, fmt.Errorf("create browser session: %w", err)
	}
	// The walker and the detail pool reset the same browser.
	browser := crawler.Share(opened)
	defer func() {
		if err := browser.Close(); err != nil {
			logger.Warn("close browser", zap.Error(err))
		}
	}()
	walker, err := pagination.New(browser, src, p.cfg.Walker, seen, ledger, p.deps.Interrupter, p.deps.Logger)
	if err != nil {
		return crawler.Result{}, err
	}
	fetcher := detail.New(browser, src, p.cfg.Detail, ledger, p.deps.Clock, p.deps.Logger)

	id, err := p.deps.IDs.NewID()
	if err != nil {
		return crawler.Result{}, fmt.Errorf("generate session id: %w", err)
	}
	r := &run{
		src: src,
		session: crawler.CrawlSession{
			ID:         id,
			SourceID:   src.ID,
			SourceName: src.Name,
			StartTime:  p.now(),
		},
		ledger: ledger,
		logger: logger.With(zap.String("session_id", id)),
	}
	if err := p.deps.Metadata.CreateSession(ctx, r.session); err != nil {
		return crawler.Result{}, &crawler.StorageError{Op: "create session", Err: err}
	}
	r.logger.Info("crawl started", zap.String("listing_url", src.Listing.URL))

	batch := fetcher.Start(ctx, p.deps.Interrupter)
	seq := 0
	outcome, walkErr := walker.Walk(ctx, func(page pagination.PageResult) {
		metrics.ObserveListingPage(src.ID, len(page.Items), page.Duplicates, page.Excluded)
		for _, item := range page.Items {
			if p.deps.Interrupter.IsInterrupted() || ctx.Err() != nil {
				return
			}
			n := seq
			seq++
			batch.Submit(item, func(done crawler.CrawledItem) {
				p.persist(ctx, r, n, done)
			})
		}
	})
	batch.Wait()
	if n := batch.Dropped(); n > 0 {
		r.logger.Info("detail tasks dropped after interrupt", zap.Int("dropped", n))
	}

	if walkErr != nil {
		r.logger.Error("crawl could not start", zap.Error(walkErr))
		p.finish(ctx, r, crawler.StopNavigationError, 0)
		return crawler.Result{}, walkErr
	}
	if outcome.Reason != crawler.StopInterrupted && p.deps.Interrupter.IsInterrupted() {
		outcome.Reason = crawler.StopInterrupted
	}
	p.finish(ctx, r, outcome.Reason, outcome.Pages)

	summary := crawler.CrawlSummary{
		CrawlSession:      r.session,
		ItemsFound:        outcome.ItemsFound,
		DuplicatesSkipped: outcome.Duplicates,
		URLsExcluded:      outcome.Excluded,
		FieldStats:        ledger.FieldStats(),
		Errors:            ledger.Errors(),
	}
	r.mu.Lock()
	sort.Slice(r.items, func(i, j int) bool { return r.items[i].seq < r.items[j].seq })
	items := make([]crawler.CrawledItem, 0, len(r.items))
	for _, s := range r.items {
		items = append(items, s.item)
	}
	summary.ItemsProcessed = len(items)
	summary.Storage = r.storage
	r.mu.Unlock()

	p.announce(ctx, r, summary)

	r.logger.Info("crawl finished",
		zap.String("reason", string(outcome.Reason)),
		zap.Int("pages", outcome.Pages),
		zap.Int("items_found", summary.ItemsFound),
		zap.Int("items_processed", summary.ItemsProcessed),
		zap.Int("content_writes", summary.Storage.ContentWrites),
		zap.Int("content_reused", summary.Storage.ContentReused),
		zap.Int("detail_resets", fetcher.Resets()),
		zap.Int("errors", ledger.ErrorCount()))
	return crawler.Result{Items: items, Summary: summary}, nil
}

// persist hashes a finished item, writes its content unless already stored,
// and always records the metadata row.
func (p *Pipeline) persist(ctx context.Context, r *run, seq int, item crawler.CrawledItem) {
	fail := func(err error) {
		r.logger.Warn("persist item", zap.String("url", item.URL), zap.Error(err))
		r.ledger.RecordError(crawler.PhaseContent, item.URL, "", err)
		metrics.ObserveStorage(metrics.StorageFailed)
		r.mu.Lock()
		r.storage.Failures++
		r.items = append(r.items, sequenced{seq: seq, item: item})
		r.mu.Unlock()
	}

	data, err := Canonical(item)
	if err != nil {
		fail(&crawler.StorageError{Op: "encode", Err: err})
		return
	}
	hash, err := p.deps.Hasher.Hash(data)
	if err != nil {
		fail(&crawler.StorageError{Op: "hash", Err: err})
		return
	}
	item.ContentHash = hash

	stored, err := p.index.Persist(ctx, hash, data)
	if err != nil {
		fail(err)
		return
	}
	item.ContentLocation = stored.Location

	err = p.deps.Metadata.RecordItem(ctx, crawler.ItemRecord{
		SessionID: r.session.ID,
		SourceID:  item.SourceID,
		URL:       item.URL,
		Hash:      hash,
		Location:  stored.Location,
		CrawledAt: item.CrawledAt,
		Metadata:  item.Metadata,
	})
	if err != nil {
		fail(&crawler.StorageError{Op: "record item", Err: err})
		return
	}

	outcome := metrics.StorageWritten
	r.mu.Lock()
	r.storage.ItemsStored++
	if stored.Reused {
		r.storage.ContentReused++
		outcome = metrics.StorageReused
	} else {
		r.storage.ContentWrites++
	}
	r.items = append(r.items, sequenced{seq: seq, item: item})
	r.mu.Unlock()
	metrics.ObserveStorage(outcome)
}

// announce publishes the closed session. A failed publish is logged; the
// run's result does not depend on it.
func (p *Pipeline) announce(ctx context.Context, r *run, summary crawler.CrawlSummary) {
	if p.deps.Publisher == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	id, err := p.deps.Publisher.Publish(pubCtx, crawler.NewSessionEvent(summary))
	metrics.ObservePublish(err == nil)
	if err != nil {
		r.logger.Warn("publish session event", zap.Error(err))
		return
	}
	r.logger.Debug("session event published", zap.String("message_id", id))
}

// finish writes the run's accounting and closes the session row. Failures
// here are logged and counted; the summary is still returned.
func (p *Pipeline) finish(ctx context.Context, r *run, reason crawler.StopReason, pages int) {
	end := p.now()
	r.session.EndTime = &end
	r.session.PagesProcessed = pages
	r.session.StoppedReason = reason

	// The session row is closed even when the caller has gone away.
	writeCtx := context.WithoutCancel(ctx)
	var failures int
	if err := p.deps.Metadata.RecordFieldStats(writeCtx, r.session.ID, r.ledger.FieldStats()); err != nil {
		r.logger.Error("record field stats", zap.Error(err))
		failures++
	}
	if err := p.deps.Metadata.RecordErrors(writeCtx, r.session.ID, r.ledger.Errors()); err != nil {
		r.logger.Error("record crawl errors", zap.Error(err))
		failures++
	}
	if err := p.deps.Metadata.CloseSession(writeCtx, r.session.ID, end, pages, reason); err != nil {
		r.logger.Error("close session", zap.Error(err))
		failures++
	}
	metrics.ObserveSession(r.src.ID, string(reason))
	if failures > 0 {
		r.mu.Lock()
		r.storage.Failures += failures
		r.mu.Unlock()
	}
}
