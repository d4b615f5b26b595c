// Package pagination walks a source's listing pages one after another on a
// single browser page, turning each into deduplicated listing items.
package pagination

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/accounting"
	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/dedup"
	"github.com/JakeFAU/sitecrawler/internal/extract"
	"github.com/JakeFAU/sitecrawler/internal/hash/sha1"
	"github.com/JakeFAU/sitecrawler/internal/source"
)

// maxReopens caps the free page reopens one navigation may spend after the
// browser was reset under it.
const maxReopens = 3

// DefaultWaitTimeout bounds the wait for the listing container on pages that
// support it.
const DefaultWaitTimeout = 10 * time.Second

// Config carries application defaults that a source may override.
type Config struct {
	// MaxPages caps the walk when the source sets no cap. Zero means no cap.
	MaxPages int
	// Delay is the pause between listing navigations when the source sets none.
	Delay       time.Duration
	Retry       crawler.RetryPolicy
	WaitTimeout time.Duration
}

// PageResult is what one listing page produced.
type PageResult struct {
	Number     int
	URL        string
	Items      []crawler.ListingItem
	Duplicates int
	Excluded   int
}

// Outcome summarizes a finished walk.
type Outcome struct {
	Reason     crawler.StopReason
	Pages      int
	ItemsFound int
	Duplicates int
	Excluded   int
	// Err is the failure behind a navigationError stop.
	Err error
}

// Walker drives the listing state machine for one source.
type Walker struct {
	session  *crawler.SharedSession
	src      source.Config
	cfg      Config
	seen     *dedup.URLSet
	ledger   *accounting.Ledger
	excluder *source.Excluder
	intr     crawler.Interrupter
	logger   *zap.Logger
}

// New builds a walker. seen and ledger are shared with the rest of the run.
func New(
	session crawler.BrowserSession,
	src source.Config,
	cfg Config,
	seen *dedup.URLSet,
	ledger *accounting.Ledger,
	intr crawler.Interrupter,
	logger *zap.Logger,
) (*Walker, error) {
	excluder, err := source.CompileExclusions(src.Listing.Exclude)
	if err != nil {
		return nil, &crawler.ConfigError{SourceID: src.ID, Err: err}
	}
	if cfg.Retry == nil {
		cfg.Retry = crawler.NewExponentialRetryPolicy()
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = DefaultWaitTimeout
	}
	if intr == nil {
		intr = crawler.NeverInterrupted{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Walker{
		session:  crawler.Share(session),
		src:      src,
		cfg:      cfg,
		seen:     seen,
		ledger:   ledger,
		excluder: excluder,
		intr:     intr,
		logger:   logger.Named("walker").With(zap.String("source_id", src.ID)),
	}, nil
}

func (w *Walker) interrupted(ctx context.Context) bool {
	return w.intr.IsInterrupted() || ctx.Err() != nil
}

// Walk traverses the listing, calling yield once per loaded page in order.
// The returned error is non-nil only when no page could be opened at all;
// every other ending is described by Outcome.Reason.
func (w *Walker) Walk(ctx context.Context, yield func(PageResult)) (Outcome, error) {
	var out Outcome
	opts := crawler.PageOptions{DisableJavaScript: w.src.DisableJavaScript}
	listing, err := w.open(ctx, opts)
	if err != nil {
		return out, fmt.Errorf("open listing page: %w", err)
	}
	defer func() { _ = listing.page.Close() }()

	maxPages := w.src.Listing.Pagination.MaxPagesOr(w.cfg.MaxPages)
	delay := w.src.Listing.Pagination.Delay(w.cfg.Delay)
	visited := map[string]struct{}{}
	target := w.src.Listing.URL

	stop := func(reason crawler.StopReason, cause error) (Outcome, error) {
		out.Reason = reason
		out.Err = cause
		w.logger.Info("listing walk stopped",
			zap.String("reason", string(reason)),
			zap.Int("pages", out.Pages),
			zap.Int("items_found", out.ItemsFound),
			zap.Int("urls_seen", w.seen.Len()),
			zap.Int("errors", w.ledger.ErrorCount()))
		return out, nil
	}

	if w.interrupted(ctx) {
		return stop(crawler.StopInterrupted, nil)
	}
	if err := w.navigate(ctx, listing, opts, target); err != nil {
		return w.stopOnNavigation(ctx, stop, err)
	}
	markVisited(visited, target)

	for {
		if w.interrupted(ctx) {
			return stop(crawler.StopInterrupted, nil)
		}
		doc, html, err := w.load(ctx, listing.page, target)
		if err != nil && w.stale(listing) {
			if err = w.navigate(ctx, listing, opts, target); err == nil {
				doc, html, err = w.load(ctx, listing.page, target)
			}
		}
		if err != nil {
			return w.stopOnNavigation(ctx, stop, err)
		}
		out.Pages++
		res := w.extractPage(doc, out.Pages, listing.page.URL(), target)
		out.ItemsFound += len(res.Items)
		out.Duplicates += res.Duplicates
		out.Excluded += res.Excluded
		w.logger.Info("listing page processed",
			zap.Int("page", res.Number),
			zap.String("url", res.URL),
			zap.Int("items", len(res.Items)),
			zap.Int("duplicates", res.Duplicates),
			zap.Int("excluded", res.Excluded))
		yield(res)

		if w.src.Listing.Pagination.StopOnAllDuplicates && len(res.Items) == 0 && res.Duplicates > 0 {
			return stop(crawler.StopAllItemsDuplicate, nil)
		}
		next := findNext(doc, w.src.Listing.Pagination.NextButtonSelector)
		if !next.usable() {
			return stop(crawler.StopNoNextButton, nil)
		}
		if next.href != "" && isVisited(visited, next.href) {
			w.logger.Debug("next page already visited", zap.String("url", next.href))
			return stop(crawler.StopNoNextButton, nil)
		}
		if maxPages > 0 && out.Pages >= maxPages {
			return stop(crawler.StopMaxPagesReached, nil)
		}
		if !crawler.SleepContext(ctx, w.intr, delay) {
			return stop(crawler.StopInterrupted, nil)
		}

		if next.href != "" {
			target = next.href
			if err := w.navigate(ctx, listing, opts, target); err != nil {
				return w.stopOnNavigation(ctx, stop, err)
			}
			markVisited(visited, target)
			continue
		}

		before := sha1.Sum([]byte(html))
		if err := w.click(ctx, listing.page, next.selector); err != nil {
			if errors.Is(err, crawler.ErrClickUnsupported) {
				return stop(crawler.StopNoNextButton, nil)
			}
			return w.stopOnNavigation(ctx, stop, err)
		}
		target = listing.page.URL()
		if current, err := listing.page.HTML(ctx); err == nil && sha1.Sum([]byte(current)) == before {
			w.logger.Debug("click left the listing unchanged")
			return stop(crawler.StopNoNextButton, nil)
		}
	}
}

func (w *Walker) stopOnNavigation(
	ctx context.Context,
	stop func(crawler.StopReason, error) (Outcome, error),
	err error,
) (Outcome, error) {
	if w.interrupted(ctx) || errors.Is(err, crawler.ErrInterrupted) {
		return stop(crawler.StopInterrupted, nil)
	}
	w.logger.Warn("listing navigation failed", zap.Error(err))
	var navErr *crawler.NavigationError
	failedURL := ""
	if errors.As(err, &navErr) {
		failedURL = navErr.URL
	}
	w.ledger.RecordError(crawler.PhaseListing, failedURL, "", err)
	return stop(crawler.StopNavigationError, err)
}

// tab is the walker's listing page and the browser generation it was opened in.
type tab struct {
	page crawler.Page
	gen  uint64
}

func (w *Walker) open(ctx context.Context, opts crawler.PageOptions) (*tab, error) {
	gen := w.session.Generation()
	page, err := w.session.NewPage(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &tab{page: page, gen: gen}, nil
}

// reopen swaps t's page for a fresh one in the current browser.
func (w *Walker) reopen(ctx context.Context, t *tab, opts crawler.PageOptions) error {
	_ = t.page.Close()
	fresh, err := w.open(ctx, opts)
	if err != nil {
		return err
	}
	*t = *fresh
	return nil
}

// stale reports whether the browser was reset since t was opened. The
// detail pool resets the same browser.
func (w *Walker) stale(t *tab) bool {
	return w.session.Generation() != t.gen
}

// navigate loads target with bounded retries. A page killed by someone
// else's reset is reopened without spending a retry. When retries are
// exhausted the browser is reset once, unless that already happened, and one
// final attempt is made on a fresh page.
func (w *Walker) navigate(ctx context.Context, t *tab, opts crawler.PageOptions, target string) error {
	var lastErr error
	reopens := 0
	for attempt := 0; ; {
		if w.stale(t) && reopens < maxReopens {
			reopens++
			w.logger.Debug("browser was reset, reopening listing page", zap.String("url", target))
			if err := w.reopen(ctx, t, opts); err != nil {
				return &crawler.NavigationError{URL: target, Err: fmt.Errorf("reopen page: %w", err)}
			}
		}
		err := w.session.Navigate(ctx, t.page, target)
		if err == nil {
			return nil
		}
		lastErr = err
		if w.stale(t) && reopens < maxReopens {
			continue
		}
		if !w.cfg.Retry.ShouldRetry(err, attempt) {
			break
		}
		backoff := w.cfg.Retry.Backoff(attempt)
		w.logger.Debug("retrying listing navigation",
			zap.String("url", target), zap.Int("attempt", attempt+1), zap.Duration("backoff", backoff), zap.Error(err))
		if !crawler.SleepContext(ctx, w.intr, backoff) {
			return crawler.ErrInterrupted
		}
		attempt++
	}
	if w.interrupted(ctx) {
		return crawler.ErrInterrupted
	}

	w.logger.Warn("listing navigation retries exhausted",
		zap.String("url", target), zap.Error(lastErr))
	did, err := w.session.ResetFrom(ctx, t.gen)
	if err != nil {
		return &crawler.NavigationError{URL: target, Err: fmt.Errorf("reset browser: %w", err)}
	}
	if !did {
		w.logger.Debug("browser already reset by another worker", zap.String("url", target))
	}
	if err := w.reopen(ctx, t, opts); err != nil {
		return &crawler.NavigationError{URL: target, Err: fmt.Errorf("reopen page: %w", err)}
	}
	return w.session.Navigate(ctx, t.page, target)
}

func (w *Walker) click(ctx context.Context, page crawler.Page, selector string) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = page.Click(ctx, selector)
		if err == nil || errors.Is(err, crawler.ErrClickUnsupported) {
			return err
		}
		if !w.cfg.Retry.ShouldRetry(err, attempt) {
			return err
		}
		if !crawler.SleepContext(ctx, w.intr, w.cfg.Retry.Backoff(attempt)) {
			return crawler.ErrInterrupted
		}
	}
}

func (w *Walker) load(ctx context.Context, page crawler.Page, target string) (*extract.Document, string, error) {
	if waiter, ok := page.(crawler.SelectorWaiter); ok {
		if err := waiter.WaitSelector(ctx, w.src.Listing.ContainerSelector, w.cfg.WaitTimeout); err != nil {
			w.logger.Debug("listing container did not appear", zap.String("url", target), zap.Error(err))
		}
	}
	html, err := page.HTML(ctx)
	if err != nil {
		return nil, "", &crawler.NavigationError{URL: target, Err: err}
	}
	base := page.URL()
	if base == "" {
		base = target
	}
	doc, err := extract.Parse(base, html)
	if err != nil {
		return nil, "", &crawler.NavigationError{URL: target, Err: err}
	}
	return doc, html, nil
}

func (w *Walker) extractPage(doc *extract.Document, number int, pageURL, target string) PageResult {
	if pageURL == "" {
		pageURL = target
	}
	res := PageResult{Number: number, URL: pageURL}
	for _, container := range doc.Containers(w.src.Listing.ContainerSelector) {
		values, outcomes := doc.Fields(container, w.src.Listing.Fields)
		itemURL := values[source.URLField]
		errURL := itemURL
		if errURL == "" {
			errURL = pageURL
		}
		w.ledger.Observe(crawler.PhaseListing, errURL, outcomes)
		if itemURL == "" {
			continue
		}

		candidate := source.Candidate{URL: itemURL, HTML: extract.OuterHTML(container), Fields: values}
		if excluded, rule := w.excluder.Excluded(candidate); excluded {
			res.Excluded++
			w.logger.Debug("listing item excluded",
				zap.String("url", itemURL), zap.String("field", rule.Field), zap.String("op", rule.Op))
			continue
		}
		if !w.seen.MarkIfNew(itemURL) {
			res.Duplicates++
			continue
		}
		res.Items = append(res.Items, crawler.ListingItem{
			URL:      itemURL,
			SourceID: w.src.ID,
			Page:     number,
			Fields:   values,
		})
	}
	return res
}

type nextLink struct {
	found      bool
	actionable bool
	href       string
	selector   string
}

func (n nextLink) usable() bool { return n.found && n.actionable }

// findNext inspects the next-page control. An element is not actionable when
// it is disabled by attribute, class, or aria-disabled.
func findNext(doc *extract.Document, selector string) nextLink {
	if strings.TrimSpace(selector) == "" {
		return nextLink{}
	}
	el := doc.Find(selector).First()
	if el.Length() == 0 {
		return nextLink{}
	}
	n := nextLink{found: true, selector: selector}
	if disabled(el) {
		return n
	}
	n.actionable = true

	href, ok := el.Attr("href")
	if !ok {
		href, ok = el.Find("a[href]").First().Attr("href")
	}
	href = strings.TrimSpace(href)
	if !ok || href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(strings.ToLower(href), "javascript:") {
		return n
	}
	resolved, err := crawler.ResolveURL(doc.Base(), href)
	if err == nil && resolved != "" {
		n.href = resolved
	}
	return n
}

func disabled(el *goquery.Selection) bool {
	if _, ok := el.Attr("disabled"); ok {
		return true
	}
	if el.HasClass("disabled") {
		return true
	}
	aria, _ := el.Attr("aria-disabled")
	return strings.EqualFold(strings.TrimSpace(aria), "true")
}

func markVisited(visited map[string]struct{}, rawURL string) {
	key, err := crawler.NormalizeURL(rawURL)
	if err != nil {
		key = rawURL
	}
	visited[key] = struct{}{}
}

func isVisited(visited map[string]struct{}, rawURL string) bool {
	key, err := crawler.NormalizeURL(rawURL)
	if err != nil {
		key = rawURL
	}
	_, ok := visited[key]
	return ok
}
