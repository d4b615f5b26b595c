// Package chrome implements crawler.BrowserSession on headless Chrome via the
// DevTools protocol.
package chrome

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

// Defaults applied by Config.withDefaults.
const (
	DefaultViewportWidth     = 1366
	DefaultViewportHeight    = 768
	DefaultNavigationTimeout = 30 * time.Second
	DefaultClickSettle       = 500 * time.Millisecond
)

// Config controls the browser process and every tab it opens.
type Config struct {
	Headless          bool
	ExecPath          string
	NoSandbox         bool
	UserAgent         string
	ViewportWidth     int
	ViewportHeight    int
	NavigationTimeout time.Duration
	BlockStylesheets  bool
	// ClickSettle is how long a click waits for scripts to update the DOM.
	ClickSettle time.Duration
}

func (c Config) withDefaults() Config {
	if c.ViewportWidth <= 0 {
		c.ViewportWidth = DefaultViewportWidth
	}
	if c.ViewportHeight <= 0 {
		c.ViewportHeight = DefaultViewportHeight
	}
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = DefaultNavigationTimeout
	}
	if c.ClickSettle <= 0 {
		c.ClickSettle = DefaultClickSettle
	}
	return c
}

func allocatorOptions(cfg Config) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	if cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	opts = append(opts,
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.WindowSize(cfg.ViewportWidth, cfg.ViewportHeight),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	return opts
}

// blockedPatterns lists the resource types failed at the request layer.
func blockedPatterns(blockStylesheets bool) []*fetch.RequestPattern {
	types := []network.ResourceType{
		network.ResourceTypeImage,
		network.ResourceTypeFont,
		network.ResourceTypeMedia,
	}
	if blockStylesheets {
		types = append(types, network.ResourceTypeStylesheet)
	}
	patterns := make([]*fetch.RequestPattern, 0, len(types))
	for _, rt := range types {
		patterns = append(patterns, &fetch.RequestPattern{
			URLPattern:   "*",
			ResourceType: rt,
			RequestStage: fetch.RequestStageRequest,
		})
	}
	return patterns
}

// Session owns one Chrome process. Tabs are derived from the browser context,
// never from a caller's context, so cancelling a caller does not close a tab
// in the middle of an operation.
type Session struct {
	cfg    Config
	logger *zap.Logger

	mu            sync.Mutex
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
}

// New builds a session. Chrome starts on Launch or on the first NewPage.
func New(cfg Config, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{cfg: cfg.withDefaults(), logger: logger.Named("chrome")}
}

// Launch starts Chrome if it is not already running.
func (s *Session) Launch(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.launchLocked(ctx)
}

func (s *Session) launchLocked(ctx context.Context) error {
	if s.browserCtx != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("launch chrome: %w", err)
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions(s.cfg)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	// The first Run allocates the process; it must use the browser context
	// itself so the process outlives this call.
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return fmt.Errorf("launch chrome: %w", err)
	}
	s.allocCancel = allocCancel
	s.browserCtx = browserCtx
	s.browserCancel = browserCancel
	s.logger.Info("browser launched",
		zap.Bool("headless", s.cfg.Headless),
		zap.Int("viewport_width", s.cfg.ViewportWidth),
		zap.Int("viewport_height", s.cfg.ViewportHeight))
	return nil
}

func (s *Session) parent() (context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.browserCtx == nil {
		return nil, errors.New("browser is not running")
	}
	return s.browserCtx, nil
}

// NewPage opens a tab with blocked heavy resources, the configured viewport,
// and scripts toggled per opts.
func (s *Session) NewPage(ctx context.Context, opts crawler.PageOptions) (crawler.Page, error) {
	if err := s.Launch(ctx); err != nil {
		return nil, err
	}
	parent, err := s.parent()
	if err != nil {
		return nil, fmt.Errorf("new page: %w", err)
	}

	tabCtx, tabCancel := chromedp.NewContext(parent)
	p := &page{ctx: tabCtx, cancel: tabCancel, settle: s.cfg.ClickSettle, meta: &documentMeta{}}
	chromedp.ListenTarget(tabCtx, func(ev any) {
		switch e := ev.(type) {
		case *fetch.EventRequestPaused:
			go failRequest(tabCtx, e.RequestID)
		case *network.EventResponseReceived:
			p.meta.capture(e)
		}
	})

	// Creating the target also happens on this first Run, so it runs on the
	// tab context directly.
	if err := chromedp.Run(tabCtx, s.setupAction(opts)); err != nil {
		tabCancel()
		return nil, fmt.Errorf("new page: %w", err)
	}
	return p, nil
}

func failRequest(tabCtx context.Context, id fetch.RequestID) {
	c := chromedp.FromContext(tabCtx)
	if c == nil || c.Target == nil {
		return
	}
	execCtx := cdp.WithExecutor(tabCtx, c.Target)
	_ = fetch.FailRequest(id, network.ErrorReasonBlockedByClient).Do(execCtx)
}

func (s *Session) setupAction(opts crawler.PageOptions) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if err := fetch.Enable().WithPatterns(blockedPatterns(s.cfg.BlockStylesheets)).Do(ctx); err != nil {
			return fmt.Errorf("enable request blocking: %w", err)
		}
		err := emulation.SetDeviceMetricsOverride(int64(s.cfg.ViewportWidth), int64(s.cfg.ViewportHeight), 1, false).Do(ctx)
		if err != nil {
			return fmt.Errorf("set viewport: %w", err)
		}
		if opts.DisableJavaScript {
			if err := emulation.SetScriptExecutionDisabled(true).Do(ctx); err != nil {
				return fmt.Errorf("disable scripts: %w", err)
			}
		}
		if s.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(s.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

// Navigate loads rawURL into p within the navigation timeout.
func (s *Session) Navigate(ctx context.Context, p crawler.Page, rawURL string) error {
	pg, ok := p.(*page)
	if !ok {
		return &crawler.NavigationError{URL: rawURL, Err: fmt.Errorf("page of type %T not created by this session", p)}
	}
	pg.meta.reset()
	var location string
	timedOut, err := pg.run(ctx, s.cfg.NavigationTimeout,
		chromedp.Navigate(rawURL),
		chromedp.Location(&location),
	)
	switch {
	case timedOut:
		s.logger.Warn("navigation timed out, keeping current content", zap.String("url", rawURL))
		pg.setURL(rawURL)
		return nil
	case err != nil:
		return &crawler.NavigationError{URL: rawURL, Err: err}
	}
	if status := pg.meta.status(); status >= http.StatusBadRequest {
		s.logger.Debug("page loaded with error status", zap.String("url", rawURL), zap.Int("status", status))
	}
	pg.setURL(location)
	return nil
}

// Reset closes Chrome and starts a fresh process.
func (s *Session) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	s.logger.Info("browser session reset")
	return s.launchLocked(ctx)
}

// Close terminates Chrome. It is safe to call on a session that never launched.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	return nil
}

func (s *Session) closeLocked() {
	if s.browserCancel != nil {
		s.browserCancel()
	}
	if s.allocCancel != nil {
		s.allocCancel()
	}
	s.browserCtx, s.browserCancel, s.allocCancel = nil, nil, nil
}

type page struct {
	ctx    context.Context
	cancel context.CancelFunc
	settle time.Duration
	meta   *documentMeta

	mu  sync.RWMutex
	url string
}

// run executes actions on the tab, bounded by timeout and by the caller's ctx.
// timedOut is true when the timeout, not the caller, ended the run.
func (p *page) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) (timedOut bool, err error) {
	opCtx, cancel := context.WithTimeout(p.ctx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err = chromedp.Run(opCtx, actions...)
	if err == nil {
		return false, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return false, ctxErr
	}
	if errors.Is(opCtx.Err(), context.DeadlineExceeded) && p.ctx.Err() == nil {
		return true, nil
	}
	return false, err
}

func (p *page) setURL(u string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.url = u
}

func (p *page) URL() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.url
}

func (p *page) HTML(ctx context.Context) (string, error) {
	var html string
	timedOut, err := p.run(ctx, DefaultNavigationTimeout, chromedp.OuterHTML("html", &html, chromedp.ByQuery))
	if timedOut {
		return "", errors.New("read document: timed out")
	}
	if err != nil {
		return "", fmt.Errorf("read document: %w", err)
	}
	return html, nil
}

func (p *page) Click(ctx context.Context, selector string) error {
	var location string
	timedOut, err := p.run(ctx, DefaultNavigationTimeout,
		chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible),
		chromedp.Sleep(p.settle),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Location(&location),
	)
	if timedOut {
		return fmt.Errorf("click %s: timed out", selector)
	}
	if err != nil {
		return fmt.Errorf("click %s: %w", selector, err)
	}
	p.setURL(location)
	return nil
}

// WaitSelector blocks until selector matches a ready node or timeout passes.
func (p *page) WaitSelector(ctx context.Context, selector string, timeout time.Duration) error {
	timedOut, err := p.run(ctx, timeout, chromedp.WaitReady(selector, chromedp.ByQuery))
	if timedOut {
		return fmt.Errorf("wait for %s: timed out after %s", selector, timeout)
	}
	if err != nil {
		return fmt.Errorf("wait for %s: %w", selector, err)
	}
	return nil
}

func (p *page) Close() error {
	p.cancel()
	return nil
}

// documentMeta remembers the status of the last main-document response.
type documentMeta struct {
	mu   sync.Mutex
	code int
}

func (m *documentMeta) capture(ev *network.EventResponseReceived) {
	if ev.Type != network.ResourceTypeDocument || ev.Response == nil {
		return
	}
	m.mu.Lock()
	m.code = int(ev.Response.Status)
	m.mu.Unlock()
}

func (m *documentMeta) reset() {
	m.mu.Lock()
	m.code = 0
	m.mu.Unlock()
}

func (m *documentMeta) status() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.code
}
