// Package static implements crawler.BrowserSession without a browser: pages
// are fetched over plain HTTP with colly and never execute scripts. It serves
// sources that disable JavaScript and keeps pipeline tests hermetic.
package static

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

// DefaultNavigationTimeout bounds a single page load.
const DefaultNavigationTimeout = 30 * time.Second

// Config controls the HTTP collector.
type Config struct {
	UserAgent         string
	NavigationTimeout time.Duration
	// Transport overrides the HTTP transport, mainly for tests.
	Transport http.RoundTripper
}

// Session is a cookie-preserving HTTP "browser".
type Session struct {
	cfg    Config
	logger *zap.Logger

	mu        sync.Mutex
	collector *colly.Collector
	closed    bool
}

// New builds a session. The collector is created on Launch.
func New(cfg Config, logger *zap.Logger) *Session {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = DefaultNavigationTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{cfg: cfg, logger: logger.Named("static_browser")}
}

func (s *Session) newCollector() *colly.Collector {
	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
	)
	c.ParseHTTPErrorResponse = true
	if s.cfg.UserAgent != "" {
		c.UserAgent = s.cfg.UserAgent
	}
	transport := s.cfg.Transport
	if transport == nil {
		transport = newHTTPTransport()
	}
	c.WithTransport(transport)
	c.SetRequestTimeout(s.cfg.NavigationTimeout)
	return c
}

// Launch creates the collector. It is a no-op when already launched.
func (s *Session) Launch(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.collector != nil {
		return nil
	}
	s.collector = s.newCollector()
	s.closed = false
	return nil
}

// NewPage returns an empty page, launching the session if needed.
func (s *Session) NewPage(ctx context.Context, _ crawler.PageOptions) (crawler.Page, error) {
	if err := s.Launch(ctx); err != nil {
		return nil, err
	}
	return &page{}, nil
}

func (s *Session) base() (*colly.Collector, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.collector == nil {
		return nil, errors.New("browser session is not running")
	}
	return s.collector, nil
}

type loadResult struct {
	html     string
	finalURL string
	status   int
	err      error
}

// Navigate fetches rawURL into p. Timeouts leave the page as it was; only
// transport failures return a *crawler.NavigationError.
func (s *Session) Navigate(ctx context.Context, p crawler.Page, rawURL string) error {
	pg, ok := p.(*page)
	if !ok {
		return &crawler.NavigationError{URL: rawURL, Err: fmt.Errorf("page of type %T not created by this session", p)}
	}
	base, err := s.base()
	if err != nil {
		return &crawler.NavigationError{URL: rawURL, Err: err}
	}

	collector := base.Clone()
	collector.AllowURLRevisit = true
	collector.ParseHTTPErrorResponse = true
	var res loadResult
	collector.OnResponse(func(r *colly.Response) {
		res.html = string(r.Body)
		res.finalURL = r.Request.URL.String()
		res.status = r.StatusCode
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 && len(r.Body) > 0 {
			res.html = string(r.Body)
			res.finalURL = r.Request.URL.String()
			res.status = r.StatusCode
			return
		}
		res.err = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()

	navCtx, cancel := context.WithTimeout(ctx, s.cfg.NavigationTimeout)
	defer cancel()

	select {
	case <-navCtx.Done():
		if ctx.Err() != nil {
			return &crawler.NavigationError{URL: rawURL, Err: ctx.Err()}
		}
		s.logger.Warn("navigation timed out, keeping current content", zap.String("url", rawURL))
		return nil
	case visitErr := <-done:
		if visitErr == nil {
			visitErr = res.err
		}
		if visitErr != nil {
			if isTimeout(visitErr) {
				s.logger.Warn("navigation timed out, keeping current content",
					zap.String("url", rawURL), zap.Error(visitErr))
				return nil
			}
			return &crawler.NavigationError{URL: rawURL, Err: visitErr}
		}
	}

	if res.status >= http.StatusBadRequest {
		s.logger.Debug("page loaded with error status",
			zap.String("url", rawURL), zap.Int("status", res.status))
	}
	pg.set(res.finalURL, res.html)
	return nil
}

// Reset discards the collector, cookies included, and builds a fresh one.
func (s *Session) Reset(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collector = s.newCollector()
	s.closed = false
	s.logger.Info("browser session reset")
	return nil
}

// Close stops the session. Pages already created keep their last content.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.collector = nil
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}

type page struct {
	mu   sync.RWMutex
	url  string
	html string
}

func (p *page) set(url, html string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.url = url
	p.html = html
}

func (p *page) URL() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.url
}

func (p *page) HTML(_ context.Context) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.html, nil
}

func (p *page) Click(_ context.Context, _ string) error {
	return crawler.ErrClickUnsupported
}

func (p *page) Close() error { return nil }
