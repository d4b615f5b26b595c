// Package fake provides a scripted in-memory BrowserSession for tests.
package fake

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

// ErrUnknownURL is returned for addresses with no scripted page.
var ErrUnknownURL = errors.New("no such host")

// Stats is a snapshot of what the session was asked to do.
type Stats struct {
	Launches    int
	Resets      int
	Closed      bool
	PagesOpened int
	MaxInFlight int
	Navigations []string
}

// Session serves scripted HTML keyed by URL.
type Session struct {
	// Latency delays every navigation, honouring the caller's context.
	Latency time.Duration
	// LaunchErr makes Launch and NewPage fail.
	LaunchErr error
	// ClickUnsupported makes every Click return crawler.ErrClickUnsupported.
	ClickUnsupported bool

	mu         sync.Mutex
	pages      map[string]string
	failures   map[string]int
	clicks     map[string]string
	launched   bool
	generation int
	inFlight   int
	stats      Stats
}

// New returns an empty session.
func New() *Session {
	return &Session{
		pages:    make(map[string]string),
		failures: make(map[string]int),
		clicks:   make(map[string]string),
	}
}

// SetPage scripts the document served for url.
func (s *Session) SetPage(url, html string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[url] = html
}

// Fail makes the next n navigations to url fail hard. A negative n fails
// forever.
func (s *Session) Fail(url string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[url] = n
}

// SetClick makes a click on a page showing from load to.
func (s *Session) SetClick(from, to string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clicks[from] = to
}

// Stats returns a copy of the counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.stats
	out.Navigations = append([]string(nil), s.stats.Navigations...)
	return out
}

// Launch marks the session running.
func (s *Session) Launch(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.launchLocked()
}

func (s *Session) launchLocked() error {
	if s.LaunchErr != nil {
		return s.LaunchErr
	}
	if !s.launched {
		s.launched = true
		s.stats.Launches++
	}
	return nil
}

// NewPage returns a blank page bound to the current browser generation.
func (s *Session) NewPage(_ context.Context, _ crawler.PageOptions) (crawler.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.launchLocked(); err != nil {
		return nil, err
	}
	s.stats.PagesOpened++
	return &Page{session: s, generation: s.generation}, nil
}

// Navigate loads the scripted document for url into p.
func (s *Session) Navigate(ctx context.Context, p crawler.Page, url string) error {
	pg, ok := p.(*Page)
	if !ok {
		return &crawler.NavigationError{URL: url, Err: fmt.Errorf("foreign page %T", p)}
	}

	s.mu.Lock()
	s.stats.Navigations = append(s.stats.Navigations, url)
	if !s.launched || pg.generation != s.generation {
		s.mu.Unlock()
		return &crawler.NavigationError{URL: url, Err: errors.New("page belongs to a closed browser")}
	}
	s.inFlight++
	if s.inFlight > s.stats.MaxInFlight {
		s.stats.MaxInFlight = s.inFlight
	}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.inFlight--
		s.mu.Unlock()
	}()

	if s.Latency > 0 {
		timer := time.NewTimer(s.Latency)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return &crawler.NavigationError{URL: url, Err: ctx.Err()}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.failures[url]; ok && n != 0 {
		if n > 0 {
			s.failures[url] = n - 1
		}
		return &crawler.NavigationError{URL: url, Err: errors.New("connection refused")}
	}
	html, ok := s.pages[url]
	if !ok {
		return &crawler.NavigationError{URL: url, Err: ErrUnknownURL}
	}
	pg.load(url, html)
	return nil
}

// Reset invalidates every open page.
func (s *Session) Reset(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Resets++
	s.generation++
	s.launched = false
	return s.launchLocked()
}

// Close stops the session.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.launched = false
	s.stats.Closed = true
	return nil
}

// Page is a fake tab.
type Page struct {
	session    *Session
	generation int

	mu   sync.Mutex
	url  string
	html string
}

func (p *Page) load(url, html string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.url = url
	p.html = html
}

// URL returns the loaded address.
func (p *Page) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

// HTML returns the loaded document.
func (p *Page) HTML(_ context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.html, nil
}

// Click follows the scripted click target of the current page.
func (p *Page) Click(_ context.Context, selector string) error {
	s := p.session
	s.mu.Lock()
	if s.ClickUnsupported {
		s.mu.Unlock()
		return crawler.ErrClickUnsupported
	}
	to, ok := s.clicks[p.URL()]
	html := s.pages[to]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("click %s: nothing happens", selector)
	}
	p.load(to, html)
	return nil
}

// Close is a no-op.
func (p *Page) Close() error { return nil }
