package chrome

import (
	"context"
	"errors"
	"os/exec"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg := Config{}.withDefaults()
	assert.Equal(t, 1366, cfg.ViewportWidth)
	assert.Equal(t, 768, cfg.ViewportHeight)
	assert.Equal(t, DefaultNavigationTimeout, cfg.NavigationTimeout)
	assert.Equal(t, DefaultClickSettle, cfg.ClickSettle)

	cfg = Config{ViewportWidth: 800, ViewportHeight: 600, NavigationTimeout: time.Second}.withDefaults()
	assert.Equal(t, 800, cfg.ViewportWidth)
	assert.Equal(t, 600, cfg.ViewportHeight)
	assert.Equal(t, time.Second, cfg.NavigationTimeout)
}

func TestBlockedPatterns(t *testing.T) {
	t.Parallel()

	types := func(block bool) []network.ResourceType {
		var out []network.ResourceType
		for _, p := range blockedPatterns(block) {
			assert.Equal(t, "*", p.URLPattern)
			out = append(out, p.ResourceType)
		}
		return out
	}
	assert.ElementsMatch(t, []network.ResourceType{
		network.ResourceTypeImage, network.ResourceTypeFont, network.ResourceTypeMedia,
	}, types(false))
	assert.Contains(t, types(true), network.ResourceTypeStylesheet)
}

func TestAllocatorOptionsGrowWithConfig(t *testing.T) {
	t.Parallel()

	base := len(allocatorOptions(Config{}.withDefaults()))
	full := len(allocatorOptions(Config{ExecPath: "/usr/bin/chromium", NoSandbox: true, UserAgent: "bot"}.withDefaults()))
	assert.Equal(t, base+3, full)
}

type foreignPage struct{ crawler.Page }

func TestNavigateRejectsForeignPage(t *testing.T) {
	t.Parallel()

	s := New(Config{}, nil)
	err := s.Navigate(context.Background(), foreignPage{}, "https://example.com")
	var navErr *crawler.NavigationError
	require.True(t, errors.As(err, &navErr))
	assert.Equal(t, "https://example.com", navErr.URL)
}

func TestCloseWithoutLaunch(t *testing.T) {
	t.Parallel()

	s := New(Config{}, nil)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}

func TestDocumentMetaTracksMainDocument(t *testing.T) {
	t.Parallel()

	m := &documentMeta{}
	m.capture(&network.EventResponseReceived{Type: network.ResourceTypeImage, Response: &network.Response{Status: 500}})
	assert.Zero(t, m.status())
	m.capture(&network.EventResponseReceived{Type: network.ResourceTypeDocument, Response: &network.Response{Status: 404}})
	assert.Equal(t, 404, m.status())
	m.reset()
	assert.Zero(t, m.status())
}

func TestLaunchFailsWithMissingBinary(t *testing.T) {
	t.Parallel()

	s := New(Config{Headless: true, ExecPath: "/nonexistent/chrome-binary"}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.Error(t, s.Launch(ctx))
	require.NoError(t, s.Close())
}

func TestRealBrowserSmoke(t *testing.T) {
	if testing.Short() {
		t.Skip("short mode")
	}
	path, err := exec.LookPath("chromium")
	if err != nil {
		if path, err = exec.LookPath("google-chrome"); err != nil {
			t.Skip("no chrome binary available")
		}
	}
	s := New(Config{Headless: true, ExecPath: path, NoSandbox: true, NavigationTimeout: 15 * time.Second}, nil)
	defer func() { _ = s.Close() }()

	ctx := context.Background()
	page, err := s.NewPage(ctx, crawler.PageOptions{})
	require.NoError(t, err)
	defer func() { _ = page.Close() }()

	require.NoError(t, s.Navigate(ctx, page, "data:text/html,<html><body><p id=x>hi</p></body></html>"))
	waiter, ok := page.(crawler.SelectorWaiter)
	require.True(t, ok)
	require.NoError(t, waiter.WaitSelector(ctx, "#x", 5*time.Second))
	html, err := page.HTML(ctx)
	require.NoError(t, err)
	assert.Contains(t, html, "hi")
}
