// Package browser picks a BrowserSession backend for each source.
package browser

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/browser/chrome"
	"github.com/JakeFAU/sitecrawler/internal/browser/static"
	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/source"
)

// Backend names accepted in configuration.
const (
	BackendAuto   = "auto"
	BackendChrome = "chrome"
	BackendStatic = "static"
)

// Config selects and configures the backend.
type Config struct {
	// Backend is auto, chrome, or static. Auto uses the static backend for
	// sources that disable JavaScript and Chrome for everything else.
	Backend string
	Chrome  chrome.Config
	Static  static.Config
}

// Factory implements crawler.SessionFactory.
type Factory struct {
	cfg    Config
	logger *zap.Logger
}

// NewFactory validates the backend name.
func NewFactory(cfg Config, logger *zap.Logger) (*Factory, error) {
	cfg.Backend = strings.ToLower(strings.TrimSpace(cfg.Backend))
	if cfg.Backend == "" {
		cfg.Backend = BackendAuto
	}
	switch cfg.Backend {
	case BackendAuto, BackendChrome, BackendStatic:
	default:
		return nil, fmt.Errorf("unsupported browser backend %q", cfg.Backend)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{cfg: cfg, logger: logger}, nil
}

// BackendFor reports which backend a source would get.
func (f *Factory) BackendFor(src source.Config) string {
	if f.cfg.Backend == BackendAuto {
		if src.DisableJavaScript {
			return BackendStatic
		}
		return BackendChrome
	}
	return f.cfg.Backend
}

// NewSession returns an unlaunched session for src.
func (f *Factory) NewSession(src source.Config) (crawler.BrowserSession, error) {
	logger := f.logger.With(zap.String("source_id", src.ID))
	switch f.BackendFor(src) {
	case BackendStatic:
		return static.New(f.cfg.Static, logger), nil
	default:
		return chrome.New(f.cfg.Chrome, logger), nil
	}
}
