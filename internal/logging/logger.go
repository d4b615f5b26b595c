// Package logging builds the crawler's zap loggers.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Service is attached to every entry so crawl logs can be told apart from
// the API server's when both ship to the same sink.
const Service = "sitecrawler"

// Options selects the logger preset.
type Options struct {
	// Development switches to the console encoder with colored levels and
	// debug output.
	Development bool
	// Level overrides the preset's minimum level ("debug", "info", "warn",
	// "error"). Empty keeps the preset.
	Level string
	// Command names the CLI command the process runs, if any.
	Command string
}

// New builds a logger for opts.
func New(opts Options) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if opts.Development {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg.DisableStacktrace = false
	}
	cfg.EncoderConfig.TimeKey = "ts"

	if level := strings.TrimSpace(opts.Level); level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", level, err)
		}
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}

	fields := map[string]any{"service": Service}
	if opts.Command != "" {
		fields["command"] = opts.Command
	}
	cfg.InitialFields = fields

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}
