// Package cmd defines and implements the CLI commands for the sitecrawler executable.
package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/api"
	"github.com/JakeFAU/sitecrawler/internal/app"
	"github.com/JakeFAU/sitecrawler/internal/config"
	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/logging"
	"github.com/JakeFAU/sitecrawler/internal/source"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application interface that commands use.
// Tests inject a fake through newApp.
type App interface {
	Close()
	Logger() *zap.Logger
	Catalog() *source.Catalog
	RunSource(ctx context.Context, id string) (crawler.Result, error)
	RunAll(ctx context.Context) []app.SourceRun
	Server() *api.Server
}

// Settings is what the commands need from configuration besides the App.
type Settings struct {
	Port int
}

// newApp is the application factory. It is a variable so tests can replace it.
var newApp = func(ctx context.Context, cfgPath, command string) (App, Settings, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, Settings{}, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
		Command:     command,
	})
	if err != nil {
		return nil, Settings{}, fmt.Errorf("init logger: %w", err)
	}
	zap.ReplaceGlobals(logger)
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, Settings{}, err
	}
	return a, Settings{Port: cfg.Server.Port}, nil
}

type appState struct {
	app      App
	settings Settings
}

// newRootCmd creates and configures the root command. The returned func
// closes the application if a subcommand built it; it runs whether or not
// the subcommand succeeded.
func newRootCmd() (*cobra.Command, func()) {
	var (
		cfgFile string
		state   *appState
	)
	cmd := &cobra.Command{
		Use:   "sitecrawler",
		Short: "Crawl listing and detail pages into a content-addressed store.",
		Long: `sitecrawler walks the paginated listing pages of configured sites,
follows every item to its detail page, and stores the merged fields under
their content hash together with a per-run audit trail.`,
		SilenceUsage: true,

		// Build the application once, before any subcommand runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, settings, err := newApp(cmd.Context(), cfgFile, cmd.Name())
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			state = &appState{app: appInstance, settings: settings}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, state))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); environment overrides use the SITECRAWLER_ prefix")

	cmd.AddCommand(newCrawlCmd())
	cmd.AddCommand(newSourcesCmd())
	cmd.AddCommand(newServeCmd())

	cleanup := func() {
		if state != nil {
			state.app.Close()
			state = nil
		}
	}
	return cmd, cleanup
}

func resolveApp(ctx context.Context) (*appState, error) {
	state, ok := ctx.Value(appKey).(*appState)
	if !ok || state == nil {
		return nil, errors.New("application services not initialized")
	}
	return state, nil
}

// Execute runs the root command with ctx.
func Execute(ctx context.Context) error {
	root, cleanup := newRootCmd()
	defer cleanup()
	return root.ExecuteContext(ctx)
}
