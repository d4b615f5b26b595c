package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the read-only query API and /metrics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			state, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if port == 0 {
				port = state.settings.Port
			}
			// PORT wins, for container platforms that assign it.
			if v := os.Getenv("PORT"); v != "" {
				if p, perr := strconv.Atoi(v); perr == nil {
					port = p
				}
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, state, net.JoinHostPort("", strconv.Itoa(port)))
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (defaults to server.port)")
	return cmd
}

func serve(ctx context.Context, state *appState, addr string) error {
	logger := state.app.Logger()
	srv := &http.Server{
		Addr:              addr,
		Handler:           state.app.Server().Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("query API listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down query API")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
