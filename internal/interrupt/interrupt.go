// Package interrupt provides the process-wide cooperative cancellation token.
// SIGINT or SIGTERM flips the token once; long-running loops poll it at their
// checkpoints and wind down without abandoning work already in flight.
package interrupt

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"go.uber.org/zap"
)

// Controller is a resettable interruption token.
type Controller struct {
	logger *zap.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	sigCh   chan os.Signal
	stopped chan struct{}
	flag    atomic.Bool
}

// New returns a controller that has not yet registered signal handlers.
func New(logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Controller{logger: logger.Named("interrupt")}
	c.reset()
	return c
}

func (c *Controller) reset() {
	ctx, cancel := context.WithCancel(context.Background())
	c.ctx = ctx
	c.cancel = cancel
	c.flag.Store(false)
}

// Setup registers the SIGINT and SIGTERM handlers. Calling it again is a no-op.
func (c *Controller) Setup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sigCh != nil {
		return
	}
	c.sigCh = make(chan os.Signal, 1)
	c.stopped = make(chan struct{})
	signal.Notify(c.sigCh, syscall.SIGINT, syscall.SIGTERM)

	sigCh, stopped := c.sigCh, c.stopped
	go func() {
		for {
			select {
			case sig := <-sigCh:
				c.logger.Warn("interrupt received, finishing in-flight work", zap.String("signal", sig.String()))
				c.Trigger()
			case <-stopped:
				return
			}
		}
	}()
}

// Trigger aborts the current run. Only the first call has an effect.
func (c *Controller) Trigger() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.flag.CompareAndSwap(false, true) {
		c.cancel()
	}
}

// IsInterrupted reports whether the token has fired.
func (c *Controller) IsInterrupted() bool {
	return c.flag.Load()
}

// Done is closed when the token fires.
func (c *Controller) Done() <-chan struct{} {
	return c.Context().Done()
}

// Context exposes the token as a context cancelled on interruption.
func (c *Controller) Context() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctx
}

// Cleanup deregisters the signal handlers and re-arms the token.
func (c *Controller) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sigCh != nil {
		signal.Stop(c.sigCh)
		close(c.stopped)
		c.sigCh = nil
		c.stopped = nil
	}
	c.cancel()
	c.reset()
}
