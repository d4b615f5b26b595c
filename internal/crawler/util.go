package crawler

import (
	"context"
	"time"
)

// SleepContext waits for d or until ctx or intr fires, whichever is first.
// It reports whether the full duration elapsed.
func SleepContext(ctx context.Context, intr Interrupter, d time.Duration) bool {
	if intr == nil {
		intr = NeverInterrupted{}
	}
	if intr.IsInterrupted() || ctx.Err() != nil {
		return false
	}
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-intr.Done():
		return false
	}
}
