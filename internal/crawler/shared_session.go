package crawler

import (
	"context"
	"sync"
	"sync/atomic"
)

// SharedSession is a BrowserSession used by more than one component at once.
// It numbers browser generations so a user can tell that its pages died in
// someone else's reset, and it collapses concurrent reset requests into one.
type SharedSession struct {
	BrowserSession

	mu         sync.Mutex
	generation atomic.Uint64
}

// Share wraps s. A session that is already shared is returned as is.
func Share(s BrowserSession) *SharedSession {
	if shared, ok := s.(*SharedSession); ok {
		return shared
	}
	return &SharedSession{BrowserSession: s}
}

// Generation counts the resets performed so far.
func (s *SharedSession) Generation() uint64 {
	return s.generation.Load()
}

// Reset relaunches the browser unconditionally.
func (s *SharedSession) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resetLocked(ctx)
}

// ResetFrom relaunches the browser only if it is still at generation seen.
// It reports false when another caller already reset it, in which case the
// caller just needs fresh pages.
func (s *SharedSession) ResetFrom(ctx context.Context, seen uint64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation.Load() != seen {
		return false, nil
	}
	return true, s.resetLocked(ctx)
}

func (s *SharedSession) resetLocked(ctx context.Context) error {
	// Pages are gone even when the relaunch fails.
	defer s.generation.Add(1)
	return s.BrowserSession.Reset(ctx)
}
