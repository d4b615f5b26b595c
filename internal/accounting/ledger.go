// Package accounting accumulates per-field success counters and crawl errors
// for one session. A Ledger is safe for concurrent use by detail workers.
package accounting

import (
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/extract"
	"github.com/JakeFAU/sitecrawler/internal/source"
)

type statKey struct {
	phase crawler.Phase
	name  string
}

// Ledger is the mutex-guarded accumulator behind a CrawlSummary.
type Ledger struct {
	now func() time.Time

	mu     sync.Mutex
	stats  map[statKey]*crawler.FieldStat
	order  []statKey
	errors []crawler.CrawlError
}

// NewLedger returns an empty ledger stamping errors with clock.
func NewLedger(clock crawler.Clock) *Ledger {
	now := time.Now
	if clock != nil {
		now = clock.Now
	}
	return &Ledger{now: now, stats: make(map[statKey]*crawler.FieldStat)}
}

// Register declares the fields of a phase so they are reported even when
// never attempted.
func (l *Ledger) Register(phase crawler.Phase, specs map[string]source.FieldSpec) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for name, spec := range specs {
		l.statLocked(phase, name, spec.Optional)
	}
}

func (l *Ledger) statLocked(phase crawler.Phase, name string, optional bool) *crawler.FieldStat {
	key := statKey{phase: phase, name: name}
	st, ok := l.stats[key]
	if !ok {
		st = &crawler.FieldStat{Name: name, Phase: phase, Optional: optional}
		l.stats[key] = st
		l.order = append(l.order, key)
	}
	return st
}

// Observe folds one container's outcomes into the counters. Each required
// miss is recorded as an error; optional misses are not.
func (l *Ledger) Observe(phase crawler.Phase, url string, outcomes []extract.Outcome) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ts := l.now().UTC()
	for _, o := range outcomes {
		st := l.statLocked(phase, o.Field, o.Optional)
		st.TotalAttempts++
		if o.Found() {
			st.SuccessCount++
			continue
		}
		if o.Kind == extract.KindMissingRequired {
			msg := "required field not found"
			if o.Err != nil {
				msg = o.Err.Error()
			}
			l.errors = append(l.errors, crawler.CrawlError{
				Phase:     phase,
				URL:       url,
				Field:     o.Field,
				Message:   msg,
				Timestamp: ts,
			})
		}
	}
}

// RecordError appends a crawl error. field may be empty.
func (l *Ledger) RecordError(phase crawler.Phase, url, field string, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, crawler.CrawlError{
		Phase:     phase,
		URL:       url,
		Field:     field,
		Message:   msg,
		Timestamp: l.now().UTC(),
	})
}

// FieldStats returns a snapshot ordered listing-first, then by field name.
func (l *Ledger) FieldStats() []crawler.FieldStat {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]crawler.FieldStat, 0, len(l.order))
	for _, key := range l.order {
		out = append(out, *l.stats[key])
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Phase != out[j].Phase {
			return phaseRank(out[i].Phase) < phaseRank(out[j].Phase)
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Errors returns a snapshot of recorded errors in insertion order.
func (l *Ledger) Errors() []crawler.CrawlError {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]crawler.CrawlError(nil), l.errors...)
}

// ErrorCount reports how many errors have been recorded.
func (l *Ledger) ErrorCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.errors)
}

func phaseRank(p crawler.Phase) int {
	switch p {
	case crawler.PhaseListing:
		return 0
	case crawler.PhaseContent:
		return 1
	default:
		return 2
	}
}
