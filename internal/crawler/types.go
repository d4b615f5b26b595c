package crawler

import "time"

// StopReason enumerates why listing traversal ended.
type StopReason string

// Stop reasons recorded on a crawl session.
const (
	StopMaxPagesReached   StopReason = "maxPagesReached"
	StopNoNextButton      StopReason = "noNextButton"
	StopAllItemsDuplicate StopReason = "allItemsDuplicate"
	StopInterrupted       StopReason = "interrupted"
	StopNavigationError   StopReason = "navigationError"
)

// Phase identifies which half of the crawl produced a stat or an error.
type Phase string

// Crawl phases.
const (
	PhaseListing Phase = "listing"
	PhaseContent Phase = "content"
)

// Detail outcomes stored under the MetaDetailStatus metadata key.
const (
	DetailOK      = "ok"
	DetailPartial = "partial"
	DetailFailed  = "failed"
)

// Metadata keys attached to every crawled item.
const (
	MetaSourceName   = "source_name"
	MetaListingPage  = "listing_page"
	MetaDetailStatus = "detail_status"
)

// ListingItem is one item summary pulled from a listing page.
type ListingItem struct {
	URL      string            `json:"url"`
	SourceID string            `json:"source_id"`
	Page     int               `json:"page"`
	Fields   map[string]string `json:"fields"`
}

// CrawledItem is a listing item merged with its detail-page fields. It is
// immutable once stored.
type CrawledItem struct {
	URL             string            `json:"url"`
	SourceID        string            `json:"source_id"`
	Fields          map[string]string `json:"fields"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	ContentHash     string            `json:"content_hash"`
	ContentLocation string            `json:"content_location,omitempty"`
	CrawledAt       time.Time         `json:"crawled_at"`
}

// FieldStat accumulates per-field success accounting for one run.
type FieldStat struct {
	Name          string `json:"name"`
	Phase         Phase  `json:"phase"`
	Optional      bool   `json:"optional"`
	SuccessCount  int    `json:"success_count"`
	TotalAttempts int    `json:"total_attempts"`
}

// CrawlError is a recorded, non-fatal failure.
type CrawlError struct {
	Phase     Phase     `json:"phase"`
	URL       string    `json:"url"`
	Field     string    `json:"field,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// CrawlSession is the persisted record of one crawl run.
type CrawlSession struct {
	ID             string     `json:"session_id"`
	SourceID       string     `json:"source_id"`
	SourceName     string     `json:"source_name"`
	StartTime      time.Time  `json:"start_time"`
	EndTime        *time.Time `json:"end_time,omitempty"`
	PagesProcessed int        `json:"pages_processed"`
	StoppedReason  StopReason `json:"stopped_reason,omitempty"`
}

// StorageStats counts persistence outcomes for one run.
type StorageStats struct {
	ItemsStored   int `json:"items_stored"`
	ContentWrites int `json:"content_writes"`
	ContentReused int `json:"content_reused"`
	Failures      int `json:"failures"`
}

// CrawlSummary is returned for every run, however it ended.
type CrawlSummary struct {
	CrawlSession
	ItemsFound        int          `json:"items_found"`
	ItemsProcessed    int          `json:"items_processed"`
	DuplicatesSkipped int          `json:"duplicates_skipped"`
	URLsExcluded      int          `json:"urls_excluded"`
	FieldStats        []FieldStat  `json:"field_stats"`
	Errors            []CrawlError `json:"errors"`
	Storage           StorageStats `json:"storage_stats"`
}

// Result bundles what a crawler produced for one source.
type Result struct {
	Items   []CrawledItem `json:"data"`
	Summary CrawlSummary  `json:"summary"`
}

// StoredContent addresses a blob in a ContentStore.
type StoredContent struct {
	Hash     string `json:"hash"`
	Location string `json:"location"`
	Reused   bool   `json:"reused"`
}

// ItemRecord is the metadata row pointing a session's item at its content.
type ItemRecord struct {
	SessionID string            `json:"session_id"`
	SourceID  string            `json:"source_id"`
	URL       string            `json:"url"`
	Hash      string            `json:"hash"`
	Location  string            `json:"location"`
	CrawledAt time.Time         `json:"crawled_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ItemFilter narrows a paged item query. Zero values mean "no constraint".
type ItemFilter struct {
	SourceID  string
	SessionID string
	From      time.Time
	To        time.Time
	Limit     int
	Offset    int
}

// ItemPage is one page of an item query.
type ItemPage struct {
	Items []ItemRecord `json:"items"`
	Total int          `json:"total"`
}

// DefaultQueryLimit caps item queries that do not set a limit.
const DefaultQueryLimit = 50

// NormalizedLimit returns the effective page size for the filter.
func (f ItemFilter) NormalizedLimit() int {
	switch {
	case f.Limit <= 0:
		return DefaultQueryLimit
	case f.Limit > 1000:
		return 1000
	default:
		return f.Limit
	}
}

// Matches reports whether rec satisfies the filter's constraints, ignoring paging.
func (f ItemFilter) Matches(rec ItemRecord) bool {
	if f.SourceID != "" && rec.SourceID != f.SourceID {
		return false
	}
	if f.SessionID != "" && rec.SessionID != f.SessionID {
		return false
	}
	if !f.From.IsZero() && rec.CrawledAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !rec.CrawledAt.Before(f.To) {
		return false
	}
	return true
}

// SessionEvent is the compact announcement published when a session closes.
type SessionEvent struct {
	SessionID      string       `json:"session_id"`
	SourceID       string       `json:"source_id"`
	StoppedReason  StopReason   `json:"stopped_reason"`
	StartTime      time.Time    `json:"start_time"`
	EndTime        time.Time    `json:"end_time"`
	PagesProcessed int          `json:"pages_processed"`
	ItemsProcessed int          `json:"items_processed"`
	Errors         int          `json:"errors"`
	Storage        StorageStats `json:"storage_stats"`
}

// NewSessionEvent condenses a finished run's summary.
func NewSessionEvent(s CrawlSummary) SessionEvent {
	ev := SessionEvent{
		SessionID:      s.ID,
		SourceID:       s.SourceID,
		StoppedReason:  s.StoppedReason,
		StartTime:      s.StartTime,
		PagesProcessed: s.PagesProcessed,
		ItemsProcessed: s.ItemsProcessed,
		Errors:         len(s.Errors),
		Storage:        s.Storage,
	}
	if s.EndTime != nil {
		ev.EndTime = *s.EndTime
	}
	return ev
}
