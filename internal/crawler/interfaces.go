package crawler

import (
	"context"
	"time"

	"github.com/JakeFAU/sitecrawler/internal/source"
)

// Page is one browser tab (or its static equivalent).
type Page interface {
	// URL returns the address of the currently loaded document.
	URL() string
	// HTML serializes the current DOM.
	HTML(ctx context.Context) (string, error)
	// Click activates the first element matching selector and waits for the
	// page to settle. Backends without script support return ErrClickUnsupported.
	Click(ctx context.Context, selector string) error
	Close() error
}

// PageOptions configures a new page.
type PageOptions struct {
	DisableJavaScript bool
}

// BrowserSession owns one automated-browser instance.
type BrowserSession interface {
	// Launch starts the browser. It is a no-op once launched; NewPage launches lazily.
	Launch(ctx context.Context) error
	NewPage(ctx context.Context, opts PageOptions) (Page, error)
	// Navigate loads rawURL into page. Timeouts are swallowed and the page keeps
	// whatever loaded; only hard failures return a *NavigationError.
	Navigate(ctx context.Context, page Page, rawURL string) error
	// Reset tears down and relaunches the browser. Cookies and pages opened
	// before the reset are lost.
	Reset(ctx context.Context) error
	Close() error
}

// SessionFactory builds a BrowserSession suited to a source.
type SessionFactory interface {
	NewSession(src source.Config) (BrowserSession, error)
}

// ContentStore is a content-addressable blob store.
type ContentStore interface {
	// Store writes data under its digest. Writing bytes that are already
	// present is a no-op that reports Reused.
	Store(ctx context.Context, data []byte) (StoredContent, error)
	Has(ctx context.Context, hash string) (bool, error)
	Retrieve(ctx context.Context, hash string) ([]byte, error)
	// Location returns the address a blob with hash has (or would have).
	Location(hash string) string
}

// MetadataStore is the durable index of sessions, items, stats, and errors.
// Apart from CloseSession every operation appends.
type MetadataStore interface {
	CreateSession(ctx context.Context, session CrawlSession) error
	CloseSession(ctx context.Context, sessionID string, end time.Time, pages int, reason StopReason) error
	RecordItem(ctx context.Context, rec ItemRecord) error
	RecordFieldStats(ctx context.Context, sessionID string, stats []FieldStat) error
	RecordErrors(ctx context.Context, sessionID string, errs []CrawlError) error
	GetSession(ctx context.Context, sessionID string) (CrawlSession, error)
	ListSessions(ctx context.Context, sourceID string, limit int) ([]CrawlSession, error)
	QueryItems(ctx context.Context, filter ItemFilter) (ItemPage, error)
	Close() error
}

// Crawler processes one source of the type it declares.
type Crawler interface {
	Type() string
	Process(ctx context.Context, src source.Config) (Result, error)
}

// Interrupter is the cooperative cancellation token polled at checkpoints.
type Interrupter interface {
	IsInterrupted() bool
	Done() <-chan struct{}
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces session IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// NeverInterrupted is an Interrupter that never fires.
type NeverInterrupted struct{}

// IsInterrupted always reports false.
func (NeverInterrupted) IsInterrupted() bool { return false }

// Done returns a nil channel, which blocks forever.
func (NeverInterrupted) Done() <-chan struct{} { return nil }

// SelectorWaiter is implemented by pages whose DOM keeps changing after load.
// Callers wait for a container to appear before extracting from it.
type SelectorWaiter interface {
	WaitSelector(ctx context.Context, selector string, timeout time.Duration) error
}

// Publisher announces closed sessions to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, event SessionEvent) (string, error)
}
