package crawler

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrInterrupted marks work skipped because the run was interrupted.
	ErrInterrupted = errors.New("crawl interrupted")
	// ErrNotFound is returned by stores for unknown keys.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a URL is recorded twice in one session.
	ErrDuplicate = errors.New("duplicate record")
	// ErrClickUnsupported is returned by backends that cannot script a page.
	ErrClickUnsupported = errors.New("click not supported by browser backend")
	// ErrFieldMissing is wrapped by ExtractionError when a selector matched nothing.
	ErrFieldMissing = errors.New("field not found")
)

// ConfigError reports an invalid or missing source configuration. It is
// fatal and raised before any browser work.
type ConfigError struct {
	SourceID string
	Err      error
}

func (e *ConfigError) Error() string {
	if e.SourceID == "" {
		return fmt.Sprintf("config: %v", e.Err)
	}
	return fmt.Sprintf("config %q: %v", e.SourceID, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// NavigationError reports a page that failed to load.
type NavigationError struct {
	URL string
	Err error
}

func (e *NavigationError) Error() string {
	return fmt.Sprintf("navigate %s: %v", e.URL, e.Err)
}

func (e *NavigationError) Unwrap() error { return e.Err }

// ExtractionError reports a required field whose selector matched nothing.
type ExtractionError struct {
	Field    string
	Selector string
	Err      error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %q (selector %q): %v", e.Field, e.Selector, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// StorageError reports a failed persistence operation.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// ErrorKind labels err with its taxonomy category for logs and metrics.
func ErrorKind(err error) string {
	if err == nil {
		return "none"
	}
	var (
		cfgErr     *ConfigError
		navErr     *NavigationError
		extractErr *ExtractionError
		storeErr   *StorageError
	)
	switch {
	case errors.Is(err, ErrInterrupted), errors.Is(err, context.Canceled):
		return "interrupted"
	case errors.As(err, &cfgErr):
		return "config"
	case errors.As(err, &navErr):
		return "navigation"
	case errors.As(err, &extractErr):
		return "extraction"
	case errors.As(err, &storeErr):
		return "storage"
	default:
		return "other"
	}
}
