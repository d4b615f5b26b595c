// Package sqlite provides a MetadataStore on an embedded SQLite database,
// suited to single-host crawls.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

// timeLayout is fixed width so stored timestamps sort lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// Config locates the database file.
type Config struct {
	Path string `mapstructure:"path"`
}

// MetadataStore persists crawl metadata in SQLite.
type MetadataStore struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at cfg.Path and applies the schema.
func Open(ctx context.Context, cfg Config) (*MetadataStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, fmt.Errorf("storage.sqlite.path is required")
	}
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	pragmas := []string{"foreign_keys(1)", "busy_timeout(10000)", "synchronous(NORMAL)"}
	if path != MemoryPath {
		pragmas = append(pragmas, "journal_mode(WAL)")
	}
	db, err := sql.Open("sqlite", dsn(path, pragmas))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if path == MemoryPath {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &MetadataStore{db: db}, nil
}

// dsn attaches pragmas as _pragma query parameters so the driver applies
// them to every pooled connection, not just the first.
func dsn(path string, pragmas []string) string {
	q := url.Values{}
	for _, p := range pragmas {
		q.Add("_pragma", p)
	}
	return path + "?" + q.Encode()
}

// Close closes the database.
func (s *MetadataStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", s, err)
	}
	return t.UTC(), nil
}

// CreateSession inserts an open session row.
func (s *MetadataStore) CreateSession(ctx context.Context, session crawler.CrawlSession) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO crawl_sessions (id, source_id, source_name, start_time) VALUES (?, ?, ?, ?)`,
		session.ID, session.SourceID, session.SourceName, formatTime(session.StartTime))
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// CloseSession stamps the end of a session.
func (s *MetadataStore) CloseSession(
	ctx context.Context,
	sessionID string,
	end time.Time,
	pages int,
	reason crawler.StopReason,
) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE crawl_sessions SET end_time = ?, pages_processed = ?, stopped_reason = ? WHERE id = ?`,
		formatTime(end), pages, string(reason), sessionID)
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("session %s: %w", sessionID, crawler.ErrNotFound)
	}
	return nil
}

// RecordItem inserts an item row. A URL may appear once per session.
func (s *MetadataStore) RecordItem(ctx context.Context, rec crawler.ItemRecord) error {
	meta := rec.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO crawl_items (session_id, source_id, url, content_hash, location, crawled_at, metadata)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (session_id, url) DO NOTHING`,
		rec.SessionID, rec.SourceID, rec.URL, rec.Hash, rec.Location, formatTime(rec.CrawledAt), string(metaJSON))
	if err != nil {
		return fmt.Errorf("insert item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert item: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("item %s: %w", rec.URL, crawler.ErrDuplicate)
	}
	return nil
}

// RecordFieldStats inserts the field statistics of a session in one transaction.
func (s *MetadataStore) RecordFieldStats(ctx context.Context, sessionID string, stats []crawler.FieldStat) error {
	if len(stats) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
INSERT INTO field_stats (session_id, phase, name, optional, success_count, total_attempts)
VALUES (?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare field stat insert: %w", err)
		}
		defer func() { _ = stmt.Close() }()
		for _, st := range stats {
			if _, err := stmt.ExecContext(ctx, sessionID, string(st.Phase), st.Name, st.Optional, st.SuccessCount, st.TotalAttempts); err != nil {
				return fmt.Errorf("insert field stat %s: %w", st.Name, err)
			}
		}
		return nil
	})
}

// RecordErrors inserts the crawl errors of a session in one transaction.
func (s *MetadataStore) RecordErrors(ctx context.Context, sessionID string, errs []crawler.CrawlError) error {
	if len(errs) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
INSERT INTO crawl_errors (session_id, phase, url, field, message, occurred_at)
VALUES (?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare crawl error insert: %w", err)
		}
		defer func() { _ = stmt.Close() }()
		for _, e := range errs {
			if _, err := stmt.ExecContext(ctx, sessionID, string(e.Phase), e.URL, e.Field, e.Message, formatTime(e.Timestamp)); err != nil {
				return fmt.Errorf("insert crawl error: %w", err)
			}
		}
		return nil
	})
}

func (s *MetadataStore) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

const sessionColumns = `id, source_id, source_name, start_time, end_time, pages_processed, stopped_reason`

func scanSession(row scanner) (crawler.CrawlSession, error) {
	var (
		session crawler.CrawlSession
		start   string
		end     sql.NullString
		reason  string
	)
	if err := row.Scan(&session.ID, &session.SourceID, &session.SourceName, &start, &end, &session.PagesProcessed, &reason); err != nil {
		return crawler.CrawlSession{}, err
	}
	var err error
	if session.StartTime, err = parseTime(start); err != nil {
		return crawler.CrawlSession{}, err
	}
	if end.Valid {
		t, err := parseTime(end.String)
		if err != nil {
			return crawler.CrawlSession{}, err
		}
		session.EndTime = &t
	}
	session.StoppedReason = crawler.StopReason(reason)
	return session, nil
}

// GetSession fetches a session by ID.
func (s *MetadataStore) GetSession(ctx context.Context, sessionID string) (crawler.CrawlSession, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM crawl_sessions WHERE id = ?`, sessionID)
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return crawler.CrawlSession{}, fmt.Errorf("session %s: %w", sessionID, crawler.ErrNotFound)
		}
		return crawler.CrawlSession{}, fmt.Errorf("get session: %w", err)
	}
	return session, nil
}

// ListSessions returns sessions newest first. An empty sourceID matches all.
func (s *MetadataStore) ListSessions(ctx context.Context, sourceID string, limit int) ([]crawler.CrawlSession, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM crawl_sessions
WHERE ? = '' OR source_id = ?
ORDER BY start_time DESC, id DESC
LIMIT ?`, sourceID, sourceID, crawler.ItemFilter{Limit: limit}.NormalizedLimit())
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	sessions := []crawler.CrawlSession{}
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

func itemWhere(filter crawler.ItemFilter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if filter.SourceID != "" {
		clauses = append(clauses, "source_id = ?")
		args = append(args, filter.SourceID)
	}
	if filter.SessionID != "" {
		clauses = append(clauses, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if !filter.From.IsZero() {
		clauses = append(clauses, "crawled_at >= ?")
		args = append(args, formatTime(filter.From))
	}
	if !filter.To.IsZero() {
		clauses = append(clauses, "crawled_at < ?")
		args = append(args, formatTime(filter.To))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// QueryItems returns one page of items ordered by crawl time.
func (s *MetadataStore) QueryItems(ctx context.Context, filter crawler.ItemFilter) (crawler.ItemPage, error) {
	where, args := itemWhere(filter)
	page := crawler.ItemPage{Items: []crawler.ItemRecord{}}
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM crawl_items`+where, args...).Scan(&page.Total); err != nil {
		return crawler.ItemPage{}, fmt.Errorf("count items: %w", err)
	}

	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	query := `SELECT session_id, source_id, url, content_hash, location, crawled_at, metadata FROM crawl_items` +
		where + ` ORDER BY crawled_at, id LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, query, append(args, filter.NormalizedLimit(), offset)...)
	if err != nil {
		return crawler.ItemPage{}, fmt.Errorf("query items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			rec     crawler.ItemRecord
			crawled string
			meta    string
		)
		if err := rows.Scan(&rec.SessionID, &rec.SourceID, &rec.URL, &rec.Hash, &rec.Location, &crawled, &meta); err != nil {
			return crawler.ItemPage{}, fmt.Errorf("scan item row: %w", err)
		}
		if rec.CrawledAt, err = parseTime(crawled); err != nil {
			return crawler.ItemPage{}, err
		}
		if meta != "" {
			if err := json.Unmarshal([]byte(meta), &rec.Metadata); err != nil {
				return crawler.ItemPage{}, fmt.Errorf("decode metadata: %w", err)
			}
		}
		page.Items = append(page.Items, rec)
	}
	if err := rows.Err(); err != nil {
		return crawler.ItemPage{}, fmt.Errorf("iterate items: %w", err)
	}
	return page, nil
}

// FieldStats returns the recorded statistics of a session.
func (s *MetadataStore) FieldStats(ctx context.Context, sessionID string) ([]crawler.FieldStat, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT phase, name, optional, success_count, total_attempts
FROM field_stats WHERE session_id = ? ORDER BY rowid`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query field stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []crawler.FieldStat
	for rows.Next() {
		var (
			st    crawler.FieldStat
			phase string
		)
		if err := rows.Scan(&phase, &st.Name, &st.Optional, &st.SuccessCount, &st.TotalAttempts); err != nil {
			return nil, fmt.Errorf("scan field stat: %w", err)
		}
		st.Phase = crawler.Phase(phase)
		out = append(out, st)
	}
	return out, rows.Err()
}
