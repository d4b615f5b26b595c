// Package postgres provides a Postgres-backed MetadataStore.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// MetadataStore persists sessions, item pointers, field stats, and errors.
type MetadataStore struct {
	pool pool
}

// New connects a pool using cfg.
func New(ctx context.Context, cfg Config) (*MetadataStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &MetadataStore{pool: p}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool) (*MetadataStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &MetadataStore{pool: p}, nil
}

// Migrate creates the tables if they do not exist.
func (s *MetadataStore) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *MetadataStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// CreateSession inserts an open session row.
func (s *MetadataStore) CreateSession(ctx context.Context, session crawler.CrawlSession) error {
	const query = `
INSERT INTO crawl_sessions (id, source_id, source_name, start_time)
VALUES ($1, $2, $3, $4)`
	if _, err := s.pool.Exec(ctx, query, session.ID, session.SourceID, session.SourceName, session.StartTime.UTC()); err != nil {
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
	const query = `
UPDATE crawl_sessions
SET end_time = $1, pages_processed = $2, stopped_reason = $3
WHERE id = $4`
	tag, err := s.pool.Exec(ctx, query, end.UTC(), pages, string(reason), sessionID)
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	if tag.RowsAffected() == 0 {
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
	const query = `
INSERT INTO crawl_items (session_id, source_id, url, content_hash, location, crawled_at, metadata)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (session_id, url) DO NOTHING`
	tag, err := s.pool.Exec(ctx, query,
		rec.SessionID,
		rec.SourceID,
		rec.URL,
		rec.Hash,
		rec.Location,
		rec.CrawledAt.UTC(),
		metaJSON,
	)
	if err != nil {
		return fmt.Errorf("insert item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("item %s: %w", rec.URL, crawler.ErrDuplicate)
	}
	return nil
}

// RecordFieldStats inserts the field statistics of a session in one transaction.
func (s *MetadataStore) RecordFieldStats(ctx context.Context, sessionID string, stats []crawler.FieldStat) error {
	if len(stats) == 0 {
		return nil
	}
	const query = `
INSERT INTO field_stats (session_id, phase, name, optional, success_count, total_attempts)
VALUES ($1, $2, $3, $4, $5, $6)`
	return s.inTx(ctx, func(tx pgx.Tx) error {
		for _, st := range stats {
			if _, err := tx.Exec(ctx, query, sessionID, string(st.Phase), st.Name, st.Optional, st.SuccessCount, st.TotalAttempts); err != nil {
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
	const query = `
INSERT INTO crawl_errors (session_id, phase, url, field, message, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6)`
	return s.inTx(ctx, func(tx pgx.Tx) error {
		for _, e := range errs {
			if _, err := tx.Exec(ctx, query, sessionID, string(e.Phase), e.URL, e.Field, e.Message, e.Timestamp.UTC()); err != nil {
				return fmt.Errorf("insert crawl error: %w", err)
			}
		}
		return nil
	})
}

func (s *MetadataStore) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

const sessionColumns = `id, source_id, source_name, start_time, end_time, pages_processed, stopped_reason`

func scanSession(row pgx.Row) (crawler.CrawlSession, error) {
	var (
		session crawler.CrawlSession
		end     sql.NullTime
		reason  string
	)
	if err := row.Scan(
		&session.ID,
		&session.SourceID,
		&session.SourceName,
		&session.StartTime,
		&end,
		&session.PagesProcessed,
		&reason,
	); err != nil {
		return crawler.CrawlSession{}, err
	}
	session.StartTime = session.StartTime.UTC()
	if end.Valid {
		t := end.Time.UTC()
		session.EndTime = &t
	}
	session.StoppedReason = crawler.StopReason(reason)
	return session, nil
}

// GetSession fetches a session by ID.
func (s *MetadataStore) GetSession(ctx context.Context, sessionID string) (crawler.CrawlSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM crawl_sessions WHERE id = $1`
	session, err := scanSession(s.pool.QueryRow(ctx, query, sessionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawler.CrawlSession{}, fmt.Errorf("session %s: %w", sessionID, crawler.ErrNotFound)
		}
		return crawler.CrawlSession{}, fmt.Errorf("get session: %w", err)
	}
	return session, nil
}

// ListSessions returns sessions newest first. An empty sourceID matches all.
func (s *MetadataStore) ListSessions(ctx context.Context, sourceID string, limit int) ([]crawler.CrawlSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM crawl_sessions
WHERE $1 = '' OR source_id = $1
ORDER BY start_time DESC, id DESC
LIMIT $2`
	rows, err := s.pool.Query(ctx, query, sourceID, crawler.ItemFilter{Limit: limit}.NormalizedLimit())
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

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
	add := func(clause string, arg any) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if filter.SourceID != "" {
		add("source_id = $%d", filter.SourceID)
	}
	if filter.SessionID != "" {
		add("session_id = $%d", filter.SessionID)
	}
	if !filter.From.IsZero() {
		add("crawled_at >= $%d", filter.From.UTC())
	}
	if !filter.To.IsZero() {
		add("crawled_at < $%d", filter.To.UTC())
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
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM crawl_items`+where, args...).Scan(&page.Total); err != nil {
		return crawler.ItemPage{}, fmt.Errorf("count items: %w", err)
	}

	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	query := fmt.Sprintf(`SELECT session_id, source_id, url, content_hash, location, crawled_at, metadata
FROM crawl_items%s
ORDER BY crawled_at, id
LIMIT $%d OFFSET $%d`, where, len(args)+1, len(args)+2)
	args = append(args, filter.NormalizedLimit(), offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return crawler.ItemPage{}, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			rec  crawler.ItemRecord
			meta []byte
		)
		if err := rows.Scan(&rec.SessionID, &rec.SourceID, &rec.URL, &rec.Hash, &rec.Location, &rec.CrawledAt, &meta); err != nil {
			return crawler.ItemPage{}, fmt.Errorf("scan item row: %w", err)
		}
		rec.CrawledAt = rec.CrawledAt.UTC()
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &rec.Metadata); err != nil {
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
