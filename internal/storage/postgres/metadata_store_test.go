package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

func newMockStore(t *testing.T) (*MetadataStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewWithPool(mock)
	require.NoError(t, err)
	return store, mock
}

func TestNewWithPoolRequiresPool(t *testing.T) {
	t.Parallel()

	_, err := NewWithPool(nil)
	require.Error(t, err)

	_, err = New(context.Background(), Config{})
	require.Error(t, err)
}

func TestMigrateAppliesSchema(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	for range schema {
		mock.ExpectExec("CREATE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	}
	require.NoError(t, store.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateAndCloseSession(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	start := time.Unix(1700000000, 0).UTC()
	end := start.Add(time.Minute)

	mock.ExpectExec("INSERT INTO crawl_sessions").
		WithArgs("s1", "books", "Books", start).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE crawl_sessions").
		WithArgs(end, 4, "noNextButton", "s1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE crawl_sessions").
		WithArgs(end, 0, "interrupted", "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	ctx := context.Background()
	require.NoError(t, store.CreateSession(ctx, crawler.CrawlSession{ID: "s1", SourceID: "books", SourceName: "Books", StartTime: start}))
	require.NoError(t, store.CloseSession(ctx, "s1", end, 4, crawler.StopNoNextButton))
	err := store.CloseSession(ctx, "missing", end, 0, crawler.StopInterrupted)
	require.True(t, errors.Is(err, crawler.ErrNotFound))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordItemRejectsDuplicates(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	rec := crawler.ItemRecord{
		SessionID: "s1",
		SourceID:  "books",
		URL:       "https://example.org/1",
		Hash:      "2aae6c35c94fcfb415dbe95f408b9ce91ee846ed",
		Location:  "gs://bucket/2aae6c35c94fcfb415dbe95f408b9ce91ee846ed",
		CrawledAt: now,
		Metadata:  map[string]string{"detail_status": "ok"},
	}
	args := []any{rec.SessionID, rec.SourceID, rec.URL, rec.Hash, rec.Location, now, []byte(`{"detail_status":"ok"}`)}

	mock.ExpectExec("INSERT INTO crawl_items").WithArgs(args...).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO crawl_items").WithArgs(args...).WillReturnResult(pgxmock.NewResult("INSERT", 0))

	ctx := context.Background()
	require.NoError(t, store.RecordItem(ctx, rec))
	require.ErrorIs(t, store.RecordItem(ctx, rec), crawler.ErrDuplicate)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordFieldStatsInTransaction(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	stats := []crawler.FieldStat{
		{Name: "title", Phase: crawler.PhaseListing, SuccessCount: 4, TotalAttempts: 5},
		{Name: "author", Phase: crawler.PhaseContent, Optional: true, SuccessCount: 0, TotalAttempts: 5},
	}
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO field_stats").WithArgs("s1", "listing", "title", false, 4, 5).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO field_stats").WithArgs("s1", "content", "author", true, 0, 5).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, store.RecordFieldStats(context.Background(), "s1", stats))
	require.NoError(t, store.RecordFieldStats(context.Background(), "s1", nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordErrorsRollsBackOnFailure(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	ts := time.Unix(1700000000, 0).UTC()
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO crawl_errors").
		WithArgs("s1", "content", "https://example.org/1", "", "navigate failed", ts).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := store.RecordErrors(context.Background(), "s1", []crawler.CrawlError{{
		Phase: crawler.PhaseContent, URL: "https://example.org/1", Message: "navigate failed", Timestamp: ts,
	}})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSession(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	start := time.Unix(1700000000, 0).UTC()
	end := start.Add(time.Hour)
	columns := []string{"id", "source_id", "source_name", "start_time", "end_time", "pages_processed", "stopped_reason"}

	mock.ExpectQuery("FROM crawl_sessions WHERE id").
		WithArgs("s1").
		WillReturnRows(pgxmock.NewRows(columns).AddRow("s1", "books", "Books", start, end, 3, "maxPagesReached"))
	mock.ExpectQuery("FROM crawl_sessions WHERE id").
		WithArgs("nope").
		WillReturnRows(pgxmock.NewRows(columns))

	ctx := context.Background()
	got, err := store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "books", got.SourceID)
	require.NotNil(t, got.EndTime)
	assert.True(t, got.EndTime.Equal(end))
	assert.Equal(t, 3, got.PagesProcessed)
	assert.Equal(t, crawler.StopMaxPagesReached, got.StoppedReason)

	_, err = store.GetSession(ctx, "nope")
	require.True(t, errors.Is(err, crawler.ErrNotFound))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryItemsBuildsFilter(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	from := time.Unix(1700000000, 0).UTC()
	crawled := from.Add(time.Minute)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT count(*) FROM crawl_items WHERE source_id = $1 AND crawled_at >= $2")).
		WithArgs("books", from).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(7))
	mock.ExpectQuery(regexp.QuoteMeta("LIMIT $3 OFFSET $4")).
		WithArgs("books", from, 2, 4).
		WillReturnRows(pgxmock.NewRows([]string{"session_id", "source_id", "url", "content_hash", "location", "crawled_at", "metadata"}).
			AddRow("s1", "books", "https://example.org/5", "h5", "file:///h5", crawled, []byte(`{"listing_page":"2"}`)))

	page, err := store.QueryItems(context.Background(), crawler.ItemFilter{SourceID: "books", From: from, Limit: 2, Offset: 4})
	require.NoError(t, err)
	assert.Equal(t, 7, page.Total)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "https://example.org/5", page.Items[0].URL)
	assert.Equal(t, map[string]string{"listing_page": "2"}, page.Items[0].Metadata)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListSessions(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	start := time.Unix(1700000000, 0).UTC()
	columns := []string{"id", "source_id", "source_name", "start_time", "end_time", "pages_processed", "stopped_reason"}
	mock.ExpectQuery("FROM crawl_sessions").
		WithArgs("", crawler.DefaultQueryLimit).
		WillReturnRows(pgxmock.NewRows(columns).
			AddRow("s2", "news", "News", start.Add(time.Hour), nil, 0, "").
			AddRow("s1", "books", "Books", start, start.Add(time.Minute), 2, "noNextButton"))

	sessions, err := store.ListSessions(context.Background(), "", 0)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Nil(t, sessions[0].EndTime)
	assert.NotNil(t, sessions[1].EndTime)
	require.NoError(t, mock.ExpectationsWereMet())
}
