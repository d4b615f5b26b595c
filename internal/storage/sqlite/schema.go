package sqlite

const schema = `
CREATE TABLE IF NOT EXISTS crawl_sessions (
	id              TEXT PRIMARY KEY,
	source_id       TEXT NOT NULL,
	source_name     TEXT NOT NULL,
	start_time      TEXT NOT NULL,
	end_time        TEXT,
	pages_processed INTEGER NOT NULL DEFAULT 0,
	stopped_reason  TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS crawl_sessions_source_idx ON crawl_sessions (source_id, start_time);

CREATE TABLE IF NOT EXISTS crawl_items (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id   TEXT NOT NULL REFERENCES crawl_sessions (id),
	source_id    TEXT NOT NULL,
	url          TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	location     TEXT NOT NULL,
	crawled_at   TEXT NOT NULL,
	metadata     TEXT NOT NULL DEFAULT '{}',
	UNIQUE (session_id, url)
);
CREATE INDEX IF NOT EXISTS crawl_items_source_idx ON crawl_items (source_id, crawled_at);
CREATE INDEX IF NOT EXISTS crawl_items_hash_idx ON crawl_items (content_hash);

CREATE TABLE IF NOT EXISTS field_stats (
	session_id     TEXT NOT NULL REFERENCES crawl_sessions (id),
	phase          TEXT NOT NULL,
	name           TEXT NOT NULL,
	optional       INTEGER NOT NULL,
	success_count  INTEGER NOT NULL,
	total_attempts INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS crawl_errors (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id  TEXT NOT NULL REFERENCES crawl_sessions (id),
	phase       TEXT NOT NULL,
	url         TEXT NOT NULL,
	field       TEXT NOT NULL,
	message     TEXT NOT NULL,
	occurred_at TEXT NOT NULL
);
`
