package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS folder_state (
	folder     TEXT PRIMARY KEY,
	last_uid   INTEGER NOT NULL DEFAULT 0,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS messages (
	folder            TEXT NOT NULL,
	uid               INTEGER NOT NULL,
	fingerprint       TEXT NOT NULL DEFAULT '',
	message_id        TEXT NOT NULL DEFAULT '',
	subject           TEXT NOT NULL DEFAULT '',
	sender            TEXT NOT NULL DEFAULT '',
	date              TEXT NOT NULL DEFAULT '',
	category          TEXT,
	confidence        REAL,
	rationale         TEXT,
	tags              TEXT,
	reply_needed      INTEGER,
	contains_event    INTEGER,
	draft_uid         INTEGER,
	calendar_event_id TEXT,
	filing_status     TEXT,
	filed_to          TEXT,
	attempts          INTEGER NOT NULL DEFAULT 0,
	last_error        TEXT,
	first_seen_at     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at        DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (folder, uid)
);

CREATE TABLE IF NOT EXISTS period_marks (
	kind       TEXT NOT NULL,
	key        TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (kind, key)
);

CREATE TABLE IF NOT EXISTS replied_moves (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	folder     TEXT NOT NULL,
	uid        INTEGER NOT NULL,
	message_id TEXT NOT NULL DEFAULT '',
	subject    TEXT NOT NULL DEFAULT '',
	sender     TEXT NOT NULL DEFAULT '',
	moved_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_messages_fingerprint ON messages(fingerprint);
CREATE INDEX IF NOT EXISTS idx_messages_category ON messages(category);
CREATE INDEX IF NOT EXISTS idx_messages_filing_status ON messages(filing_status);
CREATE INDEX IF NOT EXISTS idx_messages_updated_at ON messages(updated_at);
CREATE INDEX IF NOT EXISTS idx_messages_first_seen ON messages(first_seen_at);
CREATE INDEX IF NOT EXISTS idx_replied_moves_moved_at ON replied_moves(moved_at);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE INDEX IF NOT EXISTS idx_messages_reply_needed
	ON messages(reply_needed, filing_status);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
	{
		version: 3,
		sql: `
ALTER TABLE messages ADD COLUMN priority INTEGER;
CREATE INDEX IF NOT EXISTS idx_messages_priority ON messages(priority);

INSERT INTO schema_version (version) VALUES (3);
`,
	},
}
