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

CREATE TABLE IF NOT EXISTS messages (
	account_id      TEXT NOT NULL,
	folder          TEXT NOT NULL,
	stable_id       TEXT NOT NULL,
	uid             INTEGER NOT NULL,
	subject         TEXT NOT NULL DEFAULT '',
	from_addr       TEXT NOT NULL DEFAULT '',
	from_name       TEXT NOT NULL DEFAULT '',
	to_addrs        TEXT NOT NULL DEFAULT '[]',
	date            INTEGER NOT NULL,
	flags           INTEGER NOT NULL DEFAULT 0,
	in_reply_to     TEXT NOT NULL DEFAULT '',
	refs            TEXT NOT NULL DEFAULT '[]',
	has_attachments INTEGER NOT NULL DEFAULT 0 CHECK(has_attachments IN (0, 1)),
	preview         TEXT NOT NULL DEFAULT '',
	body_cached     INTEGER NOT NULL DEFAULT 0 CHECK(body_cached IN (0, 1)),
	PRIMARY KEY (account_id, folder, stable_id)
);

CREATE INDEX IF NOT EXISTS idx_messages_date
	ON messages(account_id, folder, date DESC, stable_id);
CREATE INDEX IF NOT EXISTS idx_messages_uid
	ON messages(account_id, folder, uid);
CREATE INDEX IF NOT EXISTS idx_messages_in_reply_to
	ON messages(in_reply_to);

CREATE TABLE IF NOT EXISTS bodies (
	account_id TEXT NOT NULL,
	folder     TEXT NOT NULL,
	stable_id  TEXT NOT NULL,
	text_body  TEXT NOT NULL DEFAULT '',
	html_body  TEXT NOT NULL DEFAULT '',
	raw        BLOB,
	PRIMARY KEY (account_id, folder, stable_id)
);

CREATE TABLE IF NOT EXISTS attachments (
	account_id TEXT NOT NULL,
	folder     TEXT NOT NULL,
	stable_id  TEXT NOT NULL,
	position   INTEGER NOT NULL,
	filename   TEXT NOT NULL DEFAULT '',
	size       INTEGER NOT NULL DEFAULT 0,
	mime_type  TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (account_id, folder, stable_id, position)
);

CREATE TABLE IF NOT EXISTS sync_state (
	account_id   TEXT NOT NULL,
	folder       TEXT NOT NULL,
	uid_validity INTEGER NOT NULL,
	uid_next     INTEGER NOT NULL,
	last_sync    INTEGER NOT NULL,
	PRIMARY KEY (account_id, folder)
);

CREATE TABLE IF NOT EXISTS pending_mutations (
	id          TEXT PRIMARY KEY,
	account_id  TEXT NOT NULL,
	folder      TEXT NOT NULL,
	stable_id   TEXT NOT NULL,
	kind        INTEGER NOT NULL,
	value       INTEGER NOT NULL DEFAULT 0,
	dest        TEXT NOT NULL DEFAULT '',
	prior_flags INTEGER NOT NULL DEFAULT 0,
	created_at  INTEGER NOT NULL,
	deadline    INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_pending_account
	ON pending_mutations(account_id);

CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
	subject,
	from_addr,
	body,
	account_id UNINDEXED,
	folder UNINDEXED,
	stable_id UNINDEXED
);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE INDEX IF NOT EXISTS idx_messages_flags
	ON messages(account_id, folder, flags);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}
