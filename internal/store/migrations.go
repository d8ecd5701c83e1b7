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

CREATE TABLE IF NOT EXISTS stores (
	id         INTEGER PRIMARY KEY,
	position   INTEGER NOT NULL,
	uri        TEXT NOT NULL UNIQUE,
	cursor     TEXT NOT NULL DEFAULT '',
	usual      INTEGER NOT NULL DEFAULT 1 CHECK(usual IN (0, 1)),
	archived   INTEGER NOT NULL DEFAULT 0 CHECK(archived IN (0, 1)),
	sync_back  INTEGER NOT NULL DEFAULT 1 CHECK(sync_back IN (0, 1)),
	labels     TEXT NOT NULL DEFAULT '[]',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS entries (
	message_id TEXT PRIMARY KEY,
	store_id   INTEGER NOT NULL,
	locator    TEXT NOT NULL,
	labels     TEXT NOT NULL DEFAULT '[]',
	sync_back  INTEGER NOT NULL DEFAULT 0 CHECK(sync_back IN (0, 1)),
	subject    TEXT NOT NULL DEFAULT '',
	from_addr  TEXT NOT NULL DEFAULT '',
	date       DATETIME NOT NULL,
	indexed_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS notifications (
	id         TEXT PRIMARY KEY,
	store_id   INTEGER NOT NULL DEFAULT 0,
	message    TEXT NOT NULL,
	read       INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_stores_position ON stores(position);
CREATE INDEX IF NOT EXISTS idx_entries_store_locator ON entries(store_id, locator);
CREATE INDEX IF NOT EXISTS idx_notifications_read ON notifications(read);
CREATE INDEX IF NOT EXISTS idx_notifications_created ON notifications(created_at);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE INDEX IF NOT EXISTS idx_entries_date ON entries(date);

CREATE INDEX IF NOT EXISTS idx_notifications_store_id
	ON notifications(store_id);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}
