package db

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// sqliteMigrations is the ordered list of schema migrations for SQLite.
var sqliteMigrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS power_events (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	kind         TEXT NOT NULL CHECK(kind IN ('CONNECTED', 'DISCONNECTED', 'INFO', 'ERROR')),
	timestamp_ms INTEGER NOT NULL,
	detail       TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS power_sessions (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	start_ms     INTEGER NOT NULL,
	end_ms       INTEGER,
	duration_sec INTEGER CHECK(duration_sec IS NULL OR duration_sec >= 0),
	CHECK((end_ms IS NULL) = (duration_sec IS NULL))
);

CREATE INDEX IF NOT EXISTS idx_power_sessions_open ON power_sessions(end_ms) WHERE end_ms IS NULL;

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE INDEX IF NOT EXISTS idx_power_events_kind ON power_events(kind, id);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}

// postgresSchema is applied idempotently on connect.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS power_events (
	id           BIGSERIAL PRIMARY KEY,
	kind         TEXT NOT NULL CHECK (kind IN ('CONNECTED', 'DISCONNECTED', 'INFO', 'ERROR')),
	timestamp_ms BIGINT NOT NULL,
	detail       TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS power_sessions (
	id           BIGSERIAL PRIMARY KEY,
	start_ms     BIGINT NOT NULL,
	end_ms       BIGINT,
	duration_sec BIGINT CHECK (duration_sec IS NULL OR duration_sec >= 0),
	CHECK ((end_ms IS NULL) = (duration_sec IS NULL))
);

CREATE INDEX IF NOT EXISTS idx_power_sessions_open ON power_sessions(end_ms) WHERE end_ms IS NULL;
CREATE INDEX IF NOT EXISTS idx_power_events_kind ON power_events(kind, id);
`
