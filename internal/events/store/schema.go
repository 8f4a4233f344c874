package store

// PostgresSchema creates the action log tables. Statements are idempotent.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS events (
	id              UUID        PRIMARY KEY,
	type            TEXT        NOT NULL,
	tracking_id     TEXT        NOT NULL,
	idempotency_key BYTEA       NOT NULL,
	version         INTEGER     NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL,
	CONSTRAINT events_tracking_id_key UNIQUE (tracking_id),
	CONSTRAINT events_idempotency_key_key UNIQUE (idempotency_key)
);

CREATE TABLE IF NOT EXISTS event_actions (
	event_id       UUID        NOT NULL REFERENCES events (id),
	seq            INTEGER     NOT NULL,
	id             UUID        NOT NULL UNIQUE,
	type           TEXT        NOT NULL,
	status         TEXT        NOT NULL,
	created_by     UUID        NOT NULL,
	transaction_id TEXT        NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL,
	payload        JSONB       NOT NULL,
	PRIMARY KEY (event_id, seq)
);

CREATE INDEX IF NOT EXISTS event_actions_transaction_idx
	ON event_actions (event_id, created_by, transaction_id);
CREATE INDEX IF NOT EXISTS events_type_idx ON events (type, created_at);
`

// SQLiteSchema is PostgresSchema for the embedded store.
var SQLiteSchema = []string{
	`PRAGMA foreign_keys=ON;`,
	`PRAGMA journal_mode=WAL;`,
	`CREATE TABLE IF NOT EXISTS events (
		id              TEXT    PRIMARY KEY,
		type            TEXT    NOT NULL,
		tracking_id     TEXT    NOT NULL UNIQUE,
		idempotency_key BLOB    NOT NULL UNIQUE,
		version         INTEGER NOT NULL,
		created_at      TEXT    NOT NULL,
		updated_at      TEXT    NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS event_actions (
		event_id       TEXT    NOT NULL REFERENCES events (id),
		seq            INTEGER NOT NULL,
		id             TEXT    NOT NULL UNIQUE,
		type           TEXT    NOT NULL,
		status         TEXT    NOT NULL,
		created_by     TEXT    NOT NULL,
		transaction_id TEXT    NOT NULL,
		created_at     TEXT    NOT NULL,
		payload        TEXT    NOT NULL,
		PRIMARY KEY (event_id, seq)
	);`,
	`CREATE INDEX IF NOT EXISTS event_actions_transaction_idx ON event_actions (event_id, created_by, transaction_id);`,
	`CREATE INDEX IF NOT EXISTS events_type_idx ON events (type, created_at);`,
}
