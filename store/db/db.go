// Package db opens the backing database for the compass store.
// Supported drivers: sqlite (modernc, CGO-free) and postgres (lib/pq).
package db

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	// SQL drivers.
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/compasshq/compass/internal/profile"
)

// DB wraps sql.DB with driver-aware placeholder rebinding.
type DB struct {
	*sql.DB
	driver string
}

// NewDB opens the database described by the profile and runs migrations.
func NewDB(prof *profile.Profile) (*DB, error) {
	var (
		conn *sql.DB
		err  error
	)
	switch prof.Driver {
	case "sqlite":
		conn, err = sql.Open("sqlite", sqliteDSN(prof.DSN))
	case "postgres":
		conn, err = sql.Open("postgres", prof.DSN)
	default:
		return nil, errors.Errorf("unsupported driver %q", prof.Driver)
	}
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	if prof.Driver == "sqlite" {
		// sqlite allows one writer; a larger pool hands concurrent turn
		// phases separate connections that fail with SQLITE_BUSY.
		conn.SetMaxOpenConns(1)
	}
	if err := conn.Ping(); err != nil {
		return nil, errors.Wrap(err, "ping database")
	}

	db := &DB{DB: conn, driver: prof.Driver}
	if err := db.migrate(); err != nil {
		return nil, errors.Wrap(err, "migrate database")
	}
	return db, nil
}

// Driver returns the configured driver name.
func (d *DB) Driver() string {
	return d.driver
}

// sqliteDSN appends the busy timeout and WAL pragmas unless the caller
// already configured pragmas explicitly.
func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)"
}

// Rebind converts ? placeholders into the driver's native form.
func (d *DB) Rebind(query string) string {
	if d.driver != "postgres" {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteString(fmt.Sprintf("$%d", n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS chat_session (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	uid TEXT NOT NULL UNIQUE,
	user_id INTEGER NOT NULL,
	context_type TEXT NOT NULL DEFAULT 'global',
	entity_id TEXT NOT NULL DEFAULT '',
	message_count INTEGER NOT NULL DEFAULT 0,
	token_count INTEGER NOT NULL DEFAULT 0,
	summary TEXT NOT NULL DEFAULT '',
	agent_metadata TEXT NOT NULL DEFAULT '{}',
	created_ts BIGINT NOT NULL,
	updated_ts BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chat_session_user ON chat_session (user_id, updated_ts);

CREATE TABLE IF NOT EXISTS chat_message (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	uid TEXT NOT NULL UNIQUE,
	session_id INTEGER NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	prompt_tokens INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	created_ts BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chat_message_session ON chat_message (session_id, created_ts);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS chat_session (
	id SERIAL PRIMARY KEY,
	uid TEXT NOT NULL UNIQUE,
	user_id INTEGER NOT NULL,
	context_type TEXT NOT NULL DEFAULT 'global',
	entity_id TEXT NOT NULL DEFAULT '',
	message_count INTEGER NOT NULL DEFAULT 0,
	token_count INTEGER NOT NULL DEFAULT 0,
	summary TEXT NOT NULL DEFAULT '',
	agent_metadata TEXT NOT NULL DEFAULT '{}',
	created_ts BIGINT NOT NULL,
	updated_ts BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chat_session_user ON chat_session (user_id, updated_ts);

CREATE TABLE IF NOT EXISTS chat_message (
	id SERIAL PRIMARY KEY,
	uid TEXT NOT NULL UNIQUE,
	session_id INTEGER NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	prompt_tokens INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	created_ts BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chat_message_session ON chat_message (session_id, created_ts);
`

func (d *DB) migrate() error {
	schema := sqliteSchema
	if d.driver == "postgres" {
		schema = postgresSchema
	}
	if _, err := d.Exec(schema); err != nil {
		return errors.Wrap(err, "apply schema")
	}
	return nil
}
