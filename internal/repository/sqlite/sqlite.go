// Package sqlite implements the repository interfaces using SQLite as the storage backend.
//
// modernc.org/sqlite is a pure Go translation of SQLite, so the binary needs no C
// toolchain. Queries are hand-written and go through database/sql:
//
//  1. sql.Open(driverName, dataSourceName) → creates a pool
//  2. db.QueryContext / db.ExecContext     → runs queries
//  3. rows.Scan(&field1, &field2)          → reads results into Go variables
//
// Timestamps are always written in UTC so that ORDER BY on the stored text matches
// chronological order.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	// Registers the "sqlite" driver with database/sql.
	_ "modernc.org/sqlite"

	"github.com/sakif/webdeploy/internal/repository"
)

var _ repository.Store = (*DB)(nil)

// DB wraps a sql.DB connection pool and provides repository methods.
type DB struct {
	conn *sql.DB
}

// New creates a new SQLite database connection and runs migrations.
//
// dbPath examples:
//   - "data/webdeploy.db"  → file-based database (persistent)
//   - ":memory:"           → in-memory database (tests; lost on close)
func New(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening database: %w", err)
	}

	// Every new connection to ":memory:" is a separate, empty database.
	// Pin the pool to a single connection so all queries see the same tables.
	if strings.Contains(dbPath, ":memory:") {
		conn.SetMaxOpenConns(1)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: pinging database: %w", err)
	}

	// WAL lets readers proceed while a publish is writing.
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: setting WAL mode: %w", err)
	}

	// Foreign keys are OFF by default in SQLite.
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: enabling foreign keys: %w", err)
	}

	db := &DB{conn: conn}

	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: running migrations: %w", err)
	}

	return db, nil
}

// Close closes the database connection pool.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping reports whether the database is reachable. Used by the health endpoint.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// migrate creates the schema. CREATE ... IF NOT EXISTS keeps it safe to run on every start.
func (db *DB) migrate() error {
	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id         TEXT PRIMARY KEY,
			address    TEXT NOT NULL UNIQUE,
			email      TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			last_login DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`)
	if err != nil {
		return fmt.Errorf("creating users table: %w", err)
	}

	_, err = db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS tokens (
			id             TEXT PRIMARY KEY,
			user_id        TEXT NOT NULL UNIQUE REFERENCES users(id),
			balance        INTEGER NOT NULL DEFAULT 0,
			staked_amount  INTEGER NOT NULL DEFAULT 0,
			rewards_earned INTEGER NOT NULL DEFAULT 0
		);
	`)
	if err != nil {
		return fmt.Errorf("creating tokens table: %w", err)
	}

	// name is NULL until a mutable name is bound to the page.
	_, err = db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS webpages (
			id      TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id),
			name    TEXT,
			domain  TEXT NOT NULL,
			cid     TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_webpages_user_id ON webpages(user_id);
	`)
	if err != nil {
		return fmt.Errorf("creating webpages table: %w", err)
	}

	_, err = db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS deployments (
			id               TEXT PRIMARY KEY,
			user_id          TEXT NOT NULL REFERENCES users(id),
			webpage_id       TEXT NOT NULL REFERENCES webpages(id),
			transaction_hash TEXT NOT NULL,
			deployed_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			deployment_url   TEXT NOT NULL,
			ledger_info      TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_deployments_webpage_id ON deployments(webpage_id);
	`)
	if err != nil {
		return fmt.Errorf("creating deployments table: %w", err)
	}

	_, err = db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS deployment_history (
			id               TEXT PRIMARY KEY,
			webpage_id       TEXT NOT NULL REFERENCES webpages(id),
			cid              TEXT NOT NULL,
			transaction_hash TEXT NOT NULL,
			deployment_url   TEXT NOT NULL,
			deployed_at      DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_history_webpage ON deployment_history(webpage_id, deployed_at);
	`)
	if err != nil {
		return fmt.Errorf("creating deployment_history table: %w", err)
	}

	_, err = db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS name_keys (
			owner_id   TEXT NOT NULL,
			name_id    TEXT NOT NULL,
			sealed     BLOB NOT NULL,
			created_at DATETIME NOT NULL,
			PRIMARY KEY (owner_id, name_id)
		);
	`)
	if err != nil {
		return fmt.Errorf("creating name_keys table: %w", err)
	}

	// Databases created before ledger metadata existed lack the column.
	if err := db.addColumnIfNotExists("deployments", "ledger_info", "TEXT"); err != nil {
		return fmt.Errorf("adding ledger_info to deployments: %w", err)
	}

	return nil
}

// addColumnIfNotExists adds a column to a table only if it doesn't already exist.
func (db *DB) addColumnIfNotExists(table, column, definition string) error {
	var count int
	err := db.conn.QueryRow(
		`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`,
		table, column,
	).Scan(&count)
	if err != nil {
		return fmt.Errorf("checking column %s.%s: %w", table, column, err)
	}
	if count > 0 {
		return nil
	}
	_, err = db.conn.Exec(fmt.Sprintf(
		`ALTER TABLE %s ADD COLUMN %s %s`, table, column, definition,
	))
	return err
}

// nullString maps "" to SQL NULL.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
