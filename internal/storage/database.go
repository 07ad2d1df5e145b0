package storage

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Registers the sqlite driver
)

// TimeLayout is how timestamps are stored: UTC, second precision, matching
// sqlite's datetime('now') so string comparison orders correctly.
const TimeLayout = "2006-01-02 15:04:05"

// FormatTime renders a timestamp in the stored layout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a stored timestamp back into a UTC time.
func ParseTime(s string) (time.Time, error) {
	t, err := time.ParseInLocation(TimeLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", s, err)
	}
	return t, nil
}

type querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// ops carries every query; it is embedded in both DB and Tx so the same
// methods run against the connection or against an open transaction.
type ops struct {
	q querier
}

// DB wraps the SQLite card store. A single write mutex serializes mutating
// passes: one reconciliation or one session write completes before the next
// begins, so no partially applied unit is ever observable.
type DB struct {
	ops
	conn *sql.DB
	mu   sync.Mutex
}

// Open creates a new database connection and ensures the schema is up to date.
func Open(dsn string) (*DB, error) {
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// A transaction can span several statements; one connection keeps them
	// on the same sqlite handle.
	conn.SetMaxOpenConns(1)

	if dsn != ":memory:" {
		if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
			return nil, fmt.Errorf("failed to enable WAL: %w", err)
		}
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if _, err := conn.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	db := &DB{conn: conn}
	db.ops = ops{q: conn}
	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Tx exposes the same query set as DB inside one transaction.
type Tx struct {
	ops
}

// WithTx runs fn inside a transaction under the store write lock. All
// mutations fn makes become visible together or not at all.
func (db *DB) WithTx(fn func(tx *Tx) error) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	sqlTx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(&Tx{ops: ops{q: sqlTx}}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback after %w: %v", err, rbErr)
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
