// Package store keeps a history of raw records in SQLite (WAL mode).
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// DB wraps *sql.DB with record helpers.
type DB struct {
	*sql.DB
}

// Record is one stored response.
type Record struct {
	ID         int64     `json:"id"`
	Address    string    `json:"address"`
	Command    string    `json:"command"`
	RecordType byte      `json:"record_type"`
	Payload    []byte    `json:"payload"`
	Complete   bool      `json:"complete"`
	ReceivedAt time.Time `json:"received_at"`
}

// Open opens (or creates) the SQLite file at path with WAL journal mode.
func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	raw, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if err := raw.Ping(); err != nil {
		raw.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	raw.SetMaxOpenConns(1)
	return &DB{raw}, nil
}

// Migrate creates the schema. It is idempotent.
func Migrate(db *DB) error {
	if _, err := db.Exec(ddlRecords); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

const ddlRecords = `
CREATE TABLE IF NOT EXISTS records (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    address     TEXT    NOT NULL,
    command     TEXT    NOT NULL,
    record_type INTEGER NOT NULL,
    payload     BLOB    NOT NULL,
    complete    INTEGER NOT NULL DEFAULT 0,
    received_at INTEGER NOT NULL          -- Unix milliseconds
);
CREATE INDEX IF NOT EXISTS idx_records_received_at ON records (received_at DESC);
`

// Insert stores r and returns its id.
func (db *DB) Insert(ctx context.Context, r Record) (int64, error) {
	if r.ReceivedAt.IsZero() {
		r.ReceivedAt = time.Now()
	}
	if r.Payload == nil {
		r.Payload = []byte{}
	}
	res, err := db.ExecContext(ctx,
		`INSERT INTO records (address, command, record_type, payload, complete, received_at) VALUES (?, ?, ?, ?, ?, ?)`,
		r.Address, r.Command, int(r.RecordType), r.Payload, r.Complete, r.ReceivedAt.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("store: insert: %w", err)
	}
	return res.LastInsertId()
}

// Recent returns up to limit records, newest first.
func (db *DB) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.QueryContext(ctx,
		`SELECT id, address, command, record_type, payload, complete, received_at FROM records ORDER BY received_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: recent: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r          Record
			recordType int
			receivedAt int64
		)
		if err := rows.Scan(&r.ID, &r.Address, &r.Command, &recordType, &r.Payload, &r.Complete, &receivedAt); err != nil {
			return nil, fmt.Errorf("store: scan: %w", err)
		}
		r.RecordType = byte(recordType)
		r.ReceivedAt = time.UnixMilli(receivedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}
