package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/evebus/eve/internal/event"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS events (
	idx     INTEGER PRIMARY KEY,
	author  TEXT    NOT NULL,
	ts      INTEGER NOT NULL,
	payload TEXT    NOT NULL
);
CREATE TABLE IF NOT EXISTS checkpoint (
	id      INTEGER PRIMARY KEY CHECK (id = 1),
	idx     INTEGER NOT NULL,
	author  TEXT    NOT NULL,
	ts      INTEGER NOT NULL,
	payload TEXT    NOT NULL
);
CREATE TABLE IF NOT EXISTS own_events (
	idx INTEGER PRIMARY KEY
);
`

// SQLiteStore keeps the snapshot in a SQLite database. Timestamps are
// stored as Unix nanoseconds.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite creates or opens the database at path and applies the schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating snapshot dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", p, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) LoadEvents(ctx context.Context) ([]event.Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT idx, author, ts, payload FROM events ORDER BY idx`)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	defer rows.Close()

	var events []event.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("load events: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	if err := event.Validate(events); err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	return events, nil
}

// SaveEvents replaces the stored sequence in one transaction.
func (s *SQLiteStore) SaveEvents(ctx context.Context, events []event.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save events: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM events`); err != nil {
		return fmt.Errorf("save events: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO events (idx, author, ts, payload) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("save events: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		if _, err := stmt.ExecContext(ctx, e.Index, e.Author, e.Timestamp.UnixNano(), e.Payload); err != nil {
			return fmt.Errorf("save event %d: %w", e.Index, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save events: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadCheckpoint(ctx context.Context) (Checkpoint, error) {
	var cp Checkpoint
	row := s.db.QueryRowContext(ctx, `SELECT idx, author, ts, payload FROM checkpoint WHERE id = 1`)
	e, err := scanEvent(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return Checkpoint{}, fmt.Errorf("load checkpoint: %w", err)
	default:
		cp.Last = &e
	}

	rows, err := s.db.QueryContext(ctx, `SELECT idx FROM own_events ORDER BY idx`)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("load checkpoint: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var idx int
		if err := rows.Scan(&idx); err != nil {
			return Checkpoint{}, fmt.Errorf("load checkpoint: %w", err)
		}
		cp.Own = append(cp.Own, idx)
	}
	if err := rows.Err(); err != nil {
		return Checkpoint{}, fmt.Errorf("load checkpoint: %w", err)
	}
	return cp, nil
}

// SaveCheckpoint replaces the stored checkpoint in one transaction. A nil
// Last clears the checkpoint row.
func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	defer tx.Rollback()

	if cp.Last == nil {
		_, err = tx.ExecContext(ctx, `DELETE FROM checkpoint`)
	} else {
		last := cp.Last
		_, err = tx.ExecContext(ctx, `
			INSERT INTO checkpoint (id, idx, author, ts, payload) VALUES (1, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET idx = excluded.idx, author = excluded.author,
				ts = excluded.ts, payload = excluded.payload`,
			last.Index, last.Author, last.Timestamp.UnixNano(), last.Payload)
	}
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM own_events`); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	for _, idx := range cp.Own {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO own_events (idx) VALUES (?)`, idx); err != nil {
			return fmt.Errorf("save checkpoint: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// rowScanner is implemented by both *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (event.Event, error) {
	var e event.Event
	var ts int64
	if err := row.Scan(&e.Index, &e.Author, &ts, &e.Payload); err != nil {
		return event.Event{}, err
	}
	e.Timestamp = time.Unix(0, ts).UTC()
	return e, nil
}
