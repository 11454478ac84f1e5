// Package sqlite implements the audit event store on an embedded SQLite
// database via mattn/go-sqlite3. Immutability is enforced in the engine:
// BEFORE UPDATE and BEFORE DELETE triggers abort any mutation of persisted
// rows, so tampering requires rewriting the database file itself, which the
// chain verifier then detects.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"auditchain/internal/event"
	"auditchain/internal/hashchain"
	"auditchain/internal/store"
)

const backendName = "sqlite"

// Config holds the SQLite settings.
type Config struct {
	// Path is the database file, or ":memory:" for an in-process database.
	Path        string        `yaml:"path" json:"path"`
	BusyTimeout time.Duration `yaml:"busy_timeout" json:"busy_timeout"`
}

// DefaultConfig returns the default SQLite configuration.
func DefaultConfig() Config {
	return Config{
		Path:        "auditchain.db",
		BusyTimeout: 5 * time.Second,
	}
}

// Store is a SQLite-backed audit event store.
type Store struct {
	db *sql.DB
}

const setupSQL = `
CREATE TABLE IF NOT EXISTS audit_events (
	sequence    INTEGER PRIMARY KEY,
	event_id    TEXT    NOT NULL UNIQUE,
	ts_ms       INTEGER NOT NULL,
	kind        TEXT    NOT NULL,
	severity    INTEGER NOT NULL CHECK (severity BETWEEN 0 AND 7),
	service     TEXT    NOT NULL DEFAULT '',
	http_method TEXT    NOT NULL DEFAULT '',
	http_path   TEXT    NOT NULL DEFAULT '',
	http_status INTEGER NOT NULL DEFAULT 0,
	subject     TEXT    NOT NULL DEFAULT '',
	metadata    TEXT,
	prev_hash   BLOB    NOT NULL CHECK (length(prev_hash) = 32),
	hash        BLOB    NOT NULL CHECK (length(hash) = 32)
);

CREATE TRIGGER IF NOT EXISTS audit_events_no_update
BEFORE UPDATE ON audit_events
BEGIN
	SELECT RAISE(ABORT, 'audit_events is append-only');
END;

CREATE TRIGGER IF NOT EXISTS audit_events_no_delete
BEFORE DELETE ON audit_events
BEGIN
	SELECT RAISE(ABORT, 'audit_events is append-only');
END;

CREATE TRIGGER IF NOT EXISTS audit_events_monotonic
BEFORE INSERT ON audit_events
WHEN (SELECT COALESCE(MAX(sequence), -1) FROM audit_events) >= NEW.sequence
BEGIN
	SELECT RAISE(ABORT, 'sequence does not extend the chain');
END;`

// Open opens or creates the database file, enables WAL mode, and installs
// the schema with its immutability triggers. The pool is capped at one
// connection; SQLite allows a single writer and the sequencer is the only
// writer anyway.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Path == "" {
		cfg.Path = DefaultConfig().Path
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = DefaultConfig().BusyTimeout
	}

	if cfg.Path != ":memory:" {
		if dir := filepath.Dir(cfg.Path); dir != "." {
			if err := os.MkdirAll(dir, 0700); err != nil {
				return nil, store.WrapConnectionError("Open", backendName, err)
			}
		}
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=%d",
		cfg.Path, cfg.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, store.WrapConnectionError("Open", backendName, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, setupSQL); err != nil {
		db.Close()
		return nil, store.WrapConnectionError("Setup", backendName, err)
	}
	return &Store{db: db}, nil
}

const insertEventSQL = `
INSERT INTO audit_events (
	sequence, event_id, ts_ms, kind, severity, service,
	http_method, http_path, http_status, subject, metadata,
	prev_hash, hash
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// Append persists one sequenced, hashed event. The primary key rejects
// duplicate sequences as ErrInvalidEvent.
func (s *Store) Append(ctx context.Context, e *event.Event) error {
	meta, err := e.MetadataJSON()
	if err != nil {
		return store.NewStoreError("Append", backendName, err)
	}

	var method, path string
	var status int
	if e.HTTP != nil {
		method = e.HTTP.Method
		path = e.HTTP.Path
		status = e.HTTP.Status
	}

	_, err = s.db.ExecContext(ctx, insertEventSQL,
		int64(e.Sequence), e.EventID, e.Timestamp.UnixMilli(), string(e.Kind), int(e.Severity),
		e.Service, method, path, status, e.Subject, meta,
		e.PrevHash[:], e.Hash[:],
	)
	if err != nil {
		return wrapErr("Append", err, store.WrapAppendError)
	}
	return nil
}

const selectRangeSQL = `
SELECT sequence, event_id, ts_ms, kind, severity, service,
       http_method, http_path, http_status, subject, metadata,
       prev_hash, hash
  FROM audit_events
 WHERE sequence >= ? AND sequence <= ?
 ORDER BY sequence ASC`

// QueryRange returns events with from <= sequence <= to in ascending order.
// A limit <= 0 means no cap.
func (s *Store) QueryRange(ctx context.Context, from, to uint64, limit int) ([]*event.Event, error) {
	query := selectRangeSQL
	args := []any{int64(from), int64(to)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr("QueryRange", err, store.WrapQueryError)
	}
	defer rows.Close()

	var out []*event.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, store.NewStoreError("QueryRange", backendName, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("QueryRange", err, store.WrapQueryError)
	}
	return out, nil
}

// Head returns the highest persisted sequence and its hash. An empty table
// reports ErrNotFound.
func (s *Store) Head(ctx context.Context) (store.Position, error) {
	const query = `
		SELECT sequence, hash FROM audit_events
		ORDER BY sequence DESC LIMIT 1`

	var seq int64
	var hash []byte
	err := s.db.QueryRowContext(ctx, query).Scan(&seq, &hash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Position{}, store.NewStoreError("Head", backendName, store.ErrNotFound)
		}
		return store.Position{}, wrapErr("Head", err, store.WrapQueryError)
	}

	h, err := toHash(hash)
	if err != nil {
		return store.Position{}, store.NewStoreError("Head", backendName, err)
	}
	return store.Position{Sequence: uint64(seq), Hash: h}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func scanEvent(rows *sql.Rows) (*event.Event, error) {
	var (
		seq      int64
		eventID  string
		tsMs     int64
		kind     string
		severity int
		service  string
		method   string
		path     string
		status   int
		subject  string
		meta     []byte
		prevHash []byte
		hash     []byte
	)
	if err := rows.Scan(&seq, &eventID, &tsMs, &kind, &severity, &service,
		&method, &path, &status, &subject, &meta, &prevHash, &hash); err != nil {
		return nil, fmt.Errorf("scan event row: %w", err)
	}

	e := &event.Event{
		EventID:   eventID,
		Timestamp: time.UnixMilli(tsMs).UTC(),
		Kind:      event.Kind(kind),
		Severity:  event.Severity(severity),
		Service:   service,
		Subject:   subject,
		Sequence:  uint64(seq),
	}
	if method != "" || path != "" || status != 0 {
		e.HTTP = &event.HTTPInfo{Method: method, Path: path, Status: status}
	}

	m, err := event.DecodeMetadata(meta)
	if err != nil {
		return nil, err
	}
	e.Metadata = m

	if e.PrevHash, err = toHash(prevHash); err != nil {
		return nil, fmt.Errorf("prev_hash: %w", err)
	}
	if e.Hash, err = toHash(hash); err != nil {
		return nil, fmt.Errorf("hash: %w", err)
	}
	return e, nil
}

func toHash(raw []byte) (hashchain.Hash, error) {
	var h hashchain.Hash
	if len(raw) != hashchain.HashSize {
		return h, fmt.Errorf("hash column holds %d bytes, want %d", len(raw), hashchain.HashSize)
	}
	copy(h[:], raw)
	return h, nil
}

// wrapErr maps driver failures onto the store taxonomy. Constraint
// violations, including the append-only trigger aborts, surface as
// ErrInvalidEvent; busy and locked databases surface as ErrTimeout, which
// the sequencer treats as transient.
func wrapErr(op string, err error, fallback func(op, backend string, err error) error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return store.NewStoreError(op, backendName,
			fmt.Errorf("%w: %v", store.ErrTimeout, err))
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrConstraint:
			return store.NewStoreError(op, backendName,
				fmt.Errorf("%w: %v", store.ErrInvalidEvent, err))
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return store.NewStoreError(op, backendName,
				fmt.Errorf("%w: %v", store.ErrTimeout, err))
		case sqlite3.ErrCantOpen:
			return store.WrapConnectionError(op, backendName, err)
		}
	}
	return fallback(op, backendName, err)
}
