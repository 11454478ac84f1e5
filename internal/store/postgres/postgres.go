// Package postgres implements the audit event store on PostgreSQL via
// database/sql and lib/pq. Immutability is enforced in the engine: the
// embedded migrations install BEFORE UPDATE, DELETE, and TRUNCATE triggers
// that raise an exception, and revoke those privileges from PUBLIC, so even
// a direct psql session cannot rewrite history.
package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/lib/pq"

	"auditchain/internal/event"
	"auditchain/internal/hashchain"
	"auditchain/internal/store"
)

const backendName = "postgres"

// Config holds the PostgreSQL connection settings.
type Config struct {
	DSN             string        `yaml:"dsn" json:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout" json:"connect_timeout"`
}

// DefaultConfig returns the default PostgreSQL configuration.
func DefaultConfig() Config {
	return Config{
		DSN:             "postgres://auditchain@localhost:5432/auditchain?sslmode=disable",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		ConnectTimeout:  10 * time.Second,
	}
}

// Store is a PostgreSQL-backed audit event store.
type Store struct {
	db *sql.DB
}

// New wraps an existing database handle. The caller owns schema setup;
// Open is the usual entry point.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to PostgreSQL, verifies the connection, and applies any
// pending schema migrations.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, store.WrapConnectionError("Open", backendName, err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, store.WrapConnectionError("Ping", backendName, err)
	}

	s := New(db)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

const insertEventSQL = `
INSERT INTO audit_events (
	sequence, event_id, ts, kind, severity, service,
	http_method, http_path, http_status, subject, metadata,
	prev_hash, hash
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

// Append persists one sequenced, hashed event. The primary key on sequence
// rejects duplicates; such failures surface as ErrInvalidEvent and are not
// retried by the sequencer.
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
		int64(e.Sequence), e.EventID, e.Timestamp, string(e.Kind), int(e.Severity),
		e.Service, method, path, status, e.Subject, meta,
		e.PrevHash[:], e.Hash[:],
	)
	if err != nil {
		return wrapAppendErr(err)
	}
	return nil
}

const selectRangeSQL = `
SELECT sequence, event_id, ts, kind, severity, service,
       http_method, http_path, http_status, subject, metadata,
       prev_hash, hash
  FROM audit_events
 WHERE sequence >= $1 AND sequence <= $2
 ORDER BY sequence ASC`

// QueryRange returns events with from <= sequence <= to in ascending order.
// A limit <= 0 means no cap.
func (s *Store) QueryRange(ctx context.Context, from, to uint64, limit int) ([]*event.Event, error) {
	query := selectRangeSQL
	args := []any{int64(from), int64(to)}
	if limit > 0 {
		query += " LIMIT $3"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapQueryErr("QueryRange", err)
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
		return nil, wrapQueryErr("QueryRange", err)
	}
	return out, nil
}

const selectHeadSQL = `
SELECT sequence, hash
  FROM audit_events
 ORDER BY sequence DESC
 LIMIT 1`

// Head returns the highest persisted sequence and its hash. An empty table
// reports ErrNotFound.
func (s *Store) Head(ctx context.Context) (store.Position, error) {
	var seq int64
	var hash []byte
	err := s.db.QueryRowContext(ctx, selectHeadSQL).Scan(&seq, &hash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Position{}, store.NewStoreError("Head", backendName, store.ErrNotFound)
		}
		return store.Position{}, wrapQueryErr("Head", err)
	}

	h, err := toHash(hash)
	if err != nil {
		return store.Position{}, store.NewStoreError("Head", backendName, err)
	}
	return store.Position{Sequence: uint64(seq), Hash: h}, nil
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return store.WrapConnectionError("Ping", backendName, err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// scanEvent reads one row into an event. Metadata decodes through
// event.DecodeMetadata so numbers keep the precision that was hashed.
func scanEvent(rows *sql.Rows) (*event.Event, error) {
	var (
		seq      int64
		eventID  string
		ts       time.Time
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
	if err := rows.Scan(&seq, &eventID, &ts, &kind, &severity, &service,
		&method, &path, &status, &subject, &meta, &prevHash, &hash); err != nil {
		return nil, fmt.Errorf("scan event row: %w", err)
	}

	e := &event.Event{
		EventID:   eventID,
		Timestamp: ts.UTC(),
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

func wrapAppendErr(err error) error {
	if mapped, ok := classify("Append", err); ok {
		return mapped
	}
	return store.WrapAppendError("Append", backendName, err)
}

func wrapQueryErr(op string, err error) error {
	if mapped, ok := classify(op, err); ok {
		return mapped
	}
	return store.WrapQueryError(op, backendName, err)
}

// classify maps driver failures onto the store taxonomy: constraint
// violations become ErrInvalidEvent, deadline expiry becomes ErrTimeout,
// and connection-class failures become ErrConnectionFailed, which the
// sequencer's retry loop treats as transient.
func classify(op string, err error) (error, bool) {
	if errors.Is(err, context.DeadlineExceeded) {
		return store.NewStoreError(op, backendName,
			fmt.Errorf("%w: %v", store.ErrTimeout, err)), true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "23", "P0": // constraint violations and trigger rejections
			return store.NewStoreError(op, backendName,
				fmt.Errorf("%w: %v", store.ErrInvalidEvent, err)), true
		case "08", "40", "53", "57": // connection, tx rollback, resources, shutdown
			return store.WrapConnectionError(op, backendName, err), true
		}
		return nil, false
	}

	if errors.Is(err, driver.ErrBadConn) {
		return store.WrapConnectionError(op, backendName, err), true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return store.WrapConnectionError(op, backendName, err), true
	}
	return nil, false
}
