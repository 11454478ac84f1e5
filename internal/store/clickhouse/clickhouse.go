// Package clickhouse implements the audit event store on ClickHouse via the
// native protocol. ClickHouse has no row-level triggers; immutability is
// grant-based. The writing role is granted INSERT and SELECT on the table
// and nothing else, so ALTER TABLE mutations are refused by the server:
//
//	GRANT INSERT, SELECT ON auditchain.audit_events TO auditchain_writer;
//
// MergeTree enforces no uniqueness, so a compromised writer could insert
// duplicate sequences; verification reports those as chain breaks. Each
// Append sends a single-row batch, which ClickHouse tolerates but does not
// favor, so this backend suits mirror and analytics deployments rather
// than the primary chain store.
package clickhouse

import (
	"context"
	"crypto/tls"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"auditchain/internal/event"
	"auditchain/internal/hashchain"
	"auditchain/internal/store"
)

const backendName = "clickhouse"

// Config holds the ClickHouse connection settings.
type Config struct {
	Hosts           []string      `yaml:"hosts" json:"hosts"`
	Database        string        `yaml:"database" json:"database"`
	Username        string        `yaml:"username" json:"username"`
	Password        string        `yaml:"password" json:"password"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	TLSEnabled      bool          `yaml:"tls_enabled" json:"tls_enabled"`
	DialTimeout     time.Duration `yaml:"dial_timeout" json:"dial_timeout"`
	Debug           bool          `yaml:"debug" json:"debug"`
}

// DefaultConfig returns the default ClickHouse configuration.
func DefaultConfig() Config {
	return Config{
		Hosts:           []string{"localhost:9000"},
		Database:        "auditchain",
		Username:        "default",
		Password:        "",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		TLSEnabled:      false,
		DialTimeout:     10 * time.Second,
		Debug:           false,
	}
}

// Store is a ClickHouse-backed audit event store.
type Store struct {
	conn   driver.Conn
	config Config
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS audit_events (
	sequence    UInt64,
	event_id    UUID,
	ts          DateTime64(3, 'UTC'),
	kind        LowCardinality(String),
	severity    UInt8,
	service     LowCardinality(String),
	http_method LowCardinality(String),
	http_path   String,
	http_status UInt16,
	subject     String,
	metadata    String,
	prev_hash   FixedString(32),
	hash        FixedString(32)
)
ENGINE = MergeTree()
ORDER BY sequence`

// Open connects to ClickHouse, verifies the connection, and ensures the
// audit_events table exists.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	opts := &clickhouse.Options{
		Addr: cfg.Hosts,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionZSTD,
		},
		DialTimeout:     cfg.DialTimeout,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		Debug:           cfg.Debug,
	}
	if cfg.TLSEnabled {
		opts.TLS = &tls.Config{
			InsecureSkipVerify: false,
		}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, store.WrapConnectionError("Open", backendName, err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		conn.Close()
		return nil, store.WrapConnectionError("Ping", backendName, err)
	}

	if err := conn.Exec(ctx, createTableSQL); err != nil {
		conn.Close()
		return nil, store.WrapQueryError("Setup", backendName, err)
	}

	return &Store{conn: conn, config: cfg}, nil
}

const insertEventSQL = `
INSERT INTO audit_events (
	sequence, event_id, ts, kind, severity, service,
	http_method, http_path, http_status, subject, metadata,
	prev_hash, hash
)`

// Append persists one sequenced, hashed event as a single-row batch.
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

	batch, err := s.conn.PrepareBatch(ctx, insertEventSQL)
	if err != nil {
		return wrapErr("Append", err, store.WrapAppendError)
	}
	if err := batch.Append(
		e.Sequence, e.EventID, e.Timestamp, string(e.Kind), uint8(e.Severity),
		e.Service, method, path, uint16(status), e.Subject, string(meta),
		e.PrevHash[:], e.Hash[:],
	); err != nil {
		return wrapErr("Append", err, store.WrapAppendError)
	}
	if err := batch.Send(); err != nil {
		return wrapErr("Append", err, store.WrapAppendError)
	}
	return nil
}

const selectRangeSQL = `
SELECT sequence, event_id, ts, kind, severity, service,
       http_method, http_path, http_status, subject, metadata,
       prev_hash, hash
  FROM audit_events
 WHERE sequence >= ? AND sequence <= ?
 ORDER BY sequence ASC`

// QueryRange returns events with from <= sequence <= to in ascending order.
// A limit <= 0 means no cap.
func (s *Store) QueryRange(ctx context.Context, from, to uint64, limit int) ([]*event.Event, error) {
	query := selectRangeSQL
	args := []any{from, to}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.conn.Query(ctx, query, args...)
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

	var seq uint64
	var hash string
	err := s.conn.QueryRow(ctx, query).Scan(&seq, &hash)
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
	return store.Position{Sequence: seq, Hash: h}, nil
}

// Ping checks that the server is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.conn.Ping(ctx); err != nil {
		return store.WrapConnectionError("Ping", backendName, err)
	}
	return nil
}

// Close releases the connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

func scanEvent(rows driver.Rows) (*event.Event, error) {
	var (
		seq      uint64
		eventID  string
		ts       time.Time
		kind     string
		severity uint8
		service  string
		method   string
		path     string
		status   uint16
		subject  string
		meta     string
		prevHash string
		hash     string
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
		Sequence:  seq,
	}
	if method != "" || path != "" || status != 0 {
		e.HTTP = &event.HTTPInfo{Method: method, Path: path, Status: int(status)}
	}

	m, err := event.DecodeMetadata([]byte(meta))
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

func toHash(raw string) (hashchain.Hash, error) {
	var h hashchain.Hash
	if len(raw) != hashchain.HashSize {
		return h, fmt.Errorf("hash column holds %d bytes, want %d", len(raw), hashchain.HashSize)
	}
	copy(h[:], raw)
	return h, nil
}

// ClickHouse server exception codes that indicate transient conditions.
const (
	codeTimeoutExceeded     = 159
	codeTooManyQueries      = 202
	codeNoFreeConnection    = 203
	codeSocketTimeout       = 209
	codeNetworkError        = 210
	codeMemoryLimitExceeded = 241
	codeTooManyParts        = 252
)

// wrapErr maps driver failures onto the store taxonomy so the sequencer's
// retry policy sees server overload and network faults as transient.
func wrapErr(op string, err error, fallback func(op, backend string, err error) error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return store.NewStoreError(op, backendName,
			fmt.Errorf("%w: %v", store.ErrTimeout, err))
	}

	var ex *clickhouse.Exception
	if errors.As(err, &ex) {
		switch ex.Code {
		case codeTimeoutExceeded, codeSocketTimeout:
			return store.NewStoreError(op, backendName,
				fmt.Errorf("%w: %v", store.ErrTimeout, err))
		case codeTooManyQueries, codeNoFreeConnection, codeNetworkError,
			codeMemoryLimitExceeded, codeTooManyParts:
			return store.WrapConnectionError(op, backendName, err)
		}
		return fallback(op, backendName, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return store.WrapConnectionError(op, backendName, err)
	}
	return fallback(op, backendName, err)
}
