// Package redistream implements the audit event store on a Redis Stream.
// Entry IDs are derived from the event sequence, so the server itself
// rejects duplicates and backfill: XADD refuses any ID that does not exceed
// the current top entry. Immutability is ACL-based; the writing role gets
// the stream commands and nothing destructive:
//
//	ACL SETUSER auditchain_writer on ~audit:events +xadd +xrange +xrevrange +ping -xdel -xtrim -del
//
// Redis holds the stream in memory, so this backend suits short-retention
// deployments that tail the chain into a durable mirror.
package redistream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"auditchain/internal/event"
	"auditchain/internal/hashchain"
	"auditchain/internal/store"
)

const backendName = "redis"

// Config holds the Redis connection settings.
type Config struct {
	Addr         string        `yaml:"addr" json:"addr"`
	Password     string        `yaml:"password" json:"password"`
	DB           int           `yaml:"db" json:"db"`
	Stream       string        `yaml:"stream" json:"stream"`
	DialTimeout  time.Duration `yaml:"dial_timeout" json:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
	PoolSize     int           `yaml:"pool_size" json:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns" json:"min_idle_conns"`
	MaxRetries   int           `yaml:"max_retries" json:"max_retries"`
	TLSEnabled   bool          `yaml:"tls_enabled" json:"tls_enabled"`
}

// DefaultConfig returns the default Redis configuration.
func DefaultConfig() Config {
	return Config{
		Addr:         "localhost:6379",
		Stream:       "audit:events",
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
	}
}

// streamCmd is the slice of the Redis API the store uses; tests provide an
// in-memory implementation.
type streamCmd interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XRange(ctx context.Context, stream, start, stop string) *redis.XMessageSliceCmd
	XRangeN(ctx context.Context, stream, start, stop string, count int64) *redis.XMessageSliceCmd
	XRevRangeN(ctx context.Context, stream, start, stop string, count int64) *redis.XMessageSliceCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// Store is a Redis Stream backed audit event store.
type Store struct {
	client streamCmd
	stream string
}

// Open connects to Redis and verifies the connection.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Stream == "" {
		cfg.Stream = DefaultConfig().Stream
	}

	opts := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, store.WrapConnectionError("Ping", backendName, err)
	}

	return &Store{client: client, stream: cfg.Stream}, nil
}

// streamID renders the entry ID for a sequence. Stream IDs must exceed 0-0,
// so sequence n maps to 0-(n+1).
func streamID(seq uint64) string {
	return fmt.Sprintf("0-%d", seq+1)
}

// sequenceFromID recovers the sequence from an entry ID.
func sequenceFromID(id string) (uint64, error) {
	rest, ok := strings.CutPrefix(id, "0-")
	if !ok {
		return 0, fmt.Errorf("unexpected stream id %q", id)
	}
	n, err := strconv.ParseUint(rest, 10, 64)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("unexpected stream id %q", id)
	}
	return n - 1, nil
}

// Append persists one sequenced, hashed event. The server rejects entry IDs
// at or below the stream top, which surfaces as ErrInvalidEvent.
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

	values := []any{
		"event_id", e.EventID,
		"ts_ms", strconv.FormatInt(e.Timestamp.UnixMilli(), 10),
		"kind", string(e.Kind),
		"severity", strconv.Itoa(int(e.Severity)),
		"service", e.Service,
		"http_method", method,
		"http_path", path,
		"http_status", strconv.Itoa(status),
		"subject", e.Subject,
		"metadata", string(meta),
		"prev_hash", e.PrevHash.Hex(),
		"hash", e.Hash.Hex(),
	}

	err = s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		ID:     streamID(e.Sequence),
		Values: values,
	}).Err()
	if err != nil {
		return wrapErr("Append", err, store.WrapAppendError)
	}
	return nil
}

// QueryRange returns events with from <= sequence <= to in ascending order.
// A limit <= 0 means no cap.
func (s *Store) QueryRange(ctx context.Context, from, to uint64, limit int) ([]*event.Event, error) {
	start, stop := streamID(from), streamID(to)

	var msgs []redis.XMessage
	var err error
	if limit > 0 {
		msgs, err = s.client.XRangeN(ctx, s.stream, start, stop, int64(limit)).Result()
	} else {
		msgs, err = s.client.XRange(ctx, s.stream, start, stop).Result()
	}
	if err != nil {
		return nil, wrapErr("QueryRange", err, store.WrapQueryError)
	}

	out := make([]*event.Event, 0, len(msgs))
	for _, msg := range msgs {
		e, err := decodeMessage(msg)
		if err != nil {
			return nil, store.NewStoreError("QueryRange", backendName, err)
		}
		out = append(out, e)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

// Head returns the highest persisted sequence and its hash. An empty stream
// reports ErrNotFound.
func (s *Store) Head(ctx context.Context) (store.Position, error) {
	msgs, err := s.client.XRevRangeN(ctx, s.stream, "+", "-", 1).Result()
	if err != nil {
		return store.Position{}, wrapErr("Head", err, store.WrapQueryError)
	}
	if len(msgs) == 0 {
		return store.Position{}, store.NewStoreError("Head", backendName, store.ErrNotFound)
	}

	seq, err := sequenceFromID(msgs[0].ID)
	if err != nil {
		return store.Position{}, store.NewStoreError("Head", backendName, err)
	}
	h, err := hashchain.ParseHex(field(msgs[0], "hash"))
	if err != nil {
		return store.Position{}, store.NewStoreError("Head", backendName, err)
	}
	return store.Position{Sequence: seq, Hash: h}, nil
}

// Ping checks that the server is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return store.WrapConnectionError("Ping", backendName, err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

func field(msg redis.XMessage, key string) string {
	v, _ := msg.Values[key].(string)
	return v
}

func decodeMessage(msg redis.XMessage) (*event.Event, error) {
	seq, err := sequenceFromID(msg.ID)
	if err != nil {
		return nil, err
	}

	tsMs, err := strconv.ParseInt(field(msg, "ts_ms"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("entry %s: bad ts_ms: %w", msg.ID, err)
	}
	severity, err := strconv.Atoi(field(msg, "severity"))
	if err != nil {
		return nil, fmt.Errorf("entry %s: bad severity: %w", msg.ID, err)
	}
	status, err := strconv.Atoi(field(msg, "http_status"))
	if err != nil {
		return nil, fmt.Errorf("entry %s: bad http_status: %w", msg.ID, err)
	}

	e := &event.Event{
		EventID:   field(msg, "event_id"),
		Timestamp: time.UnixMilli(tsMs).UTC(),
		Kind:      event.Kind(field(msg, "kind")),
		Severity:  event.Severity(severity),
		Service:   field(msg, "service"),
		Subject:   field(msg, "subject"),
		Sequence:  seq,
	}
	method, path := field(msg, "http_method"), field(msg, "http_path")
	if method != "" || path != "" || status != 0 {
		e.HTTP = &event.HTTPInfo{Method: method, Path: path, Status: status}
	}

	m, err := event.DecodeMetadata([]byte(field(msg, "metadata")))
	if err != nil {
		return nil, fmt.Errorf("entry %s: %w", msg.ID, err)
	}
	e.Metadata = m

	if e.PrevHash, err = hashchain.ParseHex(field(msg, "prev_hash")); err != nil {
		return nil, fmt.Errorf("entry %s: prev_hash: %w", msg.ID, err)
	}
	if e.Hash, err = hashchain.ParseHex(field(msg, "hash")); err != nil {
		return nil, fmt.Errorf("entry %s: hash: %w", msg.ID, err)
	}
	return e, nil
}

// wrapErr maps client failures onto the store taxonomy. An XADD rejected
// for a non-increasing ID is a duplicate or backfill attempt, not a
// transient fault.
func wrapErr(op string, err error, fallback func(op, backend string, err error) error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return store.NewStoreError(op, backendName,
			fmt.Errorf("%w: %v", store.ErrTimeout, err))
	case errors.Is(err, redis.ErrClosed):
		return store.NewStoreError(op, backendName,
			fmt.Errorf("%w: %v", store.ErrStoreClosed, err))
	case strings.Contains(err.Error(), "equal or smaller than the target stream top item"):
		return store.NewStoreError(op, backendName,
			fmt.Errorf("%w: %v", store.ErrInvalidEvent, err))
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return store.WrapConnectionError(op, backendName, err)
	}
	return fallback(op, backendName, err)
}
