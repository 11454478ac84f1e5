// Package hashchain implements the cryptographic linkage between consecutive
// audit events. It defines the canonical byte encoding of an event, the
// BLAKE2b-256 digest over that encoding, and the genesis value that anchors
// every chain segment. Compute is the single source of truth for chain
// linkage: the sequencer and the verifier call it identically.
package hashchain

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/crypto/blake2b"
)

// LayoutVersion identifies the canonical encoding layout. Any change to the
// field order, prefixing, or rendering below requires a new version.
const LayoutVersion = 1

// HashSize is the digest length in bytes.
const HashSize = 32

// ErrInvalidHash is returned when parsing a malformed hash string.
var ErrInvalidHash = errors.New("hashchain: invalid hash encoding")

// Hash is a 256-bit chain digest. The zero value is the genesis value used
// as prev_hash by the first event of a chain segment.
type Hash [HashSize]byte

// Genesis returns the all-zero hash that anchors a new chain segment.
func Genesis() Hash {
	return Hash{}
}

// IsZero reports whether h is the genesis value.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// Hex returns the lowercase hex encoding of the hash.
func (h Hash) Hex() string {
	return hex.EncodeToString(h[:])
}

// String implements fmt.Stringer.
func (h Hash) String() string {
	return h.Hex()
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.Hex()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHex(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHex decodes a 64-character hex string into a Hash.
func ParseHex(s string) (Hash, error) {
	var h Hash
	raw, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("%w: %v", ErrInvalidHash, err)
	}
	if len(raw) != HashSize {
		return h, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidHash, len(raw), HashSize)
	}
	copy(h[:], raw)
	return h, nil
}

// Input carries every hashed field of an audit event. The sequencer fills
// Sequence and PrevHash before computing; the verifier reconstructs the same
// input from a stored event and the previous event's stored hash.
type Input struct {
	Sequence   uint64
	PrevHash   Hash
	EventID    string
	Timestamp  time.Time
	Kind       string
	Severity   uint8
	Service    string
	HTTPMethod string
	HTTPPath   string
	HTTPStatus int
	Subject    string
	Metadata   map[string]any
}

// Encode renders the layout v1 canonical byte string for an event.
//
// Field order: sequence (8-byte big-endian), prev_hash (raw 32 bytes), then
// event_id, timestamp, kind, severity, service, http_method, http_path,
// http_status, subject each as a 4-byte big-endian length prefix followed by
// UTF-8 bytes (absent optional fields encode as length 0), and finally the
// canonical metadata bytes with a 4-byte length prefix. Timestamp renders as
// the decimal Unix-millisecond string; severity and http_status render as
// decimal strings, with the zero http_status treated as absent.
func Encode(in Input) ([]byte, error) {
	buf := make([]byte, 0, 256)

	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], in.Sequence)
	buf = append(buf, seq[:]...)
	buf = append(buf, in.PrevHash[:]...)

	buf = appendPrefixed(buf, []byte(in.EventID))
	buf = appendPrefixed(buf, []byte(strconv.FormatInt(in.Timestamp.UnixMilli(), 10)))
	buf = appendPrefixed(buf, []byte(in.Kind))
	buf = appendPrefixed(buf, []byte(strconv.Itoa(int(in.Severity))))
	buf = appendPrefixed(buf, []byte(in.Service))
	buf = appendPrefixed(buf, []byte(in.HTTPMethod))
	buf = appendPrefixed(buf, []byte(in.HTTPPath))

	if in.HTTPStatus != 0 {
		buf = appendPrefixed(buf, []byte(strconv.Itoa(in.HTTPStatus)))
	} else {
		buf = appendPrefixed(buf, nil)
	}

	buf = appendPrefixed(buf, []byte(in.Subject))

	if len(in.Metadata) > 0 {
		meta, err := MarshalCanonical(in.Metadata)
		if err != nil {
			return nil, fmt.Errorf("hashchain: encode metadata: %w", err)
		}
		buf = appendPrefixed(buf, meta)
	} else {
		buf = appendPrefixed(buf, nil)
	}

	return buf, nil
}

// Compute returns the BLAKE2b-256 digest of the canonical encoding. It is
// pure and side-effect free; identical input always yields identical output.
func Compute(in Input) (Hash, error) {
	data, err := Encode(in)
	if err != nil {
		return Hash{}, err
	}
	return blake2b.Sum256(data), nil
}

// appendPrefixed appends a 4-byte big-endian length followed by the bytes.
// A nil or empty slice appends the zero length only.
func appendPrefixed(buf, b []byte) []byte {
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(b)))
	buf = append(buf, l[:]...)
	return append(buf, b...)
}
