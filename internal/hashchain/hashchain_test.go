package hashchain

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func testInput() Input {
	prev := Hash{}
	for i := range prev {
		prev[i] = byte(i)
	}
	return Input{
		Sequence:   7,
		PrevHash:   prev,
		EventID:    "7d7f9f2e-8a3b-4a1c-9a6f-0c1d2e3f4a5b",
		Timestamp:  time.UnixMilli(1700000000123).UTC(),
		Kind:       "auth.login.success",
		Severity:   6,
		Service:    "api-gateway",
		HTTPMethod: "POST",
		HTTPPath:   "/v1/login",
		HTTPStatus: 200,
		Subject:    "alice",
		Metadata:   map[string]any{"b": 2, "a": "x"},
	}
}

func TestEncode_Layout(t *testing.T) {
	in := testInput()

	got, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	var want bytes.Buffer
	writeField := func(s string) {
		var l [4]byte
		binary.BigEndian.PutUint32(l[:], uint32(len(s)))
		want.Write(l[:])
		want.WriteString(s)
	}

	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], 7)
	want.Write(seq[:])
	want.Write(in.PrevHash[:])
	writeField(in.EventID)
	writeField("1700000000123")
	writeField("auth.login.success")
	writeField("6")
	writeField("api-gateway")
	writeField("POST")
	writeField("/v1/login")
	writeField("200")
	writeField("alice")
	writeField(`{"a":"x","b":2}`)

	if !bytes.Equal(got, want.Bytes()) {
		t.Errorf("Encode() layout mismatch\ngot  %x\nwant %x", got, want.Bytes())
	}
}

func TestEncode_AbsentOptionalFields(t *testing.T) {
	in := Input{
		Sequence:  0,
		PrevHash:  Genesis(),
		EventID:   "id-1",
		Timestamp: time.UnixMilli(1700000000000),
		Kind:      "auth.login.success",
		Severity:  6,
	}

	got, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	// 8 seq + 32 prev, then id, ts, kind, severity with content and six
	// zero-length prefixes for service, method, path, status, subject,
	// metadata.
	wantLen := 8 + 32 +
		4 + len("id-1") +
		4 + len("1700000000000") +
		4 + len("auth.login.success") +
		4 + 1 +
		6*4
	if len(got) != wantLen {
		t.Errorf("Encode() length = %d, want %d", len(got), wantLen)
	}

	tail := got[len(got)-24:]
	if !bytes.Equal(tail, make([]byte, 24)) {
		t.Errorf("Absent fields tail = %x, want 24 zero bytes", tail)
	}
}

func TestCompute_Deterministic(t *testing.T) {
	in := testInput()

	h1, err := Compute(in)
	if err != nil {
		t.Fatalf("Compute() error = %v", err)
	}
	h2, err := Compute(in)
	if err != nil {
		t.Fatalf("Compute() error = %v", err)
	}

	if h1 != h2 {
		t.Errorf("Compute() not deterministic: %s != %s", h1, h2)
	}
	if h1.IsZero() {
		t.Error("Compute() returned the genesis value for a real event")
	}
}

func TestCompute_SensitiveToEveryField(t *testing.T) {
	base := testInput()
	baseHash, err := Compute(base)
	if err != nil {
		t.Fatalf("Compute() error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(in *Input)
	}{
		{"sequence", func(in *Input) { in.Sequence++ }},
		{"prev_hash", func(in *Input) { in.PrevHash[0] ^= 0xff }},
		{"event_id", func(in *Input) { in.EventID = "other-id" }},
		{"timestamp", func(in *Input) { in.Timestamp = in.Timestamp.Add(time.Millisecond) }},
		{"kind", func(in *Input) { in.Kind = "auth.login.failed" }},
		{"severity", func(in *Input) { in.Severity = 4 }},
		{"service", func(in *Input) { in.Service = "other-service" }},
		{"http_method", func(in *Input) { in.HTTPMethod = "GET" }},
		{"http_path", func(in *Input) { in.HTTPPath = "/v1/logout" }},
		{"http_status", func(in *Input) { in.HTTPStatus = 403 }},
		{"subject", func(in *Input) { in.Subject = "bob" }},
		{"metadata", func(in *Input) { in.Metadata = map[string]any{"b": 3, "a": "x"} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := testInput()
			tt.mutate(&in)

			h, err := Compute(in)
			if err != nil {
				t.Fatalf("Compute() error = %v", err)
			}
			if h == baseHash {
				t.Errorf("Mutating %s did not change the hash", tt.name)
			}
		})
	}
}

func TestCompute_MetadataInsertionOrderIrrelevant(t *testing.T) {
	a := testInput()
	a.Metadata = map[string]any{}
	a.Metadata["x"] = 1
	a.Metadata["y"] = "two"
	a.Metadata["z"] = true

	b := testInput()
	b.Metadata = map[string]any{}
	b.Metadata["z"] = true
	b.Metadata["y"] = "two"
	b.Metadata["x"] = 1

	ha, err := Compute(a)
	if err != nil {
		t.Fatalf("Compute() error = %v", err)
	}
	hb, err := Compute(b)
	if err != nil {
		t.Fatalf("Compute() error = %v", err)
	}

	if ha != hb {
		t.Errorf("Hash depends on map insertion order: %s != %s", ha, hb)
	}
}

func TestGenesis(t *testing.T) {
	g := Genesis()
	if !g.IsZero() {
		t.Error("Genesis().IsZero() = false, want true")
	}
	if g.Hex() != strings.Repeat("0", 64) {
		t.Errorf("Genesis().Hex() = %q, want 64 zeros", g.Hex())
	}
}

func TestParseHex(t *testing.T) {
	in := testInput()
	h, err := Compute(in)
	if err != nil {
		t.Fatalf("Compute() error = %v", err)
	}

	parsed, err := ParseHex(h.Hex())
	if err != nil {
		t.Fatalf("ParseHex() error = %v", err)
	}
	if parsed != h {
		t.Errorf("ParseHex(Hex()) = %s, want %s", parsed, h)
	}

	if _, err := ParseHex("zz"); err == nil {
		t.Error("ParseHex() with invalid hex should fail")
	}
	if _, err := ParseHex("abcd"); err == nil {
		t.Error("ParseHex() with short input should fail")
	}
}

func TestHash_JSONRoundTrip(t *testing.T) {
	in := testInput()
	h, err := Compute(in)
	if err != nil {
		t.Fatalf("Compute() error = %v", err)
	}

	data, err := json.Marshal(h)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if want := `"` + h.Hex() + `"`; string(data) != want {
		t.Errorf("Marshal() = %s, want %s", data, want)
	}

	var back Hash
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if back != h {
		t.Errorf("Round trip = %s, want %s", back, h)
	}
}
