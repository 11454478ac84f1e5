package hashchain

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestMarshalCanonical(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"nil", nil, "null"},
		{"bool", true, "true"},
		{"string", "a\"b", `"a\"b"`},
		{"float", 1.5, "1.5"},
		{"int fallback", 42, "42"},
		{"number", json.Number("9007199254740993"), "9007199254740993"},
		{"array", []any{1, "two", nil}, `[1,"two",null]`},
		{
			"sorted keys",
			map[string]any{"b": 1, "a": 2, "c": 3},
			`{"a":2,"b":1,"c":3}`,
		},
		{
			"nested sorted keys",
			map[string]any{"outer": map[string]any{"z": true, "a": []any{"x"}}},
			`{"outer":{"a":["x"],"z":true}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MarshalCanonical(tt.in)
			if err != nil {
				t.Fatalf("MarshalCanonical() error = %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("MarshalCanonical() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestMarshalCanonical_LargeIntegerFidelity(t *testing.T) {
	// 2^53+1 is not representable as float64; the textual form must survive.
	got, err := MarshalCanonical(map[string]any{"n": int64(9007199254740993)})
	if err != nil {
		t.Fatalf("MarshalCanonical() error = %v", err)
	}
	if want := `{"n":9007199254740993}`; string(got) != want {
		t.Errorf("MarshalCanonical() = %s, want %s", got, want)
	}
}

func TestMarshalCanonical_StructFallback(t *testing.T) {
	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	got, err := MarshalCanonical(map[string]any{"p": payload{Name: "x", Count: 2}})
	if err != nil {
		t.Fatalf("MarshalCanonical() error = %v", err)
	}
	if want := `{"p":{"count":2,"name":"x"}}`; string(got) != want {
		t.Errorf("MarshalCanonical() = %s, want %s", got, want)
	}
}

func TestMarshalCanonical_StableAcrossDecode(t *testing.T) {
	in := map[string]any{
		"s": "text",
		"n": json.Number("123456789012345678"),
		"a": []any{1.25, false},
		"m": map[string]any{"k": nil},
	}

	first, err := MarshalCanonical(in)
	if err != nil {
		t.Fatalf("MarshalCanonical() error = %v", err)
	}

	var decoded any
	dec := json.NewDecoder(bytes.NewReader(first))
	dec.UseNumber()
	if err := dec.Decode(&decoded); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}

	second, err := MarshalCanonical(decoded)
	if err != nil {
		t.Fatalf("MarshalCanonical() error = %v", err)
	}

	if !bytes.Equal(first, second) {
		t.Errorf("Canonical form unstable across decode:\nfirst  %s\nsecond %s", first, second)
	}
}

func TestMarshalCanonical_UnsupportedValue(t *testing.T) {
	if _, err := MarshalCanonical(map[string]any{"ch": make(chan int)}); err == nil {
		t.Error("MarshalCanonical() with a channel value should fail")
	}
}
