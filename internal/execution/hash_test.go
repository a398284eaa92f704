package execution

import "testing"

func TestInputHashKeyOrderIndependent(t *testing.T) {
	a := map[string]any{
		"url":    "https://example.com",
		"method": "GET",
		"nested": map[string]any{"x": 1.0, "y": 2.0},
	}
	b := map[string]any{
		"nested": map[string]any{"y": 2.0, "x": 1.0},
		"method": "GET",
		"url":    "https://example.com",
	}
	if InputHash(a) != InputHash(b) {
		t.Error("hash must not depend on map key order")
	}
}

func TestInputHashSensitivity(t *testing.T) {
	base := map[string]any{"a": 1.0}
	if InputHash(base) == InputHash(map[string]any{"a": 2.0}) {
		t.Error("distinct values should hash differently")
	}
	if InputHash(base) == InputHash(map[string]any{"b": 1.0}) {
		t.Error("distinct keys should hash differently")
	}
}

func TestInputHashFormat(t *testing.T) {
	h := InputHash(map[string]any{"k": "v"})
	if len(h) != 16 {
		t.Fatalf("hash length = %d, want 16", len(h))
	}
	for _, r := range h {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')) {
			t.Fatalf("hash %q contains non-hex character %q", h, r)
		}
	}
}

func TestInputHashArrayOrderSignificant(t *testing.T) {
	a := map[string]any{"items": []any{"x", "y"}}
	b := map[string]any{"items": []any{"y", "x"}}
	if InputHash(a) == InputHash(b) {
		t.Error("array order is significant and must change the hash")
	}
}

func TestInputHashUnmarshalableValue(t *testing.T) {
	// Channels cannot marshal; the canonicalizer falls back to fmt, so the
	// hash must still be produced deterministically rather than panicking.
	h := InputHash(map[string]any{"ch": make(chan int)})
	if len(h) != 16 {
		t.Fatalf("hash length = %d, want 16", len(h))
	}
}
