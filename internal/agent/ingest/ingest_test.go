package ingest

import (
	"encoding/json"
	"testing"
)

func TestF64Conversions(t *testing.T) {
	data := map[string]interface{}{
		"float":  42.5,
		"int64":  int64(7),
		"int":    3,
		"uint64": uint64(9),
		"number": json.Number("12.25"),
		"string": "not a number",
	}
	cases := map[string]float64{
		"float":   42.5,
		"int64":   7,
		"int":     3,
		"uint64":  9,
		"number":  12.25,
		"string":  0,
		"missing": 0,
	}
	for key, want := range cases {
		if got := f64(data, key); got != want {
			t.Errorf("f64(%q) = %v, want %v", key, got, want)
		}
	}
}

func TestU64ClampsNegative(t *testing.T) {
	data := map[string]interface{}{"neg": -5.0, "pos": 5.0}
	if got := u64(data, "neg"); got != 0 {
		t.Errorf("expected negative value clamped to 0, got %d", got)
	}
	if got := u64(data, "pos"); got != 5 {
		t.Errorf("expected 5, got %d", got)
	}
}

func TestToStringMap(t *testing.T) {
	direct := map[string]string{"a": "b"}
	if got := toStringMap(direct); got["a"] != "b" {
		t.Errorf("expected passthrough of string map, got %v", got)
	}

	// JSON decoding yields map[string]interface{} with mixed value types.
	mixed := map[string]interface{}{"name": "web", "count": 3.0}
	got := toStringMap(mixed)
	if got["name"] != "web" {
		t.Errorf("expected string values kept, got %v", got)
	}
	if _, ok := got["count"]; ok {
		t.Error("expected non-string values dropped")
	}

	if toStringMap(42) != nil {
		t.Error("expected nil for non-map input")
	}
}
