package protocol

import (
	"encoding/json"
	"testing"
)

func TestDetect(t *testing.T) {
	cases := []struct {
		name       string
		payload    string
		dialect    Dialect
		confidence float64
	}{
		{"canonical", `{"jsonrpc":"2.0","method":"ping","id":1}`, DialectCanonical, 0.95},
		{"canonical notification", `{"jsonrpc":"2.0","method":"goxel.save_project"}`, DialectCanonical, 0.95},
		{"tool call", `{"tool":"goxel_create_project","arguments":{"name":"t"}}`, DialectToolCall, 0.9},
		{"legacy flat", `{"method":"create_project","params":{"name":"x"}}`, DialectLegacyFlat, 0.75},
		{"wrong version is legacy", `{"jsonrpc":"1.0","method":"ping"}`, DialectLegacyFlat, 0.75},
		{"unknown", `{"foo":"bar"}`, DialectUnknown, 0.0},
		{"empty object", `{}`, DialectUnknown, 0.0},
		{"non-string tool", `{"tool":42}`, DialectUnknown, 0.0},
	}

	for _, tc := range cases {
		var obj map[string]any
		if err := json.Unmarshal([]byte(tc.payload), &obj); err != nil {
			t.Fatalf("%s: bad fixture: %v", tc.name, err)
		}
		det := Detect(obj)
		if det.Dialect != tc.dialect {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.dialect, det.Dialect)
		}
		if det.Confidence != tc.confidence {
			t.Fatalf("%s: expected confidence %v, got %v", tc.name, tc.confidence, det.Confidence)
		}
	}
}

// Canonical must outrank tool-call when both shapes are present: the
// first-match ordering is what callers depend on.
func TestDetectFirstMatchOrdering(t *testing.T) {
	var obj map[string]any
	payload := `{"jsonrpc":"2.0","method":"ping","tool":"goxel_get_status","id":1}`
	if err := json.Unmarshal([]byte(payload), &obj); err != nil {
		t.Fatal(err)
	}
	det := Detect(obj)
	if det.Dialect != DialectCanonical {
		t.Fatalf("expected canonical to win, got %s", det.Dialect)
	}
}
