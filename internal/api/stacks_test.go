package api

import "testing"

func TestExternalVerb(t *testing.T) {
	cases := []struct {
		verb     string
		fallback string
		ok       bool
	}{
		{"stop", "stop", true},
		{"down", "stop", true}, // no compose file: down degrades to stop
		{"start", "start", true},
		{"restart", "restart", true},
		{"up", "", false},
		{"pull", "", false},
	}
	for _, tc := range cases {
		fallback, ok := externalVerb(tc.verb)
		if ok != tc.ok || fallback != tc.fallback {
			t.Errorf("externalVerb(%q) = (%q, %v), want (%q, %v)",
				tc.verb, fallback, ok, tc.fallback, tc.ok)
		}
	}
}
