package scanner

import "testing"

func TestParseGrype(t *testing.T) {
	raw := `{
		"matches": [
			{"vulnerability": {"severity": "Critical"}},
			{"vulnerability": {"severity": "High"}},
			{"vulnerability": {"severity": "High"}},
			{"vulnerability": {"severity": "Negligible"}},
			{"vulnerability": {"severity": "Weird"}}
		]
	}`
	counts, err := parseGrype(raw)
	if err != nil {
		t.Fatalf("parseGrype failed: %v", err)
	}
	if counts.Critical != 1 || counts.High != 2 || counts.Negligible != 1 || counts.Unknown != 1 {
		t.Errorf("unexpected counts: %+v", counts)
	}
}

func TestParseGrypeEmpty(t *testing.T) {
	counts, err := parseGrype(`{"matches": []}`)
	if err != nil {
		t.Fatalf("parseGrype failed: %v", err)
	}
	if counts.Total() != 0 {
		t.Errorf("expected zero findings, got %+v", counts)
	}
}

func TestParseGrypeInvalidJSON(t *testing.T) {
	if _, err := parseGrype("not json"); err == nil {
		t.Error("expected error for malformed output")
	}
}

func TestParseTrivy(t *testing.T) {
	raw := `{
		"Results": [
			{"Vulnerabilities": [
				{"Severity": "CRITICAL"},
				{"Severity": "MEDIUM"},
				{"Severity": "LOW"}
			]},
			{"Vulnerabilities": [
				{"Severity": "HIGH"}
			]}
		]
	}`
	counts, err := parseTrivy(raw)
	if err != nil {
		t.Fatalf("parseTrivy failed: %v", err)
	}
	if counts.Critical != 1 || counts.High != 1 || counts.Medium != 1 || counts.Low != 1 {
		t.Errorf("unexpected counts: %+v", counts)
	}
}

func TestParseTrivyNoResults(t *testing.T) {
	counts, err := parseTrivy(`{}`)
	if err != nil {
		t.Fatalf("parseTrivy failed: %v", err)
	}
	if counts.Total() != 0 {
		t.Errorf("expected zero findings, got %+v", counts)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("  short  ", 100); got != "short" {
		t.Errorf("expected trimmed string, got %q", got)
	}
	if got := truncate("abcdefgh", 4); got != "abcd..." {
		t.Errorf("expected abcd..., got %q", got)
	}
}
