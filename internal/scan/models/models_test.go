package models

import "testing"

func TestSeverityCountsTotal(t *testing.T) {
	c := SeverityCounts{Critical: 1, High: 2, Medium: 3, Low: 4, Negligible: 5, Unknown: 6}
	if c.Total() != 21 {
		t.Errorf("expected total 21, got %d", c.Total())
	}
	if (SeverityCounts{}).Total() != 0 {
		t.Error("expected zero total for empty counts")
	}
}

func TestSeverityCountsMax(t *testing.T) {
	a := SeverityCounts{Critical: 2, High: 1, Low: 5}
	b := SeverityCounts{Critical: 1, High: 3, Medium: 2}
	merged := a.Max(b)
	want := SeverityCounts{Critical: 2, High: 3, Medium: 2, Low: 5}
	if merged != want {
		t.Errorf("Max merge mismatch: got %+v, want %+v", merged, want)
	}
}

func TestCriteriaBlocks(t *testing.T) {
	clean := SeverityCounts{}
	lowOnly := SeverityCounts{Low: 4}
	highOnly := SeverityCounts{High: 1}
	critical := SeverityCounts{Critical: 2, High: 1}

	cases := []struct {
		name         string
		criteria     Criteria
		counts       SeverityCounts
		currentTotal int
		want         bool
	}{
		{"never blocks nothing", CriteriaNever, critical, 0, false},
		{"any blocks low findings", CriteriaAny, lowOnly, 0, true},
		{"any passes clean image", CriteriaAny, clean, 0, false},
		{"critical_high blocks high", CriteriaCriticalHigh, highOnly, 0, true},
		{"critical_high passes low", CriteriaCriticalHigh, lowOnly, 0, false},
		{"critical passes high only", CriteriaCritical, highOnly, 0, false},
		{"critical blocks critical", CriteriaCritical, critical, 0, true},
		{"more_than_current blocks regression", CriteriaMoreThanCurrent, lowOnly, 2, true},
		{"more_than_current allows equal", CriteriaMoreThanCurrent, lowOnly, 4, false},
		{"more_than_current allows improvement", CriteriaMoreThanCurrent, lowOnly, 10, false},
		{"unknown criteria never blocks", Criteria("bogus"), critical, 0, false},
	}
	for _, tc := range cases {
		if got := tc.criteria.Blocks(tc.counts, tc.currentTotal); got != tc.want {
			t.Errorf("%s: Blocks = %v, want %v", tc.name, got, tc.want)
		}
	}
}
