package models

import "testing"

func TestDedupKey(t *testing.T) {
	e := &ContainerEvent{
		EnvironmentID: "env-1",
		ContainerID:   "abc123",
		Action:        "die",
		TimeNano:      1700000000000000000,
	}
	want := "env-1|1700000000000000000|abc123|die"
	if got := e.DedupKey(); got != want {
		t.Errorf("DedupKey() = %q, want %q", got, want)
	}
}

func TestEventSeverity(t *testing.T) {
	cases := map[string]Severity{
		"die":           SeverityError,
		"kill":          SeverityError,
		"oom":           SeverityError,
		"stop":          SeverityWarning,
		"start":         SeveritySuccess,
		"create":        SeverityInfo,
		"health_status": SeverityInfo,
	}
	for action, want := range cases {
		if got := EventSeverity(action); got != want {
			t.Errorf("EventSeverity(%q) = %q, want %q", action, got, want)
		}
	}
}
