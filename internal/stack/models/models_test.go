package models

import "testing"

func TestValidName(t *testing.T) {
	valid := []string{"web", "my-stack", "stack_2", "A1"}
	for _, name := range valid {
		if !ValidName(name) {
			t.Errorf("expected %q to be valid", name)
		}
	}
	invalid := []string{"", "../escape", "a b", "stack/name", "stack.name"}
	for _, name := range invalid {
		if ValidName(name) {
			t.Errorf("expected %q to be invalid", name)
		}
	}
}

func TestAggregateStatus(t *testing.T) {
	running := StackContainer{State: "running"}
	exited := StackContainer{State: "exited"}

	cases := []struct {
		name       string
		containers []StackContainer
		want       StackStatus
	}{
		{"empty", nil, StatusStopped},
		{"all running", []StackContainer{running, running}, StatusRunning},
		{"all stopped", []StackContainer{exited, exited}, StatusStopped},
		{"mixed", []StackContainer{running, exited}, StatusPartial},
	}
	for _, tc := range cases {
		if got := AggregateStatus(tc.containers); got != tc.want {
			t.Errorf("%s: got %s, want %s", tc.name, got, tc.want)
		}
	}
}
