package service

import (
	"testing"

	"github.com/dockhand/dockhand/internal/events/bus"
	"github.com/dockhand/dockhand/internal/notifications/models"
)

func TestCategorize(t *testing.T) {
	cases := map[string]string{
		"container.die":        models.EventContainer,
		"container.start":      models.EventContainer,
		"environment.status":   models.EventEnvironment,
		"environment.disk_ok":  models.EventEnvironment,
		"auto_update_blocked":  models.EventUpdates,
		"auto_update_success":  models.EventUpdates,
		"update_available":     models.EventUpdates,
		"agent.metrics":        "",
		"something.unexpected": "",
	}
	for in, want := range cases {
		if got := categorize(in); got != want {
			t.Errorf("categorize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSubscribed(t *testing.T) {
	subs := []*models.Subscription{
		{EventType: models.EventContainer, Enabled: true},
		{EventType: models.EventUpdates, Enabled: false},
	}
	if !subscribed(subs, models.EventContainer) {
		t.Error("expected enabled subscription to match")
	}
	if subscribed(subs, models.EventUpdates) {
		t.Error("expected disabled subscription not to match")
	}
	if subscribed(subs, models.EventEnvironment) {
		t.Error("expected unknown category not to match")
	}
}

func TestBuildMessageContainerEvent(t *testing.T) {
	event := bus.NewEvent("container.die", "env-1", map[string]interface{}{
		"container_name": "web",
		"image":          "nginx:1.25",
		"severity":       "error",
		"environment_id": "env-1",
	})
	msg := buildMessage(event)
	if msg.Title != "Container die: web" {
		t.Errorf("unexpected title %q", msg.Title)
	}
	if msg.Body != "Container web (nginx:1.25) reported die." {
		t.Errorf("unexpected body %q", msg.Body)
	}
	if msg.Severity != "error" {
		t.Errorf("expected severity passed through, got %q", msg.Severity)
	}
	if msg.EnvironmentID != "env-1" {
		t.Errorf("unexpected environment id %q", msg.EnvironmentID)
	}
}

func TestBuildMessageEnvironmentStatus(t *testing.T) {
	offline := buildMessage(bus.NewEvent("environment.status", "env-1", map[string]interface{}{
		"name":   "prod",
		"online": false,
	}))
	if offline.Title != "Environment offline" {
		t.Errorf("unexpected title %q", offline.Title)
	}
	if offline.Body != "Environment prod is now offline." {
		t.Errorf("unexpected body %q", offline.Body)
	}
	if offline.Severity != "error" {
		t.Errorf("expected error severity for offline, got %q", offline.Severity)
	}

	online := buildMessage(bus.NewEvent("environment.status", "env-1", map[string]interface{}{
		"name":   "prod",
		"online": true,
	}))
	if online.Title != "Environment online" {
		t.Errorf("unexpected title %q", online.Title)
	}
	if online.Severity != "success" {
		t.Errorf("expected success severity for online, got %q", online.Severity)
	}
}

func TestBuildMessageUpdateEvents(t *testing.T) {
	blocked := buildMessage(bus.NewEvent("auto_update_blocked", "env-1", map[string]interface{}{
		"container_name": "web",
		"image":          "nginx:1.25",
		"reason":         "critical vulnerabilities found",
	}))
	if blocked.Title != "Update blocked" {
		t.Errorf("unexpected title %q", blocked.Title)
	}
	if blocked.Severity != "warning" {
		t.Errorf("expected warning severity, got %q", blocked.Severity)
	}

	success := buildMessage(bus.NewEvent("auto_update_success", "env-1", map[string]interface{}{
		"container_name": "web",
		"image":          "nginx:1.26",
	}))
	if success.Severity != "success" {
		t.Errorf("expected success severity, got %q", success.Severity)
	}

	available := buildMessage(bus.NewEvent("update_available", "env-1", map[string]interface{}{
		"container_name": "web",
		"image":          "nginx:1.25",
	}))
	if available.Title != "Update available" {
		t.Errorf("unexpected title %q", available.Title)
	}
	if available.Severity != "info" {
		t.Errorf("expected info severity, got %q", available.Severity)
	}
}

func TestSeverityFor(t *testing.T) {
	cases := map[string]string{
		"auto_update_blocked":      "warning",
		"environment.disk_warning": "warning",
		"auto_update_success":      "success",
		"environment.disk_ok":      "success",
		"container.start":          "info",
	}
	for in, want := range cases {
		if got := severityFor(in); got != want {
			t.Errorf("severityFor(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestValidateEvents(t *testing.T) {
	n := &Notifier{}
	if err := n.ValidateEvents(models.AllEvents()); err != nil {
		t.Errorf("expected all known categories to validate, got %v", err)
	}
	if err := n.ValidateEvents([]string{"bogus"}); err == nil {
		t.Error("expected error for unknown category")
	}
}
