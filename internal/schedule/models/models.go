// Package models defines the scheduling domain types.
package models

import "time"

// Kind identifies what a schedule runs.
type Kind string

const (
	KindContainerUpdate Kind = "container_update"
	KindGitStackSync    Kind = "git_stack_sync"
	KindEnvUpdateCheck  Kind = "env_update_check"
	KindSystemCleanup   Kind = "system_cleanup"
)

// Schedule is one cron-registered job definition.
// A schedule is registered with the scheduler iff it is enabled and its
// cron expression parses.
type Schedule struct {
	ID             string `json:"id"`
	Kind           Kind   `json:"kind"`
	CronExpression string `json:"cron_expression"`
	Timezone       string `json:"timezone,omitempty"`
	Enabled        bool   `json:"enabled"`
	EnvironmentID  string `json:"environment_id,omitempty"`

	// Payload reference; meaning depends on Kind.
	// container_update: container id. git_stack_sync: git stack id.
	TargetID   string `json:"target_id,omitempty"`
	TargetName string `json:"target_name,omitempty"`

	// container_update / env_update_check policy
	UpdateCriteria string `json:"update_criteria,omitempty"` // never|any|critical_high|critical|more_than_current
	AutoUpdate     bool   `json:"auto_update,omitempty"`     // env_update_check: update vs notify-only

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Trigger records what fired an execution.
type Trigger string

const (
	TriggerCron    Trigger = "cron"
	TriggerWebhook Trigger = "webhook"
	TriggerManual  Trigger = "manual"
)

// ExecutionStatus is the lifecycle state of one schedule run.
type ExecutionStatus string

const (
	StatusQueued  ExecutionStatus = "queued"
	StatusRunning ExecutionStatus = "running"
	StatusSuccess ExecutionStatus = "success"
	StatusFailed  ExecutionStatus = "failed"
	StatusSkipped ExecutionStatus = "skipped"
)

// Terminal reports whether the status is final.
func (s ExecutionStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusSkipped
}

// Execution is one invocation of a schedule. Rows are append-only while
// running and terminal once CompletedAt is set.
type Execution struct {
	ID            string          `json:"id"`
	ScheduleKind  Kind            `json:"schedule_kind"`
	ScheduleID    string          `json:"schedule_id"`
	EnvironmentID string          `json:"environment_id,omitempty"`
	EntityName    string          `json:"entity_name"`
	Trigger       Trigger         `json:"trigger"`
	TriggeredAt   time.Time       `json:"triggered_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	DurationMS    int64           `json:"duration_ms"`
	Status        ExecutionStatus `json:"status"`
	Error         string          `json:"error,omitempty"`
	Details       string          `json:"details,omitempty"` // job-specific JSON
	Logs          string          `json:"logs,omitempty"`    // appended text, ISO-timestamp prefixed lines
}
