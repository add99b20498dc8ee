// Package models defines the activity domain types: normalized container
// events and host metrics collected from every environment.
package models

import (
	"strconv"
	"time"
)

// ContainerEvent is one normalized daemon event.
type ContainerEvent struct {
	ID              int64             `json:"id"`
	EnvironmentID   string            `json:"environment_id"`
	ContainerID     string            `json:"container_id"`
	ContainerName   string            `json:"container_name,omitempty"`
	Image           string            `json:"image,omitempty"`
	Action          string            `json:"action"`
	ActorAttributes map[string]string `json:"actor_attributes,omitempty"`
	TimeNano        int64             `json:"time_nano"`
	Timestamp       time.Time         `json:"timestamp"`
}

// DedupKey identifies an event within the deduplication window.
func (e *ContainerEvent) DedupKey() string {
	return e.EnvironmentID + "|" + strconv.FormatInt(e.TimeNano, 10) + "|" + e.ContainerID + "|" + e.Action
}

// Severity classifies an event for notification purposes.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeveritySuccess Severity = "success"
	SeverityInfo    Severity = "info"
)

// EventSeverity derives the notification severity for a container action.
func EventSeverity(action string) Severity {
	switch action {
	case "die", "kill", "oom":
		return SeverityError
	case "stop":
		return SeverityWarning
	case "start":
		return SeveritySuccess
	default:
		return SeverityInfo
	}
}

// HostMetric is one normalized host-level metrics sample.
// CPUPercent is already divided by the host core count, so it is a
// 0-100 value regardless of core count.
type HostMetric struct {
	ID            int64     `json:"id"`
	EnvironmentID string    `json:"environment_id"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	MemoryUsed    uint64    `json:"memory_used"`
	MemoryTotal   uint64    `json:"memory_total"`
	Timestamp     time.Time `json:"timestamp"`
}

// EnvStatus is an online/offline transition for one environment.
type EnvStatus struct {
	EnvironmentID string `json:"environment_id"`
	Name          string `json:"name"`
	Online        bool   `json:"online"`
	Error         string `json:"error,omitempty"`
}
