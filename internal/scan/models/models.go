// Package models defines vulnerability scan and pending update types.
package models

import "time"

// Scanner identifies a vulnerability scanning tool.
type Scanner string

const (
	ScannerNone  Scanner = "none"
	ScannerGrype Scanner = "grype"
	ScannerTrivy Scanner = "trivy"
	ScannerBoth  Scanner = "both"
)

// SeverityCounts tallies findings by severity.
type SeverityCounts struct {
	Critical   int `json:"critical"`
	High       int `json:"high"`
	Medium     int `json:"medium"`
	Low        int `json:"low"`
	Negligible int `json:"negligible"`
	Unknown    int `json:"unknown"`
}

// Total returns the sum across all severities.
func (c SeverityCounts) Total() int {
	return c.Critical + c.High + c.Medium + c.Low + c.Negligible + c.Unknown
}

// Max merges two count sets by taking the maximum of each severity.
// Used when multiple scanners report on the same image.
func (c SeverityCounts) Max(o SeverityCounts) SeverityCounts {
	maxInt := func(a, b int) int {
		if a > b {
			return a
		}
		return b
	}
	return SeverityCounts{
		Critical:   maxInt(c.Critical, o.Critical),
		High:       maxInt(c.High, o.High),
		Medium:     maxInt(c.Medium, o.Medium),
		Low:        maxInt(c.Low, o.Low),
		Negligible: maxInt(c.Negligible, o.Negligible),
		Unknown:    maxInt(c.Unknown, o.Unknown),
	}
}

// VulnerabilityScan is one completed scanner run against an image.
// Indexed by (EnvironmentID, ImageID) for cache lookup.
type VulnerabilityScan struct {
	ID              string         `json:"id"`
	EnvironmentID   string         `json:"environment_id,omitempty"`
	ImageID         string         `json:"image_id"`
	ImageName       string         `json:"image_name"`
	Scanner         Scanner        `json:"scanner"`
	ScannedAt       time.Time      `json:"scanned_at"`
	DurationMS      int64          `json:"duration_ms"`
	Counts          SeverityCounts `json:"counts"`
	Vulnerabilities string         `json:"vulnerabilities,omitempty"` // raw findings JSON
	Error           string         `json:"error,omitempty"`
}

// Criteria decides whether findings block an auto-update.
type Criteria string

const (
	CriteriaNever           Criteria = "never"
	CriteriaAny             Criteria = "any"
	CriteriaCriticalHigh    Criteria = "critical_high"
	CriteriaCritical        Criteria = "critical"
	CriteriaMoreThanCurrent Criteria = "more_than_current"
)

// Blocks applies the criteria rule to the new image's findings.
// currentTotal is the total finding count of the currently-running image;
// it is only consulted for CriteriaMoreThanCurrent.
func (c Criteria) Blocks(counts SeverityCounts, currentTotal int) bool {
	switch c {
	case CriteriaNever:
		return false
	case CriteriaAny:
		return counts.Total() > 0
	case CriteriaCriticalHigh:
		return counts.Critical+counts.High > 0
	case CriteriaCritical:
		return counts.Critical > 0
	case CriteriaMoreThanCurrent:
		return counts.Total() > currentTotal
	default:
		return false
	}
}

// PendingContainerUpdate records a discovered but not yet applied update.
// Unique per (EnvironmentID, ContainerID); removed on successful update.
type PendingContainerUpdate struct {
	EnvironmentID string    `json:"environment_id"`
	ContainerID   string    `json:"container_id"`
	ContainerName string    `json:"container_name"`
	CurrentImage  string    `json:"current_image"`
	CheckedAt     time.Time `json:"checked_at"`
}
