// Package models defines the compose stack domain types.
package models

import (
	"regexp"
	"time"
)

// ProjectLabel is the compose label that groups containers into a stack.
const ProjectLabel = "com.docker.compose.project"

var nameRe = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidName reports whether a stack name is acceptable.
func ValidName(name string) bool {
	return name != "" && nameRe.MatchString(name)
}

// SourceKind records where a stack's compose file comes from.
type SourceKind string

const (
	// SourceInternal means the compose file is owned by this system.
	SourceInternal SourceKind = "internal"
	// SourceGit means the compose file is a working-tree copy from a repo.
	SourceGit SourceKind = "git"
	// SourceExternal means the stack was discovered by label only; there is
	// no compose file and lifecycle falls back to per-container operations.
	SourceExternal SourceKind = "external"
)

// StackSource records the provenance of a stack in an environment.
// (StackName, EnvironmentID) is unique.
type StackSource struct {
	StackName     string     `json:"stack_name"`
	EnvironmentID string     `json:"environment_id"`
	Source        SourceKind `json:"source"`
	GitRepoID     string     `json:"git_repo_id,omitempty"`
	GitStackID    string     `json:"git_stack_id,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// StackEnvVar is one database-managed environment variable for a stack.
// These override any .env file read from a git repo during deploy.
type StackEnvVar struct {
	StackName     string `json:"stack_name"`
	EnvironmentID string `json:"environment_id"`
	Key           string `json:"key"`
	Value         string `json:"value"`
	IsSecret      bool   `json:"is_secret"`
}

// StackStatus is the aggregated state of a stack's containers.
type StackStatus string

const (
	StatusRunning StackStatus = "running"
	StatusStopped StackStatus = "stopped"
	StatusPartial StackStatus = "partial"
)

// StackContainer is one container belonging to a stack.
type StackContainer struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Image string `json:"image"`
	State string `json:"state"` // daemon state string: running, exited, ...
}

// Stack is a logical group of containers sharing a compose project label.
type Stack struct {
	Name          string           `json:"name"`
	EnvironmentID string           `json:"environment_id"`
	Source        SourceKind       `json:"source"`
	Status        StackStatus      `json:"status"`
	Containers    []StackContainer `json:"containers"`
}

// AggregateStatus folds container states into a stack status:
// all running -> running, all stopped -> stopped, mixed -> partial.
func AggregateStatus(containers []StackContainer) StackStatus {
	running := 0
	for _, c := range containers {
		if c.State == "running" {
			running++
		}
	}
	switch {
	case len(containers) == 0 || running == 0:
		return StatusStopped
	case running == len(containers):
		return StatusRunning
	default:
		return StatusPartial
	}
}

// GitCredential describes how to authenticate a git remote.
type GitCredential struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"` // https | ssh
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	SSHKey   string `json:"ssh_key,omitempty"` // PEM private key
}

// GitStack describes a git-backed stack configuration.
type GitStack struct {
	ID            string         `json:"id"`
	StackName     string         `json:"stack_name"`
	EnvironmentID string         `json:"environment_id"`
	RepoID        string         `json:"repo_id"`
	URL           string         `json:"url"`
	Branch        string         `json:"branch"`
	ComposePath   string         `json:"compose_path"`
	EnvFilePath   string         `json:"env_file_path,omitempty"`
	Credential    *GitCredential `json:"credential,omitempty"`
	LastCommit    string         `json:"last_commit,omitempty"`
}
