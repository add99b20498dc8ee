// Package gitops keeps git-backed stacks in sync: it pulls the configured
// branch, materializes the compose file, and hands the deploy to the
// compose engine.
package gitops

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dockhand/dockhand/internal/common/logger"
	envmodels "github.com/dockhand/dockhand/internal/environment/models"
	"github.com/dockhand/dockhand/internal/stack/compose"
	"github.com/dockhand/dockhand/internal/stack/models"
	stackstore "github.com/dockhand/dockhand/internal/stack/store"
)

// SyncResult reports what one sync pass did.
type SyncResult struct {
	Commit   string `json:"commit"`
	Updated  bool   `json:"updated"`
	Deployed bool   `json:"deployed"`
	Output   string `json:"output,omitempty"`
}

// Syncer clones and deploys git-backed stacks.
type Syncer struct {
	reposDir string
	engine   *compose.Engine
	stacks   stackstore.Repository
	logger   *logger.Logger

	// runGit executes one git command; swapped out in tests.
	runGit func(ctx context.Context, dir string, extraEnv []string, args ...string) (string, error)

	// repoMus serializes syncs per git stack; concurrent fetches into the
	// same working tree corrupt it.
	repoMus sync.Map
}

// NewSyncer creates a git stack syncer. Clones live under reposDir, one
// directory per git stack id.
func NewSyncer(reposDir string, engine *compose.Engine, stacks stackstore.Repository, log *logger.Logger) *Syncer {
	s := &Syncer{
		reposDir: reposDir,
		engine:   engine,
		stacks:   stacks,
		logger:   log.WithFields(zap.String("component", "gitops")),
	}
	s.runGit = s.execGit
	return s
}

func (s *Syncer) repoMu(id string) *sync.Mutex {
	mu, _ := s.repoMus.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// RepoPath returns the working-tree location for a git stack.
func (s *Syncer) RepoPath(gitStackID string) string {
	return filepath.Join(s.reposDir, gitStackID)
}

// Sync brings the working tree up to date with the remote branch and
// deploys the stack. The deploy forces a recreate when the repo moved and
// an env file is configured, so env-only changes reach the containers.
func (s *Syncer) Sync(ctx context.Context, env *envmodels.Environment, gs *models.GitStack) (SyncResult, error) {
	mu := s.repoMu(gs.ID)
	mu.Lock()
	defer mu.Unlock()

	cloneURL, authEnv, cleanup, err := s.prepareAuth(gs)
	if err != nil {
		return SyncResult{}, err
	}
	defer cleanup()

	repoPath := s.RepoPath(gs.ID)
	updated, err := s.updateWorkingTree(ctx, gs, cloneURL, repoPath, authEnv)
	if err != nil {
		return SyncResult{}, err
	}

	commit, err := s.runGit(ctx, repoPath, nil, "rev-parse", "--short", "HEAD")
	if err != nil {
		return SyncResult{}, fmt.Errorf("failed to read commit: %w", err)
	}
	commit = strings.TrimSpace(commit)

	composeContent, err := os.ReadFile(filepath.Join(repoPath, gs.ComposePath))
	if err != nil {
		return SyncResult{Commit: commit}, fmt.Errorf("failed to read compose file %s: %w", gs.ComposePath, err)
	}

	envContent := ""
	if gs.EnvFilePath != "" {
		data, err := os.ReadFile(filepath.Join(repoPath, gs.EnvFilePath))
		if err != nil {
			return SyncResult{Commit: commit}, fmt.Errorf("failed to read env file %s: %w", gs.EnvFilePath, err)
		}
		envContent = string(data)
	}

	if s.engine.Materialized(env.ID, gs.StackName) {
		err = s.engine.MaterializeUpdate(env.ID, gs.StackName, string(composeContent))
	} else {
		err = s.engine.MaterializeCreate(env.ID, gs.StackName, string(composeContent))
	}
	if err != nil {
		return SyncResult{Commit: commit}, err
	}
	if gs.EnvFilePath != "" {
		if err := s.engine.MaterializeEnvFile(env.ID, gs.StackName, envContent); err != nil {
			return SyncResult{Commit: commit}, err
		}
	}

	forceRecreate := updated && gs.EnvFilePath != ""
	output, err := s.engine.Up(ctx, env, gs.StackName, compose.UpOptions{ForceRecreate: forceRecreate})
	if err != nil {
		return SyncResult{Commit: commit, Updated: updated, Output: output}, err
	}

	now := time.Now().UTC()
	src := &models.StackSource{
		StackName:     gs.StackName,
		EnvironmentID: env.ID,
		Source:        models.SourceGit,
		GitRepoID:     gs.RepoID,
		GitStackID:    gs.ID,
		UpdatedAt:     now,
	}
	if err := s.stacks.UpsertSource(ctx, src); err != nil {
		s.logger.Warn("Failed to record stack source",
			zap.String("stack", gs.StackName), zap.Error(err))
	}
	if err := s.stacks.SetGitStackCommit(ctx, gs.ID, commit); err != nil {
		s.logger.Warn("Failed to record stack commit",
			zap.String("stack", gs.StackName), zap.Error(err))
	}

	return SyncResult{Commit: commit, Updated: updated, Deployed: true, Output: output}, nil
}

// updateWorkingTree clones on first sync, otherwise fetches the branch and
// hard-resets onto it. Returns whether HEAD moved.
func (s *Syncer) updateWorkingTree(ctx context.Context, gs *models.GitStack, cloneURL, repoPath string, authEnv []string) (bool, error) {
	gitDir := filepath.Join(repoPath, ".git")
	if info, err := os.Stat(gitDir); err != nil || !info.IsDir() {
		if err := os.MkdirAll(filepath.Dir(repoPath), 0o755); err != nil {
			return false, fmt.Errorf("failed to create repos directory: %w", err)
		}
		s.logger.Info("Cloning git stack",
			zap.String("stack", gs.StackName), zap.String("branch", gs.Branch))
		if _, err := s.runGit(ctx, "", authEnv,
			"clone", "--depth=1", "--branch", gs.Branch, cloneURL, repoPath); err != nil {
			// A half-written working tree would make every later sync
			// take the fetch path against a broken repo.
			os.RemoveAll(repoPath)
			return false, fmt.Errorf("failed to clone: %w", err)
		}
		return true, nil
	}

	before, err := s.runGit(ctx, repoPath, nil, "rev-parse", "HEAD")
	if err != nil {
		return false, fmt.Errorf("failed to read current commit: %w", err)
	}
	if _, err := s.runGit(ctx, repoPath, authEnv,
		"fetch", "--depth=1", "origin", gs.Branch); err != nil {
		return false, fmt.Errorf("failed to fetch: %w", err)
	}
	if _, err := s.runGit(ctx, repoPath, nil,
		"reset", "--hard", "origin/"+gs.Branch); err != nil {
		return false, fmt.Errorf("failed to reset: %w", err)
	}
	after, err := s.runGit(ctx, repoPath, nil, "rev-parse", "HEAD")
	if err != nil {
		return false, fmt.Errorf("failed to read new commit: %w", err)
	}
	return strings.TrimSpace(before) != strings.TrimSpace(after), nil
}

// prepareAuth returns the clone URL and extra process environment for the
// stack's credential. The cleanup function must always run; it removes the
// temporary SSH key file.
func (s *Syncer) prepareAuth(gs *models.GitStack) (cloneURL string, extraEnv []string, cleanup func(), err error) {
	cleanup = func() {}
	cred := gs.Credential
	if cred == nil {
		return gs.URL, nil, cleanup, nil
	}

	switch cred.Kind {
	case "https":
		u, err := url.Parse(gs.URL)
		if err != nil {
			return "", nil, cleanup, fmt.Errorf("invalid repository URL: %w", err)
		}
		u.User = url.UserPassword(cred.Username, cred.Password)
		return u.String(), nil, cleanup, nil

	case "ssh":
		keyFile, err := os.CreateTemp("", "dockhand-git-key-*")
		if err != nil {
			return "", nil, cleanup, fmt.Errorf("failed to create key file: %w", err)
		}
		name := keyFile.Name()
		cleanup = func() { os.Remove(name) }
		if err := keyFile.Chmod(0o600); err != nil {
			keyFile.Close()
			return "", nil, cleanup, fmt.Errorf("failed to set key file mode: %w", err)
		}
		key := cred.SSHKey
		if !strings.HasSuffix(key, "\n") {
			key += "\n"
		}
		if _, err := keyFile.WriteString(key); err != nil {
			keyFile.Close()
			return "", nil, cleanup, fmt.Errorf("failed to write key file: %w", err)
		}
		if err := keyFile.Close(); err != nil {
			return "", nil, cleanup, fmt.Errorf("failed to close key file: %w", err)
		}
		sshCmd := fmt.Sprintf("ssh -i %s -o IdentitiesOnly=yes -o StrictHostKeyChecking=no", name)
		return gs.URL, []string{"GIT_SSH_COMMAND=" + sshCmd}, cleanup, nil

	default:
		return "", nil, cleanup, fmt.Errorf("unknown credential kind %q", cred.Kind)
	}
}

// execGit executes one git command. dir may be empty for commands like
// clone that name their target explicitly.
func (s *Syncer) execGit(ctx context.Context, dir string, extraEnv []string, args ...string) (string, error) {
	verb := args[0]
	if dir != "" {
		args = append([]string{"-C", dir}, args...)
	}
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Env = append(os.Environ(), extraEnv...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git %s failed: %s: %w", verb, strings.TrimSpace(string(out)), err)
	}
	return string(out), nil
}
