package compose

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ComposeFileName is the canonical name for materialized compose files.
const ComposeFileName = "docker-compose.yml"

// EnvFileName is the .env file compose reads from the stack directory.
const EnvFileName = ".env"

var (
	// ErrStackExists is returned when creating a stack that already has a
	// materialized directory.
	ErrStackExists = errors.New("stack already exists")
	// ErrStackNotFound is returned when updating a stack with no
	// materialized directory.
	ErrStackNotFound = errors.New("stack not materialized")
)

// StackDir returns the on-disk home of a stack's compose file.
func (e *Engine) StackDir(environmentID, stackName string) string {
	return filepath.Join(e.stacksDir, environmentID, stackName)
}

// ComposeFilePath returns the path of a stack's materialized compose file.
func (e *Engine) ComposeFilePath(environmentID, stackName string) string {
	return filepath.Join(e.StackDir(environmentID, stackName), ComposeFileName)
}

// Materialized reports whether a stack has a compose file on disk.
func (e *Engine) Materialized(environmentID, stackName string) bool {
	_, err := os.Stat(e.ComposeFilePath(environmentID, stackName))
	return err == nil
}

// MaterializeCreate writes a new stack's compose file. Fails when the stack
// directory already exists so that a create cannot clobber another stack.
func (e *Engine) MaterializeCreate(environmentID, stackName, content string) error {
	dir := e.StackDir(environmentID, stackName)
	if _, err := os.Stat(dir); err == nil {
		return fmt.Errorf("%w: %s", ErrStackExists, stackName)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create stack directory: %w", err)
	}
	return e.writeComposeFile(dir, content)
}

// MaterializeUpdate rewrites an existing stack's compose file.
func (e *Engine) MaterializeUpdate(environmentID, stackName, content string) error {
	dir := e.StackDir(environmentID, stackName)
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("%w: %s", ErrStackNotFound, stackName)
	}
	return e.writeComposeFile(dir, content)
}

// MaterializeEnvFile writes or removes the stack's .env file. Compose
// reads it implicitly on the next deploy; empty content removes it.
func (e *Engine) MaterializeEnvFile(environmentID, stackName, content string) error {
	dir := e.StackDir(environmentID, stackName)
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("%w: %s", ErrStackNotFound, stackName)
	}
	path := filepath.Join(dir, EnvFileName)
	if content == "" {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove env file: %w", err)
		}
		return nil
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return fmt.Errorf("failed to write env file: %w", err)
	}
	return nil
}

// ReadComposeFile returns the materialized compose file content.
func (e *Engine) ReadComposeFile(environmentID, stackName string) (string, error) {
	data, err := os.ReadFile(e.ComposeFilePath(environmentID, stackName))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrStackNotFound, stackName)
		}
		return "", fmt.Errorf("failed to read compose file: %w", err)
	}
	return string(data), nil
}

// RemoveMaterialized deletes a stack's directory after it is torn down.
func (e *Engine) RemoveMaterialized(environmentID, stackName string) error {
	dir := e.StackDir(environmentID, stackName)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove stack directory: %w", err)
	}
	return nil
}

// writeComposeFile writes atomically: temp file plus rename, so a crashed
// write never leaves a half-written compose file for the next deploy.
func (e *Engine) writeComposeFile(dir, content string) error {
	tmp, err := os.CreateTemp(dir, ".compose-*.yml")
	if err != nil {
		return fmt.Errorf("failed to create temp compose file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write compose file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close compose file: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, ComposeFileName)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to install compose file: %w", err)
	}
	return nil
}
