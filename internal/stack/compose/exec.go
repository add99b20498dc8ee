package compose

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// maxOutput bounds captured compose output so a chatty pull cannot balloon
// execution journal rows.
const maxOutput = 256 * 1024

// boundedBuffer keeps the tail of the output once the cap is hit.
type boundedBuffer struct {
	buf bytes.Buffer
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if b.buf.Len()+n > maxOutput {
		// Drop the oldest half to make room.
		data := b.buf.Bytes()
		keep := len(data) / 2
		trimmed := make([]byte, keep)
		copy(trimmed, data[len(data)-keep:])
		b.buf.Reset()
		b.buf.Write(trimmed)
	}
	b.buf.Write(p)
	return n, nil
}

func (b *boundedBuffer) String() string {
	return b.buf.String()
}

// runCommand executes a compose invocation with the engine's timeout. On
// timeout the whole process group gets SIGTERM, then SIGKILL after the kill
// grace, so stuck child processes (registry pulls) cannot leak.
func (e *Engine) runCommand(ctx context.Context, dir string, env []string, args []string) (string, error) {
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = dir
	cmd.Env = env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var output boundedBuffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("failed to start %s: %w", args[0], err)
	}
	pgid := cmd.Process.Pid

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(e.timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			return output.String(), fmt.Errorf("compose command failed: %w", err)
		}
		return output.String(), nil

	case <-ctx.Done():
		e.terminate(pgid, done)
		return output.String(), ctx.Err()

	case <-timer.C:
		e.terminate(pgid, done)
		return output.String(), fmt.Errorf("compose command timed out after %s", e.timeout)
	}
}

// terminate asks the process group to exit, escalating to SIGKILL.
func (e *Engine) terminate(pgid int, done <-chan error) {
	syscall.Kill(-pgid, syscall.SIGTERM)
	select {
	case <-done:
		return
	case <-time.After(e.killGrace):
	}
	syscall.Kill(-pgid, syscall.SIGKILL)
	<-done
}

// composeBinary resolves the compose invocation prefix: the v2 plugin
// ("docker compose") when the docker CLI exists, otherwise the standalone
// docker-compose binary.
func composeBinary() []string {
	if _, err := exec.LookPath("docker"); err == nil {
		return []string{"docker", "compose"}
	}
	if _, err := exec.LookPath("docker-compose"); err == nil {
		return []string{"docker-compose"}
	}
	return []string{"docker", "compose"}
}

// processEnv is the base environment for compose children.
func processEnv() []string {
	return os.Environ()
}
