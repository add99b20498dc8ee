package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// pidFilePath names the pidfile for one worker.
func pidFilePath(dir, name string) string {
	return filepath.Join(dir, "worker-"+name+".pid")
}

// writePID records a freshly spawned worker's PID. The file survives a
// server crash so the next startup can find the orphan.
func (s *Supervisor) writePID(name string, pid int) {
	if s.pidDir == "" {
		return
	}
	if err := os.MkdirAll(s.pidDir, 0o755); err != nil {
		s.logger.Warn("Failed to create pid directory", zap.Error(err))
		return
	}
	path := pidFilePath(s.pidDir, name)
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
		s.logger.Warn("Failed to write pid file",
			zap.String("path", path), zap.Error(err))
	}
}

// clearPID removes a worker's pidfile after its process exited.
func (s *Supervisor) clearPID(name string) {
	if s.pidDir == "" {
		return
	}
	os.Remove(pidFilePath(s.pidDir, name))
}

// readPIDFile parses one pidfile.
func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("malformed pid file %s: %q", path, data)
	}
	return pid, nil
}

// reapStale kills workers orphaned by a previous server process and
// removes their pidfiles. Runs once at supervisor startup, before any
// child is spawned.
func (s *Supervisor) reapStale() {
	if s.pidDir == "" {
		return
	}
	matches, err := filepath.Glob(filepath.Join(s.pidDir, "worker-*.pid"))
	if err != nil {
		return
	}
	for _, path := range matches {
		pid, err := readPIDFile(path)
		if err == nil && s.isWorkerProcess(pid) {
			s.logger.Warn("Killing orphaned worker from previous run",
				zap.Int("pid", pid), zap.String("pid_file", path))
			unix.Kill(pid, unix.SIGKILL)
		}
		os.Remove(path)
	}
}

// isWorkerProcess reports whether pid is alive and runs our executable as
// a worker. The cmdline check guards against PID reuse by an unrelated
// process.
func (s *Supervisor) isWorkerProcess(pid int) bool {
	if err := unix.Kill(pid, 0); err != nil {
		return false
	}
	cmdline, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil {
		return false
	}
	args := strings.Split(string(cmdline), "\x00")
	return len(args) >= 2 && args[0] == s.executable && args[1] == "worker"
}
