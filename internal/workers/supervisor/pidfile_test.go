package supervisor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dockhand/dockhand/internal/common/logger"
)

func pidSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	return &Supervisor{
		executable: "/usr/local/bin/dockhand",
		pidDir:     t.TempDir(),
		logger:     logger.Default(),
	}
}

func TestWritePIDRoundTrip(t *testing.T) {
	s := pidSupervisor(t)

	s.writePID("events", 4242)
	path := pidFilePath(s.pidDir, "events")
	pid, err := readPIDFile(path)
	if err != nil {
		t.Fatalf("readPIDFile failed: %v", err)
	}
	if pid != 4242 {
		t.Errorf("expected pid 4242, got %d", pid)
	}

	s.clearPID("events")
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("expected clearPID to remove the file")
	}
}

func TestReadPIDFileRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker-events.pid")
	if err := os.WriteFile(path, []byte("not-a-pid\n"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if _, err := readPIDFile(path); err == nil {
		t.Fatal("expected an error for a malformed pid file")
	}
}

func TestReapStaleRemovesDeadPIDFiles(t *testing.T) {
	s := pidSupervisor(t)

	// A pid far above any default pid_max: the process cannot exist.
	s.writePID("events", 1<<30)
	// PID 1 is alive but is not our worker executable; the file must go
	// without init being touched.
	s.writePID("metrics", 1)

	s.reapStale()

	for _, name := range []string{"events", "metrics"} {
		if _, err := os.Stat(pidFilePath(s.pidDir, name)); !os.IsNotExist(err) {
			t.Errorf("expected stale pid file for %s to be removed", name)
		}
	}
}

func TestReapStaleEmptyDirIsNoOp(t *testing.T) {
	s := pidSupervisor(t)
	s.reapStale()

	s.pidDir = ""
	s.reapStale()
	s.writePID("events", 99) // disabled; must not create anything
}

func TestIsWorkerProcessRejectsForeignProcess(t *testing.T) {
	s := pidSupervisor(t)

	// The test binary itself is alive but its argv is not "<exe> worker".
	if s.isWorkerProcess(os.Getpid()) {
		t.Error("expected the test process to be rejected")
	}
	if s.isWorkerProcess(1 << 30) {
		t.Error("expected a nonexistent pid to be rejected")
	}
}
