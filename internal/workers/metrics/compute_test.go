package metrics

import (
	"testing"

	"github.com/docker/docker/api/types/container"
)

func statsSample(cpuDelta, sysDelta uint64, onlineCPUs uint32) *container.StatsResponse {
	stats := &container.StatsResponse{}
	stats.PreCPUStats.CPUUsage.TotalUsage = 1_000_000
	stats.CPUStats.CPUUsage.TotalUsage = 1_000_000 + cpuDelta
	stats.PreCPUStats.SystemUsage = 10_000_000
	stats.CPUStats.SystemUsage = 10_000_000 + sysDelta
	stats.CPUStats.OnlineCPUs = onlineCPUs
	return stats
}

func TestContainerCPUPercent(t *testing.T) {
	// 25% of system delta across 4 cores = 100%.
	stats := statsSample(250, 1000, 4)
	if got := ContainerCPUPercent(stats); got != 100 {
		t.Errorf("expected 100, got %v", got)
	}

	// Half a core on a single-core host.
	stats = statsSample(500, 1000, 1)
	if got := ContainerCPUPercent(stats); got != 50 {
		t.Errorf("expected 50, got %v", got)
	}
}

func TestContainerCPUPercentNoDelta(t *testing.T) {
	stats := statsSample(0, 0, 4)
	if got := ContainerCPUPercent(stats); got != 0 {
		t.Errorf("expected 0 for missing deltas, got %v", got)
	}
}

func TestContainerCPUPercentFallsBackToPercpu(t *testing.T) {
	stats := statsSample(250, 1000, 0)
	stats.CPUStats.CPUUsage.PercpuUsage = []uint64{1, 2}
	if got := ContainerCPUPercent(stats); got != 50 {
		t.Errorf("expected 50 with 2 percpu entries, got %v", got)
	}
}

func TestContainerMemoryUsageExcludesCache(t *testing.T) {
	stats := &container.StatsResponse{}
	stats.MemoryStats.Usage = 1000

	stats.MemoryStats.Stats = map[string]uint64{"cache": 300}
	if got := ContainerMemoryUsage(stats); got != 700 {
		t.Errorf("expected cgroup v1 cache excluded, got %d", got)
	}

	stats.MemoryStats.Stats = map[string]uint64{"inactive_file": 400}
	if got := ContainerMemoryUsage(stats); got != 600 {
		t.Errorf("expected cgroup v2 inactive_file excluded, got %d", got)
	}

	stats.MemoryStats.Stats = nil
	if got := ContainerMemoryUsage(stats); got != 1000 {
		t.Errorf("expected raw usage without cache stats, got %d", got)
	}
}

func TestNormalizeHostCPU(t *testing.T) {
	cases := []struct {
		sum   float64
		cores int
		want  float64
	}{
		{200, 4, 50},
		{800, 4, 100}, // clamped
		{50, 0, 50},   // zero cores treated as one
		{-10, 2, 0},   // clamped at zero
	}
	for _, tc := range cases {
		if got := NormalizeHostCPU(tc.sum, tc.cores); got != tc.want {
			t.Errorf("NormalizeHostCPU(%v, %d) = %v, want %v", tc.sum, tc.cores, got, tc.want)
		}
	}
}
