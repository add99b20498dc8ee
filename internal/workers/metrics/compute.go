// Package metrics samples host-level resource usage from every environment
// with metrics collection enabled.
package metrics

import (
	"github.com/docker/docker/api/types/container"
)

// ContainerCPUPercent computes a container's CPU usage as a percentage of
// one core times the online core count, from a single daemon stats sample.
func ContainerCPUPercent(stats *container.StatsResponse) float64 {
	cpuDelta := float64(stats.CPUStats.CPUUsage.TotalUsage) - float64(stats.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(stats.CPUStats.SystemUsage) - float64(stats.PreCPUStats.SystemUsage)
	if cpuDelta <= 0 || sysDelta <= 0 {
		return 0
	}
	online := float64(stats.CPUStats.OnlineCPUs)
	if online == 0 {
		online = float64(len(stats.CPUStats.CPUUsage.PercpuUsage))
	}
	if online == 0 {
		online = 1
	}
	return cpuDelta / sysDelta * online * 100
}

// ContainerMemoryUsage returns the container's memory usage with the page
// cache excluded, matching what `docker stats` reports.
func ContainerMemoryUsage(stats *container.StatsResponse) uint64 {
	usage := stats.MemoryStats.Usage
	// cgroup v1 reports cache in "cache", v2 in "inactive_file".
	if cache, ok := stats.MemoryStats.Stats["cache"]; ok && cache < usage {
		return usage - cache
	}
	if inactive, ok := stats.MemoryStats.Stats["inactive_file"]; ok && inactive < usage {
		return usage - inactive
	}
	return usage
}

// NormalizeHostCPU turns summed per-container percentages into a 0-100
// host-level value regardless of core count.
func NormalizeHostCPU(sumContainerPercent float64, cores int) float64 {
	if cores <= 0 {
		cores = 1
	}
	pct := sumContainerPercent / float64(cores)
	if pct > 100 {
		pct = 100
	}
	if pct < 0 {
		pct = 0
	}
	return pct
}
