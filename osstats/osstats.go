// Package osstats samples host resource usage for the status
// surface.
package osstats

import (
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

const bytesPerMB = 1024 * 1024

// HostStats is a point-in-time host resource snapshot. Memory
// values are in MB.
type HostStats struct {
	CPUCount   int     `json:"cpu_count"`
	CPUPct     float64 `json:"cpu_pct"`
	MemUsedMB  float64 `json:"mem_used_mb"`
	MemTotalMB float64 `json:"mem_total_mb"`
	MemPct     float64 `json:"mem_pct"`
}

// Sample collects a host snapshot. CPU percent is computed since
// the previous call (gopsutil uses the time delta between calls),
// so the first sample reports zero.
func Sample() (*HostStats, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return nil, err
	}

	stats := &HostStats{
		CPUCount:   runtime.NumCPU(),
		MemUsedMB:  formatMB(vm.Used),
		MemTotalMB: formatMB(vm.Total),
		MemPct:     vm.UsedPercent,
	}

	percent, err := cpu.Percent(0, false)
	if err == nil && len(percent) > 0 {
		stats.CPUPct = percent[0]
	}
	return stats, nil
}

func formatMB(bytes uint64) float64 {
	return float64(bytes) / bytesPerMB
}
