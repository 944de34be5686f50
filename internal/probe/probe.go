// Package probe implements the resource probe (C8): an on-demand
// snapshot of host CPU, memory, and disk utilization, plus an optional
// accelerator block. Snapshot never fails; capabilities the host lacks
// yield zero or nil fields (spec §4.8).
package probe

import (
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/ternarybob/arbor"
)

// GPU describes an optional accelerator.
type GPU struct {
	Name          string  `json:"name"`
	MemoryUsedMB  uint64  `json:"memory_used_mb"`
	MemoryTotalMB uint64  `json:"memory_total_mb"`
	Utilization   float64 `json:"utilization"`
}

// Snapshot is one observation of host resources.
type Snapshot struct {
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryUsed    uint64    `json:"memory_used"`
	MemoryTotal   uint64    `json:"memory_total"`
	MemoryPercent float64   `json:"memory_percent"`
	DiskUsed      uint64    `json:"disk_used"`
	DiskTotal     uint64    `json:"disk_total"`
	DiskPercent   float64   `json:"disk_percent"`
	GPU           *GPU      `json:"gpu,omitempty"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Probe snapshots host resources for the supervisor's broadcasts and the
// operator status surface.
type Probe struct {
	diskRoot string
	logger   arbor.ILogger
}

// New creates a probe measuring disk usage for diskRoot (the configured
// persistence root).
func New(diskRoot string, logger arbor.ILogger) *Probe {
	if diskRoot == "" {
		diskRoot = "/"
	}
	return &Probe{diskRoot: diskRoot, logger: logger}
}

// Snapshot collects one observation. Individual collectors that fail
// leave their fields zeroed; the call itself never fails.
func (p *Probe) Snapshot(ctx context.Context) Snapshot {
	snap := Snapshot{CollectedAt: time.Now().UTC()}

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		snap.CPUPercent = percents[0]
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.MemoryUsed = vm.Used
		snap.MemoryTotal = vm.Total
		snap.MemoryPercent = vm.UsedPercent
	}

	if usage, err := disk.UsageWithContext(ctx, p.diskRoot); err == nil {
		snap.DiskUsed = usage.Used
		snap.DiskTotal = usage.Total
		snap.DiskPercent = usage.UsedPercent
	}

	snap.GPU = p.gpu(ctx)
	return snap
}

// gpu shells out to nvidia-smi when present. Absence of the tool, a
// non-zero exit, or unparseable output all mean "no accelerator".
func (p *Probe) gpu(ctx context.Context) *GPU {
	gctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	out, err := exec.CommandContext(gctx, "nvidia-smi",
		"--query-gpu=name,memory.used,memory.total,utilization.gpu",
		"--format=csv,noheader,nounits").Output()
	if err != nil {
		return nil
	}

	line := strings.TrimSpace(strings.SplitN(string(out), "\n", 2)[0])
	fields := strings.Split(line, ",")
	if len(fields) != 4 {
		return nil
	}

	gpu := &GPU{Name: strings.TrimSpace(fields[0])}
	if v, err := strconv.ParseUint(strings.TrimSpace(fields[1]), 10, 64); err == nil {
		gpu.MemoryUsedMB = v
	}
	if v, err := strconv.ParseUint(strings.TrimSpace(fields[2]), 10, 64); err == nil {
		gpu.MemoryTotalMB = v
	}
	if v, err := strconv.ParseFloat(strings.TrimSpace(fields[3]), 64); err == nil {
		gpu.Utilization = v
	}
	return gpu
}
