// Package resources samples memory and CPU/GPU load for the status view.
package resources

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"inferd/internal/backend"
)

// Snapshot is computed on demand; nothing here is cached.
type Snapshot struct {
	RAMMB          float64 `json:"ram_mb"`
	VRAMMB         float64 `json:"vram_mb"`
	CPUPercent     float64 `json:"cpu_percent"`
	GPUPercent     float64 `json:"gpu_percent"`
	Backend        string  `json:"backend,omitempty"`
	ModelLoaded    bool    `json:"model_loaded"`
	ServerReady    bool    `json:"server_ready"`
	HostRAMUsedMB  float64 `json:"host_ram_used_mb"`
	HostRAMTotalMB float64 `json:"host_ram_total_mb"`
}

// Input describes the supervised server at sampling time.
type Input struct {
	PID            int
	Backend        backend.Kind
	ModelLoaded    bool
	ServerReady    bool
	VRAMEstimateMB float64
}

// GPUQuery returns utilisation percent and used memory in MiB.
type GPUQuery func(ctx context.Context) (util, memMB float64, err error)

// Collector samples host and process resources.
type Collector struct {
	GPU GPUQuery
	// Window is the CPU sampling interval.
	Window time.Duration
}

// NewCollector returns a collector that queries nvidia-smi for CUDA backends.
func NewCollector() *Collector {
	return &Collector{GPU: NvidiaSMIQuery, Window: 100 * time.Millisecond}
}

const mib = 1024 * 1024

// Collect samples resources. Failures leave the affected fields at zero.
func (c *Collector) Collect(ctx context.Context, in Input) Snapshot {
	snap := Snapshot{
		Backend:     string(in.Backend),
		ModelLoaded: in.ModelLoaded,
		ServerReady: in.ServerReady,
		VRAMMB:      in.VRAMEstimateMB,
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.HostRAMUsedMB = float64(vm.Used) / mib
		snap.HostRAMTotalMB = float64(vm.Total) / mib
	}
	if in.PID > 0 {
		if p, err := process.NewProcessWithContext(ctx, int32(in.PID)); err == nil {
			if mi, err := p.MemoryInfoWithContext(ctx); err == nil {
				snap.RAMMB = float64(mi.RSS) / mib
			}
			if pct, err := p.PercentWithContext(ctx, c.Window); err == nil {
				snap.CPUPercent = pct
			}
		}
	} else if pcts, err := cpu.PercentWithContext(ctx, c.Window, false); err == nil && len(pcts) > 0 {
		snap.CPUPercent = pcts[0]
	}
	if in.Backend == backend.CUDA && c.GPU != nil {
		if util, used, err := c.GPU(ctx); err == nil {
			snap.GPUPercent = util
			snap.VRAMMB = used
		}
	}
	return snap
}

// NvidiaSMIQuery reads utilisation and memory for all devices; utilisation is
// averaged and memory summed.
func NvidiaSMIQuery(ctx context.Context) (float64, float64, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, "nvidia-smi", "--query-gpu=utilization.gpu,memory.used", "--format=csv,noheader,nounits").Output()
	if err != nil {
		return 0, 0, fmt.Errorf("nvidia-smi: %w", err)
	}
	return parseNvidiaSMI(string(out))
}

func parseNvidiaSMI(out string) (float64, float64, error) {
	var util, used float64
	n := 0
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		parts := strings.Split(line, ",")
		if len(parts) < 2 {
			continue
		}
		u, err1 := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
		m, err2 := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err1 != nil || err2 != nil {
			continue
		}
		util += u
		used += m
		n++
	}
	if n == 0 {
		return 0, 0, fmt.Errorf("unexpected nvidia-smi output: %q", out)
	}
	return util / float64(n), used, nil
}
