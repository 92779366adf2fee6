//go:build linux

// Package reader implements the vendor/resource device readers (C2): one
// file per backend, sharing the command-execution and caching idioms from
// internal/osexec and the factory package.
package reader

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/prometheus/procfs"

	"github.com/all-smi/all-smi-go/pkg/types"
)

// jumpBackSeconds is the idle-counter regression at or above which a reset
// is logged as an assumed CPU hotplug event, grounded directly on the
// teacher's cpuCollector.jumpBackSeconds.
const jumpBackSeconds = 3.0

// LinuxCPUReader reads /proc/stat, /proc/cpuinfo, and cgroup cpuset limits
// to build one Cpu sample per cycle. It caches the previous /proc/stat
// snapshot to compute utilization as a delta, never negative; if the idle
// clock goes backwards the prior snapshot is discarded and a zero
// utilization is reported for that tick, per §4.2.
type LinuxCPUReader struct {
	fs       procfs.FS
	logger   *slog.Logger
	model    string
	sockets  int
	physical int
	logical  int

	mu         sync.Mutex
	prev       procfs.CPUStat
	prevPerCPU map[int64]procfs.CPUStat
	have       bool
}

// NewLinuxCPUReader opens procfs at the default mount point.
func NewLinuxCPUReader(logger *slog.Logger) (*LinuxCPUReader, error) {
	if logger == nil {
		logger = slog.Default()
	}

	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("failed to open procfs: %w", err)
	}

	info, err := fs.CPUInfo()
	if err != nil {
		return nil, fmt.Errorf("failed to read cpuinfo: %w", err)
	}

	socketCoreMap := make(map[string]uint)

	var logical uint

	var model string

	for _, cpu := range info {
		socketCoreMap[cpu.PhysicalID] = cpu.CPUCores
		logical++
		model = cpu.ModelName
	}

	var physical uint
	for _, cores := range socketCoreMap {
		physical += cores
	}

	if physical == 0 {
		physical = logical
	}

	return &LinuxCPUReader{
		fs:       fs,
		logger:   logger,
		model:    model,
		sockets:  len(socketCoreMap),
		physical: int(physical),
		logical:  int(logical),
	}, nil
}

func (r *LinuxCPUReader) Name() string { return "cpu-linux" }

// Sample implements types.CPUReader.
func (r *LinuxCPUReader) Sample(ctx context.Context) (*types.Cpu, error) {
	stats, err := r.fs.Stat()
	if err != nil {
		return nil, types.NewReaderError(types.KindDeviceAccess, err)
	}

	cpuset, hasCPUSet := r.cgroupCPUSet()

	utilization, perCore := r.computeUtilization(stats, cpuset, hasCPUSet)

	cores, threads := r.logicalCounts(cpuset, hasCPUSet)

	return &types.Cpu{
		Model:            r.model,
		Platform:         platformFromModel(r.model),
		Sockets:          r.sockets,
		TotalCores:       cores,
		TotalThreads:     threads,
		UtilizationPct:   utilization,
		PerCore:          perCore,
	}, nil
}

func platformFromModel(model string) types.CPUPlatform {
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "intel"):
		return types.PlatformIntel
	case strings.Contains(lower, "amd"):
		return types.PlatformAMD
	case strings.Contains(lower, "arm") || strings.Contains(lower, "aarch64"):
		return types.PlatformARM
	default:
		return types.PlatformOther
	}
}

// computeUtilization diffs newStats against the cached previous snapshot.
// Any backward jump in the total Idle counter discards the cached snapshot
// and reports zero utilization for this tick; a jump of jumpBackSeconds or
// more is logged as an assumed hotplug. When cpuset is non-empty, the per-core list is restricted to those core
// IDs only, per §8's containerized-host scenario.
func (r *LinuxCPUReader) computeUtilization(stats procfs.Stat, cpuset []int, hasCPUSet bool) (float64, []types.CoreUtilization) {
	r.mu.Lock()
	defer r.mu.Unlock()

	newTotal := stats.CPUTotal

	if r.have && newTotal.Idle < r.prev.Idle {
		if (r.prev.Idle - newTotal.Idle) >= jumpBackSeconds {
			r.logger.Debug("CPU idle counter jumped backwards more than tolerance, resetting", "old", r.prev.Idle, "new", newTotal.Idle)
		} else {
			r.logger.Debug("CPU idle counter went backwards, resetting", "old", r.prev.Idle, "new", newTotal.Idle)
		}

		r.have = false
	}

	var allow map[int64]bool
	if hasCPUSet {
		allow = make(map[int64]bool, len(cpuset))
		for _, id := range cpuset {
			allow[int64(id)] = true
		}
	}

	if !r.have {
		r.prev = newTotal
		r.prevPerCPU = stats.CPU
		r.have = true

		return 0, perCoreFromStats(stats.CPU, nil, allow)
	}

	prev := r.prev
	prevBusy := busy(prev)
	newBusy := busy(newTotal)
	prevIdle := prev.Idle + prev.Iowait
	newIdle := newTotal.Idle + newTotal.Iowait

	deltaBusy := newBusy - prevBusy
	deltaIdle := newIdle - prevIdle

	util := 0.0
	if deltaBusy+deltaIdle > 0 {
		util = math.Max(0, deltaBusy/(deltaBusy+deltaIdle)*100)
	}

	perCore := perCoreFromStats(stats.CPU, r.prevPerCPU, allow)
	r.prevPerCPU = stats.CPU
	r.prev = newTotal

	return clampPct(util), perCore
}

func busy(s procfs.CPUStat) float64 {
	return s.User + s.Nice + s.System + s.IRQ + s.SoftIRQ + s.Steal
}

func clampPct(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}

	return v
}

func perCoreFromStats(cur map[int64]procfs.CPUStat, prev map[int64]procfs.CPUStat, allow map[int64]bool) []types.CoreUtilization {
	out := make([]types.CoreUtilization, 0, len(cur))

	for id, c := range cur {
		if allow != nil && !allow[id] {
			continue
		}

		util := 0.0
		if p, ok := prev[id]; ok {
			deltaBusy := busy(c) - busy(p)
			deltaIdle := (c.Idle + c.Iowait) - (p.Idle + p.Iowait)
			if deltaBusy+deltaIdle > 0 {
				util = clampPct(deltaBusy / (deltaBusy + deltaIdle) * 100)
			}
		}

		out = append(out, types.CoreUtilization{CoreID: int(id), Type: types.CoreStandard, UtilizationPct: util})
	}

	return out
}

// cgroupCPUSet returns the cpuset core-index list when the process is
// confined to a subset of the host's CPUs (cgroup v2 then v1 paths tried in
// order), and ok=false when no cpuset restriction applies.
func (r *LinuxCPUReader) cgroupCPUSet() (set []int, ok bool) {
	if set, ok := readCPUSet("/sys/fs/cgroup/cpuset.cpus.effective"); ok {
		return set, true
	}

	if set, ok := readCPUSet("/sys/fs/cgroup/cpuset/cpuset.cpus"); ok {
		return set, true
	}

	return nil, false
}

// logicalCounts returns the cpuset-limited core/thread count when cpuset is
// present, and the raw cpuinfo-derived counts otherwise — the container
// edge case from §8.
func (r *LinuxCPUReader) logicalCounts(cpuset []int, hasCPUSet bool) (cores, threads int) {
	if hasCPUSet {
		return len(cpuset), len(cpuset)
	}

	return r.physical, r.logical
}

// readCPUSet parses a cgroup cpuset range string like "0-2,4" into the set
// of CPU indices it names, grounded on the shape of the teacher's
// parseRange helper.
func readCPUSet(path string) ([]int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}

	raw := strings.TrimSpace(string(data))
	if raw == "" {
		return nil, false
	}

	var ids []int

	for _, part := range strings.Split(raw, ",") {
		if strings.Contains(part, "-") {
			bounds := strings.SplitN(part, "-", 2)
			lo, err1 := strconv.Atoi(bounds[0])
			hi, err2 := strconv.Atoi(bounds[1])

			if err1 != nil || err2 != nil {
				continue
			}

			for i := lo; i <= hi; i++ {
				ids = append(ids, i)
			}
		} else if v, err := strconv.Atoi(part); err == nil {
			ids = append(ids, v)
		}
	}

	return ids, len(ids) > 0
}
