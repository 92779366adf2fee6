package reader

import (
	"context"
	"log/slog"
	"time"

	gopsutilprocess "github.com/shirou/gopsutil/v4/process"

	"github.com/all-smi/all-smi-go/pkg/types"
)

// ProcessReader enumerates host processes via gopsutil, optionally
// attributing GPU usage when a vendor reader's Processes method is
// available. It implements types.ProcessEnumerator.
//
// A process referencing a device must match an existing Gpu.uuid within
// the sample set (§3); unmatched device attribution is dropped rather
// than fabricating a UUID, left to the caller (LocalStrategy) which
// cross-references against the cycle's Gpu samples before merging.
type ProcessReader struct {
	logger    *slog.Logger
	gpuLookup func(ctx context.Context) ([]types.Process, error)
}

// NewProcessReader builds a ProcessReader. gpuProcessSource is optional
// (nil when no accelerator reader exposes per-process GPU data) and
// supplies the device-attributed rows this reader merges onto the plain
// OS process list by PID.
func NewProcessReader(logger *slog.Logger, gpuProcessSource func(ctx context.Context) ([]types.Process, error)) *ProcessReader {
	if logger == nil {
		logger = slog.Default()
	}

	return &ProcessReader{logger: logger, gpuLookup: gpuProcessSource}
}

func (r *ProcessReader) Name() string { return "process-enumerator" }

// Sample implements types.ProcessEnumerator.
func (r *ProcessReader) Sample(ctx context.Context) ([]types.Process, error) {
	procs, err := gopsutilprocess.ProcessesWithContext(ctx)
	if err != nil {
		return nil, types.NewReaderError(types.KindDeviceAccess, err)
	}

	gpuByPID := make(map[int32]types.Process)

	if r.gpuLookup != nil {
		gpuProcs, err := r.gpuLookup(ctx)
		if err != nil {
			r.logger.Debug("gpu process lookup failed, continuing without device attribution", "err", err)
		}

		for _, gp := range gpuProcs {
			gpuByPID[int32(gp.PID)] = gp
		}
	}

	out := make([]types.Process, 0, len(procs))

	for _, p := range procs {
		name, _ := p.NameWithContext(ctx)
		cmdline, _ := p.CmdlineWithContext(ctx)
		username, _ := p.UsernameWithContext(ctx)
		status, _ := p.StatusWithContext(ctx)
		ppid, _ := p.PpidWithContext(ctx)
		numThreads, _ := p.NumThreadsWithContext(ctx)
		nice, _ := p.NiceWithContext(ctx)
		cpuPct, _ := p.CPUPercentWithContext(ctx)
		memPct, _ := p.MemoryPercentWithContext(ctx)
		createTimeMs, _ := p.CreateTimeWithContext(ctx)

		var rss, vms uint64

		if mem, err := p.MemoryInfoWithContext(ctx); err == nil && mem != nil {
			rss = mem.RSS
			vms = mem.VMS
		}

		var cpuTimeSeconds float64

		if times, err := p.TimesWithContext(ctx); err == nil && times != nil {
			cpuTimeSeconds = times.User + times.System
		}

		proc := types.Process{
			PID:            int(p.Pid),
			PPID:           int(ppid),
			Name:           name,
			Command:        cmdline,
			User:           username,
			State:          joinStatus(status),
			Threads:        int(numThreads),
			Nice:           int(nice),
			CPUPct:         cpuPct,
			MemPct:         float64(memPct),
			RSSBytes:       rss,
			VMSBytes:       vms,
			CPUTimeSeconds: cpuTimeSeconds,
		}

		if createTimeMs > 0 {
			proc.StartTime = msToTime(createTimeMs)
		}

		if gp, ok := gpuByPID[p.Pid]; ok {
			proc.DeviceUUID = gp.DeviceUUID
			proc.GPUMemoryBytes = gp.GPUMemoryBytes
			proc.GPUUtilizationPct = gp.GPUUtilizationPct
		}

		out = append(out, proc)
	}

	return out, nil
}

func joinStatus(status []string) string {
	if len(status) == 0 {
		return ""
	}

	return status[0]
}

// msToTime converts gopsutil's millisecond-since-epoch CreateTime into a
// time.Time.
func msToTime(ms int64) time.Time {
	return time.UnixMilli(ms)
}
