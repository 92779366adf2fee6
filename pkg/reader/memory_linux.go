//go:build linux

package reader

import (
	"context"
	"log/slog"

	"github.com/prometheus/procfs"

	"github.com/all-smi/all-smi-go/pkg/types"
)

// LinuxMemoryReader reads /proc/meminfo via procfs. Buffers/cached are
// populated here since they only exist on Linux (§4.2).
type LinuxMemoryReader struct {
	fs     procfs.FS
	logger *slog.Logger
}

func NewLinuxMemoryReader(logger *slog.Logger) (*LinuxMemoryReader, error) {
	if logger == nil {
		logger = slog.Default()
	}

	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, types.NewReaderError(types.KindPlatformInit, err)
	}

	return &LinuxMemoryReader{fs: fs, logger: logger}, nil
}

func (r *LinuxMemoryReader) Name() string { return "memory-linux" }

func (r *LinuxMemoryReader) Sample(ctx context.Context) (*types.Memory, error) {
	info, err := r.fs.Meminfo()
	if err != nil {
		return nil, types.NewReaderError(types.KindDeviceAccess, err)
	}

	total := deref(info.MemTotal)
	free := deref(info.MemFree)
	available := deref(info.MemAvailable)
	if available == 0 {
		available = free
	}

	used := uint64(0)
	if total > available {
		used = total - available
	}

	util := 0.0
	if total > 0 {
		util = float64(used) / float64(total) * 100
	}

	return &types.Memory{
		TotalBytes:     total * 1024,
		UsedBytes:      used * 1024,
		AvailableBytes: available * 1024,
		FreeBytes:      free * 1024,
		BuffersBytes:   deref(info.Buffers) * 1024,
		CachedBytes:    deref(info.Cached) * 1024,
		SwapTotalBytes: deref(info.SwapTotal) * 1024,
		SwapUsedBytes:  swapUsed(info) * 1024,
		SwapFreeBytes:  deref(info.SwapFree) * 1024,
		UtilizationPct: clampPct(util),
	}, nil
}

func deref(p *uint64) uint64 {
	if p == nil {
		return 0
	}

	return *p
}

func swapUsed(info *procfs.Meminfo) uint64 {
	total := deref(info.SwapTotal)
	free := deref(info.SwapFree)
	if total > free {
		return total - free
	}

	return 0
}
