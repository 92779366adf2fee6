//go:build !linux

package reader

import (
	"context"
	"log/slog"

	gopsutilmem "github.com/shirou/gopsutil/v4/mem"

	"github.com/all-smi/all-smi-go/pkg/types"
)

// OtherMemoryReader is the non-Linux memory backend.
type OtherMemoryReader struct {
	logger *slog.Logger
}

func NewOtherMemoryReader(logger *slog.Logger) (*OtherMemoryReader, error) {
	if logger == nil {
		logger = slog.Default()
	}

	return &OtherMemoryReader{logger: logger}, nil
}

func (r *OtherMemoryReader) Name() string { return "memory-gopsutil" }

func (r *OtherMemoryReader) Sample(ctx context.Context) (*types.Memory, error) {
	v, err := gopsutilmem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, types.NewReaderError(types.KindDeviceAccess, err)
	}

	swap, err := gopsutilmem.SwapMemoryWithContext(ctx)
	if err != nil {
		swap = &gopsutilmem.SwapMemoryStat{}
	}

	return &types.Memory{
		TotalBytes:     v.Total,
		UsedBytes:      v.Used,
		AvailableBytes: v.Available,
		FreeBytes:      v.Free,
		SwapTotalBytes: swap.Total,
		SwapUsedBytes:  swap.Used,
		SwapFreeBytes:  swap.Free,
		UtilizationPct: clampPct(v.UsedPercent),
	}, nil
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
