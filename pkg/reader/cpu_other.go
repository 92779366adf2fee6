//go:build !linux

package reader

import (
	"context"
	"log/slog"
	"runtime"

	gopsutilcpu "github.com/shirou/gopsutil/v4/cpu"

	"github.com/all-smi/all-smi-go/pkg/types"
)

// OtherCPUReader is the non-Linux CPU backend, grounded on
// henrygd-beszel's gopsutil-based host stat gathering.
type OtherCPUReader struct {
	logger *slog.Logger
}

func NewOtherCPUReader(logger *slog.Logger) (*OtherCPUReader, error) {
	if logger == nil {
		logger = slog.Default()
	}

	return &OtherCPUReader{logger: logger}, nil
}

func (r *OtherCPUReader) Name() string { return "cpu-gopsutil" }

func (r *OtherCPUReader) Sample(ctx context.Context) (*types.Cpu, error) {
	percents, err := gopsutilcpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return nil, types.NewReaderError(types.KindDeviceAccess, err)
	}

	info, err := gopsutilcpu.InfoWithContext(ctx)
	if err != nil {
		return nil, types.NewReaderError(types.KindDeviceAccess, err)
	}

	util := 0.0
	if len(percents) > 0 {
		util = clampPct(percents[0])
	}

	model := ""
	var maxFreq float64
	if len(info) > 0 {
		model = info[0].ModelName
		maxFreq = info[0].Mhz
	}

	platform := types.PlatformOther
	if runtime.GOOS == "darwin" {
		platform = types.PlatformAppleSilicon
	}

	logical, _ := gopsutilcpu.CountsWithContext(ctx, true)
	physical, _ := gopsutilcpu.CountsWithContext(ctx, false)

	return &types.Cpu{
		Model:           model,
		Platform:        platform,
		Sockets:         1,
		TotalCores:      physical,
		TotalThreads:    logical,
		MaxFrequencyMHz: maxFreq,
		UtilizationPct:  util,
	}, nil
}
