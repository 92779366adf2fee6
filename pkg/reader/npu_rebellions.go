//go:build linux

package reader

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/all-smi/all-smi-go/internal/osexec"
	"github.com/all-smi/all-smi-go/pkg/parser"
	"github.com/all-smi/all-smi-go/pkg/types"
)

// rebellionsFrame is filled from `rbln-stat` text output by the C5
// tool-output DSL.
type rebellionsFrame struct {
	Name        string  `smi:"Device\\s*:\\s*(\\S+)"`
	Utilization float64 `smi:"Util\\s*:\\s*([\\d.]+)\\s*%"`
	MemoryUsed  float64 `smi:"Memory Used\\s*:\\s*([\\d.]+)\\s*MiB,1048576"`
	MemoryTotal float64 `smi:"Memory Total\\s*:\\s*([\\d.]+)\\s*MiB,1048576"`
	PowerWatts  float64 `smi:"Power\\s*:\\s*([\\d.]+)\\s*W"`
	TempC       float64 `smi:"Temperature\\s*:\\s*([\\d.]+)\\s*C"`
}

// RebellionsReader maps Rebellions' `rbln-stat` tool onto the Gpu sample
// shape with Kind=NPU (§4.2).
type RebellionsReader struct {
	logger *slog.Logger
}

// NewRebellionsReader requires `rbln-stat` on PATH.
func NewRebellionsReader(logger *slog.Logger) (*RebellionsReader, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if _, err := osexec.ExecuteContext(context.Background(), "rbln-stat", []string{"--version"}, nil); err != nil {
		return nil, types.NewReaderError(types.KindPlatformInit, err)
	}

	return &RebellionsReader{logger: logger}, nil
}

func (r *RebellionsReader) Name() string { return "rebellions-npu" }

// Sample implements types.DeviceReader.
func (r *RebellionsReader) Sample(ctx context.Context) ([]types.Gpu, error) {
	out, err := osexec.ExecuteContext(ctx, "rbln-stat", nil, nil)
	if err != nil {
		return nil, types.NewReaderError(types.KindDeviceAccess, fmt.Errorf("rbln-stat: %w", err))
	}

	var f rebellionsFrame
	if err := parser.ParseInto(out, &f); err != nil {
		return nil, types.NewReaderError(types.KindParseError, err)
	}

	temp := f.TempC
	gpu := types.Gpu{
		UUID:             "rebellions-0",
		Name:             f.Name,
		Kind:             types.KindNPU,
		Index:            0,
		UtilizationPct:   f.Utilization,
		MemoryUsedBytes:  uint64(f.MemoryUsed),
		MemoryTotalBytes: uint64(f.MemoryTotal),
		PowerWatts:       f.PowerWatts,
		TemperatureCelsius: &temp,
		Detail:           map[string]string{"lib_name": "rbln-stat"},
	}
	gpu.Clamp()

	return []types.Gpu{gpu}, nil
}
