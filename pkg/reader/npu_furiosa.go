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

// furiosaFrame is filled from `furiosa-smi info --format text` output.
type furiosaFrame struct {
	Name        string  `smi:"Device\\s*:\\s*(\\S+)"`
	Utilization float64 `smi:"PE Utilization\\s*:\\s*([\\d.]+)"`
	MemoryUsed  float64 `smi:"Memory Used\\s*:\\s*([\\d.]+)\\s*MiB,1048576"`
	MemoryTotal float64 `smi:"Memory Total\\s*:\\s*([\\d.]+)\\s*MiB,1048576"`
	PowerWatts  float64 `smi:"Power\\s*:\\s*([\\d.]+)\\s*W"`
	TempC       float64 `smi:"Temperature\\s*:\\s*([\\d.]+)\\s*C"`
}

// FuriosaReader maps Furiosa's `furiosa-smi` tool onto the Gpu sample
// shape with Kind=NPU (§4.2).
type FuriosaReader struct {
	logger *slog.Logger
}

// NewFuriosaReader requires `furiosa-smi` on PATH.
func NewFuriosaReader(logger *slog.Logger) (*FuriosaReader, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if _, err := osexec.ExecuteContext(context.Background(), "furiosa-smi", []string{"--version"}, nil); err != nil {
		return nil, types.NewReaderError(types.KindPlatformInit, err)
	}

	return &FuriosaReader{logger: logger}, nil
}

func (r *FuriosaReader) Name() string { return "furiosa-npu" }

// Sample implements types.DeviceReader.
func (r *FuriosaReader) Sample(ctx context.Context) ([]types.Gpu, error) {
	out, err := osexec.ExecuteContext(ctx, "furiosa-smi", []string{"info", "--format", "text"}, nil)
	if err != nil {
		return nil, types.NewReaderError(types.KindDeviceAccess, fmt.Errorf("furiosa-smi info: %w", err))
	}

	var f furiosaFrame
	if err := parser.ParseInto(out, &f); err != nil {
		return nil, types.NewReaderError(types.KindParseError, err)
	}

	temp := f.TempC
	gpu := types.Gpu{
		UUID:             "furiosa-0",
		Name:             f.Name,
		Kind:             types.KindNPU,
		Index:            0,
		UtilizationPct:   f.Utilization,
		MemoryUsedBytes:  uint64(f.MemoryUsed),
		MemoryTotalBytes: uint64(f.MemoryTotal),
		PowerWatts:       f.PowerWatts,
		TemperatureCelsius: &temp,
		Detail:           map[string]string{"lib_name": "furiosa-smi"},
	}
	gpu.Clamp()

	return []types.Gpu{gpu}, nil
}
