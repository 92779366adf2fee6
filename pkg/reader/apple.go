//go:build darwin

package reader

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/all-smi/all-smi-go/pkg/parser"
	"github.com/all-smi/all-smi-go/pkg/sampler"
	"github.com/all-smi/all-smi-go/pkg/types"
)

// appleSampleIdentity is the sampler-manager tool identity for the Apple
// power sampler (§4.2), a singleton per process per §4.3.
const appleSampleIdentity = "apple-power"

// appleFrame is the struct the tool-output DSL (C5) fills from one
// `powermetrics --samplers gpu_power,ane_power,cpu_power -i <interval>`
// record; field names mirror the sampler's plist-like text keys.
type appleFrame struct {
	GPUActive     float64  `smi:"GPU active residency:\\s*([\\d.]+)"`
	ANEPowerMW    float64  `smi:"ANE Power:\\s*(\\d+)\\s*mW,0.001"`
	ThermalPressure string `smi:"Thermal pressure:\\s*(\\S+)" smidefault:"Nominal"`
	CPUPowerMW    float64  `smi:"CPU Power:\\s*(\\d+)\\s*mW,0.001"`
	GPUPowerMW    float64  `smi:"GPU Power:\\s*(\\d+)\\s*mW,0.001"`
}

// AppleReader wraps the apple-power sampler subprocess (C3) behind the
// DeviceReader/CPUReader contracts: it reports unified-memory GPU/ANE
// utilization without requiring elevated privileges (§4.2). Before the
// sampler's first frame is parsed, Sample returns ReaderError{Kind:
// Warming} so the collector records "pending" instead of failing the
// whole host (§4.2, §8 scenario 3).
type AppleReader struct {
	logger  *slog.Logger
	manager *sampler.Manager
}

// NewAppleReader builds (but does not yet start) the apple-power sampler.
// EnsureRunning is called lazily on first Sample, matching the "readers
// and stores are created lazily on first query" lifecycle rule (§3).
func NewAppleReader(logger *slog.Logger) (*AppleReader, error) {
	if logger == nil {
		logger = slog.Default()
	}

	mgr := sampler.New(appleSampleIdentity, []string{
		"powermetrics", "--samplers", "gpu_power,ane_power,cpu_power", "-i", "1000",
	}, parseAppleFrame, logger)

	return &AppleReader{logger: logger, manager: mgr}, nil
}

func (r *AppleReader) Name() string { return "apple-gpu" }

func parseAppleFrame(line string) (*types.Frame, error) {
	if !strings.Contains(line, "Power:") && !strings.Contains(line, "residency") && !strings.Contains(line, "pressure") {
		return nil, nil //nolint:nilnil // "not a data line, keep reading" per ParseFunc contract
	}

	var f appleFrame

	if err := parser.ParseInto([]byte(line), &f); err != nil {
		return nil, err
	}

	return &types.Frame{
		Fields: map[string]float64{
			"gpu_active_pct": f.GPUActive,
			"ane_power_w":    f.ANEPowerMW,
			"cpu_power_w":    f.CPUPowerMW,
			"gpu_power_w":    f.GPUPowerMW,
		},
		Labels: map[string]string{"thermal_pressure": f.ThermalPressure},
	}, nil
}

// Sample implements types.DeviceReader, returning one synthetic Gpu entry
// representing the integrated GPU/ANE (Apple Silicon has no discrete GPU
// UUID concept the way dGPU vendors do).
func (r *AppleReader) Sample(ctx context.Context) ([]types.Gpu, error) {
	if err := r.manager.EnsureRunning(ctx); err != nil {
		return nil, err
	}

	if r.manager.Warming() {
		return nil, types.NewReaderError(types.KindWarming, fmt.Errorf("apple-power sampler still warming up"))
	}

	frame, ok := r.manager.Latest()
	if !ok {
		return nil, types.NewReaderError(types.KindWarming, fmt.Errorf("no apple-power frame yet"))
	}

	gpu := types.Gpu{
		UUID:           "apple-integrated-gpu",
		Name:           "Apple Silicon GPU",
		Kind:           types.KindGPU,
		Index:          0,
		UtilizationPct: frame.Fields["gpu_active_pct"],
		PowerWatts:     frame.Fields["gpu_power_w"],
		Detail: map[string]string{
			"ane_power_watts":  fmt.Sprintf("%.3f", frame.Fields["ane_power_w"]),
			"thermal_pressure": frame.Labels["thermal_pressure"],
		},
	}
	gpu.Clamp()

	return []types.Gpu{gpu}, nil
}

// ANEPowerWatts returns the latest ANE power reading, and false while the
// sampler is still warming up. The exporter has no separate ANE power
// family: ANE power is exported only as the ane_power_watts label that
// Sample puts in the Gpu detail map.
func (r *AppleReader) ANEPowerWatts() (float64, bool) {
	if r.manager.Warming() {
		return 0, false
	}

	frame, ok := r.manager.Latest()
	if !ok {
		return 0, false
	}

	return frame.Fields["ane_power_w"], true
}
