//go:build linux

package reader

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"log/slog"

	"github.com/all-smi/all-smi-go/pkg/types"
)

// tegraDevNode and tegraGPULoadPath are the sysfs files the Jetson reader
// polls; both are specific to the Tegra integrated platform (§4.2).
const (
	tegraDevNode     = "/dev/nvhost-ctrl-gpu"
	tegraGPULoadPath = "/sys/devices/gpu.0/load"
	tegraDLAPattern  = "/sys/devices/*dla*/load"
	tegraRailsGlob   = "/sys/bus/i2c/drivers/ina3221x/*/iio:device*/in_power*_input"
)

// JetsonReader samples the integrated Tegra GPU/DLA via sysfs and procfs
// nodes specific to NVIDIA Jetson boards, filling Detail.dla_utilization
// per §4.2.
type JetsonReader struct {
	logger *slog.Logger
}

// NewJetsonReader probes for the Tegra GPU device node before
// constructing, per the factory's "side-effect-free beyond a stat" rule.
func NewJetsonReader(logger *slog.Logger) (*JetsonReader, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if _, err := os.Stat(tegraDevNode); err != nil {
		return nil, types.NewReaderError(types.KindPlatformInit, err)
	}

	return &JetsonReader{logger: logger}, nil
}

func (r *JetsonReader) Name() string { return "jetson-gpu" }

// Sample implements types.DeviceReader.
func (r *JetsonReader) Sample(ctx context.Context) ([]types.Gpu, error) {
	load, err := readSysfsInt(tegraGPULoadPath)
	if err != nil {
		return nil, types.NewReaderError(types.KindDeviceAccess, err)
	}

	gpu := types.Gpu{
		UUID:           "jetson-integrated-gpu",
		Name:           "Tegra Integrated GPU",
		Kind:           types.KindGPU,
		Index:          0,
		UtilizationPct: float64(load) / 10.0, // sysfs reports 0-1000 for 0-100%
		PowerWatts:     jetsonTotalPowerWatts(),
		Detail: map[string]string{
			"dla_utilization": jetsonDLAUtilization(),
		},
	}
	gpu.Clamp()

	return []types.Gpu{gpu}, nil
}

func readSysfsInt(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func jetsonDLAUtilization() string {
	matches, err := filepath.Glob(tegraDLAPattern)
	if err != nil || len(matches) == 0 {
		return "N/A"
	}

	var total, count int

	for _, m := range matches {
		if v, err := readSysfsInt(m); err == nil {
			total += v
			count++
		}
	}

	if count == 0 {
		return "N/A"
	}

	return strconv.FormatFloat(float64(total)/float64(count)/10.0, 'f', 1, 64)
}

func jetsonTotalPowerWatts() float64 {
	matches, err := filepath.Glob(tegraRailsGlob)
	if err != nil {
		return 0
	}

	var totalMW float64

	for _, m := range matches {
		data, err := os.ReadFile(m)
		if err != nil {
			continue
		}

		v, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
		if err != nil {
			continue
		}

		totalMW += v
	}

	return totalMW / 1000.0
}
