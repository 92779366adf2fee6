//go:build linux

package reader

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/all-smi/all-smi-go/pkg/sampler"
	"github.com/all-smi/all-smi-go/pkg/types"
)

// gaudiSampleIdentity is the sampler-manager tool identity for Intel
// Gaudi's streaming SMI tool (§4.2: "Gaudi uses the sampler-manager to
// run the vendor SMI tool in streaming mode").
const gaudiSampleIdentity = "hl-smi"

var gaudiLineRE = regexp.MustCompile(`^(\d+),\s*([\w-]+),\s*([\d.]+),\s*(\d+),\s*(\d+),\s*([\d.]+),\s*([\d.]+)$`)

// GaudiReader maps Intel Gaudi's `hl-smi` streaming CSV output onto the
// Gpu sample shape with Kind=NPU, backed by the sampler manager (C3)
// rather than a one-shot subprocess call, since hl-smi is expensive to
// start.
type GaudiReader struct {
	logger  *slog.Logger
	manager *sampler.Manager
}

// NewGaudiReader starts (lazily, on first Sample) `hl-smi` in CSV
// streaming mode: `hl-smi --query-aip index,name,utilization.aip,
// power.draw,temperature.aip,memory.used,memory.total
// --format=csv,noheader,nounits -l 1`.
func NewGaudiReader(logger *slog.Logger) (*GaudiReader, error) {
	if logger == nil {
		logger = slog.Default()
	}

	mgr := sampler.New(gaudiSampleIdentity, []string{
		"hl-smi", "--query-aip", "index,name,utilization.aip,power.draw,temperature.aip,memory.used,memory.total",
		"--format=csv,noheader,nounits", "-l", "1",
	}, parseGaudiLine, logger)

	return &GaudiReader{logger: logger, manager: mgr}, nil
}

func (r *GaudiReader) Name() string { return "gaudi-npu" }

func parseGaudiLine(line string) (*types.Frame, error) {
	m := gaudiLineRE.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return nil, nil //nolint:nilnil // header/blank lines aren't data, keep reading
	}

	idx, _ := strconv.ParseFloat(m[1], 64)
	util, _ := strconv.ParseFloat(m[3], 64)
	power, _ := strconv.ParseFloat(m[4], 64)
	temp, _ := strconv.ParseFloat(m[5], 64)
	memUsed, _ := strconv.ParseFloat(m[6], 64)
	memTotal, _ := strconv.ParseFloat(m[7], 64)

	return &types.Frame{
		Fields: map[string]float64{
			"index": idx, "utilization": util, "power_watts": power,
			"temperature_c": temp, "memory_used_mib": memUsed, "memory_total_mib": memTotal,
		},
		Labels: map[string]string{"name": m[2]},
	}, nil
}

// Sample implements types.DeviceReader. Only the single latest frame is
// surfaced: hl-smi's streaming output interleaves one line per device per
// tick, so on a multi-card host the sample is whichever card's line was
// parsed last, and the other cards are not reported.
func (r *GaudiReader) Sample(ctx context.Context) ([]types.Gpu, error) {
	if err := r.manager.EnsureRunning(ctx); err != nil {
		return nil, err
	}

	if r.manager.Warming() {
		return nil, types.NewReaderError(types.KindWarming, fmt.Errorf("hl-smi sampler still warming up"))
	}

	frame, ok := r.manager.Latest()
	if !ok {
		return nil, types.NewReaderError(types.KindWarming, fmt.Errorf("no hl-smi frame yet"))
	}

	gpu := types.Gpu{
		UUID:             "gaudi-" + strconv.Itoa(int(frame.Fields["index"])),
		Name:             frame.Labels["name"],
		Kind:             types.KindNPU,
		Index:            int(frame.Fields["index"]),
		UtilizationPct:   frame.Fields["utilization"],
		PowerWatts:       frame.Fields["power_watts"],
		MemoryUsedBytes:  uint64(frame.Fields["memory_used_mib"]) * 1024 * 1024,
		MemoryTotalBytes: uint64(frame.Fields["memory_total_mib"]) * 1024 * 1024,
		Detail:           map[string]string{"lib_name": "hl-smi"},
	}

	if t := frame.Fields["temperature_c"]; t != 0 {
		gpu.TemperatureCelsius = &t
	}

	gpu.Clamp()

	return []types.Gpu{gpu}, nil
}
