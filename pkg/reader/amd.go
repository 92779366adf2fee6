//go:build linux && cgo

package reader

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/all-smi/all-smi-go/internal/osexec"
	"github.com/all-smi/all-smi-go/pkg/types"
)

// AMD GPU reader (Linux glibc only, §4.2). The vendor GPU-top library is
// reached through the `amd-smi static/metric --json` CLI rather than raw
// FFI — grounded on the teacher's parseRocmSmiOutput/parseAmdSmiOutput
// shape in gpu.go, same JSON fields, same fallback to rocm-smi when
// amd-smi is absent. fdinfo is read directly for per-process VRAM/GTT,
// which neither CLI tool exposes.
type AMDReader struct {
	logger   *slog.Logger
	useAMDSMI bool
}

// amdSMIMetric is the subset of `amd-smi metric --json` this reader needs.
type amdSMIMetric struct {
	GPU   int `json:"gpu"`
	Usage struct {
		GFXActivity int `json:"gfx_activity"`
	} `json:"usage"`
	Mem struct {
		UsedVRAM  uint64 `json:"used_vram"`
		TotalVRAM uint64 `json:"total_vram"`
	} `json:"mem_usage"`
	Temperature struct {
		Edge int `json:"edge"`
	} `json:"temperature"`
	Power struct {
		Socket float64 `json:"socket_power"`
	} `json:"power"`
	Clock struct {
		GFXClk int `json:"clk"`
	} `json:"clock_gfx"`
}

type amdSMIStatic struct {
	GPU   int `json:"gpu"`
	ASIC  struct {
		MarketName string `json:"market_name"`
	} `json:"asic"`
	Board struct {
		ProductSerial string `json:"product_serial"`
	} `json:"board"`
}

// NewAMDReader probes for amd-smi first, falling back to rocm-smi; both
// absent is a PlatformInit failure.
func NewAMDReader(logger *slog.Logger) (*AMDReader, error) {
	if logger == nil {
		logger = slog.Default()
	}

	r := &AMDReader{logger: logger}

	if _, err := osexec.ExecuteContext(context.Background(), "amd-smi", []string{"list"}, nil); err == nil {
		r.useAMDSMI = true

		return r, nil
	}

	if _, err := osexec.ExecuteContext(context.Background(), "rocm-smi", []string{"--showid"}, nil); err == nil {
		return r, nil
	}

	return nil, types.NewReaderError(types.KindPlatformInit, fmt.Errorf("neither amd-smi nor rocm-smi found on PATH"))
}

func (r *AMDReader) Name() string { return "amd-gpu" }

// Sample implements types.DeviceReader. On permission denial (no access to
// /sys/class/kfd or the render nodes) this returns PermissionDenied with a
// remediation hint, per §4.2.
func (r *AMDReader) Sample(ctx context.Context) ([]types.Gpu, error) {
	if r.useAMDSMI {
		return r.sampleAMDSMI(ctx)
	}

	return r.sampleROCmSMI(ctx)
}

func (r *AMDReader) sampleAMDSMI(ctx context.Context) ([]types.Gpu, error) {
	metricOut, err := osexec.ExecuteContext(ctx, "amd-smi", []string{"metric", "--json"}, nil)
	if err != nil {
		if isPermissionDenied(err) {
			return nil, types.NewReaderErrorWithRemediation(types.KindPermissionDenied, err, "add user to the video/render group")
		}

		return nil, types.NewReaderError(types.KindDeviceAccess, err)
	}

	var metrics []amdSMIMetric
	if err := json.Unmarshal(metricOut, &metrics); err != nil {
		return nil, types.NewReaderError(types.KindParseError, fmt.Errorf("parsing amd-smi metric json: %w", err))
	}

	staticOut, err := osexec.ExecuteContext(ctx, "amd-smi", []string{"static", "--json"}, nil)

	names := make(map[int]string)

	if err == nil {
		var statics []amdSMIStatic
		if jsonErr := json.Unmarshal(staticOut, &statics); jsonErr == nil {
			for _, s := range statics {
				names[s.GPU] = s.ASIC.MarketName
			}
		}
	}

	out := make([]types.Gpu, 0, len(metrics))

	for _, m := range metrics {
		gpu := types.Gpu{
			UUID:             fmt.Sprintf("amd-gpu-%d", m.GPU),
			Name:             names[m.GPU],
			Kind:             types.KindGPU,
			Index:            m.GPU,
			UtilizationPct:   float64(m.Usage.GFXActivity),
			MemoryUsedBytes:  m.Mem.UsedVRAM,
			MemoryTotalBytes: m.Mem.TotalVRAM,
			PowerWatts:       m.Power.Socket,
			FrequencyMHz:     float64(m.Clock.GFXClk),
			Detail:           map[string]string{"lib_name": "amd-smi"},
		}

		if t := float64(m.Temperature.Edge); t != 0 {
			gpu.TemperatureCelsius = &t
		}

		vram, gtt := fdinfoVRAMGTT(m.GPU)
		gpu.Detail["vram_used_bytes"] = strconv.FormatUint(vram, 10)
		gpu.Detail["gtt_used_bytes"] = strconv.FormatUint(gtt, 10)

		gpu.Clamp()
		out = append(out, gpu)
	}

	return out, nil
}

// rocmSMIEntry mirrors one card entry from `rocm-smi --showid --showuse
// --showmeminfo vram --showtemp --showpower --showclocks --json`.
type rocmSMIEntry map[string]string

func (r *AMDReader) sampleROCmSMI(ctx context.Context) ([]types.Gpu, error) {
	out, err := osexec.ExecuteContext(ctx, "rocm-smi", []string{
		"--showid", "--showuse", "--showmeminfo", "vram", "--showtemp", "--showpower", "--showclocks", "--json",
	}, nil)
	if err != nil {
		if isPermissionDenied(err) {
			return nil, types.NewReaderErrorWithRemediation(types.KindPermissionDenied, err, "add user to the video/render group")
		}

		return nil, types.NewReaderError(types.KindDeviceAccess, err)
	}

	var raw map[string]rocmSMIEntry
	if err := json.Unmarshal(out, &raw); err != nil {
		return nil, types.NewReaderError(types.KindParseError, fmt.Errorf("parsing rocm-smi json: %w", err))
	}

	samples := make([]types.Gpu, 0, len(raw))

	for card, fields := range raw {
		idx := cardIndex(card)

		gpu := types.Gpu{
			UUID:             card,
			Name:             fields["Card series"],
			Kind:             types.KindGPU,
			Index:            idx,
			UtilizationPct:   parseFloatField(fields["GPU use (%)"]),
			MemoryUsedBytes:  parseBytesField(fields["VRAM Total Used Memory (B)"]),
			MemoryTotalBytes: parseBytesField(fields["VRAM Total Memory (B)"]),
			PowerWatts:       parseFloatField(fields["Average Graphics Package Power (W)"]),
			FrequencyMHz:     parseFloatField(fields["sclk clock speed:"]),
			Detail:           map[string]string{"lib_name": "rocm-smi"},
		}

		if t, ok := fields["Temperature (Sensor edge) (C)"]; ok {
			v := parseFloatField(t)
			gpu.TemperatureCelsius = &v
		}

		vram, gtt := fdinfoVRAMGTT(idx)
		gpu.Detail["vram_used_bytes"] = strconv.FormatUint(vram, 10)
		gpu.Detail["gtt_used_bytes"] = strconv.FormatUint(gtt, 10)

		gpu.Clamp()
		samples = append(samples, gpu)
	}

	return samples, nil
}

func cardIndex(card string) int {
	digits := strings.TrimFunc(card, func(r rune) bool { return r < '0' || r > '9' })

	v, err := strconv.Atoi(digits)
	if err != nil {
		return 0
	}

	return v
}

func parseFloatField(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}

	return v
}

func parseBytesField(s string) uint64 {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0
	}

	return v
}

// fdinfoVRAMGTT sums VRAM/GTT usage across every process fdinfo entry for
// the given card index, the "required for correctness" per-process
// accounting path named in §4.2. Best-effort: any read failure yields 0,0
// rather than a hard error since this augments, not replaces, the CLI
// totals.
func fdinfoVRAMGTT(cardIndex int) (vram, gtt uint64) {
	procDirs, err := os.ReadDir("/proc")
	if err != nil {
		return 0, 0
	}

	for _, pd := range procDirs {
		if _, err := strconv.Atoi(pd.Name()); err != nil {
			continue
		}

		fdinfoDir := filepath.Join("/proc", pd.Name(), "fdinfo")

		entries, err := os.ReadDir(fdinfoDir)
		if err != nil {
			continue
		}

		for _, e := range entries {
			data, err := os.ReadFile(filepath.Join(fdinfoDir, e.Name()))
			if err != nil {
				continue
			}

			text := string(data)
			if !strings.Contains(text, "drm-driver:\tamdgpu") {
				continue
			}

			for _, line := range strings.Split(text, "\n") {
				switch {
				case strings.HasPrefix(line, "drm-memory-vram:"):
					vram += parseFdinfoKiB(line)
				case strings.HasPrefix(line, "drm-memory-gtt:"):
					gtt += parseFdinfoKiB(line)
				}
			}
		}
	}

	return vram, gtt
}

func parseFdinfoKiB(line string) uint64 {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0
	}

	v, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0
	}

	return v * 1024
}

func isPermissionDenied(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "permission denied")
}
