//go:build linux

package reader

import (
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/NVIDIA/go-nvml/pkg/nvml"

	"github.com/all-smi/all-smi-go/internal/osexec"
	"github.com/all-smi/all-smi-go/pkg/types"
)

// NVIDIA GPU reader (§4.2): primary path is the vendor management library
// (NVML); on Init failure it falls back to parsing `nvidia-smi -q -x`
// output with the fixed schema below.
//
// Open Question (a) resolution: the CLI-fallback path emits a reduced
// detail label set: only lib_name. The NVML path's pcie_generation,
// pcie_width, performance_state, power_limit_watts, max_clock_mhz and
// driver_version labels are absent there. Neither path reports a
// firmware version.
type NVIDIAReader struct {
	logger  *slog.Logger
	useNVML bool

	mu      sync.Mutex
	devices []nvml.Device
	uuids   map[int]string // cached static UUIDs, keyed by index
	names   map[int]string
}

// NewNVIDIAReader attempts nvml.Init; on failure it falls back to the CLI
// path and only fails construction if nvidia-smi itself is also absent.
func NewNVIDIAReader(logger *slog.Logger) (*NVIDIAReader, error) {
	if logger == nil {
		logger = slog.Default()
	}

	r := &NVIDIAReader{logger: logger, uuids: make(map[int]string), names: make(map[int]string)}

	if ret := nvml.Init(); ret == nvml.SUCCESS {
		count, ret := nvml.DeviceGetCount()
		if ret != nvml.SUCCESS || count == 0 {
			nvml.Shutdown()
		} else {
			r.useNVML = true

			for i := 0; i < count; i++ {
				if dev, ret := nvml.DeviceGetHandleByIndex(i); ret == nvml.SUCCESS {
					r.devices = append(r.devices, dev)
				}
			}

			return r, nil
		}
	}

	r.logger.Debug("NVML init failed, falling back to nvidia-smi CLI")

	if _, err := osexec.ExecuteContext(context.Background(), "nvidia-smi", []string{"-L"}, nil); err != nil {
		return nil, types.NewReaderError(types.KindPlatformInit, fmt.Errorf("neither NVML nor nvidia-smi CLI available: %w", err))
	}

	return r, nil
}

func (r *NVIDIAReader) Name() string { return "nvidia-gpu" }

// Sample implements types.DeviceReader.
func (r *NVIDIAReader) Sample(ctx context.Context) ([]types.Gpu, error) {
	if r.useNVML {
		return r.sampleNVML()
	}

	return r.sampleCLI(ctx)
}

func (r *NVIDIAReader) sampleNVML() ([]types.Gpu, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]types.Gpu, 0, len(r.devices))

	for idx, dev := range r.devices {
		uuid, ok := r.uuids[idx]
		if !ok {
			if u, ret := dev.GetUUID(); ret == nvml.SUCCESS {
				uuid = u
				r.uuids[idx] = u
			}
		}

		name, ok := r.names[idx]
		if !ok {
			if n, ret := dev.GetName(); ret == nvml.SUCCESS {
				name = n
				r.names[idx] = n
			}
		}

		gpu := types.Gpu{
			UUID:   uuid,
			Name:   name,
			Kind:   types.KindGPU,
			Index:  idx,
			Detail: make(map[string]string),
		}

		if util, ret := dev.GetUtilizationRates(); ret == nvml.SUCCESS {
			gpu.UtilizationPct = float64(util.Gpu)
		}

		if mem, ret := dev.GetMemoryInfo(); ret == nvml.SUCCESS {
			gpu.MemoryUsedBytes = mem.Used
			gpu.MemoryTotalBytes = mem.Total
		}

		if temp, ret := dev.GetTemperature(nvml.TEMPERATURE_GPU); ret == nvml.SUCCESS {
			t := float64(temp)
			gpu.TemperatureCelsius = &t
		}

		if power, ret := dev.GetPowerUsage(); ret == nvml.SUCCESS {
			gpu.PowerWatts = float64(power) / 1000.0
		}

		if clock, ret := dev.GetClockInfo(nvml.CLOCK_SM); ret == nvml.SUCCESS {
			gpu.FrequencyMHz = float64(clock)
		}

		if gen, ret := dev.GetMaxPcieLinkGeneration(); ret == nvml.SUCCESS {
			gpu.Detail["pcie_generation"] = strconv.Itoa(gen)
		}

		if width, ret := dev.GetCurrPcieLinkWidth(); ret == nvml.SUCCESS {
			gpu.Detail["pcie_width"] = strconv.Itoa(width)
		}

		if pstate, ret := dev.GetPerformanceState(); ret == nvml.SUCCESS {
			gpu.Detail["performance_state"] = fmt.Sprintf("P%d", pstate)
		}

		if limit, ret := dev.GetPowerManagementLimit(); ret == nvml.SUCCESS {
			gpu.Detail["power_limit_watts"] = strconv.FormatFloat(float64(limit)/1000.0, 'f', 1, 64)
		}

		if maxClock, ret := dev.GetMaxClockInfo(nvml.CLOCK_SM); ret == nvml.SUCCESS {
			gpu.Detail["max_clock_mhz"] = strconv.Itoa(maxClock)
		}

		if version, ret := nvml.SystemGetDriverVersion(); ret == nvml.SUCCESS {
			gpu.Detail["driver_version"] = version
		}

		gpu.Detail["lib_name"] = "nvml"

		gpu.Clamp()
		out = append(out, gpu)
	}

	return out, nil
}

// nvidiaSMILog mirrors the fixed XML schema of `nvidia-smi -q -x`, the
// minimal subset this reader needs.
type nvidiaSMILog struct {
	XMLName xml.Name      `xml:"nvidia_smi_log"`
	GPUs    []nvidiaSMIGPU `xml:"gpu"`
}

type nvidiaSMIGPU struct {
	ID          string `xml:"id,attr"`
	ProductName string `xml:"product_name"`
	UUID        string `xml:"uuid"`
	Utilization struct {
		GPUUtil string `xml:"gpu_util"`
	} `xml:"utilization"`
	FBMemoryUsage struct {
		Total string `xml:"total"`
		Used  string `xml:"used"`
	} `xml:"fb_memory_usage"`
	Temperature struct {
		GPUTemp string `xml:"gpu_temp"`
	} `xml:"temperature"`
	GPUPowerReadings struct {
		PowerDraw string `xml:"power_draw"`
	} `xml:"gpu_power_readings"`
	Clocks struct {
		SMClock string `xml:"sm_clock"`
	} `xml:"clocks"`
}

func (r *NVIDIAReader) sampleCLI(ctx context.Context) ([]types.Gpu, error) {
	out, err := osexec.ExecuteContext(ctx, "nvidia-smi", []string{"-q", "-x"}, nil)
	if err != nil {
		return nil, types.NewReaderError(types.KindDeviceAccess, fmt.Errorf("nvidia-smi -q -x: %w", err))
	}

	var log nvidiaSMILog
	if err := xml.Unmarshal(out, &log); err != nil {
		return nil, types.NewReaderError(types.KindParseError, fmt.Errorf("parsing nvidia-smi xml: %w", err))
	}

	samples := make([]types.Gpu, 0, len(log.GPUs))

	for idx, g := range log.GPUs {
		gpu := types.Gpu{
			UUID:             g.UUID,
			Name:             g.ProductName,
			Kind:             types.KindGPU,
			Index:            idx,
			UtilizationPct:   parsePercent(g.Utilization.GPUUtil),
			MemoryUsedBytes:  parseMebibytes(g.FBMemoryUsage.Used),
			MemoryTotalBytes: parseMebibytes(g.FBMemoryUsage.Total),
			PowerWatts:       parseWatts(g.GPUPowerReadings.PowerDraw),
			FrequencyMHz:     parseMHz(g.Clocks.SMClock),
			Detail:           map[string]string{"lib_name": "nvidia-smi-cli"},
		}

		if t := parsePercent(g.Temperature.GPUTemp); t > 0 || strings.Contains(g.Temperature.GPUTemp, "0") {
			temp := t
			gpu.TemperatureCelsius = &temp
		}

		gpu.Clamp()
		samples = append(samples, gpu)
	}

	return samples, nil
}

func parsePercent(s string) float64 {
	s = strings.TrimSuffix(strings.TrimSpace(s), " %")

	fields := strings.Fields(s)
	if len(fields) == 0 {
		return 0
	}

	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0
	}

	return v
}

func parseMebibytes(s string) uint64 {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return 0
	}

	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0
	}

	return uint64(v * 1024 * 1024)
}

func parseWatts(s string) float64 {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return 0
	}

	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0
	}

	return v
}

func parseMHz(s string) float64 {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return 0
	}

	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0
	}

	return v
}

// Processes lists the compute processes NVML reports on each device, with
// PID, device UUID and used GPU memory (the gpuProcessEnumerator shape in
// cmd/all-smi). A device whose process query fails is skipped rather than
// failing the call; on the CLI path it returns nil.
func (r *NVIDIAReader) Processes(ctx context.Context) ([]types.Process, error) {
	if !r.useNVML {
		return nil, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var out []types.Process

	for idx, dev := range r.devices {
		procs, ret := dev.GetComputeRunningProcesses()
		if ret != nvml.SUCCESS {
			continue
		}

		uuid := r.uuids[idx]

		for _, p := range procs {
			out = append(out, types.Process{
				PID:            int(p.Pid),
				DeviceUUID:     uuid,
				GPUMemoryBytes: p.UsedGpuMemory,
			})
		}
	}

	return out, nil
}
