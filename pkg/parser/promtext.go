package parser

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/all-smi/all-smi-go/pkg/types"
)

// PrometheusMaxBytes bounds the remote collector's parser input (§4.5,
// §5): exactly 10 MiB is accepted, one byte more is truncated (with a
// debug log) and parsed anyway rather than rejected outright.
const PrometheusMaxBytes = 10 * 1024 * 1024

// ParsePrometheusText decodes an exposition-format body into Prometheus's
// own MetricFamily map, bounded to PrometheusMaxBytes+1 so an
// over-long body is truncated rather than read unbounded into memory.
// Unknown metric names are simply absent from the result, never an error
// (§4.5's "unknown metric names are ignored without error" is satisfied a
// layer up, in BuildHostSnapshot, which only looks at families it knows).
func ParsePrometheusText(r io.Reader) (map[string]*dto.MetricFamily, bool, error) {
	limited := io.LimitReader(r, PrometheusMaxBytes+1)

	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, false, fmt.Errorf("reading prometheus body: %w", err)
	}

	truncated := false

	if len(data) > PrometheusMaxBytes {
		truncated = true
		data = data[:PrometheusMaxBytes]

		// Drop the partial last line so the kept prefix still parses.
		if i := bytes.LastIndexByte(data, '\n'); i >= 0 {
			data = data[:i+1]
		}
	}

	var tp expfmt.TextParser

	families, err := tp.TextToMetricFamilies(bytes.NewReader(data))
	if err != nil {
		return nil, truncated, types.NewReaderError(types.KindParseError, fmt.Errorf("parsing prometheus text: %w", err))
	}

	return families, truncated, nil
}

// BuildHostSnapshot re-derives a HostSnapshot from parsed metric families,
// the inverse of pkg/exporter's Collect — this is the round-trip law
// checked in §8: exporter(state) -> parser -> aggregator -> state' must
// equal state on every field this function populates.
func BuildHostSnapshot(hostID string, families map[string]*dto.MetricFamily) *types.HostSnapshot {
	snap := &types.HostSnapshot{HostID: hostID, LastUpdated: time.Now(), FetchStatus: types.FetchOk}

	gpus := make(map[string]*types.Gpu) // keyed by gpu_index label

	gaugeByLabel := func(name string, fn func(labels map[string]string, value float64)) {
		mf, ok := families["all_smi_"+name]
		if !ok {
			return
		}

		for _, m := range mf.GetMetric() {
			labels := labelMap(m)
			fn(labels, metricValue(m))
		}
	}

	gaugeByLabel("gpu_utilization", func(l map[string]string, v float64) { gpuFor(gpus, l).UtilizationPct = v })
	gaugeByLabel("gpu_memory_used_bytes", func(l map[string]string, v float64) { gpuFor(gpus, l).MemoryUsedBytes = uint64(v) })
	gaugeByLabel("gpu_memory_total_bytes", func(l map[string]string, v float64) { gpuFor(gpus, l).MemoryTotalBytes = uint64(v) })
	gaugeByLabel("gpu_temperature_celsius", func(l map[string]string, v float64) { t := v; gpuFor(gpus, l).TemperatureCelsius = &t })
	gaugeByLabel("gpu_power_consumption_watts", func(l map[string]string, v float64) { gpuFor(gpus, l).PowerWatts = v })
	gaugeByLabel("gpu_frequency_mhz", func(l map[string]string, v float64) { gpuFor(gpus, l).FrequencyMHz = v })

	// *_info families carry the accelerator's static metadata (UUID, kind,
	// and every vendor Detail key) as labels on a value-1 gauge, keyed by
	// the same gpu_index as the numeric families above.
	for _, infoFamily := range []string{"gpu_info", "npu_info", "tpu_info"} {
		gaugeByLabel(infoFamily, func(l map[string]string, _ float64) {
			g := gpuFor(gpus, l)
			g.UUID = l["uuid"]

			if kind := l["kind"]; kind != "" {
				g.Kind = types.AcceleratorKind(kind)
			}

			for k, v := range l {
				switch k {
				case "gpu_index", "gpu_name", "host_id", "uuid", "kind":
					continue
				}

				g.Detail[k] = v
			}
		})
	}

	for idx, g := range gpus {
		idxInt, _ := strconv.Atoi(idx)
		g.Index = idxInt

		if g.Kind == "" {
			g.Kind = types.KindGPU
		}

		g.Clamp()
		snap.Devices = append(snap.Devices, *g)
	}

	sort.Slice(snap.Devices, func(i, j int) bool { return snap.Devices[i].Index < snap.Devices[j].Index })

	var mem types.Memory

	haveMem := false

	gaugeByLabel("memory_total_bytes", func(_ map[string]string, v float64) { mem.TotalBytes = uint64(v); haveMem = true })
	gaugeByLabel("memory_used_bytes", func(_ map[string]string, v float64) { mem.UsedBytes = uint64(v) })
	gaugeByLabel("memory_available_bytes", func(_ map[string]string, v float64) { mem.AvailableBytes = uint64(v) })
	gaugeByLabel("memory_free_bytes", func(_ map[string]string, v float64) { mem.FreeBytes = uint64(v) })
	gaugeByLabel("memory_utilization", func(_ map[string]string, v float64) { mem.UtilizationPct = v })
	gaugeByLabel("memory_buffers_bytes", func(_ map[string]string, v float64) { mem.BuffersBytes = uint64(v) })
	gaugeByLabel("memory_cached_bytes", func(_ map[string]string, v float64) { mem.CachedBytes = uint64(v) })
	gaugeByLabel("memory_swap_total_bytes", func(_ map[string]string, v float64) { mem.SwapTotalBytes = uint64(v) })
	gaugeByLabel("memory_swap_used_bytes", func(_ map[string]string, v float64) { mem.SwapUsedBytes = uint64(v) })
	gaugeByLabel("memory_swap_free_bytes", func(_ map[string]string, v float64) { mem.SwapFreeBytes = uint64(v) })

	if haveMem {
		snap.Memory = &mem
	}

	storageByMount := make(map[string]*types.Storage)

	gaugeByLabel("disk_total_bytes", func(l map[string]string, v float64) {
		storageFor(storageByMount, l).TotalBytes = uint64(v)
	})
	gaugeByLabel("disk_available_bytes", func(l map[string]string, v float64) {
		storageFor(storageByMount, l).AvailableBytes = uint64(v)
	})

	idx := 0

	for _, mount := range sortedStringKeys(storageByMount) {
		s := storageByMount[mount]
		s.MountPoint = mount
		s.HostID = hostID
		s.Index = idx
		idx++
		snap.Storages = append(snap.Storages, *s)
	}

	snap.CPUs = buildCPUs(gaugeByLabel)
	snap.Chassis = buildChassis(gaugeByLabel)
	snap.Processes = buildProcesses(gaugeByLabel)

	return snap
}

// buildCPUs reconstructs one Cpu entry per cpu_index label seen across every
// cpu_* family the exporter emits, including the Apple-Silicon variants.
func buildCPUs(gaugeByLabel func(name string, fn func(labels map[string]string, value float64))) []types.Cpu {
	cpus := make(map[string]*types.Cpu) // keyed by cpu_index

	cpuFor := func(l map[string]string) *types.Cpu {
		idx := l["cpu_index"]

		c, ok := cpus[idx]
		if !ok {
			c = &types.Cpu{}
			cpus[idx] = c
		}

		return c
	}

	appleFor := func(c *types.Cpu) *types.AppleSiliconDetail {
		if c.AppleSilicon == nil {
			c.AppleSilicon = &types.AppleSiliconDetail{}
		}

		return c.AppleSilicon
	}

	gaugeByLabel("cpu_utilization", func(l map[string]string, v float64) { cpuFor(l).UtilizationPct = v })
	gaugeByLabel("cpu_core_count", func(l map[string]string, v float64) { cpuFor(l).TotalCores = int(v) })
	gaugeByLabel("cpu_thread_count", func(l map[string]string, v float64) { cpuFor(l).TotalThreads = int(v) })
	gaugeByLabel("cpu_frequency_mhz", func(l map[string]string, v float64) { cpuFor(l).MaxFrequencyMHz = v })
	gaugeByLabel("cpu_temperature_celsius", func(l map[string]string, v float64) { t := v; cpuFor(l).TemperatureCelsius = &t })
	gaugeByLabel("cpu_power_consumption_watts", func(l map[string]string, v float64) { p := v; cpuFor(l).PowerWatts = &p })

	// The wire contract's per-core label is "socket" (§6.1); core type is
	// not part of the wire format, so it comes back as Standard.
	gaugeByLabel("cpu_socket_utilization", func(l map[string]string, v float64) {
		coreID, _ := strconv.Atoi(l["socket"])
		c := cpuFor(l)
		c.PerCore = append(c.PerCore, types.CoreUtilization{CoreID: coreID, Type: types.CoreStandard, UtilizationPct: v})
	})

	gaugeByLabel("cpu_apple_p_core_count", func(l map[string]string, v float64) { appleFor(cpuFor(l)).PCoreCount = int(v) })
	gaugeByLabel("cpu_apple_e_core_count", func(l map[string]string, v float64) { appleFor(cpuFor(l)).ECoreCount = int(v) })
	gaugeByLabel("cpu_apple_gpu_core_count", func(l map[string]string, v float64) { appleFor(cpuFor(l)).GPUCoreCount = int(v) })

	clusterFreq := make(map[string]map[int]float64) // cpu_index -> cluster -> MHz
	clusterUtil := make(map[string]map[int]float64) // cpu_index -> cluster -> pct

	gaugeByLabel("cpu_apple_cluster_frequency_mhz", func(l map[string]string, v float64) {
		appleFor(cpuFor(l))

		idx := l["cpu_index"]
		cluster, _ := strconv.Atoi(l["cluster"])

		if clusterFreq[idx] == nil {
			clusterFreq[idx] = make(map[int]float64)
		}

		clusterFreq[idx][cluster] = v
	})

	gaugeByLabel("cpu_apple_cluster_utilization", func(l map[string]string, v float64) {
		appleFor(cpuFor(l))

		idx := l["cpu_index"]
		cluster, _ := strconv.Atoi(l["cluster"])

		if clusterUtil[idx] == nil {
			clusterUtil[idx] = make(map[int]float64)
		}

		clusterUtil[idx][cluster] = v
	})

	for idx, c := range cpus {
		if c.AppleSilicon == nil {
			continue
		}

		clusters := 0
		for ci := range clusterFreq[idx] {
			if ci+1 > clusters {
				clusters = ci + 1
			}
		}

		for ci := range clusterUtil[idx] {
			if ci+1 > clusters {
				clusters = ci + 1
			}
		}

		c.AppleSilicon.ClusterFrequenciesMHz = make([]float64, clusters)
		c.AppleSilicon.ClusterUtilization = make([]float64, clusters)

		for ci, freq := range clusterFreq[idx] {
			c.AppleSilicon.ClusterFrequenciesMHz[ci] = freq
		}

		for ci, util := range clusterUtil[idx] {
			c.AppleSilicon.ClusterUtilization[ci] = util
		}
	}

	out := make([]types.Cpu, 0, len(cpus))

	for _, idx := range sortedNumericKeys(cpus) {
		c := cpus[idx]

		sort.Slice(c.PerCore, func(i, j int) bool { return c.PerCore[i].CoreID < c.PerCore[j].CoreID })

		out = append(out, *c)
	}

	return out
}

// buildChassis reconstructs the BMC/IOReport-derived Chassis sample, keyed
// by fan_id/psu_id for its nested slices, returning nil when no chassis
// family was present (mirrors exporter.go's collectChassis nil-skip).
func buildChassis(gaugeByLabel func(name string, fn func(labels map[string]string, value float64))) *types.Chassis {
	var chassis types.Chassis

	have := false

	gaugeByLabel("chassis_power_watts", func(_ map[string]string, v float64) { chassis.TotalWatts = v; have = true })
	gaugeByLabel("chassis_inlet_temperature_celsius", func(_ map[string]string, v float64) { t := v; chassis.InletTemperature = &t; have = true })
	gaugeByLabel("chassis_outlet_temperature_celsius", func(_ map[string]string, v float64) { t := v; chassis.OutletTemperature = &t; have = true })

	fans := make(map[string]*types.Fan)

	gaugeByLabel("chassis_fan_rpm", func(l map[string]string, v float64) {
		have = true

		id := l["fan_id"]

		f, ok := fans[id]
		if !ok {
			f = &types.Fan{ID: id, Name: l["fan_name"]}
			fans[id] = f
		}

		f.RPM = int(v)
	})

	psus := make(map[string]*types.PSU)

	gaugeByLabel("chassis_psu_watts", func(l map[string]string, v float64) {
		have = true

		id := l["psu_id"]

		p, ok := psus[id]
		if !ok {
			p = &types.PSU{ID: id, Name: l["psu_name"], Status: types.PSUStatus(l["status"])}
			psus[id] = p
		}

		watts := v
		p.Watts = &watts
	})

	if !have {
		return nil
	}

	for _, id := range sortedStringKeys(fans) {
		chassis.Fans = append(chassis.Fans, *fans[id])
	}

	for _, id := range sortedStringKeys(psus) {
		chassis.PSUs = append(chassis.PSUs, *psus[id])
	}

	return &chassis
}

// buildProcesses reconstructs per-process GPU attribution rows, keyed by
// pid, the inverse of exporter.go's collectProcesses.
func buildProcesses(gaugeByLabel func(name string, fn func(labels map[string]string, value float64))) []types.Process {
	processes := make(map[string]*types.Process)

	processFor := func(l map[string]string) *types.Process {
		pid := l["pid"]

		p, ok := processes[pid]
		if !ok {
			pidInt, _ := strconv.Atoi(pid)
			p = &types.Process{PID: pidInt, Name: l["process_name"], User: l["user"]}
			processes[pid] = p
		}

		return p
	}

	gaugeByLabel("gpu_process_memory_bytes", func(l map[string]string, v float64) { processFor(l).GPUMemoryBytes = uint64(v) })
	gaugeByLabel("gpu_process_utilization", func(l map[string]string, v float64) { processFor(l).GPUUtilizationPct = v })

	out := make([]types.Process, 0, len(processes))

	for _, pid := range sortedNumericKeys(processes) {
		out = append(out, *processes[pid])
	}

	return out
}

func gpuFor(m map[string]*types.Gpu, labels map[string]string) *types.Gpu {
	idx := labels["gpu_index"]

	g, ok := m[idx]
	if !ok {
		g = &types.Gpu{Name: labels["gpu_name"], UUID: labels["uuid"], Detail: map[string]string{}}
		m[idx] = g
	}

	return g
}

func storageFor(m map[string]*types.Storage, labels map[string]string) *types.Storage {
	mount := labels["mount_point"]

	s, ok := m[mount]
	if !ok {
		s = &types.Storage{}
		m[mount] = s
	}

	return s
}

func labelMap(m *dto.Metric) map[string]string {
	out := make(map[string]string, len(m.GetLabel()))
	for _, lp := range m.GetLabel() {
		out[lp.GetName()] = lp.GetValue()
	}

	return out
}

func metricValue(m *dto.Metric) float64 {
	if g := m.GetGauge(); g != nil {
		return g.GetValue()
	}

	if c := m.GetCounter(); c != nil {
		return c.GetValue()
	}

	if u := m.GetUntyped(); u != nil {
		return u.GetValue()
	}

	return 0
}

// sortedStringKeys returns a map's keys in lexical order, for deterministic
// output when rebuilding a slice from a label-keyed map.
func sortedStringKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}

// sortedNumericKeys is sortedStringKeys for maps keyed by a string-encoded
// integer label (cpu_index, pid), ordering numerically rather than lexically.
func sortedNumericKeys[T any](m map[string]T) []string {
	keys := sortedStringKeys(m)

	sort.Slice(keys, func(i, j int) bool {
		a, _ := strconv.Atoi(keys[i])
		b, _ := strconv.Atoi(keys[j])

		return a < b
	})

	return keys
}
