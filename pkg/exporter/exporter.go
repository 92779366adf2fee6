// Package exporter implements the Prometheus text exposition builder (C6).
// It never samples a device itself: it reads a types.AppStateView snapshot
// written by the collection engine (C7) and renders the metric families
// named in the wire-format contract (§6.1).
//
// Grounded on the teacher's CEEMSCollector Describe/Collect split
// (pkg/collector/collector.go) and server.go's two-registry separation of
// domain metrics from exporter self-metrics; here the "Collect" step reads
// cached state instead of invoking per-cycle hardware probes, so the
// /metrics handler thread never blocks on a reader (§4.6).
package exporter

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/all-smi/all-smi-go/pkg/types"
)

// Namespace is the common metric-name prefix for every family this exporter
// emits, matching the `all_smi_` prefix normative in §6.1.
const Namespace = "all_smi"

// Exporter implements types.MetricsExporter. It is not itself a
// prometheus.Collector: each Build call registers a fresh stateCollector on
// a private registry and returns the rendered text blob, which the
// transport serves on both the TCP and UDS listeners.
type Exporter struct {
	includeProcesses bool
}

// New builds an Exporter. includeProcesses controls whether
// all_smi_gpu_process_* families are emitted, mirroring the `processes`
// configuration flag (§6.3).
func New(includeProcesses bool) *Exporter {
	return &Exporter{includeProcesses: includeProcesses}
}

// Build implements types.MetricsExporter: renders every host in state into
// one UTF-8 text blob, trailing newline, stable label ordering.
func (e *Exporter) Build(state types.AppStateView) ([]byte, error) {
	reg := prometheus.NewRegistry()

	collector := &stateCollector{state: state, includeProcesses: e.includeProcesses}
	if err := reg.Register(collector); err != nil {
		return nil, fmt.Errorf("registering state collector: %w", err)
	}

	families, err := reg.Gather()
	if err != nil {
		return nil, fmt.Errorf("gathering metrics: %w", err)
	}

	var buf bytes.Buffer

	encoder := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))

	for _, mf := range families {
		if err := encoder.Encode(mf); err != nil {
			return nil, fmt.Errorf("encoding metric family %s: %w", mf.GetName(), err)
		}
	}

	return buf.Bytes(), nil
}

// stateCollector adapts a read-only AppStateView snapshot to
// prometheus.Collector, building one Desc/metric set per host per cycle.
// It never touches a device: all values come from already-collected
// HostSnapshots.
type stateCollector struct {
	state            types.AppStateView
	includeProcesses bool
}

func (c *stateCollector) Describe(ch chan<- *prometheus.Desc) {
	// Descriptions are dynamic per device/host; Prometheus registries
	// permit unchecked collectors (no Describe emission) for this shape,
	// matching CEEMSCollector's scrape-level Describe rather than a full
	// static description set.
}

func (c *stateCollector) Collect(ch chan<- prometheus.Metric) {
	hosts := c.state.Hosts()
	sort.Strings(hosts)

	for _, hostID := range hosts {
		snap, ok := c.state.Snapshot(hostID)
		if !ok || snap == nil {
			continue
		}

		collectGPUs(ch, snap)
		collectCPUs(ch, snap)
		collectMemory(ch, snap)
		collectStorage(ch, snap)
		collectChassis(ch, snap)

		if c.includeProcesses {
			collectProcesses(ch, snap)
		}
	}
}

func gauge(name, help string, labelNames []string, value float64, labelValues ...string) prometheus.Metric {
	desc := prometheus.NewDesc(prometheus.BuildFQName(Namespace, "", name), help, labelNames, nil)

	return prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, value, labelValues...)
}

func collectGPUs(ch chan<- prometheus.Metric, snap *types.HostSnapshot) {
	seenIndex := make(map[int]bool)

	for _, g := range snap.Devices {
		idx := g.Index
		for seenIndex[idx] {
			idx++
		}
		seenIndex[idx] = true

		idxStr := fmt.Sprintf("%d", idx)
		labels := []string{"gpu_index", "gpu_name", "host_id"}
		values := []string{idxStr, g.Name, snap.HostID}

		ch <- gauge("gpu_utilization", "GPU utilization percentage.", labels, g.UtilizationPct, values...)
		ch <- gauge("gpu_memory_used_bytes", "GPU memory used in bytes.", labels, float64(g.MemoryUsedBytes), values...)
		ch <- gauge("gpu_memory_total_bytes", "GPU memory total in bytes.", labels, float64(g.MemoryTotalBytes), values...)

		if g.TemperatureCelsius != nil {
			ch <- gauge("gpu_temperature_celsius", "GPU temperature in Celsius.", labels, *g.TemperatureCelsius, values...)
		}

		ch <- gauge("gpu_power_consumption_watts", "GPU power draw in watts.", labels, g.PowerWatts, values...)
		ch <- gauge("gpu_frequency_mhz", "GPU core clock frequency in MHz.", labels, g.FrequencyMHz, values...)

		infoLabels := []string{"gpu_index", "gpu_name", "host_id", "uuid", "kind"}
		infoValues := []string{idxStr, g.Name, snap.HostID, g.UUID, string(g.Kind)}

		detailKeys := make([]string, 0, len(g.Detail))
		for k := range g.Detail {
			detailKeys = append(detailKeys, k)
		}

		sort.Strings(detailKeys)

		for _, k := range detailKeys {
			infoLabels = append(infoLabels, k)
			infoValues = append(infoValues, g.Detail[k])
		}

		ch <- gauge(vendorFamily(g.Kind)+"info", "Static GPU/NPU metadata.", infoLabels, 1, infoValues...)
	}
}

// vendorFamily prefixes non-GPU accelerator info families with the vendor
// tag so unknown-family tolerance (§6.1's "consumers must tolerate unknown
// families") degrades gracefully instead of colliding with gpu_info.
func vendorFamily(kind types.AcceleratorKind) string {
	switch kind {
	case types.KindNPU:
		return "npu_"
	case types.KindTPU:
		return "tpu_"
	default:
		return "gpu_"
	}
}

func collectCPUs(ch chan<- prometheus.Metric, snap *types.HostSnapshot) {
	for i, c := range snap.CPUs {
		labels := []string{"host_id", "cpu_index"}
		values := []string{snap.HostID, fmt.Sprintf("%d", i)}

		ch <- gauge("cpu_utilization", "CPU utilization percentage.", labels, c.UtilizationPct, values...)
		ch <- gauge("cpu_core_count", "Physical core count.", labels, float64(c.TotalCores), values...)
		ch <- gauge("cpu_thread_count", "Logical thread count.", labels, float64(c.TotalThreads), values...)
		ch <- gauge("cpu_frequency_mhz", "CPU max clock frequency in MHz.", labels, c.MaxFrequencyMHz, values...)

		if c.TemperatureCelsius != nil {
			ch <- gauge("cpu_temperature_celsius", "CPU package temperature in Celsius.", labels, *c.TemperatureCelsius, values...)
		}

		if c.PowerWatts != nil {
			ch <- gauge("cpu_power_consumption_watts", "CPU package power draw in watts.", labels, *c.PowerWatts, values...)
		}

		for _, core := range c.PerCore {
			// The wire contract's label for this family is "socket", not
			// "core_id"/"core_type" — it carries the per-core index.
			coreLabels := []string{"host_id", "cpu_index", "socket"}
			coreValues := []string{snap.HostID, fmt.Sprintf("%d", i), fmt.Sprintf("%d", core.CoreID)}
			ch <- gauge("cpu_socket_utilization", "Per-core utilization percentage.", coreLabels, core.UtilizationPct, coreValues...)
		}

		if c.AppleSilicon != nil {
			as := c.AppleSilicon
			ch <- gauge("cpu_apple_p_core_count", "Apple Silicon performance core count.", labels, float64(as.PCoreCount), values...)
			ch <- gauge("cpu_apple_e_core_count", "Apple Silicon efficiency core count.", labels, float64(as.ECoreCount), values...)
			ch <- gauge("cpu_apple_gpu_core_count", "Apple Silicon integrated GPU core count.", labels, float64(as.GPUCoreCount), values...)

			for ci, freq := range as.ClusterFrequenciesMHz {
				clusterLabels := []string{"host_id", "cpu_index", "cluster"}
				clusterValues := []string{snap.HostID, fmt.Sprintf("%d", i), fmt.Sprintf("%d", ci)}
				ch <- gauge("cpu_apple_cluster_frequency_mhz", "Apple Silicon per-cluster frequency.", clusterLabels, freq, clusterValues...)

				if ci < len(as.ClusterUtilization) {
					ch <- gauge("cpu_apple_cluster_utilization", "Apple Silicon per-cluster utilization.", clusterLabels, as.ClusterUtilization[ci], clusterValues...)
				}
			}
		}
	}
}

func collectMemory(ch chan<- prometheus.Metric, snap *types.HostSnapshot) {
	if snap.Memory == nil {
		return
	}

	m := snap.Memory
	labels := []string{"host_id"}
	values := []string{snap.HostID}

	ch <- gauge("memory_total_bytes", "Total physical memory in bytes.", labels, float64(m.TotalBytes), values...)
	ch <- gauge("memory_used_bytes", "Used physical memory in bytes.", labels, float64(m.UsedBytes), values...)
	ch <- gauge("memory_available_bytes", "Available physical memory in bytes.", labels, float64(m.AvailableBytes), values...)
	ch <- gauge("memory_free_bytes", "Free physical memory in bytes.", labels, float64(m.FreeBytes), values...)
	ch <- gauge("memory_utilization", "Memory utilization percentage.", labels, m.UtilizationPct, values...)
	ch <- gauge("memory_swap_total_bytes", "Total swap in bytes.", labels, float64(m.SwapTotalBytes), values...)
	ch <- gauge("memory_swap_used_bytes", "Used swap in bytes.", labels, float64(m.SwapUsedBytes), values...)
	ch <- gauge("memory_swap_free_bytes", "Free swap in bytes.", labels, float64(m.SwapFreeBytes), values...)

	if m.BuffersBytes > 0 || m.CachedBytes > 0 {
		ch <- gauge("memory_buffers_bytes", "Linux buffer cache in bytes.", labels, float64(m.BuffersBytes), values...)
		ch <- gauge("memory_cached_bytes", "Linux page cache in bytes.", labels, float64(m.CachedBytes), values...)
	}
}

func collectStorage(ch chan<- prometheus.Metric, snap *types.HostSnapshot) {
	for _, s := range snap.Storages {
		labels := []string{"host_id", "mount_point"}
		values := []string{snap.HostID, s.MountPoint}

		ch <- gauge("disk_total_bytes", "Total filesystem size in bytes.", labels, float64(s.TotalBytes), values...)
		ch <- gauge("disk_available_bytes", "Available filesystem space in bytes.", labels, float64(s.AvailableBytes), values...)
	}
}

func collectChassis(ch chan<- prometheus.Metric, snap *types.HostSnapshot) {
	if snap.Chassis == nil {
		return
	}

	c := snap.Chassis
	labels := []string{"host_id"}
	values := []string{snap.HostID}

	ch <- gauge("chassis_power_watts", "Total chassis power draw in watts.", labels, c.TotalWatts, values...)

	if c.InletTemperature != nil {
		ch <- gauge("chassis_inlet_temperature_celsius", "Chassis inlet temperature.", labels, *c.InletTemperature, values...)
	}

	if c.OutletTemperature != nil {
		ch <- gauge("chassis_outlet_temperature_celsius", "Chassis outlet temperature.", labels, *c.OutletTemperature, values...)
	}

	for _, fan := range c.Fans {
		fanLabels := []string{"host_id", "fan_id", "fan_name"}
		fanValues := []string{snap.HostID, fan.ID, fan.Name}
		ch <- gauge("chassis_fan_rpm", "Chassis fan speed in RPM.", fanLabels, float64(fan.RPM), fanValues...)
	}

	for _, psu := range c.PSUs {
		psuLabels := []string{"host_id", "psu_id", "psu_name", "status"}
		psuValues := []string{snap.HostID, psu.ID, psu.Name, string(psu.Status)}

		if psu.Watts != nil {
			ch <- gauge("chassis_psu_watts", "PSU power output in watts.", psuLabels, *psu.Watts, psuValues...)
		} else {
			ch <- gauge("chassis_psu_watts", "PSU power output in watts.", psuLabels, 0, psuValues...)
		}
	}
}

func collectProcesses(ch chan<- prometheus.Metric, snap *types.HostSnapshot) {
	for _, p := range snap.Processes {
		if p.DeviceUUID == "" {
			continue
		}

		labels := []string{"host_id", "pid", "process_name", "user"}
		values := []string{snap.HostID, fmt.Sprintf("%d", p.PID), p.Name, p.User}

		ch <- gauge("gpu_process_memory_bytes", "Per-process GPU memory usage in bytes.", labels, float64(p.GPUMemoryBytes), values...)
		ch <- gauge("gpu_process_utilization", "Per-process GPU utilization percentage.", labels, p.GPUUtilizationPct, values...)
	}
}
