package parser

import (
	"bytes"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/all-smi/all-smi-go/pkg/exporter"
	"github.com/all-smi/all-smi-go/pkg/state"
	"github.com/all-smi/all-smi-go/pkg/types"
)

func ptrFloat(v float64) *float64 { return &v }

// synthSnapshot builds a HostSnapshot that touches every family §6.1 names,
// so the round-trip test below exercises the exporter/parser contract end
// to end rather than just a handful of fields.
func synthSnapshot() *types.HostSnapshot {
	return &types.HostSnapshot{
		HostID: "host-a",
		Devices: []types.Gpu{
			{
				UUID:               "GPU-1234",
				Name:               "NVIDIA H100",
				Kind:               types.KindGPU,
				Index:              0,
				UtilizationPct:     72.5,
				MemoryUsedBytes:    1 << 30,
				MemoryTotalBytes:   8 << 30,
				TemperatureCelsius: ptrFloat(65),
				PowerWatts:         350.2,
				FrequencyMHz:       1500,
				Detail:             map[string]string{"driver_version": "550.54.15", "lib_name": "nvml"},
			},
		},
		CPUs: []types.Cpu{
			{
				UtilizationPct:     44.4,
				TotalCores:         8,
				TotalThreads:       16,
				MaxFrequencyMHz:    3800,
				TemperatureCelsius: ptrFloat(55),
				PowerWatts:         ptrFloat(65.0),
				PerCore: []types.CoreUtilization{
					{CoreID: 0, Type: types.CoreStandard, UtilizationPct: 10},
					{CoreID: 1, Type: types.CoreStandard, UtilizationPct: 20},
				},
			},
			{
				UtilizationPct:  12.0,
				MaxFrequencyMHz: 3200,
				AppleSilicon: &types.AppleSiliconDetail{
					PCoreCount:            4,
					ECoreCount:            4,
					GPUCoreCount:          10,
					ClusterFrequenciesMHz: []float64{3200, 2000},
					ClusterUtilization:    []float64{30, 5},
				},
			},
		},
		Memory: &types.Memory{
			TotalBytes:     16 << 30,
			UsedBytes:      8 << 30,
			AvailableBytes: 8 << 30,
			FreeBytes:      4 << 30,
			BuffersBytes:   1 << 20,
			CachedBytes:    2 << 20,
			SwapTotalBytes: 2 << 30,
			SwapUsedBytes:  1 << 20,
			SwapFreeBytes:  2<<30 - 1<<20,
			UtilizationPct: 50.0,
		},
		Storages: []types.Storage{
			{MountPoint: "/", TotalBytes: 500 << 30, AvailableBytes: 200 << 30, HostID: "host-a", Index: 0},
			{MountPoint: "/data", TotalBytes: 2000 << 30, AvailableBytes: 900 << 30, HostID: "host-a", Index: 1},
		},
		Chassis: &types.Chassis{
			TotalWatts:        800,
			InletTemperature:  ptrFloat(22),
			OutletTemperature: ptrFloat(40),
			Fans: []types.Fan{
				{ID: "fan0", Name: "FAN1", RPM: 4200},
				{ID: "fan1", Name: "FAN2", RPM: 4300},
			},
			PSUs: []types.PSU{
				{ID: "psu0", Name: "PSU1", Status: types.PSUOk, Watts: ptrFloat(400)},
			},
		},
		Processes: []types.Process{
			{PID: 1234, Name: "python3", User: "alice", DeviceUUID: "GPU-1234", GPUMemoryBytes: 512 << 20, GPUUtilizationPct: 33.3},
		},
		LastUpdated: time.Now(),
		FetchStatus: types.FetchOk,
	}
}

func TestRoundTripExporterToSnapshot(t *testing.T) {
	st := state.New(nil)
	st.Replace(synthSnapshot())

	exp := exporter.New(true)

	body, err := exp.Build(st)
	require.NoError(t, err)

	families, truncated, err := ParsePrometheusText(bytes.NewReader(body))
	require.NoError(t, err)
	require.False(t, truncated)

	got := BuildHostSnapshot("host-a", families)

	require.Len(t, got.Devices, 1)
	gotGPU := got.Devices[0]
	require.Equal(t, "GPU-1234", gotGPU.UUID)
	require.Equal(t, "NVIDIA H100", gotGPU.Name)
	require.Equal(t, types.KindGPU, gotGPU.Kind)
	require.Equal(t, 0, gotGPU.Index)
	require.InDelta(t, 72.5, gotGPU.UtilizationPct, 0.001)
	require.Equal(t, uint64(1<<30), gotGPU.MemoryUsedBytes)
	require.Equal(t, uint64(8<<30), gotGPU.MemoryTotalBytes)
	require.NotNil(t, gotGPU.TemperatureCelsius)
	require.InDelta(t, 65, *gotGPU.TemperatureCelsius, 0.001)
	require.InDelta(t, 350.2, gotGPU.PowerWatts, 0.001)
	require.InDelta(t, 1500, gotGPU.FrequencyMHz, 0.001)
	require.Equal(t, "550.54.15", gotGPU.Detail["driver_version"])
	require.Equal(t, "nvml", gotGPU.Detail["lib_name"])

	require.Len(t, got.CPUs, 2)

	cpu0 := got.CPUs[0]
	require.InDelta(t, 44.4, cpu0.UtilizationPct, 0.001)
	require.Equal(t, 8, cpu0.TotalCores)
	require.Equal(t, 16, cpu0.TotalThreads)
	require.InDelta(t, 3800, cpu0.MaxFrequencyMHz, 0.001)
	require.NotNil(t, cpu0.TemperatureCelsius)
	require.InDelta(t, 55, *cpu0.TemperatureCelsius, 0.001)
	require.NotNil(t, cpu0.PowerWatts)
	require.InDelta(t, 65.0, *cpu0.PowerWatts, 0.001)
	require.Len(t, cpu0.PerCore, 2)
	require.Equal(t, 0, cpu0.PerCore[0].CoreID)
	require.InDelta(t, 10, cpu0.PerCore[0].UtilizationPct, 0.001)
	require.Equal(t, 1, cpu0.PerCore[1].CoreID)
	require.InDelta(t, 20, cpu0.PerCore[1].UtilizationPct, 0.001)

	cpu1 := got.CPUs[1]
	require.NotNil(t, cpu1.AppleSilicon)
	require.Equal(t, 4, cpu1.AppleSilicon.PCoreCount)
	require.Equal(t, 4, cpu1.AppleSilicon.ECoreCount)
	require.Equal(t, 10, cpu1.AppleSilicon.GPUCoreCount)
	require.Len(t, cpu1.AppleSilicon.ClusterFrequenciesMHz, 2)
	require.InDelta(t, 3200, cpu1.AppleSilicon.ClusterFrequenciesMHz[0], 0.001)
	require.InDelta(t, 2000, cpu1.AppleSilicon.ClusterFrequenciesMHz[1], 0.001)
	require.InDelta(t, 30, cpu1.AppleSilicon.ClusterUtilization[0], 0.001)
	require.InDelta(t, 5, cpu1.AppleSilicon.ClusterUtilization[1], 0.001)

	require.NotNil(t, got.Memory)
	require.Equal(t, uint64(16<<30), got.Memory.TotalBytes)
	require.Equal(t, uint64(8<<30), got.Memory.UsedBytes)
	require.Equal(t, uint64(8<<30), got.Memory.AvailableBytes)
	require.Equal(t, uint64(4<<30), got.Memory.FreeBytes)
	require.Equal(t, uint64(1<<20), got.Memory.BuffersBytes)
	require.Equal(t, uint64(2<<20), got.Memory.CachedBytes)
	require.Equal(t, uint64(2<<30), got.Memory.SwapTotalBytes)
	require.Equal(t, uint64(1<<20), got.Memory.SwapUsedBytes)
	require.Equal(t, uint64(2<<30-1<<20), got.Memory.SwapFreeBytes)
	require.InDelta(t, 50.0, got.Memory.UtilizationPct, 0.001)

	require.Len(t, got.Storages, 2)
	require.Equal(t, "/", got.Storages[0].MountPoint)
	require.Equal(t, uint64(500<<30), got.Storages[0].TotalBytes)
	require.Equal(t, uint64(200<<30), got.Storages[0].AvailableBytes)
	require.Equal(t, "/data", got.Storages[1].MountPoint)
	require.Equal(t, uint64(2000<<30), got.Storages[1].TotalBytes)
	require.Equal(t, uint64(900<<30), got.Storages[1].AvailableBytes)

	require.NotNil(t, got.Chassis)
	require.InDelta(t, 800, got.Chassis.TotalWatts, 0.001)
	require.NotNil(t, got.Chassis.InletTemperature)
	require.InDelta(t, 22, *got.Chassis.InletTemperature, 0.001)
	require.NotNil(t, got.Chassis.OutletTemperature)
	require.InDelta(t, 40, *got.Chassis.OutletTemperature, 0.001)
	require.Len(t, got.Chassis.Fans, 2)
	require.Equal(t, "fan0", got.Chassis.Fans[0].ID)
	require.Equal(t, 4200, got.Chassis.Fans[0].RPM)
	require.Equal(t, "fan1", got.Chassis.Fans[1].ID)
	require.Equal(t, 4300, got.Chassis.Fans[1].RPM)
	require.Len(t, got.Chassis.PSUs, 1)
	require.Equal(t, "psu0", got.Chassis.PSUs[0].ID)
	require.Equal(t, types.PSUOk, got.Chassis.PSUs[0].Status)
	require.NotNil(t, got.Chassis.PSUs[0].Watts)
	require.InDelta(t, 400, *got.Chassis.PSUs[0].Watts, 0.001)

	require.Len(t, got.Processes, 1)
	require.Equal(t, 1234, got.Processes[0].PID)
	require.Equal(t, "python3", got.Processes[0].Name)
	require.Equal(t, "alice", got.Processes[0].User)
	require.Equal(t, uint64(512<<20), got.Processes[0].GPUMemoryBytes)
	require.InDelta(t, 33.3, got.Processes[0].GPUUtilizationPct, 0.001)
}

func TestBuildHostSnapshotEmptyFamiliesYieldsEmptySnapshot(t *testing.T) {
	got := BuildHostSnapshot("host-b", map[string]*dto.MetricFamily{})
	require.Empty(t, got.Devices)
	require.Empty(t, got.CPUs)
	require.Nil(t, got.Memory)
	require.Nil(t, got.Chassis)
	require.Empty(t, got.Processes)
}
