package exporter

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/all-smi/all-smi-go/pkg/state"
	"github.com/all-smi/all-smi-go/pkg/types"
)

func ptrFloat(v float64) *float64 { return &v }

func testSnapshot() *types.HostSnapshot {
	return &types.HostSnapshot{
		HostID: "host-a",
		Devices: []types.Gpu{
			{UUID: "GPU-1", Name: "NVIDIA H100", Kind: types.KindGPU, Index: 0, UtilizationPct: 72, MemoryUsedBytes: 1 << 30, MemoryTotalBytes: 8 << 30, Detail: map[string]string{"driver_version": "550.54.15"}},
		},
		CPUs: []types.Cpu{
			{
				UtilizationPct:  44,
				TotalCores:      8,
				TotalThreads:    16,
				MaxFrequencyMHz: 3800,
				PerCore: []types.CoreUtilization{
					{CoreID: 0, Type: types.CoreStandard, UtilizationPct: 10},
				},
			},
		},
		Memory: &types.Memory{TotalBytes: 16 << 30, UsedBytes: 8 << 30, UtilizationPct: 50},
		Storages: []types.Storage{
			{MountPoint: "/", TotalBytes: 500 << 30, AvailableBytes: 200 << 30},
		},
		Chassis: &types.Chassis{
			TotalWatts: 800,
			Fans:       []types.Fan{{ID: "fan0", Name: "FAN1", RPM: 4200}},
			PSUs:       []types.PSU{{ID: "psu0", Name: "PSU1", Status: types.PSUOk, Watts: ptrFloat(400)}},
		},
		Processes: []types.Process{
			{PID: 1234, Name: "python3", User: "alice", DeviceUUID: "GPU-1", GPUMemoryBytes: 512 << 20, GPUUtilizationPct: 33},
		},
		FetchStatus: types.FetchOk,
	}
}

func TestBuildEmitsDocumentedMetricNamesAndLabels(t *testing.T) {
	st := state.New(nil)
	st.Replace(testSnapshot())

	exp := New(true)

	body, err := exp.Build(st)
	require.NoError(t, err)

	text := string(body)

	for _, want := range []string{
		`all_smi_gpu_utilization{gpu_index="0",gpu_name="NVIDIA H100",host_id="host-a"} 72`,
		`all_smi_gpu_memory_used_bytes{gpu_index="0",gpu_name="NVIDIA H100",host_id="host-a"}`,
		`all_smi_gpu_memory_total_bytes{gpu_index="0",gpu_name="NVIDIA H100",host_id="host-a"}`,
		`driver_version="550.54.15"`,
		`all_smi_cpu_utilization{cpu_index="0",host_id="host-a"} 44`,
		`all_smi_cpu_core_count{cpu_index="0",host_id="host-a"} 8`,
		`all_smi_cpu_thread_count{cpu_index="0",host_id="host-a"} 16`,
		`all_smi_cpu_frequency_mhz{cpu_index="0",host_id="host-a"} 3800`,
		`all_smi_cpu_socket_utilization{cpu_index="0",host_id="host-a",socket="0"} 10`,
		`all_smi_memory_total_bytes{host_id="host-a"}`,
		`all_smi_memory_utilization{host_id="host-a"} 50`,
		`all_smi_disk_total_bytes{host_id="host-a",mount_point="/"}`,
		`all_smi_disk_available_bytes{host_id="host-a",mount_point="/"}`,
		`all_smi_chassis_power_watts{host_id="host-a"} 800`,
		`all_smi_chassis_fan_rpm{fan_id="fan0",fan_name="FAN1",host_id="host-a"} 4200`,
		`all_smi_chassis_psu_watts{host_id="host-a",psu_id="psu0",psu_name="PSU1",status="Ok"} 400`,
		`all_smi_gpu_process_memory_bytes{host_id="host-a",pid="1234",process_name="python3",user="alice"}`,
		`all_smi_gpu_process_utilization{host_id="host-a",pid="1234",process_name="python3",user="alice"} 33`,
	} {
		require.Contains(t, text, want)
	}

	// cpu_socket_utilization must carry the spec's "socket" label, never a
	// core_id/core_type pair.
	require.NotContains(t, text, "core_id=")
	require.NotContains(t, text, "core_type=")
}

func TestBuildOmitsProcessesWhenDisabled(t *testing.T) {
	st := state.New(nil)
	st.Replace(testSnapshot())

	exp := New(false)

	body, err := exp.Build(st)
	require.NoError(t, err)
	require.NotContains(t, string(body), "all_smi_gpu_process_")
}

func TestBuildSkipsHostsWithoutMemoryOrChassis(t *testing.T) {
	st := state.New(nil)
	st.Replace(&types.HostSnapshot{HostID: "host-b", FetchStatus: types.FetchOk})

	exp := New(false)

	body, err := exp.Build(st)
	require.NoError(t, err)
	require.NotContains(t, string(body), "all_smi_memory_")
	require.NotContains(t, string(body), "all_smi_chassis_")
}
