package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/all-smi/all-smi-go/pkg/factory"
	"github.com/all-smi/all-smi-go/pkg/types"
)

type stubGpuReader struct {
	name string
	gpus []types.Gpu
	err  error
}

func (s *stubGpuReader) Name() string { return s.name }
func (s *stubGpuReader) Sample(ctx context.Context) ([]types.Gpu, error) {
	return s.gpus, s.err
}

type stubCPUReader struct{ cpu *types.Cpu }

func (s *stubCPUReader) Name() string { return "cpu" }
func (s *stubCPUReader) Sample(ctx context.Context) (*types.Cpu, error) {
	return s.cpu, nil
}

func TestLocalStrategyCollectMergesReaders(t *testing.T) {
	roster := &factory.Roster{
		Accelerators: []types.DeviceReader{
			&stubGpuReader{name: "nvidia", gpus: []types.Gpu{{Name: "nvidia0", UtilizationPct: 50}}},
		},
		CPU: &stubCPUReader{cpu: &types.Cpu{UtilizationPct: 10}},
	}

	s := NewLocalStrategy(nil, roster, "localhost", false)

	data, err := s.Collect(context.Background(), types.CollectionConfig{ReaderDeadline: 2})
	require.NoError(t, err)

	snap := data.Snapshots["localhost"]
	require.NotNil(t, snap)
	require.Len(t, snap.Devices, 1)
	require.Equal(t, "nvidia0", snap.Devices[0].Name)
	require.Len(t, snap.CPUs, 1)
}

func TestLocalStrategyFirstCycleSurfacesReaderError(t *testing.T) {
	roster := &factory.Roster{
		Accelerators: []types.DeviceReader{
			&stubGpuReader{name: "broken", err: types.NewReaderError(types.KindDeviceAccess, context.DeadlineExceeded)},
		},
	}

	s := NewLocalStrategy(nil, roster, "localhost", false)

	_, err := s.Collect(context.Background(), types.CollectionConfig{ReaderDeadline: 1})
	require.Error(t, err)

	// Second cycle absorbs the same failure without erroring.
	_, err = s.Collect(context.Background(), types.CollectionConfig{ReaderDeadline: 1})
	require.NoError(t, err)
}

func TestDedupStorageKeepsFirstByIndex(t *testing.T) {
	in := []types.Storage{
		{Index: 1, MountPoint: "/data", TotalBytes: 1},
		{Index: 0, MountPoint: "/data", TotalBytes: 2},
		{Index: 2, MountPoint: "/other", TotalBytes: 3},
	}

	out := DedupStorage(in)

	require.Len(t, out, 2)
	require.Equal(t, "/data", out[0].MountPoint)
	require.Equal(t, uint64(2), out[0].TotalBytes)
}

func TestAdaptiveIntervalRemoteTable(t *testing.T) {
	require.Equal(t, 2*time.Second, AdaptiveIntervalRemote(5))
	require.Equal(t, 3*time.Second, AdaptiveIntervalRemote(50))
	require.Equal(t, 4*time.Second, AdaptiveIntervalRemote(100))
	require.Equal(t, 6*time.Second, AdaptiveIntervalRemote(101))
}

func TestAdaptiveIntervalLocal(t *testing.T) {
	require.Equal(t, time.Second, AdaptiveIntervalLocal(true))
	require.Equal(t, 2*time.Second, AdaptiveIntervalLocal(false))
}
