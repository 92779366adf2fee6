package reader

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/all-smi/all-smi-go/pkg/types"
)

func TestProcessReaderSampleFindsCurrentProcess(t *testing.T) {
	r := NewProcessReader(nil, nil)

	procs, err := r.Sample(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, procs)

	selfPID := os.Getpid()

	var found bool

	for _, p := range procs {
		if p.PID == selfPID {
			found = true

			break
		}
	}

	require.True(t, found, "expected the test process's own PID in the enumeration")
}

func TestProcessReaderMergesGPUAttribution(t *testing.T) {
	selfPID := os.Getpid()

	gpuSource := func(ctx context.Context) ([]types.Process, error) {
		return []types.Process{
			{PID: selfPID, DeviceUUID: "GPU-abc", GPUMemoryBytes: 1024, GPUUtilizationPct: 33},
		}, nil
	}

	r := NewProcessReader(nil, gpuSource)

	procs, err := r.Sample(context.Background())
	require.NoError(t, err)

	var self types.Process

	for _, p := range procs {
		if p.PID == selfPID {
			self = p

			break
		}
	}

	require.Equal(t, "GPU-abc", self.DeviceUUID)
	require.Equal(t, uint64(1024), self.GPUMemoryBytes)
	require.Equal(t, 33.0, self.GPUUtilizationPct)
}

func TestProcessReaderToleratesFailingGPUSource(t *testing.T) {
	gpuSource := func(ctx context.Context) ([]types.Process, error) {
		return nil, context.DeadlineExceeded
	}

	r := NewProcessReader(nil, gpuSource)

	procs, err := r.Sample(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, procs)
}

func TestProcessReaderName(t *testing.T) {
	r := NewProcessReader(nil, nil)
	require.Equal(t, "process-enumerator", r.Name())
}
