package factory

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/all-smi/all-smi-go/pkg/types"
)

type stubReader struct{ name string }

func (s *stubReader) Name() string { return s.name }
func (s *stubReader) Sample(ctx context.Context) ([]types.Gpu, error) {
	return []types.Gpu{{Name: s.name}}, nil
}

func TestBuildRunsOnlySucceedingProbes(t *testing.T) {
	registry := []RegistryEntry{
		NewRegistryEntry(FamilyNVIDIA, func() bool { return true }, func(l *slog.Logger) (types.DeviceReader, error) {
			return &stubReader{name: "nvidia"}, nil
		}),
		NewRegistryEntry(FamilyAMD, func() bool { return false }, func(l *slog.Logger) (types.DeviceReader, error) {
			return &stubReader{name: "amd"}, nil
		}),
	}

	f := New(nil, registry, nil, nil, nil, nil, nil)
	roster := f.Build()

	require.Len(t, roster.Accelerators, 1)
	require.Equal(t, "nvidia", roster.Accelerators[0].Name())
}

func TestBuildCachesRoster(t *testing.T) {
	calls := 0
	registry := []RegistryEntry{
		NewRegistryEntry(FamilyNVIDIA, func() bool { return true }, func(l *slog.Logger) (types.DeviceReader, error) {
			calls++

			return &stubReader{name: "nvidia"}, nil
		}),
	}

	f := New(nil, registry, nil, nil, nil, nil, nil)
	f.Build()
	f.Build()

	require.Equal(t, 1, calls)
}

func TestProbeToolOnPathFindsEcho(t *testing.T) {
	require.True(t, ProbeToolOnPath("echo")())
	require.False(t, ProbeToolOnPath("definitely-not-a-real-binary-xyz")())
}
