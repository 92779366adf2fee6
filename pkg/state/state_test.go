package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/all-smi/all-smi-go/pkg/types"
)

func TestReplaceAndSnapshot(t *testing.T) {
	s := New(nil)

	snap := &types.HostSnapshot{
		HostID:      "host-a",
		Memory:      &types.Memory{UtilizationPct: 42},
		LastUpdated: time.Now(),
		FetchStatus: types.FetchOk,
	}
	s.Replace(snap)

	got, ok := s.Snapshot("host-a")
	require.True(t, ok)
	require.Equal(t, "host-a", got.HostID)
	require.Equal(t, 1, s.Len())
}

func TestHistoryAccumulates(t *testing.T) {
	s := New(nil)

	for i := 0; i < 5; i++ {
		s.Replace(&types.HostSnapshot{
			HostID: "host-a",
			Memory: &types.Memory{UtilizationPct: float64(i * 10)},
		})
	}

	hist := s.History("host-a", "memory_utilization", 5)
	require.Len(t, hist, 5)
	require.Equal(t, 40.0, hist[len(hist)-1])
}

func TestMarkStalePreservesSnapshot(t *testing.T) {
	s := New(nil)
	s.Replace(&types.HostSnapshot{HostID: "host-a", FetchStatus: types.FetchOk})

	s.MarkStale("host-a", "connection refused")

	got, ok := s.Snapshot("host-a")
	require.True(t, ok)
	require.Equal(t, types.FetchErrWithReason, got.FetchStatus)
	require.Equal(t, "connection refused", got.StatusReason)
}

func TestHostsEmptyInitially(t *testing.T) {
	s := New(nil)
	require.Empty(t, s.Hosts())
}
