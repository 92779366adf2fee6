package reader

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStorageReaderSampleExcludesNoDuplicateMountPoints(t *testing.T) {
	r := NewStorageReader("host-a", "hostname-a", nil)

	storages, err := r.Sample(context.Background())
	require.NoError(t, err)

	seen := make(map[string]bool)

	for _, s := range storages {
		require.False(t, seen[s.MountPoint], "duplicate mount point %q", s.MountPoint)
		seen[s.MountPoint] = true

		require.Equal(t, "host-a", s.HostID)
		require.False(t, pseudoFilesystems[s.MountPoint])
	}
}

func TestStorageReaderName(t *testing.T) {
	r := NewStorageReader("host-a", "hostname-a", nil)
	require.Equal(t, "storage", r.Name())
}
