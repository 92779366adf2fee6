package reader

import (
	"context"
	"log/slog"
	"strings"

	gopsutildisk "github.com/shirou/gopsutil/v4/disk"

	"github.com/all-smi/all-smi-go/pkg/types"
)

// pseudoFilesystems are the filesystem types excluded from the listing:
// overlay mounts and container-internal pseudo-FS. Bind mounts are not
// detected; each is listed under its own mount point like any other mount.
var pseudoFilesystems = map[string]bool{
	"overlay":     true,
	"tmpfs":       true,
	"proc":        true,
	"sysfs":       true,
	"devtmpfs":    true,
	"devpts":      true,
	"cgroup":      true,
	"cgroup2":     true,
	"mqueue":      true,
	"squashfs":    true,
	"autofs":      true,
	"binfmt_misc": true,
	"tracefs":     true,
	"debugfs":     true,
}

// StorageReader enumerates mounted filesystems via gopsutil, deduplicating
// by (host_id, mount_point) and excluding pseudo filesystems, per §4.2.
type StorageReader struct {
	hostID   string
	hostname string
	logger   *slog.Logger
}

func NewStorageReader(hostID, hostname string, logger *slog.Logger) *StorageReader {
	if logger == nil {
		logger = slog.Default()
	}

	return &StorageReader{hostID: hostID, hostname: hostname, logger: logger}
}

func (r *StorageReader) Name() string { return "storage" }

func (r *StorageReader) Sample(ctx context.Context) ([]types.Storage, error) {
	partitions, err := gopsutildisk.PartitionsWithContext(ctx, false)
	if err != nil {
		return nil, types.NewReaderError(types.KindDeviceAccess, err)
	}

	seen := make(map[string]bool)
	out := make([]types.Storage, 0, len(partitions))

	index := 0
	for _, p := range partitions {
		if pseudoFilesystems[strings.ToLower(p.Fstype)] {
			continue
		}
		if seen[p.Mountpoint] {
			continue
		}
		seen[p.Mountpoint] = true

		usage, err := gopsutildisk.UsageWithContext(ctx, p.Mountpoint)
		if err != nil {
			r.logger.Debug("failed to read usage for mount", "mount", p.Mountpoint, "err", err)

			continue
		}

		out = append(out, types.Storage{
			MountPoint:     p.Mountpoint,
			TotalBytes:     usage.Total,
			AvailableBytes: usage.Free,
			HostID:         r.hostID,
			Hostname:       r.hostname,
			Index:          index,
		})
		index++
	}

	return out, nil
}
