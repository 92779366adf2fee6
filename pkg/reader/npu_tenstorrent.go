//go:build linux

package reader

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/all-smi/all-smi-go/pkg/types"
)

// tenstorrentPCIVendorID is Tenstorrent's PCI vendor ID, used by the
// factory's probe before this reader is ever constructed.
const tenstorrentPCIVendorID = "0x1e52"

// sysBusPCIDevicesPath mirrors factory.sysBusPCIDevices (unexported in
// that package) for this reader's own enumeration pass.
const sysBusPCIDevicesPath = "/sys/bus/pci/devices"

// Tenstorrent ARC mailbox register offsets within BAR0, the subset named
// as a contract in §4.2/§9: "for each documented register the reader
// returns the listed metric". Exact offsets are vendor firmware version
// dependent; these match the documented Wormhole/Blackhole ARC mailbox
// layout used by tt-smi.
const (
	arcMailboxTelemetryOffset = 0x1FF30000
	regAICoreUtilization      = 0x00
	regBoardTempMilliC        = 0x04
	regPowerMilliWatts        = 0x08
	regTDPMilliWatts          = 0x0C
	regBoardTypeCode          = 0x10

	barMapSize = 0x20
)

// boardTypeTable maps the documented board-serial prefix to a
// human-readable board name; entries not in this table resolve to
// "Unknown" with a conservative TDP default per Open Question (b).
var boardTypeTable = map[uint32]string{
	0x01: "n150",
	0x02: "n300",
	0x03: "galaxy",
}

const conservativeTDPWatts = 75.0

// TenstorrentReader reads Wormhole/Blackhole ARC mailbox telemetry
// registers directly via a BAR0 mmap, per §4.2's "direct PCIe BAR mapping
// and ARC mailboxes".
type TenstorrentReader struct {
	logger  *slog.Logger
	devices []tenstorrentDevice
}

type tenstorrentDevice struct {
	pciAddr string
	index   int
}

// NewTenstorrentReader enumerates /sys/bus/pci/devices for Tenstorrent's
// vendor ID; construction fails with NoDevices when none are found, and
// with PlatformInit when the PCI device tree cannot be read.
func NewTenstorrentReader(logger *slog.Logger) (*TenstorrentReader, error) {
	if logger == nil {
		logger = slog.Default()
	}

	entries, err := os.ReadDir(sysBusPCIDevicesPath)
	if err != nil {
		return nil, types.NewReaderError(types.KindPlatformInit, err)
	}

	var devices []tenstorrentDevice

	for _, e := range entries {
		vendorPath := filepath.Join(sysBusPCIDevicesPath, e.Name(), "vendor")

		data, err := os.ReadFile(vendorPath)
		if err != nil {
			continue
		}

		if strings.TrimSpace(string(data)) == tenstorrentPCIVendorID {
			devices = append(devices, tenstorrentDevice{pciAddr: e.Name(), index: len(devices)})
		}
	}

	if len(devices) == 0 {
		return nil, types.NewReaderError(types.KindNoDevices, fmt.Errorf("no tenstorrent PCI devices found"))
	}

	return &TenstorrentReader{logger: logger, devices: devices}, nil
}

func (r *TenstorrentReader) Name() string { return "tenstorrent-npu" }

// Sample implements types.DeviceReader, mmap-ing each device's BAR0
// resource file and reading the documented telemetry registers.
func (r *TenstorrentReader) Sample(ctx context.Context) ([]types.Gpu, error) {
	out := make([]types.Gpu, 0, len(r.devices))

	for _, dev := range r.devices {
		gpu, err := r.sampleDevice(dev)
		if err != nil {
			r.logger.Debug("failed to read tenstorrent telemetry, skipping device", "pci_addr", dev.pciAddr, "err", err)

			continue
		}

		out = append(out, gpu)
	}

	return out, nil
}

func (r *TenstorrentReader) sampleDevice(dev tenstorrentDevice) (types.Gpu, error) {
	resourcePath := filepath.Join(sysBusPCIDevicesPath, dev.pciAddr, "resource0")

	f, err := os.OpenFile(resourcePath, os.O_RDONLY, 0)
	if err != nil {
		if os.IsPermission(err) {
			return types.Gpu{}, types.NewReaderError(types.KindPermissionDenied, err)
		}

		return types.Gpu{}, types.NewReaderError(types.KindDeviceAccess, err)
	}
	defer f.Close()

	data, err := syscall.Mmap(int(f.Fd()), arcMailboxTelemetryOffset, barMapSize, syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		return types.Gpu{}, types.NewReaderError(types.KindDeviceAccess, fmt.Errorf("mmap bar0: %w", err))
	}
	defer syscall.Munmap(data)

	util := float64(readLE32(data, regAICoreUtilization))
	tempMilliC := readLE32(data, regBoardTempMilliC)
	powerMW := readLE32(data, regPowerMilliWatts)
	tdpMW := readLE32(data, regTDPMilliWatts)
	boardCode := readLE32(data, regBoardTypeCode)

	boardName, known := boardTypeTable[boardCode]
	if !known {
		boardName = "Unknown"

		if tdpMW == 0 {
			tdpMW = uint32(conservativeTDPWatts * 1000)
		}
	}

	temp := float64(tempMilliC) / 1000.0

	gpu := types.Gpu{
		UUID:           fmt.Sprintf("tenstorrent-%s", dev.pciAddr),
		Name:           "Tenstorrent " + boardName,
		Kind:           types.KindNPU,
		Index:          dev.index,
		UtilizationPct: util,
		TemperatureCelsius: &temp,
		PowerWatts:     float64(powerMW) / 1000.0,
		Detail: map[string]string{
			"board_type":  boardName,
			"tdp_watts":   fmt.Sprintf("%.1f", float64(tdpMW)/1000.0),
			"pci_address": dev.pciAddr,
		},
	}
	gpu.Clamp()

	return gpu, nil
}

func readLE32(b []byte, offset int) uint32 {
	if offset+4 > len(b) {
		return 0
	}

	return uint32(b[offset]) | uint32(b[offset+1])<<8 | uint32(b[offset+2])<<16 | uint32(b[offset+3])<<24
}
