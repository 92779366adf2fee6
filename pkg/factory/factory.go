// Package factory implements the reader factory (C4): platform and feature
// detection, deterministic priority ordering, and a cache so readers are
// constructed exactly once per process lifetime.
//
// The PCI vendor/class scan is grounded directly on detectVendors() in the
// teacher's gpu.go; the rest (tool LookPath probes, deterministic priority,
// sync.Once caching) generalizes that idiom across every accelerator
// family named in §4.2.
package factory

import (
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/all-smi/all-smi-go/pkg/types"
)

// pciClassDisplay and pciClassProcessingAccelerator are the /sys/class
// values that indicate a GPU-class or accelerator-class PCI device,
// matching the class codes the teacher's detectVendors() checks.
const (
	pciClassDisplay               = "0x03"
	pciClassProcessingAccelerator = "0x12"
	sysBusPCIDevices              = "/sys/bus/pci/devices"

	// VendorNVIDIA and VendorAMD are the PCI vendor IDs detectVendors()
	// checks for in the teacher's gpu.go.
	VendorNVIDIA = "0x10de"
	VendorAMD    = "0x1002"
)

// AcceleratorFamily names one vendor family the factory can probe for.
type AcceleratorFamily string

const (
	FamilyNVIDIA      AcceleratorFamily = "nvidia"
	FamilyAMD         AcceleratorFamily = "amd"
	FamilyAppleGPU    AcceleratorFamily = "apple"
	FamilyJetson      AcceleratorFamily = "jetson"
	FamilyGaudi       AcceleratorFamily = "gaudi"
	FamilyTPU         AcceleratorFamily = "tpu"
	FamilyTenstorrent AcceleratorFamily = "tenstorrent"
	FamilyRebellions  AcceleratorFamily = "rebellions"
	FamilyFuriosa     AcceleratorFamily = "furiosa"
)

// Probe is a cheap, side-effect-free-beyond-a-dlopen-or-file-stat check for
// whether a family is plausibly present on this host.
type Probe func() bool

// ReaderCtor builds the DeviceReader for a family once its probe succeeds.
type ReaderCtor func(logger *slog.Logger) (types.DeviceReader, error)

// RegistryEntry pairs a probe with a constructor in deterministic priority
// order (NVIDIA/AMD first, as the common-case datacenter case, down to the
// more exotic NPU families).
type RegistryEntry struct {
	family AcceleratorFamily
	probe  Probe
	ctor   ReaderCtor
}

// Roster is the immutable result of one factory run: at most one reader per
// family, plus the always-constructed CPU/Memory/Storage/Chassis readers.
type Roster struct {
	Accelerators []types.DeviceReader
	CPU          types.CPUReader
	Memory       types.MemoryReader
	Storage      types.StorageReader
	Chassis      types.ChassisReader
	Processes    types.ProcessEnumerator
}

// Factory builds a Roster exactly once; subsequent calls to Build return
// the cached instance, per §4.4's "re-instantiation... is forbidden".
type Factory struct {
	logger   *slog.Logger
	registry []RegistryEntry

	once   sync.Once
	roster *Roster
}

// New builds a Factory over the caller's registry of probes and
// constructors, tried in slice order. The CPU/Memory/Storage/Chassis and
// process readers are passed in already constructed, because they go into
// the Roster regardless of probe results.
func New(logger *slog.Logger, registry []RegistryEntry, cpu types.CPUReader, mem types.MemoryReader, storage types.StorageReader, chassis types.ChassisReader, processes types.ProcessEnumerator) *Factory {
	if logger == nil {
		logger = slog.Default()
	}

	f := &Factory{logger: logger, registry: registry}
	f.roster = &Roster{CPU: cpu, Memory: mem, Storage: storage, Chassis: chassis, Processes: processes}

	return f
}

// Build runs every registered probe in priority order and returns the
// cached Roster. Probe/constructor failures are logged at debug level and
// do not abort the process (§4.4 step 3).
func (f *Factory) Build() *Roster {
	f.once.Do(func() {
		for _, entry := range f.registry {
			if !entry.probe() {
				continue
			}

			reader, err := entry.ctor(f.logger.With("family", entry.family))
			if err != nil {
				f.logger.Debug("reader construction failed, skipping family", "family", entry.family, "err", err)

				continue
			}

			f.roster.Accelerators = append(f.roster.Accelerators, reader)
		}
	})

	return f.roster
}

// ProbeToolOnPath returns a probe that succeeds when name is found on
// $PATH, checking the common sbin locations the way the teacher's
// lookPath helper does.
func ProbeToolOnPath(name string) Probe {
	return func() bool {
		if _, err := exec.LookPath(name); err == nil {
			return true
		}

		for _, dir := range []string{"/sbin", "/usr/sbin", "/usr/local/sbin"} {
			if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
				return true
			}
		}

		return false
	}
}

// ProbePCIVendor returns a probe that succeeds when a PCI device under
// /sys/bus/pci/devices advertises the given class and vendor ID, per
// detectVendors() in the teacher's gpu.go.
func ProbePCIVendor(vendorID string) Probe {
	return func() bool {
		entries, err := os.ReadDir(sysBusPCIDevices)
		if err != nil {
			return false
		}

		for _, entry := range entries {
			classPath := filepath.Join(sysBusPCIDevices, entry.Name(), "class")
			vendorPath := filepath.Join(sysBusPCIDevices, entry.Name(), "vendor")

			class, err := os.ReadFile(classPath)
			if err != nil {
				continue
			}

			classStr := strings.TrimSpace(string(class))
			if !strings.HasPrefix(classStr, pciClassDisplay) && !strings.HasPrefix(classStr, pciClassProcessingAccelerator) {
				continue
			}

			vendor, err := os.ReadFile(vendorPath)
			if err != nil {
				continue
			}

			if strings.TrimSpace(string(vendor)) == vendorID {
				return true
			}
		}

		return false
	}
}

// ProbeDarwin succeeds only when GOOS is darwin.
func ProbeDarwin() Probe {
	return func() bool { return runtime.GOOS == "darwin" }
}

// ProbeLinux succeeds only when GOOS is linux.
func ProbeLinux() Probe {
	return func() bool { return runtime.GOOS == "linux" }
}

// ProbeEnvSet succeeds when the named environment variable is non-empty.
func ProbeEnvSet(name string) Probe {
	return func() bool { return os.Getenv(name) != "" }
}

// ProbeDeviceNode succeeds when the given path exists.
func ProbeDeviceNode(path string) Probe {
	return func() bool {
		_, err := os.Stat(path)

		return err == nil
	}
}

// NewRegistryEntry constructs a RegistryEntry for New callers outside
// this package (e.g. cmd/all-smi wiring concrete reader constructors).
func NewRegistryEntry(family AcceleratorFamily, p Probe, ctor ReaderCtor) RegistryEntry {
	return RegistryEntry{family: family, probe: p, ctor: ctor}
}

// ParseUintOr returns the parsed value or def on error, used by callers
// mapping env vars/probe output to numeric config.
func ParseUintOr(s string, def int) int {
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return def
	}

	return v
}
