// Package types holds the capability contracts and wire-independent data
// model shared by every reader, strategy, and exporter in this module.
package types

import "time"

// AcceleratorKind distinguishes the flavor of compute device a Gpu sample
// describes; NPU and TPU vendors reuse the Gpu shape rather than inventing
// parallel struct families.
type AcceleratorKind string

const (
	KindGPU AcceleratorKind = "GPU"
	KindNPU AcceleratorKind = "NPU"
	KindTPU AcceleratorKind = "TPU"
)

// CPUPlatform identifies the CPU vendor/architecture family reported in a
// Cpu sample.
type CPUPlatform string

const (
	PlatformIntel        CPUPlatform = "Intel"
	PlatformAMD          CPUPlatform = "AMD"
	PlatformAppleSilicon CPUPlatform = "AppleSilicon"
	PlatformARM          CPUPlatform = "ARM"
	PlatformOther        CPUPlatform = "Other"
)

// CoreType distinguishes performance/efficiency cores on hybrid CPUs.
type CoreType string

const (
	CoreP        CoreType = "P"
	CoreE        CoreType = "E"
	CoreStandard CoreType = "Standard"
)

// PSUStatus is the health status of one power supply unit.
type PSUStatus string

const (
	PSUOk       PSUStatus = "Ok"
	PSUWarning  PSUStatus = "Warning"
	PSUCritical PSUStatus = "Critical"
	PSUUnknown  PSUStatus = "Unknown"
)

// FetchStatus records whether a host's snapshot reflects a successful
// collection cycle.
type FetchStatus string

const (
	FetchPending        FetchStatus = "Pending"
	FetchOk             FetchStatus = "Ok"
	FetchErrWithReason  FetchStatus = "ErrWithReason"
)

// Gpu is one accelerator sample: GPU, NPU, or TPU. Detail carries
// vendor-specific fields (PCIe generation, firmware version, ECC counters,
// ANE power, thermal pressure, TDP limit, board type, core count, ...) as a
// flat string-keyed bag rather than one struct field per vendor quirk.
type Gpu struct {
	UUID              string
	Name              string
	Kind              AcceleratorKind
	Index             int
	UtilizationPct    float64
	MemoryUsedBytes   uint64
	MemoryTotalBytes  uint64
	TemperatureCelsius *float64
	PowerWatts        float64
	FrequencyMHz      float64
	Detail            map[string]string
}

// Clamp enforces the Gpu invariants from the data model: utilization is
// bounded to [0,100] and memory_used never exceeds memory_total.
func (g *Gpu) Clamp() {
	if g.UtilizationPct < 0 {
		g.UtilizationPct = 0
	}
	if g.UtilizationPct > 100 {
		g.UtilizationPct = 100
	}
	if g.MemoryUsedBytes > g.MemoryTotalBytes && g.MemoryTotalBytes > 0 {
		g.MemoryUsedBytes = g.MemoryTotalBytes
	}
}

// CoreUtilization is one entry in a Cpu sample's per-core utilization list.
type CoreUtilization struct {
	CoreID         int
	Type           CoreType
	UtilizationPct float64
}

// AppleSiliconDetail is only populated on Apple Silicon hosts.
type AppleSiliconDetail struct {
	PCoreCount         int
	ECoreCount         int
	GPUCoreCount       int
	ClusterFrequenciesMHz []float64
	ClusterUtilization    []float64
}

// Cpu is one host's aggregate and per-core CPU sample.
type Cpu struct {
	Model             string
	Platform          CPUPlatform
	Sockets           int
	TotalCores        int
	TotalThreads      int
	BaseFrequencyMHz  float64
	MaxFrequencyMHz   float64
	UtilizationPct    float64
	TemperatureCelsius *float64
	PowerWatts        *float64
	PerCore           []CoreUtilization
	AppleSilicon      *AppleSiliconDetail
}

// Memory is one host's memory sample. BuffersBytes/CachedBytes are only
// populated on Linux.
type Memory struct {
	TotalBytes     uint64
	UsedBytes      uint64
	AvailableBytes uint64
	FreeBytes      uint64
	BuffersBytes   uint64
	CachedBytes    uint64
	SwapTotalBytes uint64
	SwapUsedBytes  uint64
	SwapFreeBytes  uint64
	UtilizationPct float64
}

// Storage is one mounted filesystem sample.
type Storage struct {
	MountPoint     string
	TotalBytes     uint64
	AvailableBytes uint64
	HostID         string
	Hostname       string
	Index          int
}

// Fan is one chassis fan reading.
type Fan struct {
	Name   string
	ID     string
	RPM    int
	MaxRPM int
}

// PSU is one chassis power-supply reading.
type PSU struct {
	Name   string
	ID     string
	Status PSUStatus
	Watts  *float64
}

// Chassis is a BMC/IOReport-derived sample for the host enclosure.
type Chassis struct {
	TotalWatts          float64
	InletTemperature    *float64
	OutletTemperature   *float64
	ThermalPressure     string
	Fans                []Fan
	PSUs                []PSU
}

// Process is one OS process, optionally attributed to a GPU device.
type Process struct {
	PID               int
	PPID              int
	Name              string
	Command           string
	User              string
	State             string
	Threads           int
	Priority          int
	Nice              int
	CPUPct            float64
	MemPct            float64
	RSSBytes          uint64
	VMSBytes          uint64
	CPUTimeSeconds    float64
	StartTime         time.Time
	DeviceUUID        string
	GPUMemoryBytes    uint64
	GPUUtilizationPct float64
}

// HostSnapshot is the latest known set of samples for one host, plus its
// collection status. Collection engines write it; the exporter and UI
// collaborator read it.
type HostSnapshot struct {
	HostID      string
	Devices     []Gpu
	CPUs        []Cpu
	Memory      *Memory
	Storages    []Storage
	Chassis     *Chassis
	Processes   []Process
	LastUpdated time.Time
	FetchStatus FetchStatus
	StatusReason string
}
