package types

import "context"

// DeviceReader is the capability contract every vendor/resource backend
// implements. It is stateless from the caller's viewpoint: two calls with
// no intervening hardware event must yield samples whose differences come
// only from time-varying counters (idempotency invariant, §4.2).
type DeviceReader interface {
	// Name identifies the reader for logging and factory bookkeeping.
	Name() string
	// Sample produces the reader's samples for this cycle, or a
	// *ReaderError describing why it couldn't.
	Sample(ctx context.Context) ([]Gpu, error)
}

// CPUReader produces one Cpu sample for the local host.
type CPUReader interface {
	Name() string
	Sample(ctx context.Context) (*Cpu, error)
}

// MemoryReader produces one Memory sample for the local host.
type MemoryReader interface {
	Name() string
	Sample(ctx context.Context) (*Memory, error)
}

// StorageReader enumerates mounted filesystems for the local host.
type StorageReader interface {
	Name() string
	Sample(ctx context.Context) ([]Storage, error)
}

// ChassisReader produces a Chassis sample, when BMC/IOReport data is
// available.
type ChassisReader interface {
	Name() string
	Sample(ctx context.Context) (*Chassis, error)
}

// ProcessEnumerator lists processes, optionally attributed to GPU devices.
type ProcessEnumerator interface {
	Name() string
	Sample(ctx context.Context) ([]Process, error)
}

// CollectionData is what a CollectionStrategy.Collect produces for one
// cycle, keyed by host ID, ready for the Aggregator to merge into AppState.
type CollectionData struct {
	Snapshots map[string]*HostSnapshot
}

// CollectionStrategy is the Strategy-pattern contract for both the local
// fan-out collector and the remote scrape collector.
type CollectionStrategy interface {
	StrategyName() string
	Collect(ctx context.Context, cfg CollectionConfig) (*CollectionData, error)
}

// CollectionConfig parameterizes a single Collect call.
type CollectionConfig struct {
	IntervalSeconds      int
	ReaderDeadline       int // seconds
	MaxConcurrentScrapes int
	Hosts                []string
	AuthToken            string
	AllowLoopback        bool
}

// MetricsExporter builds a Prometheus exposition text blob from a snapshot
// of AppState. It must never sample devices itself (§4.6).
type MetricsExporter interface {
	Build(state AppStateView) ([]byte, error)
}

// AppStateView is the read-only view of AppState the exporter and UI
// collaborator are given; it hides the writer-side mutation methods.
type AppStateView interface {
	Snapshot(hostID string) (*HostSnapshot, bool)
	Hosts() []string
}

// Frame is one parsed output record from a sampler subprocess (§4.3).
type Frame struct {
	SequenceNumber uint64
	ParsedAt       int64 // unix nanos; set by the sampler at parse time
	Fields         map[string]float64
	Labels         map[string]string
}

// SamplerBackend hides vendor-tool-streaming specifics behind one interface
// so device readers don't need to know whether a sampler subprocess is
// involved at all.
type SamplerBackend interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	IsAlive() bool
	Latest() (Frame, bool)
	History(n int) []Frame
}
