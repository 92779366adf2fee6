// Package engine implements the collection engine (C7): LocalStrategy,
// RemoteStrategy, and the Aggregator that merges either strategy's output
// into the shared AppState.
package engine

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/all-smi/all-smi-go/pkg/factory"
	"github.com/all-smi/all-smi-go/pkg/types"
)

// maxDevicesPerHost bounds how many accelerator samples one host snapshot
// carries; entries beyond this are dropped with a warning (§5 resource
// caps).
const maxDevicesPerHost = 256

// defaultReaderDeadlineSeconds is LocalStrategy's per-reader timeout.
const defaultReaderDeadlineSeconds = 2

// AdaptiveIntervalRemote selects the remote-mode poll interval by host
// count, per §4.7's table.
func AdaptiveIntervalRemote(hostCount int) time.Duration {
	switch {
	case hostCount <= 10:
		return 2 * time.Second
	case hostCount <= 50:
		return 3 * time.Second
	case hostCount <= 100:
		return 4 * time.Second
	default:
		return 6 * time.Second
	}
}

// AdaptiveIntervalLocal selects the local-mode poll interval: 1s on Apple
// Silicon hosts (power telemetry changes fast), 2s elsewhere.
func AdaptiveIntervalLocal(isAppleSilicon bool) time.Duration {
	if isAppleSilicon {
		return 1 * time.Second
	}

	return 2 * time.Second
}

// LocalStrategy samples every reader in a factory.Roster, each under its
// own deadline: the accelerator readers run concurrently, then the CPU,
// Memory, Storage, Chassis and process readers run one after another.
// Generalizes the teacher's CEEMSCollector.Collect wait-group fan-out.
type LocalStrategy struct {
	logger     *slog.Logger
	roster     *factory.Roster
	hostID     string
	includeGPU bool

	firstCycle bool
}

// NewLocalStrategy builds a LocalStrategy over roster, reporting samples
// under hostID (normally "localhost" or the machine's hostname).
func NewLocalStrategy(logger *slog.Logger, roster *factory.Roster, hostID string, includeProcesses bool) *LocalStrategy {
	if logger == nil {
		logger = slog.Default()
	}

	return &LocalStrategy{logger: logger, roster: roster, hostID: hostID, includeGPU: includeProcesses, firstCycle: true}
}

func (s *LocalStrategy) StrategyName() string { return "local" }

// Collect implements types.CollectionStrategy. Partial reader failure never
// fails the whole cycle; the first cycle's errors are returned alongside
// the snapshot so the caller can warn the operator (§4.7).
func (s *LocalStrategy) Collect(ctx context.Context, cfg types.CollectionConfig) (*types.CollectionData, error) {
	deadline := cfg.ReaderDeadline
	if deadline <= 0 {
		deadline = defaultReaderDeadlineSeconds
	}

	snap := &types.HostSnapshot{HostID: s.hostID, LastUpdated: time.Now(), FetchStatus: types.FetchOk}

	type gpuResult struct {
		name    string
		devices []types.Gpu
		err     error
	}

	results := make(chan gpuResult, len(s.roster.Accelerators))

	for _, r := range s.roster.Accelerators {
		r := r

		go func() {
			rctx, cancel := context.WithTimeout(ctx, time.Duration(deadline)*time.Second)
			defer cancel()

			devices, err := r.Sample(rctx)
			results <- gpuResult{name: r.Name(), devices: devices, err: err}
		}()
	}

	var firstCycleErrs []error

	for range s.roster.Accelerators {
		res := <-results
		if res.err != nil {
			s.logger.Debug("accelerator reader failed this cycle", "reader", res.name, "err", res.err)

			if s.firstCycle {
				firstCycleErrs = append(firstCycleErrs, res.err)
			}

			continue
		}

		snap.Devices = append(snap.Devices, res.devices...)
	}

	if len(snap.Devices) > maxDevicesPerHost {
		s.logger.Warn("device count exceeds cap, dropping extras", "host", s.hostID, "count", len(snap.Devices), "cap", maxDevicesPerHost)
		snap.Devices = snap.Devices[:maxDevicesPerHost]
	}

	if s.roster.CPU != nil {
		cctx, cancel := context.WithTimeout(ctx, time.Duration(deadline)*time.Second)

		cpu, err := s.roster.CPU.Sample(cctx)
		cancel()

		if err != nil {
			s.logger.Debug("cpu reader failed this cycle", "err", err)

			if s.firstCycle {
				firstCycleErrs = append(firstCycleErrs, err)
			}
		} else if cpu != nil {
			snap.CPUs = []types.Cpu{*cpu}
		}
	}

	if s.roster.Memory != nil {
		mctx, cancel := context.WithTimeout(ctx, time.Duration(deadline)*time.Second)

		mem, err := s.roster.Memory.Sample(mctx)
		cancel()

		if err != nil {
			s.logger.Debug("memory reader failed this cycle", "err", err)

			if s.firstCycle {
				firstCycleErrs = append(firstCycleErrs, err)
			}
		} else {
			snap.Memory = mem
		}
	}

	if s.roster.Storage != nil {
		sctx, cancel := context.WithTimeout(ctx, time.Duration(deadline)*time.Second)

		storages, err := s.roster.Storage.Sample(sctx)
		cancel()

		if err != nil {
			s.logger.Debug("storage reader failed this cycle", "err", err)

			if s.firstCycle {
				firstCycleErrs = append(firstCycleErrs, err)
			}
		} else {
			snap.Storages = DedupStorage(storages)
		}
	}

	if s.roster.Chassis != nil {
		hctx, cancel := context.WithTimeout(ctx, time.Duration(deadline)*time.Second)

		chassis, err := s.roster.Chassis.Sample(hctx)
		cancel()

		if err != nil {
			s.logger.Debug("chassis reader failed this cycle", "err", err)

			if s.firstCycle {
				firstCycleErrs = append(firstCycleErrs, err)
			}
		} else {
			snap.Chassis = chassis
		}
	}

	if s.includeGPU && s.roster.Processes != nil {
		pctx, cancel := context.WithTimeout(ctx, time.Duration(deadline)*time.Second)

		procs, err := s.roster.Processes.Sample(pctx)
		cancel()

		if err != nil {
			s.logger.Debug("process enumerator failed this cycle", "err", err)

			if s.firstCycle {
				firstCycleErrs = append(firstCycleErrs, err)
			}
		} else {
			known := make(map[string]bool, len(snap.Devices))
			for _, d := range snap.Devices {
				known[d.UUID] = true
			}

			for i := range procs {
				if procs[i].DeviceUUID != "" && !known[procs[i].DeviceUUID] {
					procs[i].DeviceUUID = ""
					procs[i].GPUMemoryBytes = 0
					procs[i].GPUUtilizationPct = 0
				}
			}

			snap.Processes = procs
		}
	}

	wasFirst := s.firstCycle
	s.firstCycle = false

	data := &types.CollectionData{Snapshots: map[string]*types.HostSnapshot{s.hostID: snap}}

	if wasFirst && len(firstCycleErrs) > 0 {
		return data, firstCycleErrs[0]
	}

	return data, nil
}

// DedupStorage drops entries sharing a mount_point, keeping the first
// occurrence in index order, per §4.7's "stable sort by index" rule.
func DedupStorage(storages []types.Storage) []types.Storage {
	sort.SliceStable(storages, func(i, j int) bool { return storages[i].Index < storages[j].Index })

	seen := make(map[string]bool, len(storages))
	out := make([]types.Storage, 0, len(storages))

	for _, st := range storages {
		if seen[st.MountPoint] {
			continue
		}

		seen[st.MountPoint] = true
		out = append(out, st)
	}

	return out
}
