// Package state implements the shared AppState (C9): a mapping from host ID
// to HostSnapshot guarded by a reader-writer lock, plus a bounded sparkline
// history per host, generalizing the mutex-guarded stats map idiom used for
// cpuCollector's previous-sample cache.
package state

import (
	"container/ring"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/all-smi/all-smi-go/pkg/types"
)

// SparklineCapacity is the bounded history length per metric (§3, "deques
// with capacity ≈60 samples").
const SparklineCapacity = 60

// lockTimeout bounds how long a reader or writer waits for the RWMutex
// before giving up on this cycle, per §5's "read lock timeout 2s, write
// lock timeout 2s — on timeout, the operation is skipped for this cycle".
const lockTimeout = 2 * time.Second

// AppState is the single shared application state: one writer (the
// collection engine) at a time, many readers (exporter, UI collaborator).
type AppState struct {
	mu        sync.RWMutex
	snapshots map[string]*types.HostSnapshot
	history   map[string]map[string]*ring.Ring
	logger    *slog.Logger
}

// New builds an empty AppState.
func New(logger *slog.Logger) *AppState {
	if logger == nil {
		logger = slog.Default()
	}

	return &AppState{
		snapshots: make(map[string]*types.HostSnapshot),
		history:   make(map[string]map[string]*ring.Ring),
		logger:    logger,
	}
}

// tryLock emulates a write-lock-with-timeout over sync.RWMutex (which has
// no native timed lock) by racing the acquisition against ctx.
func (s *AppState) tryLock(ctx context.Context, write bool) bool {
	done := make(chan struct{})

	go func() {
		if write {
			s.mu.Lock()
		} else {
			s.mu.RLock()
		}
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		// Release the lock once the abandoned acquisition completes, so a
		// timeout skips only this operation.
		go func() {
			<-done
			if write {
				s.mu.Unlock()
			} else {
				s.mu.RUnlock()
			}
		}()

		return false
	}
}

// Replace atomically installs snap as the current snapshot for its host and
// appends its scalar metrics to the sparkline history. Storage entries are
// assumed already deduplicated by the caller (Aggregator's job).
func (s *AppState) Replace(snap *types.HostSnapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()

	if !s.tryLock(ctx, true) {
		s.logger.Warn("write lock timed out, skipping state update for this cycle", "host", snap.HostID)

		return
	}
	defer s.mu.Unlock()

	s.snapshots[snap.HostID] = snap
	s.appendHistory(snap)
}

func (s *AppState) appendHistory(snap *types.HostSnapshot) {
	hostHist, ok := s.history[snap.HostID]
	if !ok {
		hostHist = make(map[string]*ring.Ring)
		s.history[snap.HostID] = hostHist
	}

	if snap.Memory != nil {
		s.pushSample(hostHist, "memory_utilization", snap.Memory.UtilizationPct)
	}

	for _, cpu := range snap.CPUs {
		s.pushSample(hostHist, "cpu_utilization", cpu.UtilizationPct)
	}

	for _, gpu := range snap.Devices {
		s.pushSample(hostHist, "gpu_utilization."+gpu.UUID, gpu.UtilizationPct)
	}
}

func (s *AppState) pushSample(hostHist map[string]*ring.Ring, key string, value float64) {
	r, ok := hostHist[key]
	if !ok {
		r = ring.New(SparklineCapacity)
		hostHist[key] = r
	}

	r.Value = value
	hostHist[key] = r.Next()
}

// Snapshot returns the current snapshot for a host, implementing
// types.AppStateView.
func (s *AppState) Snapshot(hostID string) (*types.HostSnapshot, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()

	if !s.tryLock(ctx, false) {
		s.logger.Warn("read lock timed out", "host", hostID)

		return nil, false
	}
	defer s.mu.RUnlock()

	snap, ok := s.snapshots[hostID]

	return snap, ok
}

// Hosts returns every host ID currently tracked, implementing
// types.AppStateView.
func (s *AppState) Hosts() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hosts := make([]string, 0, len(s.snapshots))
	for h := range s.snapshots {
		hosts = append(hosts, h)
	}

	return hosts
}

// History returns up to n most recent sparkline samples for key on host, in
// chronological order.
func (s *AppState) History(hostID, key string, n int) []float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hostHist, ok := s.history[hostID]
	if !ok {
		return nil
	}

	r, ok := hostHist[key]
	if !ok {
		return nil
	}

	if n <= 0 || n > SparklineCapacity {
		n = SparklineCapacity
	}

	out := make([]float64, 0, n)
	cur := r
	for i := 0; i < n; i++ {
		cur = cur.Prev()
		if cur.Value != nil {
			if v, ok := cur.Value.(float64); ok {
				out = append([]float64{v}, out...)
			}
		}
	}

	return out
}

// MarkStale flips a host's FetchStatus to ErrWithReason while keeping its
// last good snapshot in place, per §7's RemoteFetch handling.
func (s *AppState) MarkStale(hostID, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, ok := s.snapshots[hostID]
	if !ok {
		return
	}

	snap.FetchStatus = types.FetchErrWithReason
	snap.StatusReason = reason
}

// Len reports how many hosts are tracked.
func (s *AppState) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.snapshots)
}
