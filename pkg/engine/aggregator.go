package engine

import (
	"log/slog"

	"github.com/all-smi/all-smi-go/pkg/state"
	"github.com/all-smi/all-smi-go/pkg/types"
)

// Aggregator merges a CollectionStrategy's per-cycle CollectionData into
// the shared AppState: per-host replace, sparkline append, commutative
// across hosts (§4.7, §5).
type Aggregator struct {
	logger *slog.Logger
	state  *state.AppState
}

// NewAggregator builds an Aggregator writing into st.
func NewAggregator(logger *slog.Logger, st *state.AppState) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}

	return &Aggregator{logger: logger, state: st}
}

// Apply merges data into the AppState. Host order within data is
// irrelevant: each host's Replace call only touches that host's entry, so
// applying hosts in any order yields the same final state (commutative
// merge, §5).
func (a *Aggregator) Apply(data *types.CollectionData) {
	for hostID, snap := range data.Snapshots {
		if snap == nil {
			continue
		}

		if snap.FetchStatus == types.FetchErrWithReason {
			a.state.MarkStale(hostID, snap.StatusReason)

			if _, ok := a.state.Snapshot(hostID); ok {
				continue
			}
		}

		snap.Storages = DedupStorage(snap.Storages)
		a.state.Replace(snap)
	}
}
