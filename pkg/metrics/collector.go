package metrics

import (
	"time"

	"github.com/cuemby/ketrew/pkg/storage"
	"github.com/cuemby/ketrew/pkg/types"
)

// Collector periodically snapshots target-count-by-state from the store
// into TargetsTotal, since that gauge reflects a point-in-time count rather
// than something the engine can update incrementally without double
// counting across ticks.
type Collector struct {
	store  storage.Store
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(store storage.Store) *Collector {
	return &Collector{
		store:  store,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	targets, err := c.store.ListAllTargets()
	if err != nil {
		return
	}

	counts := make(map[types.StateKind]int)
	for _, t := range targets {
		counts[t.CurrentState()]++
	}

	for _, state := range allStateKinds {
		TargetsTotal.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}

var allStateKinds = []types.StateKind{
	types.Passive, types.Active, types.TriedToStart, types.StartedRunning,
	types.StillBuilding, types.StillVerifyingSuccess, types.RanSuccessfully,
	types.FailedFromStarting, types.FailedFromRunning, types.FailedFromCondition,
	types.KilledFromPassive, types.Killed, types.DeadBecauseOfDependencies,
}
