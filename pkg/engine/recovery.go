package engine

import (
	"fmt"

	"github.com/cuemby/ketrew/pkg/log"
	"github.com/cuemby/ketrew/pkg/types"
)

// Recover performs the startup scan: it has nothing to
// rebuild (this engine keeps no separate active_ids/passive_ids/
// finished_ids indices — see engine.go's Step for why a full scan every
// tick makes those unnecessary), but it still logs what is about to be
// picked back up so an operator restarting the process can see the
// in-flight work before the first tick starts acting on it.
func (e *Engine) Recover() error {
	targets, err := e.store.ListAllTargets()
	if err != nil {
		return fmt.Errorf("engine: recovery scan: %w", err)
	}

	counts := make(map[types.StateKind]int)
	for _, t := range targets {
		counts[t.CurrentState()]++
	}

	logger := log.WithComponent("engine")
	event := logger.Info()
	for state, n := range counts {
		event = event.Int(string(state), n)
	}
	event.Int("total", len(targets)).Msg("recovery scan complete")
	return nil
}
