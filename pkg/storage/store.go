package storage

import (
	"errors"

	"github.com/cuemby/ketrew/pkg/types"
)

// Sentinel errors every Store implementation returns.
var (
	// ErrNotFound means no record exists under the requested id.
	ErrNotFound = errors.New("storage: not found")

	// ErrConflict means CompareAndSwapTarget's expected history length did
	// not match what is currently stored — something else (a concurrent
	// tick, an API activation through Engine.Activate) updated the target
	// first.
	ErrConflict = errors.New("storage: compare-and-swap conflict")
)

// Store is the persistence boundary the engine, API, and command pipe all
// go through. Targets and commands are the only two record kinds: there is
// no generic KV surface exposed beyond them.
type Store interface {
	// CreateTarget inserts a brand new target. It fails if id is already
	// in use.
	CreateTarget(t *types.Target) error

	// GetTarget reads a single target by id.
	GetTarget(id string) (*types.Target, error)

	// ListAllTargets reads every stored target. Used by the engine's
	// discovery phase and by the periodic metrics collector.
	ListAllTargets() ([]*types.Target, error)

	// CompareAndSwapTarget writes t only if the currently stored target's
	// history is exactly expectedHistoryLen entries long, returning
	// ErrConflict otherwise. This is how the engine tick and out-of-band
	// writers such as Engine.Activate avoid clobbering each other's
	// concurrent updates to the same target.
	CompareAndSwapTarget(t *types.Target, expectedHistoryLen int) error

	// CompareAndSwapTargets is the multi-key form: every target's
	// expected history length (by parallel index) is checked before any
	// write lands, and either all targets are written or none are. This
	// is how a Succeeded write fires success_triggers on its children
	// atomically.
	CompareAndSwapTargets(targets []*types.Target, expectedHistoryLens []int) error

	// AppendCommand durably queues a command for the engine to drain.
	AppendCommand(c *types.Command) error

	// DrainCommands atomically reads and removes every queued command.
	DrainCommands() ([]*types.Command, error)

	// Close releases the underlying database handle.
	Close() error
}
