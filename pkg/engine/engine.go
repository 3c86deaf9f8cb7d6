// Package engine is the single-writer scheduler: it owns every target
// transition, issuing backend I/O through a bounded worker pool and
// persisting the result with compare-and-set. See classify.go for phase 2
// (what to do next) and apply.go for phase 3 (doing it); this file holds
// the tick loop itself, and recovery.go the startup recovery scan.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/cuemby/ketrew/pkg/backend"
	"github.com/cuemby/ketrew/pkg/events"
	"github.com/cuemby/ketrew/pkg/host"
	"github.com/cuemby/ketrew/pkg/metrics"
	"github.com/cuemby/ketrew/pkg/storage"
	"github.com/cuemby/ketrew/pkg/types"
)

// DefaultMaxConcurrency is the global cap on in-flight backend operations
// across every host.
const DefaultMaxConcurrency = 64

// DefaultIdleDelay is how long RunLoop waits before re-ticking after a tick
// that advanced nothing.
const DefaultIdleDelay = 2 * time.Second

// Config wires an Engine to its collaborators. Hosts are expected to
// already be registered wrapped in host.Pool where per-host session
// bounding is wanted — the engine itself only bounds total concurrency.
type Config struct {
	Store          storage.Store
	Backends       *backend.Registry
	Hosts          *host.Registry
	Broker         *events.Broker
	MaxConcurrency int
	IdleDelay      time.Duration
}

// Engine is the tick loop: single writer, three phases per tick
// (discovery, classification, application), bounded-parallelism backend
// I/O.
type Engine struct {
	store     storage.Store
	backends  *backend.Registry
	hosts     *host.Registry
	broker    *events.Broker
	workers   *semaphore.Weighted
	idleDelay time.Duration

	mu     sync.Mutex
	paused bool

	stopCh chan struct{}
}

// New constructs an Engine. Zero-valued Config fields fall back to their
// documented defaults.
func New(cfg Config) *Engine {
	maxConcurrency := cfg.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = DefaultMaxConcurrency
	}
	idleDelay := cfg.IdleDelay
	if idleDelay <= 0 {
		idleDelay = DefaultIdleDelay
	}
	return &Engine{
		store:     cfg.Store,
		backends:  cfg.Backends,
		hosts:     cfg.Hosts,
		broker:    cfg.Broker,
		workers:   semaphore.NewWeighted(int64(maxConcurrency)),
		idleDelay: idleDelay,
		stopCh:    make(chan struct{}),
	}
}

// Activate promotes a Passive target to Active. Unlike kill/restart/pause/
// resume, activation is not a queued command pipe entry — pkg/api calls
// this directly, and the write lands immediately via compare-and-set
// rather than waiting for the next tick to drain a command queue.
func (e *Engine) Activate(id string) error {
	target, err := e.store.GetTarget(id)
	if err != nil {
		return fmt.Errorf("engine: activate %s: %w", id, err)
	}
	if target.CurrentState() != types.Passive {
		return fmt.Errorf("engine: activate %s: target is %s, not passive", id, target.CurrentState())
	}
	before := len(target.History)
	target.AppendState(types.Active, "activate_request")
	if err := e.store.CompareAndSwapTarget(target, before); err != nil {
		return fmt.Errorf("engine: activate %s: %w", id, err)
	}
	e.broker.Publish(&events.Event{
		Type:      events.EventTargetActivated,
		TargetID:  id,
		Timestamp: time.Now(),
		Message:   "activate_request",
	})
	return nil
}

// Stop signals RunLoop to exit at the next opportunity.
func (e *Engine) Stop() { close(e.stopCh) }

// RunLoop repeats Step with an idle delay whenever a tick advances
// nothing, returning immediately to the next tick after any tick that
// does. A Store I/O failure is fatal and stops the loop,
// surfacing the error to the caller so cmd/ketrew can decide whether to
// restart the process.
func (e *Engine) RunLoop(ctx context.Context) error {
	for {
		select {
		case <-e.stopCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		happened, err := e.Step(ctx)
		if err != nil {
			return err
		}

		if len(happened) > 0 {
			continue
		}

		select {
		case <-time.After(e.idleDelay):
		case <-e.stopCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Step runs exactly one tick and returns the what_happened events it
// produced; tests and the CLI drive the engine through it directly.
func (e *Engine) Step(ctx context.Context) ([]*events.Event, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.TickDuration)
	defer metrics.EngineTicksTotal.Inc()

	// Phase 1: discovery. No separate active_ids/passive_ids index is
	// maintained — indices would be advisory anyway, so every tick does a
	// full scan instead, which is simpler than the index-maintenance
	// bookkeeping it would replace and costs one bucket walk.
	targets, err := e.store.ListAllTargets()
	if err != nil {
		return nil, fmt.Errorf("engine: discovery: %w", err)
	}
	commands, err := e.store.DrainCommands()
	if err != nil {
		return nil, fmt.Errorf("engine: drain commands: %w", err)
	}

	kill := make(map[string]bool)
	restart := make(map[string]bool)
	for _, c := range commands {
		switch c.Kind {
		case types.CommandKill:
			kill[c.TargetID] = true
		case types.CommandRestart:
			restart[c.TargetID] = true
		case types.CommandPause:
			e.setPaused(true)
		case types.CommandResume:
			e.setPaused(false)
		case types.CommandStep:
			// Presence alone is the effect: it is what woke a
			// service-mode loop sleeping through its idle delay.
		}
	}

	byID := make(map[string]*types.Target, len(targets))
	for _, t := range targets {
		byID[t.ID] = t
	}

	// Phase 2: classification.
	classifyTimer := metrics.NewTimer()
	paused := e.isPaused()
	actions := make([]Action, 0, len(targets))
	for _, t := range targets {
		action := classify(t, byID, kill[t.ID], restart[t.ID])
		if paused {
			switch action.Kind {
			case ActionStart, ActionUpdate, ActionVerifyCondition:
				continue
			}
		}
		if action.Kind != ActionNone {
			actions = append(actions, action)
		}
	}
	classifyTimer.ObserveDuration(metrics.ClassificationDuration)

	// Phase 3: application.
	happened := e.apply(ctx, actions)
	for _, ev := range happened {
		e.broker.Publish(ev)
	}

	return happened, nil
}

func (e *Engine) setPaused(p bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused = p
}

func (e *Engine) isPaused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// resolve looks up the host and backend a target's build process names.
// An empty host_name means the engine's own machine.
func (e *Engine) resolve(target *types.Target) (host.Host, backend.Backend, error) {
	hostName := target.Build.HostName
	if hostName == "" {
		hostName = "localhost"
	}
	h, err := e.hosts.Lookup(hostName)
	if err != nil {
		return nil, nil, err
	}
	b, err := e.backends.Lookup(target.Build.Backend)
	if err != nil {
		return nil, nil, err
	}
	return h, b, nil
}
