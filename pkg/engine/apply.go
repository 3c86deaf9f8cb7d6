package engine

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/ketrew/pkg/backend"
	"github.com/cuemby/ketrew/pkg/condition"
	"github.com/cuemby/ketrew/pkg/events"
	"github.com/cuemby/ketrew/pkg/log"
	"github.com/cuemby/ketrew/pkg/metrics"
	"github.com/cuemby/ketrew/pkg/types"
)

const (
	startTimeout  = 300 * time.Second
	updateTimeout = 60 * time.Second

	backoffBase   = 1 * time.Second
	backoffFactor = 2
	backoffCap    = 5 * time.Minute
	backoffJitter = 0.2
)

// apply carries out every non-none action concurrently, bounded by
// e.workers, and returns the events produced by the ones that committed.
// A target whose compare-and-set loses a race — an out-of-band command
// mutated it between classify and here — is simply dropped for this tick;
// the next tick reclassifies it against the fresher state instead of
// retrying blindly within the same one.
func (e *Engine) apply(ctx context.Context, actions []Action) []*events.Event {
	var (
		mu       sync.Mutex
		happened []*events.Event
		wg       sync.WaitGroup
	)

	for _, action := range actions {
		action := action
		if err := e.workers.Acquire(ctx, 1); err != nil {
			log.WithComponent("engine").Warn().Msg("worker pool acquire interrupted, remaining actions deferred to next tick")
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer e.workers.Release(1)
			if ev := e.applyOne(ctx, action); ev != nil {
				mu.Lock()
				happened = append(happened, ev)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return happened
}

func (e *Engine) applyOne(ctx context.Context, action Action) *events.Event {
	switch action.Kind {
	case ActionMarkDead:
		return e.commitState(action.Target, types.DeadBecauseOfDependencies, action.Reason, events.EventTargetDead)
	case ActionMarkFailed:
		return e.commitState(action.Target, types.FailedFromCondition, action.Reason, events.EventTargetFailed)
	case ActionKill:
		return e.applyKill(ctx, action.Target)
	case ActionRestart:
		return e.applyRestart(action.Target)
	case ActionStart:
		return e.applyStart(ctx, action.Target)
	case ActionUpdate:
		return e.applyUpdate(ctx, action.Target)
	case ActionVerifyCondition:
		return e.applyVerify(ctx, action.Target)
	case ActionBecomePointer:
		return e.applyBecomePointer(action.Target, action.Reason)
	case ActionAdoptPointer:
		return e.applyAdoptPointer(action.Target, action.Reason)
	default:
		return nil
	}
}

// commitState appends a single history entry and persists it, the shape
// every single-step transition (kill, make_fail_if, dependency-dead)
// shares.
func (e *Engine) commitState(target *types.Target, state types.StateKind, reason string, evType events.EventType) *events.Event {
	before := len(target.History)
	target.AppendState(state, reason)
	return e.commitAppend(target, before, evType, reason)
}

// commitAppend persists target via compare-and-set against the history
// length it had before this tick's mutations (before), and turns a
// successful write into a what_happened event. A lost race logs at debug
// and returns nil — silently dropping the tick's work on this target
// rather than erroring the whole apply phase, since the next tick will
// reclassify from the fresher state anyway.
func (e *Engine) commitAppend(target *types.Target, before int, evType events.EventType, message string) *events.Event {
	if err := e.store.CompareAndSwapTarget(target, before); err != nil {
		metrics.EngineCASConflictsTotal.Inc()
		log.WithTargetID(target.ID).Debug().Err(err).Msg("compare-and-swap lost a race, deferring to next tick")
		return nil
	}
	return &events.Event{
		ID:        uuid.NewString(),
		Type:      evType,
		TargetID:  target.ID,
		Timestamp: time.Now(),
		Message:   message,
	}
}

func (e *Engine) applyKill(ctx context.Context, target *types.Target) *events.Event {
	wasPassive := target.CurrentState() == types.Passive

	if target.Build.Kind == types.LongRunning && len(target.Build.RunParameters) > 0 {
		if h, b, err := e.resolve(target); err == nil {
			killCtx, cancel := context.WithTimeout(ctx, updateTimeout)
			if err := b.Kill(killCtx, target.Build.RunParameters, h); err != nil {
				log.WithTargetID(target.ID).Warn().Err(err).Msg("backend kill failed; target is marked killed regardless")
			}
			cancel()
		}
	}

	newState := types.Killed
	if wasPassive {
		newState = types.KilledFromPassive
	}
	metrics.TargetsKilledTotal.Inc()
	return e.commitState(target, newState, "kill_request", events.EventTargetKilled)
}

func (e *Engine) applyRestart(target *types.Target) *events.Event {
	target.Build.RunParameters = nil
	target.Build.RetryCount = 0
	target.Build.NextAttemptAt = time.Time{}
	return e.commitState(target, types.Active, "restart_request", events.EventTargetActivated)
}

// applyStart handles both the first Active→Tried_to_start attempt (which,
// for a target that has a condition, first checks whether it already
// holds; a target without one always runs) and every subsequent Tried_to_start
// retry. Both share one compare-and-set write at the end: before is
// captured once, up front, so a first-attempt tick that appends both
// Tried_to_start and a terminal/Started_running entry still commits
// atomically.
func (e *Engine) applyStart(ctx context.Context, target *types.Target) *events.Event {
	before := len(target.History)

	if target.CurrentState() == types.Active {
		if !target.Condition.Empty() {
			holds, err := condition.Evaluate(ctx, target.Condition, e.hosts)
			if err != nil {
				log.WithTargetID(target.ID).Warn().Err(err).Msg("condition pre-check failed, proceeding to start")
			} else if holds {
				target.AppendState(types.RanSuccessfully, "condition already held")
				return e.commitSuccess(target, before)
			}
		}
		target.AppendState(types.TriedToStart, "")
	}

	if target.Build.Kind == types.NoOperation {
		target.AppendState(types.RanSuccessfully, "no-op build")
		return e.commitSuccess(target, before)
	}

	if due := target.Build.NextAttemptAt; !due.IsZero() && time.Now().Before(due) {
		// Nothing to write and nothing happened: returning an event here
		// would make RunLoop skip its idle delay and spin for the whole
		// backoff window.
		return nil
	}

	h, b, err := e.resolve(target)
	if err != nil {
		target.AppendState(types.FailedFromStarting, err.Error())
		return e.commitAppend(target, before, events.EventTargetFailed, err.Error())
	}

	startCtx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()

	timer := metrics.NewTimer()
	rp, outcome, startErr := b.Start(startCtx, target.Build.RunParameters, h)
	timer.ObserveDurationVec(metrics.BackendStartDuration, b.Name())
	if startCtx.Err() == context.DeadlineExceeded {
		outcome = backend.OutcomeRecoverable
	}

	switch outcome {
	case backend.OutcomeOK:
		target.Build.RunParameters = rp
		target.Build.RetryCount = 0
		target.Build.NextAttemptAt = time.Time{}
		target.AppendState(types.StartedRunning, "")
		return e.commitAppend(target, before, events.EventTargetStarted, "backend start succeeded")

	case backend.OutcomeRecoverable:
		metrics.BackendErrorsTotal.WithLabelValues(b.Name(), "recoverable").Inc()
		target.Build.RetryCount++
		target.Build.NextAttemptAt = time.Now().Add(backoffDuration(target.Build.RetryCount))
		return e.commitAppend(target, before, events.EventTargetActivated, "start failed, retrying with backoff")

	default:
		metrics.BackendErrorsTotal.WithLabelValues(b.Name(), "fatal").Inc()
		reason := "backend start failed"
		if startErr != nil {
			reason = startErr.Error()
		}
		target.AppendState(types.FailedFromStarting, reason)
		return e.commitAppend(target, before, events.EventTargetFailed, reason)
	}
}

func (e *Engine) applyUpdate(ctx context.Context, target *types.Target) *events.Event {
	before := len(target.History)

	h, b, err := e.resolve(target)
	if err != nil {
		target.AppendState(types.FailedFromRunning, err.Error())
		return e.commitAppend(target, before, events.EventTargetFailed, err.Error())
	}

	updateCtx, cancel := context.WithTimeout(ctx, updateTimeout)
	defer cancel()

	timer := metrics.NewTimer()
	result, updateErr := b.Update(updateCtx, target.Build.RunParameters, h)
	timer.ObserveDurationVec(metrics.BackendUpdateDuration, b.Name())

	if updateErr != nil {
		if updateCtx.Err() == context.DeadlineExceeded {
			metrics.BackendErrorsTotal.WithLabelValues(b.Name(), "recoverable").Inc()
			return nil // leave state as-is; recheck next tick
		}
		metrics.BackendErrorsTotal.WithLabelValues(b.Name(), "fatal").Inc()
		target.AppendState(types.FailedFromRunning, updateErr.Error())
		return e.commitAppend(target, before, events.EventTargetFailed, updateErr.Error())
	}

	switch result.State {
	case backend.StillRunning:
		if target.CurrentState() == types.StartedRunning {
			target.AppendState(types.StillBuilding, "")
			return e.commitAppend(target, before, events.EventTargetRunning, "backend reports still running")
		}
		return nil // already Still_building; nothing new to record

	case backend.Succeeded:
		target.AppendState(types.StillVerifyingSuccess, "")
		return e.commitAppend(target, before, events.EventTargetRunning, "backend reports completion, verifying condition")

	default: // backend.Failed
		target.AppendState(types.FailedFromRunning, result.Reason)
		return e.commitAppend(target, before, events.EventTargetFailed, result.Reason)
	}
}

func (e *Engine) applyVerify(ctx context.Context, target *types.Target) *events.Event {
	before := len(target.History)

	holds, err := condition.Evaluate(ctx, target.Condition, e.hosts)
	if err != nil {
		target.AppendState(types.FailedFromCondition, err.Error())
		return e.commitAppend(target, before, events.EventTargetFailed, err.Error())
	}
	if holds {
		target.AppendState(types.RanSuccessfully, "")
		return e.commitSuccess(target, before)
	}
	target.AppendState(types.FailedFromCondition, "condition failed after run")
	return e.commitAppend(target, before, events.EventTargetFailed, "condition failed after run")
}

// applyBecomePointer redirects target to share otherID's outcome
// for equivalence dedup. This does not append a history entry — Pointer is a
// metadata redirect, not a lifecycle state — so the compare-and-set is
// keyed on the unchanged history length.
func (e *Engine) applyBecomePointer(target *types.Target, otherID string) *events.Event {
	before := len(target.History)
	target.PointerTo = otherID
	if err := e.store.CompareAndSwapTarget(target, before); err != nil {
		metrics.EngineCASConflictsTotal.Inc()
		log.WithTargetID(target.ID).Debug().Err(err).Msg("compare-and-swap lost a race, deferring to next tick")
		return nil
	}
	return &events.Event{
		ID:        uuid.NewString(),
		Type:      events.EventTargetActivated,
		TargetID:  target.ID,
		Timestamp: time.Now(),
		Message:   fmt.Sprintf("pointer to %s", otherID),
	}
}

// applyAdoptPointer mirrors the pointed-to target's terminal state onto
// target once that target has finished, completing the Same_active_condition
// dedup. Firing success_triggers on adoption of a successful
// outcome goes through the same commitSuccess path a directly-run target
// would use, so children see the same atomic parent+children write.
func (e *Engine) applyAdoptPointer(target *types.Target, pointedID string) *events.Event {
	before := len(target.History)
	pointed, err := e.store.GetTarget(pointedID)
	if err != nil {
		log.WithTargetID(target.ID).Warn().Err(err).Str("pointer_to", pointedID).Msg("pointed-to target vanished")
		return nil
	}
	final := pointed.CurrentState()
	reason := fmt.Sprintf("pointer adopted outcome of %s", pointedID)
	target.AppendState(final, reason)
	if final == types.RanSuccessfully {
		return e.commitSuccess(target, before)
	}
	evType := events.EventTargetFailed
	if final == types.Killed || final == types.KilledFromPassive {
		evType = events.EventTargetKilled
	} else if final == types.DeadBecauseOfDependencies {
		evType = events.EventTargetDead
	}
	return e.commitAppend(target, before, evType, reason)
}

// commitSuccess persists a target's freshly-appended Ran_successfully
// entry and, in the same atomic write, activates every Passive target
// named in its success_triggers. The single write is what guarantees a
// parent's Succeeded entry is observed before any child's Active
// transition — a partial write could activate a child without recording
// the success that triggered it, or vice versa.
func (e *Engine) commitSuccess(target *types.Target, before int) *events.Event {
	batch := []*types.Target{target}
	lens := []int{before}
	var triggered []*types.Target

	for _, childID := range target.SuccessTriggers {
		child, err := e.store.GetTarget(childID)
		if err != nil {
			log.WithTargetID(target.ID).Warn().Err(err).Str("success_trigger", childID).Msg("success trigger target not found")
			continue
		}
		if child.CurrentState() != types.Passive {
			continue
		}
		lens = append(lens, len(child.History))
		child.AppendState(types.Active, fmt.Sprintf("success_trigger:%s", target.ID))
		batch = append(batch, child)
		triggered = append(triggered, child)
	}

	if err := e.store.CompareAndSwapTargets(batch, lens); err != nil {
		metrics.EngineCASConflictsTotal.Inc()
		log.WithTargetID(target.ID).Debug().Err(err).Msg("compare-and-swap lost a race, deferring to next tick")
		return nil
	}

	for _, child := range triggered {
		e.broker.Publish(&events.Event{
			ID:        uuid.NewString(),
			Type:      events.EventTargetActivated,
			TargetID:  child.ID,
			Timestamp: time.Now(),
			Message:   fmt.Sprintf("success_trigger:%s", target.ID),
		})
	}

	return &events.Event{
		ID:        uuid.NewString(),
		Type:      events.EventTargetSucceeded,
		TargetID:  target.ID,
		Timestamp: time.Now(),
		Message:   "ran successfully",
	}
}

// backoffDuration is the recoverable-start retry schedule: base 1s,
// factor 2, capped at 5 minutes, plus ±20% jitter so a burst of targets
// failing at once does not retry in lockstep.
func backoffDuration(retryCount int) time.Duration {
	d := backoffBase
	for i := 1; i < retryCount; i++ {
		d *= backoffFactor
		if d >= backoffCap {
			d = backoffCap
			break
		}
	}
	if d > backoffCap {
		d = backoffCap
	}
	jitter := 1 + (rand.Float64()*2-1)*backoffJitter
	return time.Duration(float64(d) * jitter)
}
