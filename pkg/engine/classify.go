package engine

import (
	"fmt"
	"reflect"

	"github.com/cuemby/ketrew/pkg/types"
)

// ActionKind names the side effect phase 3 (apply.go) must carry out for a
// target phase 2 (this file) has classified. One switch over StateKind
// below produces exactly one ActionKind per target per tick — no dynamic
// dispatch, matching how pkg/types.StateKind itself is branched exhaustively
// rather than through an interface.
type ActionKind string

const (
	ActionNone            ActionKind = "none"
	ActionMarkDead        ActionKind = "mark_dead"
	ActionMarkFailed      ActionKind = "mark_failed"
	ActionStart           ActionKind = "start"
	ActionUpdate          ActionKind = "update"
	ActionVerifyCondition ActionKind = "verify_condition"
	ActionKill            ActionKind = "kill"
	ActionRestart         ActionKind = "restart"
	ActionBecomePointer   ActionKind = "become_pointer"
	ActionAdoptPointer    ActionKind = "adopt_pointer"
)

// Action is the classification result for one target: what apply.go should
// do, and why (Reason ends up as the HistoryEntry reason when the action
// produces a terminal or near-terminal transition).
type Action struct {
	Kind   ActionKind
	Target *types.Target
	Reason string
}

type dependencyOutcome int

const (
	depsPending dependencyOutcome = iota
	depsSatisfied
	depsDead
)

// classify computes the next action for target. all is every other target
// in the current work set, keyed by ID, used to resolve depends_on and
// make_fail_if references; killRequested/restartRequested reflect pending
// commands drained from the command pipe this tick.
func classify(target *types.Target, all map[string]*types.Target, killRequested, restartRequested bool) Action {
	state := target.CurrentState()

	if killRequested && !state.Terminal() {
		return Action{Kind: ActionKill, Target: target, Reason: "kill_request"}
	}
	if restartRequested && state.Terminal() {
		return Action{Kind: ActionRestart, Target: target, Reason: "restart_request"}
	}
	if state.Terminal() {
		return Action{Kind: ActionNone, Target: target}
	}

	if failedID, ok := makeFailIfTriggered(target, all); ok {
		return Action{Kind: ActionMarkFailed, Target: target, Reason: fmt.Sprintf("make-fail-if triggered by %s", failedID)}
	}

	// A target already redirected to another (Same_active_condition
	// dedup) just waits for the pointed-to target
	// to finish; it never runs its own build_process.
	if target.PointerTo != "" {
		if pointed, ok := all[target.PointerTo]; ok && pointed.CurrentState().Terminal() {
			return Action{Kind: ActionAdoptPointer, Target: target, Reason: target.PointerTo}
		}
		return Action{Kind: ActionNone, Target: target}
	}

	switch state {
	case types.Passive:
		// Activation is an immediate, out-of-band store write (see
		// Engine.Activate) rather than a queued command, so a Passive
		// target here simply has nothing to do this tick.
		return Action{Kind: ActionNone, Target: target}

	case types.Active:
		switch dependencyState(target, all) {
		case depsDead:
			return Action{Kind: ActionMarkDead, Target: target, Reason: "dependency failed or killed"}
		case depsPending:
			return Action{Kind: ActionNone, Target: target}
		default:
			if target.Equivalence == types.EquivalenceSameActiveCondition && !target.Condition.Empty() {
				if other, ok := findEquivalent(target, all); ok {
					return Action{Kind: ActionBecomePointer, Target: target, Reason: other.ID}
				}
			}
			return Action{Kind: ActionStart, Target: target}
		}

	case types.TriedToStart:
		// Start already attempted once; retry is gated on backoff due-time
		// inside apply.go, which owns the run_parameters retry bookkeeping.
		return Action{Kind: ActionStart, Target: target}

	case types.StartedRunning, types.StillBuilding:
		return Action{Kind: ActionUpdate, Target: target}

	case types.StillVerifyingSuccess:
		return Action{Kind: ActionVerifyCondition, Target: target}

	default:
		return Action{Kind: ActionNone, Target: target}
	}
}

// dependencyState reports how target's depends_on set stands: satisfied
// (every dependency Ran_successfully, including the empty-set case), dead
// (at least one dependency Failed, Killed, or itself Dead), or pending
// (none dead yet, but at least one still in progress or missing from the
// current work set).
func dependencyState(target *types.Target, all map[string]*types.Target) dependencyOutcome {
	pending := false
	for _, depID := range target.DependsOn {
		dep, ok := all[depID]
		if !ok {
			pending = true
			continue
		}
		switch s := dep.CurrentState(); {
		case s == types.RanSuccessfully:
			continue
		case s.Failed():
			return depsDead
		default:
			pending = true
		}
	}
	if pending {
		return depsPending
	}
	return depsSatisfied
}

// findEquivalent looks for another target this one could share an
// outcome with: same equivalence kind, a deeply-equal condition, not
// itself already a pointer, and already past Passive (Active, somewhere in
// the running family, or already Ran_successfully).
//
// Candidates are restricted to a lexicographically smaller ID than target's
// own. Two targets that both become eligible in the same tick (both freshly
// Active, neither started yet) would otherwise each see the other as a
// valid equivalent and race to point at each other, forming a two-node
// cycle that never resolves; an ID-ordered tie-break makes exactly one
// direction valid, so the pair always converges to "higher ID points at
// lower ID" instead.
func findEquivalent(target *types.Target, all map[string]*types.Target) (*types.Target, bool) {
	for id, other := range all {
		if id == target.ID || id >= target.ID {
			continue
		}
		if other.Equivalence != types.EquivalenceSameActiveCondition {
			continue
		}
		if other.PointerTo != "" {
			continue
		}
		if !reflect.DeepEqual(other.Condition, target.Condition) {
			continue
		}
		switch other.CurrentState() {
		case types.Active, types.TriedToStart, types.StartedRunning,
			types.StillBuilding, types.StillVerifyingSuccess, types.RanSuccessfully:
			return other, true
		}
	}
	return nil, false
}

// makeFailIfTriggered reports the first make_fail_if-listed target id that
// has failed, if any.
func makeFailIfTriggered(target *types.Target, all map[string]*types.Target) (string, bool) {
	for _, id := range target.MakeFailIf {
		dep, ok := all[id]
		if !ok {
			continue
		}
		if dep.CurrentState().Failed() {
			return id, true
		}
	}
	return "", false
}
