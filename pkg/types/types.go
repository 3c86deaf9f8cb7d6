package types

import "time"

// StateKind enumerates the detailed states a Target can occupy. The
// transition rules between them live in pkg/engine, not here: this package
// only defines the vocabulary.
type StateKind string

const (
	Passive                   StateKind = "passive"
	Active                    StateKind = "active"
	TriedToStart              StateKind = "tried_to_start"
	StartedRunning            StateKind = "started_running"
	StillBuilding             StateKind = "still_building"
	StillVerifyingSuccess     StateKind = "still_verifying_success"
	RanSuccessfully           StateKind = "ran_successfully"
	FailedFromStarting        StateKind = "failed_from_starting"
	FailedFromRunning         StateKind = "failed_from_running"
	FailedFromCondition       StateKind = "failed_from_condition"
	KilledFromPassive         StateKind = "killed_from_passive"
	Killed                    StateKind = "killed"
	DeadBecauseOfDependencies StateKind = "dead_because_of_dependencies"
)

// Terminal reports whether a state has no outgoing transitions.
func (k StateKind) Terminal() bool {
	switch k {
	case RanSuccessfully, FailedFromStarting, FailedFromRunning, FailedFromCondition,
		KilledFromPassive, Killed, DeadBecauseOfDependencies:
		return true
	default:
		return false
	}
}

// InProgress reports whether a state sits between activation and a terminal
// outcome.
func (k StateKind) InProgress() bool {
	switch k {
	case Active, TriedToStart, StartedRunning, StillBuilding, StillVerifyingSuccess:
		return true
	default:
		return false
	}
}

// Failed reports whether a terminal state represents something other than
// success.
func (k StateKind) Failed() bool {
	switch k {
	case FailedFromStarting, FailedFromRunning, FailedFromCondition,
		KilledFromPassive, Killed, DeadBecauseOfDependencies:
		return true
	default:
		return false
	}
}

// HistoryEntry records one state transition along with the time it happened
// and, for failure states, a short human-readable reason.
type HistoryEntry struct {
	State     StateKind `json:"state"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
}

// History is the append-only transition log a Target carries. Every field
// derivable from lifecycle (Killable, ActivatedByUser, CurrentState) is
// computed from it rather than stored redundantly.
type History []HistoryEntry

// Current returns the most recent state, or Passive for an empty history.
func (h History) Current() StateKind {
	if len(h) == 0 {
		return Passive
	}
	return h[len(h)-1].State
}

// Killable reports whether the target is in a non-terminal state and can
// still accept a kill_request.
func (h History) Killable() bool {
	return !h.Current().Terminal()
}

// ActivatedByUser reports whether the transition into Active was the result
// of an explicit user activation (as opposed to a dependent target's
// success triggering it automatically). Recorded via the Reason field of
// the Active HistoryEntry: user activations carry reason "activate_request".
func (h History) ActivatedByUser() bool {
	for _, e := range h {
		if e.State == Active && e.Reason == "activate_request" {
			return true
		}
	}
	return false
}

// BuildKind distinguishes targets that merely express dependency structure
// from targets that run an actual backend job.
type BuildKind string

const (
	NoOperation BuildKind = "no_operation"
	LongRunning BuildKind = "long_running"
)

// BuildProcess describes what running a target actually does. RunParameters
// is opaque to everything except the named Backend: the engine persists and
// passes it back verbatim on every poll. RetryCount and NextAttemptAt are
// engine-owned bookkeeping for the recoverable-start backoff schedule
// (pkg/engine/apply.go) — unlike RunParameters, the engine reads and
// writes these directly rather than treating them as backend-opaque.
type BuildProcess struct {
	Kind          BuildKind `json:"kind"`
	Backend       string    `json:"backend,omitempty"`
	HostName      string    `json:"host_name,omitempty"`
	RunParameters []byte    `json:"run_parameters,omitempty"`
	Query         []string  `json:"query,omitempty"` // names of additional queries the backend supports
	RetryCount    int       `json:"retry_count,omitempty"`
	NextAttemptAt time.Time `json:"next_attempt_at,omitempty"`
}

// Equivalence controls how the engine treats a Passive target that shares
// an active condition with another target already running or completed.
type Equivalence string

const (
	EquivalenceNone                Equivalence = "none"
	EquivalenceSameActiveCondition Equivalence = "same_active_condition"
)

// Target is the unit of work: a node in the dependency DAG the engine
// schedules. Fields set at submission do not change afterwards, except
// History, which the engine appends to as the target advances, and the
// engine-owned PointerTo and Build.RunParameters/RetryCount/NextAttemptAt.
type Target struct {
	ID              string       `json:"id"`
	Name            string       `json:"name"`
	Metadata        string       `json:"metadata,omitempty"`
	DependsOn       []string     `json:"depends_on,omitempty"`
	SuccessTriggers []string     `json:"success_triggers,omitempty"` // target ids to activate once this one reaches Ran_successfully
	Build           BuildProcess `json:"build"`
	Condition       Condition    `json:"condition,omitempty"`
	MakeFailIf      []string     `json:"make_fail_if,omitempty"` // target ids whose failure makes this target fail
	Equivalence     Equivalence  `json:"equivalence,omitempty"`
	PointerTo       string       `json:"pointer_to,omitempty"` // set once this target is redirected to share another's outcome (Same_active_condition dedup)
	Tags            []string     `json:"tags,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	History         History      `json:"history"`
}

// CurrentState is a convenience accessor over Target.History.
func (t *Target) CurrentState() StateKind { return t.History.Current() }

// Killable is a convenience accessor over Target.History.
func (t *Target) Killable() bool { return t.History.Killable() }

// ActivatedByUser is a convenience accessor over Target.History.
func (t *Target) ActivatedByUser() bool { return t.History.ActivatedByUser() }

// AppendState records a transition, stamping the current time.
func (t *Target) AppendState(state StateKind, reason string) {
	t.History = append(t.History, HistoryEntry{State: state, Timestamp: time.Now(), Reason: reason})
}

// ConditionKind names the shape of a Condition node. The evaluator in
// pkg/condition switches on this exhaustively.
type ConditionKind string

const (
	ConditionTrue           ConditionKind = "true"
	ConditionFalse          ConditionKind = "false"
	ConditionAnd            ConditionKind = "and"
	ConditionOr             ConditionKind = "or"
	ConditionNot            ConditionKind = "not"
	ConditionVolumeExists   ConditionKind = "volume_exists"
	ConditionCommandReturns ConditionKind = "command_returns"
)

// Condition is a boolean predicate attached to a Target as its
// satisfiability gate. The zero value, with
// an empty Kind, is treated as ConditionTrue everywhere it is evaluated.
type Condition struct {
	Kind ConditionKind `json:"kind,omitempty"`

	// And / Or / Not operands.
	Operands []Condition `json:"operands,omitempty"`

	// Volume_exists fields.
	HostName string `json:"host_name,omitempty"`
	Path     string `json:"path,omitempty"`

	// Command_returns fields.
	Command      string `json:"command,omitempty"`
	ExpectedCode int    `json:"expected_code,omitempty"`
}

// Empty reports whether the condition carries no Kind, which evaluates as
// ConditionTrue.
func (c Condition) Empty() bool { return c.Kind == "" }

