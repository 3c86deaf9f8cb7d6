package filter

import (
	"regexp"
	"time"

	"github.com/cuemby/ketrew/pkg/types"
)

// Evaluate runs f against t as of now, fully client-side — the form used by
// the CLI and API when filtering an already-fetched batch of targets. The
// server-side path instead calls Split and pushes the time_constraint half
// down to the store.
func Evaluate(f Filter, t *types.Target, now time.Time) bool {
	switch n := f.(type) {
	case All:
		return true
	case IsActivable:
		return t.CurrentState() == types.Passive
	case IsInProgress:
		return t.CurrentState().InProgress()
	case IsSuccessful:
		return t.CurrentState() == types.RanSuccessfully
	case IsFailed:
		return t.CurrentState().Failed()
	case IsReallyRunning:
		// "Really running" means a backend job is live, as opposed to the
		// merely-scheduled Active/Tried_to_start stretch of in-progress:
		// that covers both the just-started state and the polling one.
		switch t.CurrentState() {
		case types.StartedRunning, types.StillBuilding:
			return true
		}
		return false
	case IsKillable:
		return t.Killable()
	case IsDependencyDead:
		return t.CurrentState() == types.DeadBecauseOfDependencies
	case IsActivatedByUser:
		return t.ActivatedByUser()
	case KilledFromPassive:
		return t.CurrentState() == types.KilledFromPassive
	case FailedFromRunning:
		return t.CurrentState() == types.FailedFromRunning
	case FailedFromStarting:
		return t.CurrentState() == types.FailedFromStarting
	case FailedFromCondition:
		return t.CurrentState() == types.FailedFromCondition
	case CreatedInThePast:
		return t.CreatedAt.After(now.Add(-n.Span.duration()))
	case And:
		for _, operand := range n.Operands {
			if !Evaluate(operand, t, now) {
				return false
			}
		}
		return true
	case Or:
		for _, operand := range n.Operands {
			if Evaluate(operand, t, now) {
				return true
			}
		}
		return false
	case Not:
		return !Evaluate(n.Operand, t, now)
	case Name:
		return matchPred(n.Pred, t.Name)
	case ID:
		return matchPred(n.Pred, t.ID)
	case Tags:
		for _, tag := range t.Tags {
			for _, p := range n.Preds {
				if matchPred(p, tag) {
					return true
				}
			}
		}
		return false
	default:
		return false
	}
}

// duration converts a Span into a time.Duration. Days and weeks are
// calendar-naive (24h/168h) since the grammar gives no timezone to reason
// about daylight-saving boundaries with.
func (s Span) duration() time.Duration {
	hours := s.Value
	switch s.Unit {
	case "days":
		hours *= 24
	case "weeks":
		hours *= 24 * 7
	}
	return time.Duration(hours * float64(time.Hour))
}

func matchPred(p Pred, s string) bool {
	switch pr := p.(type) {
	case Equals:
		return pr.Value == s
	case Regexp:
		re, err := regexp.Compile(pr.Pattern)
		if err != nil {
			return false
		}
		return re.MatchString(s)
	default:
		return false
	}
}

