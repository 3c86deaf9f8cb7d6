package filter

import (
	"fmt"
	"strconv"
	"strings"
)

// Print renders f back into the surface syntax, fully parenthesized. It is
// the inverse of CompileString modulo alias expansion: parse(Print(f)) is
// always equal to f, but Print never reproduces an alias a user typed —
// aliases are sugar the compiler resolves away immediately, not part of
// the AST.
func Print(f Filter) string {
	switch n := f.(type) {
	case All:
		return "(all)"
	case IsActivable:
		return "(is-activable)"
	case IsInProgress:
		return "(is-in-progress)"
	case IsSuccessful:
		return "(is-successful)"
	case IsFailed:
		return "(is-failed)"
	case IsReallyRunning:
		return "(is-really-running)"
	case IsKillable:
		return "(is-killable)"
	case IsDependencyDead:
		return "(is-dependency-dead)"
	case IsActivatedByUser:
		return "(is-activated-by-user)"
	case KilledFromPassive:
		return "(killed-from-passive)"
	case FailedFromRunning:
		return "(failed-from-running)"
	case FailedFromStarting:
		return "(failed-from-starting)"
	case FailedFromCondition:
		return "(failed-from-condition)"
	case CreatedInThePast:
		return fmt.Sprintf("(created-in-the-past (%s %s))", n.Span.Unit, formatFloat(n.Span.Value))
	case And:
		return "(and " + printOperands(n.Operands) + ")"
	case Or:
		return "(or " + printOperands(n.Operands) + ")"
	case Not:
		return "(not " + Print(n.Operand) + ")"
	case Name:
		return "(name " + printPred(n.Pred) + ")"
	case ID:
		return "(id " + printPred(n.Pred) + ")"
	case Tags:
		parts := make([]string, len(n.Preds))
		for i, p := range n.Preds {
			parts[i] = printPred(p)
		}
		return "(tags " + strings.Join(parts, " ") + ")"
	default:
		return "(all)"
	}
}

func printOperands(operands []Filter) string {
	parts := make([]string, len(operands))
	for i, op := range operands {
		parts[i] = Print(op)
	}
	return strings.Join(parts, " ")
}

func printPred(p Pred) string {
	switch pr := p.(type) {
	case Equals:
		return fmt.Sprintf("(equals %q)", pr.Value)
	case Regexp:
		return fmt.Sprintf("(re %q)", pr.Pattern)
	default:
		return `(equals "")`
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// printSExpr renders a raw parsed node, for which no typed Filter exists
// yet.
func printSExpr(n *SExpr) string {
	if n.Atom != nil {
		return *n.Atom
	}
	parts := make([]string, len(n.List))
	for i, c := range n.List {
		parts[i] = printSExpr(c)
	}
	return "(" + strings.Join(parts, " ") + ")"
}
