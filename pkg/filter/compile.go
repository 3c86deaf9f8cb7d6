package filter

import (
	"fmt"
	"regexp"
	"strconv"
)

// aliases maps shorthand names to the literal form they expand to, matching
// the grammar's "(<alias>)" production. Operators teams actually use in
// practice tend to be long-winded ("is-activated-by-user"); aliases let a
// CLI invocation stay short without the compiler treating them specially
// anywhere else.
var aliases = map[string]Filter{
	"running":   IsInProgress{},
	"done":      IsSuccessful{},
	"broken":    IsFailed{},
	"killable":  IsKillable{},
	"stuck":     IsDependencyDead{},
}

// CompileString parses and compiles a filter expression in one step.
func CompileString(input string) (Filter, error) {
	root, err := parseSExpr(input)
	if err != nil {
		return nil, fmt.Errorf("filter: parse: %w", err)
	}
	return compileRoot(root)
}

// compileRoot applies the grammar's "outermost parentheses may be omitted"
// rule: a single top-level item compiles directly, while more than one is
// treated as if it had been wrapped in its own list (so `is-failed tags foo`
// without parens around the whole thing is a compile error rather than
// being silently accepted — the grammar doesn't define bare juxtaposition
// as "and").
func compileRoot(root *Root) (Filter, error) {
	switch len(root.Items) {
	case 0:
		return nil, fmt.Errorf("filter: empty expression")
	case 1:
		return compileNode(root.Items[0])
	default:
		return compileNode(&SExpr{List: root.Items})
	}
}

func compileNode(n *SExpr) (Filter, error) {
	if n.Atom != nil {
		return compileAtom(*n.Atom)
	}
	if len(n.List) == 0 {
		return nil, fmt.Errorf("filter: empty list")
	}
	head := n.List[0]
	if head.Atom == nil {
		return nil, fmt.Errorf("filter: expected an operator name, got a nested list")
	}
	return compileHead(*head.Atom, n.List[1:])
}

// compileAtom handles a bare identifier with no operands, which is only
// valid as an alias or one of the zero-arity leaf operator names.
func compileAtom(name string) (Filter, error) {
	return compileHead(name, nil)
}

func compileHead(op string, args []*SExpr) (Filter, error) {
	if f, ok := aliases[op]; ok {
		if len(args) != 0 {
			return nil, fmt.Errorf("filter: alias %q takes no arguments", op)
		}
		return f, nil
	}

	switch op {
	case "all":
		return requireArity(op, args, 0, func([]*SExpr) (Filter, error) { return All{}, nil })
	case "is-activable":
		return requireArity(op, args, 0, func([]*SExpr) (Filter, error) { return IsActivable{}, nil })
	case "is-in-progress":
		return requireArity(op, args, 0, func([]*SExpr) (Filter, error) { return IsInProgress{}, nil })
	case "is-successful":
		return requireArity(op, args, 0, func([]*SExpr) (Filter, error) { return IsSuccessful{}, nil })
	case "is-failed":
		return requireArity(op, args, 0, func([]*SExpr) (Filter, error) { return IsFailed{}, nil })
	case "is-really-running":
		return requireArity(op, args, 0, func([]*SExpr) (Filter, error) { return IsReallyRunning{}, nil })
	case "is-killable":
		return requireArity(op, args, 0, func([]*SExpr) (Filter, error) { return IsKillable{}, nil })
	case "is-dependency-dead":
		return requireArity(op, args, 0, func([]*SExpr) (Filter, error) { return IsDependencyDead{}, nil })
	case "is-activated-by-user":
		return requireArity(op, args, 0, func([]*SExpr) (Filter, error) { return IsActivatedByUser{}, nil })
	case "killed-from-passive":
		return requireArity(op, args, 0, func([]*SExpr) (Filter, error) { return KilledFromPassive{}, nil })
	case "failed-from-running":
		return requireArity(op, args, 0, func([]*SExpr) (Filter, error) { return FailedFromRunning{}, nil })
	case "failed-from-starting":
		return requireArity(op, args, 0, func([]*SExpr) (Filter, error) { return FailedFromStarting{}, nil })
	case "failed-from-condition":
		return requireArity(op, args, 0, func([]*SExpr) (Filter, error) { return FailedFromCondition{}, nil })

	case "created-in-the-past":
		return compileCreatedInThePast(args)

	case "and":
		return compileCombinator(op, args, func(ops []Filter) Filter { return And{Operands: ops} })
	case "or":
		return compileCombinator(op, args, func(ops []Filter) Filter { return Or{Operands: ops} })
	case "not":
		if len(args) != 1 {
			return nil, fmt.Errorf("filter: %q takes exactly one operand", op)
		}
		operand, err := compileNode(args[0])
		if err != nil {
			return nil, err
		}
		return Not{Operand: operand}, nil

	case "name":
		return compilePredFilter(op, args, func(p Pred) Filter { return Name{Pred: p} })
	case "id":
		return compilePredFilter(op, args, func(p Pred) Filter { return ID{Pred: p} })
	case "tags":
		return compileTags(args)

	default:
		return nil, fmt.Errorf("filter: unknown operator %q", op)
	}
}

func requireArity(op string, args []*SExpr, n int, build func([]*SExpr) (Filter, error)) (Filter, error) {
	if len(args) != n {
		return nil, fmt.Errorf("filter: %q takes no arguments", op)
	}
	return build(args)
}

func compileCombinator(op string, args []*SExpr, build func([]Filter) Filter) (Filter, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("filter: %q requires at least one operand", op)
	}
	operands := make([]Filter, 0, len(args))
	for _, a := range args {
		f, err := compileNode(a)
		if err != nil {
			return nil, err
		}
		operands = append(operands, f)
	}
	return build(operands), nil
}

func compileCreatedInThePast(args []*SExpr) (Filter, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("filter: created-in-the-past takes exactly one span argument")
	}
	span, err := compileSpan(args[0])
	if err != nil {
		return nil, err
	}
	return CreatedInThePast{Span: span}, nil
}

func compileSpan(n *SExpr) (Span, error) {
	if n.Atom != nil || len(n.List) != 2 {
		return Span{}, fmt.Errorf("filter: expected a span like (hours 1.5), (days 2), or (weeks 4)")
	}
	unitNode, valueNode := n.List[0], n.List[1]
	if unitNode.Atom == nil || valueNode.Atom == nil {
		return Span{}, fmt.Errorf("filter: malformed span")
	}
	unit := *unitNode.Atom
	switch unit {
	case "hours", "days", "weeks":
	default:
		return Span{}, fmt.Errorf("filter: unknown span unit %q", unit)
	}
	value, err := strconv.ParseFloat(*valueNode.Atom, 64)
	if err != nil {
		return Span{}, fmt.Errorf("filter: span value %q is not a number: %w", *valueNode.Atom, err)
	}
	return Span{Unit: unit, Value: value}, nil
}

func compilePredFilter(op string, args []*SExpr, build func(Pred) Filter) (Filter, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("filter: %q takes exactly one predicate argument", op)
	}
	p, err := compilePred(args[0])
	if err != nil {
		return nil, err
	}
	return build(p), nil
}

// compileTags handles the one variadic predicate form: `(tags <pred>...)`
// accepts any number of predicates (at least one), matching a target when
// any tag satisfies any of them.
func compileTags(args []*SExpr) (Filter, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("filter: \"tags\" requires at least one predicate argument")
	}
	preds := make([]Pred, 0, len(args))
	for _, a := range args {
		p, err := compilePred(a)
		if err != nil {
			return nil, err
		}
		preds = append(preds, p)
	}
	return Tags{Preds: preds}, nil
}

// compilePred handles the three predicate shapes the grammar allows: a bare
// string (shorthand for equals), (equals "x"), and (re "pattern") or
// (matches "pattern") which are treated as synonyms producing a Regexp.
func compilePred(n *SExpr) (Pred, error) {
	if n.Atom != nil {
		return Equals{Value: unquote(*n.Atom)}, nil
	}
	if len(n.List) != 2 {
		return nil, fmt.Errorf("filter: expected (equals \"x\"), (re \"pattern\"), or (matches \"pattern\")")
	}
	head, arg := n.List[0], n.List[1]
	if head.Atom == nil || arg.Atom == nil {
		return nil, fmt.Errorf("filter: malformed predicate")
	}
	value := unquote(*arg.Atom)
	switch *head.Atom {
	case "equals":
		return Equals{Value: value}, nil
	case "re", "matches":
		if _, err := regexp.Compile(value); err != nil {
			return nil, fmt.Errorf("filter: invalid regexp %q: %w", value, err)
		}
		return Regexp{Pattern: value}, nil
	default:
		return nil, fmt.Errorf("filter: unknown predicate form %q", *head.Atom)
	}
}

// unquote strips the surrounding double quotes the lexer leaves on String
// tokens; bare Ident/Number atoms pass through unchanged.
func unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		unescaped, err := strconv.Unquote(s)
		if err == nil {
			return unescaped
		}
	}
	return s
}
