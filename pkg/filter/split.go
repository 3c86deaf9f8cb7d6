package filter

import "time"

// Split decomposes f into a time_constraint (the earliest CreatedAt a
// matching target could have, or nil if f places no such floor) and a
// residual Filter the store still has to evaluate per-candidate. The time
// constraint lets a store-backed list operation narrow its scan with an
// index before handing candidates to Evaluate, instead of walking every
// target ever created.
//
// f is normalized with De Morgan's laws first (pushNot) so that a Not
// wrapping a conjunction or disjunction doesn't hide a created-in-the-past
// leaf from the extraction pass — "(not (or A (not (created-in-the-past
// ...))))" only yields a usable bound once rewritten as "(and (not A)
// (created-in-the-past ...))".
func Split(f Filter, now time.Time) (*time.Time, Filter) {
	normalized := pushNot(f, false)
	cutoff, residual := extract(normalized, now)
	return cutoff, residual
}

// pushNot rewrites f so that Not only ever wraps a leaf, never an And/Or.
// negate tracks whether the caller is asking for the negation of f; the
// top-level call passes false.
func pushNot(f Filter, negate bool) Filter {
	switch n := f.(type) {
	case Not:
		return pushNot(n.Operand, !negate)
	case And:
		operands := pushNotAll(n.Operands, negate)
		if negate {
			return Or{Operands: operands}
		}
		return And{Operands: operands}
	case Or:
		operands := pushNotAll(n.Operands, negate)
		if negate {
			return And{Operands: operands}
		}
		return Or{Operands: operands}
	default:
		if negate {
			return Not{Operand: f}
		}
		return f
	}
}

func pushNotAll(operands []Filter, negate bool) []Filter {
	out := make([]Filter, len(operands))
	for i, op := range operands {
		out[i] = pushNot(op, negate)
	}
	return out
}

// extract walks a Not-normalized Filter, pulling every created-in-the-past
// leaf into a cutoff time and leaving everything else as the residual.
// And combines sub-cutoffs by taking the latest (every branch must hold, so
// the tightest bound wins); Or takes the earliest, and only if every branch
// produced one — an unbounded branch means the whole disjunction is
// unbounded. A Not wrapping a created-in-the-past leaf conservatively
// yields no cutoff: "not created in the last 4 weeks" does not translate to
// a lower bound on CreatedAt, it translates to an upper bound, which the
// store-side index this package targets has no way to express, so it is
// left in the residual predicate as-is.
func extract(f Filter, now time.Time) (*time.Time, Filter) {
	switch n := f.(type) {
	case CreatedInThePast:
		cutoff := now.Add(-n.Span.duration())
		return &cutoff, All{}
	case And:
		var cutoff *time.Time
		var residuals []Filter
		for _, op := range n.Operands {
			c, r := extract(op, now)
			cutoff = laterOf(cutoff, c)
			if !isAll(r) {
				residuals = append(residuals, r)
			}
		}
		return cutoff, andOf(residuals)
	case Or:
		var cutoff *time.Time
		allBounded := true
		var residuals []Filter
		for _, op := range n.Operands {
			c, r := extract(op, now)
			if c == nil {
				allBounded = false
			} else {
				cutoff = earlierOf(cutoff, c)
			}
			residuals = append(residuals, r)
		}
		if !allBounded {
			cutoff = nil
		}
		return cutoff, orOf(residuals)
	default:
		return nil, f
	}
}

func laterOf(a, b *time.Time) *time.Time {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case b.After(*a):
		return b
	default:
		return a
	}
}

func earlierOf(a, b *time.Time) *time.Time {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case b.Before(*a):
		return b
	default:
		return a
	}
}

func isAll(f Filter) bool {
	_, ok := f.(All)
	return ok
}

func andOf(operands []Filter) Filter {
	switch len(operands) {
	case 0:
		return All{}
	case 1:
		return operands[0]
	default:
		return And{Operands: operands}
	}
}

func orOf(operands []Filter) Filter {
	switch len(operands) {
	case 0:
		return All{}
	case 1:
		return operands[0]
	default:
		return Or{Operands: operands}
	}
}
