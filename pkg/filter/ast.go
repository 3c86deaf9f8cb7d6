package filter

// Filter is the typed AST compile.go produces from an SExpr and eval.go
// evaluates against a target. Every concrete type below corresponds to one
// grammar production; leaves carry no fields beyond what distinguishes them
// from one another.
type Filter interface {
	isFilter()
}

type (
	All                 struct{}
	IsActivable         struct{}
	IsInProgress        struct{}
	IsSuccessful        struct{}
	IsFailed            struct{}
	IsReallyRunning     struct{}
	IsKillable          struct{}
	IsDependencyDead    struct{}
	IsActivatedByUser   struct{}
	KilledFromPassive   struct{}
	FailedFromRunning   struct{}
	FailedFromStarting  struct{}
	FailedFromCondition struct{}
)

func (All) isFilter()                 {}
func (IsActivable) isFilter()         {}
func (IsInProgress) isFilter()        {}
func (IsSuccessful) isFilter()        {}
func (IsFailed) isFilter()            {}
func (IsReallyRunning) isFilter()     {}
func (IsKillable) isFilter()          {}
func (IsDependencyDead) isFilter()    {}
func (IsActivatedByUser) isFilter()   {}
func (KilledFromPassive) isFilter()   {}
func (FailedFromRunning) isFilter()   {}
func (FailedFromStarting) isFilter()  {}
func (FailedFromCondition) isFilter() {}

// Span is a duration expressed the way the grammar writes it: a unit word
// (hours/days/weeks) plus a float count, rather than a pre-multiplied
// time.Duration, so Print can round-trip the original form.
type Span struct {
	Unit  string
	Value float64
}

// CreatedInThePast matches targets created within Span of "now". It is the
// one leaf Split folds into a time_constraint instead of leaving in the
// residual predicate.
type CreatedInThePast struct {
	Span Span
}

func (CreatedInThePast) isFilter() {}

// And / Or / Not are the boolean combinators. Operands is never empty for
// And/Or: the compiler rejects `(and)`/`(or)` as a zero-arity error rather
// than quietly inventing an identity value.
type And struct{ Operands []Filter }
type Or struct{ Operands []Filter }
type Not struct{ Operand Filter }

func (And) isFilter() {}
func (Or) isFilter()  {}
func (Not) isFilter() {}

// Pred unifies the grammar's two string-matching forms (`equals`/`re` or
// `matches`, and a bare string which is shorthand for Equals) into one
// semantic interface so Name/ID/Tags don't need to carry a kind tag too.
// eval.go's matchPred switches on the concrete type.
type Pred interface {
	isPred()
}

type Equals struct{ Value string }
type Regexp struct{ Pattern string }

func (Equals) isPred() {}
func (Regexp) isPred() {}

// Name / ID apply a single Pred against the target's corresponding field.
// Tags is variadic: it matches when any of the target's tags satisfies any
// of its predicates, so `(tags "prod" "nightly")` reads as "tagged prod or
// nightly" the way a human writing the list means it.
type Name struct{ Pred Pred }
type ID struct{ Pred Pred }
type Tags struct{ Preds []Pred }

func (Name) isFilter() {}
func (ID) isFilter()   {}
func (Tags) isFilter() {}
