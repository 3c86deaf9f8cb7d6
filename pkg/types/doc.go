/*
Package types defines the core data structures shared across ketrew: the
Target, its Condition tree, its BuildProcess, and the StateKind state
machine. These types are the foundation every other package builds on —
pkg/storage persists them, pkg/engine transitions them, pkg/filter queries
them, and pkg/backend interprets their BuildProcess.RunParameters.

# Target lifecycle

A Target starts Passive (known to the engine but not scheduled) and
advances through the detailed states in StateKind once activated, either
explicitly by a user or because a dependent target succeeded. The full
transition diagram lives in pkg/engine/classify.go; this package only
defines the state names and the Killable/Failed/InProgress/Terminal
groupings used to classify them.

# Conditions

A Condition gates whether a Target is considered satisfied without running
its BuildProcess (Volume_exists, Command_returns, and boolean combinators);
make_fail_if is not a Condition but a plain list of target ids. Evaluation lives in
pkg/condition, which needs a pkg/host.Host to run Command_returns and
Volume_exists checks against.
*/
package types
