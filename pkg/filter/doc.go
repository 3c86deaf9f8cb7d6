/*
Package filter implements the target filter language: a small s-expression
grammar (parsed with participle in sexpr.go), a typed AST (ast.go), a
compiler from one to the other with alias expansion and arity checking
(compile.go), full client-side evaluation against a target (eval.go), a
canonical printer used for the round-trip property and for logging filters
back to users (print.go), and the server-side time_constraint/residual
split used to narrow a store scan before per-candidate evaluation
(split.go).
*/
package filter
