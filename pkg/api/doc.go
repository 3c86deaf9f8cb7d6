/*
Package api implements the HTTPS/JSON boundary in front of the engine:
submit, query, get_target, kill, restart, activate, and get_artifact,
over a github.com/go-chi/chi/v5 router.

Authentication is a configured list of bearer tokens (AUTH_TOKEN, comma
separated) checked before any /targets route handler runs; the operational
endpoints (/health, /ready, /live, /metrics) need no token. Every request is also
timed and counted into pkg/metrics.APIRequestsTotal/APIRequestDuration,
labeled by route pattern rather than raw path to keep cardinality flat.

# Routes

	POST   /targets                        submit
	GET    /targets?filter=<s-expr>         query
	GET    /targets/{id}                    get_target
	GET    /targets/{id}/artifacts/{name}   get_artifact
	POST   /targets/activate                activate(ids[])
	POST   /targets/kill                    kill(ids[])
	POST   /targets/restart                 restart(ids[])
	GET    /health, /ready, /metrics        operational endpoints (pkg/metrics)

query's filter is compiled and split (pkg/filter.Split) into a
time_constraint plus a residual predicate: the time_constraint narrows the
ListAllTargets scan before the residual predicate runs per-candidate.
*/
package api
