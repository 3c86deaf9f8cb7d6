package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/cuemby/ketrew/pkg/backend"
	"github.com/cuemby/ketrew/pkg/engine"
	"github.com/cuemby/ketrew/pkg/filter"
	"github.com/cuemby/ketrew/pkg/host"
	"github.com/cuemby/ketrew/pkg/log"
	"github.com/cuemby/ketrew/pkg/metrics"
	"github.com/cuemby/ketrew/pkg/storage"
	"github.com/cuemby/ketrew/pkg/types"
)

// Server is the JSON/HTTPS boundary in front of pkg/storage and
// pkg/engine. It holds no engine-owned state of its own — every request
// reads or writes through Store directly, except activate, which goes
// through Engine.Activate so the Passive→Active transition lands at once
// as a compare-and-set write rather than as a queued command.
type Server struct {
	router   chi.Router
	store    storage.Store
	engine   *engine.Engine
	backends *backend.Registry
	hosts    *host.Registry
	tokens   map[string]bool
	limiter  *rateLimiter
	stopCh   chan struct{}
}

// Close stops the Server's background housekeeping. The HTTP listener
// itself belongs to the caller (http.Server), not to this type.
func (s *Server) Close() {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
}

// Config wires a Server to its collaborators and authentication tokens.
type Config struct {
	Store      storage.Store
	Engine     *engine.Engine
	Backends   *backend.Registry
	Hosts      *host.Registry
	AuthTokens []string // from AUTH_TOKEN, comma-separated

	// RateLimitRPS/RateLimitBurst bound how many requests a single bearer
	// token may make; zero takes the defaults below.
	RateLimitRPS   float64
	RateLimitBurst int
}

// Default per-token budget when Config leaves RateLimitRPS/RateLimitBurst
// unset: generous enough for a CLI polling loop, tight enough to catch a
// runaway client.
const (
	defaultRateLimitRPS   = 20
	defaultRateLimitBurst = 40
)

// NewServer builds a Server with every route registered.
func NewServer(cfg Config) *Server {
	tokens := make(map[string]bool, len(cfg.AuthTokens))
	for _, t := range cfg.AuthTokens {
		t = strings.TrimSpace(t)
		if t != "" {
			tokens[t] = true
		}
	}

	rps := cfg.RateLimitRPS
	if rps <= 0 {
		rps = defaultRateLimitRPS
	}
	burst := cfg.RateLimitBurst
	if burst <= 0 {
		burst = defaultRateLimitBurst
	}

	s := &Server{
		store:    cfg.Store,
		engine:   cfg.Engine,
		backends: cfg.Backends,
		hosts:    cfg.Hosts,
		tokens:   tokens,
		limiter:  newRateLimiter(rps, burst),
		stopCh:   make(chan struct{}),
	}
	s.limiter.startCleanupJob(s.stopCh)

	r := chi.NewRouter()
	r.Use(s.instrument)

	r.Get("/health", metrics.HealthHandler())
	r.Get("/ready", metrics.ReadyHandler())
	r.Get("/live", metrics.LivenessHandler())
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.rateLimit)
		r.Post("/targets", s.handleSubmit)
		r.Get("/targets", s.handleQuery)
		r.Get("/targets/{id}", s.handleGetTarget)
		r.Get("/targets/{id}/artifacts/{name}", s.handleGetArtifact)
		r.Post("/targets/activate", s.handleActivate)
		r.Post("/targets/kill", s.handleKill)
		r.Post("/targets/restart", s.handleRestart)
	})

	s.router = r
	return s
}

// ServeHTTP implements http.Handler, delegating to the chi router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// instrument times every request into pkg/metrics.APIRequestDuration/
// APIRequestsTotal, labeled by method (the route pattern, not the path, so
// /targets/{id} doesn't explode the cardinality) and outcome status.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		timer := metrics.NewTimer()
		next.ServeHTTP(rec, r)
		label := r.Method + " " + r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			label = r.Method + " " + rctx.RoutePattern()
		}
		timer.ObserveDurationVec(metrics.APIRequestDuration, label)
		metrics.APIRequestsTotal.WithLabelValues(label, fmt.Sprintf("%d", rec.status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// authenticate requires a bearer token from the configured list. An
// empty token set (no AUTH_TOKEN
// configured) denies every request rather than silently allowing
// unauthenticated access.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || !s.tokens[token] {
			writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- submit -----------------------------------------------------------

// targetSpec is the client-supplied shape of a to-be-created target: every
// field of types.Target except the ones the server assigns (ID, CreatedAt,
// History) and PointerTo, which only the engine sets.
type targetSpec struct {
	Name            string            `json:"name"`
	Tags            []string          `json:"tags,omitempty"`
	Metadata        string            `json:"metadata,omitempty"`
	DependsOn       []string          `json:"depends_on,omitempty"`
	SuccessTriggers []string          `json:"success_triggers,omitempty"`
	MakeFailIf      []string          `json:"make_fail_if,omitempty"`
	Equivalence     types.Equivalence `json:"equivalence,omitempty"`
	Condition       types.Condition   `json:"condition,omitempty"`
	Build           types.BuildProcess `json:"build"`
}

type submitRequest struct {
	Targets []targetSpec `json:"targets"`
}

type submitResponse struct {
	IDs []string `json:"ids"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if len(req.Targets) == 0 {
		writeError(w, http.StatusBadRequest, "targets must be non-empty")
		return
	}

	ids := make([]string, 0, len(req.Targets))
	created := make([]*types.Target, 0, len(req.Targets))
	for _, spec := range req.Targets {
		t := &types.Target{
			ID:              uuid.NewString(),
			Name:            spec.Name,
			Tags:            spec.Tags,
			Metadata:        spec.Metadata,
			DependsOn:       spec.DependsOn,
			SuccessTriggers: spec.SuccessTriggers,
			MakeFailIf:      spec.MakeFailIf,
			Equivalence:     spec.Equivalence,
			Condition:       spec.Condition,
			Build:           spec.Build,
			CreatedAt:       time.Now(),
		}
		if err := s.store.CreateTarget(t); err != nil {
			writeError(w, http.StatusInternalServerError, "create target: "+err.Error())
			return
		}
		metrics.TargetsCreatedTotal.Inc()
		ids = append(ids, t.ID)
		created = append(created, t)
	}

	log.WithComponent("api").Info().Int("count", len(created)).Msg("targets submitted")
	writeJSON(w, http.StatusCreated, submitResponse{IDs: ids})
}

// --- query --------------------------------------------------------------

type targetSummary struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	State     types.StateKind `json:"state"`
	Tags      []string        `json:"tags,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	expr := r.URL.Query().Get("filter")
	if expr == "" {
		expr = "(all)"
	}
	f, err := filter.CompileString(expr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "filter syntax error: "+err.Error())
		return
	}

	now := time.Now()
	cutoff, residual := filter.Split(f, now)

	targets, err := s.store.ListAllTargets()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list targets: "+err.Error())
		return
	}

	summaries := make([]targetSummary, 0, len(targets))
	for _, t := range targets {
		if cutoff != nil && t.CreatedAt.Before(*cutoff) {
			continue
		}
		if !filter.Evaluate(residual, t, now) {
			continue
		}
		summaries = append(summaries, targetSummary{
			ID:        t.ID,
			Name:      t.Name,
			State:     t.CurrentState(),
			Tags:      t.Tags,
			CreatedAt: t.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, summaries)
}

// --- get_target / get_artifact ------------------------------------------

func (s *Server) handleGetTarget(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, err := s.store.GetTarget(id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	name := chi.URLParam(r, "name")

	t, err := s.store.GetTarget(id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if t.Build.Kind != types.LongRunning {
		writeError(w, http.StatusNotFound, "target has no backend to query")
		return
	}
	b, err := s.backends.Lookup(t.Build.Backend)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h, err := s.hosts.Lookup(t.Build.HostName)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	data, err := b.Query(r.Context(), t.Build.RunParameters, h, name)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(data)
}

// --- activate / kill / restart -------------------------------------------

type idsRequest struct {
	IDs []string `json:"ids"`
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	var req idsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	var failed []string
	for _, id := range req.IDs {
		if err := s.engine.Activate(id); err != nil {
			log.WithComponent("api").Warn().Err(err).Str("target_id", id).Msg("activate failed")
			failed = append(failed, id)
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusConflict, map[string]any{"failed": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"activated": req.IDs})
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	s.queueCommand(w, r, types.CommandKill)
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	s.queueCommand(w, r, types.CommandRestart)
}

// queueCommand durably appends one Command per target id, the same entry
// point the command pipe uses, so kill/restart are idempotent regardless
// of which surface issued them.
func (s *Server) queueCommand(w http.ResponseWriter, r *http.Request, kind types.CommandKind) {
	var req idsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	for _, id := range req.IDs {
		cmd := &types.Command{ID: uuid.NewString(), Kind: kind, TargetID: id, CreatedAt: time.Now()}
		if err := s.store.AppendCommand(cmd); err != nil {
			writeError(w, http.StatusInternalServerError, "queue command: "+err.Error())
			return
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"queued": req.IDs})
}

// --- helpers --------------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

func writeStoreError(w http.ResponseWriter, err error) {
	if err == storage.ErrNotFound {
		writeError(w, http.StatusNotFound, "target not found")
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}
