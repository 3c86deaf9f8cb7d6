package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// criticalComponents are the registrations /ready gates on: the store and
// the engine loop must be up before targets can advance, and the API is
// the only way in. Anything else registered (collector, command pipe) is
// reported by /health but does not hold readiness hostage.
var criticalComponents = []string{"storage", "engine", "api"}

// HealthStatus is the JSON body /health and /ready return.
type HealthStatus struct {
	Status     string            `json:"status"` // healthy | unhealthy | ready | not_ready
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
	StartTime  time.Time         `json:"-"`
}

// ComponentHealth is one registered component's last reported condition.
type ComponentHealth struct {
	Name    string
	Healthy bool
	Message string
	Updated time.Time
}

// HealthChecker tracks per-component health reports. The process-global
// instance below is what the package-level functions and HTTP handlers
// read; engine/store/API code reports into it via RegisterComponent and
// UpdateComponent.
type HealthChecker struct {
	mu         sync.RWMutex
	components map[string]ComponentHealth
	startTime  time.Time
	version    string
}

var healthChecker = &HealthChecker{
	components: make(map[string]ComponentHealth),
	startTime:  time.Now(),
}

func (hc *HealthChecker) set(name string, healthy bool, message string) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.components[name] = ComponentHealth{
		Name:    name,
		Healthy: healthy,
		Message: message,
		Updated: time.Now(),
	}
}

// health reports overall liveness-of-parts: unhealthy as soon as any
// registered component says so, healthy otherwise.
func (hc *HealthChecker) health() HealthStatus {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	status := hc.status("healthy")
	components := make(map[string]string, len(hc.components))
	for name, comp := range hc.components {
		if comp.Healthy {
			components[name] = "healthy"
			continue
		}
		status.Status = "unhealthy"
		components[name] = "unhealthy: " + comp.Message
	}
	status.Components = components
	return status
}

// readiness is stricter than health: every critical component must be
// both registered and healthy. A component that never registered counts
// as not ready — the process is still booting.
func (hc *HealthChecker) readiness() HealthStatus {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	status := hc.status("ready")
	components := make(map[string]string, len(criticalComponents))
	for _, name := range criticalComponents {
		comp, registered := hc.components[name]
		switch {
		case !registered:
			status.Status = "not_ready"
			status.Message = "waiting for " + name + " initialization"
			components[name] = "not registered"
		case !comp.Healthy:
			status.Status = "not_ready"
			status.Message = "waiting for " + name
			components[name] = "not ready: " + comp.Message
		default:
			components[name] = "ready"
		}
	}
	status.Components = components
	return status
}

// status seeds a HealthStatus with the fields every report shares. Caller
// must hold at least a read lock.
func (hc *HealthChecker) status(initial string) HealthStatus {
	return HealthStatus{
		Status:    initial,
		Timestamp: time.Now(),
		Version:   hc.version,
		Uptime:    time.Since(hc.startTime).String(),
		StartTime: hc.startTime,
	}
}

// SetVersion records the build version reported by /health.
func SetVersion(version string) {
	healthChecker.mu.Lock()
	defer healthChecker.mu.Unlock()
	healthChecker.version = version
}

// RegisterComponent records a component's initial condition.
func RegisterComponent(name string, healthy bool, message string) {
	healthChecker.set(name, healthy, message)
}

// UpdateComponent overwrites a component's condition; registering and
// updating are the same write.
func UpdateComponent(name string, healthy bool, message string) {
	healthChecker.set(name, healthy, message)
}

// GetHealth returns the overall health report.
func GetHealth() HealthStatus {
	return healthChecker.health()
}

// GetReadiness returns the critical-components-only readiness report.
func GetReadiness() HealthStatus {
	return healthChecker.readiness()
}

func writeStatus(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// HealthHandler serves /health: 200 while every component is healthy,
// 503 otherwise.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := GetHealth()
		code := http.StatusOK
		if health.Status == "unhealthy" {
			code = http.StatusServiceUnavailable
		}
		writeStatus(w, code, health)
	}
}

// ReadyHandler serves /ready: 200 only once every critical component has
// registered healthy.
func ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		readiness := GetReadiness()
		code := http.StatusOK
		if readiness.Status != "ready" {
			code = http.StatusServiceUnavailable
		}
		writeStatus(w, code, readiness)
	}
}

// LivenessHandler serves /live: if the process can answer at all, it is
// alive.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, http.StatusOK, map[string]string{
			"status": "alive",
			"uptime": time.Since(healthChecker.startTime).String(),
		})
	}
}
