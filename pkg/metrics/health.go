package metrics

import (
	"net/http"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var healthJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// HealthStatus is the JSON body of the health and readiness endpoints.
type HealthStatus struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
	StartTime  time.Time         `json:"-"`
}

// Probe checks one component at request time. A nil error means healthy.
type Probe func() error

// componentState is either a static flag set by Register/UpdateComponent or
// a live probe evaluated per request. A probe wins over the static flag.
type componentState struct {
	healthy bool
	message string
	probe   Probe
}

func (c componentState) check() (bool, string) {
	if c.probe != nil {
		if err := c.probe(); err != nil {
			return false, err.Error()
		}
		return true, ""
	}
	return c.healthy, c.message
}

type healthRegistry struct {
	mu         sync.RWMutex
	components map[string]componentState
	version    string
	started    time.Time
}

var registry = &healthRegistry{
	components: make(map[string]componentState),
	started:    time.Now(),
}

// Readiness gates on these; everything else only affects /health.
var criticalComponents = []string{"store", "pool", "api"}

// SetVersion sets the version reported by the health endpoints.
func SetVersion(version string) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.version = version
}

// RegisterComponent records a component with a static health flag.
func RegisterComponent(name string, healthy bool, message string) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.components[name] = componentState{healthy: healthy, message: message}
}

// UpdateComponent flips a component's static health flag.
func UpdateComponent(name string, healthy bool, message string) {
	RegisterComponent(name, healthy, message)
}

// RegisterProbe records a component whose health is checked live on every
// health or readiness request.
func RegisterProbe(name string, probe Probe) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.components[name] = componentState{probe: probe}
}

func (r *healthRegistry) snapshot() (map[string]componentState, string, time.Time) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]componentState, len(r.components))
	for name, c := range r.components {
		out[name] = c
	}
	return out, r.version, r.started
}

// GetHealth evaluates every registered component.
func GetHealth() HealthStatus {
	components, version, started := registry.snapshot()

	status := "healthy"
	report := make(map[string]string, len(components))
	for name, c := range components {
		healthy, message := c.check()
		if healthy {
			report[name] = "healthy"
			continue
		}
		status = "unhealthy"
		report[name] = "unhealthy: " + message
	}

	return HealthStatus{
		Status:     status,
		Timestamp:  time.Now(),
		Components: report,
		Version:    version,
		Uptime:     time.Since(started).String(),
		StartTime:  started,
	}
}

// GetReadiness evaluates only the critical components. A critical component
// that was never registered keeps the service not_ready.
func GetReadiness() HealthStatus {
	components, version, started := registry.snapshot()

	status := "ready"
	message := ""
	report := make(map[string]string, len(criticalComponents))
	for _, name := range criticalComponents {
		c, ok := components[name]
		if !ok {
			status = "not_ready"
			message = "waiting for " + name + " initialization"
			report[name] = "not registered"
			continue
		}
		healthy, detail := c.check()
		if !healthy {
			status = "not_ready"
			message = "waiting for " + name
			report[name] = "not ready: " + detail
			continue
		}
		report[name] = "ready"
	}

	return HealthStatus{
		Status:     status,
		Timestamp:  time.Now(),
		Components: report,
		Message:    message,
		Version:    version,
		Uptime:     time.Since(started).String(),
		StartTime:  started,
	}
}

// HealthHandler serves GET /health.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := GetHealth()
		code := http.StatusOK
		if health.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		writeHealthJSON(w, code, health)
	}
}

// ReadyHandler serves GET /ready.
func ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		readiness := GetReadiness()
		code := http.StatusOK
		if readiness.Status != "ready" {
			code = http.StatusServiceUnavailable
		}
		writeHealthJSON(w, code, readiness)
	}
}

// LivenessHandler reports that the process is up. It never fails.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeHealthJSON(w, http.StatusOK, map[string]string{
			"status": "alive",
			"uptime": time.Since(registry.started).String(),
		})
	}
}

func writeHealthJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = healthJSON.NewEncoder(w).Encode(body)
}
