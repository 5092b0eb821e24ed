package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"
)

// HealthCheck probes one dependency. A nil return means healthy; the
// context carries the shared probe deadline.
type HealthCheck func(ctx context.Context) error

// HealthStatus is the reported state of a probed component.
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// ComponentHealth is one probe result inside a health answer.
type ComponentHealth struct {
	Status  HealthStatus `json:"status"`
	Error   string       `json:"error,omitempty"`
	Latency string       `json:"latency,omitempty"`
}

// HealthResponse is the /health body.
type HealthResponse struct {
	Status     HealthStatus               `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Version    string                     `json:"version,omitempty"`
	Components map[string]ComponentHealth `json:"components"`
}

// ReadinessResponse is the /ready body. Ready only when every probe
// passes.
type ReadinessResponse struct {
	Ready      bool                       `json:"ready"`
	Timestamp  time.Time                  `json:"timestamp"`
	Components map[string]ComponentHealth `json:"components"`
}

const defaultProbeTimeout = 5 * time.Second

// HealthChecker runs registered probes for the health and readiness
// endpoints. Health says the process works, readiness says it may take
// traffic; a dependency like the store usually registers under both.
type HealthChecker struct {
	mu        sync.RWMutex
	health    map[string]HealthCheck
	readiness map[string]HealthCheck
	version   string
	timeout   time.Duration
}

// NewHealthChecker creates a checker with no probes registered.
func NewHealthChecker(version string) *HealthChecker {
	return &HealthChecker{
		health:    make(map[string]HealthCheck),
		readiness: make(map[string]HealthCheck),
		version:   version,
		timeout:   defaultProbeTimeout,
	}
}

// RegisterHealthCheck adds a named probe to /health.
func (hc *HealthChecker) RegisterHealthCheck(name string, check HealthCheck) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.health[name] = check
}

// RegisterReadinessCheck adds a named probe to /ready.
func (hc *HealthChecker) RegisterReadinessCheck(name string, check HealthCheck) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.readiness[name] = check
}

// SetTimeout bounds how long one round of probes may take.
func (hc *HealthChecker) SetTimeout(d time.Duration) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.timeout = d
}

// CheckHealth runs the health probes. One failing probe makes the
// whole answer unhealthy.
func (hc *HealthChecker) CheckHealth(ctx context.Context) *HealthResponse {
	components := hc.run(ctx, hc.checks(&hc.health))
	status := StatusHealthy
	for _, c := range components {
		if c.Status != StatusHealthy {
			status = StatusUnhealthy
			break
		}
	}
	return &HealthResponse{
		Status:     status,
		Timestamp:  time.Now().UTC(),
		Version:    hc.version,
		Components: components,
	}
}

// CheckReadiness runs the readiness probes.
func (hc *HealthChecker) CheckReadiness(ctx context.Context) *ReadinessResponse {
	components := hc.run(ctx, hc.checks(&hc.readiness))
	ready := true
	for _, c := range components {
		if c.Status != StatusHealthy {
			ready = false
			break
		}
	}
	return &ReadinessResponse{
		Ready:      ready,
		Timestamp:  time.Now().UTC(),
		Components: components,
	}
}

// checks copies one probe table so a slow probe never runs under the
// lock.
func (hc *HealthChecker) checks(table *map[string]HealthCheck) map[string]HealthCheck {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	out := make(map[string]HealthCheck, len(*table))
	for name, check := range *table {
		out[name] = check
	}
	return out
}

// run executes the probes concurrently under the shared deadline.
func (hc *HealthChecker) run(ctx context.Context, checks map[string]HealthCheck) map[string]ComponentHealth {
	hc.mu.RLock()
	timeout := hc.timeout
	hc.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		components = make(map[string]ComponentHealth, len(checks))
	)
	for name, check := range checks {
		wg.Add(1)
		go func(name string, check HealthCheck) {
			defer wg.Done()

			start := time.Now()
			err := check(ctx)

			result := ComponentHealth{
				Status:  StatusHealthy,
				Latency: time.Since(start).String(),
			}
			if err != nil {
				result.Status = StatusUnhealthy
				result.Error = err.Error()
				if ctx.Err() != nil {
					result.Error = "check timed out"
				}
			}

			mu.Lock()
			components[name] = result
			mu.Unlock()
		}(name, check)
	}
	wg.Wait()
	return components
}

// HealthHandler serves the health answer, 503 when unhealthy.
func (hc *HealthChecker) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		answer := hc.CheckHealth(r.Context())
		code := http.StatusOK
		if answer.Status != StatusHealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, answer)
	}
}

// ReadinessHandler serves the readiness answer, 503 until ready.
func (hc *HealthChecker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		answer := hc.CheckReadiness(r.Context())
		code := http.StatusOK
		if !answer.Ready {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, answer)
	}
}

// LivenessHandler answers as long as the process can serve at all; no
// probes run here.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"alive":     true,
			"timestamp": time.Now().UTC(),
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// StoreHealthCheck probes the resource store through its Ping.
func StoreHealthCheck(ping func(ctx context.Context) error) HealthCheck {
	return func(ctx context.Context) error {
		if ping == nil {
			return errors.New("store ping function not provided")
		}
		return ping(ctx)
	}
}
