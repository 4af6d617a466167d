package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

const checkTimeout = 2 * time.Second

// DependencyCheck reports whether one upstream the ledger needs is usable.
type DependencyCheck func(ctx context.Context) error

// HealthChecker backs /healthz and /readyz. The ledger is ready once its
// state is recovered (snapshot restored, log replayed, projections rebuilt)
// and every registered dependency check passes.
type HealthChecker struct {
	recovered atomic.Bool
	startTime time.Time

	mu     sync.RWMutex
	checks map[string]DependencyCheck
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		startTime: time.Now(),
		checks:    make(map[string]DependencyCheck),
	}
}

// SetReady records whether recovery is complete. Shutdown clears it first so
// load balancers drain before the listeners close.
func (h *HealthChecker) SetReady(ready bool) {
	h.recovered.Store(ready)
}

// AddCheck registers a dependency consulted on every readiness probe.
func (h *HealthChecker) AddCheck(name string, check DependencyCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// IsReady reports recovery state only; dependency checks run per probe.
func (h *HealthChecker) IsReady() bool {
	return h.recovered.Load()
}

func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "alive",
		"uptime": time.Since(h.startTime).String(),
	})
}

// ReadinessHandler answers 503 until recovery completes or while any
// dependency check fails, naming each failing dependency.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if !h.recovered.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "recovering",
		})
		return
	}

	failures := h.runChecks(r.Context())
	if len(failures) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":       "degraded",
			"dependencies": failures,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (h *HealthChecker) runChecks(ctx context.Context) map[string]string {
	h.mu.RLock()
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	h.mu.RUnlock()
	sort.Strings(names)

	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	failures := make(map[string]string)
	for _, name := range names {
		h.mu.RLock()
		check := h.checks[name]
		h.mu.RUnlock()
		if err := check(ctx); err != nil {
			failures[name] = err.Error()
		}
	}
	return failures
}

func writeJSON(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
