package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// readyCheckTimeout bounds how long a readiness probe waits on dependencies.
const readyCheckTimeout = 5 * time.Second

// HealthChecker verifies that an external dependency is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthHandlers holds dependencies for health and readiness probes.
type HealthHandlers struct {
	dbChecker    HealthChecker
	redisChecker HealthChecker
}

// HealthHandlersConfig configures the health probe handlers. RedisChecker
// may be nil when rate limiting runs on the in-memory store; the redis
// check is then omitted from readiness output.
type HealthHandlersConfig struct {
	DBChecker    HealthChecker
	RedisChecker HealthChecker
}

// NewHealthHandlers creates a new HealthHandlers instance.
func NewHealthHandlers(cfg HealthHandlersConfig) *HealthHandlers {
	return &HealthHandlers{
		dbChecker:    cfg.DBChecker,
		redisChecker: cfg.RedisChecker,
	}
}

// HealthResponse is the body of health and readiness probes.
type HealthResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

// Health handles liveness probes. It reports healthy as long as the process
// is serving requests; dependency state belongs to Ready.
// GET /health
func (h *HealthHandlers) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	resp := HealthResponse{
		Status:    "healthy",
		Checks:    map[string]string{"runtime": "ok"},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.ErrorContext(r.Context(), "failed to encode health response", "error", err)
	}
}

// Ready handles readiness probes. It checks every configured dependency and
// returns 503 when any check fails, so load balancers stop routing before
// requests start erroring.
// GET /ready
func (h *HealthHandlers) Ready(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), readyCheckTimeout)
	defer cancel()

	checks := make(map[string]string)
	healthy := true

	runCheck := func(name string, checker HealthChecker) {
		if checker == nil {
			return
		}
		if err := checker.HealthCheck(ctx); err != nil {
			slog.WarnContext(ctx, "readiness check failed", "check", name, "error", err)
			checks[name] = "error"
			healthy = false
			return
		}
		checks[name] = "ok"
	}

	runCheck("database", h.dbChecker)
	runCheck("redis", h.redisChecker)

	resp := HealthResponse{
		Status:    "healthy",
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	status := http.StatusOK
	if !healthy {
		resp.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.ErrorContext(r.Context(), "failed to encode readiness response", "error", err)
	}
}
