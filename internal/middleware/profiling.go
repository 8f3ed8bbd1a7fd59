// Package middleware provides HTTP middleware for the API server.
package middleware

import (
	"log/slog"
	"net/http"
	"net/http/pprof"
	"strings"
)

// ProfilingConfig configures the profiling middleware.
type ProfilingConfig struct {
	// Enabled controls whether profiling endpoints are exposed.
	// SECURITY: This should ONLY be true in development environments.
	// NEVER enable profiling in production as it exposes sensitive runtime information.
	Enabled bool

	// Environment is used for additional safety checks (should be "development" or "dev").
	Environment string
}

// Profiling returns middleware that exposes pprof profiling endpoints at /debug/pprof/*.
// This middleware should ONLY be enabled in development environments.
//
// Available endpoints:
//   - /debug/pprof/          - Index page with all available profiles
//   - /debug/pprof/profile   - CPU profile (30s by default, use ?seconds=X to customize)
//   - /debug/pprof/heap      - Memory heap profile
//   - /debug/pprof/goroutine - Goroutine profile
//   - /debug/pprof/cmdline   - Command line invocation
//   - /debug/pprof/symbol    - Symbol lookup
//   - /debug/pprof/trace     - Execution trace
//
// SECURITY WARNING:
// Profiling endpoints expose memory contents, which for this service can
// include audit payloads and webhook secrets. They must never be reachable
// in production environments.
func Profiling(config ProfilingConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		// If profiling is disabled, just pass through
		if !config.Enabled {
			return next
		}

		// SECURITY: Additional safety check - never enable in production-like environments
		if config.Environment == "production" || config.Environment == "prod" {
			slog.Error("SECURITY VIOLATION: profiling cannot be enabled in production environment",
				"environment", config.Environment,
			)
			// Return handler without profiling
			return next
		}

		slog.Warn("profiling endpoints enabled - DEVELOPMENT ONLY",
			"environment", config.Environment,
			"endpoints", "/debug/pprof/*",
		)

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.URL.Path, "/debug/pprof") {
				// Route to appropriate pprof handler
				switch r.URL.Path {
				case "/debug/pprof/cmdline":
					pprof.Cmdline(w, r)
				case "/debug/pprof/profile":
					pprof.Profile(w, r)
				case "/debug/pprof/symbol":
					pprof.Symbol(w, r)
				case "/debug/pprof/trace":
					pprof.Trace(w, r)
				default:
					// For /debug/pprof/ and /debug/pprof/<profile-name>, use Index handler
					pprof.Index(w, r)
				}
				return
			}

			// Not a profiling request, pass to next handler
			next.ServeHTTP(w, r)
		})
	}
}
