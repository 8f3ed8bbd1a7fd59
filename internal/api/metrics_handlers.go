package api

import (
	"crypto/subtle"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsHandler serves the Prometheus metrics endpoint from the provided
// registry. When token is non-empty, requests must present it in the
// X-Internal-Token header; the comparison is constant-time so the scrape
// token cannot be probed. An empty token leaves the endpoint open, for
// deployments where /metrics is only reachable inside the cluster.
func MetricsHandler(reg *prometheus.Registry, token string) http.Handler {
	inner := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token != "" {
			headerToken := r.Header.Get("X-Internal-Token")
			if subtle.ConstantTimeCompare([]byte(headerToken), []byte(token)) != 1 {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
		}
		inner.ServeHTTP(w, r)
	})
}
