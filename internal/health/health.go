// Package health serves the auxiliary HTTP surface of the MCP server:
// health probes and Prometheus metrics, on a port separate from the
// MCP transport.
package health

import (
	"encoding/json"
	"net/http"
	"time"
)

// Status is the reported health state.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// Config identifies the service in health responses.
type Config struct {
	ServiceName string
	Version     string
}

// Response is the JSON body of a health check.
type Response struct {
	Status    Status    `json:"status"`
	Service   string    `json:"service"`
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

// Handler reports service identity and readiness as JSON.
func Handler(config Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(Response{
			Status:    StatusHealthy,
			Service:   config.ServiceName,
			Version:   config.Version,
			Timestamp: time.Now().UTC(),
		})
	}
}

// SimpleHandler returns a bare "OK" for liveness probes.
func SimpleHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}
}
