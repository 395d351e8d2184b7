package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go-bridge/bridge"
)

const DefaultAdminPrefix = "/__bridge/"

// HealthSummary is served at <prefix>health.
type HealthSummary struct {
	Status         string `json:"status"`
	BackendNetwork string `json:"backend_network"`
	BackendAddress string `json:"backend_address"`
	BackendUp      bool   `json:"backend_up"`
	BackendError   string `json:"backend_error,omitempty"`
	TunnelsOpen    uint64 `json:"tunnels_open"`
	InFlight       uint64 `json:"in_flight"`
}

// WithAdmin serves <prefix>metrics and <prefix>health from relay and hands
// every other request to next unchanged.
func WithAdmin(prefix string, relay *Relay, next http.Handler) http.Handler {
	if prefix == "" {
		prefix = DefaultAdminPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name, ok := strings.CutPrefix(r.URL.Path, prefix)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		switch name {
		case "metrics":
			writeJSON(w, http.StatusOK, relay.Metrics().Snapshot())
		case "health":
			summary := relay.Health(r.Context())
			status := http.StatusOK
			if !summary.BackendUp {
				status = http.StatusServiceUnavailable
			}
			writeJSON(w, status, summary)
		default:
			next.ServeHTTP(w, r)
		}
	})
}

// Health probes the backend with a bridge dial and reports counters.
func (rl *Relay) Health(ctx context.Context) HealthSummary {
	snap := rl.metrics.Snapshot()
	summary := HealthSummary{
		Status:         "ok",
		BackendNetwork: rl.network,
		BackendAddress: rl.address,
		TunnelsOpen:    snap.TunnelsOpen,
		InFlight:       snap.InFlight,
	}

	timeout := rl.cfg.ConnectTimeout
	if timeout <= 0 || timeout > time.Second {
		timeout = time.Second
	}
	conn, err := bridge.Dial(ctx, rl.network, rl.address, bridge.WithConnectTimeout(timeout))
	if err != nil {
		summary.Status = "degraded"
		summary.BackendError = err.Error()
		return summary
	}
	_ = conn.Close()
	summary.BackendUp = true
	return summary
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
