package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/rickgao/adminlive/internal/connection"
	"github.com/rickgao/adminlive/internal/projector"
	"github.com/rickgao/adminlive/internal/version"
)

// channelReporter is the part of the connection manager the health server reads.
type channelReporter interface {
	Status() []connection.ChannelStatus
	Stats() connection.ManagerStats
}

type pinger interface {
	Ping(ctx context.Context) error
}

type namedPinger struct {
	name   string
	pinger pinger
}

type healthResponse struct {
	Status     string         `json:"status"`
	Version    version.Info   `json:"version"`
	Channels   []channelEntry `json:"channels"`
	Components map[string]any `json:"components"`
}

type channelEntry struct {
	connection.ChannelStatus
	Revision uint64 `json:"revision"`
	Live     bool   `json:"live"`
}

// newHealthHandler creates the HTTP handler for health checks and dashboard
// snapshots.
func newHealthHandler(mgr channelReporter, dashboards map[string]*projector.Dashboard, pingers []namedPinger, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		health := healthResponse{
			Status:     "healthy",
			Version:    version.Get(),
			Components: make(map[string]any),
		}

		for _, st := range mgr.Status() {
			entry := channelEntry{ChannelStatus: st}
			if d, ok := dashboards[st.ID]; ok {
				entry.Revision = d.Revision()
				entry.Live = d.Live()
			}
			health.Channels = append(health.Channels, entry)

			switch {
			case st.State == connection.StateFailed:
				health.Status = "unhealthy"
			case st.State != connection.StateOpen && health.Status == "healthy":
				health.Status = "degraded"
			}
		}

		for _, p := range pingers {
			if err := p.pinger.Ping(ctx); err != nil {
				health.Status = "unhealthy"
				health.Components[p.name] = map[string]string{
					"status": "disconnected",
					"error":  err.Error(),
				}
				continue
			}
			health.Components[p.name] = "connected"
		}

		stats := mgr.Stats()
		health.Components["router"] = stats.Router
		health.Components["queue"] = stats.Queue

		writeJSON(w, logger, health.StatusCode(), health)
	})

	mux.HandleFunc("/snapshot", func(w http.ResponseWriter, r *http.Request) {
		if channel := r.URL.Query().Get("channel"); channel != "" {
			d, ok := dashboards[channel]
			if !ok {
				writeJSON(w, logger, http.StatusNotFound, map[string]string{
					"error": "unknown channel " + channel,
				})
				return
			}
			writeJSON(w, logger, http.StatusOK, d.Snapshot())
			return
		}

		if len(dashboards) == 1 {
			for _, d := range dashboards {
				writeJSON(w, logger, http.StatusOK, d.Snapshot())
			}
			return
		}

		all := make(map[string]projector.Snapshot, len(dashboards))
		for id, d := range dashboards {
			all[id] = d.Snapshot()
		}
		writeJSON(w, logger, http.StatusOK, all)
	})

	mux.HandleFunc("/channels", func(w http.ResponseWriter, r *http.Request) {
		ids := make([]string, 0, len(dashboards))
		for id := range dashboards {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		writeJSON(w, logger, http.StatusOK, ids)
	})

	return mux
}

// StatusCode maps the aggregate status to an HTTP status.
func (h healthResponse) StatusCode() int {
	if h.Status == "unhealthy" {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write response", "error", err)
	}
}
