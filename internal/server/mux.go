// Package server provides HTTP server construction for agri-chat.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/agri-chat/internal/auth"
	"github.com/alexjbarnes/agri-chat/internal/chatsync"
)

// StatusReporter reports the state of the sync core.
type StatusReporter interface {
	Status() chatsync.SyncStatus
}

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	APIKey     string
	MCPHandler http.Handler
	Status     StatusReporter
	Logger     *slog.Logger
}

// NewMux builds the HTTP mux with the health and MCP endpoints. The MCP
// endpoint is protected by API key middleware; health is open so that
// local supervisors can poll it.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealth(cfg.Status, cfg.Logger))

	authMiddleware := auth.Middleware(cfg.APIKey, cfg.Logger)
	mux.Handle("/mcp", authMiddleware(cfg.MCPHandler))

	return mux
}

func handleHealth(status StatusReporter, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")

		if err := json.NewEncoder(w).Encode(status.Status()); err != nil {
			logger.Debug("writing health response", slog.String("error", err.Error()))
		}
	}
}
