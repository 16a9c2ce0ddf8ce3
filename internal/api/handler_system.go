package api

import (
	"net/http"

	"github.com/metergrid/syncagent/internal/service"
)

// HandleVersion returns a handler for GET /api/local/version.
func HandleVersion(info service.SystemInfo) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, info)
	}
}

// HandleConfig returns a handler for GET /api/local/config. The view is
// redacted; secrets never leave the process.
func HandleConfig(svc *service.AgentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, svc.ConfigView())
	}
}
