package api

import (
	"net/http"

	"github.com/metergrid/syncagent/internal/service"
)

// HandleRequestLog returns a handler for GET /api/local/request-log.
func HandleRequestLog(svc *service.AgentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, ok := parseIntQueryOrWriteInvalid(w, r, "limit")
		if !ok {
			return
		}
		entries, err := svc.RequestLog(limit)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, entries)
	}
}

// HandleOperations returns a handler for GET /api/local/operations.
// The component query parameter narrows the trace to one engine.
func HandleOperations(svc *service.AgentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, ok := parseIntQueryOrWriteInvalid(w, r, "limit")
		if !ok {
			return
		}
		ops, err := svc.Operations(r.URL.Query().Get("component"), limit)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, ops)
	}
}
