package api

import (
	"encoding/json"
	"net/http"

	"github.com/metergrid/syncagent/internal/service"
)

// HandleTenant returns a handler for GET /api/local/tenant. Until the
// first fleet load completes it answers 503 with an initializing marker.
func HandleTenant(svc *service.AgentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenant := svc.Tenant()
		if tenant == nil {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "initializing"})
			return
		}
		WriteJSON(w, http.StatusOK, tenant)
	}
}

type tenantSyncRequest struct {
	TenantID int64 `json:"tenant_id"`
}

// HandleTenantSync returns a handler for POST /api/local/tenant-sync.
// The sync pass runs synchronously; the response carries the fresh
// tenant data.
func HandleTenantSync(svc *service.AgentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req tenantSyncRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeInvalidArgument(w, "invalid JSON body: "+err.Error())
			return
		}
		res, err := svc.TenantSync(r.Context(), req.TenantID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, res)
	}
}

// HandleMeters returns a handler for GET /api/local/meters. Only active
// meters are listed.
func HandleMeters(svc *service.AgentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		meters, err := svc.ActiveMeters()
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, meters)
	}
}
