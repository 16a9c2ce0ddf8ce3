package api

import (
	"net/http"

	"github.com/metergrid/syncagent/internal/service"
)

// HandleSyncStatus returns a handler for GET /api/local/sync-status.
func HandleSyncStatus(svc *service.AgentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := svc.UploadSyncStatus()
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, st)
	}
}

// HandleUploadTrigger returns a handler for the manual upload routes
// POST /api/local/sync-trigger and
// POST /api/sync/meter-reading-upload/trigger. The cycle runs
// synchronously; 503 when the client system is offline, 409 when a
// cycle is already in flight.
func HandleUploadTrigger(svc *service.AgentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := svc.TriggerUpload(r.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, res)
	}
}

// HandleUploadStatus returns a handler for
// GET /api/sync/meter-reading-upload/status.
func HandleUploadStatus(svc *service.AgentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, svc.UploadStatus())
	}
}

// HandleUploadLog returns a handler for
// GET /api/sync/meter-reading-upload/log.
func HandleUploadLog(svc *service.AgentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, ok := parseIntQueryOrWriteInvalid(w, r, "limit")
		if !ok {
			return
		}
		logs, err := svc.UploadLog(limit)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, logs)
	}
}

// HandleMeterSyncStatus returns a handler for
// GET /api/local/meter-sync-status.
func HandleMeterSyncStatus(svc *service.AgentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, svc.MeterSyncStatus())
	}
}

// HandleMeterSyncTrigger returns a handler for
// POST /api/local/meter-sync-trigger. The pass runs synchronously; 409
// when one is already in flight.
func HandleMeterSyncTrigger(svc *service.AgentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := svc.TriggerMeterSync(r.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, res)
	}
}
