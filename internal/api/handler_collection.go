package api

import (
	"net/http"

	"github.com/metergrid/syncagent/internal/service"
)

// HandleReadings returns a handler for GET /api/local/readings.
func HandleReadings(svc *service.AgentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hours, ok := parseIntQueryOrWriteInvalid(w, r, "hours")
		if !ok {
			return
		}
		rows, err := svc.RecentReadings(hours)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, rows)
	}
}

// HandleCollectionStatus returns a handler for GET /api/meter-reading/status.
func HandleCollectionStatus(svc *service.AgentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, svc.MeterReadingStatus())
	}
}

// HandleCollectionTrigger returns a handler for POST /api/meter-reading/trigger.
// The cycle runs synchronously and may hold the response for minutes on
// a slow fleet.
func HandleCollectionTrigger(svc *service.AgentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := svc.TriggerCollection(r.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, res)
	}
}
