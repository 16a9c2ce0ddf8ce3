package api

import (
	"net"
	"net/http"
	"time"

	"github.com/go-chi/cors"
	log "github.com/sirupsen/logrus"

	"github.com/metergrid/syncagent/internal/model"
	"github.com/metergrid/syncagent/internal/requestlog"
)

var logger = log.WithField("component", "api")

// statusRecorder captures the response status for the request log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// corsMiddleware allows any origin. The API carries no credentials and
// runs behind a trusted boundary; browsers on the LAN talk to it
// directly.
func corsMiddleware(next http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		MaxAge:         300,
	})(next)
}

// requestLogMiddleware emits a log line per request and queues the
// record for persistence. recorder may be nil.
func requestLogMiddleware(recorder *requestlog.Service, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)

		source := r.RemoteAddr
		if host, _, err := net.SplitHostPort(source); err == nil {
			source = host
		}
		logger.WithFields(log.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"source":   source,
			"status":   rec.status,
			"duration": elapsed.Round(time.Millisecond).String(),
		}).Debug("request")

		if recorder != nil {
			recorder.Record(model.APIRequest{
				Method:     r.Method,
				Path:       r.URL.Path,
				RemoteAddr: source,
				UserAgent:  r.UserAgent(),
				Status:     rec.status,
				DurationMs: elapsed.Milliseconds(),
				CreatedAt:  start,
			})
		}
	})
}
