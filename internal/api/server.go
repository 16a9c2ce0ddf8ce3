package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/metergrid/syncagent/internal/requestlog"
	"github.com/metergrid/syncagent/internal/service"
)

// ServerConfig wires a Server.
type ServerConfig struct {
	// ListenAddress is the bind address; empty binds all interfaces.
	ListenAddress string
	Port          int
	Service       *service.AgentService
	// Metrics serves GET /metrics when set.
	Metrics http.Handler
	// RequestLog queues request records for persistence. May be nil.
	RequestLog *requestlog.Service
}

// Server wraps the HTTP server and mux for the local API.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
}

// NewServer creates a server wired with all routes.
func NewServer(cfg ServerConfig) *Server {
	svc := cfg.Service
	mux := http.NewServeMux()

	mux.Handle("GET /health", HandleHealth())
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics)
	}

	mux.Handle("GET /api/local/version", HandleVersion(svc.Info))
	mux.Handle("GET /api/local/config", HandleConfig(svc))
	mux.Handle("GET /api/local/tenant", HandleTenant(svc))
	mux.Handle("POST /api/local/tenant-sync", HandleTenantSync(svc))
	mux.Handle("GET /api/local/meters", HandleMeters(svc))
	mux.Handle("GET /api/local/readings", HandleReadings(svc))
	mux.Handle("GET /api/local/sync-status", HandleSyncStatus(svc))
	mux.Handle("POST /api/local/sync-trigger", HandleUploadTrigger(svc))
	mux.Handle("GET /api/local/meter-sync-status", HandleMeterSyncStatus(svc))
	mux.Handle("POST /api/local/meter-sync-trigger", HandleMeterSyncTrigger(svc))
	mux.Handle("GET /api/local/request-log", HandleRequestLog(svc))
	mux.Handle("GET /api/local/operations", HandleOperations(svc))

	mux.Handle("GET /api/meter-reading/status", HandleCollectionStatus(svc))
	mux.Handle("POST /api/meter-reading/trigger", HandleCollectionTrigger(svc))

	mux.Handle("GET /api/sync/meter-reading-upload/status", HandleUploadStatus(svc))
	mux.Handle("GET /api/sync/meter-reading-upload/log", HandleUploadLog(svc))
	mux.Handle("POST /api/sync/meter-reading-upload/trigger", HandleUploadTrigger(svc))

	handler := corsMiddleware(requestLogMiddleware(cfg.RequestLog, mux))

	// WriteTimeout stays zero: a manual collection trigger legitimately
	// holds its response for minutes.
	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.ListenAddress, strconv.Itoa(cfg.Port)),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &Server{httpServer: srv, handler: handler}
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Serve accepts connections on ln. It blocks until the server stops.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// ListenAndServe starts the HTTP server. It blocks until the server stops.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the middleware-wrapped handler for testing.
func (s *Server) Handler() http.Handler {
	return s.handler
}
