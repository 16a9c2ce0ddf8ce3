package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"github.com/metergrid/syncagent/internal/api"
	"github.com/metergrid/syncagent/internal/bacnet"
	"github.com/metergrid/syncagent/internal/buildinfo"
	"github.com/metergrid/syncagent/internal/collector"
	"github.com/metergrid/syncagent/internal/config"
	"github.com/metergrid/syncagent/internal/connectivity"
	"github.com/metergrid/syncagent/internal/downsync"
	"github.com/metergrid/syncagent/internal/fleet"
	"github.com/metergrid/syncagent/internal/remote"
	"github.com/metergrid/syncagent/internal/remotedb"
	"github.com/metergrid/syncagent/internal/requestlog"
	"github.com/metergrid/syncagent/internal/service"
	"github.com/metergrid/syncagent/internal/store"
	"github.com/metergrid/syncagent/internal/telemetry"
	"github.com/metergrid/syncagent/internal/uploader"
)

const (
	// syncCycleBudget bounds a downstream sync pass, at startup and on
	// the schedule.
	syncCycleBudget = 2 * time.Minute
	// shutdownGrace bounds the graceful drain before remaining work is
	// cancelled.
	shutdownGrace = 10 * time.Second

	retentionSchedule = "@every 24h"
)

type agentApp struct {
	cfg       *config.Config
	metrics   *telemetry.Metrics
	startedAt time.Time

	store    *store.Store
	remoteDB *remotedb.Client
	rest     *remote.Client
	cache    *fleet.Cache

	collector *collector.Engine
	downsync  *downsync.Agent
	uploader  *uploader.Manager
	conn      *connectivity.Monitor
	reqlog    *requestlog.Service

	cron   *cron.Cron
	apiSrv *api.Server
	apiLn  net.Listener

	// lifeCtx parents the contexts handed to scheduled jobs so shutdown
	// preempts their deadlines.
	lifeCtx    context.Context
	lifeCancel context.CancelFunc
}

func run(cfg *config.Config) error {
	app, err := newAgentApp(cfg)
	if err != nil {
		return err
	}

	serverErrCh := app.startBackground()
	runtimeErr := waitForShutdown(serverErrCh)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	app.shutdown(ctx)

	if runtimeErr != nil {
		return fmt.Errorf("runtime server error: %w", runtimeErr)
	}
	return nil
}

func newAgentApp(cfg *config.Config) (*agentApp, error) {
	lifeCtx, lifeCancel := context.WithCancel(context.Background())
	app := &agentApp{
		cfg:        cfg,
		metrics:    telemetry.New(),
		startedAt:  time.Now().UTC(),
		lifeCtx:    lifeCtx,
		lifeCancel: lifeCancel,
	}

	s, err := store.Open(cfg.LocalDBPath)
	if err != nil {
		lifeCancel()
		return nil, fail(exitStore, "open local store: %w", err)
	}
	app.store = s
	if err := s.EnsureReadingColumns(cfg.CollectionFields); err != nil {
		app.close()
		return nil, fail(exitStore, "ensure reading columns: %w", err)
	}
	log.WithField("path", cfg.LocalDBPath).Info("local store ready")

	remoteDB, err := remotedb.Open(cfg.RemoteDB.DSN())
	if err != nil {
		app.close()
		return nil, fail(exitStore, "open remote database pool: %w", err)
	}
	app.remoteDB = remoteDB

	app.rest = remote.New(cfg.ClientAPIURL, cfg.ClientAPITimeout)
	app.cache = fleet.NewCache(s)

	app.downsync = downsync.New(downsync.Config{
		TenantID: cfg.TenantID,
		Source:   remoteDB,
		Store:    s,
		Cache:    app.cache,
		KeySink:  app.rest.SetAPIKey,
		Metrics:  app.metrics,
	})

	if err := app.initialSync(); err != nil {
		app.close()
		return nil, err
	}

	reader := bacnet.NewUDPClient(bacnet.ClientConfig{
		LocalAddress:   cfg.BACnetInterface,
		ConnectTimeout: cfg.BACnetConnectTimeout,
		ReadTimeout:    cfg.BACnetReadTimeout,
	})
	app.collector = collector.New(collector.Config{
		Store:       s,
		Cache:       app.cache,
		Reader:      reader,
		Concurrency: cfg.MeterConcurrency,
		Metrics:     app.metrics,
	})

	app.conn = connectivity.NewMonitor(connectivity.MonitorConfig{
		Prober:       app.rest,
		Interval:     cfg.ConnectivityCheckInterval,
		ProbeTimeout: cfg.ClientAPITimeout,
		Metrics:      app.metrics,
	})

	app.uploader = uploader.New(uploader.Config{
		Store:      s,
		Shipper:    app.rest,
		Conn:       app.conn,
		BatchSize:  cfg.UploadBatchSize,
		MaxRetries: cfg.UploadMaxRetries,
		Metrics:    app.metrics,
	})

	app.reqlog = requestlog.NewService(requestlog.ServiceConfig{
		Sink:          s,
		QueueSize:     cfg.RequestLogQueueSize,
		FlushBatch:    cfg.RequestLogFlushBatchSize,
		FlushInterval: cfg.RequestLogFlushInterval,
	})

	svc := &service.AgentService{
		Store:     s,
		Cache:     app.cache,
		Collector: app.collector,
		Downsync:  app.downsync,
		Uploader:  app.uploader,
		Conn:      app.conn,
		Config:    cfg,
		Info: service.SystemInfo{
			Version:   buildinfo.Version,
			GitCommit: buildinfo.GitCommit,
			BuildTime: buildinfo.BuildTime,
			StartedAt: app.startedAt,
		},
	}
	app.apiSrv = api.NewServer(api.ServerConfig{
		Port:       cfg.LocalAPIPort,
		Service:    svc,
		Metrics:    app.metrics.Handler(),
		RequestLog: app.reqlog,
	})

	ln, err := net.Listen("tcp", app.apiSrv.Addr())
	if err != nil {
		app.close()
		return nil, fail(exitListen, "local api listen: %w", err)
	}
	app.apiLn = ln

	app.buildSchedules()
	return app, nil
}

// initialSync runs the first downstream sync. When the remote database is
// unreachable the agent falls back to the tenant and meters already in the
// local store; boot fails only when no tenant is obtainable at all.
func (a *agentApp) initialSync() error {
	ctx, cancel := context.WithTimeout(context.Background(), syncCycleBudget)
	defer cancel()

	if _, err := a.downsync.RunSync(ctx); err != nil {
		tenant, storeErr := a.store.Tenant()
		if storeErr != nil {
			return fail(exitStore, "read local tenant after failed sync: %w", storeErr)
		}
		if tenant == nil {
			return fail(exitTenant, "initial sync failed with no local tenant: %w", err)
		}
		log.WithError(err).Warn("initial sync failed, continuing with local configuration")
		if tenant.APIKey != "" {
			if keyErr := a.rest.SetAPIKey(tenant.APIKey); keyErr != nil {
				log.WithError(keyErr).Warn("stored api key rejected")
			}
		}
	}

	if err := a.cache.Reload(ctx); err != nil {
		return fail(exitStore, "populate fleet cache: %w", err)
	}
	snap := a.cache.Snapshot()
	if snap == nil || snap.Tenant == nil {
		return fail(exitTenant, "no tenant configured locally or remotely")
	}
	log.WithFields(log.Fields{
		"tenant": snap.Tenant.Name,
		"meters": len(snap.Meters),
	}).Info("fleet configuration loaded")
	return nil
}

// buildSchedules registers the cron entries. A bad entry is logged and
// skipped, never fatal.
func (a *agentApp) buildSchedules() {
	c := cron.New()
	addEntry := func(name, spec string, job func()) {
		if _, err := c.AddFunc(spec, job); err != nil {
			log.WithError(err).WithField("entry", name).Error("invalid schedule, entry disabled")
		}
	}

	if a.cfg.CollectionAutoStart {
		addEntry("collection", "@every "+a.cfg.CollectionInterval.String(), func() {
			if err := a.collector.TriggerAsync(); errors.Is(err, collector.ErrCycleRunning) {
				log.Debug("collection cycle still running, tick skipped")
			}
		})
	}

	if a.cfg.DownstreamSyncAutoStart {
		addEntry("downstream-sync", "@every "+a.cfg.DownstreamSyncInterval.String(), func() {
			ctx, cancel := context.WithTimeout(a.lifeCtx, syncCycleBudget)
			defer cancel()
			if _, err := a.downsync.RunSync(ctx); errors.Is(err, downsync.ErrSyncRunning) {
				log.Debug("downstream sync still running, tick skipped")
			}
		})
	}

	// Uploads have no auto-start flag; offline ticks no-op inside the
	// manager and reconnect drains come from the connectivity subscription.
	addEntry("upload", "@every "+a.cfg.UploadInterval.String(), func() {
		if err := a.uploader.TriggerAsync(); errors.Is(err, uploader.ErrUploadRunning) {
			log.Debug("upload cycle still running, tick skipped")
		}
	})

	if a.cfg.HeartbeatInterval > 0 {
		addEntry("heartbeat", "@every "+a.cfg.HeartbeatInterval.String(), a.heartbeat)
	}

	addEntry("retention", retentionSchedule, a.pruneRetention)

	a.cron = c
}

// heartbeat posts operational counters to the client system. Skipped
// while offline; the next online tick catches up.
func (a *agentApp) heartbeat() {
	if !a.conn.Connected() {
		return
	}
	tenant := a.cache.Tenant()
	if tenant == nil {
		return
	}

	queued, err := a.store.CountUnsynchronizedReadings()
	if err != nil {
		log.WithError(err).Warn("heartbeat queue count failed")
		return
	}
	counters := map[string]int64{
		"queue_size":     queued,
		"active_meters":  int64(a.cache.MeterCount()),
		"uptime_seconds": int64(time.Since(a.startedAt).Seconds()),
	}

	ctx, cancel := context.WithTimeout(a.lifeCtx, a.cfg.ClientAPITimeout)
	defer cancel()
	if err := a.rest.Heartbeat(ctx, tenant.ID, counters); err != nil {
		log.WithError(err).Debug("heartbeat failed")
	}
}

// pruneRetention trims sync logs, operation records and API request rows
// past the retention horizon.
func (a *agentApp) pruneRetention() {
	horizon := time.Now().AddDate(0, 0, -a.cfg.LogRetentionDays)

	syncLogs, err := a.store.PruneSyncLogs(horizon)
	if err != nil {
		log.WithError(err).Warn("prune sync logs failed")
	}
	ops, err := a.store.PruneOperations(horizon)
	if err != nil {
		log.WithError(err).Warn("prune operations failed")
	}
	requests, err := a.store.PruneAPIRequests(horizon)
	if err != nil {
		log.WithError(err).Warn("prune api requests failed")
	}
	log.WithFields(log.Fields{
		"sync_logs":  syncLogs,
		"operations": ops,
		"requests":   requests,
	}).Info("retention pruning finished")
}

func (a *agentApp) startBackground() <-chan error {
	serverErrCh := make(chan error, 1)
	reportServerErr := func(name string, err error) {
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return
		}
		wrapped := fmt.Errorf("%s: %w", name, err)
		select {
		case serverErrCh <- wrapped:
		default:
		}
	}

	a.conn.Start()
	log.Info("connectivity monitor started")

	a.uploader.Start()
	log.Info("uploader started")

	a.reqlog.Start()
	log.Info("request log service started")

	a.cron.Start()
	log.WithField("entries", len(a.cron.Entries())).Info("schedulers started")

	go func() {
		log.WithField("addr", a.apiSrv.Addr()).Info("local api listening")
		reportServerErr("local api", a.apiSrv.Serve(a.apiLn))
	}()

	return serverErrCh
}

// waitForShutdown blocks until a termination signal or a server failure.
// signal.Stop restores default dispositions on return, so a second signal
// during shutdown kills the process outright.
func waitForShutdown(serverErrCh <-chan error) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		log.WithField("signal", sig.String()).Info("shutting down")
		return nil
	case err := <-serverErrCh:
		log.WithError(err).Error("server failed, shutting down")
		return err
	}
}

func (a *agentApp) shutdown(ctx context.Context) {
	if err := a.apiSrv.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("local api shutdown")
	}
	log.Info("local api stopped")

	a.lifeCancel()
	select {
	case <-a.cron.Stop().Done():
		log.Info("schedulers stopped")
	case <-ctx.Done():
		log.Warn("scheduler drain timed out")
	}

	a.uploader.Stop()
	log.Info("uploader stopped")

	a.collector.Stop()
	log.Info("collector stopped")

	a.conn.Stop()
	log.Info("connectivity monitor stopped")

	a.reqlog.Stop()
	log.Info("request log flushed")

	a.close()
	log.Info("agent stopped")
}

// close releases the stores and listener. Safe on a partially constructed
// app.
func (a *agentApp) close() {
	a.lifeCancel()
	if a.apiLn != nil {
		_ = a.apiLn.Close()
	}
	if a.remoteDB != nil {
		if err := a.remoteDB.Close(); err != nil {
			log.WithError(err).Warn("remote database close")
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			log.WithError(err).Warn("local store close")
		}
	}
}
