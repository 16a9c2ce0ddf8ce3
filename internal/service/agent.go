package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/metergrid/syncagent/internal/collector"
	"github.com/metergrid/syncagent/internal/config"
	"github.com/metergrid/syncagent/internal/connectivity"
	"github.com/metergrid/syncagent/internal/downsync"
	"github.com/metergrid/syncagent/internal/fleet"
	"github.com/metergrid/syncagent/internal/model"
	"github.com/metergrid/syncagent/internal/store"
	"github.com/metergrid/syncagent/internal/uploader"
)

const (
	// collectionBudget bounds a manually triggered collection cycle.
	collectionBudget = 5 * time.Minute

	defaultReadingHours = 24
	maxReadingRows      = 1000

	defaultLogLimit = 50
	maxLogLimit     = 500

	recentFailureCount = 10
)

// AgentService provides all local-API operations.
// Handlers call its methods; business logic lives here, not in handlers.
type AgentService struct {
	Store     *store.Store
	Cache     *fleet.Cache
	Collector *collector.Engine
	Downsync  *downsync.Agent
	Uploader  *uploader.Manager
	Conn      *connectivity.Monitor
	Info      SystemInfo
	Config    *config.Config
}

// GetSystemInfo returns build and start-time information.
func (s *AgentService) GetSystemInfo() SystemInfo {
	return s.Info
}

// ConfigView returns the redacted effective configuration.
func (s *AgentService) ConfigView() config.View {
	return s.Config.View()
}

// Tenant returns the cached tenant, or nil while the fleet cache has
// never been loaded.
func (s *AgentService) Tenant() *model.Tenant {
	return s.Cache.Tenant()
}

// TenantSyncResult is the tenant-sync response payload.
type TenantSyncResult struct {
	Success    bool              `json:"success"`
	SyncResult *model.SyncResult `json:"sync_result"`
	TenantData *model.Tenant     `json:"tenant_data"`
}

// TenantSync validates the requested tenant id against the configured
// one and runs a downstream sync pass synchronously. The returned
// tenant data reflects the reloaded cache.
func (s *AgentService) TenantSync(ctx context.Context, tenantID int64) (*TenantSyncResult, error) {
	if configured := s.Downsync.TenantID(); tenantID != configured {
		return nil, invalidArg(fmt.Sprintf("tenant_id %d does not match configured tenant %d", tenantID, configured))
	}
	res, err := s.Downsync.RunSync(ctx)
	if err != nil {
		if errors.Is(err, downsync.ErrSyncRunning) {
			return nil, conflict("tenant sync already running")
		}
		return nil, internal("tenant sync failed", err)
	}
	return &TenantSyncResult{Success: res.Success, SyncResult: res, TenantData: s.Cache.Tenant()}, nil
}

// ActiveMeters lists the active meter points from the local store.
func (s *AgentService) ActiveMeters() ([]model.Meter, error) {
	meters, err := s.Store.ListMeters(true)
	if err != nil {
		return nil, internal("list meters", err)
	}
	if meters == nil {
		meters = []model.Meter{}
	}
	return meters, nil
}

// RecentReadings returns readings collected inside the hours window,
// newest first, capped at maxReadingRows. hours <= 0 selects the
// default window.
func (s *AgentService) RecentReadings(hours int) ([]model.ReadingRow, error) {
	if hours <= 0 {
		hours = defaultReadingHours
	}
	since := time.Now().Add(-time.Duration(hours) * time.Hour)
	rows, err := s.Store.ListRecentReadings(since, maxReadingRows)
	if err != nil {
		return nil, internal("list readings", err)
	}
	if rows == nil {
		rows = []model.ReadingRow{}
	}
	return rows, nil
}

// SyncStatus summarizes upload-path health for the local API.
type SyncStatus struct {
	IsConnected bool            `json:"is_connected"`
	LastSyncAt  *time.Time      `json:"last_sync_at"`
	QueueSize   int64           `json:"queue_size"`
	SyncErrors  []model.SyncLog `json:"sync_errors"`
}

// UploadSyncStatus assembles the composite sync-status view: live
// connectivity, the last successful upload, the unsynchronized backlog
// and recent failures.
func (s *AgentService) UploadSyncStatus() (*SyncStatus, error) {
	st := &SyncStatus{IsConnected: s.Conn.Connected()}

	queue, err := s.Store.CountUnsynchronizedReadings()
	if err != nil {
		return nil, internal("count upload queue", err)
	}
	st.QueueSize = queue

	last, err := s.Store.LastSuccessfulSync()
	if err != nil {
		return nil, internal("read sync log", err)
	}
	if last != nil {
		st.LastSyncAt = &last.SyncedAt
	}

	failures, err := s.Store.RecentSyncFailures(recentFailureCount)
	if err != nil {
		return nil, internal("read sync failures", err)
	}
	if failures == nil {
		failures = []model.SyncLog{}
	}
	st.SyncErrors = failures
	return st, nil
}

// TriggerUpload runs one upload cycle synchronously.
func (s *AgentService) TriggerUpload(ctx context.Context) (*model.UploadResult, error) {
	res, err := s.Uploader.RunCycle(ctx)
	switch {
	case errors.Is(err, uploader.ErrUploadRunning):
		return nil, conflict("upload already running")
	case errors.Is(err, uploader.ErrOffline):
		return nil, unavailable("client system offline")
	case err != nil:
		return nil, internal("upload cycle failed", err)
	}
	return res, nil
}

// UploadStatus returns the upload manager's counters.
func (s *AgentService) UploadStatus() uploader.Status {
	return s.Uploader.Status()
}

// UploadLog returns the newest upload sync log rows.
func (s *AgentService) UploadLog(limit int) ([]model.SyncLog, error) {
	logs, err := s.Store.RecentSyncLogs(clampLimit(limit))
	if err != nil {
		return nil, internal("read sync log", err)
	}
	if logs == nil {
		logs = []model.SyncLog{}
	}
	return logs, nil
}

// MeterSyncStatus returns the downstream sync agent's state.
func (s *AgentService) MeterSyncStatus() downsync.Status {
	return s.Downsync.Status()
}

// TriggerMeterSync runs one downstream sync pass synchronously.
func (s *AgentService) TriggerMeterSync(ctx context.Context) (*model.SyncResult, error) {
	res, err := s.Downsync.RunSync(ctx)
	if err != nil {
		if errors.Is(err, downsync.ErrSyncRunning) {
			return nil, conflict("meter sync already running")
		}
		return nil, internal("meter sync failed", err)
	}
	return res, nil
}

// CollectionStatus is the collection engine view served by the local API.
type CollectionStatus struct {
	Running    bool                             `json:"running"`
	LastResult *model.CycleResult               `json:"last_result,omitempty"`
	Points     map[string]collector.PointStatus `json:"points"`
}

// MeterReadingStatus assembles engine state plus per-point read health.
func (s *AgentService) MeterReadingStatus() CollectionStatus {
	st := s.Collector.Status()
	return CollectionStatus{
		Running:    st.Running,
		LastResult: st.LastResult,
		Points:     s.Collector.PointStatuses(),
	}
}

// TriggerCollection runs one collection cycle synchronously, bounded by
// collectionBudget.
func (s *AgentService) TriggerCollection(ctx context.Context) (*model.CycleResult, error) {
	ctx, cancel := context.WithTimeout(ctx, collectionBudget)
	defer cancel()
	res, err := s.Collector.RunCycle(ctx)
	if err != nil {
		if errors.Is(err, collector.ErrCycleRunning) {
			return nil, conflict("collection cycle already running")
		}
		return nil, internal("collection cycle failed", err)
	}
	return res, nil
}

// RequestLog returns recently persisted local-API requests.
func (s *AgentService) RequestLog(limit int) ([]model.APIRequest, error) {
	entries, err := s.Store.RecentAPIRequests(clampLimit(limit))
	if err != nil {
		return nil, internal("read request log", err)
	}
	if entries == nil {
		entries = []model.APIRequest{}
	}
	return entries, nil
}

// Operations returns the operational trace, optionally filtered to one
// component.
func (s *AgentService) Operations(component string, limit int) ([]model.OperationRecord, error) {
	switch component {
	case "", collector.Component, downsync.Component, uploader.Component:
	default:
		return nil, invalidArg(fmt.Sprintf("unknown component %q", component))
	}
	ops, err := s.Store.RecentOperations(component, clampLimit(limit))
	if err != nil {
		return nil, internal("read operations", err)
	}
	if ops == nil {
		ops = []model.OperationRecord{}
	}
	return ops, nil
}

func clampLimit(n int) int {
	if n <= 0 {
		return defaultLogLimit
	}
	if n > maxLogLimit {
		return maxLogLimit
	}
	return n
}
