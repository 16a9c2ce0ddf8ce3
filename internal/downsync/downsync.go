// Package downsync reconciles remote tenant and meter configuration into
// the local store. Flow is one-directional: the remote database wins,
// local rows never travel upstream, and meters leave the fleet by
// deactivation so their readings stay attributable.
package downsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/metergrid/syncagent/internal/fingerprint"
	"github.com/metergrid/syncagent/internal/fleet"
	"github.com/metergrid/syncagent/internal/model"
	"github.com/metergrid/syncagent/internal/store"
	"github.com/metergrid/syncagent/internal/telemetry"
)

var logger = log.WithField("component", "downsync")

var (
	// ErrSyncRunning rejects a sync while another is in flight.
	ErrSyncRunning = errors.New("downsync: sync already running")
	// ErrNoTenant means neither side knows the configured tenant.
	ErrNoTenant = errors.New("downsync: tenant not present locally or remotely")
)

// Component names this engine in the operation log.
const Component = "downsync"

// Source serves the authoritative configuration, normally the remote
// database client.
type Source interface {
	FetchTenant(ctx context.Context, tenantID int64) (*model.Tenant, error)
	FetchMeters(ctx context.Context, tenantID int64) ([]model.Meter, error)
}

// KeySink receives the tenant's api key after the tenant phase, normally
// the REST client's SetAPIKey.
type KeySink func(key string) error

// Config wires an Agent.
type Config struct {
	TenantID int64
	Source   Source
	Store    *store.Store
	Cache    *fleet.Cache
	KeySink  KeySink
	Metrics  *telemetry.Metrics
}

// Agent runs reconciliation cycles. At most one cycle is in flight.
type Agent struct {
	tenantID int64
	source   Source
	store    *store.Store
	cache    *fleet.Cache
	keySink  KeySink
	metrics  *telemetry.Metrics

	running atomic.Bool

	mu         sync.Mutex
	lastResult *model.SyncResult
}

// Status is a point-in-time view of the agent.
type Status struct {
	Running    bool              `json:"running"`
	LastResult *model.SyncResult `json:"last_result,omitempty"`
}

// New builds a stopped agent.
func New(cfg Config) *Agent {
	a := &Agent{
		tenantID: cfg.TenantID,
		source:   cfg.Source,
		store:    cfg.Store,
		cache:    cfg.Cache,
		keySink:  cfg.KeySink,
		metrics:  cfg.Metrics,
	}
	if a.metrics == nil {
		a.metrics = telemetry.New()
	}
	return a
}

// TenantID returns the tenant this agent reconciles.
func (a *Agent) TenantID() int64 {
	return a.tenantID
}

// Status returns the agent's current state.
func (a *Agent) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Status{Running: a.running.Load(), LastResult: a.lastResult}
}

// RunSync performs one reconciliation pass: tenant first, then the meter
// set. Returns ErrSyncRunning when a pass is already in flight. The
// returned result is recorded even on failure.
func (a *Agent) RunSync(ctx context.Context) (*model.SyncResult, error) {
	if !a.running.CompareAndSwap(false, true) {
		return nil, ErrSyncRunning
	}
	defer a.running.Store(false)

	started := time.Now()
	res := &model.SyncResult{Timestamp: started}

	err := a.sync(ctx, res)
	res.Success = err == nil
	if err != nil {
		res.Error = err.Error()
	}
	finished := time.Now()

	a.mu.Lock()
	a.lastResult = res
	a.mu.Unlock()

	a.metrics.CycleDuration.WithLabelValues(Component).Observe(finished.Sub(started).Seconds())
	a.appendOperation(started, finished, res)

	if err != nil {
		logger.WithError(err).Warn("downstream sync failed")
		return res, err
	}
	logger.WithFields(log.Fields{
		"inserted":    res.Inserted,
		"updated":     res.Updated,
		"deactivated": res.Deleted,
	}).Info("downstream sync finished")
	return res, nil
}

func (a *Agent) sync(ctx context.Context, res *model.SyncResult) error {
	// Tenant phase.
	remoteTenant, err := a.source.FetchTenant(ctx, a.tenantID)
	if err != nil {
		return fmt.Errorf("fetch tenant: %w", err)
	}
	localTenant, err := a.store.Tenant()
	if err != nil {
		return fmt.Errorf("load local tenant: %w", err)
	}
	if remoteTenant == nil && localTenant == nil {
		return ErrNoTenant
	}

	tenant := localTenant
	if remoteTenant != nil {
		switch {
		case localTenant == nil:
			if err := a.store.UpsertTenant(*remoteTenant); err != nil {
				return fmt.Errorf("insert tenant: %w", err)
			}
			res.Inserted++
			a.metrics.SyncRows.WithLabelValues(telemetry.RowInserted).Inc()
		case fingerprint.Tenant(*localTenant) != fingerprint.Tenant(*remoteTenant):
			if err := a.store.UpsertTenant(*remoteTenant); err != nil {
				return fmt.Errorf("update tenant: %w", err)
			}
			res.Updated++
			a.metrics.SyncRows.WithLabelValues(telemetry.RowUpdated).Inc()
		}
		tenant = remoteTenant
	}

	if a.keySink != nil && tenant.APIKey != "" {
		if err := a.keySink(tenant.APIKey); err != nil {
			// A rejected key must not unwind row changes already applied.
			logger.WithError(err).Warn("api key handoff rejected")
		}
	}

	// Meter phase.
	remoteMeters, err := a.source.FetchMeters(ctx, a.tenantID)
	if err != nil {
		return fmt.Errorf("fetch meters: %w", err)
	}
	localMeters, err := a.store.ListMeters(false)
	if err != nil {
		return fmt.Errorf("load local meters: %w", err)
	}

	rowErrs := a.apply(diffMeters(localMeters, remoteMeters), res)

	if res.Changed() {
		if err := a.cache.Reload(ctx); err != nil {
			return fmt.Errorf("reload fleet cache: %w", err)
		}
	}
	if rowErrs > 0 {
		return fmt.Errorf("%d meter rows failed to apply", rowErrs)
	}
	return nil
}

// meterPlan is the row-level outcome of one diff.
type meterPlan struct {
	deactivateKeys []model.MeterKey // gone remotely
	deactivateRows []model.Meter    // present remotely with active=false
	insert         []model.Meter
	update         []model.Meter
}

// diffMeters compares local and remote meter sets by composite key. The
// fingerprint decides updates, so reactivation and field drift both land
// in update; rows flagged inactive remotely count as deactivations.
func diffMeters(local, remote []model.Meter) meterPlan {
	localByKey := make(map[model.MeterKey]model.Meter, len(local))
	for _, m := range local {
		localByKey[m.Key()] = m
	}
	seen := make(map[model.MeterKey]bool, len(remote))

	var plan meterPlan
	for _, rm := range remote {
		seen[rm.Key()] = true
		lm, ok := localByKey[rm.Key()]
		switch {
		case !ok:
			plan.insert = append(plan.insert, rm)
		case !rm.Active && lm.Active:
			plan.deactivateRows = append(plan.deactivateRows, rm)
		case fingerprint.Meter(lm) != fingerprint.Meter(rm):
			plan.update = append(plan.update, rm)
		}
	}
	for _, lm := range local {
		if !seen[lm.Key()] && lm.Active {
			plan.deactivateKeys = append(plan.deactivateKeys, lm.Key())
		}
	}
	return plan
}

// apply writes the plan: deactivations first, then inserts, then updates.
// Every row is its own transaction; one failing row logs and the pass
// moves on.
func (a *Agent) apply(plan meterPlan, res *model.SyncResult) int {
	rowErrs := 0

	deactivated := func() {
		res.Deleted++
		a.metrics.SyncRows.WithLabelValues(telemetry.RowDeactivated).Inc()
	}
	for _, key := range plan.deactivateKeys {
		if err := a.store.DeactivateMeter(key); err != nil {
			rowErrs++
			logger.WithError(err).WithField("meter", key).Error("deactivate meter failed")
			continue
		}
		deactivated()
	}
	for _, m := range plan.deactivateRows {
		if err := a.store.UpsertMeter(m); err != nil {
			rowErrs++
			logger.WithError(err).WithField("meter", m.Key()).Error("deactivate meter failed")
			continue
		}
		deactivated()
	}
	for _, m := range plan.insert {
		if err := a.store.UpsertMeter(m); err != nil {
			rowErrs++
			logger.WithError(err).WithField("meter", m.Key()).Error("insert meter failed")
			continue
		}
		res.Inserted++
		a.metrics.SyncRows.WithLabelValues(telemetry.RowInserted).Inc()
	}
	for _, m := range plan.update {
		if err := a.store.UpsertMeter(m); err != nil {
			rowErrs++
			logger.WithError(err).WithField("meter", m.Key()).Error("update meter failed")
			continue
		}
		res.Updated++
		a.metrics.SyncRows.WithLabelValues(telemetry.RowUpdated).Inc()
	}
	return rowErrs
}

func (a *Agent) appendOperation(started, finished time.Time, res *model.SyncResult) {
	detail := fmt.Sprintf("inserted=%d updated=%d deactivated=%d", res.Inserted, res.Updated, res.Deleted)
	if res.Error != "" {
		detail = res.Error
	}
	op := model.OperationRecord{
		ID:         uuid.NewString(),
		Component:  Component,
		StartedAt:  started,
		FinishedAt: finished,
		Success:    res.Success,
		Detail:     detail,
	}
	if err := a.store.AppendOperation(op); err != nil {
		logger.WithError(err).Warn("append operation record failed")
	}
}
