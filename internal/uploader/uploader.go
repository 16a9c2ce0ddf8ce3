// Package uploader drains unsynchronized readings from the local store to
// the client system in batches. Cycles are gated by the connectivity
// monitor: an offline agent queues silently, a reconnect triggers a drain.
// Readings are deleted only after the client system acknowledged them.
package uploader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/metergrid/syncagent/internal/connectivity"
	"github.com/metergrid/syncagent/internal/model"
	"github.com/metergrid/syncagent/internal/remote"
	"github.com/metergrid/syncagent/internal/store"
	"github.com/metergrid/syncagent/internal/telemetry"
)

var logger = log.WithField("component", "uploader")

var (
	// ErrUploadRunning rejects a cycle while another is in flight.
	ErrUploadRunning = errors.New("uploader: upload already in progress")
	// ErrOffline rejects a cycle while the client system is unreachable.
	ErrOffline = errors.New("uploader: client system offline")
)

// Component names this manager in the operation log.
const Component = "upload"

const (
	defaultBatchSize  = 1000
	defaultMaxRetries = 5
	backoffInitial    = 2 * time.Second
	backoffMax        = 60 * time.Second
)

// Shipper sends one batch upstream and reports how many rows the client
// system accepted.
type Shipper interface {
	UploadReadings(ctx context.Context, tenantID int64, readings []model.ReadingRow) (int, error)
}

// Connectivity is the slice of the monitor the manager consumes.
type Connectivity interface {
	Connected() bool
	ForceCheck(ctx context.Context) (bool, error)
	Subscribe(name string, buffer int) <-chan connectivity.Event
}

// Config wires a Manager.
type Config struct {
	Store     *store.Store
	Shipper   Shipper
	Conn      Connectivity
	BatchSize int
	// MaxRetries bounds additional attempts per batch after the first;
	// negative is treated as zero.
	MaxRetries int
	Metrics    *telemetry.Metrics
}

// Manager runs upload cycles.
type Manager struct {
	store      *store.Store
	shipper    Shipper
	conn       Connectivity
	batchSize  int
	maxRetries int
	metrics    *telemetry.Metrics

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	mu            sync.Mutex
	lastResult    *model.UploadResult
	cycles        int64
	totalUploaded int64
	totalFailed   int64
}

// Status is a point-in-time view of the manager with cumulative totals
// across cycles.
type Status struct {
	Running       bool                `json:"running"`
	Cycles        int64               `json:"cycles"`
	TotalUploaded int64               `json:"total_uploaded"`
	TotalFailed   int64               `json:"total_failed"`
	LastResult    *model.UploadResult `json:"last_result,omitempty"`
}

// New builds a stopped manager.
func New(cfg Config) *Manager {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	m := &Manager{
		store:      cfg.Store,
		shipper:    cfg.Shipper,
		conn:       cfg.Conn,
		batchSize:  batchSize,
		maxRetries: maxRetries,
		metrics:    cfg.Metrics,
		stopCh:     make(chan struct{}),
	}
	if m.metrics == nil {
		m.metrics = telemetry.New()
	}
	return m
}

// newBackoffPolicy returns the fixed-parameter exponential policy used
// between upload attempts: 2s, 4s, ... capped at 60s, no jitter.
func newBackoffPolicy() *backoff.ExponentialBackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = backoffInitial
	policy.RandomizationFactor = 0
	policy.Multiplier = 2
	policy.MaxInterval = backoffMax
	policy.MaxElapsedTime = 0
	policy.Reset()
	return policy
}

// Start subscribes to connectivity transitions so a reconnect drains the
// queue immediately. An agent that is already online gets one initial
// drain, which also covers a transition missed before the subscription.
func (m *Manager) Start() {
	feed := m.conn.Subscribe("uploader", 4)
	m.wg.Add(1)
	go m.watch(feed)
	if m.conn.Connected() {
		if err := m.TriggerAsync(); err != nil && !errors.Is(err, ErrUploadRunning) {
			logger.WithError(err).Warn("initial drain failed to start")
		}
	}
}

func (m *Manager) watch(feed <-chan connectivity.Event) {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			return
		case ev, ok := <-feed:
			if !ok {
				return
			}
			if ev.Type != connectivity.EventConnected {
				continue
			}
			logger.Info("client system reconnected, draining queue")
			if err := m.TriggerAsync(); err != nil && !errors.Is(err, ErrUploadRunning) {
				logger.WithError(err).Warn("reconnect drain failed to start")
			}
		}
	}
}

// Stop aborts backoff waits and blocks until background work returns.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

// TriggerAsync starts a cycle in the background. A cycle already in
// flight is reported immediately as ErrUploadRunning.
func (m *Manager) TriggerAsync() error {
	if m.running.Load() {
		return ErrUploadRunning
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		_, err := m.RunCycle(context.Background())
		if err != nil && !errors.Is(err, ErrUploadRunning) && !errors.Is(err, ErrOffline) {
			logger.WithError(err).Warn("background upload cycle failed")
		}
	}()
	return nil
}

// Status returns the manager's current state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		Running:       m.running.Load(),
		Cycles:        m.cycles,
		TotalUploaded: m.totalUploaded,
		TotalFailed:   m.totalFailed,
		LastResult:    m.lastResult,
	}
}

// RunCycle attempts to drain the queue once. Offline at entry returns
// ErrOffline without touching the store.
func (m *Manager) RunCycle(ctx context.Context) (*model.UploadResult, error) {
	if !m.running.CompareAndSwap(false, true) {
		return nil, ErrUploadRunning
	}
	defer m.running.Store(false)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	watchdone := make(chan struct{})
	defer close(watchdone)
	go func() {
		select {
		case <-m.stopCh:
			cancel()
		case <-watchdone:
		}
	}()

	started := time.Now()
	res := &model.UploadResult{StartedAt: started}

	if !m.conn.Connected() {
		res.FinishedAt = time.Now()
		res.Error = ErrOffline.Error()
		m.metrics.UploadFailures.WithLabelValues(telemetry.FailureOffline).Inc()
		m.storeResult(res)
		logger.Debug("upload cycle skipped, client system offline")
		return res, ErrOffline
	}
	res.IsClientConnected = true

	abandoned, err := m.cycle(ctx, res)
	res.FinishedAt = time.Now()
	if err != nil {
		res.Error = err.Error()
	}
	m.storeResult(res)
	m.metrics.CycleDuration.WithLabelValues(Component).Observe(res.FinishedAt.Sub(started).Seconds())
	m.appendOperation(res, err == nil && abandoned == 0)

	if err != nil {
		logger.WithError(err).Warn("upload cycle failed")
		return res, err
	}
	logger.WithFields(log.Fields{
		"queued":   res.QueueSizeAtStart,
		"uploaded": res.TotalUploaded,
		"failed":   res.TotalFailed,
		"batches":  res.Batches,
	}).Info("upload cycle finished")
	return res, nil
}

// cycle drains batches until the queue is empty or a batch is abandoned.
// It returns how many batches were abandoned (retry exhaustion or
// rejection) and the fatal error, if any.
func (m *Manager) cycle(ctx context.Context, res *model.UploadResult) (int, error) {
	queued, err := m.store.CountUnsynchronizedReadings()
	if err != nil {
		return 0, fmt.Errorf("count queue: %w", err)
	}
	res.QueueSizeAtStart = queued
	m.metrics.UploadQueueSize.Set(float64(queued))

	abandoned, err := m.drain(ctx, res)

	if res.TotalUploaded > 0 {
		if logErr := m.store.AppendSyncLog(res.TotalUploaded, true, ""); logErr != nil {
			logger.WithError(logErr).Warn("append sync log failed")
		}
	}
	if left, countErr := m.store.CountUnsynchronizedReadings(); countErr == nil {
		m.metrics.UploadQueueSize.Set(float64(left))
	}
	return abandoned, err
}

func (m *Manager) drain(ctx context.Context, res *model.UploadResult) (int, error) {
	for {
		if err := ctx.Err(); err != nil {
			return 0, fmt.Errorf("upload aborted: %w", err)
		}
		rows, err := m.store.ListUnsynchronizedReadings(m.batchSize)
		if err != nil {
			return 0, fmt.Errorf("list queue: %w", err)
		}
		if len(rows) == 0 {
			return 0, nil
		}
		res.Batches++

		abandoned, err := m.shipBatch(ctx, rows, res)
		if err != nil {
			return 0, err
		}
		if abandoned {
			// Same readings are retried next cycle; stop here so one
			// bad batch cannot spin the loop.
			return 1, nil
		}
	}
}

// shipBatch uploads one batch with bounded retries. It reports whether
// the batch was abandoned (left queued for a later cycle).
func (m *Manager) shipBatch(ctx context.Context, rows []model.ReadingRow, res *model.UploadResult) (bool, error) {
	ids := make([]int64, len(rows))
	for i, row := range rows {
		ids[i] = row.ID
	}
	tenantID := rows[0].TenantID

	policy := newBackoffPolicy()
	var lastErr error
	for attempt := 0; attempt <= m.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(policy.NextBackOff()):
			case <-ctx.Done():
				return false, fmt.Errorf("upload aborted: %w", ctx.Err())
			}
			online, probeErr := m.conn.ForceCheck(ctx)
			if probeErr != nil || !online {
				res.IsClientConnected = false
				m.metrics.UploadFailures.WithLabelValues(telemetry.FailureOffline).Inc()
				return false, ErrOffline
			}
		}

		m.metrics.UploadAttempts.Inc()
		accepted, err := m.shipper.UploadReadings(ctx, tenantID, rows)
		if err == nil {
			if delErr := m.store.DeleteReadings(ids); delErr != nil {
				return false, fmt.Errorf("delete acknowledged readings: %w", delErr)
			}
			if accepted != len(rows) {
				logger.WithFields(log.Fields{"sent": len(rows), "accepted": accepted}).
					Debug("client system accepted a different row count")
			}
			res.TotalUploaded += len(rows)
			m.metrics.ReadingsUploaded.Add(float64(len(rows)))
			return false, nil
		}
		lastErr = err

		if !remote.IsRetryable(err) {
			m.metrics.UploadFailures.WithLabelValues(telemetry.FailureNonRetryable).Inc()
			m.appendSyncFailure(len(rows), err)
			logger.WithError(err).WithField("batch", len(rows)).Error("batch rejected, operator action required")
			return true, nil
		}
		m.metrics.UploadFailures.WithLabelValues(telemetry.FailureRetryable).Inc()
		logger.WithError(err).WithFields(log.Fields{
			"batch":   len(rows),
			"attempt": attempt + 1,
		}).Warn("upload attempt failed")
	}

	if incErr := m.store.IncrementRetryCount(ids); incErr != nil {
		logger.WithError(incErr).Warn("increment retry count failed")
	}
	m.appendSyncFailure(len(rows), lastErr)
	res.TotalFailed += len(rows)
	return true, nil
}

func (m *Manager) appendSyncFailure(batchSize int, err error) {
	if logErr := m.store.AppendSyncLog(batchSize, false, err.Error()); logErr != nil {
		logger.WithError(logErr).Warn("append sync log failed")
	}
}

func (m *Manager) storeResult(res *model.UploadResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastResult = res
	m.cycles++
	m.totalUploaded += int64(res.TotalUploaded)
	m.totalFailed += int64(res.TotalFailed)
}

func (m *Manager) appendOperation(res *model.UploadResult, success bool) {
	detail := fmt.Sprintf("queued=%d uploaded=%d failed=%d batches=%d",
		res.QueueSizeAtStart, res.TotalUploaded, res.TotalFailed, res.Batches)
	if res.Error != "" {
		detail += "; " + res.Error
	}
	op := model.OperationRecord{
		ID:         uuid.NewString(),
		Component:  Component,
		StartedAt:  res.StartedAt,
		FinishedAt: res.FinishedAt,
		Success:    success,
		Detail:     detail,
	}
	if err := m.store.AppendOperation(op); err != nil {
		logger.WithError(err).Warn("append operation record failed")
	}
}
