// Package collector polls the active meter fleet over BACnet and lands
// pivoted wide rows in the local store. One cycle runs at a time; meters
// on the same device share one sequential exchange while distinct devices
// are polled concurrently.
package collector

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/maypok86/otter"
	"github.com/puzpuzpuz/xsync/v4"
	log "github.com/sirupsen/logrus"

	"github.com/metergrid/syncagent/internal/bacnet"
	"github.com/metergrid/syncagent/internal/fleet"
	"github.com/metergrid/syncagent/internal/model"
	"github.com/metergrid/syncagent/internal/store"
	"github.com/metergrid/syncagent/internal/telemetry"
)

var logger = log.WithField("component", "collector")

// ErrCycleRunning rejects a cycle while another is in flight.
var ErrCycleRunning = errors.New("collector: cycle already running")

// Component names this engine in the operation log.
const Component = "collection"

const (
	defaultConcurrency = 4
	subBatchSize       = 100
	persistAttempts    = 3
	lastSampleCapacity = 4096
	maxCycleErrors     = 20
)

// persistBackoff returns the fixed wait before retry attempt n (1-based).
func persistBackoff(attempt int) time.Duration {
	return time.Duration(attempt) * time.Second
}

// PointStatus tracks the health of one meter data point across cycles.
type PointStatus struct {
	LastAttemptAt time.Time `json:"last_attempt_at"`
	LastSuccessAt time.Time `json:"last_success_at"`
	LastError     string    `json:"last_error,omitempty"`
	Failures      int       `json:"failures"`
}

// Sample is one good reading retained for the status surface.
type Sample struct {
	Field string    `json:"field"`
	Value float64   `json:"value"`
	At    time.Time `json:"at"`
}

// Config wires an Engine.
type Config struct {
	Store       *store.Store
	Cache       *fleet.Cache
	Reader      bacnet.Reader
	Concurrency int
	Metrics     *telemetry.Metrics
}

// Engine runs collection cycles.
type Engine struct {
	store   *store.Store
	cache   *fleet.Cache
	reader  bacnet.Reader
	sem     chan struct{}
	metrics *telemetry.Metrics

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	points      *xsync.Map[model.MeterKey, PointStatus]
	lastSamples otter.Cache[model.MeterKey, Sample]

	mu         sync.Mutex
	lastResult *model.CycleResult
}

// Status is a point-in-time view of the engine.
type Status struct {
	Running    bool               `json:"running"`
	LastResult *model.CycleResult `json:"last_result,omitempty"`
}

// New builds a stopped engine.
func New(cfg Config) *Engine {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	samples, err := otter.MustBuilder[model.MeterKey, Sample](lastSampleCapacity).
		Cost(func(_ model.MeterKey, _ Sample) uint32 { return 1 }).
		Build()
	if err != nil {
		panic("collector: build sample cache: " + err.Error())
	}

	e := &Engine{
		store:       cfg.Store,
		cache:       cfg.Cache,
		reader:      cfg.Reader,
		sem:         make(chan struct{}, concurrency),
		metrics:     cfg.Metrics,
		stopCh:      make(chan struct{}),
		points:      xsync.NewMap[model.MeterKey, PointStatus](),
		lastSamples: samples,
	}
	if e.metrics == nil {
		e.metrics = telemetry.New()
	}
	return e
}

// Stop aborts persist waits and blocks until triggered cycles return.
func (e *Engine) Stop() {
	close(e.stopCh)
	e.wg.Wait()
}

// TriggerAsync starts a cycle in the background. A cycle already in
// flight is reported immediately as ErrCycleRunning.
func (e *Engine) TriggerAsync() error {
	if e.running.Load() {
		return ErrCycleRunning
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if _, err := e.RunCycle(context.Background()); err != nil && !errors.Is(err, ErrCycleRunning) {
			logger.WithError(err).Warn("background collection cycle failed")
		}
	}()
	return nil
}

// Status returns the engine's current state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{Running: e.running.Load(), LastResult: e.lastResult}
}

// PointStatuses returns per-point health, ordered by meter then element.
func (e *Engine) PointStatuses() map[string]PointStatus {
	out := make(map[string]PointStatus)
	e.points.Range(func(key model.MeterKey, st PointStatus) bool {
		out[fmt.Sprintf("%d/%d", key.MeterID, key.ElementID)] = st
		return true
	})
	return out
}

// LastSample returns the most recent good reading for a point, if the
// bounded sample cache still holds one.
func (e *Engine) LastSample(key model.MeterKey) (Sample, bool) {
	return e.lastSamples.Get(key)
}

// RunCycle performs one collection cycle: pin the fleet snapshot, poll
// every active meter, validate, pivot and persist. The fleet cache is
// invalidated afterwards regardless of outcome so the next cycle sees
// fresh configuration.
func (e *Engine) RunCycle(ctx context.Context) (*model.CycleResult, error) {
	if !e.running.CompareAndSwap(false, true) {
		return nil, ErrCycleRunning
	}
	defer e.running.Store(false)
	defer e.cache.Invalidate()

	// A stop signal cancels the cycle context so device polls wind down
	// on their read timeouts.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	watchdone := make(chan struct{})
	defer close(watchdone)
	go func() {
		select {
		case <-e.stopCh:
			cancel()
		case <-watchdone:
		}
	}()

	started := time.Now()
	res := &model.CycleResult{CycleID: uuid.NewString(), StartedAt: started}
	clog := logger.WithField("cycle_id", res.CycleID)

	err := e.cycle(ctx, res, clog)
	res.FinishedAt = time.Now()
	if err != nil {
		res.Errors = append(res.Errors, err.Error())
	}

	e.mu.Lock()
	e.lastResult = res
	e.mu.Unlock()

	e.metrics.CycleDuration.WithLabelValues(Component).Observe(res.FinishedAt.Sub(started).Seconds())
	e.appendOperation(res)

	if err != nil {
		clog.WithError(err).Warn("collection cycle failed")
		return res, err
	}
	clog.WithFields(log.Fields{
		"meters":    res.MetersProcessed,
		"collected": res.ReadingsCollected,
		"dropped":   res.ReadingsDropped,
		"persisted": res.ReadingsPersisted,
		"failed":    res.ReadingsFailed,
	}).Info("collection cycle finished")
	return res, nil
}

func (e *Engine) cycle(ctx context.Context, res *model.CycleResult, clog *log.Entry) error {
	if !e.cache.Valid() {
		if err := e.cache.Reload(ctx); err != nil {
			return fmt.Errorf("reload fleet cache: %w", err)
		}
	}
	snap := e.cache.Snapshot()
	if snap == nil || snap.Tenant == nil {
		return errors.New("no tenant configured; run downstream sync first")
	}

	meters := snap.Meters
	res.MetersProcessed = len(meters)
	if len(meters) == 0 {
		return nil
	}

	pending := e.collect(ctx, meters, res)
	res.ReadingsCollected = len(pending)

	valid := e.validate(pending, res, clog)
	rows := pivot(snap.Tenant.ID, valid)
	e.persist(ctx, rows, res, clog)
	return nil
}

// deviceGroup is every meter data point living behind one IP:port.
type deviceGroup struct {
	device bacnet.Device
	meters []model.Meter
}

// groupByDevice buckets meters per device, ordered by address for
// deterministic polling.
func groupByDevice(meters []model.Meter) []deviceGroup {
	byDev := make(map[bacnet.Device][]model.Meter)
	for _, m := range meters {
		dev := bacnet.Device{IP: m.IP, Port: m.Port}
		byDev[dev] = append(byDev[dev], m)
	}
	groups := make([]deviceGroup, 0, len(byDev))
	for dev, ms := range byDev {
		groups = append(groups, deviceGroup{device: dev, meters: ms})
	}
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].device.IP != groups[j].device.IP {
			return groups[i].device.IP < groups[j].device.IP
		}
		return groups[i].device.Port < groups[j].device.Port
	})
	return groups
}

// collect polls every device group under the concurrency semaphore and
// returns the raw readings.
func (e *Engine) collect(ctx context.Context, meters []model.Meter, res *model.CycleResult) []model.PendingReading {
	var (
		mu      sync.Mutex
		pending []model.PendingReading
		wg      sync.WaitGroup
	)

	for _, grp := range groupByDevice(meters) {
		select {
		case e.sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return pending
		}
		wg.Add(1)
		go func(grp deviceGroup) {
			defer wg.Done()
			defer func() { <-e.sem }()
			got := e.pollDevice(ctx, grp)
			mu.Lock()
			pending = append(pending, got...)
			mu.Unlock()
		}(grp)
	}
	wg.Wait()
	return pending
}

// pollDevice reads every point of one device sequentially and records
// per-point health.
func (e *Engine) pollDevice(ctx context.Context, grp deviceGroup) []model.PendingReading {
	refs := make([]bacnet.PropertyRef, 0, len(grp.meters))
	fields := make([]string, 0, len(grp.meters))
	polled := make([]model.Meter, 0, len(grp.meters))

	for _, m := range grp.meters {
		el, err := bacnet.ParseElement(m.Element, m.ElementID)
		if err != nil {
			e.recordFailure(m.Key(), err)
			e.metrics.ReadErrors.Inc()
			logger.WithError(err).WithFields(log.Fields{
				"meter_id":   m.MeterID,
				"element_id": m.ElementID,
			}).Warn("unreadable meter element")
			continue
		}
		refs = append(refs, el.Ref)
		fields = append(fields, el.Field)
		polled = append(polled, m)
	}
	if len(refs) == 0 {
		return nil
	}

	results := e.reader.ReadProperties(ctx, grp.device, refs)

	var out []model.PendingReading
	now := time.Now()
	for i, result := range results {
		m := polled[i]
		if result.Err != nil {
			e.recordFailure(m.Key(), result.Err)
			e.metrics.ReadErrors.Inc()
			continue
		}
		e.recordSuccess(m.Key(), fields[i], result.Value.Float, now)
		e.metrics.ReadingsCollected.Inc()
		out = append(out, model.PendingReading{
			MeterID:   m.MeterID,
			ElementID: m.ElementID,
			Field:     fields[i],
			Value:     result.Value.Float,
			CreatedAt: now,
		})
	}
	return out
}

func (e *Engine) recordSuccess(key model.MeterKey, field string, value float64, at time.Time) {
	e.points.Compute(key, func(old PointStatus, _ bool) (PointStatus, xsync.ComputeOp) {
		old.LastAttemptAt = at
		old.LastSuccessAt = at
		old.LastError = ""
		old.Failures = 0
		return old, xsync.UpdateOp
	})
	e.lastSamples.Set(key, Sample{Field: field, Value: value, At: at})
}

func (e *Engine) recordFailure(key model.MeterKey, err error) {
	now := time.Now()
	e.points.Compute(key, func(old PointStatus, _ bool) (PointStatus, xsync.ComputeOp) {
		old.LastAttemptAt = now
		old.LastError = err.Error()
		old.Failures++
		return old, xsync.UpdateOp
	})
}

// validate drops malformed readings: unknown or empty fields, non-finite
// values, future timestamps, broken identities.
func (e *Engine) validate(pending []model.PendingReading, res *model.CycleResult, clog *log.Entry) []model.PendingReading {
	now := time.Now()
	valid := pending[:0]
	for _, p := range pending {
		reason := ""
		switch {
		case p.MeterID <= 0 || p.ElementID < 0:
			reason = "invalid meter identity"
		case p.Field == "":
			reason = "empty field name"
		case math.IsNaN(p.Value) || math.IsInf(p.Value, 0):
			reason = "non-finite value"
		case p.CreatedAt.After(now):
			reason = "timestamp in the future"
		}
		if reason != "" {
			res.ReadingsDropped++
			e.metrics.ReadingsDropped.Inc()
			clog.WithFields(log.Fields{
				"meter_id":   p.MeterID,
				"element_id": p.ElementID,
				"reason":     reason,
			}).Debug("reading dropped")
			continue
		}
		valid = append(valid, p)
	}
	return valid
}

// pivot folds narrow readings into one wide row per meter data point.
// The row keeps the earliest observation time of its group.
func pivot(tenantID int64, pending []model.PendingReading) []model.WideRow {
	index := make(map[model.MeterKey]int)
	var rows []model.WideRow
	for _, p := range pending {
		key := model.MeterKey{MeterID: p.MeterID, ElementID: p.ElementID}
		i, ok := index[key]
		if !ok {
			i = len(rows)
			index[key] = i
			rows = append(rows, model.WideRow{
				TenantID:  tenantID,
				MeterID:   p.MeterID,
				ElementID: p.ElementID,
				CreatedAt: p.CreatedAt,
				Values:    make(map[string]float64, 1),
			})
		}
		if p.CreatedAt.Before(rows[i].CreatedAt) {
			rows[i].CreatedAt = p.CreatedAt
		}
		rows[i].Values[p.Field] = p.Value
	}
	return rows
}

// persist writes rows in sub-batches with bounded retries. A stop or
// cancellation is honored between batches and during backoff waits.
func (e *Engine) persist(ctx context.Context, rows []model.WideRow, res *model.CycleResult, clog *log.Entry) {
	for start := 0; start < len(rows); start += subBatchSize {
		end := start + subBatchSize
		if end > len(rows) {
			end = len(rows)
		}
		batch := rows[start:end]

		if err := ctx.Err(); err != nil {
			e.failBatch(batch, res, clog, fmt.Errorf("persist aborted: %w", err))
			continue
		}
		if err := e.persistBatch(ctx, batch); err != nil {
			e.failBatch(batch, res, clog, err)
			continue
		}
		n := countReadings(batch)
		res.ReadingsPersisted += n
		e.metrics.ReadingsPersisted.Add(float64(n))
	}
}

// persistBatch tries one sub-batch up to persistAttempts times with
// short fixed backoff.
func (e *Engine) persistBatch(ctx context.Context, batch []model.WideRow) error {
	fields := fieldUnion(batch)
	var lastErr error
	for attempt := 1; attempt <= persistAttempts; attempt++ {
		lastErr = e.store.InsertReadingsWide(batch, fields)
		if lastErr == nil {
			return nil
		}
		if attempt == persistAttempts {
			break
		}
		select {
		case <-time.After(persistBackoff(attempt)):
		case <-ctx.Done():
			return fmt.Errorf("%w (after: %w)", ctx.Err(), lastErr)
		}
	}
	return lastErr
}

func (e *Engine) failBatch(batch []model.WideRow, res *model.CycleResult, clog *log.Entry, err error) {
	n := countReadings(batch)
	res.ReadingsFailed += n
	e.metrics.ReadingsFailed.Add(float64(n))
	if len(res.Errors) < maxCycleErrors {
		res.Errors = append(res.Errors, fmt.Sprintf("persist %d rows: %v", len(batch), err))
	}
	clog.WithError(err).WithField("rows", len(batch)).Error("sub-batch lost after retries")
}

func countReadings(batch []model.WideRow) int {
	n := 0
	for _, row := range batch {
		n += len(row.Values)
	}
	return n
}

// fieldUnion collects the distinct field names of a batch, sorted for
// stable statements.
func fieldUnion(batch []model.WideRow) []string {
	seen := make(map[string]bool)
	var fields []string
	for _, row := range batch {
		for f := range row.Values {
			if !seen[f] {
				seen[f] = true
				fields = append(fields, f)
			}
		}
	}
	sort.Strings(fields)
	return fields
}

// appendOperation records the cycle in the operation log. A cycle with
// any error, including lost sub-batches, counts as unsuccessful.
func (e *Engine) appendOperation(res *model.CycleResult) {
	success := len(res.Errors) == 0
	detail := fmt.Sprintf("meters=%d collected=%d dropped=%d persisted=%d failed=%d",
		res.MetersProcessed, res.ReadingsCollected, res.ReadingsDropped,
		res.ReadingsPersisted, res.ReadingsFailed)
	if !success {
		detail += "; " + res.Errors[len(res.Errors)-1]
	}
	op := model.OperationRecord{
		ID:         res.CycleID,
		Component:  Component,
		StartedAt:  res.StartedAt,
		FinishedAt: res.FinishedAt,
		Success:    success,
		Detail:     detail,
	}
	if err := e.store.AppendOperation(op); err != nil {
		logger.WithError(err).Warn("append operation record failed")
	}
}
