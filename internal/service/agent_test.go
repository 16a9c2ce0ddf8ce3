package service

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/metergrid/syncagent/internal/bacnet"
	"github.com/metergrid/syncagent/internal/collector"
	"github.com/metergrid/syncagent/internal/config"
	"github.com/metergrid/syncagent/internal/connectivity"
	"github.com/metergrid/syncagent/internal/downsync"
	"github.com/metergrid/syncagent/internal/fleet"
	"github.com/metergrid/syncagent/internal/model"
	"github.com/metergrid/syncagent/internal/store"
	"github.com/metergrid/syncagent/internal/uploader"
)

// fakeProber answers connectivity probes under test control.
type fakeProber struct {
	fail atomic.Bool
}

func (p *fakeProber) Ping(ctx context.Context) error {
	if p.fail.Load() {
		return errors.New("connection refused")
	}
	return nil
}

// fakeReader serves a constant value, optionally gating reads on the
// entered/release channels.
type fakeReader struct {
	value   float64
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (f *fakeReader) ReadProperty(ctx context.Context, req bacnet.ReadRequest) (bacnet.Value, error) {
	if f.entered != nil {
		f.once.Do(func() { close(f.entered) })
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return bacnet.Value{}, ctx.Err()
		}
	}
	return bacnet.Value{Tag: bacnet.TagReal, Float: f.value}, nil
}

func (f *fakeReader) ReadProperties(ctx context.Context, device bacnet.Device, refs []bacnet.PropertyRef) []bacnet.Result {
	out := make([]bacnet.Result, 0, len(refs))
	for _, ref := range refs {
		v, err := f.ReadProperty(ctx, bacnet.ReadRequest{Device: device, Ref: ref})
		out = append(out, bacnet.Result{Ref: ref, Value: v, Err: err})
	}
	return out
}

// fakeSource serves an in-memory remote configuration database.
type fakeSource struct {
	mu     sync.Mutex
	tenant *model.Tenant
	meters []model.Meter
}

func (f *fakeSource) set(tenant *model.Tenant, meters []model.Meter) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tenant = tenant
	f.meters = meters
}

func (f *fakeSource) FetchTenant(ctx context.Context, tenantID int64) (*model.Tenant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tenant == nil || f.tenant.ID != tenantID {
		return nil, nil
	}
	t := *f.tenant
	return &t, nil
}

func (f *fakeSource) FetchMeters(ctx context.Context, tenantID int64) ([]model.Meter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Meter(nil), f.meters...), nil
}

// fakeShipper accepts every batch.
type fakeShipper struct {
	calls atomic.Int32
}

func (f *fakeShipper) UploadReadings(ctx context.Context, tenantID int64, readings []model.ReadingRow) (int, error) {
	f.calls.Add(1)
	return len(readings), nil
}

type svcRig struct {
	svc     *AgentService
	store   *store.Store
	cache   *fleet.Cache
	source  *fakeSource
	reader  *fakeReader
	shipper *fakeShipper
	prober  *fakeProber
}

func newSvcRig(t *testing.T) *svcRig {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "agent.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	rig := &svcRig{
		store:   s,
		cache:   fleet.NewCache(s),
		source:  &fakeSource{},
		reader:  &fakeReader{value: 1.5},
		shipper: &fakeShipper{},
		prober:  &fakeProber{},
	}
	conn := connectivity.NewMonitor(connectivity.MonitorConfig{
		Prober:   rig.prober,
		Interval: time.Hour, // tests drive ForceCheck directly
	})
	rig.svc = &AgentService{
		Store:     s,
		Cache:     rig.cache,
		Collector: collector.New(collector.Config{Store: s, Cache: rig.cache, Reader: rig.reader, Concurrency: 2}),
		Downsync:  downsync.New(downsync.Config{TenantID: 77, Source: rig.source, Store: s, Cache: rig.cache}),
		Uploader:  uploader.New(uploader.Config{Store: s, Shipper: rig.shipper, Conn: conn}),
		Conn:      conn,
		Info:      SystemInfo{Version: "test", StartedAt: time.Now()},
		Config:    &config.Config{TenantID: 77, LocalAPIPort: 3002},
	}
	return rig
}

// goOnline drives the monitor through one successful probe.
func (r *svcRig) goOnline(t *testing.T) {
	t.Helper()
	ok, err := r.svc.Conn.ForceCheck(context.Background())
	if !ok || err != nil {
		t.Fatalf("ForceCheck: got (%v, %v), want (true, nil)", ok, err)
	}
}

// seedFleet writes a tenant and one active kWh meter into the store.
func (r *svcRig) seedFleet(t *testing.T) {
	t.Helper()
	if err := r.store.UpsertTenant(model.Tenant{ID: 77, Name: "Plant 4", Active: true}); err != nil {
		t.Fatalf("upsert tenant: %v", err)
	}
	m := model.Meter{MeterID: 40, ElementID: 1, Name: "Main", IP: "10.0.0.8", Port: 47808, Element: "kWh", Active: true}
	if err := r.store.UpsertMeter(m); err != nil {
		t.Fatalf("upsert meter: %v", err)
	}
}

func assertCode(t *testing.T, err error, code string) {
	t.Helper()
	var se *ServiceError
	if !errors.As(err, &se) {
		t.Fatalf("error: got %v, want *ServiceError", err)
	}
	if se.Code != code {
		t.Fatalf("code: got %s, want %s", se.Code, code)
	}
}

// TestTenantSyncRejectsForeignTenant checks that a tenant id other than
// the configured one is refused before any remote call.
func TestTenantSyncRejectsForeignTenant(t *testing.T) {
	rig := newSvcRig(t)

	_, err := rig.svc.TenantSync(context.Background(), 12)
	assertCode(t, err, "INVALID_ARGUMENT")
}

// TestTenantSyncReturnsFreshTenant runs a full pass against a seeded
// source and checks the payload reflects the reloaded cache.
func TestTenantSyncReturnsFreshTenant(t *testing.T) {
	rig := newSvcRig(t)
	rig.source.set(
		&model.Tenant{ID: 77, Name: "Plant 4", Active: true},
		[]model.Meter{{MeterID: 40, ElementID: 1, Name: "Main", IP: "10.0.0.8", Port: 47808, Element: "kWh", Active: true}},
	)

	res, err := rig.svc.TenantSync(context.Background(), 77)
	if err != nil {
		t.Fatalf("TenantSync: %v", err)
	}
	if !res.Success || res.SyncResult == nil || !res.SyncResult.Success {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.TenantData == nil || res.TenantData.Name != "Plant 4" {
		t.Fatalf("tenant data: got %+v, want Plant 4", res.TenantData)
	}
	if !rig.cache.Valid() {
		t.Fatal("cache must be valid after a tenant sync")
	}
}

// TestTriggerUploadOfflineIsUnavailable maps the uploader's offline
// sentinel onto UNAVAILABLE without touching the shipper.
func TestTriggerUploadOfflineIsUnavailable(t *testing.T) {
	rig := newSvcRig(t)

	_, err := rig.svc.TriggerUpload(context.Background())
	assertCode(t, err, "UNAVAILABLE")
	if n := rig.shipper.calls.Load(); n != 0 {
		t.Fatalf("shipper calls: got %d, want 0", n)
	}
}

// TestTriggerUploadDrainsQueue runs a synchronous upload cycle online.
func TestTriggerUploadDrainsQueue(t *testing.T) {
	rig := newSvcRig(t)
	rig.seedFleet(t)
	rig.goOnline(t)

	rows := []model.WideRow{
		{TenantID: 77, MeterID: 40, ElementID: 1, CreatedAt: time.Now(), Values: map[string]float64{"kWh": 1.5}},
		{TenantID: 77, MeterID: 41, ElementID: 1, CreatedAt: time.Now(), Values: map[string]float64{"kWh": 2.5}},
	}
	if err := rig.store.InsertReadingsWide(rows, []string{"kWh"}); err != nil {
		t.Fatalf("insert readings: %v", err)
	}

	res, err := rig.svc.TriggerUpload(context.Background())
	if err != nil {
		t.Fatalf("TriggerUpload: %v", err)
	}
	if res.TotalUploaded != 2 || res.TotalFailed != 0 {
		t.Fatalf("uploaded/failed: got %d/%d, want 2/0", res.TotalUploaded, res.TotalFailed)
	}
}

// TestTriggerCollectionConflict rejects a manual cycle while one is in
// flight.
func TestTriggerCollectionConflict(t *testing.T) {
	rig := newSvcRig(t)
	rig.seedFleet(t)
	rig.reader.entered = make(chan struct{})
	rig.reader.release = make(chan struct{})

	if err := rig.svc.Collector.TriggerAsync(); err != nil {
		t.Fatalf("TriggerAsync: %v", err)
	}
	<-rig.reader.entered

	_, err := rig.svc.TriggerCollection(context.Background())
	assertCode(t, err, "CONFLICT")

	close(rig.reader.release)
	rig.svc.Collector.Stop()
}

// TestTriggerCollectionRunsCycle checks the synchronous happy path.
func TestTriggerCollectionRunsCycle(t *testing.T) {
	rig := newSvcRig(t)
	rig.seedFleet(t)

	res, err := rig.svc.TriggerCollection(context.Background())
	if err != nil {
		t.Fatalf("TriggerCollection: %v", err)
	}
	if res.ReadingsPersisted != 1 {
		t.Fatalf("persisted: got %d, want 1", res.ReadingsPersisted)
	}
}

// TestUploadSyncStatusComposite assembles connectivity, queue size, the
// last success and recent failures into one view.
func TestUploadSyncStatusComposite(t *testing.T) {
	rig := newSvcRig(t)
	rig.seedFleet(t)
	rig.goOnline(t)

	rows := []model.WideRow{
		{TenantID: 77, MeterID: 40, ElementID: 1, CreatedAt: time.Now(), Values: map[string]float64{"kWh": 1.5}},
		{TenantID: 77, MeterID: 40, ElementID: 2, CreatedAt: time.Now(), Values: map[string]float64{"kWh": 2.5}},
		{TenantID: 77, MeterID: 40, ElementID: 3, CreatedAt: time.Now(), Values: map[string]float64{"kWh": 3.5}},
	}
	if err := rig.store.InsertReadingsWide(rows, []string{"kWh"}); err != nil {
		t.Fatalf("insert readings: %v", err)
	}
	if err := rig.store.AppendSyncLog(5, true, ""); err != nil {
		t.Fatalf("append sync log: %v", err)
	}
	if err := rig.store.AppendSyncLog(2, false, "bad gateway"); err != nil {
		t.Fatalf("append sync log: %v", err)
	}

	st, err := rig.svc.UploadSyncStatus()
	if err != nil {
		t.Fatalf("UploadSyncStatus: %v", err)
	}
	if !st.IsConnected {
		t.Fatal("expected is_connected")
	}
	if st.QueueSize != 3 {
		t.Fatalf("queue size: got %d, want 3", st.QueueSize)
	}
	if st.LastSyncAt == nil {
		t.Fatal("expected last_sync_at")
	}
	if len(st.SyncErrors) != 1 || st.SyncErrors[0].ErrorMessage != "bad gateway" {
		t.Fatalf("sync errors: got %+v", st.SyncErrors)
	}
}

// TestOperationsRejectsUnknownComponent validates the component filter.
func TestOperationsRejectsUnknownComponent(t *testing.T) {
	rig := newSvcRig(t)

	_, err := rig.svc.Operations("bogus", 10)
	assertCode(t, err, "INVALID_ARGUMENT")

	ops, err := rig.svc.Operations("", 10)
	if err != nil {
		t.Fatalf("Operations: %v", err)
	}
	if ops == nil || len(ops) != 0 {
		t.Fatalf("operations: got %v, want empty non-nil", ops)
	}
}

// TestRecentReadingsWindow applies the default and an explicit hours
// window.
func TestRecentReadingsWindow(t *testing.T) {
	rig := newSvcRig(t)
	rig.seedFleet(t)

	rows := []model.WideRow{
		{TenantID: 77, MeterID: 40, ElementID: 1, CreatedAt: time.Now().Add(-48 * time.Hour), Values: map[string]float64{"kWh": 1.0}},
		{TenantID: 77, MeterID: 40, ElementID: 1, CreatedAt: time.Now(), Values: map[string]float64{"kWh": 2.0}},
	}
	if err := rig.store.InsertReadingsWide(rows, []string{"kWh"}); err != nil {
		t.Fatalf("insert readings: %v", err)
	}

	recent, err := rig.svc.RecentReadings(0)
	if err != nil {
		t.Fatalf("RecentReadings: %v", err)
	}
	if len(recent) != 1 {
		t.Fatalf("default window rows: got %d, want 1", len(recent))
	}

	all, err := rig.svc.RecentReadings(72)
	if err != nil {
		t.Fatalf("RecentReadings: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("72h window rows: got %d, want 2", len(all))
	}
}
