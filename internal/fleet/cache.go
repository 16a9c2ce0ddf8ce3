// Package fleet caches the tenant identity and active meter set so the
// collection hot path never queries the store. The cache holds one
// immutable snapshot behind an atomic pointer; readers are lock-free and
// reloads publish a whole new snapshot at once.
package fleet

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/metergrid/syncagent/internal/model"
)

// Source loads fleet state, normally the local store.
type Source interface {
	Tenant() (*model.Tenant, error)
	ListMeters(activeOnly bool) ([]model.Meter, error)
}

// Snapshot is one immutable view of the fleet. Callers must not mutate
// Meters.
type Snapshot struct {
	Tenant   *model.Tenant
	Meters   []model.Meter
	LoadedAt time.Time
}

// Cache is the snapshot holder. The zero snapshot is nil until the first
// successful Reload.
type Cache struct {
	source Source
	snap   atomic.Pointer[Snapshot]
	valid  atomic.Bool
	group  singleflight.Group
}

// NewCache builds an empty, invalid cache over source.
func NewCache(source Source) *Cache {
	return &Cache{source: source}
}

// Valid reports whether a snapshot has been loaded since the last
// invalidation.
func (c *Cache) Valid() bool {
	return c.valid.Load()
}

// Invalidate marks the snapshot stale. Readers keep the old snapshot
// until the next Reload; cycle entry points must check Valid first.
func (c *Cache) Invalidate() {
	c.valid.Store(false)
}

// Reload fetches the tenant and the active meters from the source and
// publishes a fresh snapshot. Concurrent calls coalesce into one fetch;
// every caller gets that fetch's error. A failed reload leaves the old
// snapshot in place and the cache invalid.
func (c *Cache) Reload(ctx context.Context) error {
	_, err, _ := c.group.Do("reload", func() (any, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tenant, err := c.source.Tenant()
		if err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		meters, err := c.source.ListMeters(true)
		if err != nil {
			return nil, err
		}
		c.snap.Store(&Snapshot{Tenant: tenant, Meters: meters, LoadedAt: time.Now()})
		c.valid.Store(true)
		return nil, nil
	})
	return err
}

// Snapshot returns the current snapshot, possibly stale after an
// Invalidate, or nil before the first successful Reload.
func (c *Cache) Snapshot() *Snapshot {
	return c.snap.Load()
}

// Tenant returns the cached tenant, or nil when none is loaded.
func (c *Cache) Tenant() *model.Tenant {
	if s := c.snap.Load(); s != nil {
		return s.Tenant
	}
	return nil
}

// Meters returns the cached active meters. Callers must not mutate the
// slice.
func (c *Cache) Meters() []model.Meter {
	if s := c.snap.Load(); s != nil {
		return s.Meters
	}
	return nil
}

// MeterCount returns the number of cached active meters.
func (c *Cache) MeterCount() int {
	if s := c.snap.Load(); s != nil {
		return len(s.Meters)
	}
	return 0
}
