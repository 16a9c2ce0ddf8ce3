// Package remotedb reads the authoritative tenant and meter configuration
// from the client system's PostgreSQL database. Access is strictly
// read-only; local state never flows upstream through this path.
package remotedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/metergrid/syncagent/internal/model"
)

// Pool bounds. The agent is a background consumer of a production
// database and must stay a small one.
const (
	maxOpenConns    = 4
	maxIdleConns    = 2
	connMaxLifetime = 30 * time.Minute
)

const defaultBACnetPort = 47808

// Client is a read-only view of the remote tenant and meter tables.
type Client struct {
	db *sqlx.DB
}

// Open prepares a pooled connection. The pool dials lazily, so an
// unreachable database surfaces on the first fetch, not here.
func Open(dsn string) (*Client, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("remotedb: open: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)
	return &Client{db: sqlx.NewDb(db, "pgx")}, nil
}

// Close releases the pool.
func (c *Client) Close() error {
	return c.db.Close()
}

// Ping verifies the database answers.
func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// tenantRow mirrors the remote tenant table. Nullable text columns are
// tolerated and collapse to empty strings.
type tenantRow struct {
	ID      int64          `db:"tenant_id"`
	Name    sql.NullString `db:"name"`
	Address sql.NullString `db:"address"`
	City    sql.NullString `db:"city"`
	State   sql.NullString `db:"state"`
	Zip     sql.NullString `db:"zip"`
	Active  sql.NullBool   `db:"active"`
	APIKey  sql.NullString `db:"api_key"`
}

func (r tenantRow) toModel() model.Tenant {
	return model.Tenant{
		ID:      r.ID,
		Name:    r.Name.String,
		Address: r.Address.String,
		City:    r.City.String,
		State:   r.State.String,
		Zip:     r.Zip.String,
		Active:  !r.Active.Valid || r.Active.Bool,
		APIKey:  r.APIKey.String,
	}
}

// meterRow mirrors the remote meter table.
type meterRow struct {
	MeterID   int64          `db:"meter_id"`
	ElementID int64          `db:"meter_element_id"`
	Name      sql.NullString `db:"name"`
	IP        sql.NullString `db:"ip"`
	Port      sql.NullInt64  `db:"port"`
	Element   sql.NullString `db:"element"`
	Active    sql.NullBool   `db:"active"`
}

func (r meterRow) toModel() model.Meter {
	port := int(r.Port.Int64)
	if port == 0 {
		port = defaultBACnetPort
	}
	return model.Meter{
		MeterID:   r.MeterID,
		ElementID: r.ElementID,
		Name:      r.Name.String,
		IP:        r.IP.String,
		Port:      port,
		Element:   r.Element.String,
		Active:    !r.Active.Valid || r.Active.Bool,
	}
}

const tenantQuery = `
SELECT tenant_id, name, address, city, state, zip, active, api_key
  FROM tenant
 WHERE tenant_id = $1`

// FetchTenant loads one tenant row. A tenant missing remotely is not an
// error; it returns (nil, nil).
func (c *Client) FetchTenant(ctx context.Context, tenantID int64) (*model.Tenant, error) {
	var row tenantRow
	if err := c.db.GetContext(ctx, &row, tenantQuery, tenantID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("remotedb: fetch tenant %d: %w", tenantID, err)
	}
	t := row.toModel()
	return &t, nil
}

const metersQuery = `
SELECT meter_id, meter_element_id, name, ip, port, element, active
  FROM meter
 WHERE tenant_id = $1
 ORDER BY meter_id, meter_element_id`

// FetchMeters loads every meter row of the tenant, active or not. The
// differ decides what deactivation means locally.
func (c *Client) FetchMeters(ctx context.Context, tenantID int64) ([]model.Meter, error) {
	var rows []meterRow
	if err := c.db.SelectContext(ctx, &rows, metersQuery, tenantID); err != nil {
		return nil, fmt.Errorf("remotedb: fetch meters for tenant %d: %w", tenantID, err)
	}
	meters := make([]model.Meter, len(rows))
	for i, r := range rows {
		meters[i] = r.toModel()
	}
	return meters, nil
}
