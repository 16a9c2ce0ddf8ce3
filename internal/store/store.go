package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/metergrid/syncagent/internal/model"
)

// Store wraps the agent database and provides transactional CRUD for all
// persisted state. All writes are serialized by an internal mutex.
type Store struct {
	db *sql.DB
	mu sync.Mutex

	// Known field columns of meter_reading; refreshed by
	// EnsureReadingColumns.
	fieldMu   sync.RWMutex
	fieldCols []string
	fieldSet  map[string]bool
}

// Open opens (or creates) the agent database at path, applies migrations
// and loads the reading-column set.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: mkdir %s: %w", dir, err)
		}
	}

	db, err := OpenDB(path)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: %w", err)
	}

	s := &Store{db: db}
	if err := s.refreshFieldColumns(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// FieldColumns returns the known reading field columns, sorted.
func (s *Store) FieldColumns() []string {
	s.fieldMu.RLock()
	defer s.fieldMu.RUnlock()
	return append([]string(nil), s.fieldCols...)
}

// EnsureReadingColumns adds any missing field columns to meter_reading and
// refreshes the column set. Field names must be plain identifiers; they are
// added as nullable REAL columns.
func (s *Store) EnsureReadingColumns(fields []string) error {
	for _, f := range fields {
		if err := validateFieldName(f); err != nil {
			return fmt.Errorf("store: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range fields {
		if _, err := ensureTableColumn(s.db, "meter_reading", f, quoteIdent(f)+" REAL"); err != nil {
			return fmt.Errorf("store: %w", err)
		}
	}
	return s.refreshFieldColumns()
}

func (s *Store) refreshFieldColumns() error {
	fields, err := readingFieldColumns(s.db)
	if err != nil {
		return err
	}
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		set[f] = true
	}
	s.fieldMu.Lock()
	s.fieldCols = fields
	s.fieldSet = set
	s.fieldMu.Unlock()
	return nil
}

func (s *Store) knownField(name string) bool {
	s.fieldMu.RLock()
	defer s.fieldMu.RUnlock()
	return s.fieldSet[name]
}

// --- tenant ---

// Tenant returns the agent's tenant row, or nil when none has been synced
// yet.
func (s *Store) Tenant() (*model.Tenant, error) {
	row := s.db.QueryRow(`
		SELECT tenant_id, name, address, city, state, zip, active, api_key
		FROM tenant ORDER BY tenant_id LIMIT 1`)
	var t model.Tenant
	var active int
	if err := row.Scan(&t.ID, &t.Name, &t.Address, &t.City, &t.State, &t.Zip, &active, &t.APIKey); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("store: scan tenant: %w", err)
	}
	t.Active = active != 0
	return &t, nil
}

// UpsertTenant inserts or updates the tenant by tenant_id.
func (s *Store) UpsertTenant(t model.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO tenant (tenant_id, name, address, city, state, zip, active, api_key, updated_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET
			name          = excluded.name,
			address       = excluded.address,
			city          = excluded.city,
			state         = excluded.state,
			zip           = excluded.zip,
			active        = excluded.active,
			api_key       = excluded.api_key,
			updated_at_ns = excluded.updated_at_ns
	`, t.ID, t.Name, t.Address, t.City, t.State, t.Zip, boolInt(t.Active), t.APIKey, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("store: upsert tenant %d: %w", t.ID, err)
	}
	return nil
}

// --- meter ---

// ListMeters returns meters ordered by composite key.
func (s *Store) ListMeters(activeOnly bool) ([]model.Meter, error) {
	q := `SELECT meter_id, meter_element_id, name, ip, port, element, active FROM meter`
	if activeOnly {
		q += ` WHERE active = 1`
	}
	q += ` ORDER BY meter_id, meter_element_id`

	rows, err := s.db.Query(q)
	if err != nil {
		return nil, fmt.Errorf("store: list meters: %w", err)
	}
	defer rows.Close()

	var meters []model.Meter
	for rows.Next() {
		var m model.Meter
		var active int
		if err := rows.Scan(&m.MeterID, &m.ElementID, &m.Name, &m.IP, &m.Port, &m.Element, &active); err != nil {
			return nil, fmt.Errorf("store: scan meter: %w", err)
		}
		m.Active = active != 0
		meters = append(meters, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate meters: %w", err)
	}
	return meters, nil
}

// UpsertMeter inserts or updates a meter by its composite key.
func (s *Store) UpsertMeter(m model.Meter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO meter (meter_id, meter_element_id, name, ip, port, element, active, updated_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(meter_id, meter_element_id) DO UPDATE SET
			name          = excluded.name,
			ip            = excluded.ip,
			port          = excluded.port,
			element       = excluded.element,
			active        = excluded.active,
			updated_at_ns = excluded.updated_at_ns
	`, m.MeterID, m.ElementID, m.Name, m.IP, m.Port, m.Element, boolInt(m.Active), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("store: upsert meter (%d,%d): %w", m.MeterID, m.ElementID, err)
	}
	return nil
}

// DeactivateMeter marks one meter element inactive.
func (s *Store) DeactivateMeter(key model.MeterKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE meter SET active = 0, updated_at_ns = ?
		WHERE meter_id = ? AND meter_element_id = ?
	`, time.Now().UnixNano(), key.MeterID, key.ElementID)
	if err != nil {
		return fmt.Errorf("store: deactivate meter (%d,%d): %w", key.MeterID, key.ElementID, err)
	}
	return nil
}

// DeactivateMeterAllElements marks every element of a meter inactive and
// returns how many rows changed.
func (s *Store) DeactivateMeterAllElements(meterID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE meter SET active = 0, updated_at_ns = ?
		WHERE meter_id = ? AND active = 1
	`, time.Now().UnixNano(), meterID)
	if err != nil {
		return 0, fmt.Errorf("store: deactivate meter %d: %w", meterID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: deactivate meter %d: rows affected: %w", meterID, err)
	}
	return n, nil
}

// --- helpers ---

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nsTime(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}

// placeholders renders "?, ?, ..." for n parameters.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// int64Args widens ids for driver varargs.
func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
