// Package model defines domain structs shared across the persistence layer.
package model

import "time"

// Tenant is the site identity this agent collects for. A deployed agent
// holds exactly one tenant row; APIKey authenticates uploads to the
// client system.
type Tenant struct {
	ID      int64  `json:"tenant_id"`
	Name    string `json:"name"`
	Address string `json:"address,omitempty"`
	City    string `json:"city,omitempty"`
	State   string `json:"state,omitempty"`
	Zip     string `json:"zip,omitempty"`
	Active  bool   `json:"active"`
	APIKey  string `json:"-"`
}

// MeterKey is the composite identity of a meter data point.
type MeterKey struct {
	MeterID   int64
	ElementID int64
}

// Meter is one logical data point of a physical meter.
type Meter struct {
	MeterID   int64  `json:"meter_id"`
	ElementID int64  `json:"meter_element_id"`
	Name      string `json:"name"`
	IP        string `json:"ip"`
	Port      int    `json:"port"`
	Element   string `json:"element"`
	Active    bool   `json:"active"`
}

// Key returns the meter's composite identity.
func (m Meter) Key() MeterKey {
	return MeterKey{MeterID: m.MeterID, ElementID: m.ElementID}
}

// PendingReading is a narrow pre-pivot tuple accumulated during a
// collection cycle. It never touches the store.
type PendingReading struct {
	MeterID   int64
	ElementID int64
	Field     string
	Value     float64
	CreatedAt time.Time
}

// WideRow is one pivoted meter_reading row ready for insertion. Values
// holds only the fields observed for this row; absent fields persist
// as NULL.
type WideRow struct {
	TenantID  int64
	MeterID   int64
	ElementID int64
	CreatedAt time.Time
	Values    map[string]float64
}

// ReadingRow is one wide row read back from meter_reading. Fields holds
// the non-NULL numeric columns only.
type ReadingRow struct {
	ID         int64              `json:"id"`
	TenantID   int64              `json:"tenant_id"`
	MeterID    int64              `json:"meter_id"`
	ElementID  int64              `json:"meter_element_id"`
	CreatedAt  time.Time          `json:"created_at"`
	Fields     map[string]float64 `json:"fields"`
	RetryCount int                `json:"retry_count"`
}

// SyncLog records the outcome of one upload batch.
type SyncLog struct {
	ID           int64     `json:"sync_log_id"`
	BatchSize    int       `json:"batch_size"`
	Success      bool      `json:"success"`
	ErrorMessage string    `json:"error_message,omitempty"`
	SyncedAt     time.Time `json:"synced_at"`
}

// OperationRecord is one row of sync_operation_log: a coarse trace of a
// collection, downstream-sync or upload cycle.
type OperationRecord struct {
	ID         string    `json:"id"`
	Component  string    `json:"component"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Success    bool      `json:"success"`
	Detail     string    `json:"detail,omitempty"`
}

// CycleResult summarizes one collection cycle.
type CycleResult struct {
	CycleID           string    `json:"cycle_id"`
	StartedAt         time.Time `json:"started_at"`
	FinishedAt        time.Time `json:"finished_at"`
	MetersProcessed   int       `json:"meters_processed"`
	ReadingsCollected int       `json:"readings_collected"`
	ReadingsDropped   int       `json:"readings_dropped"`
	ReadingsPersisted int       `json:"readings_persisted"`
	ReadingsFailed    int       `json:"readings_failed"`
	Errors            []string  `json:"errors"`
}

// SyncResult summarizes one downstream sync cycle.
type SyncResult struct {
	Inserted  int       `json:"inserted"`
	Updated   int       `json:"updated"`
	Deleted   int       `json:"deleted"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Changed reports whether the sync modified any row.
func (r SyncResult) Changed() bool {
	return r.Inserted+r.Updated+r.Deleted > 0
}

// UploadResult summarizes one upload cycle.
type UploadResult struct {
	StartedAt         time.Time `json:"started_at"`
	FinishedAt        time.Time `json:"finished_at"`
	QueueSizeAtStart  int64     `json:"queue_size_at_start"`
	TotalUploaded     int       `json:"total_uploaded"`
	TotalFailed       int       `json:"total_failed"`
	Batches           int       `json:"batches"`
	IsClientConnected bool      `json:"is_client_connected"`
	Error             string    `json:"error,omitempty"`
}

// APIRequest is one logged local-API request.
type APIRequest struct {
	ID         int64     `json:"id"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	RemoteAddr string    `json:"remote_addr"`
	UserAgent  string    `json:"user_agent"`
	Status     int       `json:"status"`
	DurationMs int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}
