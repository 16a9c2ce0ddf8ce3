package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/metergrid/syncagent/internal/model"
)

// deleteChunkSize bounds the number of bound parameters per IN clause.
const deleteChunkSize = 500

// InsertReadingsWide atomically inserts a batch of pivoted rows. fields is
// the union of observed field names across the batch; every name must be a
// known meter_reading column. Rows missing a field persist NULL for it.
// New rows always start with is_synchronized=0 and retry_count=0.
func (s *Store) InsertReadingsWide(rows []model.WideRow, fields []string) error {
	if len(rows) == 0 {
		return nil
	}
	for _, f := range fields {
		if !s.knownField(f) {
			return fmt.Errorf("store: unknown reading field %q (known: %s)",
				f, strings.Join(s.FieldColumns(), ", "))
		}
	}

	cols := []string{"tenant_id", "meter_id", "meter_element_id", "created_at_ns", "is_synchronized", "retry_count"}
	for _, f := range fields {
		cols = append(cols, quoteIdent(f))
	}
	query := fmt.Sprintf(
		"INSERT INTO meter_reading (%s) VALUES (%s)",
		strings.Join(cols, ", "), placeholders(len(cols)),
	)

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: insert readings: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.Prepare(query)
	if err != nil {
		return fmt.Errorf("store: insert readings: prepare: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		args := make([]any, 0, len(cols))
		args = append(args, row.TenantID, row.MeterID, row.ElementID, row.CreatedAt.UnixNano(), 0, 0)
		for _, f := range fields {
			if v, ok := row.Values[f]; ok {
				args = append(args, v)
			} else {
				args = append(args, nil)
			}
		}
		if _, err := stmt.Exec(args...); err != nil {
			return fmt.Errorf("store: insert reading (%d,%d): %w", row.MeterID, row.ElementID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: insert readings: commit: %w", err)
	}
	return nil
}

// ListUnsynchronizedReadings returns queued rows oldest-first, up to limit.
func (s *Store) ListUnsynchronizedReadings(limit int) ([]model.ReadingRow, error) {
	if limit <= 0 {
		return nil, nil
	}
	fields := s.FieldColumns()
	query := fmt.Sprintf(`
		SELECT %s FROM meter_reading
		WHERE is_synchronized = 0
		ORDER BY created_at_ns ASC, id ASC
		LIMIT ?`, readingSelectList(fields))

	rows, err := s.db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list unsynchronized: %w", err)
	}
	defer rows.Close()
	return scanReadingRows(rows, fields)
}

// CountUnsynchronizedReadings returns the current upload queue size.
func (s *Store) CountUnsynchronizedReadings() (int64, error) {
	var n int64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM meter_reading WHERE is_synchronized = 0`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count unsynchronized: %w", err)
	}
	return n, nil
}

// ListRecentReadings returns rows created at or after since, newest-first,
// up to limit.
func (s *Store) ListRecentReadings(since time.Time, limit int) ([]model.ReadingRow, error) {
	if limit <= 0 {
		return nil, nil
	}
	fields := s.FieldColumns()
	query := fmt.Sprintf(`
		SELECT %s FROM meter_reading
		WHERE created_at_ns >= ?
		ORDER BY created_at_ns DESC, id DESC
		LIMIT ?`, readingSelectList(fields))

	rows, err := s.db.Query(query, since.UnixNano(), limit)
	if err != nil {
		return nil, fmt.Errorf("store: list recent readings: %w", err)
	}
	defer rows.Close()
	return scanReadingRows(rows, fields)
}

// DeleteReadings removes acknowledged rows by id in one transaction.
func (s *Store) DeleteReadings(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: delete readings: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for start := 0; start < len(ids); start += deleteChunkSize {
		end := min(start+deleteChunkSize, len(ids))
		chunk := ids[start:end]
		query := fmt.Sprintf("DELETE FROM meter_reading WHERE id IN (%s)", placeholders(len(chunk)))
		if _, err := tx.Exec(query, int64Args(chunk)...); err != nil {
			return fmt.Errorf("store: delete readings: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: delete readings: commit: %w", err)
	}
	return nil
}

// IncrementRetryCount bumps retry_count by one for every given row id.
func (s *Store) IncrementRetryCount(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: increment retry: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for start := 0; start < len(ids); start += deleteChunkSize {
		end := min(start+deleteChunkSize, len(ids))
		chunk := ids[start:end]
		query := fmt.Sprintf(
			"UPDATE meter_reading SET retry_count = retry_count + 1 WHERE id IN (%s)",
			placeholders(len(chunk)),
		)
		if _, err := tx.Exec(query, int64Args(chunk)...); err != nil {
			return fmt.Errorf("store: increment retry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: increment retry: commit: %w", err)
	}
	return nil
}

func readingSelectList(fields []string) string {
	cols := []string{"id", "tenant_id", "meter_id", "meter_element_id", "created_at_ns", "retry_count"}
	for _, f := range fields {
		cols = append(cols, quoteIdent(f))
	}
	return strings.Join(cols, ", ")
}

func scanReadingRows(rows *sql.Rows, fields []string) ([]model.ReadingRow, error) {
	var out []model.ReadingRow
	for rows.Next() {
		var (
			r    model.ReadingRow
			ns   int64
			vals = make([]sql.NullFloat64, len(fields))
		)
		dest := []any{&r.ID, &r.TenantID, &r.MeterID, &r.ElementID, &ns, &r.RetryCount}
		for i := range vals {
			dest = append(dest, &vals[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("store: scan reading: %w", err)
		}
		r.CreatedAt = nsTime(ns)
		r.Fields = make(map[string]float64)
		for i, f := range fields {
			if vals[i].Valid {
				r.Fields[f] = vals[i].Float64
			}
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate readings: %w", err)
	}
	return out, nil
}
