package store

import (
	"fmt"
	"time"

	"github.com/metergrid/syncagent/internal/model"
)

// AppendSyncLog records one upload batch outcome.
func (s *Store) AppendSyncLog(batchSize int, success bool, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO sync_log (batch_size, success, error_message, synced_at_ns)
		VALUES (?, ?, ?, ?)
	`, batchSize, boolInt(success), errMsg, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("store: append sync log: %w", err)
	}
	return nil
}

// RecentSyncLogs returns the newest n sync log rows.
func (s *Store) RecentSyncLogs(n int) ([]model.SyncLog, error) {
	return s.querySyncLogs(`
		SELECT sync_log_id, batch_size, success, error_message, synced_at_ns
		FROM sync_log ORDER BY synced_at_ns DESC, sync_log_id DESC LIMIT ?`, n)
}

// RecentSyncFailures returns the newest n failed sync log rows.
func (s *Store) RecentSyncFailures(n int) ([]model.SyncLog, error) {
	return s.querySyncLogs(`
		SELECT sync_log_id, batch_size, success, error_message, synced_at_ns
		FROM sync_log WHERE success = 0
		ORDER BY synced_at_ns DESC, sync_log_id DESC LIMIT ?`, n)
}

// LastSuccessfulSync returns the newest successful sync log row, or nil
// when no upload batch has succeeded yet.
func (s *Store) LastSuccessfulSync() (*model.SyncLog, error) {
	logs, err := s.querySyncLogs(`
		SELECT sync_log_id, batch_size, success, error_message, synced_at_ns
		FROM sync_log WHERE success = 1
		ORDER BY synced_at_ns DESC, sync_log_id DESC LIMIT ?`, 1)
	if err != nil {
		return nil, err
	}
	if len(logs) == 0 {
		return nil, nil
	}
	return &logs[0], nil
}

// PruneSyncLogs deletes rows older than the horizon and reports how many
// were removed.
func (s *Store) PruneSyncLogs(olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM sync_log WHERE synced_at_ns < ?`, olderThan.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("store: prune sync log: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: prune sync log: rows affected: %w", err)
	}
	return n, nil
}

func (s *Store) querySyncLogs(query string, n int) ([]model.SyncLog, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.Query(query, n)
	if err != nil {
		return nil, fmt.Errorf("store: query sync log: %w", err)
	}
	defer rows.Close()

	var out []model.SyncLog
	for rows.Next() {
		var (
			l       model.SyncLog
			success int
			ns      int64
		)
		if err := rows.Scan(&l.ID, &l.BatchSize, &success, &l.ErrorMessage, &ns); err != nil {
			return nil, fmt.Errorf("store: scan sync log: %w", err)
		}
		l.Success = success != 0
		l.SyncedAt = nsTime(ns)
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate sync log: %w", err)
	}
	return out, nil
}

// --- sync_operation_log ---

// AppendOperation records one component cycle in the operational trace.
func (s *Store) AppendOperation(op model.OperationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO sync_operation_log (id, component, started_at_ns, finished_at_ns, success, detail)
		VALUES (?, ?, ?, ?, ?, ?)
	`, op.ID, op.Component, op.StartedAt.UnixNano(), op.FinishedAt.UnixNano(), boolInt(op.Success), op.Detail)
	if err != nil {
		return fmt.Errorf("store: append operation: %w", err)
	}
	return nil
}

// RecentOperations returns the newest n operation records, optionally
// filtered by component ("" means all).
func (s *Store) RecentOperations(component string, n int) ([]model.OperationRecord, error) {
	if n <= 0 {
		return nil, nil
	}

	query := `
		SELECT id, component, started_at_ns, finished_at_ns, success, detail
		FROM sync_operation_log`
	args := []any{}
	if component != "" {
		query += ` WHERE component = ?`
		args = append(args, component)
	}
	query += ` ORDER BY started_at_ns DESC LIMIT ?`
	args = append(args, n)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query operations: %w", err)
	}
	defer rows.Close()

	var out []model.OperationRecord
	for rows.Next() {
		var (
			op         model.OperationRecord
			startNs    int64
			finishNs   int64
			successInt int
		)
		if err := rows.Scan(&op.ID, &op.Component, &startNs, &finishNs, &successInt, &op.Detail); err != nil {
			return nil, fmt.Errorf("store: scan operation: %w", err)
		}
		op.StartedAt = nsTime(startNs)
		op.FinishedAt = nsTime(finishNs)
		op.Success = successInt != 0
		out = append(out, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate operations: %w", err)
	}
	return out, nil
}

// PruneOperations deletes operation records older than the horizon.
func (s *Store) PruneOperations(olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM sync_operation_log WHERE started_at_ns < ?`, olderThan.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("store: prune operations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: prune operations: rows affected: %w", err)
	}
	return n, nil
}
