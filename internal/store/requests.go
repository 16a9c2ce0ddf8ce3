package store

import (
	"fmt"
	"time"

	"github.com/metergrid/syncagent/internal/model"
)

// InsertAPIRequests inserts a batch of local-API request records in one
// transaction and returns how many rows were written.
func (s *Store) InsertAPIRequests(entries []model.APIRequest) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("store: insert api requests: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.Prepare(`
		INSERT INTO api_request_log (method, path, remote_addr, user_agent, status, duration_ms, created_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("store: insert api requests: prepare: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.Exec(e.Method, e.Path, e.RemoteAddr, e.UserAgent, e.Status, e.DurationMs, e.CreatedAt.UnixNano()); err != nil {
			return 0, fmt.Errorf("store: insert api request: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: insert api requests: commit: %w", err)
	}
	return len(entries), nil
}

// RecentAPIRequests returns the newest n logged requests.
func (s *Store) RecentAPIRequests(n int) ([]model.APIRequest, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.Query(`
		SELECT id, method, path, remote_addr, user_agent, status, duration_ms, created_at_ns
		FROM api_request_log ORDER BY created_at_ns DESC, id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("store: query api requests: %w", err)
	}
	defer rows.Close()

	var out []model.APIRequest
	for rows.Next() {
		var (
			r  model.APIRequest
			ns int64
		)
		if err := rows.Scan(&r.ID, &r.Method, &r.Path, &r.RemoteAddr, &r.UserAgent, &r.Status, &r.DurationMs, &ns); err != nil {
			return nil, fmt.Errorf("store: scan api request: %w", err)
		}
		r.CreatedAt = nsTime(ns)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate api requests: %w", err)
	}
	return out, nil
}

// PruneAPIRequests deletes logged requests older than the horizon.
func (s *Store) PruneAPIRequests(olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM api_request_log WHERE created_at_ns < ?`, olderThan.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("store: prune api requests: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: prune api requests: rows affected: %w", err)
	}
	return n, nil
}
