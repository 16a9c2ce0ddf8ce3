// Package store implements the local persistence layer: a single SQLite
// database holding the tenant, meters, queued readings and operational logs.
package store

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// fixedReadingColumns are the non-field columns of meter_reading. Every
// other column is a numeric reading field.
var fixedReadingColumns = map[string]bool{
	"id":               true,
	"tenant_id":        true,
	"meter_id":         true,
	"meter_element_id": true,
	"created_at_ns":    true,
	"is_synchronized":  true,
	"retry_count":      true,
}

// OpenDB opens (or creates) a SQLite database at path with the agent's
// pragmas: WAL journal mode, synchronous=NORMAL, foreign_keys=ON,
// busy_timeout=5000.
func OpenDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db %s: %w", path, err)
	}

	// Single-writer: only one connection needed.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %q on %s: %w", p, path, err)
		}
	}

	return db, nil
}

// readingFieldColumns introspects meter_reading and returns its field
// columns (everything that is not a fixed column), sorted.
func readingFieldColumns(db *sql.DB) ([]string, error) {
	cols, err := tableColumns(db, "meter_reading")
	if err != nil {
		return nil, err
	}
	var fields []string
	for _, c := range cols {
		if !fixedReadingColumns[c] {
			fields = append(fields, c)
		}
	}
	sort.Strings(fields)
	return fields, nil
}

func tableColumns(db *sql.DB, table string) ([]string, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("inspect table %s: %w", table, err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			defaultV  sql.NullString
			primaryID int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultV, &primaryID); err != nil {
			return nil, fmt.Errorf("scan table_info(%s): %w", table, err)
		}
		cols = append(cols, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate table_info(%s): %w", table, err)
	}
	return cols, nil
}

func ensureTableColumn(db *sql.DB, table, column, columnDDL string) (bool, error) {
	cols, err := tableColumns(db, table)
	if err != nil {
		return false, err
	}
	for _, c := range cols {
		if strings.EqualFold(c, column) {
			return false, nil
		}
	}
	stmt := fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s`, table, columnDDL)
	if _, err := db.Exec(stmt); err != nil {
		return false, fmt.Errorf("add column %s.%s: %w", table, column, err)
	}
	return true, nil
}

// quoteIdent wraps a validated identifier in double quotes for use in
// dynamically built statements. Field names reach this point only after
// passing validateFieldName, so they can never contain a quote.
func quoteIdent(name string) string {
	return `"` + name + `"`
}

func validateFieldName(name string) error {
	if name == "" {
		return fmt.Errorf("empty field name")
	}
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
		case r >= '0' && r <= '9':
			if i == 0 {
				return fmt.Errorf("invalid field name %q", name)
			}
		default:
			return fmt.Errorf("invalid field name %q", name)
		}
	}
	return nil
}
