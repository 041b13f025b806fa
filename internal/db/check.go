package db

import (
	"database/sql"
	"fmt"
	"strings"
)

// FKViolation is one row of PRAGMA foreign_key_check.
type FKViolation struct {
	Table  string `json:"table"`
	RowID  int64  `json:"rowid"`
	Parent string `json:"parent"`
	FKID   int    `json:"fkid"`
}

func (v FKViolation) String() string {
	return fmt.Sprintf("%s rowid %d -> %s (fk %d)", v.Table, v.RowID, v.Parent, v.FKID)
}

// IntegrityCheck runs PRAGMA integrity_check and returns its result joined
// into one string. A healthy database returns "ok".
func IntegrityCheck(exec Executor) (string, error) {
	rows, err := exec.Query("PRAGMA integrity_check")
	if err != nil {
		return "", fmt.Errorf("failed to run integrity check: %w", err)
	}
	defer rows.Close()

	var lines []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return "", fmt.Errorf("failed to scan integrity check: %w", err)
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("error iterating integrity check: %w", err)
	}
	return strings.Join(lines, "; "), nil
}

// ForeignKeyCheck runs PRAGMA foreign_key_check across all tables.
func ForeignKeyCheck(exec Executor) ([]FKViolation, error) {
	rows, err := exec.Query("PRAGMA foreign_key_check")
	if err != nil {
		return nil, fmt.Errorf("failed to run foreign key check: %w", err)
	}
	defer rows.Close()

	var violations []FKViolation
	for rows.Next() {
		var (
			v     FKViolation
			rowID sql.NullInt64
		)
		if err := rows.Scan(&v.Table, &rowID, &v.Parent, &v.FKID); err != nil {
			return nil, fmt.Errorf("failed to scan foreign key violation: %w", err)
		}
		v.RowID = rowID.Int64
		violations = append(violations, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating foreign key check: %w", err)
	}
	return violations, nil
}

// Count returns the number of rows in table matching an optional WHERE clause.
func Count(exec Executor, table, where string, args ...any) (int, error) {
	query := "SELECT COUNT(*) FROM " + QuoteIdent(table)
	if where != "" {
		query += " WHERE " + where
	}
	var n int
	if err := exec.QueryRow(query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return n, nil
}
