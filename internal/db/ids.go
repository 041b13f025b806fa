package db

import (
	"database/sql"
	"fmt"
)

// Executor is the subset of *sql.DB and *sql.Tx the helpers in this package need.
type Executor interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// MaxID returns the largest value of column in table, or 0 for an empty table.
func MaxID(exec Executor, table, column string) (int64, error) {
	query := fmt.Sprintf("SELECT COALESCE(MAX(%s), 0) FROM %s", QuoteIdent(column), QuoteIdent(table))
	var maxID int64
	if err := exec.QueryRow(query).Scan(&maxID); err != nil {
		return 0, fmt.Errorf("failed to compute max %s.%s: %w", table, column, err)
	}
	return maxID, nil
}

// NextID allocates max(existing)+1 for column in table. The value is only
// reserved once a row using it is inserted on the same executor.
func NextID(exec Executor, table, column string) (int64, error) {
	maxID, err := MaxID(exec, table, column)
	if err != nil {
		return 0, err
	}
	return maxID + 1, nil
}
