package db

import (
	"fmt"
	"strings"
)

// SelectColumns builds a SELECT over want from table. Columns the table
// lacks are selected as NULL so the result always has len(want) columns.
func SelectColumns(exec Executor, table string, want []string) (string, error) {
	have, err := ColumnNames(exec, table)
	if err != nil {
		return "", err
	}
	present := make(map[string]bool, len(have))
	for _, name := range have {
		present[strings.ToLower(name)] = true
	}

	exprs := make([]string, len(want))
	for i, name := range want {
		if present[strings.ToLower(name)] {
			exprs[i] = QuoteIdent(name)
		} else {
			exprs[i] = "NULL"
		}
	}
	return fmt.Sprintf("SELECT %s FROM %s", strings.Join(exprs, ", "), QuoteIdent(table)), nil
}

// ReadRows runs query and returns every row as driver values.
func ReadRows(exec Executor, query string, args ...any) ([][]any, error) {
	rows, err := exec.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rows: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}

	var out [][]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out = append(out, values)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}

// Int64Value converts a scanned driver value to an integer id.
func Int64Value(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case float64:
		return int64(n), true
	case []byte:
		var id int64
		if _, err := fmt.Sscan(string(n), &id); err == nil {
			return id, true
		}
	case string:
		var id int64
		if _, err := fmt.Sscan(n, &id); err == nil {
			return id, true
		}
	}
	return 0, false
}

// Placeholders returns n comma-separated bind markers.
func Placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// QuoteIdents quotes each name and joins them with commas.
func QuoteIdents(names []string) string {
	quoted := make([]string, len(names))
	for i, name := range names {
		quoted[i] = QuoteIdent(name)
	}
	return strings.Join(quoted, ", ")
}
