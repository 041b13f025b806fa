package db

import (
	"database/sql"
	"fmt"
	"strings"
)

// SchemaObject is one row of sqlite_master.
type SchemaObject struct {
	Type  string
	Name  string
	Table string
	SQL   string
}

// Column describes a table column as reported by PRAGMA table_info.
type Column struct {
	Name    string
	Type    string
	NotNull bool
	PK      int
}

// SchemaObjects returns user-defined tables, indexes, views and triggers in
// creation order. Internal sqlite_ objects and autoindexes (which have no SQL)
// are excluded.
func SchemaObjects(exec Executor) ([]SchemaObject, error) {
	rows, err := exec.Query(`
		SELECT type, name, tbl_name, sql FROM sqlite_master
		WHERE type IN ('table', 'index', 'trigger', 'view')
		  AND name NOT LIKE 'sqlite_%'
		  AND sql IS NOT NULL
		ORDER BY rowid
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sqlite_master: %w", err)
	}
	defer rows.Close()

	var objects []SchemaObject
	for rows.Next() {
		var obj SchemaObject
		if err := rows.Scan(&obj.Type, &obj.Name, &obj.Table, &obj.SQL); err != nil {
			return nil, fmt.Errorf("failed to scan schema object: %w", err)
		}
		objects = append(objects, obj)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating schema objects: %w", err)
	}
	return objects, nil
}

// Tables returns the names of all user tables.
func Tables(exec Executor) ([]string, error) {
	rows, err := exec.Query(`
		SELECT name FROM sqlite_master
		WHERE type = 'table' AND name NOT LIKE 'sqlite_%'
		ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan table name: %w", err)
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tables: %w", err)
	}
	return tables, nil
}

// HasTable reports whether a table with the given name exists.
func HasTable(exec Executor, table string) (bool, error) {
	var count int
	err := exec.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check table %s: %w", table, err)
	}
	return count > 0, nil
}

// MissingTables returns the subset of required tables that do not exist.
func MissingTables(exec Executor, required []string) ([]string, error) {
	var missing []string
	for _, table := range required {
		ok, err := HasTable(exec, table)
		if err != nil {
			return nil, err
		}
		if !ok {
			missing = append(missing, table)
		}
	}
	return missing, nil
}

// TableSQL returns the CREATE statement for a table, or "" when absent.
func TableSQL(exec Executor, table string) (string, error) {
	var stmt sql.NullString
	err := exec.QueryRow("SELECT sql FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&stmt)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read definition of %s: %w", table, err)
	}
	return stmt.String, nil
}

// Columns returns the columns of a table in declaration order.
func Columns(exec Executor, table string) ([]Column, error) {
	rows, err := exec.Query(fmt.Sprintf("PRAGMA table_info(%s)", QuoteIdent(table)))
	if err != nil {
		return nil, fmt.Errorf("failed to read columns of %s: %w", table, err)
	}
	defer rows.Close()

	var cols []Column
	for rows.Next() {
		var (
			cid     int
			col     Column
			notNull int
			dflt    sql.NullString
		)
		if err := rows.Scan(&cid, &col.Name, &col.Type, &notNull, &dflt, &col.PK); err != nil {
			return nil, fmt.Errorf("failed to scan column of %s: %w", table, err)
		}
		col.NotNull = notNull != 0
		cols = append(cols, col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating columns of %s: %w", table, err)
	}
	return cols, nil
}

// ColumnNames is Columns reduced to names.
func ColumnNames(exec Executor, table string) ([]string, error) {
	cols, err := Columns(exec, table)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	return names, nil
}

// Indexes returns the names of explicitly created indexes.
func Indexes(exec Executor) ([]string, error) {
	rows, err := exec.Query(`
		SELECT name FROM sqlite_master
		WHERE type = 'index' AND name NOT LIKE 'sqlite_autoindex_%' AND sql IS NOT NULL
		ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list indexes: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan index name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating indexes: %w", err)
	}
	return names, nil
}

// TablesWithPrefix lists user tables whose name starts with prefix.
func TablesWithPrefix(exec Executor, prefix string) ([]string, error) {
	all, err := Tables(exec)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, name := range all {
		if strings.HasPrefix(name, prefix) {
			out = append(out, name)
		}
	}
	return out, nil
}
