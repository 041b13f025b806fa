package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps a SQLite database connection
type DB struct {
	*sql.DB
	path     string
	readOnly bool
}

// Open opens (or creates) a writable SQLite database at the given path and
// applies pragmas. The pool is pinned to one connection so pragma state and
// transactions always land on the same handle.
func Open(path string) (*DB, error) {
	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Foreign keys stay off while rows are rewritten; violations are
	// reported by ForeignKeyCheck instead of rejected on insert.
	pragmas := []string{
		"PRAGMA foreign_keys = OFF",
		"PRAGMA journal_mode = DELETE",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply pragma %q: %w", pragma, err)
		}
	}

	return &DB{DB: db, path: path}, nil
}

// OpenReadOnly opens an existing database without write access. It fails
// when the file is missing or is not a SQLite database.
func OpenReadOnly(path string) (*DB, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat database %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("database path %s is a directory", path)
	}

	dsn := fmt.Sprintf("file:%s?mode=ro&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master").Scan(&count); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to read schema of %s: %w", path, err)
	}

	return &DB{DB: db, path: path, readOnly: true}, nil
}

// Path returns the database file path
func (db *DB) Path() string {
	return db.path
}

// ReadOnly reports whether the handle was opened with OpenReadOnly.
func (db *DB) ReadOnly() bool {
	return db.readOnly
}

// VacuumInto writes a compacted copy of the database to dest. dest must not exist.
func (db *DB) VacuumInto(dest string) error {
	if _, err := os.Stat(dest); err == nil {
		return fmt.Errorf("vacuum destination already exists: %s", dest)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("failed to create vacuum directory: %w", err)
	}
	escaped := strings.ReplaceAll(dest, "'", "''")
	if _, err := db.Exec(fmt.Sprintf("VACUUM INTO '%s'", escaped)); err != nil {
		return fmt.Errorf("failed to vacuum into %s: %w", dest, err)
	}
	return nil
}

// QuoteIdent quotes a table or column name for interpolation into SQL.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
