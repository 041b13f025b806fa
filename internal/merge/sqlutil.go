package merge

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/lherron/jwlmerge/internal/db"
	"github.com/mattn/go-sqlite3"
)

const mappingPrefix = "MergeMapping_"

func mappingTable(entity Entity) string {
	return mappingPrefix + string(entity)
}

func (s *Session) ensureMappingTable(ex db.Executor, entity Entity) error {
	if s.mapped[entity] {
		return nil
	}
	_, err := ex.Exec(fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			SourceDb TEXT NOT NULL,
			OldID INTEGER NOT NULL,
			NewID INTEGER NOT NULL,
			PRIMARY KEY (SourceDb, OldID)
		)`, db.QuoteIdent(mappingTable(entity))))
	if err != nil {
		return fmt.Errorf("failed to create mapping table for %s: %w", entity, err)
	}
	s.mapped[entity] = true
	return nil
}

// lookupMapping consults the transient mapping table and confirms the mapped
// row still exists in table.
func lookupMapping(ex db.Executor, entity Entity, src Source, oldID int64, table, idColumn string) (int64, bool, error) {
	query := fmt.Sprintf(`
		SELECT m.NewID FROM %s m
		JOIN %s t ON t.%s = m.NewID
		WHERE m.SourceDb = ? AND m.OldID = ?`,
		db.QuoteIdent(mappingTable(entity)), db.QuoteIdent(table), db.QuoteIdent(idColumn))
	var newID int64
	err := ex.QueryRow(query, src.Key(), oldID).Scan(&newID)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read mapping for %s: %w", entity, err)
	}
	return newID, true, nil
}

func saveMapping(ex db.Executor, entity Entity, src Source, oldID, newID int64) error {
	_, err := ex.Exec(fmt.Sprintf("INSERT OR REPLACE INTO %s (SourceDb, OldID, NewID) VALUES (?, ?, ?)",
		db.QuoteIdent(mappingTable(entity))), src.Key(), oldID, newID)
	if err != nil {
		return fmt.Errorf("failed to save mapping for %s: %w", entity, err)
	}
	return nil
}

// track persists a successful mapping and folds the outcome into the report.
func (s *Session) track(ex db.Executor, entity Entity, src Source, oldID int64, res rowResult, ids *IDMap) error {
	if res.ok() && s.mapped[entity] {
		if err := saveMapping(ex, entity, src, oldID, res.newID); err != nil {
			return err
		}
	}
	s.record(entity, src, oldID, res, ids)
	return nil
}

// isConstraint reports whether err is a SQLite constraint violation.
func isConstraint(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrConstraint
	}
	return false
}

func sameString(a, b sql.NullString) bool {
	return a.Valid == b.Valid && (!a.Valid || a.String == b.String)
}

func sameInt(a, b sql.NullInt64) bool {
	return a.Valid == b.Valid && (!a.Valid || a.Int64 == b.Int64)
}

func validInt(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: true}
}

func validString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: true}
}

// queryID runs a single-column id lookup, treating no rows as a miss.
func queryID(ex db.Executor, query string, args ...any) (int64, bool, error) {
	var id int64
	err := ex.QueryRow(query, args...).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// resolve maps an optional source foreign key. A NULL reference resolves to
// NULL; a dangling one reports ok=false.
func resolve(ids *IDMap, src Source, ref sql.NullInt64) (sql.NullInt64, bool) {
	if !ref.Valid {
		return sql.NullInt64{}, true
	}
	newID, ok := ids.Get(src, ref.Int64)
	if !ok {
		return sql.NullInt64{}, false
	}
	return validInt(newID), true
}
