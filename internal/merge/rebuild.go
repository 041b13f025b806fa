package merge

import (
	"fmt"

	"github.com/lherron/jwlmerge/internal/db"
)

// rebuildSpec describes a dependent table that is wiped on the merged side
// and refilled from both sources with its references rewritten.
type rebuildSpec struct {
	entity Entity
	table  string
	// columns are read from each source in this order. Nil means the
	// merged table's own columns.
	columns []string
	// remap rewrites row in place. It returns the skip reason when a
	// reference does not resolve.
	remap func(src Source, row []any) (SkipReason, bool)
}

// rebuildTable replaces the merged contents of spec.table. Rows that remap
// to an existing key are absorbed by INSERT OR IGNORE and counted as reused.
func (s *Session) rebuildTable(ex db.Executor, spec rebuildSpec) error {
	ok, err := s.ensureTable(ex, spec.table)
	if err != nil || !ok {
		return err
	}
	columns := spec.columns
	if columns == nil {
		if columns, err = db.ColumnNames(ex, spec.table); err != nil {
			return err
		}
	}
	if _, err := ex.Exec("DELETE FROM " + db.QuoteIdent(spec.table)); err != nil {
		return fmt.Errorf("failed to clear %s: %w", spec.table, err)
	}

	insert := fmt.Sprintf("INSERT OR IGNORE INTO %s (%s) VALUES (%s)",
		db.QuoteIdent(spec.table), db.QuoteIdents(columns), db.Placeholders(len(columns)))

	for _, src := range Sources {
		has, err := s.sourceHas(src, spec.table)
		if err != nil {
			return err
		}
		if !has {
			continue
		}
		query, err := db.SelectColumns(s.Source(src), spec.table, columns)
		if err != nil {
			return err
		}
		rows, err := db.ReadRows(s.Source(src), query)
		if err != nil {
			return fmt.Errorf("failed to read %s from %s: %w", spec.table, src, err)
		}

		for _, row := range rows {
			oldKey, _ := db.Int64Value(row[0])
			if reason, ok := spec.remap(src, row); !ok {
				s.record(spec.entity, src, oldKey, unresolved(reason, spec.table), nil)
				continue
			}
			result, err := ex.Exec(insert, row...)
			if err != nil {
				return fmt.Errorf("failed to insert into %s: %w", spec.table, err)
			}
			n, _ := result.RowsAffected()
			newKey, _ := db.Int64Value(row[0])
			if n == 0 {
				s.record(spec.entity, src, oldKey, reused(newKey), nil)
			} else {
				s.record(spec.entity, src, oldKey, created(newKey), nil)
			}
		}
	}
	return nil
}

// remapColumn rewrites row[i] through ids. A NULL value stays NULL.
func remapColumn(ids *IDMap, src Source, row []any, i int) bool {
	if row[i] == nil {
		return true
	}
	oldID, ok := db.Int64Value(row[i])
	if !ok {
		return false
	}
	newID, ok := ids.Get(src, oldID)
	if !ok {
		return false
	}
	row[i] = newID
	return true
}
