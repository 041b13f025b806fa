package merge

import (
	"fmt"
	"time"

	"github.com/lherron/jwlmerge/internal/db"
)

// LastModifiedLayout is the timestamp format written to the LastModified
// table.
const LastModifiedLayout = "2006-01-02T15:04:05"

// RebuildInputFields replaces InputField with both sources' rows keyed by
// merged location ids. NULL values become empty strings.
func RebuildInputFields(s *Session) error {
	err := s.inTx("rebuild input fields", func(ex *executor) error {
		return s.rebuildTable(ex, rebuildSpec{
			entity:  EntityInputField,
			table:   "InputField",
			columns: []string{"LocationId", "TextTag", "Value"},
			remap: func(src Source, row []any) (SkipReason, bool) {
				if row[0] == nil || !remapColumn(s.Maps.Location, src, row, 0) {
					return ReasonUnresolvedLocation, false
				}
				if row[2] == nil {
					row[2] = ""
				}
				return "", true
			},
		})
	})
	if err != nil {
		return err
	}
	s.summarize(EntityInputField)
	return nil
}

// platformTables are single-column tables merged as a set union.
var platformTables = []struct {
	table  string
	column string
}{
	{"android_metadata", "locale"},
	{"grdb_migrations", "identifier"},
}

// MergePlatformMetadata rewrites android_metadata and grdb_migrations as the
// union of both sources.
func MergePlatformMetadata(s *Session) error {
	err := s.inTx("merge platform metadata", func(ex *executor) error {
		for _, pt := range platformTables {
			var values []any
			for _, src := range Sources {
				has, err := s.sourceHas(src, pt.table)
				if err != nil {
					return err
				}
				if !has {
					continue
				}
				rows, err := db.ReadRows(s.Source(src),
					fmt.Sprintf("SELECT DISTINCT %s FROM %s", db.QuoteIdent(pt.column), db.QuoteIdent(pt.table)))
				if err != nil {
					return fmt.Errorf("failed to read %s from %s: %w", pt.table, src, err)
				}
				for _, row := range rows {
					values = append(values, row[0])
				}
			}
			if len(values) == 0 {
				continue
			}
			if ok, err := s.ensureTable(ex, pt.table); err != nil || !ok {
				return err
			}
			if _, err := ex.Exec("DELETE FROM " + db.QuoteIdent(pt.table)); err != nil {
				return fmt.Errorf("failed to clear %s: %w", pt.table, err)
			}

			insert := fmt.Sprintf("INSERT INTO %[1]s (%[2]s) SELECT ? WHERE NOT EXISTS (SELECT 1 FROM %[1]s WHERE %[2]s IS ?)",
				db.QuoteIdent(pt.table), db.QuoteIdent(pt.column))
			for _, v := range values {
				result, err := ex.Exec(insert, v, v)
				if err != nil {
					return fmt.Errorf("failed to insert into %s: %w", pt.table, err)
				}
				if n, _ := result.RowsAffected(); n > 0 {
					s.record(EntityPlatformMetadata, 0, 0, created(0), nil)
				} else {
					s.record(EntityPlatformMetadata, 0, 0, reused(0), nil)
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.summarize(EntityPlatformMetadata)
	return nil
}

// StampLastModified replaces the single LastModified row with stamp, or the
// current local time when stamp is empty.
func StampLastModified(s *Session, stamp string) error {
	if stamp == "" {
		stamp = time.Now().Format(LastModifiedLayout)
	}
	return s.inTx("stamp last modified", func(ex *executor) error {
		if _, err := ex.Exec(lastModifiedDDL); err != nil {
			return fmt.Errorf("failed to create LastModified: %w", err)
		}
		if _, err := ex.Exec("DELETE FROM LastModified"); err != nil {
			return fmt.Errorf("failed to clear LastModified: %w", err)
		}
		if _, err := ex.Exec("INSERT INTO LastModified (LastModified) VALUES (?)", stamp); err != nil {
			return fmt.Errorf("failed to stamp LastModified: %w", err)
		}
		return nil
	})
}
