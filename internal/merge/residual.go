package merge

import (
	"fmt"
	"sort"
	"strings"

	"github.com/lherron/jwlmerge/internal/db"
	"go.uber.org/zap"
)

// handledTables are merged by a dedicated component and never by the
// residual pass.
var handledTables = map[string]bool{
	"Location":                        true,
	"IndependentMedia":                true,
	"UserMark":                        true,
	"BlockRange":                      true,
	"Note":                            true,
	"Bookmark":                        true,
	"Tag":                             true,
	"TagMap":                          true,
	"PlaylistItem":                    true,
	"PlaylistItemAccuracy":            true,
	"PlaylistItemMarker":              true,
	"PlaylistItemMarkerBibleVerseMap": true,
	"PlaylistItemMarkerParagraphMap":  true,
	"PlaylistItemLocationMap":         true,
	"PlaylistItemIndependentMediaMap": true,
	"PlaylistItemMediaMap":            true,
	"InputField":                      true,
	"LastModified":                    true,
	"android_metadata":                true,
	"grdb_migrations":                 true,
}

// ResidualTables lists the tables of either source no dedicated component
// covers, sorted by name.
func ResidualTables(s *Session) ([]string, error) {
	seen := make(map[string]bool)
	for _, src := range Sources {
		tables, err := db.Tables(s.Source(src))
		if err != nil {
			return nil, err
		}
		for _, t := range tables {
			if handledTables[t] || strings.HasPrefix(t, mappingPrefix) || strings.HasPrefix(t, "sqlite_") {
				continue
			}
			seen[t] = true
		}
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out, nil
}

// MergeResidualTables copies every residual table, skipping rows whose
// non-key columns already appear in the merged table.
func MergeResidualTables(s *Session) error {
	tables, err := ResidualTables(s)
	if err != nil {
		return structural("merge residual tables", err)
	}
	if len(tables) == 0 {
		return nil
	}

	err = s.inTx("merge residual tables", func(ex *executor) error {
		for _, table := range tables {
			if err := s.mergeResidualTable(ex, table); err != nil {
				return fmt.Errorf("%s: %w", table, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.Log.Info("merged residual tables", zap.Strings("tables", tables))
	s.summarize(EntityResidual)
	return nil
}

func (s *Session) mergeResidualTable(ex db.Executor, table string) error {
	ok, err := s.ensureTable(ex, table)
	if err != nil || !ok {
		return err
	}
	columns, err := db.Columns(ex, table)
	if err != nil {
		return err
	}
	if len(columns) == 0 {
		return nil
	}
	names := make([]string, len(columns))
	for i, c := range columns {
		names[i] = c.Name
	}
	// Only an integer first column can be renumbered.
	renumber := len(columns) > 1 && strings.Contains(strings.ToUpper(columns[0].Type), "INT")

	insert := fmt.Sprintf("INSERT OR IGNORE INTO %s (%s) VALUES (%s)",
		db.QuoteIdent(table), db.QuoteIdents(names), db.Placeholders(len(names)))

	var exists string
	if len(names) > 1 {
		conds := make([]string, len(names)-1)
		for i, name := range names[1:] {
			conds[i] = db.QuoteIdent(name) + " IS ?"
		}
		exists = fmt.Sprintf("SELECT 1 FROM %s WHERE %s LIMIT 1", db.QuoteIdent(table), strings.Join(conds, " AND "))
	}

	for _, src := range Sources {
		has, err := s.sourceHas(src, table)
		if err != nil {
			return err
		}
		if !has {
			continue
		}
		query, err := db.SelectColumns(s.Source(src), table, names)
		if err != nil {
			return err
		}
		rows, err := db.ReadRows(s.Source(src), query)
		if err != nil {
			return err
		}

		for _, row := range rows {
			oldID, _ := db.Int64Value(row[0])
			if exists != "" {
				_, found, err := queryID(ex, exists, row[1:]...)
				if err != nil {
					return err
				}
				if found {
					s.record(EntityResidual, src, oldID, reused(0), nil)
					continue
				}
			}
			if renumber {
				newID, err := db.NextID(ex, table, names[0])
				if err != nil {
					return err
				}
				row[0] = newID
			}
			result, err := ex.Exec(insert, row...)
			if err != nil {
				if isConstraint(err) {
					s.record(EntityResidual, src, oldID, skipped(KindUniquenessConflict, ReasonUniqueness, table+": "+err.Error()), nil)
					continue
				}
				return err
			}
			if n, _ := result.RowsAffected(); n == 0 {
				s.record(EntityResidual, src, oldID, reused(0), nil)
				continue
			}
			newID, _ := db.Int64Value(row[0])
			s.record(EntityResidual, src, oldID, created(newID), nil)
		}
	}
	return nil
}
