package merge

import (
	"fmt"
	"strings"

	"github.com/lherron/jwlmerge/internal/db"
	"go.uber.org/zap"
)

// RequiredTables must exist in both sources before a merge starts.
var RequiredTables = []string{"Bookmark", "Location", "UserMark", "Note"}

const playlistItemMediaMapDDL = `CREATE TABLE IF NOT EXISTS PlaylistItemMediaMap (
	PlaylistItemId INTEGER NOT NULL,
	MediaFileId INTEGER NOT NULL,
	OrderIndex INTEGER NOT NULL,
	PRIMARY KEY (PlaylistItemId, MediaFileId),
	FOREIGN KEY (PlaylistItemId) REFERENCES PlaylistItem(PlaylistItemId),
	FOREIGN KEY (MediaFileId) REFERENCES IndependentMedia(IndependentMediaId)
)`

const lastModifiedDDL = `CREATE TABLE IF NOT EXISTS LastModified (LastModified TEXT NOT NULL)`

// ValidateSource checks that a source carries the tables the engine cannot
// work without.
func ValidateSource(src *db.DB, label string) error {
	missing, err := db.MissingTables(src, RequiredTables)
	if err != nil {
		return schemaIncompatible("validate "+label, err)
	}
	if len(missing) > 0 {
		return newError(KindSchemaIncompatibility, "validate "+label,
			fmt.Errorf("missing required tables: %s", strings.Join(missing, ", "))).
			WithContext("path", src.Path())
	}
	return nil
}

// Bootstrap clones the schema of source A into the merged database. Tables
// and indexes are created now; views and triggers are held back until the
// data is in place so they do not fire during the merge.
func Bootstrap(s *Session) error {
	objects, err := db.SchemaObjects(s.Source(SourceA))
	if err != nil {
		return structural("bootstrap schema", err)
	}

	var tables, indexes []db.SchemaObject
	for _, obj := range objects {
		if skipSchemaObject(obj) {
			continue
		}
		switch obj.Type {
		case "table":
			tables = append(tables, obj)
		case "index":
			indexes = append(indexes, obj)
		default:
			s.deferred = append(s.deferred, obj)
		}
	}

	err = s.inTx("bootstrap schema", func(ex *executor) error {
		for _, obj := range append(tables, indexes...) {
			if err := createIfMissing(ex, obj); err != nil {
				return err
			}
		}
		if _, err := ex.Exec(lastModifiedDDL); err != nil {
			return fmt.Errorf("failed to create LastModified: %w", err)
		}
		if _, err := ex.Exec(playlistItemMediaMapDDL); err != nil {
			return fmt.Errorf("failed to create PlaylistItemMediaMap: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.Log.Info("schema bootstrapped",
		zap.Int("tables", len(tables)),
		zap.Int("indexes", len(indexes)),
		zap.Int("deferred", len(s.deferred)),
	)
	return nil
}

// skipSchemaObject leaves out bookkeeping tables and the LastModified stamp
// together with the triggers that maintain it.
func skipSchemaObject(obj db.SchemaObject) bool {
	if strings.HasPrefix(obj.Name, mappingPrefix) || strings.HasPrefix(obj.Table, mappingPrefix) {
		return true
	}
	if obj.Name == "LastModified" || obj.Table == "LastModified" {
		return true
	}
	return obj.Type == "trigger" && strings.Contains(obj.SQL, "LastModified")
}

func createIfMissing(ex db.Executor, obj db.SchemaObject) error {
	var count int
	if err := ex.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE name = ?", obj.Name).Scan(&count); err != nil {
		return fmt.Errorf("failed to check %s %s: %w", obj.Type, obj.Name, err)
	}
	if count > 0 {
		return nil
	}
	if _, err := ex.Exec(obj.SQL); err != nil {
		return fmt.Errorf("failed to create %s %s: %w", obj.Type, obj.Name, err)
	}
	return nil
}

// installDeferred creates the views and triggers held back by Bootstrap.
func installDeferred(s *Session) error {
	return s.inTx("install views and triggers", func(ex *executor) error {
		for _, obj := range s.deferred {
			if err := createIfMissing(ex, obj); err != nil {
				return err
			}
		}
		return nil
	})
}

// ensureTable makes sure the merged database has table, cloning its
// definition from whichever source carries it. It reports false when
// neither source has the table.
func (s *Session) ensureTable(ex db.Executor, table string) (bool, error) {
	ok, err := db.HasTable(ex, table)
	if err != nil || ok {
		return ok, err
	}
	for _, src := range Sources {
		stmt, err := db.TableSQL(s.Source(src), table)
		if err != nil {
			return false, err
		}
		if stmt == "" {
			continue
		}
		if _, err := ex.Exec(stmt); err != nil {
			return false, fmt.Errorf("failed to create %s from %s: %w", table, src, err)
		}
		s.Log.Debug("created table missing from source A", zap.String("table", table), zap.String("from", src.Key()))
		return true, nil
	}
	return false, nil
}
