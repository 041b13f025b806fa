package merge

import (
	"errors"
	"fmt"

	"github.com/lherron/jwlmerge/internal/db"
	"go.uber.org/zap"
)

// orphanSweep deletes dependent rows whose parent did not survive the merge.
// The statement only runs when every table in needs exists.
type orphanSweep struct {
	table string
	needs []string
	where string
}

var orphanSweeps = []orphanSweep{
	{
		table: "PlaylistItemMarker",
		needs: []string{"PlaylistItem"},
		where: "PlaylistItemId NOT IN (SELECT PlaylistItemId FROM PlaylistItem)",
	},
	{
		table: "PlaylistItemMarkerBibleVerseMap",
		needs: []string{"PlaylistItemMarker"},
		where: "PlaylistItemMarkerId NOT IN (SELECT PlaylistItemMarkerId FROM PlaylistItemMarker)",
	},
	{
		table: "PlaylistItemMarkerParagraphMap",
		needs: []string{"PlaylistItemMarker"},
		where: "PlaylistItemMarkerId NOT IN (SELECT PlaylistItemMarkerId FROM PlaylistItemMarker)",
	},
	{
		table: "TagMap",
		needs: []string{"Tag", "Note", "Location", "PlaylistItem"},
		where: `TagId NOT IN (SELECT TagId FROM Tag)
			OR (NoteId IS NOT NULL AND NoteId NOT IN (SELECT NoteId FROM Note))
			OR (LocationId IS NOT NULL AND LocationId NOT IN (SELECT LocationId FROM Location))
			OR (PlaylistItemId IS NOT NULL AND PlaylistItemId NOT IN (SELECT PlaylistItemId FROM PlaylistItem))`,
	},
	{
		table: "BlockRange",
		needs: []string{"UserMark"},
		where: "UserMarkId NOT IN (SELECT UserMarkId FROM UserMark)",
	},
	{
		table: "PlaylistItemMediaMap",
		needs: []string{"PlaylistItem"},
		where: "PlaylistItemId NOT IN (SELECT PlaylistItemId FROM PlaylistItem)",
	},
}

// Finalize sweeps orphans, installs the deferred views and triggers, drops
// the mapping tables and verifies the merged database. A failed integrity
// check is fatal; foreign key violations are only reported.
func Finalize(s *Session) error {
	if err := sweepOrphans(s); err != nil {
		return err
	}
	if err := installDeferred(s); err != nil {
		return err
	}
	if err := dropMappingTables(s); err != nil {
		return err
	}
	if err := reindex(s); err != nil {
		return err
	}
	if err := verify(s); err != nil {
		return err
	}
	return collectTotals(s)
}

func sweepOrphans(s *Session) error {
	removed := 0
	err := s.inTx("sweep orphans", func(ex *executor) error {
		for _, sweep := range orphanSweeps {
			missing, err := db.MissingTables(ex, append([]string{sweep.table}, sweep.needs...))
			if err != nil {
				return err
			}
			if len(missing) > 0 {
				continue
			}
			result, err := ex.Exec(fmt.Sprintf("DELETE FROM %s WHERE %s", db.QuoteIdent(sweep.table), sweep.where))
			if err != nil {
				return fmt.Errorf("failed to sweep %s: %w", sweep.table, err)
			}
			n, _ := result.RowsAffected()
			if n > 0 {
				s.Log.Info("swept orphan rows", zap.String("table", sweep.table), zap.Int64("count", n))
			}
			removed += int(n)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.Report.OrphansCleaned += removed
	return nil
}

func dropMappingTables(s *Session) error {
	return s.inTx("drop mapping tables", func(ex *executor) error {
		tables, err := db.TablesWithPrefix(ex, mappingPrefix)
		if err != nil {
			return err
		}
		for _, table := range tables {
			if _, err := ex.Exec("DROP TABLE IF EXISTS " + db.QuoteIdent(table)); err != nil {
				return fmt.Errorf("failed to drop %s: %w", table, err)
			}
		}
		s.mapped = make(map[Entity]bool)
		return nil
	})
}

func reindex(s *Session) error {
	indexes, err := db.Indexes(s.Merged)
	if err != nil {
		return structural("reindex", err)
	}
	for _, index := range indexes {
		if _, err := s.Merged.Exec("REINDEX " + db.QuoteIdent(index)); err != nil {
			return structural("reindex", fmt.Errorf("failed to reindex %s: %w", index, err))
		}
	}
	return nil
}

func verify(s *Session) error {
	result, err := db.IntegrityCheck(s.Merged)
	if err != nil {
		return structural("integrity check", err)
	}
	s.Report.IntegrityCheck = result
	if result != "ok" {
		return newError(KindStructuralFailure, "integrity check", errors.New(result))
	}

	violations, err := db.ForeignKeyCheck(s.Merged)
	if err != nil {
		return structural("foreign key check", err)
	}
	s.Report.ForeignKeyViolations = len(violations)
	for _, v := range violations {
		s.Log.Warn("foreign key violation", zap.String("violation", v.String()))
	}
	if len(violations) > 0 {
		s.Report.warn(fmt.Sprintf("%d foreign key violations remain after merge", len(violations)))
	}
	return nil
}

func collectTotals(s *Session) error {
	counts := []struct {
		table string
		where string
		dest  *int
	}{
		{"Tag", "Type = 2", &s.Report.Playlists},
		{"PlaylistItem", "", &s.Report.PlaylistItems},
		{"IndependentMedia", "", &s.Report.MediaFiles},
	}
	for _, c := range counts {
		ok, err := db.HasTable(s.Merged, c.table)
		if err != nil {
			return structural("collect totals", err)
		}
		if !ok {
			continue
		}
		n, err := db.Count(s.Merged, c.table, c.where)
		if err != nil {
			return structural("collect totals", err)
		}
		*c.dest = n
	}
	return nil
}
