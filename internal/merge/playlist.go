package merge

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"

	"github.com/lherron/jwlmerge/internal/db"
	"go.uber.org/zap"
)

// MergePlaylistItemAccuracy copies the accuracy lookup, keeping ids.
func MergePlaylistItemAccuracy(s *Session) error {
	err := s.inTx("merge playlist item accuracy", func(ex *executor) error {
		if ok, err := s.ensureTable(ex, "PlaylistItemAccuracy"); err != nil || !ok {
			return err
		}
		for _, src := range Sources {
			has, err := s.sourceHas(src, "PlaylistItemAccuracy")
			if err != nil {
				return err
			}
			if !has {
				continue
			}
			rows, err := s.Source(src).Query("SELECT PlaylistItemAccuracyId, Description FROM PlaylistItemAccuracy ORDER BY PlaylistItemAccuracyId")
			if err != nil {
				return fmt.Errorf("failed to query accuracy from %s: %w", src, err)
			}
			type accuracy struct {
				id          int64
				description sql.NullString
			}
			var batch []accuracy
			for rows.Next() {
				var a accuracy
				if err := rows.Scan(&a.id, &a.description); err != nil {
					rows.Close()
					return fmt.Errorf("failed to scan accuracy: %w", err)
				}
				batch = append(batch, a)
			}
			rows.Close()
			if err := rows.Err(); err != nil {
				return fmt.Errorf("error iterating accuracy rows: %w", err)
			}

			for _, a := range batch {
				result, err := ex.Exec("INSERT OR IGNORE INTO PlaylistItemAccuracy (PlaylistItemAccuracyId, Description) VALUES (?, ?)",
					a.id, a.description)
				if err != nil {
					return fmt.Errorf("failed to insert accuracy %d: %w", a.id, err)
				}
				if n, _ := result.RowsAffected(); n > 0 {
					s.record(EntityPlaylistItemAccuracy, src, a.id, created(a.id), nil)
				} else {
					s.record(EntityPlaylistItemAccuracy, src, a.id, reused(a.id), nil)
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.summarize(EntityPlaylistItemAccuracy)
	return nil
}

type sourcePlaylistItem struct {
	ID        int64
	Label     sql.NullString
	StartTrim sql.NullInt64
	EndTrim   sql.NullInt64
	Accuracy  sql.NullInt64
	EndAction sql.NullInt64
	Thumbnail sql.NullString
}

// contentKey hashes the fields that identify a playlist item. NULL text
// counts as "" and NULL numbers as 0.
func (p sourcePlaylistItem) contentKey() string {
	normalized := fmt.Sprintf("%s|%d|%d|%d|%d|%s",
		p.Label.String, p.StartTrim.Int64, p.EndTrim.Int64, p.Accuracy.Int64, p.EndAction.Int64, p.Thumbnail.String)
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

const playlistItemColumns = "PlaylistItemId, Label, StartTrimOffsetTicks, EndTrimOffsetTicks, Accuracy, EndAction, ThumbnailFilePath"

func loadPlaylistItems(exec db.Executor) ([]sourcePlaylistItem, error) {
	rows, err := exec.Query("SELECT " + playlistItemColumns + " FROM PlaylistItem ORDER BY PlaylistItemId")
	if err != nil {
		return nil, fmt.Errorf("failed to query playlist items: %w", err)
	}
	defer rows.Close()

	var out []sourcePlaylistItem
	for rows.Next() {
		var p sourcePlaylistItem
		if err := rows.Scan(&p.ID, &p.Label, &p.StartTrim, &p.EndTrim, &p.Accuracy, &p.EndAction, &p.Thumbnail); err != nil {
			return nil, fmt.Errorf("failed to scan playlist item: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating playlist items: %w", err)
	}
	return out, nil
}

// MergePlaylistItems dedups playlist items by content hash. Items already
// in the merged database seed the hash index.
func MergePlaylistItems(s *Session) error {
	err := s.inTx("merge playlist items", func(ex *executor) error {
		if ok, err := s.ensureTable(ex, "PlaylistItem"); err != nil || !ok {
			return err
		}
		if err := s.ensureMappingTable(ex, EntityPlaylistItem); err != nil {
			return err
		}

		existing, err := loadPlaylistItems(ex)
		if err != nil {
			return err
		}
		known := make(map[string]int64, len(existing))
		for _, p := range existing {
			if _, ok := known[p.contentKey()]; !ok {
				known[p.contentKey()] = p.ID
			}
		}

		for _, src := range Sources {
			has, err := s.sourceHas(src, "PlaylistItem")
			if err != nil {
				return err
			}
			if !has {
				continue
			}
			items, err := loadPlaylistItems(s.Source(src))
			if err != nil {
				return err
			}
			for _, p := range items {
				res, err := mergePlaylistItem(ex, src, p, known)
				if err != nil {
					return fmt.Errorf("playlist item %s/%d: %w", src, p.ID, err)
				}
				if err := s.track(ex, EntityPlaylistItem, src, p.ID, res, s.Maps.PlaylistItem); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.summarize(EntityPlaylistItem)
	return nil
}

func mergePlaylistItem(ex db.Executor, src Source, p sourcePlaylistItem, known map[string]int64) (rowResult, error) {
	key := p.contentKey()
	if id, ok, err := lookupMapping(ex, EntityPlaylistItem, src, p.ID, "PlaylistItem", "PlaylistItemId"); err != nil || ok {
		if ok {
			if _, seen := known[key]; !seen {
				known[key] = id
			}
		}
		return reused(id), err
	}
	if id, ok := known[key]; ok {
		return reused(id), nil
	}

	newID, err := db.NextID(ex, "PlaylistItem", "PlaylistItemId")
	if err != nil {
		return rowResult{}, err
	}
	_, err = ex.Exec(`
		INSERT INTO PlaylistItem (`+playlistItemColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		newID, p.Label, p.StartTrim, p.EndTrim, p.Accuracy, p.EndAction, p.Thumbnail)
	if err != nil {
		if !isConstraint(err) {
			return rowResult{}, err
		}
		id, ok, ferr := queryID(ex, `
			SELECT PlaylistItemId FROM PlaylistItem
			WHERE Label IS ? AND ThumbnailFilePath IS ?
			ORDER BY PlaylistItemId LIMIT 1`,
			p.Label, p.Thumbnail)
		if ferr != nil || ok {
			return reused(id), ferr
		}
		return skipped(KindUniquenessConflict, ReasonUniqueness, err.Error()), nil
	}
	known[key] = newID
	return created(newID), nil
}

type sourceMarker struct {
	ID                 int64
	PlaylistItemID     int64
	Label              sql.NullString
	StartTimeTicks     sql.NullInt64
	DurationTicks      sql.NullInt64
	EndTransitionTicks sql.NullInt64
}

func loadMarkers(src *db.DB) ([]sourceMarker, error) {
	rows, err := src.Query(`
		SELECT PlaylistItemMarkerId, PlaylistItemId, Label, StartTimeTicks, DurationTicks, EndTransitionDurationTicks
		FROM PlaylistItemMarker ORDER BY PlaylistItemMarkerId
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query markers: %w", err)
	}
	defer rows.Close()

	var out []sourceMarker
	for rows.Next() {
		var m sourceMarker
		if err := rows.Scan(&m.ID, &m.PlaylistItemID, &m.Label, &m.StartTimeTicks, &m.DurationTicks, &m.EndTransitionTicks); err != nil {
			return nil, fmt.Errorf("failed to scan marker: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating markers: %w", err)
	}
	return out, nil
}

var markerMapTables = []string{"PlaylistItemMarkerBibleVerseMap", "PlaylistItemMarkerParagraphMap"}

// MergePlaylistItemMarkers relabels markers onto merged items, then rebuilds
// the marker sub-maps with the new marker ids.
func MergePlaylistItemMarkers(s *Session) error {
	err := s.inTx("merge playlist item markers", func(ex *executor) error {
		ok, err := s.ensureTable(ex, "PlaylistItemMarker")
		if err != nil || !ok {
			return err
		}
		if err := s.ensureMappingTable(ex, EntityPlaylistItemMarker); err != nil {
			return err
		}
		for _, src := range Sources {
			has, err := s.sourceHas(src, "PlaylistItemMarker")
			if err != nil {
				return err
			}
			if !has {
				continue
			}
			markers, err := loadMarkers(s.Source(src))
			if err != nil {
				return err
			}
			for _, m := range markers {
				res, err := s.mergeMarker(ex, src, m)
				if err != nil {
					return fmt.Errorf("marker %s/%d: %w", src, m.ID, err)
				}
				if err := s.track(ex, EntityPlaylistItemMarker, src, m.ID, res, s.Maps.PlaylistItemMarker); err != nil {
					return err
				}
			}
		}

		for _, table := range markerMapTables {
			err := s.rebuildTable(ex, rebuildSpec{
				entity: EntityPlaylistItemMarkerMap,
				table:  table,
				remap: func(src Source, row []any) (SkipReason, bool) {
					if row[0] == nil || !remapColumn(s.Maps.PlaylistItemMarker, src, row, 0) {
						return ReasonUnresolvedMarker, false
					}
					return "", true
				},
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.summarize(EntityPlaylistItemMarker, EntityPlaylistItemMarkerMap)
	return nil
}

func (s *Session) mergeMarker(ex db.Executor, src Source, m sourceMarker) (rowResult, error) {
	itemID, ok := s.Maps.PlaylistItem.Get(src, m.PlaylistItemID)
	if !ok {
		return unresolved(ReasonUnresolvedPlaylistItem, fmt.Sprintf("PlaylistItemId %d", m.PlaylistItemID)), nil
	}
	if id, ok, err := lookupMapping(ex, EntityPlaylistItemMarker, src, m.ID, "PlaylistItemMarker", "PlaylistItemMarkerId"); err != nil || ok {
		return reused(id), err
	}

	newID, err := db.NextID(ex, "PlaylistItemMarker", "PlaylistItemMarkerId")
	if err != nil {
		return rowResult{}, err
	}
	_, err = ex.Exec(`
		INSERT INTO PlaylistItemMarker (PlaylistItemMarkerId, PlaylistItemId, Label, StartTimeTicks,
			DurationTicks, EndTransitionDurationTicks)
		VALUES (?, ?, ?, ?, ?, ?)`,
		newID, itemID, m.Label, m.StartTimeTicks, m.DurationTicks, m.EndTransitionTicks)
	if err == nil {
		return created(newID), nil
	}
	if !isConstraint(err) {
		return rowResult{}, err
	}
	if id, ok, ferr := queryID(ex, "SELECT PlaylistItemMarkerId FROM PlaylistItemMarker WHERE PlaylistItemId = ? AND StartTimeTicks IS ?",
		itemID, m.StartTimeTicks); ferr != nil || ok {
		return reused(id), ferr
	}
	return skipped(KindUniquenessConflict, ReasonUniqueness, err.Error()), nil
}

// RebuildPlaylistMaps replaces the item-to-location and item-to-media
// associations with the sources' rows rewritten to merged ids.
func RebuildPlaylistMaps(s *Session) error {
	item := func(src Source, row []any) bool {
		return row[0] != nil && remapColumn(s.Maps.PlaylistItem, src, row, 0)
	}
	specs := []rebuildSpec{
		{
			entity:  EntityPlaylistItemLocationMap,
			table:   "PlaylistItemLocationMap",
			columns: []string{"PlaylistItemId", "LocationId", "MajorMultimediaType", "BaseDurationTicks"},
			remap: func(src Source, row []any) (SkipReason, bool) {
				if !item(src, row) {
					return ReasonUnresolvedPlaylistItem, false
				}
				if !remapColumn(s.Maps.Location, src, row, 1) {
					return ReasonUnresolvedLocation, false
				}
				return "", true
			},
		},
		{
			entity:  EntityPlaylistItemMediaMap,
			table:   "PlaylistItemIndependentMediaMap",
			columns: []string{"PlaylistItemId", "IndependentMediaId", "DurationTicks"},
			remap: func(src Source, row []any) (SkipReason, bool) {
				if !item(src, row) {
					return ReasonUnresolvedPlaylistItem, false
				}
				if !remapColumn(s.Maps.IndependentMedia, src, row, 1) {
					return ReasonUnresolvedMedia, false
				}
				return "", true
			},
		},
		{
			entity:  EntityPlaylistItemMediaFileMap,
			table:   "PlaylistItemMediaMap",
			columns: []string{"PlaylistItemId", "MediaFileId", "OrderIndex"},
			remap: func(src Source, row []any) (SkipReason, bool) {
				if !item(src, row) {
					return ReasonUnresolvedPlaylistItem, false
				}
				if !remapColumn(s.Maps.IndependentMedia, src, row, 1) {
					return ReasonUnresolvedMedia, false
				}
				return "", true
			},
		},
	}

	for _, spec := range specs {
		spec := spec
		if err := s.inTx("rebuild "+spec.table, func(ex *executor) error {
			return s.rebuildTable(ex, spec)
		}); err != nil {
			return err
		}
		s.summarize(spec.entity)
	}
	return nil
}

// CleanupPlaylistOrphans removes merged playlist items no location map or
// independent media map references, and forgets them in the item mapping so
// later stages treat them as unresolved.
func CleanupPlaylistOrphans(s *Session) error {
	var orphans []int64
	err := s.inTx("clean up playlist orphans", func(ex *executor) error {
		ok, err := db.HasTable(ex, "PlaylistItem")
		if err != nil || !ok {
			return err
		}

		query := "SELECT PlaylistItemId FROM PlaylistItem p WHERE 1 = 1"
		for _, ref := range []string{"PlaylistItemLocationMap", "PlaylistItemIndependentMediaMap"} {
			has, err := db.HasTable(ex, ref)
			if err != nil {
				return err
			}
			if has {
				query += fmt.Sprintf(" AND NOT EXISTS (SELECT 1 FROM %s m WHERE m.PlaylistItemId = p.PlaylistItemId)", ref)
			}
		}

		rows, err := db.ReadRows(ex, query+" ORDER BY PlaylistItemId")
		if err != nil {
			return err
		}
		for _, row := range rows {
			id, _ := db.Int64Value(row[0])
			if _, err := ex.Exec("DELETE FROM PlaylistItem WHERE PlaylistItemId = ?", id); err != nil {
				return fmt.Errorf("failed to delete orphan playlist item %d: %w", id, err)
			}
			orphans = append(orphans, id)
		}

		return s.auditThumbnails(ex)
	})
	if err != nil {
		return err
	}

	for _, id := range orphans {
		s.Maps.PlaylistItem.DropNew(id)
	}
	s.Report.OrphansCleaned += len(orphans)
	if len(orphans) > 0 {
		s.Log.Info("removed orphan playlist items", zap.Int("count", len(orphans)))
	}
	return nil
}

// auditThumbnails warns about items whose thumbnail has no media file.
func (s *Session) auditThumbnails(ex db.Executor) error {
	has, err := db.HasTable(ex, "IndependentMedia")
	if err != nil || !has {
		return err
	}
	var missing int
	err = ex.QueryRow(`
		SELECT COUNT(*) FROM PlaylistItem p
		WHERE p.ThumbnailFilePath IS NOT NULL
		  AND NOT EXISTS (SELECT 1 FROM IndependentMedia m WHERE m.FilePath = p.ThumbnailFilePath)
	`).Scan(&missing)
	if err != nil {
		return fmt.Errorf("failed to audit thumbnails: %w", err)
	}
	if missing > 0 {
		s.Report.warn(fmt.Sprintf("%d playlist items reference a thumbnail with no media file", missing))
	}
	return nil
}
