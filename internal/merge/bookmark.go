package merge

import (
	"database/sql"
	"fmt"

	"github.com/lherron/jwlmerge/internal/db"
)

type sourceBookmark struct {
	ID                    int64
	LocationID            sql.NullInt64
	PublicationLocationID sql.NullInt64
	Slot                  int64
	Title                 sql.NullString
	Snippet               sql.NullString
	BlockType             sql.NullInt64
	BlockIdentifier       sql.NullInt64
}

type bookmarkSet struct {
	byID  map[int64]sourceBookmark
	order []int64
}

func loadBookmarks(src *db.DB) (*bookmarkSet, error) {
	rows, err := src.Query(`
		SELECT BookmarkId, LocationId, PublicationLocationId, Slot, Title, Snippet, BlockType, BlockIdentifier
		FROM Bookmark ORDER BY BookmarkId
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query source bookmarks: %w", err)
	}
	defer rows.Close()

	set := &bookmarkSet{byID: make(map[int64]sourceBookmark)}
	for rows.Next() {
		var b sourceBookmark
		var slot sql.NullInt64
		if err := rows.Scan(&b.ID, &b.LocationID, &b.PublicationLocationID, &slot, &b.Title, &b.Snippet,
			&b.BlockType, &b.BlockIdentifier); err != nil {
			return nil, fmt.Errorf("failed to scan source bookmark: %w", err)
		}
		b.Slot = slot.Int64
		set.byID[b.ID] = b
		set.order = append(set.order, b.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating source bookmarks: %w", err)
	}
	return set, nil
}

// MergeBookmarks applies bookmark choices, then auto-includes the rest.
// "both" keeps one row per source; colliding slots shift upward.
func MergeBookmarks(s *Session) error {
	err := s.inTx("merge bookmarks", func(ex *executor) error {
		if err := s.ensureMappingTable(ex, EntityBookmark); err != nil {
			return err
		}
		bookmarks := make(map[Source]*bookmarkSet, len(Sources))
		for _, src := range Sources {
			set, err := loadBookmarks(s.Source(src))
			if err != nil {
				return err
			}
			bookmarks[src] = set
		}

		for _, entry := range s.Choices.Bookmarks {
			if err := s.applyBookmarkChoice(ex, entry, bookmarks); err != nil {
				return err
			}
		}

		for _, src := range Sources {
			for _, oldID := range bookmarks[src].order {
				if s.Maps.Bookmark.Has(src, oldID) || s.isExcluded(EntityBookmark, src, oldID) {
					continue
				}
				if _, err := s.mergeBookmarkInto(ex, src, bookmarks[src].byID[oldID], FieldEdits{}); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.summarize(EntityBookmark)
	return nil
}

func (s *Session) applyBookmarkChoice(ex db.Executor, entry EntityChoice, bookmarks map[Source]*bookmarkSet) error {
	if !entry.Known() {
		s.Report.warn(fmt.Sprintf("bookmark choice %s: unknown choice %q, left to auto-include", entry.Index, entry.RawChoice))
		return nil
	}

	var keep []Source
	switch entry.Choice {
	case ChoiceIgnore:
		for _, src := range Sources {
			if oldID, ok := entry.IDs[src]; ok {
				s.exclude(EntityBookmark, src, oldID)
				s.record(EntityBookmark, src, oldID, skipped("", ReasonIgnored, "bookmark choice "+entry.Index), nil)
			}
		}
		return nil
	case ChoiceBoth:
		keep = Sources
	default:
		chosen, _ := entry.Choice.Source()
		keep = []Source{chosen}
	}

	for _, src := range keep {
		oldID, ok := entry.IDs[src]
		if !ok {
			continue
		}
		b, present := bookmarks[src].byID[oldID]
		if !present {
			res := skipped(KindUnresolvedReference, ReasonMissingSourceRow, "bookmark choice "+entry.Index)
			if err := s.track(ex, EntityBookmark, src, oldID, res, s.Maps.Bookmark); err != nil {
				return err
			}
			continue
		}
		res, err := s.mergeBookmarkInto(ex, src, b, entry.Edited[src])
		if err != nil {
			return err
		}
		if chosen, single := entry.Choice.Source(); single && res.ok() {
			// The other side is superseded once the caller's pick landed.
			for _, other := range Sources {
				if otherID, ok := entry.IDs[other]; ok && other != chosen {
					s.exclude(EntityBookmark, other, otherID)
				}
			}
		}
	}
	return nil
}

func (s *Session) mergeBookmarkInto(ex db.Executor, src Source, b sourceBookmark, edits FieldEdits) (rowResult, error) {
	res, err := s.mergeBookmark(ex, src, b, edits)
	if err != nil {
		return rowResult{}, fmt.Errorf("bookmark %s/%d: %w", src, b.ID, err)
	}
	return res, s.track(ex, EntityBookmark, src, b.ID, res, s.Maps.Bookmark)
}

func (s *Session) mergeBookmark(ex db.Executor, src Source, b sourceBookmark, edits FieldEdits) (rowResult, error) {
	locID, ok := resolve(s.Maps.Location, src, b.LocationID)
	if !ok || !locID.Valid {
		return unresolved(ReasonUnresolvedLocation, fmt.Sprintf("LocationId %d", b.LocationID.Int64)), nil
	}
	pubLocID, ok := resolve(s.Maps.Location, src, b.PublicationLocationID)
	if !ok || !pubLocID.Valid {
		return unresolved(ReasonUnresolvedLocation, fmt.Sprintf("PublicationLocationId %d", b.PublicationLocationID.Int64)), nil
	}

	if id, ok, err := lookupMapping(ex, EntityBookmark, src, b.ID, "Bookmark", "BookmarkId"); err != nil || ok {
		return reused(id), err
	}

	if edits.Title != nil {
		b.Title = validString(*edits.Title)
	}
	if edits.Snippet != nil {
		b.Snippet = validString(*edits.Snippet)
	}

	id, found, err := queryID(ex, `
		SELECT BookmarkId FROM Bookmark
		WHERE LocationId = ? AND PublicationLocationId = ? AND Slot = ? AND Title IS ?
		  AND IFNULL(Snippet, '') = IFNULL(?, '') AND BlockType IS ? AND IFNULL(BlockIdentifier, -1) = IFNULL(?, -1)
		LIMIT 1`,
		locID, pubLocID, b.Slot, b.Title, b.Snippet, b.BlockType, b.BlockIdentifier)
	if err != nil || found {
		return reused(id), err
	}

	slot, free, err := s.freeSlot(ex, pubLocID.Int64, b.Slot)
	if err != nil {
		return rowResult{}, err
	}
	if !free {
		return skipped(KindUniquenessConflict, ReasonSlotExhausted,
			fmt.Sprintf("no free slot within %d of slot %d", s.MaxSlotProbes, b.Slot)), nil
	}

	newID, err := db.NextID(ex, "Bookmark", "BookmarkId")
	if err != nil {
		return rowResult{}, err
	}
	_, err = ex.Exec(`
		INSERT INTO Bookmark (BookmarkId, LocationId, PublicationLocationId, Slot, Title, Snippet,
			BlockType, BlockIdentifier)
		VALUES (?, ?, ?, ?, ?, ?, COALESCE(?, 0), ?)`,
		newID, locID, pubLocID, slot, b.Title, b.Snippet, b.BlockType, b.BlockIdentifier)
	if err == nil {
		return created(newID), nil
	}
	if !isConstraint(err) {
		return rowResult{}, err
	}
	if id, ok, ferr := queryID(ex, `
		SELECT BookmarkId FROM Bookmark
		WHERE PublicationLocationId = ? AND Slot = ? AND Title IS ?
		ORDER BY BookmarkId LIMIT 1`,
		pubLocID, b.Slot, b.Title); ferr != nil || ok {
		return reused(id), ferr
	}
	return skipped(KindUniquenessConflict, ReasonUniqueness, err.Error()), nil
}

// freeSlot probes (publication, slot) upward from start. It gives up after
// MaxSlotProbes occupied slots.
func (s *Session) freeSlot(ex db.Executor, pubLocID, start int64) (int64, bool, error) {
	limit := s.MaxSlotProbes
	if limit <= 0 {
		limit = defaultMaxSlotProbes
	}
	for slot := start; slot < start+int64(limit); slot++ {
		_, taken, err := queryID(ex, "SELECT BookmarkId FROM Bookmark WHERE PublicationLocationId = ? AND Slot = ?", pubLocID, slot)
		if err != nil {
			return 0, false, err
		}
		if !taken {
			return slot, true, nil
		}
	}
	return 0, false, nil
}
