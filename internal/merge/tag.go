package merge

import (
	"database/sql"
	"fmt"

	"github.com/lherron/jwlmerge/internal/db"
	"go.uber.org/zap"
)

type sourceTag struct {
	ID   int64
	Type sql.NullInt64
	Name sql.NullString
}

type tagSet struct {
	byID  map[int64]sourceTag
	order []int64
}

func loadTags(src *db.DB) (*tagSet, error) {
	set := &tagSet{byID: make(map[int64]sourceTag)}
	ok, err := db.HasTable(src, "Tag")
	if err != nil || !ok {
		return set, err
	}

	rows, err := src.Query("SELECT TagId, Type, Name FROM Tag ORDER BY TagId")
	if err != nil {
		return nil, fmt.Errorf("failed to query source tags: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var t sourceTag
		if err := rows.Scan(&t.ID, &t.Type, &t.Name); err != nil {
			return nil, fmt.Errorf("failed to scan source tag: %w", err)
		}
		set.byID[t.ID] = t
		set.order = append(set.order, t.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating source tags: %w", err)
	}
	return set, nil
}

// MergeTags dedups tags by (Type, Name). Tag choices may rename a tag before
// lookup, fold the other source's tag into the chosen one, or drop it.
func MergeTags(s *Session) error {
	err := s.inTx("merge tags", func(ex *executor) error {
		if ok, err := s.ensureTable(ex, "Tag"); err != nil || !ok {
			return err
		}
		if err := s.ensureMappingTable(ex, EntityTag); err != nil {
			return err
		}
		tags := make(map[Source]*tagSet, len(Sources))
		for _, src := range Sources {
			set, err := loadTags(s.Source(src))
			if err != nil {
				return err
			}
			tags[src] = set
		}

		for _, entry := range s.Choices.Tags {
			if err := s.applyTagChoice(ex, entry, tags); err != nil {
				return err
			}
		}

		for _, src := range Sources {
			for _, oldID := range tags[src].order {
				if s.Maps.Tag.Has(src, oldID) || s.droppedTags.Has(src, oldID) {
					continue
				}
				res, err := s.mergeTag(ex, src, tags[src].byID[oldID], nil)
				if err != nil {
					return fmt.Errorf("tag %s/%d: %w", src, oldID, err)
				}
				if err := s.track(ex, EntityTag, src, oldID, res, s.Maps.Tag); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.summarize(EntityTag)
	return nil
}

func (s *Session) applyTagChoice(ex db.Executor, entry EntityChoice, tags map[Source]*tagSet) error {
	if !entry.Known() {
		s.Report.warn(fmt.Sprintf("tag choice %s: unknown choice %q, left to auto-merge", entry.Index, entry.RawChoice))
		return nil
	}

	if entry.Choice == ChoiceIgnore {
		for _, src := range Sources {
			if oldID, ok := entry.IDs[src]; ok {
				s.droppedTags.Set(src, oldID, 0)
				s.record(EntityTag, src, oldID, skipped("", ReasonIgnored, "tag choice "+entry.Index), nil)
			}
		}
		return nil
	}

	chosen, single := entry.Choice.Source()
	var keptID int64
	for _, src := range Sources {
		if single && src != chosen {
			continue
		}
		oldID, ok := entry.IDs[src]
		if !ok {
			continue
		}
		t, present := tags[src].byID[oldID]
		if !present {
			res := skipped(KindUnresolvedReference, ReasonMissingSourceRow, "tag choice "+entry.Index)
			if err := s.track(ex, EntityTag, src, oldID, res, s.Maps.Tag); err != nil {
				return err
			}
			continue
		}
		res, err := s.mergeTag(ex, src, t, entry.Edited[src].Name)
		if err != nil {
			return fmt.Errorf("tag %s/%d: %w", src, oldID, err)
		}
		if err := s.track(ex, EntityTag, src, oldID, res, s.Maps.Tag); err != nil {
			return err
		}
		if res.ok() {
			keptID = res.newID
		}
	}

	// The unchosen side's tag folds into the chosen merged tag.
	if single && keptID != 0 {
		for _, src := range Sources {
			if oldID, ok := entry.IDs[src]; ok && src != chosen {
				if err := s.track(ex, EntityTag, src, oldID, reused(keptID), s.Maps.Tag); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (s *Session) mergeTag(ex db.Executor, src Source, t sourceTag, nameEdit *string) (rowResult, error) {
	if id, ok, err := lookupMapping(ex, EntityTag, src, t.ID, "Tag", "TagId"); err != nil || ok {
		return reused(id), err
	}
	if nameEdit != nil && *nameEdit != "" {
		t.Name = validString(*nameEdit)
	}

	if id, ok, err := findTag(ex, t); err != nil || ok {
		return reused(id), err
	}

	newID, err := db.NextID(ex, "Tag", "TagId")
	if err != nil {
		return rowResult{}, err
	}
	_, err = ex.Exec("INSERT INTO Tag (TagId, Type, Name) VALUES (?, ?, ?)", newID, t.Type, t.Name)
	if err == nil {
		return created(newID), nil
	}
	if !isConstraint(err) {
		return rowResult{}, err
	}
	if id, ok, ferr := findTagFolded(ex, t); ferr != nil || ok {
		return reused(id), ferr
	}
	return skipped(KindUniquenessConflict, ReasonUniqueness, err.Error()), nil
}

func findTag(ex db.Executor, t sourceTag) (int64, bool, error) {
	return queryID(ex, "SELECT TagId FROM Tag WHERE Type IS ? AND Name IS ? ORDER BY TagId LIMIT 1", t.Type, t.Name)
}

// findTagFolded matches names case-insensitively, which is what a Tag
// constraint the exact lookup missed usually enforces.
func findTagFolded(ex db.Executor, t sourceTag) (int64, bool, error) {
	return queryID(ex, "SELECT TagId FROM Tag WHERE Type IS ? AND Name = ? COLLATE NOCASE ORDER BY TagId LIMIT 1", t.Type, t.Name)
}

type sourceTagMap struct {
	ID             int64
	PlaylistItemID sql.NullInt64
	LocationID     sql.NullInt64
	NoteID         sql.NullInt64
	TagID          int64
	Position       int64
}

func loadTagMaps(src *db.DB) ([]sourceTagMap, error) {
	rows, err := src.Query(`
		SELECT TagMapId, PlaylistItemId, LocationId, NoteId, TagId, Position
		FROM TagMap ORDER BY TagId, Position, TagMapId
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query source tag maps: %w", err)
	}
	defer rows.Close()

	var out []sourceTagMap
	for rows.Next() {
		var tm sourceTagMap
		var position sql.NullInt64
		if err := rows.Scan(&tm.ID, &tm.PlaylistItemID, &tm.LocationID, &tm.NoteID, &tm.TagID, &position); err != nil {
			return nil, fmt.Errorf("failed to scan source tag map: %w", err)
		}
		tm.Position = position.Int64
		out = append(out, tm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating source tag maps: %w", err)
	}
	return out, nil
}

// MergeTagMaps rewrites tag assignments onto merged tags and targets.
func MergeTagMaps(s *Session) error {
	err := s.inTx("merge tag maps", func(ex *executor) error {
		if ok, err := s.ensureTable(ex, "TagMap"); err != nil || !ok {
			return err
		}
		if err := s.ensureMappingTable(ex, EntityTagMap); err != nil {
			return err
		}
		for _, src := range Sources {
			ok, err := s.sourceHas(src, "TagMap")
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			maps, err := loadTagMaps(s.Source(src))
			if err != nil {
				return err
			}
			for _, tm := range maps {
				res, err := s.mergeTagMap(ex, src, tm)
				if err != nil {
					return fmt.Errorf("tag map %s/%d: %w", src, tm.ID, err)
				}
				if err := s.track(ex, EntityTagMap, src, tm.ID, res, s.Maps.TagMap); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.summarize(EntityTagMap)
	return nil
}

func (s *Session) mergeTagMap(ex db.Executor, src Source, tm sourceTagMap) (rowResult, error) {
	if id, ok, err := lookupMapping(ex, EntityTagMap, src, tm.ID, "TagMap", "TagMapId"); err != nil || ok {
		return reused(id), err
	}

	tagID, ok := s.Maps.Tag.Get(src, tm.TagID)
	if !ok {
		return unresolved(ReasonUnresolvedTag, fmt.Sprintf("TagId %d", tm.TagID)), nil
	}
	target, reason, ok := s.resolveTagTarget(src, tm.PlaylistItemID, tm.LocationID, tm.NoteID)
	if !ok {
		return unresolved(reason, fmt.Sprintf("TagId %d", tm.TagID)), nil
	}
	itemID, locID, noteID := target.columns()

	id, found, err := queryID(ex, `
		SELECT TagMapId FROM TagMap
		WHERE TagId = ? AND PlaylistItemId IS ? AND LocationId IS ? AND NoteId IS ? AND Position = ?
		LIMIT 1`,
		tagID, itemID, locID, noteID, tm.Position)
	if err != nil || found {
		return reused(id), err
	}

	position, free, err := s.freePosition(ex, tagID, tm.Position)
	if err != nil {
		return rowResult{}, err
	}
	if !free {
		return skipped(KindUniquenessConflict, ReasonPositionExhausted,
			fmt.Sprintf("no free position within %d of %d for tag %d", s.MaxSlotProbes, tm.Position, tagID)), nil
	}

	newID, err := db.NextID(ex, "TagMap", "TagMapId")
	if err != nil {
		return rowResult{}, err
	}
	_, err = ex.Exec(`
		INSERT INTO TagMap (TagMapId, PlaylistItemId, LocationId, NoteId, TagId, Position)
		VALUES (?, ?, ?, ?, ?, ?)`,
		newID, itemID, locID, noteID, tagID, position)
	if err == nil {
		return created(newID), nil
	}
	if !isConstraint(err) {
		return rowResult{}, err
	}

	// The tag already points at this target under another position.
	query := fmt.Sprintf("SELECT TagMapId FROM TagMap WHERE TagId = ? AND %s = ? LIMIT 1", target.Kind().column())
	if id, ok, ferr := queryID(ex, query, tagID, target.ID()); ferr != nil || ok {
		return reused(id), ferr
	}
	return skipped(KindUniquenessConflict, ReasonUniqueness, err.Error()), nil
}

// freePosition probes (TagId, Position) upward from start.
func (s *Session) freePosition(ex db.Executor, tagID, start int64) (int64, bool, error) {
	limit := s.MaxSlotProbes
	if limit <= 0 {
		limit = defaultMaxSlotProbes
	}
	for pos := start; pos < start+int64(limit); pos++ {
		_, taken, err := queryID(ex, "SELECT TagMapId FROM TagMap WHERE TagId = ? AND Position = ?", tagID, pos)
		if err != nil {
			return 0, false, err
		}
		if !taken {
			return pos, true, nil
		}
	}
	return 0, false, nil
}

// ApplySelectedTags replaces the tag set of merged notes whose choice entry
// carries a tag selection. Entries without a selection keep the tags the
// TagMap pass produced.
func ApplySelectedTags(s *Session) error {
	applied := 0
	// A merged note shared by both sources is cleared once; the second
	// source's selection is added to the first.
	cleared := make(map[int64]bool)
	err := s.inTx("apply selected tags", func(ex *executor) error {
		ok, err := db.HasTable(ex, "TagMap")
		if err != nil || !ok {
			return err
		}
		for _, entry := range s.Choices.Notes {
			if !entry.Known() || entry.Choice == ChoiceIgnore {
				continue
			}
			targets := Sources
			if chosen, single := entry.Choice.Source(); single {
				targets = []Source{chosen}
			}
			for _, src := range targets {
				tags, has := entry.SelectedTagsFor(src)
				if !has {
					continue
				}
				oldNote, ok := entry.IDs[src]
				if !ok {
					continue
				}
				noteID, ok := s.Maps.Note.Get(src, oldNote)
				if !ok {
					continue
				}
				if err := s.replaceNoteTags(ex, src, noteID, tags, !cleared[noteID]); err != nil {
					return fmt.Errorf("note %d: %w", noteID, err)
				}
				cleared[noteID] = true
				applied++
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if applied > 0 {
		s.Log.Info("applied selected tags", zap.Int("notes", applied))
		s.summarize(EntitySelectedTags)
	}
	return nil
}

func (s *Session) replaceNoteTags(ex db.Executor, src Source, noteID int64, oldTagIDs []int64, reset bool) error {
	if reset {
		if _, err := ex.Exec("DELETE FROM TagMap WHERE NoteId = ?", noteID); err != nil {
			return fmt.Errorf("failed to clear tags: %w", err)
		}
	}

	for _, oldTag := range oldTagIDs {
		tagID, ok := s.Maps.Tag.Get(src, oldTag)
		if !ok {
			s.record(EntitySelectedTags, src, oldTag, unresolved(ReasonUnresolvedTag, fmt.Sprintf("note %d", noteID)), nil)
			continue
		}
		existing, found, err := queryID(ex, "SELECT TagMapId FROM TagMap WHERE TagId = ? AND NoteId = ?", tagID, noteID)
		if err != nil {
			return err
		}
		if found {
			s.record(EntitySelectedTags, src, oldTag, reused(existing), nil)
			continue
		}

		var position int64
		if err := ex.QueryRow("SELECT COALESCE(MAX(Position), -1) + 1 FROM TagMap WHERE TagId = ?", tagID).Scan(&position); err != nil {
			return fmt.Errorf("failed to compute position: %w", err)
		}
		newID, err := db.NextID(ex, "TagMap", "TagMapId")
		if err != nil {
			return err
		}
		itemID, locID, nID := NoteTarget(noteID).columns()
		if _, err := ex.Exec(`
			INSERT INTO TagMap (TagMapId, PlaylistItemId, LocationId, NoteId, TagId, Position)
			VALUES (?, ?, ?, ?, ?, ?)`,
			newID, itemID, locID, nID, tagID, position); err != nil {
			return fmt.Errorf("failed to insert tag %d: %w", tagID, err)
		}
		s.record(EntitySelectedTags, src, oldTag, created(newID), nil)
	}
	return nil
}
