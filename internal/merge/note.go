package merge

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/lherron/jwlmerge/internal/db"
)

type sourceNote struct {
	ID              int64
	GUID            sql.NullString
	UserMarkID      sql.NullInt64
	UserMarkGUID    sql.NullString
	LocationID      sql.NullInt64
	Title           sql.NullString
	Content         sql.NullString
	LastModified    sql.NullString
	Created         sql.NullString
	BlockType       sql.NullInt64
	BlockIdentifier sql.NullInt64
}

type noteSet struct {
	byID  map[int64]sourceNote
	order []int64
}

func loadNotes(src *db.DB) (*noteSet, error) {
	rows, err := src.Query(`
		SELECT n.NoteId, n.Guid, n.UserMarkId, um.UserMarkGuid, n.LocationId, n.Title, n.Content,
			n.LastModified, n.Created, n.BlockType, n.BlockIdentifier
		FROM Note n
		LEFT JOIN UserMark um ON um.UserMarkId = n.UserMarkId
		ORDER BY n.NoteId
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query source notes: %w", err)
	}
	defer rows.Close()

	set := &noteSet{byID: make(map[int64]sourceNote)}
	for rows.Next() {
		var n sourceNote
		if err := rows.Scan(&n.ID, &n.GUID, &n.UserMarkID, &n.UserMarkGUID, &n.LocationID, &n.Title,
			&n.Content, &n.LastModified, &n.Created, &n.BlockType, &n.BlockIdentifier); err != nil {
			return nil, fmt.Errorf("failed to scan source note: %w", err)
		}
		set.byID[n.ID] = n
		set.order = append(set.order, n.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating source notes: %w", err)
	}
	return set, nil
}

// MergeNotes applies the caller's note choices and then auto-includes every
// note no choice mentioned. The explicit pass always runs first.
func MergeNotes(s *Session) error {
	err := s.inTx("merge notes", func(ex *executor) error {
		if err := s.ensureMappingTable(ex, EntityNote); err != nil {
			return err
		}
		notes := make(map[Source]*noteSet, len(Sources))
		for _, src := range Sources {
			set, err := loadNotes(s.Source(src))
			if err != nil {
				return err
			}
			notes[src] = set
		}

		for _, entry := range s.Choices.Notes {
			if err := s.applyNoteChoice(ex, entry, notes); err != nil {
				return err
			}
		}
		return s.autoIncludeNotes(ex, notes)
	})
	if err != nil {
		return err
	}
	s.summarize(EntityNote)
	return nil
}

func (s *Session) applyNoteChoice(ex db.Executor, entry EntityChoice, notes map[Source]*noteSet) error {
	if !entry.Known() {
		s.Report.warn(fmt.Sprintf("note choice %s: unknown choice %q, left to auto-include", entry.Index, entry.RawChoice))
		return nil
	}

	if entry.Choice == ChoiceIgnore {
		for _, src := range Sources {
			if oldID, ok := entry.IDs[src]; ok {
				s.exclude(EntityNote, src, oldID)
				s.record(EntityNote, src, oldID, skipped("", ReasonIgnored, "note choice "+entry.Index), nil)
			}
		}
		return nil
	}

	var base Source
	chosen, single := entry.Choice.Source()
	if single {
		base = chosen
	} else {
		for _, src := range Sources {
			if oldID, ok := entry.IDs[src]; ok {
				if _, present := notes[src].byID[oldID]; present {
					base = src
					break
				}
			}
		}
	}

	oldID, ok := entry.IDs[base]
	if base == 0 || !ok {
		s.Report.warn(fmt.Sprintf("note choice %s: no usable note id", entry.Index))
		return nil
	}
	note, present := notes[base].byID[oldID]
	if !present {
		return s.track(ex, EntityNote, base, oldID, skipped(KindUnresolvedReference, ReasonMissingSourceRow, "note choice "+entry.Index), s.Maps.Note)
	}

	res, err := s.mergeNote(ex, base, note, entry.Edited[base])
	if err != nil {
		return fmt.Errorf("note %s/%d: %w", base, oldID, err)
	}
	if single && res.ok() {
		// The other side is superseded by the caller's pick only once the
		// pick itself landed.
		for _, src := range Sources {
			if otherID, ok := entry.IDs[src]; ok && src != chosen {
				s.exclude(EntityNote, src, otherID)
			}
		}
	}
	return s.track(ex, EntityNote, base, oldID, res, s.Maps.Note)
}

func (s *Session) autoIncludeNotes(ex db.Executor, notes map[Source]*noteSet) error {
	for _, src := range Sources {
		for _, oldID := range notes[src].order {
			if s.Maps.Note.Has(src, oldID) || s.isExcluded(EntityNote, src, oldID) {
				continue
			}
			res, err := s.mergeNote(ex, src, notes[src].byID[oldID], FieldEdits{})
			if err != nil {
				return fmt.Errorf("note %s/%d: %w", src, oldID, err)
			}
			if err := s.track(ex, EntityNote, src, oldID, res, s.Maps.Note); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Session) mergeNote(ex db.Executor, src Source, n sourceNote, edits FieldEdits) (rowResult, error) {
	if id, ok, err := lookupMapping(ex, EntityNote, src, n.ID, "Note", "NoteId"); err != nil || ok {
		return reused(id), err
	}

	if edits.Title != nil {
		n.Title = validString(*edits.Title)
	}
	if edits.Content != nil {
		n.Content = validString(*edits.Content)
	}

	if !n.LocationID.Valid {
		return unresolved(ReasonUnresolvedLocation, "LocationId NULL"), nil
	}
	locID, ok := resolve(s.Maps.Location, src, n.LocationID)
	if !ok {
		return unresolved(ReasonUnresolvedLocation, fmt.Sprintf("LocationId %d", n.LocationID.Int64)), nil
	}
	var userMarkID sql.NullInt64
	if n.UserMarkID.Valid {
		if id, ok := s.resolveUserMark(src, n.UserMarkGUID, n.UserMarkID); ok {
			userMarkID = validInt(id)
		}
	}

	guid := n.GUID.String
	if n.GUID.Valid && guid != "" {
		var (
			existingID int64
			title      sql.NullString
			content    sql.NullString
		)
		err := ex.QueryRow("SELECT NoteId, Title, Content FROM Note WHERE Guid = ?", guid).Scan(&existingID, &title, &content)
		switch {
		case err == sql.ErrNoRows:
		case err != nil:
			return rowResult{}, err
		case sameString(title, n.Title) && sameString(content, n.Content):
			return reused(existingID), nil
		default:
			guid = uuid.NewString()
		}
	} else {
		guid = uuid.NewString()
	}

	newID, err := db.NextID(ex, "Note", "NoteId")
	if err != nil {
		return rowResult{}, err
	}
	_, err = ex.Exec(`
		INSERT INTO Note (NoteId, Guid, UserMarkId, LocationId, Title, Content, LastModified, Created,
			BlockType, BlockIdentifier)
		VALUES (?, ?, ?, ?, ?, ?,
			COALESCE(?, strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
			COALESCE(?, strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
			COALESCE(?, 0), ?)`,
		newID, guid, userMarkID, locID, n.Title, n.Content, n.LastModified, n.Created,
		n.BlockType, n.BlockIdentifier)
	if err == nil {
		return created(newID), nil
	}
	if !isConstraint(err) {
		return rowResult{}, err
	}
	if id, ok, ferr := queryID(ex, "SELECT NoteId FROM Note WHERE Guid = ?", guid); ferr != nil || ok {
		return reused(id), ferr
	}
	return skipped(KindUniquenessConflict, ReasonUniqueness, err.Error()), nil
}
