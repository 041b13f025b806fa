package merge

import (
	"database/sql"
	"fmt"
)

// TargetKind names the entity a TagMap row points at.
type TargetKind int

const (
	TargetNote TargetKind = iota + 1
	TargetLocation
	TargetPlaylistItem
)

func (k TargetKind) String() string {
	switch k {
	case TargetNote:
		return "Note"
	case TargetLocation:
		return "Location"
	case TargetPlaylistItem:
		return "PlaylistItem"
	default:
		return "unknown"
	}
}

func (k TargetKind) column() string {
	return k.String() + "Id"
}

// TagTarget is the one entity a TagMap row associates its tag with. Values
// only come from the constructors below, so a target always names exactly
// one kind.
type TagTarget struct {
	kind TargetKind
	id   int64
}

func NoteTarget(id int64) TagTarget         { return TagTarget{kind: TargetNote, id: id} }
func LocationTarget(id int64) TagTarget     { return TagTarget{kind: TargetLocation, id: id} }
func PlaylistItemTarget(id int64) TagTarget { return TagTarget{kind: TargetPlaylistItem, id: id} }

func (t TagTarget) Kind() TargetKind { return t.kind }
func (t TagTarget) ID() int64        { return t.id }

// columns returns (PlaylistItemId, LocationId, NoteId) bind values with
// exactly one non-NULL.
func (t TagTarget) columns() (playlistItemID, locationID, noteID sql.NullInt64) {
	switch t.kind {
	case TargetNote:
		noteID = validInt(t.id)
	case TargetLocation:
		locationID = validInt(t.id)
	case TargetPlaylistItem:
		playlistItemID = validInt(t.id)
	}
	return
}

func (t TagTarget) String() string {
	return fmt.Sprintf("%s(%d)", t.kind, t.id)
}

// resolveTagTarget maps the three nullable source columns of a TagMap row
// to a merged target. Rows carrying zero or several references, or a
// reference that does not map, yield ok=false with the reason.
func (s *Session) resolveTagTarget(src Source, playlistItemID, locationID, noteID sql.NullInt64) (TagTarget, SkipReason, bool) {
	set := 0
	for _, ref := range []sql.NullInt64{playlistItemID, locationID, noteID} {
		if ref.Valid {
			set++
		}
	}
	if set != 1 {
		return TagTarget{}, ReasonInvalidTarget, false
	}

	switch {
	case noteID.Valid:
		id, ok := s.Maps.Note.Get(src, noteID.Int64)
		if !ok {
			return TagTarget{}, ReasonUnresolvedNote, false
		}
		return NoteTarget(id), "", true
	case locationID.Valid:
		id, ok := s.Maps.Location.Get(src, locationID.Int64)
		if !ok {
			return TagTarget{}, ReasonUnresolvedLocation, false
		}
		return LocationTarget(id), "", true
	default:
		id, ok := s.Maps.PlaylistItem.Get(src, playlistItemID.Int64)
		if !ok {
			return TagTarget{}, ReasonUnresolvedPlaylistItem, false
		}
		return PlaylistItemTarget(id), "", true
	}
}
