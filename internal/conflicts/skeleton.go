package conflicts

import (
	"strconv"
)

// SkeletonEntry is one entry of a choice payload as the merge command reads
// it back.
type SkeletonEntry struct {
	Choice      string           `json:"choice"`
	NoteIDs     map[string]int64 `json:"noteIds,omitempty"`
	BookmarkIDs map[string]int64 `json:"bookmarkIds,omitempty"`
}

// Skeleton is a choice payload with one "both" entry per conflict.
type Skeleton struct {
	Notes     map[string]SkeletonEntry `json:"notes"`
	Bookmarks map[string]SkeletonEntry `json:"bookmarks"`
	Tags      map[string]SkeletonEntry `json:"tags"`
}

// Skeleton builds a payload the caller can edit and pass to merge
// --choices. User mark conflicts need no entry; the merge splits them.
func (r *Report) Skeleton() Skeleton {
	s := Skeleton{
		Notes:     make(map[string]SkeletonEntry, len(r.Notes)),
		Bookmarks: make(map[string]SkeletonEntry, len(r.Bookmarks)),
		Tags:      map[string]SkeletonEntry{},
	}
	for i, n := range r.Notes {
		s.Notes[strconv.Itoa(i)] = SkeletonEntry{
			Choice:  "both",
			NoteIDs: map[string]int64{"sourceA": n.NoteIDA, "sourceB": n.NoteIDB},
		}
	}
	for i, b := range r.Bookmarks {
		s.Bookmarks[strconv.Itoa(i)] = SkeletonEntry{
			Choice:      "both",
			BookmarkIDs: map[string]int64{"sourceA": b.IDA, "sourceB": b.IDB},
		}
	}
	return s
}
