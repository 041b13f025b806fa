package merge

import (
	"fmt"
	"strings"
)

// Source identifies one of the two input databases.
type Source int

const (
	SourceA Source = iota + 1
	SourceB
)

// Sources lists the inputs in processing order.
var Sources = []Source{SourceA, SourceB}

// Key is the stable label used in mapping tables and choice payloads.
func (s Source) Key() string {
	switch s {
	case SourceA:
		return "sourceA"
	case SourceB:
		return "sourceB"
	default:
		return fmt.Sprintf("source(%d)", int(s))
	}
}

func (s Source) String() string {
	return s.Key()
}

// ParseSource accepts the canonical keys plus the legacy file1/file2 and a/b
// spellings, case-insensitively.
func ParseSource(key string) (Source, bool) {
	switch strings.ToLower(strings.TrimSpace(key)) {
	case "sourcea", "file1", "a":
		return SourceA, true
	case "sourceb", "file2", "b":
		return SourceB, true
	default:
		return 0, false
	}
}

// IDMap maps (source, old id) to a merged id for one entity.
type IDMap struct {
	bySource map[Source]map[int64]int64
}

// NewIDMap returns an empty mapping.
func NewIDMap() *IDMap {
	return &IDMap{bySource: make(map[Source]map[int64]int64)}
}

// Set records old -> new for src.
func (m *IDMap) Set(src Source, oldID, newID int64) {
	inner, ok := m.bySource[src]
	if !ok {
		inner = make(map[int64]int64)
		m.bySource[src] = inner
	}
	inner[oldID] = newID
}

// Get returns the merged id for (src, old).
func (m *IDMap) Get(src Source, oldID int64) (int64, bool) {
	newID, ok := m.bySource[src][oldID]
	return newID, ok
}

// Has reports whether (src, old) is mapped.
func (m *IDMap) Has(src Source, oldID int64) bool {
	_, ok := m.Get(src, oldID)
	return ok
}

// Len counts mapped pairs across both sources.
func (m *IDMap) Len() int {
	n := 0
	for _, inner := range m.bySource {
		n += len(inner)
	}
	return n
}

// NewIDs returns the set of merged ids any source maps to.
func (m *IDMap) NewIDs() map[int64]bool {
	ids := make(map[int64]bool)
	for _, inner := range m.bySource {
		for _, newID := range inner {
			ids[newID] = true
		}
	}
	return ids
}

// DropNew forgets every pair that maps to newID.
func (m *IDMap) DropNew(newID int64) {
	for _, inner := range m.bySource {
		for oldID, id := range inner {
			if id == newID {
				delete(inner, oldID)
			}
		}
	}
}

// Snapshot copies the mapping of one source, mostly for reports and tests.
func (m *IDMap) Snapshot(src Source) map[int64]int64 {
	out := make(map[int64]int64, len(m.bySource[src]))
	for k, v := range m.bySource[src] {
		out[k] = v
	}
	return out
}

// GUIDMap maps a source's own GUIDs to merged ids. It is scoped per source
// so a GUID that was reissued for a divergent row still resolves to the row
// created from that source.
type GUIDMap struct {
	bySource map[Source]map[string]int64
}

// NewGUIDMap returns an empty GUID mapping.
func NewGUIDMap() *GUIDMap {
	return &GUIDMap{bySource: make(map[Source]map[string]int64)}
}

// Set records guid -> new for src.
func (m *GUIDMap) Set(src Source, guid string, newID int64) {
	inner, ok := m.bySource[src]
	if !ok {
		inner = make(map[string]int64)
		m.bySource[src] = inner
	}
	inner[guid] = newID
}

// Get returns the merged id for a source GUID.
func (m *GUIDMap) Get(src Source, guid string) (int64, bool) {
	newID, ok := m.bySource[src][guid]
	return newID, ok
}

// Mappings holds every id mapping accumulated during one run.
type Mappings struct {
	Location           *IDMap
	IndependentMedia   *IDMap
	UserMark           *IDMap
	UserMarkGUID       *GUIDMap
	Note               *IDMap
	Bookmark           *IDMap
	Tag                *IDMap
	TagMap             *IDMap
	PlaylistItem       *IDMap
	PlaylistItemMarker *IDMap
}

// NewMappings returns empty mappings for every entity.
func NewMappings() *Mappings {
	return &Mappings{
		Location:           NewIDMap(),
		IndependentMedia:   NewIDMap(),
		UserMark:           NewIDMap(),
		UserMarkGUID:       NewGUIDMap(),
		Note:               NewIDMap(),
		Bookmark:           NewIDMap(),
		Tag:                NewIDMap(),
		TagMap:             NewIDMap(),
		PlaylistItem:       NewIDMap(),
		PlaylistItemMarker: NewIDMap(),
	}
}
