package merge

import (
	"sort"
)

// Entity names a merged table in reports and metrics.
type Entity string

const (
	EntityLocation                 Entity = "Location"
	EntityIndependentMedia         Entity = "IndependentMedia"
	EntityUserMark                 Entity = "UserMark"
	EntityBlockRange               Entity = "BlockRange"
	EntityNote                     Entity = "Note"
	EntityBookmark                 Entity = "Bookmark"
	EntityTag                      Entity = "Tag"
	EntityTagMap                   Entity = "TagMap"
	EntitySelectedTags             Entity = "SelectedTags"
	EntityPlaylistItem             Entity = "PlaylistItem"
	EntityPlaylistItemAccuracy     Entity = "PlaylistItemAccuracy"
	EntityPlaylistItemMarker       Entity = "PlaylistItemMarker"
	EntityPlaylistItemMarkerMap    Entity = "PlaylistItemMarkerMap"
	EntityPlaylistItemLocationMap  Entity = "PlaylistItemLocationMap"
	EntityPlaylistItemMediaMap     Entity = "PlaylistItemIndependentMediaMap"
	EntityPlaylistItemMediaFileMap Entity = "PlaylistItemMediaMap"
	EntityInputField               Entity = "InputField"
	EntityPlatformMetadata         Entity = "PlatformMetadata"
	EntityResidual                 Entity = "Residual"
)

// SkipReason explains why a row was left out of the merged database.
type SkipReason string

const (
	ReasonUnresolvedLocation     SkipReason = "unresolved_location"
	ReasonUnresolvedUserMark     SkipReason = "unresolved_usermark"
	ReasonUnresolvedNote         SkipReason = "unresolved_note"
	ReasonUnresolvedTag          SkipReason = "unresolved_tag"
	ReasonUnresolvedPlaylistItem SkipReason = "unresolved_playlist_item"
	ReasonUnresolvedMedia        SkipReason = "unresolved_media"
	ReasonUnresolvedMarker       SkipReason = "unresolved_marker"
	ReasonInvalidTarget          SkipReason = "invalid_tag_target"
	ReasonUniqueness             SkipReason = "uniqueness_conflict"
	ReasonMissingSourceRow       SkipReason = "missing_source_row"
	ReasonIgnored                SkipReason = "ignored_by_choice"
	ReasonUnknownChoice          SkipReason = "unknown_choice"
	ReasonSlotExhausted          SkipReason = "slot_exhausted"
	ReasonPositionExhausted      SkipReason = "position_exhausted"
	ReasonDuplicate              SkipReason = "duplicate"
)

const maxSkipRecords = 1000

// Counts aggregates row outcomes for one entity.
type Counts struct {
	Seen    int `json:"seen" yaml:"seen"`
	Created int `json:"created" yaml:"created"`
	Reused  int `json:"reused" yaml:"reused"`
	Skipped int `json:"skipped" yaml:"skipped"`
}

// SkipRecord describes one skipped row.
type SkipRecord struct {
	Entity Entity     `json:"entity" yaml:"entity"`
	Source string     `json:"source,omitempty" yaml:"source,omitempty"`
	OldID  int64      `json:"old_id,omitempty" yaml:"old_id,omitempty"`
	Kind   Kind       `json:"kind,omitempty" yaml:"kind,omitempty"`
	Reason SkipReason `json:"reason" yaml:"reason"`
	Detail string     `json:"detail,omitempty" yaml:"detail,omitempty"`
}

// Report is the structured result of a merge run.
type Report struct {
	SourceA              string             `json:"source_a" yaml:"source_a"`
	SourceB              string             `json:"source_b" yaml:"source_b"`
	Output               string             `json:"output" yaml:"output"`
	StartedAt            string             `json:"started_at" yaml:"started_at"`
	DurationMS           int64              `json:"duration_ms" yaml:"duration_ms"`
	Stats                map[Entity]*Counts `json:"stats" yaml:"stats"`
	Skips                []SkipRecord       `json:"skips,omitempty" yaml:"skips,omitempty"`
	SkipsTruncated       int                `json:"skips_truncated,omitempty" yaml:"skips_truncated,omitempty"`
	Playlists            int                `json:"playlists" yaml:"playlists"`
	PlaylistItems        int                `json:"playlist_items" yaml:"playlist_items"`
	MediaFiles           int                `json:"media_files" yaml:"media_files"`
	OrphansCleaned       int                `json:"orphans_cleaned" yaml:"orphans_cleaned"`
	IntegrityCheck       string             `json:"integrity_check" yaml:"integrity_check"`
	ForeignKeyViolations int                `json:"foreign_key_violations" yaml:"foreign_key_violations"`
	Warnings             []string           `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

func newReport() *Report {
	return &Report{Stats: make(map[Entity]*Counts)}
}

// Counts returns the counters for an entity, creating them on first use.
func (r *Report) Counts(entity Entity) *Counts {
	c, ok := r.Stats[entity]
	if !ok {
		c = &Counts{}
		r.Stats[entity] = c
	}
	return c
}

// Entities returns the entities with counters in a stable order.
func (r *Report) Entities() []Entity {
	out := make([]Entity, 0, len(r.Stats))
	for e := range r.Stats {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SkipsByReason groups skip counts for one entity.
func (r *Report) SkipsByReason(entity Entity) map[SkipReason]int {
	out := make(map[SkipReason]int)
	for _, s := range r.Skips {
		if s.Entity == entity {
			out[s.Reason]++
		}
	}
	return out
}

func (r *Report) warn(msg string) {
	r.Warnings = append(r.Warnings, msg)
}

func (r *Report) addSkip(rec SkipRecord) {
	if len(r.Skips) >= maxSkipRecords {
		r.SkipsTruncated++
		return
	}
	r.Skips = append(r.Skips, rec)
}

type outcome int

const (
	outcomeCreated outcome = iota + 1
	outcomeReused
	outcomeSkipped
)

// rowResult is the per-row outcome every merger produces.
type rowResult struct {
	outcome outcome
	newID   int64
	kind    Kind
	reason  SkipReason
	detail  string
}

func created(newID int64) rowResult {
	return rowResult{outcome: outcomeCreated, newID: newID}
}

func reused(newID int64) rowResult {
	return rowResult{outcome: outcomeReused, newID: newID}
}

func skipped(kind Kind, reason SkipReason, detail string) rowResult {
	return rowResult{outcome: outcomeSkipped, kind: kind, reason: reason, detail: detail}
}

func unresolved(reason SkipReason, detail string) rowResult {
	return skipped(KindUnresolvedReference, reason, detail)
}

func (r rowResult) ok() bool {
	return r.outcome == outcomeCreated || r.outcome == outcomeReused
}
