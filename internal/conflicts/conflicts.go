// Package conflicts compares two userData sources before a merge and lists
// the rows a caller may want to resolve with a choice payload.
package conflicts

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/lherron/jwlmerge/internal/db"
	"github.com/pmezard/go-difflib/difflib"
)

// NoteConflict is a note GUID present in both sources with different text.
type NoteConflict struct {
	GUID     string `json:"guid" yaml:"guid"`
	NoteIDA  int64  `json:"note_id_a" yaml:"note_id_a"`
	NoteIDB  int64  `json:"note_id_b" yaml:"note_id_b"`
	TitleA   string `json:"title_a" yaml:"title_a"`
	TitleB   string `json:"title_b" yaml:"title_b"`
	ContentA string `json:"content_a" yaml:"content_a"`
	ContentB string `json:"content_b" yaml:"content_b"`
	Diff     string `json:"diff,omitempty" yaml:"diff,omitempty"`
}

// UserMarkConflict is a highlight GUID present in both sources with a
// different payload. The merge splits these automatically.
type UserMarkConflict struct {
	GUID   string `json:"guid" yaml:"guid"`
	IDA    int64  `json:"user_mark_id_a" yaml:"user_mark_id_a"`
	IDB    int64  `json:"user_mark_id_b" yaml:"user_mark_id_b"`
	ColorA int64  `json:"color_a" yaml:"color_a"`
	ColorB int64  `json:"color_b" yaml:"color_b"`
	StyleA int64  `json:"style_a" yaml:"style_a"`
	StyleB int64  `json:"style_b" yaml:"style_b"`
}

// BookmarkConflict is a (publication, slot) pair both sources fill with
// different bookmarks.
type BookmarkConflict struct {
	Publication string `json:"publication" yaml:"publication"`
	Slot        int64  `json:"slot" yaml:"slot"`
	IDA         int64  `json:"bookmark_id_a" yaml:"bookmark_id_a"`
	IDB         int64  `json:"bookmark_id_b" yaml:"bookmark_id_b"`
	TitleA      string `json:"title_a" yaml:"title_a"`
	TitleB      string `json:"title_b" yaml:"title_b"`
}

// Report groups every conflict found between two sources.
type Report struct {
	Notes     []NoteConflict     `json:"notes" yaml:"notes"`
	UserMarks []UserMarkConflict `json:"user_marks" yaml:"user_marks"`
	Bookmarks []BookmarkConflict `json:"bookmarks" yaml:"bookmarks"`
}

// Total returns the number of conflicts of every kind.
func (r *Report) Total() int {
	return len(r.Notes) + len(r.UserMarks) + len(r.Bookmarks)
}

// Scan compares source a against source b.
func Scan(a, b db.Executor) (*Report, error) {
	report := &Report{}
	var err error
	if report.Notes, err = scanNotes(a, b); err != nil {
		return nil, err
	}
	if report.UserMarks, err = scanUserMarks(a, b); err != nil {
		return nil, err
	}
	if report.Bookmarks, err = scanBookmarks(a, b); err != nil {
		return nil, err
	}
	return report, nil
}

type noteRow struct {
	id      int64
	title   sql.NullString
	content sql.NullString
}

func loadNotesByGUID(exec db.Executor) (map[string]noteRow, []string, error) {
	rows, err := exec.Query("SELECT NoteId, Guid, Title, Content FROM Note WHERE Guid IS NOT NULL ORDER BY NoteId")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query notes: %w", err)
	}
	defer rows.Close()

	byGUID := make(map[string]noteRow)
	var order []string
	for rows.Next() {
		var (
			n    noteRow
			guid string
		)
		if err := rows.Scan(&n.id, &guid, &n.title, &n.content); err != nil {
			return nil, nil, fmt.Errorf("failed to scan note: %w", err)
		}
		if _, dup := byGUID[guid]; !dup {
			byGUID[guid] = n
			order = append(order, guid)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("error iterating notes: %w", err)
	}
	return byGUID, order, nil
}

func scanNotes(a, b db.Executor) ([]NoteConflict, error) {
	notesA, _, err := loadNotesByGUID(a)
	if err != nil {
		return nil, err
	}
	notesB, order, err := loadNotesByGUID(b)
	if err != nil {
		return nil, err
	}

	var out []NoteConflict
	for _, guid := range order {
		na, ok := notesA[guid]
		if !ok {
			continue
		}
		nb := notesB[guid]
		if na.title.String == nb.title.String && na.content.String == nb.content.String {
			continue
		}
		c := NoteConflict{
			GUID:     guid,
			NoteIDA:  na.id,
			NoteIDB:  nb.id,
			TitleA:   na.title.String,
			TitleB:   nb.title.String,
			ContentA: na.content.String,
			ContentB: nb.content.String,
		}
		c.Diff = noteDiff(c)
		out = append(out, c)
	}
	return out, nil
}

func noteDiff(c NoteConflict) string {
	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(c.TitleA + "\n\n" + c.ContentA + "\n"),
		B:        difflib.SplitLines(c.TitleB + "\n\n" + c.ContentB + "\n"),
		FromFile: "sourceA",
		ToFile:   "sourceB",
		Context:  3,
	}
	text, err := difflib.GetUnifiedDiffString(diff)
	if err != nil {
		return ""
	}
	return text
}

type markRow struct {
	id      int64
	color   sql.NullInt64
	style   sql.NullInt64
	version sql.NullInt64
	loc     string
}

func loadMarksByGUID(exec db.Executor) (map[string]markRow, []string, error) {
	rows, err := exec.Query(`
		SELECT um.UserMarkId, um.UserMarkGuid, um.ColorIndex, um.StyleIndex, um.Version,
			` + locationKeySQL("l") + `
		FROM UserMark um
		LEFT JOIN Location l ON l.LocationId = um.LocationId
		ORDER BY um.UserMarkId
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query user marks: %w", err)
	}
	defer rows.Close()

	byGUID := make(map[string]markRow)
	var order []string
	for rows.Next() {
		var (
			m    markRow
			guid sql.NullString
			loc  sql.NullString
		)
		if err := rows.Scan(&m.id, &guid, &m.color, &m.style, &m.version, &loc); err != nil {
			return nil, nil, fmt.Errorf("failed to scan user mark: %w", err)
		}
		if !guid.Valid {
			continue
		}
		m.loc = loc.String
		if _, dup := byGUID[guid.String]; !dup {
			byGUID[guid.String] = m
			order = append(order, guid.String)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("error iterating user marks: %w", err)
	}
	return byGUID, order, nil
}

func scanUserMarks(a, b db.Executor) ([]UserMarkConflict, error) {
	marksA, _, err := loadMarksByGUID(a)
	if err != nil {
		return nil, err
	}
	marksB, order, err := loadMarksByGUID(b)
	if err != nil {
		return nil, err
	}

	var out []UserMarkConflict
	for _, guid := range order {
		ma, ok := marksA[guid]
		if !ok {
			continue
		}
		mb := marksB[guid]
		if ma.color == mb.color && ma.style == mb.style && ma.version == mb.version && ma.loc == mb.loc {
			continue
		}
		out = append(out, UserMarkConflict{
			GUID:   guid,
			IDA:    ma.id,
			IDB:    mb.id,
			ColorA: ma.color.Int64,
			ColorB: mb.color.Int64,
			StyleA: ma.style.Int64,
			StyleB: mb.style.Int64,
		})
	}
	return out, nil
}

type bookmarkRow struct {
	id      int64
	pub     string
	slot    int64
	title   string
	snippet string
	loc     string
}

// locationKeySQL renders a Location's natural key as one comparable string,
// so rows from two databases can be matched without shared ids.
func locationKeySQL(alias string) string {
	cols := []string{"KeySymbol", "IssueTagNumber", "MepsLanguage", "DocumentId", "BookNumber", "ChapterNumber", "Track", "Type"}
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = fmt.Sprintf("IFNULL(%s.%s, '')", alias, c)
	}
	return strings.Join(parts, " || '/' || ")
}

func loadBookmarksBySlot(exec db.Executor) (map[string]bookmarkRow, error) {
	rows, err := exec.Query(`
		SELECT b.BookmarkId, ` + locationKeySQL("p") + `, b.Slot, IFNULL(b.Title, ''), IFNULL(b.Snippet, ''),
			` + locationKeySQL("l") + `
		FROM Bookmark b
		JOIN Location p ON p.LocationId = b.PublicationLocationId
		LEFT JOIN Location l ON l.LocationId = b.LocationId
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query bookmarks: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bookmarkRow)
	for rows.Next() {
		var (
			b   bookmarkRow
			loc sql.NullString
		)
		if err := rows.Scan(&b.id, &b.pub, &b.slot, &b.title, &b.snippet, &loc); err != nil {
			return nil, fmt.Errorf("failed to scan bookmark: %w", err)
		}
		b.loc = loc.String
		out[slotKey(b.pub, b.slot)] = b
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bookmarks: %w", err)
	}
	return out, nil
}

func slotKey(pub string, slot int64) string {
	return fmt.Sprintf("%s#%d", pub, slot)
}

func scanBookmarks(a, b db.Executor) ([]BookmarkConflict, error) {
	slotsA, err := loadBookmarksBySlot(a)
	if err != nil {
		return nil, err
	}
	slotsB, err := loadBookmarksBySlot(b)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(slotsB))
	for k := range slotsB {
		if _, ok := slotsA[k]; ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var out []BookmarkConflict
	for _, k := range keys {
		ba, bb := slotsA[k], slotsB[k]
		if ba.title == bb.title && ba.snippet == bb.snippet && ba.loc == bb.loc {
			continue
		}
		out = append(out, BookmarkConflict{
			Publication: ba.pub,
			Slot:        ba.slot,
			IDA:         ba.id,
			IDB:         bb.id,
			TitleA:      ba.title,
			TitleB:      bb.title,
		})
	}
	return out, nil
}
