package conflicts

import (
	"encoding/json"
	"testing"

	"github.com/lherron/jwlmerge/internal/merge"
	"github.com/lherron/jwlmerge/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sources(t *testing.T) (*testutil.UserData, *testutil.UserData) {
	dir := t.TempDir()
	a := testutil.NewUserData(t, dir, "a.db")
	b := testutil.NewUserData(t, dir, "b.db")
	for _, u := range []*testutil.UserData{a, b} {
		u.AddBibleLocation(1, 19, 23, "nwt")
		u.AddPublicationLocation(2, "nwt", 0, "Bible")
	}
	return a, b
}

func TestScanFindsConflicts(t *testing.T) {
	a, b := sources(t)
	a.AddNote(1, "same", nil, 1, "Psalm 23", "shepherd")
	b.AddNote(4, "same", nil, 1, "Psalm 23", "shepherd")
	a.AddNote(2, "split", nil, 1, "Psalm 23", "line one\nline two")
	b.AddNote(5, "split", nil, 1, "Psalm 23", "line one\nline 2")

	a.AddUserMark(1, 1, "mark", 1)
	b.AddUserMark(3, 1, "mark", 4)
	a.AddUserMark(2, 1, "calm", 2)
	b.AddUserMark(6, 1, "calm", 2)

	a.AddBookmark(1, 1, 2, 0, "Psalms")
	b.AddBookmark(7, 1, 2, 0, "Psalm 23")
	a.AddBookmark(2, 1, 2, 1, "Same")
	b.AddBookmark(8, 1, 2, 1, "Same")

	report, err := Scan(a.DB, b.DB)
	require.NoError(t, err)

	require.Len(t, report.Notes, 1)
	n := report.Notes[0]
	assert.Equal(t, "split", n.GUID)
	assert.Equal(t, int64(2), n.NoteIDA)
	assert.Equal(t, int64(5), n.NoteIDB)
	assert.Contains(t, n.Diff, "--- sourceA")
	assert.Contains(t, n.Diff, "-line two")
	assert.Contains(t, n.Diff, "+line 2")

	require.Len(t, report.UserMarks, 1)
	assert.Equal(t, "mark", report.UserMarks[0].GUID)
	assert.Equal(t, int64(4), report.UserMarks[0].ColorB)

	require.Len(t, report.Bookmarks, 1)
	assert.Equal(t, int64(0), report.Bookmarks[0].Slot)
	assert.Equal(t, int64(7), report.Bookmarks[0].IDB)

	assert.Equal(t, 3, report.Total())
}

func TestScanNoConflicts(t *testing.T) {
	a, b := sources(t)
	a.AddNote(1, "only-a", nil, 1, "A", "a")
	b.AddNote(1, "only-b", nil, 1, "B", "b")

	report, err := Scan(a.DB, b.DB)
	require.NoError(t, err)
	assert.Zero(t, report.Total())
}

func TestSkeletonParsesAsChoices(t *testing.T) {
	report := &Report{
		Notes:     []NoteConflict{{GUID: "g", NoteIDA: 3, NoteIDB: 9}},
		Bookmarks: []BookmarkConflict{{IDA: 1, IDB: 2}},
	}
	payload, err := json.Marshal(report.Skeleton())
	require.NoError(t, err)

	choices, err := merge.ParseChoices(payload)
	require.NoError(t, err)
	require.Len(t, choices.Notes, 1)
	assert.Equal(t, merge.ChoiceBoth, choices.Notes[0].Choice)
	assert.Equal(t, map[merge.Source]int64{merge.SourceA: 3, merge.SourceB: 9}, choices.Notes[0].IDs)
	require.Len(t, choices.Bookmarks, 1)
	assert.Equal(t, int64(2), choices.Bookmarks[0].IDs[merge.SourceB])
	assert.Empty(t, choices.Warnings)
}
