package merge

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/lherron/jwlmerge/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeBlockRangesRollsBackOnInsertFailure(t *testing.T) {
	f := newFixture(t)
	f.A.AddBibleLocation(1, 40, 24, "nwt")
	f.A.AddUserMark(1, 1, "m-a", 1)
	f.A.AddBlockRange(1, 1, 14, 0, 5)
	f.B.AddBibleLocation(1, 40, 24, "nwt")
	f.B.AddUserMark(1, 1, "m-b", 2)
	f.B.AddBlockRange(1, 1, 14, 99, 100)

	s := f.session(nil)
	_, err := s.Merged.Exec(`CREATE TRIGGER TR_BlockRange_Reject BEFORE INSERT ON BlockRange
		WHEN NEW.StartToken = 99 BEGIN SELECT RAISE(ABORT, 'rejected'); END`)
	require.NoError(t, err)
	runAll(t, s, MergeLocations, MergeUserMarks)

	err = MergeBlockRanges(s)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindStructuralFailure), "got %v", err)
	assert.Contains(t, err.Error(), "rejected")
	assert.Equal(t, 0, count(t, s, "BlockRange", ""), "A's range is rolled back with the failing one")
	assert.Equal(t, 2, count(t, s, "UserMark", ""), "earlier stages stay committed")
}

func TestFinalizeFailsOnIntegrityError(t *testing.T) {
	s := populated(t).session(nil)
	for _, stmt := range []string{
		"CREATE TABLE Scratch (Value INTEGER CHECK (Value > 0))",
		"PRAGMA ignore_check_constraints = ON",
		"INSERT INTO Scratch (Value) VALUES (-1)",
		"PRAGMA ignore_check_constraints = OFF",
	} {
		_, err := s.Merged.Exec(stmt)
		require.NoError(t, err, stmt)
	}

	err := Finalize(s)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindStructuralFailure), "got %v", err)
	assert.NotEqual(t, "ok", s.Report.IntegrityCheck)
	assert.Contains(t, s.Report.IntegrityCheck, "CHECK constraint failed")
}

func TestRunStructuralFailureLeavesNoOutput(t *testing.T) {
	f := newFixture(t)
	for _, u := range []*testutil.UserData{f.A, f.B} {
		u.AddBibleLocation(1, 40, 24, "nwt")
		u.AddUserMark(1, 1, "shared", 1)
	}
	// A single range per highlight; B's differing span collides on the
	// merged highlight both sides share.
	f.A.Exec("CREATE UNIQUE INDEX IX_BlockRange_UserMarkId ON BlockRange (UserMarkId)")
	f.A.AddBlockRange(1, 1, 14, 0, 12)
	f.B.AddBlockRange(1, 1, 14, 3, 9)

	opts := runOptions(f)
	outDir := filepath.Dir(opts.Output)
	require.NoError(t, os.MkdirAll(outDir, 0755))
	obs := &fakeObserver{}
	opts.Metrics = obs

	report, err := Run(context.Background(), opts)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindStructuralFailure), "got %v", err)
	require.NotNil(t, report)
	assert.Equal(t, 1, report.Counts(EntityUserMark).Reused)

	_, statErr := os.Stat(opts.Output)
	assert.True(t, os.IsNotExist(statErr), "output must not be published")
	entries, err := os.ReadDir(outDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "working and staging files are removed")
	assert.Equal(t, []string{"failure"}, obs.runs)
}

func TestMergeLocationsReusesAcrossTitleDifference(t *testing.T) {
	f := newFixture(t)
	f.A.AddPublicationLocation(1, "w", 202401, "Watchtower January")
	f.B.AddPublicationLocation(4, "w", 202401, "The Watchtower")
	// NULLs never collide in a unique index, so pin the full publication key.
	f.A.Exec("UPDATE Location SET IssueTagNumber = 20240100, Track = 0")
	f.B.Exec("UPDATE Location SET IssueTagNumber = 20240100, Track = 0")

	s := f.session(nil)
	require.NoError(t, MergeLocations(s))

	idA, ok := s.Maps.Location.Get(SourceA, 1)
	require.True(t, ok)
	idB, ok := s.Maps.Location.Get(SourceB, 4)
	require.True(t, ok)
	assert.Equal(t, idA, idB)
	assert.Equal(t, 1, count(t, s, "Location", ""))
	assert.Equal(t, 1, count(t, s, "Location", "Title = ?", "Watchtower January"), "the first writer's title is kept")

	c := s.Report.Counts(EntityLocation)
	assert.Equal(t, 1, c.Reused)
	assert.Equal(t, 0, c.Skipped)
	assert.Empty(t, s.Report.SkipsByReason(EntityLocation))
}

func TestMergeBookmarksReusesRowOnConstraintFallback(t *testing.T) {
	f := newFixture(t)
	f.A.AddBibleLocation(1, 40, 24, "nwt")
	f.A.AddPublicationLocation(2, "nwt", 0, "Bible")
	f.A.AddBookmark(1, 1, 2, 0, "Same")
	f.B.AddBibleLocation(1, 40, 24, "nwt")
	f.B.AddBibleLocation(3, 19, 23, "nwt")
	f.B.AddPublicationLocation(2, "nwt", 0, "Bible")
	f.B.AddBookmark(5, 3, 2, 0, "Same")

	s := f.session(nil)
	_, err := s.Merged.Exec("CREATE UNIQUE INDEX IX_Bookmark_Pub_Title ON Bookmark (PublicationLocationId, Title)")
	require.NoError(t, err)
	runAll(t, s, MergeLocations, MergeBookmarks)

	assert.Equal(t, 1, count(t, s, "Bookmark", ""))
	idA, ok := s.Maps.Bookmark.Get(SourceA, 1)
	require.True(t, ok)
	idB, ok := s.Maps.Bookmark.Get(SourceB, 5)
	require.True(t, ok, "the colliding row maps onto the stored one")
	assert.Equal(t, idA, idB)
	c := s.Report.Counts(EntityBookmark)
	assert.Equal(t, 1, c.Reused)
	assert.Equal(t, 0, c.Skipped)
}

func TestMergeTagsReusesCaseFoldedName(t *testing.T) {
	f := newFixture(t)
	f.A.AddTag(1, 1, "Study")
	f.B.AddTag(4, 1, "study")

	s := f.session(nil)
	_, err := s.Merged.Exec("CREATE UNIQUE INDEX IX_Tag_Name_NoCase ON Tag (Type, Name COLLATE NOCASE)")
	require.NoError(t, err)
	require.NoError(t, MergeTags(s))

	assert.Equal(t, 1, count(t, s, "Tag", "Type = 1"))
	idA, ok := s.Maps.Tag.Get(SourceA, 1)
	require.True(t, ok)
	idB, ok := s.Maps.Tag.Get(SourceB, 4)
	require.True(t, ok)
	assert.Equal(t, idA, idB)
	assert.Equal(t, 0, s.Report.Counts(EntityTag).Skipped)
}

func TestPlaylistItemsReuseOnConstraintFallback(t *testing.T) {
	f := newFixture(t)
	f.A.AddPlaylistItem(1, "Intro", nil)
	f.B.AddPlaylistItem(5, "Intro", nil)
	f.B.Exec("UPDATE PlaylistItem SET StartTrimOffsetTicks = 5000 WHERE PlaylistItemId = 5")

	s := f.session(nil)
	_, err := s.Merged.Exec("CREATE UNIQUE INDEX IX_PlaylistItem_Label ON PlaylistItem (Label)")
	require.NoError(t, err)
	runAll(t, s, MergeLocations, MergeIndependentMedia, MergePlaylistItemAccuracy, MergePlaylistItems)

	assert.Equal(t, 1, count(t, s, "PlaylistItem", ""))
	idA, ok := s.Maps.PlaylistItem.Get(SourceA, 1)
	require.True(t, ok)
	idB, ok := s.Maps.PlaylistItem.Get(SourceB, 5)
	require.True(t, ok)
	assert.Equal(t, idA, idB)
	assert.Equal(t, 0, s.Report.Counts(EntityPlaylistItem).Skipped)
}
