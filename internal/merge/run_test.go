package merge

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lherron/jwlmerge/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeObserver struct {
	stages []string
	rows   map[string]int
	runs   []string
}

func (o *fakeObserver) ObserveStage(stage string, d time.Duration) {
	o.stages = append(o.stages, stage)
}

func (o *fakeObserver) ObserveRows(entity string, created, reused, skipped int) {
	if o.rows == nil {
		o.rows = make(map[string]int)
	}
	o.rows[entity] += created + reused + skipped
}

func (o *fakeObserver) ObserveRun(status string) {
	o.runs = append(o.runs, status)
}

func populated(t *testing.T) *fixture {
	f := newFixture(t)
	for _, u := range []*testutil.UserData{f.A, f.B} {
		u.AddBibleLocation(1, 40, 24, "nwt")
		u.AddPublicationLocation(2, "nwt", 0, "Bible")
		u.AddTag(1, 1, "Study")
		u.AddTag(2, 2, "Favourites")
	}
	f.A.AddUserMark(1, 1, "mark-a", 1)
	f.A.AddBlockRange(1, 1, 14, 0, 12)
	f.A.AddNote(1, "note-a", 1, 1, "Endurance", "verse 13")
	f.A.AddTagMap(1, nil, nil, 1, 1, 0)
	f.A.AddBookmark(1, 1, 2, 0, "Matthew 24")
	f.A.AddPlaylistItem(1, "Signs", nil)
	f.A.AddPlaylistLocation(1, 1)
	f.A.AddTagMap(2, 1, nil, nil, 2, 0)

	f.B.AddUserMark(1, 1, "mark-b", 2)
	f.B.AddBlockRange(1, 1, 14, 3, 9)
	f.B.AddNote(1, "note-b", nil, 1, "Watchful", "verse 42")
	f.B.AddTagMap(1, nil, nil, 1, 1, 0)
	f.B.AddBookmark(1, 1, 2, 0, "Matthew 24:42")
	f.B.AddInputField(2, "tt5", "yes")
	return f
}

func runOptions(f *fixture) Options {
	return Options{
		SourceA:      f.A.Path,
		SourceB:      f.B.Path,
		Output:       filepath.Join(f.dir, "merged", "userData.db"),
		LastModified: "2026-10-16T12:00:00",
	}
}

func TestRunEndToEnd(t *testing.T) {
	f := populated(t)
	opts := runOptions(f)
	require.NoError(t, os.MkdirAll(filepath.Dir(opts.Output), 0755))
	obs := &fakeObserver{}
	opts.Metrics = obs

	report, err := Run(context.Background(), opts)
	require.NoError(t, err)
	require.NotNil(t, report)

	assert.Equal(t, "ok", report.IntegrityCheck)
	assert.Equal(t, 1, report.Playlists)
	assert.Equal(t, 1, report.PlaylistItems)
	assert.GreaterOrEqual(t, report.DurationMS, int64(0))

	out := testutil.OpenDB(t, opts.Output)
	assert.Equal(t, 0, testutil.Count(t, out, "sqlite_master", "name LIKE 'MergeMapping%'"))
	assert.Equal(t, 1, testutil.Count(t, out, "sqlite_master", "type = 'view' AND name = 'NoteWithLocation'"))
	assert.Equal(t, 0, testutil.Count(t, out, "sqlite_master", "type = 'trigger'"),
		"triggers that maintain LastModified are not carried over")
	assert.Equal(t, 1, testutil.Count(t, out, "LastModified", "LastModified = '2026-10-16T12:00:00'"))
	assert.Equal(t, 2, testutil.Count(t, out, "Location", ""))
	assert.Equal(t, 2, testutil.Count(t, out, "Note", ""))
	assert.Equal(t, 2, testutil.Count(t, out, "Bookmark", ""))
	assert.Equal(t, 2, testutil.Count(t, out, "UserMark", ""))
	assert.Equal(t, 3, testutil.Count(t, out, "TagMap", ""))
	assert.Equal(t, 1, testutil.Count(t, out, "InputField", ""))

	for _, pattern := range []string{"*.work-*", "*.staging-*"} {
		leftovers, err := filepath.Glob(filepath.Join(filepath.Dir(opts.Output), pattern))
		require.NoError(t, err)
		assert.Empty(t, leftovers, "work and staging files are removed")
	}

	assert.Len(t, obs.stages, len(Stages("")))
	assert.Equal(t, []string{"success"}, obs.runs)
	assert.Equal(t, 4, obs.rows[string(EntityNote)]+obs.rows[string(EntityBookmark)])
}

func TestRunRejectsIncompatibleSource(t *testing.T) {
	f := populated(t)
	f.B.Exec("DROP VIEW NoteWithLocation")
	f.B.Exec("DROP TABLE Note")
	opts := runOptions(f)
	require.NoError(t, os.MkdirAll(filepath.Dir(opts.Output), 0755))
	obs := &fakeObserver{}
	opts.Metrics = obs

	_, err := Run(context.Background(), opts)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindSchemaIncompatibility), "got %v", err)
	assert.Contains(t, err.Error(), "Note")
	assert.NoFileExists(t, opts.Output)
	assert.Equal(t, []string{"failure"}, obs.runs)
}

func TestRunOutputExists(t *testing.T) {
	f := populated(t)
	opts := runOptions(f)
	require.NoError(t, os.MkdirAll(filepath.Dir(opts.Output), 0755))
	require.NoError(t, os.WriteFile(opts.Output, []byte("old"), 0644))

	_, err := Run(context.Background(), opts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
	assert.Equal(t, "old", testutil.ReadFile(t, opts.Output))

	opts.Overwrite = true
	report, err := Run(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, "ok", report.IntegrityCheck)
	assert.Equal(t, 2, testutil.Count(t, testutil.OpenDB(t, opts.Output), "Note", ""))
}

func TestRunCancelled(t *testing.T) {
	f := populated(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Run(ctx, runOptions(f))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunChoicesWarningsReachReport(t *testing.T) {
	f := populated(t)
	opts := runOptions(f)
	require.NoError(t, os.MkdirAll(filepath.Dir(opts.Output), 0755))
	opts.Choices = mustChoices(t, `{"notes": {"0": {"choice": "keep-both", "noteIds": {"sourceA": 1}}}}`)

	report, err := Run(context.Background(), opts)
	require.NoError(t, err)
	require.NotEmpty(t, report.Warnings)
	assert.Contains(t, report.Warnings[0], "keep-both")
	assert.Equal(t, 2, testutil.Count(t, testutil.OpenDB(t, opts.Output), "Note", ""),
		"an unknown choice falls back to auto-include")
}
