package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gofrs/flock"
	"github.com/lherron/jwlmerge/internal/merge"
	"github.com/lherron/jwlmerge/internal/testutil"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func resetMergeGlobals() {
	mergeSourceA = ""
	mergeSourceB = ""
	mergeOutput = ""
	mergeChoicesFile = ""
	mergeReportFile = ""
	mergeLastModified = ""
	mergeMetricsFile = ""
	mergeMaxSlotProbes = 0
	mergeForce = false
	mergePorcelain = false
}

func resetConflictsGlobals() {
	conflictsSourceA = ""
	conflictsSourceB = ""
	conflictsFormat = ""
	conflictsJSON = false
	conflictsEmitChoices = ""
}

func newTestCommand() (*cobra.Command, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	cmd := &cobra.Command{}
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	return cmd, buf
}

// setupSources writes two small userData databases that share a location
// and a note GUID with different text.
func setupSources(t *testing.T) (string, *testutil.UserData, *testutil.UserData) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("JWLMERGE_LOG_LEVEL", "error")
	t.Setenv("JWLMERGE_CHOICES_FILE", "")
	t.Setenv("JWLMERGE_METRICS_FILE", "")
	t.Setenv("JWLMERGE_WORK_DIR", "")

	dir := t.TempDir()
	a := testutil.NewUserData(t, dir, "a.db")
	b := testutil.NewUserData(t, dir, "b.db")
	for _, u := range []*testutil.UserData{a, b} {
		u.AddBibleLocation(1, 43, 17, "nwt")
		u.AddPublicationLocation(2, "nwt", 0, "Bible")
	}
	a.AddNote(1, "shared", nil, 1, "John 17", "eternal life")
	b.AddNote(1, "shared", nil, 1, "John 17", "eternal life means knowing")
	b.AddNote(2, "only-b", nil, 1, "Verse 3", "taking in knowledge")
	a.AddBookmark(1, 1, 2, 0, "John 17")
	b.AddBookmark(1, 1, 2, 0, "John 17:3")
	return dir, a, b
}

func TestMergeCommandWritesOutputReportAndMetrics(t *testing.T) {
	dir, a, b := setupSources(t)
	resetMergeGlobals()
	defer resetMergeGlobals()

	mergeSourceA = a.Path
	mergeSourceB = b.Path
	mergeOutput = filepath.Join(dir, "out", "userData.db")
	mergeReportFile = filepath.Join(dir, "report.json")
	mergeMetricsFile = filepath.Join(dir, "jwlmerge.prom")
	mergeLastModified = "2026-10-16T09:30:00"

	cmd, buf := newTestCommand()
	if err := runMerge(cmd, nil); err != nil {
		t.Fatalf("runMerge failed: %v", err)
	}

	if _, err := os.Stat(mergeOutput); err != nil {
		t.Fatalf("expected merged output: %v", err)
	}
	if _, err := os.Stat(mergeOutput + ".lock"); !os.IsNotExist(err) {
		t.Errorf("expected lock file to be removed, stat err = %v", err)
	}

	out := buf.String()
	for _, want := range []string{"ENTITY", "Note", "total", "Integrity:       ok"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}

	var report merge.Report
	if err := json.Unmarshal([]byte(testutil.ReadFile(t, mergeReportFile)), &report); err != nil {
		t.Fatalf("report is not JSON: %v", err)
	}
	if report.IntegrityCheck != "ok" {
		t.Errorf("expected integrity ok, got %q", report.IntegrityCheck)
	}
	if report.Stats[merge.EntityNote] == nil || report.Stats[merge.EntityNote].Created != 3 {
		t.Errorf("expected 3 notes created, got %+v", report.Stats[merge.EntityNote])
	}

	metricsText := testutil.ReadFile(t, mergeMetricsFile)
	if !strings.Contains(metricsText, `jwlmerge_runs_total{status="success"} 1`) {
		t.Errorf("metrics missing run counter:\n%s", metricsText)
	}

	merged := testutil.OpenDB(t, mergeOutput)
	var stamp string
	if err := merged.QueryRow("SELECT LastModified FROM LastModified").Scan(&stamp); err != nil {
		t.Fatalf("failed to read LastModified: %v", err)
	}
	if stamp != "2026-10-16T09:30:00" {
		t.Errorf("LastModified = %q", stamp)
	}
}

func TestMergeCommandHonorsChoices(t *testing.T) {
	dir, a, b := setupSources(t)
	resetMergeGlobals()
	defer resetMergeGlobals()

	choices := `{"notes": {"0": {"choice": "sourceB", "noteIds": {"sourceA": 1, "sourceB": 1}}}}`
	mergeSourceA = a.Path
	mergeSourceB = b.Path
	mergeOutput = filepath.Join(dir, "merged.db")
	mergeChoicesFile = testutil.WriteFile(t, dir, "choices.json", choices)

	cmd, _ := newTestCommand()
	if err := runMerge(cmd, nil); err != nil {
		t.Fatalf("runMerge failed: %v", err)
	}

	merged := testutil.OpenDB(t, mergeOutput)
	if got := testutil.Count(t, merged, "Note", "Guid = ?", "shared"); got != 1 {
		t.Fatalf("expected one shared note, got %d", got)
	}
	var content string
	if err := merged.QueryRow("SELECT Content FROM Note WHERE Guid = 'shared'").Scan(&content); err != nil {
		t.Fatalf("failed to read note: %v", err)
	}
	if content != "eternal life means knowing" {
		t.Errorf("expected source B content, got %q", content)
	}
}

func TestMergeCommandRequiresPaths(t *testing.T) {
	resetMergeGlobals()
	defer resetMergeGlobals()

	cmd, _ := newTestCommand()
	err := runMerge(cmd, nil)
	if err == nil || !strings.Contains(err.Error(), "required") {
		t.Fatalf("expected required flags error, got %v", err)
	}
}

func TestMergeCommandFailsWhenOutputLocked(t *testing.T) {
	dir, a, b := setupSources(t)
	resetMergeGlobals()
	defer resetMergeGlobals()

	mergeSourceA = a.Path
	mergeSourceB = b.Path
	mergeOutput = filepath.Join(dir, "merged.db")

	held := flock.New(mergeOutput + ".lock")
	locked, err := held.TryLock()
	if err != nil || !locked {
		t.Fatalf("failed to take lock: locked=%v err=%v", locked, err)
	}
	defer held.Unlock()

	cmd, _ := newTestCommand()
	err = runMerge(cmd, nil)
	if err == nil || !strings.Contains(err.Error(), "another merge is writing") {
		t.Fatalf("expected lock error, got %v", err)
	}
	if _, statErr := os.Stat(mergeOutput); !os.IsNotExist(statErr) {
		t.Errorf("expected no output while locked")
	}
}

func TestMergeCommandExistingOutput(t *testing.T) {
	dir, a, b := setupSources(t)
	resetMergeGlobals()
	defer resetMergeGlobals()

	mergeSourceA = a.Path
	mergeSourceB = b.Path
	mergeOutput = testutil.WriteFile(t, dir, "merged.db", "placeholder")

	cmd, _ := newTestCommand()
	if err := runMerge(cmd, nil); err == nil {
		t.Fatal("expected error for existing output")
	}

	mergeForce = true
	if err := runMerge(cmd, nil); err != nil {
		t.Fatalf("runMerge with --force failed: %v", err)
	}
}

func TestCheckCommandOnMergedOutput(t *testing.T) {
	dir, a, b := setupSources(t)
	resetMergeGlobals()
	defer resetMergeGlobals()

	mergeSourceA = a.Path
	mergeSourceB = b.Path
	mergeOutput = filepath.Join(dir, "merged.db")
	setupCmd, _ := newTestCommand()
	if err := runMerge(setupCmd, nil); err != nil {
		t.Fatalf("runMerge failed: %v", err)
	}

	checkJSON = true
	defer func() { checkJSON = false }()

	cmd, buf := newTestCommand()
	if err := runCheck(cmd, []string{mergeOutput}); err != nil {
		t.Fatalf("runCheck failed: %v\n%s", err, buf.String())
	}

	var report checkReport
	if err := json.Unmarshal(buf.Bytes(), &report); err != nil {
		t.Fatalf("check output is not JSON: %v", err)
	}
	if report.Errors != 0 {
		t.Errorf("expected no errors, got %+v", report.Checks)
	}
	if len(report.Checks) != 6 {
		t.Errorf("expected 6 checks, got %d", len(report.Checks))
	}
}

func TestCheckCommandReportsProblems(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	u := testutil.NewUserData(t, t.TempDir(), "broken.db")
	u.AddBibleLocation(1, 1, 1, "nwt")
	u.AddTag(1, 1, "Study")
	u.Exec("INSERT INTO TagMap (TagMapId, LocationId, NoteId, TagId, Position) VALUES (1, 1, 7, 1, 0)")
	u.Exec("CREATE TABLE MergeMapping_Note (SourceDb TEXT, OldId INTEGER, NewId INTEGER)")

	cmd, buf := newTestCommand()
	err := runCheck(cmd, []string{u.Path})
	if err == nil {
		t.Fatal("expected check to fail")
	}

	out := buf.String()
	for _, want := range []string{"✗ 1 leftover merge mapping table(s)", "✗ 1 tag map(s) without exactly one target", "TagMapId 1", "Summary:"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestCheckRequiredTablesAndBookmarkSlots(t *testing.T) {
	dir := t.TempDir()
	database := testutil.OpenDB(t, filepath.Join(dir, "loose.db"))
	if _, err := database.Exec(`
		CREATE TABLE Bookmark (BookmarkId INTEGER PRIMARY KEY, PublicationLocationId INTEGER, Slot INTEGER);
		INSERT INTO Bookmark VALUES (1, 5, 0), (2, 5, 0), (3, 5, 1);
	`); err != nil {
		t.Fatalf("failed to seed: %v", err)
	}

	tables := checkRequiredTables(database)
	if tables.Status != "error" || len(tables.Details) != 3 {
		t.Errorf("expected 3 missing tables, got %+v", tables)
	}

	slots := checkBookmarkSlots(database)
	if slots.Status != "error" {
		t.Fatalf("expected duplicate slot error, got %+v", slots)
	}
	if len(slots.Details) != 1 || slots.Details[0] != "publication 5 slot 0: 2 bookmarks" {
		t.Errorf("unexpected details %q", slots.Details)
	}
}

func TestConflictsCommandJSONAndSkeleton(t *testing.T) {
	dir, a, b := setupSources(t)
	resetConflictsGlobals()
	defer resetConflictsGlobals()

	conflictsSourceA = a.Path
	conflictsSourceB = b.Path
	conflictsJSON = true
	conflictsEmitChoices = filepath.Join(dir, "choices.json")

	cmd, buf := newTestCommand()
	if err := runConflicts(cmd, nil); err != nil {
		t.Fatalf("runConflicts failed: %v", err)
	}

	var report struct {
		Notes     []map[string]interface{} `json:"notes"`
		Bookmarks []map[string]interface{} `json:"bookmarks"`
	}
	if err := json.Unmarshal(buf.Bytes(), &report); err != nil {
		t.Fatalf("conflicts output is not JSON: %v", err)
	}
	if len(report.Notes) != 1 || report.Notes[0]["guid"] != "shared" {
		t.Errorf("expected the shared note conflict, got %v", report.Notes)
	}
	if len(report.Bookmarks) != 1 {
		t.Errorf("expected one bookmark conflict, got %v", report.Bookmarks)
	}

	choices, err := merge.LoadChoices(conflictsEmitChoices)
	if err != nil {
		t.Fatalf("skeleton is not a valid choices file: %v", err)
	}
	if len(choices.Notes) != 1 || choices.Notes[0].Choice != merge.ChoiceBoth {
		t.Errorf("unexpected note choices %+v", choices.Notes)
	}
}

func TestConflictsCommandHumanOutput(t *testing.T) {
	_, a, b := setupSources(t)
	resetConflictsGlobals()
	defer resetConflictsGlobals()

	conflictsSourceA = a.Path
	conflictsSourceB = b.Path

	cmd, buf := newTestCommand()
	if err := runConflicts(cmd, nil); err != nil {
		t.Fatalf("runConflicts failed: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"Notes (1):", "-eternal life", "+eternal life means knowing", "Bookmarks (1):", "Summary: 2 conflicts"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestConflictsCommandYAMLFormat(t *testing.T) {
	_, a, b := setupSources(t)
	resetConflictsGlobals()
	defer resetConflictsGlobals()

	conflictsSourceA = a.Path
	conflictsSourceB = b.Path
	conflictsFormat = "YAML"

	cmd, buf := newTestCommand()
	if err := runConflicts(cmd, nil); err != nil {
		t.Fatalf("runConflicts failed: %v", err)
	}

	var report struct {
		Notes []struct {
			GUID     string `yaml:"guid"`
			ContentB string `yaml:"content_b"`
		} `yaml:"notes"`
		Bookmarks []struct {
			Slot int64 `yaml:"slot"`
		} `yaml:"bookmarks"`
	}
	if err := yaml.Unmarshal(buf.Bytes(), &report); err != nil {
		t.Fatalf("conflicts output is not YAML: %v\n%s", err, buf.String())
	}
	if len(report.Notes) != 1 || report.Notes[0].GUID != "shared" || report.Notes[0].ContentB != "eternal life means knowing" {
		t.Errorf("unexpected note conflicts %+v", report.Notes)
	}
	if len(report.Bookmarks) != 1 || report.Bookmarks[0].Slot != 0 {
		t.Errorf("unexpected bookmark conflicts %+v", report.Bookmarks)
	}
}

func TestCheckCommandFormats(t *testing.T) {
	dir, a, b := setupSources(t)
	resetMergeGlobals()
	defer resetMergeGlobals()

	mergeSourceA = a.Path
	mergeSourceB = b.Path
	mergeOutput = filepath.Join(dir, "merged.db")
	setupCmd, _ := newTestCommand()
	if err := runMerge(setupCmd, nil); err != nil {
		t.Fatalf("runMerge failed: %v", err)
	}
	defer func() { checkFormat = "table" }()

	checkFormat = "yaml"
	cmd, buf := newTestCommand()
	if err := runCheck(cmd, []string{mergeOutput}); err != nil {
		t.Fatalf("runCheck failed: %v\n%s", err, buf.String())
	}
	var report checkReport
	if err := yaml.Unmarshal(buf.Bytes(), &report); err != nil {
		t.Fatalf("check output is not YAML: %v\n%s", err, buf.String())
	}
	if report.OverallStatus != "ok" || report.DBPath != mergeOutput || len(report.Checks) != 6 {
		t.Errorf("unexpected report %+v", report)
	}

	checkFormat = "xml"
	cmd, buf = newTestCommand()
	err := runCheck(cmd, []string{mergeOutput})
	if err == nil || !strings.Contains(err.Error(), "unknown format") {
		t.Errorf("expected unknown format error, got %v", err)
	}
	if buf.Len() != 0 {
		t.Errorf("expected no output for a bad format, got:\n%s", buf.String())
	}
}

func TestVersionJSON(t *testing.T) {
	versionJSON = true
	defer func() { versionJSON = false }()

	cmd, buf := newTestCommand()
	if err := runVersion(cmd, nil); err != nil {
		t.Fatalf("runVersion failed: %v", err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("version output is not JSON: %v", err)
	}
	if out["version"] != Version {
		t.Errorf("version = %v, want %s", out["version"], Version)
	}
}
