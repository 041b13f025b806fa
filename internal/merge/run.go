package merge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/lherron/jwlmerge/internal/db"
	"go.uber.org/zap"
)

// Observer receives run statistics. internal/metrics.Recorder implements it.
type Observer interface {
	ObserveStage(stage string, d time.Duration)
	ObserveRows(entity string, created, reused, skipped int)
	ObserveRun(status string)
}

// Options configures one merge run.
type Options struct {
	SourceA string
	SourceB string
	Output  string

	// WorkDir holds the working and staging files. It defaults to the
	// directory of Output so the final rename stays on one filesystem.
	WorkDir string
	// Overwrite replaces an existing Output.
	Overwrite bool

	Choices       *Choices
	LastModified  string
	MaxSlotProbes int

	Logger  *zap.Logger
	Metrics Observer
}

// Stage is one step of the pipeline.
type Stage struct {
	Name string
	Run  func(s *Session) error
}

// Stages returns the pipeline in execution order. Playlist items are merged
// before tag maps because tag maps may point at them.
func Stages(lastModified string) []Stage {
	return []Stage{
		{"bootstrap", Bootstrap},
		{"locations", MergeLocations},
		{"independent_media", MergeIndependentMedia},
		{"user_marks", MergeUserMarks},
		{"block_ranges", MergeBlockRanges},
		{"notes", MergeNotes},
		{"bookmarks", MergeBookmarks},
		{"playlist_item_accuracy", MergePlaylistItemAccuracy},
		{"playlist_items", MergePlaylistItems},
		{"playlist_item_markers", MergePlaylistItemMarkers},
		{"playlist_maps", RebuildPlaylistMaps},
		{"playlist_orphans", CleanupPlaylistOrphans},
		{"tags", MergeTags},
		{"tag_maps", MergeTagMaps},
		{"selected_tags", ApplySelectedTags},
		{"input_fields", RebuildInputFields},
		{"platform_metadata", MergePlatformMetadata},
		{"residual_tables", MergeResidualTables},
		{"last_modified", func(s *Session) error { return StampLastModified(s, lastModified) }},
		{"finalize", Finalize},
	}
}

// Run merges SourceA and SourceB into Output. The merge happens in a
// working file next to the output; Output only appears once every stage and
// the final integrity check succeed. The returned report is non-nil
// whenever the sources could be opened, including on failure.
func Run(ctx context.Context, opts Options) (*Report, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Output == "" {
		return nil, errors.New("output path is required")
	}
	if _, err := os.Stat(opts.Output); err == nil && !opts.Overwrite {
		return nil, fmt.Errorf("output %s already exists", opts.Output)
	}

	started := time.Now()
	report, err := run(opts, log)
	status := "success"
	if err != nil {
		status = "failure"
	}
	if report != nil {
		report.DurationMS = time.Since(started).Milliseconds()
		if opts.Metrics != nil {
			for _, entity := range report.Entities() {
				c := report.Stats[entity]
				opts.Metrics.ObserveRows(string(entity), c.Created, c.Reused, c.Skipped)
			}
		}
	}
	if opts.Metrics != nil {
		opts.Metrics.ObserveRun(status)
	}

	if err != nil {
		log.Error("merge failed", zap.Error(err))
		return report, err
	}
	log.Info("merge complete",
		zap.String("output", opts.Output),
		zap.Int64("duration_ms", report.DurationMS),
		zap.String("integrity", report.IntegrityCheck),
		zap.Int("warnings", len(report.Warnings)),
	)
	return report, nil
}

func run(opts Options, log *zap.Logger) (*Report, error) {
	sourceA, err := openSource(opts.SourceA, SourceA)
	if err != nil {
		return nil, err
	}
	defer sourceA.Close()
	sourceB, err := openSource(opts.SourceB, SourceB)
	if err != nil {
		return nil, err
	}
	defer sourceB.Close()

	workDir := opts.WorkDir
	if workDir == "" {
		workDir = filepath.Dir(opts.Output)
	}
	runID := uuid.NewString()
	base := filepath.Base(opts.Output)
	workPath := filepath.Join(workDir, base+".work-"+runID)
	stagingPath := filepath.Join(filepath.Dir(opts.Output), base+".staging-"+runID)
	defer removeDatabaseFiles(workPath)
	defer removeDatabaseFiles(stagingPath)

	merged, err := db.Open(workPath)
	if err != nil {
		return nil, structural("open working database", err)
	}
	defer merged.Close()

	s := NewSession(merged, sourceA, sourceB, opts.Choices, log.With(zap.String("run", runID[:8])))
	if opts.MaxSlotProbes > 0 {
		s.MaxSlotProbes = opts.MaxSlotProbes
	}
	s.Report.SourceA = opts.SourceA
	s.Report.SourceB = opts.SourceB
	s.Report.Output = opts.Output
	s.Report.StartedAt = time.Now().UTC().Format(time.RFC3339)
	for _, w := range s.Choices.Warnings {
		s.Report.warn(w)
	}

	s.Log.Info("merge started",
		zap.String("source_a", opts.SourceA),
		zap.String("source_b", opts.SourceB),
		zap.String("work", workPath),
	)

	for _, stage := range Stages(opts.LastModified) {
		start := time.Now()
		err := stage.Run(s)
		if opts.Metrics != nil {
			opts.Metrics.ObserveStage(stage.Name, time.Since(start))
		}
		if err != nil {
			return s.Report, err
		}
	}

	if err := merged.VacuumInto(stagingPath); err != nil {
		return s.Report, structural("compact", err)
	}
	if opts.Overwrite {
		if err := os.Remove(opts.Output); err != nil && !os.IsNotExist(err) {
			return s.Report, structural("publish", fmt.Errorf("failed to replace %s: %w", opts.Output, err))
		}
	}
	if err := os.Rename(stagingPath, opts.Output); err != nil {
		return s.Report, structural("publish", fmt.Errorf("failed to move merged database into place: %w", err))
	}
	return s.Report, nil
}

func openSource(path string, src Source) (*db.DB, error) {
	handle, err := db.OpenReadOnly(path)
	if err != nil {
		return nil, newError(KindSchemaIncompatibility, "open "+src.Key(), err).WithContext("path", path)
	}
	if err := ValidateSource(handle, src.Key()); err != nil {
		handle.Close()
		return nil, err
	}
	return handle, nil
}

func removeDatabaseFiles(path string) {
	for _, p := range []string{path, path + "-journal", path + "-wal", path + "-shm"} {
		_ = os.Remove(p)
	}
}
