package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gofrs/flock"
	"github.com/lherron/jwlmerge/internal/merge"
	"github.com/lherron/jwlmerge/internal/metrics"
	"github.com/lherron/jwlmerge/internal/render"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var mergeCmd = &cobra.Command{
	Use:   "merge",
	Short: "Merge two userData.db files into a new one",
	Long: `Merges source A and source B into a new userData.db.

Rows shared by both sources are deduplicated on their natural keys; every
other row is copied with fresh ids. Conflicting notes, bookmarks and tags
can be resolved with a choices file (see "jwlmerge conflicts --emit-choices").

The output path must not exist unless --force is given. A lock file next to
the output keeps two merges from writing the same destination.`,
	Args: cobra.NoArgs,
	RunE: runMerge,
}

var (
	mergeSourceA       string
	mergeSourceB       string
	mergeOutput        string
	mergeChoicesFile   string
	mergeReportFile    string
	mergeLastModified  string
	mergeMetricsFile   string
	mergeMaxSlotProbes int
	mergeForce         bool
	mergePorcelain     bool
)

func init() {
	rootCmd.AddCommand(mergeCmd)
	mergeCmd.Flags().StringVar(&mergeSourceA, "a", "", "Path to source A userData.db (required)")
	mergeCmd.Flags().StringVar(&mergeSourceB, "b", "", "Path to source B userData.db (required)")
	mergeCmd.Flags().StringVar(&mergeOutput, "out", "", "Path of the merged database (required)")
	mergeCmd.Flags().StringVar(&mergeChoicesFile, "choices", "", "JSON file with conflict choices (overrides JWLMERGE_CHOICES_FILE)")
	mergeCmd.Flags().StringVar(&mergeReportFile, "report", "", "Write the merge report to this file (.json, .yaml or .yml)")
	mergeCmd.Flags().StringVar(&mergeLastModified, "last-modified", "", "Timestamp stored in LastModified (default: now, local time)")
	mergeCmd.Flags().StringVar(&mergeMetricsFile, "metrics-file", "", "Write Prometheus textfile metrics here (overrides JWLMERGE_METRICS_FILE)")
	mergeCmd.Flags().IntVar(&mergeMaxSlotProbes, "max-slot-probes", 0, "How far a colliding bookmark slot or tag position is shifted (overrides JWLMERGE_MAX_SLOT_PROBES)")
	mergeCmd.Flags().BoolVar(&mergeForce, "force", false, "Replace the output if it already exists")
	mergeCmd.Flags().BoolVar(&mergePorcelain, "porcelain", false, "Print the summary as tab-separated values")
}

func runMerge(cmd *cobra.Command, args []string) error {
	if mergeSourceA == "" || mergeSourceB == "" || mergeOutput == "" {
		return fmt.Errorf("--a, --b and --out are required")
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	choicesPath := mergeChoicesFile
	if choicesPath == "" {
		choicesPath = cfg.ChoicesFile
	}
	var choices *merge.Choices
	if choicesPath != "" {
		choices, err = merge.LoadChoices(choicesPath)
		if err != nil {
			return err
		}
		log.Info("loaded choices",
			zap.String("path", choicesPath),
			zap.Int("notes", len(choices.Notes)),
			zap.Int("bookmarks", len(choices.Bookmarks)),
			zap.Int("tags", len(choices.Tags)),
		)
	}

	probes := cfg.MaxSlotProbes
	if mergeMaxSlotProbes > 0 {
		probes = mergeMaxSlotProbes
	}
	metricsFile := cfg.MetricsFile
	if mergeMetricsFile != "" {
		metricsFile = mergeMetricsFile
	}

	if err := os.MkdirAll(filepath.Dir(mergeOutput), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	unlock, err := lockOutput(mergeOutput)
	if err != nil {
		return err
	}
	defer unlock()

	recorder := metrics.New()
	report, runErr := merge.Run(commandContext(cmd), merge.Options{
		SourceA:       mergeSourceA,
		SourceB:       mergeSourceB,
		Output:        mergeOutput,
		WorkDir:       cfg.WorkDir,
		Overwrite:     mergeForce,
		Choices:       choices,
		LastModified:  mergeLastModified,
		MaxSlotProbes: probes,
		Logger:        log,
		Metrics:       recorder,
	})

	if metricsFile != "" {
		if err := recorder.WriteTextfile(metricsFile); err != nil {
			log.Warn("metrics not written", zap.Error(err))
		}
	}
	if report != nil && mergeReportFile != "" {
		if err := render.WriteFile(mergeReportFile, report); err != nil {
			log.Warn("report not written", zap.Error(err))
		}
	}
	if runErr != nil {
		return runErr
	}

	return printMergeSummary(cmd.OutOrStdout(), report, mergePorcelain)
}

// lockOutput takes an exclusive lock on <output>.lock without waiting. The
// returned func releases the lock and removes the lock file.
func lockOutput(output string) (func(), error) {
	lockPath := output + ".lock"
	lock := flock.New(lockPath)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock %s: %w", lockPath, err)
	}
	if !locked {
		return nil, fmt.Errorf("another merge is writing %s", output)
	}
	return func() {
		_ = lock.Unlock()
		_ = os.Remove(lockPath)
	}, nil
}

func printMergeSummary(w io.Writer, report *merge.Report, porcelain bool) error {
	entities := report.Entities()
	rows := make([][]string, 0, len(entities))
	var total merge.Counts
	for _, entity := range entities {
		c := report.Stats[entity]
		total.Seen += c.Seen
		total.Created += c.Created
		total.Reused += c.Reused
		total.Skipped += c.Skipped
		rows = append(rows, []string{
			string(entity),
			strconv.Itoa(c.Seen),
			strconv.Itoa(c.Created),
			strconv.Itoa(c.Reused),
			strconv.Itoa(c.Skipped),
		})
	}
	rows = append(rows, []string{
		"total",
		strconv.Itoa(total.Seen),
		strconv.Itoa(total.Created),
		strconv.Itoa(total.Reused),
		strconv.Itoa(total.Skipped),
	})

	r := render.NewRenderer(w, render.Options{Porcelain: porcelain})
	if err := r.RenderTable([]string{"ENTITY", "SEEN", "CREATED", "REUSED", "SKIPPED"}, rows); err != nil {
		return err
	}
	if porcelain {
		return nil
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Output:          %s\n", report.Output)
	fmt.Fprintf(w, "Playlists:       %d (%d items, %d media files)\n", report.Playlists, report.PlaylistItems, report.MediaFiles)
	if report.OrphansCleaned > 0 {
		fmt.Fprintf(w, "Orphans cleaned: %d\n", report.OrphansCleaned)
	}
	fmt.Fprintf(w, "Integrity:       %s\n", report.IntegrityCheck)
	if report.ForeignKeyViolations > 0 {
		fmt.Fprintf(w, "⚠ %d foreign key violations\n", report.ForeignKeyViolations)
	}
	for _, warning := range report.Warnings {
		fmt.Fprintf(w, "⚠ %s\n", warning)
	}
	return nil
}
