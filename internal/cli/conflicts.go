package cli

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/lherron/jwlmerge/internal/conflicts"
	"github.com/lherron/jwlmerge/internal/db"
	"github.com/lherron/jwlmerge/internal/render"
	"github.com/spf13/cobra"
)

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "List rows the two sources disagree on",
	Long: `Compares source A and source B without writing anything and lists:
  - notes sharing a GUID with different title or content (with a diff)
  - highlights sharing a GUID with a different color, style or location
  - bookmarks filling the same publication slot with different content

--emit-choices writes a choices file that keeps both sides of every
conflict; edit it and pass it to "jwlmerge merge --choices".`,
	Args: cobra.NoArgs,
	RunE: runConflicts,
}

var (
	conflictsSourceA     string
	conflictsSourceB     string
	conflictsFormat      string
	conflictsJSON        bool
	conflictsEmitChoices string
)

func init() {
	rootCmd.AddCommand(conflictsCmd)
	conflictsCmd.Flags().StringVar(&conflictsSourceA, "a", "", "Path to source A userData.db (required)")
	conflictsCmd.Flags().StringVar(&conflictsSourceB, "b", "", "Path to source B userData.db (required)")
	conflictsCmd.Flags().StringVar(&conflictsFormat, "format", "table", "Output format: table, json or yaml")
	conflictsCmd.Flags().BoolVar(&conflictsJSON, "json", false, "Output JSON (same as --format json)")
	conflictsCmd.Flags().StringVar(&conflictsEmitChoices, "emit-choices", "", "Write a choices skeleton to this file")
}

func runConflicts(cmd *cobra.Command, args []string) error {
	if conflictsSourceA == "" || conflictsSourceB == "" {
		return fmt.Errorf("--a and --b are required")
	}
	format, err := outputFormat(conflictsFormat, conflictsJSON)
	if err != nil {
		return err
	}

	sourceA, err := db.OpenReadOnly(conflictsSourceA)
	if err != nil {
		return err
	}
	defer sourceA.Close()
	sourceB, err := db.OpenReadOnly(conflictsSourceB)
	if err != nil {
		return err
	}
	defer sourceB.Close()

	report, err := conflicts.Scan(sourceA, sourceB)
	if err != nil {
		return err
	}

	if conflictsEmitChoices != "" {
		if err := render.WriteFile(conflictsEmitChoices, report.Skeleton()); err != nil {
			return err
		}
	}

	if format != render.FormatTable {
		return render.NewRenderer(cmd.OutOrStdout(), render.Options{Format: format}).Render(report)
	}
	return printConflicts(cmd.OutOrStdout(), report)
}

func printConflicts(w io.Writer, report *conflicts.Report) error {
	if report.Total() == 0 {
		fmt.Fprintln(w, "✓ No conflicts")
		return nil
	}
	r := render.NewRenderer(w, render.Options{})

	if len(report.Notes) > 0 {
		fmt.Fprintf(w, "Notes (%d):\n", len(report.Notes))
		for _, n := range report.Notes {
			fmt.Fprintf(w, "\n%s (A:%d, B:%d)\n", n.GUID, n.NoteIDA, n.NoteIDB)
			for _, line := range strings.Split(strings.TrimRight(n.Diff, "\n"), "\n") {
				fmt.Fprintf(w, "  %s\n", line)
			}
		}
		fmt.Fprintln(w)
	}

	if len(report.UserMarks) > 0 {
		fmt.Fprintf(w, "Highlights (%d):\n", len(report.UserMarks))
		rows := make([][]string, 0, len(report.UserMarks))
		for _, m := range report.UserMarks {
			rows = append(rows, []string{
				m.GUID,
				strconv.FormatInt(m.IDA, 10),
				strconv.FormatInt(m.IDB, 10),
				fmt.Sprintf("%d/%d", m.ColorA, m.StyleA),
				fmt.Sprintf("%d/%d", m.ColorB, m.StyleB),
			})
		}
		if err := r.RenderTable([]string{"GUID", "ID A", "ID B", "COLOR/STYLE A", "COLOR/STYLE B"}, rows); err != nil {
			return err
		}
		fmt.Fprintln(w)
	}

	if len(report.Bookmarks) > 0 {
		fmt.Fprintf(w, "Bookmarks (%d):\n", len(report.Bookmarks))
		rows := make([][]string, 0, len(report.Bookmarks))
		for _, b := range report.Bookmarks {
			rows = append(rows, []string{
				b.Publication,
				strconv.FormatInt(b.Slot, 10),
				b.TitleA,
				b.TitleB,
			})
		}
		if err := r.RenderTable([]string{"PUBLICATION", "SLOT", "TITLE A", "TITLE B"}, rows); err != nil {
			return err
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Summary: %d conflicts\n", report.Total())
	return nil
}
