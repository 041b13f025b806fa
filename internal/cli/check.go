package cli

import (
	"fmt"
	"io"

	"github.com/lherron/jwlmerge/internal/db"
	"github.com/lherron/jwlmerge/internal/merge"
	"github.com/lherron/jwlmerge/internal/render"
	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:   "check <db>",
	Short: "Check a userData.db for problems",
	Long: `Runs health checks against a userData.db, typically a merge output:
required tables, SQLite integrity, foreign keys, leftover merge tables,
tag maps without exactly one target, and duplicate bookmark slots.

The database is opened read-only. The command fails when any check
reports an error.`,
	Args: cobra.ExactArgs(1),
	RunE: runCheck,
}

var (
	checkFormat  string
	checkJSON    bool
	checkVerbose bool
)

type checkResult struct {
	Name    string   `json:"name" yaml:"name"`
	Status  string   `json:"status" yaml:"status"` // "ok", "warning", "error"
	Message string   `json:"message,omitempty" yaml:"message,omitempty"`
	Details []string `json:"details,omitempty" yaml:"details,omitempty"`
}

type checkReport struct {
	DBPath        string        `json:"db_path" yaml:"db_path"`
	Checks        []checkResult `json:"checks" yaml:"checks"`
	Warnings      int           `json:"warnings" yaml:"warnings"`
	Errors        int           `json:"errors" yaml:"errors"`
	OverallStatus string        `json:"overall_status" yaml:"overall_status"`
}

// maxDetails caps the detail lines a single check carries.
const maxDetails = 20

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().StringVar(&checkFormat, "format", "table", "Output format: table, json or yaml")
	checkCmd.Flags().BoolVar(&checkJSON, "json", false, "Output JSON (same as --format json)")
	checkCmd.Flags().BoolVar(&checkVerbose, "verbose", false, "Show details for each check")
}

func runCheck(cmd *cobra.Command, args []string) error {
	format, err := outputFormat(checkFormat, checkJSON)
	if err != nil {
		return err
	}

	report := &checkReport{
		DBPath:        args[0],
		Checks:        []checkResult{},
		OverallStatus: "ok",
	}

	database, err := db.OpenReadOnly(args[0])
	if err != nil {
		report.Checks = append(report.Checks, checkResult{
			Name:    "database_open",
			Status:  "error",
			Message: fmt.Sprintf("Failed to open database: %v", err),
		})
	} else {
		defer database.Close()
		report.Checks = append(report.Checks, runChecks(database)...)
	}

	for _, check := range report.Checks {
		if check.Status == "warning" {
			report.Warnings++
		} else if check.Status == "error" {
			report.Errors++
			report.OverallStatus = "error"
		}
	}
	if report.Warnings > 0 && report.OverallStatus == "ok" {
		report.OverallStatus = "warning"
	}

	if format != render.FormatTable {
		if err := render.NewRenderer(cmd.OutOrStdout(), render.Options{Format: format}).Render(report); err != nil {
			return err
		}
	} else {
		printCheckReport(cmd.OutOrStdout(), report, checkVerbose)
	}

	if report.Errors > 0 {
		return fmt.Errorf("%d check(s) failed", report.Errors)
	}
	return nil
}

func runChecks(database db.Executor) []checkResult {
	var results []checkResult
	results = append(results, checkRequiredTables(database))
	results = append(results, checkIntegrity(database))
	results = append(results, checkForeignKeys(database))
	results = append(results, checkMappingTables(database))
	results = append(results, checkTagMapTargets(database))
	results = append(results, checkBookmarkSlots(database))
	return results
}

func checkRequiredTables(database db.Executor) checkResult {
	missing, err := db.MissingTables(database, merge.RequiredTables)
	if err != nil {
		return checkResult{Name: "required_tables", Status: "error", Message: err.Error()}
	}
	if len(missing) > 0 {
		return checkResult{
			Name:    "required_tables",
			Status:  "error",
			Message: fmt.Sprintf("%d required table(s) missing", len(missing)),
			Details: missing,
		}
	}
	return checkResult{
		Name:    "required_tables",
		Status:  "ok",
		Message: fmt.Sprintf("All %d required tables present", len(merge.RequiredTables)),
	}
}

func checkIntegrity(database db.Executor) checkResult {
	result, err := db.IntegrityCheck(database)
	if err != nil {
		return checkResult{Name: "integrity_check", Status: "error", Message: err.Error()}
	}
	if result != "ok" {
		return checkResult{
			Name:    "integrity_check",
			Status:  "error",
			Message: "Integrity check failed",
			Details: []string{result},
		}
	}
	return checkResult{Name: "integrity_check", Status: "ok", Message: "Integrity check passed"}
}

func checkForeignKeys(database db.Executor) checkResult {
	violations, err := db.ForeignKeyCheck(database)
	if err != nil {
		return checkResult{Name: "foreign_keys", Status: "error", Message: err.Error()}
	}
	if len(violations) == 0 {
		return checkResult{Name: "foreign_keys", Status: "ok", Message: "No foreign key violations"}
	}
	var details []string
	for i, v := range violations {
		if i == maxDetails {
			details = append(details, fmt.Sprintf("... and %d more", len(violations)-maxDetails))
			break
		}
		details = append(details, v.String())
	}
	return checkResult{
		Name:    "foreign_keys",
		Status:  "warning",
		Message: fmt.Sprintf("%d foreign key violation(s)", len(violations)),
		Details: details,
	}
}

func checkMappingTables(database db.Executor) checkResult {
	tables, err := db.TablesWithPrefix(database, "MergeMapping_")
	if err != nil {
		return checkResult{Name: "mapping_tables", Status: "error", Message: err.Error()}
	}
	if len(tables) > 0 {
		return checkResult{
			Name:    "mapping_tables",
			Status:  "error",
			Message: fmt.Sprintf("%d leftover merge mapping table(s)", len(tables)),
			Details: tables,
		}
	}
	return checkResult{Name: "mapping_tables", Status: "ok", Message: "No leftover merge tables"}
}

func checkTagMapTargets(database db.Executor) checkResult {
	exists, err := db.HasTable(database, "TagMap")
	if err != nil {
		return checkResult{Name: "tagmap_targets", Status: "error", Message: err.Error()}
	}
	if !exists {
		return checkResult{Name: "tagmap_targets", Status: "ok", Message: "No TagMap table"}
	}

	rows, err := db.ReadRows(database, `
		SELECT TagMapId FROM TagMap
		WHERE (PlaylistItemId IS NOT NULL) + (LocationId IS NOT NULL) + (NoteId IS NOT NULL) != 1
		ORDER BY TagMapId
	`)
	if err != nil {
		return checkResult{Name: "tagmap_targets", Status: "error", Message: err.Error()}
	}
	if len(rows) == 0 {
		return checkResult{Name: "tagmap_targets", Status: "ok", Message: "Every tag map has exactly one target"}
	}
	var details []string
	for i, row := range rows {
		if i == maxDetails {
			details = append(details, fmt.Sprintf("... and %d more", len(rows)-maxDetails))
			break
		}
		details = append(details, fmt.Sprintf("TagMapId %v", row[0]))
	}
	return checkResult{
		Name:    "tagmap_targets",
		Status:  "error",
		Message: fmt.Sprintf("%d tag map(s) without exactly one target", len(rows)),
		Details: details,
	}
}

func checkBookmarkSlots(database db.Executor) checkResult {
	rows, err := db.ReadRows(database, `
		SELECT PublicationLocationId, Slot, COUNT(*) FROM Bookmark
		GROUP BY PublicationLocationId, Slot
		HAVING COUNT(*) > 1
		ORDER BY PublicationLocationId, Slot
	`)
	if err != nil {
		return checkResult{Name: "bookmark_slots", Status: "error", Message: err.Error()}
	}
	if len(rows) == 0 {
		return checkResult{Name: "bookmark_slots", Status: "ok", Message: "No duplicate bookmark slots"}
	}
	var details []string
	for _, row := range rows {
		details = append(details, fmt.Sprintf("publication %v slot %v: %v bookmarks", row[0], row[1], row[2]))
	}
	return checkResult{
		Name:    "bookmark_slots",
		Status:  "error",
		Message: fmt.Sprintf("%d bookmark slot(s) used more than once", len(rows)),
		Details: details,
	}
}

func printCheckReport(w io.Writer, report *checkReport, verbose bool) {
	fmt.Fprintf(w, "Database: %s\n\n", report.DBPath)

	for _, check := range report.Checks {
		icon := "✓"
		if check.Status == "warning" {
			icon = "⚠"
		} else if check.Status == "error" {
			icon = "✗"
		}
		fmt.Fprintf(w, "  %s %s\n", icon, check.Message)
		if verbose || check.Status == "error" {
			for _, detail := range check.Details {
				fmt.Fprintf(w, "      %s\n", detail)
			}
		}
	}
	fmt.Fprintln(w)

	if report.Errors > 0 {
		fmt.Fprintf(w, "Summary: %d error(s), %d warning(s)\n", report.Errors, report.Warnings)
	} else if report.Warnings > 0 {
		fmt.Fprintf(w, "Summary: %d warning(s)\n", report.Warnings)
	} else {
		fmt.Fprintf(w, "Summary: All checks passed ✓\n")
	}
}
