package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/kozaktomas/classroll/internal/config"
	"github.com/kozaktomas/classroll/internal/database"
	"github.com/kozaktomas/classroll/internal/roster"
)

var rosterCmd = &cobra.Command{
	Use:   "roster",
	Short: "Inspect and import class rosters",
}

var rosterShowCmd = &cobra.Command{
	Use:   "show CLASS_ID...",
	Short: "Show the enrolled students and templates of classes",
	Long: `Load the roster of each class from the configured template source and
print its size, version and whether the candidate index would be built.

Examples:
  classroll roster show CS101 CS102
  classroll roster show CS101 --json`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRosterShow,
}

var rosterImportCmd = &cobra.Command{
	Use:   "import CLASS_ID...",
	Short: "Import face encodings from the legacy enrollment registry",
	Long: `Copy the students, enrollments and face encodings of classes from the
legacy MariaDB registry (ENROLLMENT_DATABASE_URL) into the PostgreSQL
template tables. Importing the same encoding twice is a no-op.

Examples:
  classroll roster import CS101 CS102

  # Drop existing local templates of imported students first
  classroll roster import CS101 --replace`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRosterImport,
}

func init() {
	rootCmd.AddCommand(rosterCmd)
	rosterCmd.AddCommand(rosterShowCmd)
	rosterCmd.AddCommand(rosterImportCmd)

	rosterShowCmd.Flags().Bool("json", false, "Output as JSON")
	rosterImportCmd.Flags().Bool("replace", false, "Delete local templates of imported students before saving")
	rosterImportCmd.Flags().Bool("json", false, "Output as JSON instead of progress bar")
}

// RosterSummary describes one loaded class roster
type RosterSummary struct {
	ClassID   string `json:"class_id"`
	Version   string `json:"version"`
	Enrolled  int    `json:"enrolled"`
	Students  int    `json:"students"`
	Templates int    `json:"templates"`
	Indexed   bool   `json:"indexed"`
}

func runRosterShow(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	cfg := config.Load()
	st, err := openStores(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer st.Close()

	summaries := make([]RosterSummary, 0, len(args))
	for _, classID := range args {
		sum, err := summarizeRoster(ctx, st.templates, classID, cfg.Pipeline.RosterIndexThreshold)
		if err != nil {
			return err
		}
		summaries = append(summaries, sum)
	}

	if mustGetBool(cmd, "json") {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(summaries)
	}
	for _, s := range summaries {
		fmt.Printf("%s\n", s.ClassID)
		fmt.Printf("  Version:   %s\n", s.Version)
		fmt.Printf("  Enrolled:  %d\n", s.Enrolled)
		fmt.Printf("  Students:  %d with templates\n", s.Students)
		fmt.Printf("  Templates: %d (indexed: %t)\n", s.Templates, s.Indexed)
	}
	return nil
}

func summarizeRoster(ctx context.Context, store database.TemplateReader, classID string, indexThreshold int) (RosterSummary, error) {
	version, err := store.ClassVersion(ctx, classID)
	if err != nil {
		return RosterSummary{}, fmt.Errorf("roster version of %s: %w", classID, err)
	}
	templates, err := store.LoadTemplatesForClass(ctx, classID)
	if err != nil {
		return RosterSummary{}, fmt.Errorf("load roster of %s: %w", classID, err)
	}
	enrolled, err := store.EnrollmentCount(ctx, classID)
	if err != nil {
		return RosterSummary{}, fmt.Errorf("count enrollments of %s: %w", classID, err)
	}
	r := roster.New(classID, version, templates, indexThreshold)
	return RosterSummary{
		ClassID:   classID,
		Version:   version,
		Enrolled:  enrolled,
		Students:  r.Students(),
		Templates: r.Templates(),
		Indexed:   r.Indexed(),
	}, nil
}

// ImportResult represents the result of a roster import
type ImportResult struct {
	Success       bool   `json:"success"`
	Classes       int    `json:"classes"`
	Students      int    `json:"students"`
	Templates     int    `json:"templates"`
	Replaced      int    `json:"replaced"`
	Errors        int    `json:"errors"`
	DurationMs    int64  `json:"duration_ms"`
	DurationHuman string `json:"duration_human,omitempty"`
}

func runRosterImport(cmd *cobra.Command, args []string) error {
	replace := mustGetBool(cmd, "replace")
	jsonOutput := mustGetBool(cmd, "json")

	ctx := context.Background()
	cfg := config.Load()
	if cfg.Enrollment.DatabaseURL == "" {
		return errors.New("ENROLLMENT_DATABASE_URL environment variable is required")
	}
	startTime := time.Now()

	st, err := openStores(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer st.Close()

	// Read every class first so the bar knows the total
	byClass := make(map[string][]database.StudentTemplate, len(args))
	total := 0
	for _, classID := range args {
		templates, err := st.legacy.LoadTemplatesForClass(ctx, classID)
		if err != nil {
			return fmt.Errorf("read legacy roster of %s: %w", classID, err)
		}
		byClass[classID] = templates
		total += len(templates)
	}

	var bar *progressbar.ProgressBar
	if !jsonOutput {
		fmt.Printf("Importing %d encodings of %d classes\n\n", total, len(args))
		bar = progressbar.NewOptions(total,
			progressbar.OptionSetDescription("Importing templates"),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("templates"),
			progressbar.OptionShowElapsedTimeOnFinish(),
			progressbar.OptionSetPredictTime(true),
			progressbar.OptionFullWidth(),
		)
	}

	result := ImportResult{Classes: len(args)}
	seen := make(map[string]bool)
	for _, classID := range args {
		var students []string
		for i := range byClass[classID] {
			t := &byClass[classID][i]
			if !seen[t.StudentID] {
				seen[t.StudentID] = true
				if err := importStudent(ctx, st, t.StudentID, replace, &result); err != nil {
					slog.Warn("student not imported", "student_id", t.StudentID, "error", err)
					result.Errors++
					if bar != nil {
						_ = bar.Add(1)
					}
					continue
				}
			}
			students = append(students, t.StudentID)

			t.ID = 0
			if err := st.local.SaveTemplate(ctx, t); err != nil {
				slog.Warn("template not imported", "student_id", t.StudentID, "error", err)
				result.Errors++
			} else {
				result.Templates++
			}
			if bar != nil {
				_ = bar.Add(1)
			}
		}
		if err := st.local.Enroll(ctx, classID, students...); err != nil {
			return fmt.Errorf("enroll students in %s: %w", classID, err)
		}
	}

	if bar != nil {
		_ = bar.Finish()
		fmt.Println()
	}

	elapsed := time.Since(startTime)
	result.Success = result.Errors == 0
	result.DurationMs = elapsed.Milliseconds()

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}
	fmt.Printf("Imported %d templates of %d students (%d replaced, %d errors) in %s\n",
		result.Templates, result.Students, result.Replaced, result.Errors, elapsed.Round(time.Millisecond))
	return nil
}

// importStudent creates the student locally and optionally drops its old templates.
func importStudent(ctx context.Context, st *stores, studentID string, replace bool, result *ImportResult) error {
	if err := st.local.SaveStudent(ctx, studentID, "", true); err != nil {
		return err
	}
	result.Students++
	if replace {
		n, err := st.local.DeleteTemplates(ctx, studentID)
		if err != nil {
			return err
		}
		result.Replaced += n
	}
	return nil
}
