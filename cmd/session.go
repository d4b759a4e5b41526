package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/classroll/internal/config"
	"github.com/kozaktomas/classroll/internal/database"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Schedule and list class sessions",
}

var sessionCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Schedule a class session",
	Long: `Schedule a session of a class. The session starts taking attendance
when it is started through the API.

Examples:
  classroll session create --class CS101 --start 2026-10-15T09:00:00Z --duration 90m`,
	RunE: runSessionCreate,
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	RunE:  runSessionList,
}

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionCreateCmd)
	sessionCmd.AddCommand(sessionListCmd)

	sessionCreateCmd.Flags().String("class", "", "Class ID (required)")
	sessionCreateCmd.Flags().String("start", "", "Scheduled start, RFC 3339 or local YYYY-MM-DD HH:MM (required)")
	sessionCreateCmd.Flags().Duration("duration", 50*time.Minute, "Scheduled length")
	sessionCreateCmd.Flags().String("notes", "", "Notes")
	sessionCreateCmd.Flags().String("created-by", "", "Who scheduled the session")
	_ = sessionCreateCmd.MarkFlagRequired("class")
	_ = sessionCreateCmd.MarkFlagRequired("start")

	sessionListCmd.Flags().String("status", "", "Only list sessions in this status")
	sessionListCmd.Flags().Bool("json", false, "Output as JSON")
}

func runSessionCreate(cmd *cobra.Command, args []string) error {
	start, err := parseStart(mustGetString(cmd, "start"), time.Local)
	if err != nil {
		return fmt.Errorf("invalid --start: %w", err)
	}
	duration := mustGetDuration(cmd, "duration")
	if duration <= 0 {
		return fmt.Errorf("--duration must be positive, got %s", duration)
	}

	ctx := context.Background()
	st, err := openStores(ctx, config.Load(), slog.Default())
	if err != nil {
		return err
	}
	defer st.Close()

	s := &database.ClassSession{
		ClassID:        mustGetString(cmd, "class"),
		ScheduledStart: start,
		ScheduledEnd:   start.Add(duration),
		Notes:          mustGetString(cmd, "notes"),
		CreatedBy:      mustGetString(cmd, "created-by"),
	}
	if err := st.sessions.CreateSession(ctx, s); err != nil {
		return err
	}
	fmt.Printf("Scheduled session %d of %s at %s\n", s.ID, s.ClassID, s.ScheduledStart.Format(time.RFC3339))
	return nil
}

func runSessionList(cmd *cobra.Command, args []string) error {
	var statuses []database.SessionStatus
	if s := database.SessionStatus(mustGetString(cmd, "status")); s != "" {
		if !s.Valid() {
			return fmt.Errorf("invalid --status %q", s)
		}
		statuses = append(statuses, s)
	}

	ctx := context.Background()
	st, err := openStores(ctx, config.Load(), slog.Default())
	if err != nil {
		return err
	}
	defer st.Close()

	sessions, err := st.sessions.ListSessions(ctx, statuses...)
	if err != nil {
		return err
	}
	if mustGetBool(cmd, "json") {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(sessions)
	}
	for _, s := range sessions {
		fmt.Printf("%6d  %-12s %-10s %s  %d/%d present\n",
			s.ID, s.ClassID, s.Status, s.ScheduledStart.Format("2006-01-02 15:04"), s.PresentCount, s.ExpectedCount)
	}
	return nil
}
