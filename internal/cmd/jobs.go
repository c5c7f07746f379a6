package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"codeforge/pkg/eventlog"
	"codeforge/pkg/guardrails"
	"codeforge/pkg/persistence"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect persisted jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent jobs, newest first",
	Long: `List recent jobs from storage.db_path.

Examples:
  codeforge jobs list
  codeforge jobs list --caller team-a --limit 50 --json`,
	Args: cobra.NoArgs,
	RunE: runJobsList,
}

var jobsGetCmd = &cobra.Command{
	Use:   "get <job-id>",
	Short: "Show one job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsGet,
}

var jobsEventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show the job outcome journal",
	Long: `Show finished jobs from the journal in storage.event_log_dir.

Examples:
  codeforge jobs events
  codeforge jobs events --date 2026-03-01 --json`,
	Args: cobra.NoArgs,
	RunE: runJobsEvents,
}

var jobsReviewsCmd = &cobra.Command{
	Use:   "reviews",
	Short: "List jobs waiting for review in guardrails.review_dir",
	Args:  cobra.NoArgs,
	RunE:  runJobsReviews,
}

var jobsApproveCmd = &cobra.Command{
	Use:   "approve <job-id>",
	Short: "Release a flagged job's artifacts",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return decideReview(cmd, args[0], true) },
}

var jobsDenyCmd = &cobra.Command{
	Use:   "deny <job-id>",
	Short: "Withhold a flagged job's artifacts",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return decideReview(cmd, args[0], false) },
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd, jobsGetCmd, jobsEventsCmd, jobsReviewsCmd, jobsApproveCmd, jobsDenyCmd)
	jobsListCmd.Flags().String("caller", "", "Only jobs from this caller")
	jobsListCmd.Flags().Int("limit", persistence.DefaultListLimit, "Maximum jobs to show")
	jobsListCmd.Flags().Bool("json", false, "Output as JSON")
	jobsGetCmd.Flags().Bool("json", false, "Output as JSON")
	jobsEventsCmd.Flags().String("date", "", "Only this UTC day (YYYY-MM-DD)")
	jobsEventsCmd.Flags().Bool("json", false, "Output as JSON")
}

func openStore() (*persistence.Store, error) {
	return persistence.Open(appConfig.Storage.DBPath)
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	caller, _ := cmd.Flags().GetString("caller")
	limit, _ := cmd.Flags().GetInt("limit")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	store, err := openStore()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	jobs, err := store.List(cmd.Context(), caller, limit)
	if err != nil {
		return err
	}
	if jsonOutput {
		return writeJSON(cmd.OutOrStdout(), jobs)
	}
	if len(jobs) == 0 {
		_, _ = fmt.Fprintln(cmd.ErrOrStderr(), "No jobs found")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tCALLER\tSTATUS\tTOKENS\tCOST\tRETRIES\tCREATED")
	for _, j := range jobs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t$%.4f\t%d\t%s\n",
			j.ID, j.CallerID, j.Status, j.TotalTokens, j.CostUSD, j.RetryCount, j.CreatedAt.Local().Format(time.DateTime))
	}
	return w.Flush()
}

func runJobsGet(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	store, err := openStore()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	job, err := store.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if jsonOutput {
		return writeJSON(cmd.OutOrStdout(), job)
	}
	printJob(cmd.OutOrStdout(), job)
	return nil
}

func runJobsEvents(cmd *cobra.Command, _ []string) error {
	date, _ := cmd.Flags().GetString("date")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	dir := appConfig.Storage.EventLogDir
	if dir == "" {
		return errors.New("no event journal configured; set storage.event_log_dir")
	}
	var files []string
	if date != "" {
		if _, err := time.Parse(time.DateOnly, date); err != nil {
			return fmt.Errorf("invalid --date %q: %w", date, err)
		}
		files = []string{filepath.Join(dir, "events-"+date+".jsonl")}
	} else {
		var err error
		if files, err = eventlog.ListFiles(dir); err != nil {
			return err
		}
	}

	events := []eventlog.Event{}
	for _, f := range files {
		evs, err := eventlog.ReadEvents(f)
		if err != nil {
			return err
		}
		events = append(events, evs...)
	}
	if jsonOutput {
		return writeJSON(cmd.OutOrStdout(), events)
	}
	if len(events) == 0 {
		_, _ = fmt.Fprintln(cmd.ErrOrStderr(), "No events found")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TIME\tJOB\tCALLER\tSTATUS\tTOKENS\tCOST\tFILES\tWARNINGS")
	for _, ev := range events {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t$%.4f\t%d\t%d\n",
			ev.Time.Local().Format(time.DateTime), ev.JobID, ev.CallerID, ev.Status,
			ev.TotalTokens, ev.TotalCostUSD, ev.FilesWritten, ev.Warnings)
	}
	return w.Flush()
}

func reviewDir() (string, error) {
	dir := appConfig.Guardrails.ReviewDir
	if dir == "" {
		return "", errors.New("no review directory configured; set guardrails.review_dir")
	}
	return dir, nil
}

func runJobsReviews(cmd *cobra.Command, _ []string) error {
	dir, err := reviewDir()
	if err != nil {
		return err
	}
	ids, err := guardrails.PendingReviews(dir)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		_, _ = fmt.Fprintln(cmd.ErrOrStderr(), "No jobs awaiting review")
		return nil
	}
	for _, id := range ids {
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), id)
	}
	return nil
}

func decideReview(cmd *cobra.Command, jobID string, approve bool) error {
	dir, err := reviewDir()
	if err != nil {
		return err
	}
	if err := guardrails.Decide(dir, jobID, approve); err != nil {
		return err
	}
	verb := "denied"
	if approve {
		verb = "approved"
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Job %s %s\n", jobID, verb)
	return nil
}

func printJob(out io.Writer, j persistence.Job) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "ID:\t%s\n", j.ID)
	_, _ = fmt.Fprintf(w, "Caller:\t%s\n", j.CallerID)
	_, _ = fmt.Fprintf(w, "Status:\t%s\n", j.Status)
	if j.Error != "" {
		_, _ = fmt.Fprintf(w, "Error:\t%s\n", j.Error)
	}
	if j.StopReason != "" {
		_, _ = fmt.Fprintf(w, "Stop reason:\t%s\n", j.StopReason)
	}
	_, _ = fmt.Fprintf(w, "Validation passed:\t%t\n", j.ValidationPassed)
	_, _ = fmt.Fprintf(w, "Tokens:\t%d\n", j.TotalTokens)
	_, _ = fmt.Fprintf(w, "Cost:\t$%.4f\n", j.CostUSD)
	_, _ = fmt.Fprintf(w, "Retries:\t%d\n", j.RetryCount)
	if j.ModelUsed != "" {
		_, _ = fmt.Fprintf(w, "Model:\t%s\n", j.ModelUsed)
	}
	_, _ = fmt.Fprintf(w, "Created:\t%s\n", j.CreatedAt.Local().Format(time.DateTime))
	if j.CompletedAt != nil {
		_, _ = fmt.Fprintf(w, "Completed:\t%s\n", j.CompletedAt.Local().Format(time.DateTime))
	}
	_ = w.Flush()

	for step, tokens := range j.TokensByStep {
		_, _ = fmt.Fprintf(out, "  %-12s %7d tokens  $%.4f\n", step, tokens, j.CostByStep[step])
	}
	for _, warning := range j.SecurityWarnings {
		_, _ = fmt.Fprintf(out, "  warning: %s\n", warning)
	}
	_, _ = fmt.Fprintf(out, "\nRequest:\n%s\n", j.Request)
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
