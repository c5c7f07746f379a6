package cmd

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"codeforge/pkg/metrics"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize token usage and cost from Prometheus",
	Long: `Query metrics.prometheus_url for token and cost totals grouped by step
or by model, plus job counts by final status.

Examples:
  codeforge stats
  codeforge stats --by model`,
	Args: cobra.NoArgs,
	RunE: runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)
	statsCmd.Flags().String("by", "step", "Group usage by step or model")
	statsCmd.Flags().Bool("json", false, "Output as JSON")
}

type statsOutput struct {
	Usage []metrics.Usage  `json:"usage"`
	Jobs  map[string]int64 `json:"jobs"`
}

func runStats(cmd *cobra.Command, _ []string) error {
	by, _ := cmd.Flags().GetString("by")
	jsonOutput, _ := cmd.Flags().GetBool("json")
	if by != "step" && by != "model" {
		return fmt.Errorf("--by must be step or model, got %q", by)
	}

	qs, err := metrics.NewQueryService(appConfig.Metrics.PrometheusURL, appConfig.Metrics.Namespace)
	if err != nil {
		return err
	}
	usage, err := qs.UsageBy(cmd.Context(), by)
	if err != nil {
		return err
	}
	jobs, err := qs.JobsByStatus(cmd.Context())
	if err != nil {
		return err
	}

	if jsonOutput {
		return writeJSON(cmd.OutOrStdout(), statsOutput{Usage: usage, Jobs: jobs})
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "%s\tPROMPT\tCOMPLETION\tTOTAL\tCOST\n", strings.ToUpper(by))
	for _, u := range usage {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%d\t$%.4f\n", u.Label, u.PromptTokens, u.CompletionTokens, u.TotalTokens, u.TotalCost)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	statuses := make([]string, 0, len(jobs))
	for s := range jobs {
		statuses = append(statuses, s)
	}
	sort.Strings(statuses)
	_, _ = fmt.Fprintln(cmd.OutOrStdout())
	for _, s := range statuses {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%-16s %d\n", s, jobs[s])
	}
	return nil
}
