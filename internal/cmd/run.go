package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"codeforge/internal/kernel"
	"codeforge/pkg/proto"
	"codeforge/pkg/worker"
)

var runCmd = &cobra.Command{
	Use:   "run [request]",
	Short: "Run one job inline and write its artifacts",
	Long: `Run one job in this process, bypassing the queue. The request is taken
from the argument, or from --file. Artifacts are written under
<guardrails.sandbox_root>/<job_id>/.

Examples:
  codeforge run "Build a todo list app with a REST API"
  codeforge run --file request.txt --caller team-a --json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().String("caller", "cli", "Caller id used for rate limiting")
	runCmd.Flags().String("file", "", "Read the request from a file")
	runCmd.Flags().Bool("json", false, "Print the final job state as JSON")
}

// interruptContext is cancelled by SIGINT or SIGTERM.
func interruptContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func openKernel(ctx context.Context) (*kernel.Kernel, error) {
	cfg := appConfig
	return kernel.New(ctx, &cfg)
}

func readRequest(args []string, file string) (string, error) {
	var request string
	switch {
	case file != "":
		b, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("read request: %w", err)
		}
		request = string(b)
	case len(args) == 1:
		request = args[0]
	}
	if strings.TrimSpace(request) == "" {
		return "", errors.New("a request is required, as an argument or with --file")
	}
	return request, nil
}

func runRun(cmd *cobra.Command, args []string) error {
	caller, _ := cmd.Flags().GetString("caller")
	file, _ := cmd.Flags().GetString("file")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	request, err := readRequest(args, file)
	if err != nil {
		return err
	}

	ctx, cancel := interruptContext(cmd.Context())
	defer cancel()

	k, err := openKernel(ctx)
	if err != nil {
		return err
	}
	defer k.Close() //nolint:errcheck // best effort on exit

	res, err := k.RunJob(ctx, caller, request)
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(res.State); err != nil {
			return err
		}
	} else {
		printResult(cmd.OutOrStdout(), res)
	}
	if res.State.Status != proto.StatusCompleted {
		return fmt.Errorf("job %s ended %s", res.State.JobID, res.State.Status)
	}
	return nil
}

func printResult(out io.Writer, res worker.Result) {
	s := res.State
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Job:\t%s\n", s.JobID)
	_, _ = fmt.Fprintf(w, "Status:\t%s\n", s.Status)
	if s.Error != "" {
		_, _ = fmt.Fprintf(w, "Error:\t%s\n", s.Error)
	}
	if s.StopReason != "" {
		_, _ = fmt.Fprintf(w, "Stop reason:\t%s\n", s.StopReason)
	}
	_, _ = fmt.Fprintf(w, "Tokens:\t%d / %d\n", s.TotalTokens, s.TokenBudget)
	_, _ = fmt.Fprintf(w, "Cost:\t$%.4f\n", s.TotalCostUSD)
	_, _ = fmt.Fprintf(w, "Retries:\t%d / %d\n", s.RetryCount, s.MaxRetries)
	if s.ModelUsed != "" {
		_, _ = fmt.Fprintf(w, "Model:\t%s\n", s.ModelUsed)
	}
	switch {
	case res.Withheld:
		_, _ = fmt.Fprintf(w, "Artifacts:\twithheld by review\n")
	case res.Report.Dir != "":
		_, _ = fmt.Fprintf(w, "Artifacts:\t%s (%d files)\n", res.Report.Dir, len(res.Report.Written))
	}
	_ = w.Flush()

	for _, v := range res.Report.Violations {
		_, _ = fmt.Fprintf(out, "  rejected %s: %v\n", v.Path, v.Err)
	}
	for _, warning := range s.SecurityWarnings {
		_, _ = fmt.Fprintf(out, "  warning: %s\n", warning)
	}
}
