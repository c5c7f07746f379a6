package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var submitCmd = &cobra.Command{
	Use:   "submit [request]",
	Short: "Enqueue a job for the worker fleet",
	Long: `Record a pending job and send it to the shared queue. Requires
queue.backend=sqs; the local queue lives inside one process, so use
"codeforge run" or "codeforge serve" instead.

Examples:
  codeforge submit --caller team-a "Build a recipe sharing site"`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSubmit,
}

func init() {
	rootCmd.AddCommand(submitCmd)
	submitCmd.Flags().String("caller", "cli", "Caller id used for rate limiting")
	submitCmd.Flags().String("file", "", "Read the request from a file")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	if appConfig.Queue.Backend == "local" {
		return errors.New("submit needs a shared queue (queue.backend=sqs); use run or serve with the local queue")
	}
	caller, _ := cmd.Flags().GetString("caller")
	file, _ := cmd.Flags().GetString("file")
	request, err := readRequest(args, file)
	if err != nil {
		return err
	}

	k, err := openKernel(cmd.Context())
	if err != nil {
		return err
	}
	defer k.Close() //nolint:errcheck // best effort on exit

	s, err := k.Submit(cmd.Context(), caller, request)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), s.JobID)
	return nil
}
