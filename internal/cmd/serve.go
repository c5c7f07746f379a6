package cmd

import (
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the job API with an in-process worker pool",
	Long: `Serve the HTTP job API:

  POST /api/jobs            {"caller_id": "...", "request": "..."}
  GET  /api/jobs            ?caller_id=&limit=
  GET  /api/jobs/{id}
  GET  /api/limits/{caller}
  GET  /healthz
  GET  /metrics

Set CODEFORGE_API_PASSWORD to require basic auth (user "codeforge") on /api.
Submitted jobs are processed by workers in this process unless --workers=false.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", "", "Listen address (default metrics.listen_addr)")
	serveCmd.Flags().Bool("workers", true, "Run a worker pool in this process")
}

func runServe(cmd *cobra.Command, _ []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	withWorkers, _ := cmd.Flags().GetBool("workers")

	k, err := openKernel(cmd.Context())
	if err != nil {
		return err
	}
	defer k.Close() //nolint:errcheck // best effort on exit

	if addr == "" {
		addr = k.Config.Metrics.ListenAddr
	}
	k.WatchPrompts()
	if err := newServer(k).StartServer(k.Context(), addr); err != nil {
		return err
	}

	if withWorkers {
		return runPool(cmd.Context(), k, k.NewPool())
	}
	ctx, cancel := interruptContext(cmd.Context())
	defer cancel()
	<-ctx.Done()
	return nil
}
