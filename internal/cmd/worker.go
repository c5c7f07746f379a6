package cmd

import (
	"context"
	"net/http"

	"github.com/spf13/cobra"

	"codeforge/internal/kernel"
	"codeforge/pkg/config"
	"codeforge/pkg/webui"
	"codeforge/pkg/worker"
)

// EnvAPIPassword enables basic auth on the job API.
const EnvAPIPassword = "CODEFORGE_API_PASSWORD"

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Process queued jobs until interrupted",
	Long: `Run queue.concurrency workers against the configured queue. The first
SIGINT or SIGTERM stops polling and lets in-flight jobs finish; a second one
aborts them, leaving their messages to be redelivered.

When metrics are enabled, /metrics and /healthz are served on
metrics.listen_addr.`,
	Args: cobra.NoArgs,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, _ []string) error {
	k, err := openKernel(cmd.Context())
	if err != nil {
		return err
	}
	defer k.Close() //nolint:errcheck // best effort on exit

	k.WatchPrompts()
	if k.Metrics != nil {
		srv := newServer(k)
		if err := srv.StartServer(k.Context(), k.Config.Metrics.ListenAddr); err != nil {
			return err
		}
	}
	return runPool(cmd.Context(), k, k.NewPool())
}

// runPool runs pool until the first signal asks it to stop or the second
// cancels in-flight work.
func runPool(parent context.Context, k *kernel.Kernel, pool *worker.Pool) error {
	hard, cancelHard := context.WithCancel(parent)
	defer cancelHard()

	soft, cancelSoft := interruptContext(parent)
	defer cancelSoft()

	go func() {
		<-soft.Done()
		if parent.Err() != nil {
			return
		}
		k.Logger.Info("stopping: finishing in-flight jobs (interrupt again to abort)")
		pool.Stop()
		again, stop := interruptContext(parent)
		defer stop()
		select {
		case <-again.Done():
			k.Logger.Warn("aborting in-flight jobs")
			cancelHard()
		case <-hard.Done():
		}
	}()
	return pool.Run(hard)
}

func newServer(k *kernel.Kernel) *webui.Server {
	var metrics http.Handler
	if k.Metrics != nil {
		metrics = k.Metrics.Handler()
	}
	srv := webui.NewServer(k, k.Store, k.Limiter, metrics)
	if password, err := config.GetSecret(EnvAPIPassword); err == nil {
		srv.SetPassword(password)
	} else {
		k.Logger.Warn("%s not set; the job API is unauthenticated", EnvAPIPassword)
	}
	return srv
}
