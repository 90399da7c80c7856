package cmd

import (
	"github.com/spf13/cobra"
)

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Runs the fetch workers against the work queue",
		Long: `Starts worker.concurrency consumers on the configured work queue. Each one
fetches, fingerprints, dedupes and dispatches one request at a time until the
process is interrupted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			instance, cleanup, err := buildApp(cmd.Context(), rt)
			if err != nil {
				return err
			}
			defer cleanup()
			instance.RunWorkers(cmd.Context())
			return nil
		},
	}
}
