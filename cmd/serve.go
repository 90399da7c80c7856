package cmd

import (
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the HTTP front door",
		Long: `Serves /v1/scans, /v1/scans/status and /v1/verdicts plus health and metrics
endpoints. With the in-memory queue the workers run in the same process.`,
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
			return instance.Serve(cmd.Context())
		},
	}
}
