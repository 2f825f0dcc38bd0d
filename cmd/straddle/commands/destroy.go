package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/straddle/pkg/stores"
)

func newDestroyCommand(opts *globalOptions, p providers) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "destroy",
		Short: "Tear the deployment down",
		Long: `Remove every recorded resource of the deployment in reverse dependency order.

Teardown is best-effort: a resource that cannot be removed does not stop
unrelated ones, but the resources it depends on are retained. Recorded
resources that are no longer declared are removed first.`,
		Example: `  # Destroy the deployment
  straddle destroy -f deploy.yaml`,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx, s, err := newSession(cmd, opts, p)
			if err != nil {
				return err
			}
			defer func() { s.Close(ctx, err) }()

			if _, err := s.checkPolicies(ctx, cmd.ErrOrStderr(), "destroy", nil); err != nil {
				return err
			}
			if err := s.openStore(ctx); err != nil {
				return err
			}

			started := time.Now()
			result, err := s.executor(0).Destroy(ctx, s.graph)
			if err != nil {
				return err
			}
			s.recordRun(context.WithoutCancel(ctx), result.RunID, stores.RunKindDestroy, result.Status, started, result.Nodes, result.Err)

			if opts.jsonOutput {
				if err := writeJSON(cmd.OutOrStdout(), result); err != nil {
					return err
				}
			} else {
				fmt.Fprint(cmd.OutOrStdout(), renderDestroy(s.document.Deployment, result))
			}

			return runStatusError("destroy", result.Status)
		},
	}

	return cmd
}
