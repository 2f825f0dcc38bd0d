package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/straddle/pkg/engine"
	"github.com/openfroyo/straddle/pkg/stores"
)

func newApplyCommand(opts *globalOptions, p providers) *cobra.Command {
	var parallelism int

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Provision the deployment",
		Long: `Provision every declared resource in dependency order.

Apply:
  - Plans the run and evaluates the policies against it
  - Creates or updates each resource once all of its producers are ready
  - Bootstraps hosts over SSH after their resource is ready
  - Blocks the descendants of a failed node and continues independent branches
  - Records state so that a second apply creates nothing

Exit codes: 0 when every node is ready, 2 when some nodes failed or were
blocked, 3 when the document, graph or policies reject the run.`,
		Example: `  # Apply with the document's concurrency
  straddle apply -f deploy.yaml

  # Apply at most two nodes at a time
  straddle apply --parallelism 2`,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx, s, err := newSession(cmd, opts, p)
			if err != nil {
				return err
			}
			defer func() { s.Close(ctx, err) }()

			if err := s.openStore(ctx); err != nil {
				return err
			}

			plan, err := s.planner().Plan(ctx, s.graph)
			if err != nil {
				return err
			}
			if !opts.jsonOutput {
				if err := printPlan(cmd.OutOrStdout(), plan, false); err != nil {
					return err
				}
			}
			if _, err := s.checkPolicies(ctx, cmd.ErrOrStderr(), "apply", plan); err != nil {
				return err
			}

			started := time.Now()
			result, err := s.executor(parallelism).Execute(ctx, s.graph)
			if err != nil {
				return err
			}
			s.recordRun(context.WithoutCancel(ctx), result.RunID, stores.RunKindApply, result.Status, started, result.Summary, nil)

			if opts.jsonOutput {
				if err := writeJSON(cmd.OutOrStdout(), result); err != nil {
					return err
				}
			} else {
				fmt.Fprint(cmd.OutOrStdout(), renderResult(result))
			}

			return runStatusError("apply", result.Status)
		},
	}

	cmd.Flags().IntVarP(&parallelism, "parallelism", "p", 0, "maximum nodes applied at once (default: document concurrency)")

	return cmd
}

// runStatusError maps the status of a finished run to the command error.
func runStatusError(operation string, status engine.RunStatus) error {
	switch status {
	case engine.RunStatusSucceeded:
		return nil
	case engine.RunStatusPartial:
		return &CodeError{Code: ExitPartial, Err: fmt.Errorf("%s finished with status %s", operation, status)}
	default:
		return &CodeError{Code: ExitRuntime, Err: fmt.Errorf("%s finished with status %s", operation, status)}
	}
}
