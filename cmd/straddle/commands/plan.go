package commands

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/openfroyo/straddle/pkg/config"
	"github.com/openfroyo/straddle/pkg/engine"
)

func newPlanCommand(opts *globalOptions, p providers) *cobra.Command {
	var (
		dotFile string
		watch   bool
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show what apply would change",
		Long: `Show what apply would do to every declared resource, without changing anything.

The plan:
  - Reads the recorded state of every node
  - Asks each environment whether the recorded resource still exists
  - Compares the declared inputs with the inputs of the last apply
  - Lists recorded resources that are no longer declared
  - Evaluates the policies against the planned actions`,
		Example: `  # Show the plan
  straddle plan -f deploy.yaml

  # Write the graph coloured by action
  straddle plan --dot plan.dot

  # Re-plan every time the document is saved
  straddle plan --watch`,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx, s, err := newSession(cmd, opts, p)
			if err != nil {
				return err
			}
			defer func() { s.Close(ctx, err) }()

			if err := s.openStore(ctx); err != nil {
				return err
			}

			if err := runPlan(ctx, cmd, s, dotFile); err != nil {
				if !watch {
					return err
				}
				s.logger.Error().Err(err).Msg("Plan failed")
			}
			if !watch {
				return nil
			}

			watcher := config.NewWatcher(config.NewLoader(), opts.documentPath, 0, s.logger)
			return watcher.Run(ctx, func(doc *config.Document, loadErr error) {
				if loadErr != nil {
					s.logger.Error().Err(loadErr).Msg("Document is invalid")
					return
				}
				g, err := buildGraph(doc, s.adapters)
				if err != nil {
					s.logger.Error().Err(err).Msg("Document is invalid")
					return
				}
				s.document, s.graph = doc, g
				if err := runPlan(ctx, cmd, s, dotFile); err != nil {
					s.logger.Error().Err(err).Msg("Plan failed")
				}
			})
		},
	}

	cmd.Flags().StringVar(&dotFile, "dot", "", "write the graph coloured by planned action to this DOT file")
	cmd.Flags().BoolVar(&watch, "watch", false, "re-plan whenever the document changes")

	return cmd
}

// runPlan plans the session graph, checks policies and prints the result.
func runPlan(ctx context.Context, cmd *cobra.Command, s *session, dotFile string) error {
	plan, err := s.planner().Plan(ctx, s.graph)
	if err != nil {
		return err
	}

	if dotFile != "" {
		if err := os.WriteFile(dotFile, []byte(s.graph.ToDOT(plan.Actions())), 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", dotFile, err)
		}
	}

	if err := printPlan(cmd.OutOrStdout(), plan, s.opts.jsonOutput); err != nil {
		return err
	}
	_, err = s.checkPolicies(ctx, cmd.ErrOrStderr(), "plan", plan)
	return err
}

func printPlan(w io.Writer, plan *engine.Plan, jsonOutput bool) error {
	if jsonOutput {
		return writeJSON(w, plan)
	}
	_, err := fmt.Fprint(w, renderPlan(plan))
	return err
}
