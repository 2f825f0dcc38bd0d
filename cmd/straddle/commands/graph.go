package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/straddle/pkg/engine"
)

func newGraphCommand(opts *globalOptions, p providers) *cobra.Command {
	var withPlan bool

	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Print the dependency graph in DOT format",
		Example: `  # Render the graph with Graphviz
  straddle graph -f deploy.yaml | dot -Tsvg > graph.svg

  # Colour nodes by their planned action
  straddle graph --plan`,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx, s, err := newSession(cmd, opts, p)
			if err != nil {
				return err
			}
			defer func() { s.Close(ctx, err) }()

			var actions map[engine.NodeID]engine.Action
			if withPlan {
				if err := s.openStore(ctx); err != nil {
					return err
				}
				plan, err := s.planner().Plan(ctx, s.graph)
				if err != nil {
					return err
				}
				actions = plan.Actions()
			}

			_, err = fmt.Fprint(cmd.OutOrStdout(), s.graph.ToDOT(actions))
			return err
		},
	}

	cmd.Flags().BoolVar(&withPlan, "plan", false, "colour nodes by planned action (reads state and environments)")

	return cmd
}
