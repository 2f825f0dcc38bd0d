package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newValidateCommand(opts *globalOptions, p providers) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a desired-state document",
		Long: `Validate a desired-state document without contacting any environment.

Validation:
  - Checks the document against its schema
  - Resolves every reference and depends_on entry
  - Rejects dependency cycles and duplicate node identities
  - Evaluates the policies against the declared resources`,
		Example: `  # Validate the default document
  straddle validate

  # Validate a CUE document with an extra policy directory
  straddle validate -f deploy.cue --policy ./policies`,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx, s, err := newSession(cmd, opts, p)
			if err != nil {
				return err
			}
			defer func() { s.Close(ctx, err) }()

			result, err := s.checkPolicies(ctx, cmd.ErrOrStderr(), "validate", nil)
			if err != nil {
				return err
			}

			if opts.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), map[string]interface{}{
					"valid":      true,
					"deployment": s.document.Deployment,
					"nodes":      s.graph.Len(),
					"levels":     len(s.graph.Levels),
					"outputs":    len(s.graph.Bindings),
					"warnings":   result.Warnings,
				})
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Document %s is valid: deployment %s, %d resources in %d levels, %d outputs\n",
				opts.documentPath, s.document.Deployment, s.graph.Len(), len(s.graph.Levels), len(s.graph.Bindings))
			return nil
		},
	}

	return cmd
}
