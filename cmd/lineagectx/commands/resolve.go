package commands

import (
	"fmt"

	"github.com/moolen/lineagectx/internal/conflict"
	"github.com/spf13/cobra"
)

func newResolveCommand(g *globals) *cobra.Command {
	var candidatesFile string
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Resolve a conflict between scored candidates",
		Long: `resolve reads a JSON array of {"id", "confidence", "reasons"} candidates and
selects the leader when it is ahead by at least the configured gap. Otherwise
the resolution asks for manual review and lists the suggested actions.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var candidates []conflict.Candidate
			if err := readJSON(cmd, candidatesFile, &candidates); err != nil {
				return err
			}
			rt, err := newRuntime(cmd.Context(), g, fixtures{}, nil)
			if err != nil {
				return err
			}
			defer rt.Close()

			res := rt.engine.ResolveConflict(cmd.Context(), candidates)
			if err := printJSON(cmd, res); err != nil {
				return err
			}
			if res.Status == conflict.StatusError {
				return fmt.Errorf("resolve: %s", res.ErrorMessage)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&candidatesFile, "candidates-file", "-", "JSON array of candidates ('-' for stdin)")
	return cmd
}
