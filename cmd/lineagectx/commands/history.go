package commands

import (
	"github.com/spf13/cobra"
)

func newHistoryCommand(g *globals) *cobra.Command {
	var contextID string
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded lineage validations of an execution context",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context(), g, fixtures{}, nil)
			if err != nil {
				return err
			}
			defer rt.Close()

			records, err := rt.engine.History(cmd.Context(), contextID)
			if err != nil {
				return err
			}
			return printJSON(cmd, records)
		},
	}
	cmd.Flags().StringVar(&contextID, "context-id", "", "Execution context id")
	_ = cmd.MarkFlagRequired("context-id")
	return cmd
}
