package commands

import (
	"github.com/spf13/cobra"
)

func newFingerprintCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint",
		Short: "Capture the execution context of this process and store it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context(), g, fixtures{}, nil)
			if err != nil {
				return err
			}
			defer rt.Close()
			return printJSON(cmd, rt.engine.Fingerprint(cmd.Context()))
		},
	}
}
