package commands

import (
	"errors"

	"github.com/moolen/lineagectx/internal/logstream"
	"github.com/spf13/cobra"
)

func newSelectStreamCommand(g *globals) *cobra.Command {
	var (
		jobName     string
		streamsFile string
		logGroup    string
		cf          contextFlags
	)
	cmd := &cobra.Command{
		Use:   "select-stream",
		Short: "Pick the log stream written by an execution context",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var streams streamFile
			if streamsFile != "" {
				if err := readJSON(cmd, streamsFile, &streams); err != nil {
					return err
				}
			}
			fx := fixtures{}
			if logGroup != "" {
				fx.streams = streams
			}
			rt, err := newRuntime(ctx, g, fx, nil)
			if err != nil {
				return err
			}
			defer rt.Close()

			ec, err := cf.resolve(ctx, cmd, rt)
			if err != nil {
				return err
			}
			var sel *logstream.Selection
			if logGroup != "" {
				sel, err = rt.engine.SelectLogStreamFromGroup(ctx, jobName, logGroup, ec)
			} else {
				sel, err = rt.engine.SelectLogStream(ctx, jobName, ec, streams)
			}
			if err != nil {
				return err
			}
			if sel == nil {
				return errors.New("no candidate log streams")
			}
			return printJSON(cmd, sel)
		},
	}
	cmd.Flags().StringVar(&jobName, "job", "", "Job name")
	cmd.Flags().StringVar(&streamsFile, "streams-file", "", "JSON array of candidate log streams")
	cmd.Flags().StringVar(&logGroup, "log-group", "", "List candidates from this log group, filtered by the job's stream prefix")
	cf.register(cmd)
	_ = cmd.MarkFlagRequired("job")
	_ = cmd.MarkFlagRequired("streams-file")
	return cmd
}
