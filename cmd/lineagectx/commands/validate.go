package commands

import (
	"fmt"

	"github.com/moolen/lineagectx/internal/conflict"
	"github.com/moolen/lineagectx/internal/jobrun"
	"github.com/spf13/cobra"
)

type validateJobResult struct {
	Resolution *conflict.Resolution `json:"resolution"`
	Candidates *jobrun.CandidateSet `json:"candidates"`
}

func newValidateJobCommand(g *globals) *cobra.Command {
	var (
		jobName  string
		runIDs   []string
		runsFile string
		cf       contextFlags
	)
	cmd := &cobra.Command{
		Use:   "validate-job",
		Short: "Score job runs against an execution context",
		Long: `validate-job scores how likely each job run was produced by the execution
context. With exactly one --run the mapping is printed; otherwise every
candidate is ranked and the conflict resolver picks a winner or asks for
manual review.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			jobs, err := loadRuns(cmd, runsFile)
			if err != nil {
				return err
			}
			rt, err := newRuntime(ctx, g, fixtures{jobs: jobs}, nil)
			if err != nil {
				return err
			}
			defer rt.Close()

			ec, err := cf.resolve(ctx, cmd, rt)
			if err != nil {
				return err
			}
			if len(runIDs) == 1 {
				m, err := rt.engine.ValidateJobRun(ctx, jobName, runIDs[0], ec)
				if err != nil {
					return err
				}
				return printJSON(cmd, m)
			}
			res, set, err := rt.engine.ResolveJobRun(ctx, jobName, runIDs, ec)
			if err != nil {
				return err
			}
			if err := printJSON(cmd, validateJobResult{Resolution: res, Candidates: set}); err != nil {
				return err
			}
			if res.Status == conflict.StatusError {
				return fmt.Errorf("resolve job run: %s", res.ErrorMessage)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&jobName, "job", "", "Job name")
	cmd.Flags().StringSliceVar(&runIDs, "run", nil, "Run id to validate (repeatable; all recent runs when omitted)")
	cmd.Flags().StringVar(&runsFile, "runs-file", "", "JSON array of job runs served as job metadata")
	cf.register(cmd)
	_ = cmd.MarkFlagRequired("job")
	return cmd
}
