package commands

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/moolen/lineagectx/internal/config"
	"github.com/moolen/lineagectx/internal/fragmentsource"
	"github.com/moolen/lineagectx/internal/lineage"
	"github.com/moolen/lineagectx/internal/logging"
	"github.com/moolen/lineagectx/internal/models"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// isInteractive reports whether a blocked merge may be confirmed on stdin.
var isInteractive = func() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

type mergeFlags struct {
	dir             string
	primary         string
	primaryPrefix   string
	secondary       string
	secondaryPrefix string
	window          time.Duration
	fragments       []string
	allowBlocked    bool
	yes             bool
	cf              contextFlags
}

func newMergeCommand(g *globals) *cobra.Command {
	f := &mergeFlags{}
	cmd := &cobra.Command{
		Use:   "merge",
		Short: "Validate and merge lineage fragments from two services",
		Long: `merge loads one lineage fragment per source, checks that the executions
that produced them are compatible, and prints the merged graph.

Fragments are given explicitly with --fragment source=path, or paired by
modification time from --dir (or the configured object store) under the
--primary-prefix and --secondary-prefix keys.

A merge whose validation recommends BLOCK is refused unless --allow-blocked
or --yes is set, or the override is confirmed interactively.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMerge(cmd, g, f)
		},
	}
	cmd.Flags().StringVar(&f.dir, "dir", "", "Directory holding fragment files")
	cmd.Flags().StringVar(&f.primary, "primary", "glue", "Source name of the primary fragment")
	cmd.Flags().StringVar(&f.primaryPrefix, "primary-prefix", "glue/", "Key prefix of primary fragment files")
	cmd.Flags().StringVar(&f.secondary, "secondary", "redshift", "Source name of the secondary fragment")
	cmd.Flags().StringVar(&f.secondaryPrefix, "secondary-prefix", "redshift/", "Key prefix of secondary fragment files")
	cmd.Flags().DurationVar(&f.window, "pair-window", fragmentsource.DefaultPairWindow, "Maximum modification time difference of a file pair")
	cmd.Flags().StringArrayVar(&f.fragments, "fragment", nil, "Explicit fragment as source=path (repeatable)")
	cmd.Flags().BoolVar(&f.allowBlocked, "allow-blocked", false, "Merge even when validation recommends BLOCK")
	cmd.Flags().BoolVarP(&f.yes, "yes", "y", false, "Confirm a blocked merge without prompting")
	cmd.Flags().StringVar(&f.cf.file, "context-file", "", "JSON reference execution context ('-' for stdin)")
	cmd.Flags().StringVar(&f.cf.id, "context-id", "", "Id of a stored reference execution context")
	cmd.MarkFlagsMutuallyExclusive("context-file", "context-id")
	cmd.MarkFlagsMutuallyExclusive("fragment", "dir")
	return cmd
}

func runMerge(cmd *cobra.Command, g *globals, f *mergeFlags) error {
	ctx := cmd.Context()
	fragments, err := loadFragments(ctx, g.cfg, f)
	if err != nil {
		return err
	}

	rt, err := newRuntime(ctx, g, fixtures{}, nil)
	if err != nil {
		return err
	}
	defer rt.Close()

	// Without an explicit reference the first fragment context is used.
	var ref *models.ExecutionContext
	if f.cf.file != "" || f.cf.id != "" {
		if ref, err = f.cf.resolve(ctx, cmd, rt); err != nil {
			return err
		}
	}

	opts := lineage.MergeOptions{
		AllowBlocked: f.allowBlocked || f.yes,
		ConfirmBlocked: func(v *models.LineageValidationResult) bool {
			return confirmBlocked(cmd, v)
		},
	}
	res, err := rt.engine.Merge(ctx, fragments, ref, opts)
	if err != nil {
		return err
	}

	if err := printJSON(cmd, res); err != nil {
		return err
	}
	switch res.Status {
	case lineage.StatusBlocked:
		return fmt.Errorf("merge blocked: %s", res.FailureReason)
	case lineage.StatusFailed:
		return fmt.Errorf("merge failed: %s", res.FailureReason)
	}
	return nil
}

// confirmBlocked asks whether to merge despite a BLOCK recommendation.
func confirmBlocked(cmd *cobra.Command, v *models.LineageValidationResult) bool {
	if !isInteractive() {
		return false
	}
	out := cmd.ErrOrStderr()
	fmt.Fprintf(out, "Validation of %s recommends BLOCK (confidence %.2f)\n", v.ContextID, v.ConfidenceScore)
	for _, issue := range v.Issues {
		fmt.Fprintf(out, "  - [%s] %s\n", issue.Severity, issue.Description)
	}
	fmt.Fprint(out, "Merge anyway? [y/N] ")
	answer, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}

func loadFragments(ctx context.Context, cfg *config.Config, f *mergeFlags) (map[string]*models.Fragment, error) {
	if len(f.fragments) > 0 {
		return loadExplicitFragments(f.fragments)
	}

	var src fragmentsource.Source
	switch {
	case f.dir != "":
		dir, err := fragmentsource.NewDir(f.dir)
		if err != nil {
			return nil, err
		}
		src = dir
	case cfg.ObjectStore.Enabled():
		obj, err := fragmentsource.NewObjectSource(cfg.ObjectStore)
		if err != nil {
			return nil, err
		}
		src = obj
	default:
		return nil, models.NewValidationError("one of --fragment, --dir or an object store config is required")
	}

	fragments, pair, err := fragmentsource.LoadPair(ctx, src, fragmentsource.PairRequest{
		PrimarySource:   f.primary,
		PrimaryPrefix:   f.primaryPrefix,
		SecondarySource: f.secondary,
		SecondaryPrefix: f.secondaryPrefix,
		Window:          f.window,
	})
	if err != nil {
		return nil, err
	}
	logging.GetLogger("cli").Info("Paired %s and %s (%s apart, confidence %.2f)",
		pair.Primary.Key, pair.Secondary.Key, pair.TimeDiff, pair.Confidence)
	return fragments, nil
}

func loadExplicitFragments(specs []string) (map[string]*models.Fragment, error) {
	out := make(map[string]*models.Fragment, len(specs))
	for _, s := range specs {
		source, path, ok := strings.Cut(s, "=")
		if !ok || source == "" || path == "" {
			return nil, models.NewValidationError("invalid --fragment %q, expected source=path", s)
		}
		if _, dup := out[source]; dup {
			return nil, models.NewValidationError("duplicate fragment source %q", source)
		}
		fh, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		frag, err := fragmentsource.Decode(fh, path)
		_ = fh.Close()
		if err != nil {
			return nil, err
		}
		frag.Source = source
		out[source] = frag
	}
	return out, nil
}
