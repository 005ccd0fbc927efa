package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/moolen/lineagectx/internal/config"
	"github.com/moolen/lineagectx/internal/logging"
	"github.com/moolen/lineagectx/internal/tracing"
	"github.com/spf13/cobra"
)

const Version = "0.1.0"

// globals are the persistent flags shared by every subcommand.
type globals struct {
	logLevels  []string
	configPath string
	cfg        *config.Config
}

// NewRootCommand assembles the command tree.
func NewRootCommand() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:   "lineagectx",
		Short: "lineagectx - execution context validation and lineage merging",
		Long: `lineagectx fingerprints the running process, decides which job run and log
stream belong to it, and merges per-service lineage fragments into one graph
after checking that they were produced by compatible executions.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := setupLog(g.logLevels); err != nil {
				return err
			}
			cfg, err := config.Load(g.configPath)
			if err != nil {
				return err
			}
			g.cfg = cfg
			return nil
		},
	}
	tracing.Version = Version

	// --log-level debug --log-level lineage.*=debug
	root.PersistentFlags().StringSliceVar(&g.logLevels, "log-level", []string{"info"},
		"Log level for packages. Use 'default=level' for default, or 'package.name=level' for per-package.\n"+
			"Examples: --log-level debug (all), --log-level lineage.merge=debug --log-level store=warn")
	root.PersistentFlags().StringVar(&g.configPath, "config", "",
		"Path to a YAML config file (defaults apply when empty; LINEAGECTX_* variables override)")

	root.AddCommand(
		newFingerprintCommand(g),
		newValidateJobCommand(g),
		newSelectStreamCommand(g),
		newMergeCommand(g),
		newResolveCommand(g),
		newHistoryCommand(g),
		newConfigCommand(g),
		newServeCommand(g),
	)
	return root
}

func Execute() error {
	err := NewRootCommand().Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return err
}

// setupLog initializes logging from the --log-level flags and LOG_LEVEL_*
// variables. Flags win.
func setupLog(flags []string) error {
	defaultLevel, packageLevels, err := parseLogLevelFlags(flags)
	if err != nil {
		return err
	}
	return logging.Initialize(defaultLevel, packageLevels)
}

// parseLogLevelFlags merges LOG_LEVEL_<PKG>=level variables with flags of
// the form "level" or "pkg=level".
func parseLogLevelFlags(flags []string) (string, map[string]string, error) {
	result := make(map[string]string)
	for _, pair := range os.Environ() {
		if !strings.HasPrefix(pair, "LOG_LEVEL_") {
			continue
		}
		key, level, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		result[envKeyToPackage(key)] = level
	}

	for _, flag := range flags {
		pkg, level, ok := strings.Cut(flag, "=")
		if !ok {
			result["default"] = flag
			continue
		}
		result[pkg] = level
	}

	defaultLevel := "info"
	if level, ok := result["default"]; ok {
		defaultLevel = level
		delete(result, "default")
	}
	if _, err := logging.ParseLevel(defaultLevel); err != nil {
		return "", nil, err
	}
	for pkg, level := range result {
		if _, err := logging.ParseLevel(level); err != nil {
			return "", nil, fmt.Errorf("invalid log level for package %q: %w", pkg, err)
		}
	}
	return defaultLevel, result, nil
}

// envKeyToPackage converts LOG_LEVEL_LINEAGE_MERGE to lineage.merge.
func envKeyToPackage(key string) string {
	name := strings.TrimPrefix(key, "LOG_LEVEL_")
	return strings.ToLower(strings.ReplaceAll(name, "_", "."))
}
