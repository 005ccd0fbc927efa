package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/moolen/lineagectx/internal/engine"
	"github.com/moolen/lineagectx/internal/jobrun"
	"github.com/moolen/lineagectx/internal/logging"
	"github.com/moolen/lineagectx/internal/logstream"
	"github.com/moolen/lineagectx/internal/metrics"
	"github.com/moolen/lineagectx/internal/models"
	"github.com/moolen/lineagectx/internal/store"
	"github.com/moolen/lineagectx/internal/tracing"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

// runtime is the engine plus the resources it owns for one command.
type runtime struct {
	engine  *engine.Engine
	store   store.Store
	tracing *tracing.Provider
}

// fixtures are the collaborator answers a one-shot command reads from disk.
type fixtures struct {
	jobs    *jobrun.StaticClient
	streams logstream.StreamLister
}

func newRuntime(ctx context.Context, g *globals, fx fixtures, rec metrics.Recorder) (*runtime, error) {
	st, err := store.Open(ctx, g.cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	tp, err := tracing.NewProvider(g.cfg.Tracing)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	deps := engine.Deps{
		Store:   st,
		Metrics: rec,
		Tracer:  tp.Tracer("lineagectx"),
		Streams: fx.streams,
	}
	if fx.jobs != nil {
		deps.Jobs = fx.jobs
		deps.JobLister = fx.jobs
	}
	eng, err := engine.New(g.cfg, deps)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return &runtime{engine: eng, store: st, tracing: tp}, nil
}

// Close flushes spans and closes the store.
func (r *runtime) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := r.tracing.Stop(ctx); err != nil {
		logging.GetLogger("cli").Warn("Failed to flush spans: %v", err)
	}
	if err := r.store.Close(); err != nil {
		logging.GetLogger("cli").Warn("Failed to close store: %v", err)
	}
}

// openInput opens path, or the command's stdin for "-".
func openInput(cmd *cobra.Command, path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(cmd.InOrStdin()), nil
	}
	return os.Open(path)
}

func readJSON(cmd *cobra.Command, path string, v interface{}) error {
	rc, err := openInput(cmd, path)
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()
	if err := json.NewDecoder(rc).Decode(v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// contextFlags select the execution context a command works with.
type contextFlags struct {
	file string
	id   string
}

func (f *contextFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.file, "context-file", "", "JSON execution context ('-' for stdin)")
	cmd.Flags().StringVar(&f.id, "context-id", "", "Id of a stored execution context")
	cmd.MarkFlagsMutuallyExclusive("context-file", "context-id")
}

// resolve returns the selected context, fingerprinting this process when
// neither flag is set.
func (f *contextFlags) resolve(ctx context.Context, cmd *cobra.Command, rt *runtime) (*models.ExecutionContext, error) {
	switch {
	case f.file != "":
		ec := &models.ExecutionContext{}
		if err := readJSON(cmd, f.file, ec); err != nil {
			return nil, err
		}
		return ec, nil
	case f.id != "":
		return rt.engine.Context(ctx, f.id)
	default:
		return rt.engine.Fingerprint(ctx), nil
	}
}

// loadRuns reads a JSON array of job runs into a static client.
func loadRuns(cmd *cobra.Command, path string) (*jobrun.StaticClient, error) {
	if path == "" {
		return nil, nil
	}
	var runs []jobrun.JobRun
	if err := readJSON(cmd, path, &runs); err != nil {
		return nil, err
	}
	return jobrun.NewStaticClient(runs...), nil
}

// streamFile serves a fixed list of streams for every log group.
type streamFile []logstream.StreamDescriptor

func (s streamFile) ListStreams(_ context.Context, _, prefix string) ([]logstream.StreamDescriptor, error) {
	out := make([]logstream.StreamDescriptor, 0, len(s))
	for _, d := range s {
		if strings.HasPrefix(d.Name, prefix) {
			out = append(out, d)
		}
	}
	return out, nil
}
