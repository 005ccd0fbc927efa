// Package fingerprint builds the identity of the running process and
// classifies the environment it runs in.
package fingerprint

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/moolen/lineagectx/internal/config"
	"github.com/moolen/lineagectx/internal/logging"
	"github.com/moolen/lineagectx/internal/models"
)

// Environment variables and paths probed during classification.
const (
	EnvManagedInstanceType  = "SM_CURRENT_INSTANCE_TYPE"
	EnvManagedInstanceGroup = "SM_CURRENT_INSTANCE_GROUP"
	EnvManagedRegion        = "SAGEMAKER_REGION"
	EnvKernelID             = "KERNEL_ID"
	PathManagedML           = "/opt/ml"

	EnvDagID    = "AIRFLOW_CTX_DAG_ID"
	EnvTaskID   = "AIRFLOW_CTX_TASK_ID"
	EnvDagRunID = "AIRFLOW_CTX_DAG_RUN_ID"
	EnvAirflow  = "AIRFLOW_HOME"

	EnvJupyterParentPID  = "JPY_PARENT_PID"
	EnvJupyterRuntimeDir = "JUPYTER_RUNTIME_DIR"

	EnvUser      = "USER"
	EnvUsername  = "USERNAME"
	EnvSessionID = "SESSION_ID"
)

// Option configures a Fingerprinter.
type Option func(*Fingerprinter)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(f *Fingerprinter) { f.now = now }
}

// WithSuffix replaces the random context id suffix source.
func WithSuffix(suffix func() string) Option {
	return func(f *Fingerprinter) { f.suffix = suffix }
}

// Fingerprinter extracts ExecutionContexts from a Probe.
type Fingerprinter struct {
	probe            Probe
	extractorVersion string
	now              func() time.Time
	suffix           func() string
	logger           *logging.Logger
}

// New creates a Fingerprinter reading from probe.
func New(probe Probe, cfg config.FingerprintConfig, opts ...Option) *Fingerprinter {
	f := &Fingerprinter{
		probe:            probe,
		extractorVersion: cfg.ExtractorVersion,
		now:              time.Now,
		suffix:           func() string { return uuid.NewString()[:8] },
		logger:           logging.GetLogger("fingerprint"),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Extract builds a fresh context for the probed process. It never fails:
// on any internal error it returns an UNKNOWN context marked as fallback.
// Every call yields a new ContextID; callers wanting a stable identity
// must cache the first result.
func (f *Fingerprinter) Extract() (ec *models.ExecutionContext) {
	ts := f.now()
	defer func() {
		if r := recover(); r != nil {
			ec = f.fallback(ts, fmt.Errorf("panic during extraction: %v", r))
		}
	}()

	ec, err := f.extract(ts)
	if err != nil {
		return f.fallback(ts, err)
	}
	f.logger.DebugWithFields("Extracted execution context",
		logging.Field("context_id", ec.ContextID),
		logging.Field("environment_kind", string(ec.EnvironmentKind)))
	return ec
}

func (f *Fingerprinter) extract(ts time.Time) (*models.ExecutionContext, error) {
	cwd, err := f.probe.WorkingDir()
	if err != nil {
		return nil, fmt.Errorf("working directory: %w", err)
	}

	pid := f.probe.PID()
	args := f.probe.Args()
	cmdline := strings.Join(args, " ")

	parent, err := f.probe.ParentProcessName()
	if err != nil {
		f.logger.Debug("Parent process unavailable: %v", err)
		parent = ""
	}

	c := &models.ExecutionContext{
		Timestamp:         ts,
		ProcessID:         pid,
		CommandLine:       cmdline,
		WorkingDirectory:  cwd,
		UserID:            f.userID(),
		SessionID:         f.env(EnvSessionID),
		ParentProcessName: parent,
	}
	c.EnvironmentKind = f.classify(c, args)
	c.ContextID = ContextID(c.EnvironmentKind, pid, ts, f.suffix())
	c.Metadata = map[string]interface{}{
		models.MetaGoVersion:        runtime.Version(),
		models.MetaPlatform:         runtime.GOOS + "/" + runtime.GOARCH,
		models.MetaExtractionTime:   ts.Format(time.RFC3339Nano),
		models.MetaExtractorVersion: f.extractorVersion,
	}
	return c, nil
}

// classify tests environment kinds in priority order and fills the
// kind-specific fields. Managed notebooks also satisfy the weaker
// interactive notebook probes, so they are tested first.
func (f *Fingerprinter) classify(c *models.ExecutionContext, args []string) models.EnvironmentKind {
	switch {
	case f.isManagedNotebook(c.WorkingDirectory):
		c.NotebookInstance = f.envOr(EnvManagedInstanceType, "unknown")
		c.NotebookRole = f.envOr(EnvManagedInstanceGroup, "unknown")
		c.KernelID = f.env(EnvKernelID)
		return models.EnvManagedNotebook

	case f.isOrchestratorTask():
		c.OrchestratorDagID = f.env(EnvDagID)
		c.OrchestratorTaskID = f.env(EnvTaskID)
		c.OrchestratorRunID = f.env(EnvDagRunID)
		return models.EnvOrchestratorTask

	case f.isInteractiveNotebook(c.ParentProcessName):
		c.InteractiveKernelID = f.env(EnvJupyterParentPID)
		return models.EnvInteractiveNotebook

	case isStandaloneScript(c.CommandLine, args):
		return models.EnvStandaloneScript

	default:
		return models.EnvUnknown
	}
}

func (f *Fingerprinter) isManagedNotebook(cwd string) bool {
	return strings.Contains(strings.ToLower(cwd), "sagemaker") ||
		f.has(EnvManagedInstanceType) ||
		f.has(EnvManagedInstanceGroup) ||
		f.probe.PathExists(PathManagedML) ||
		f.has(EnvManagedRegion)
}

func (f *Fingerprinter) isOrchestratorTask() bool {
	return f.has(EnvDagID) || f.has(EnvTaskID) || f.has(EnvAirflow)
}

// isInteractiveNotebook requires a known parent process.
func (f *Fingerprinter) isInteractiveNotebook(parent string) bool {
	if parent == "" {
		return false
	}
	return strings.Contains(strings.ToLower(parent), "jupyter") ||
		f.has(EnvJupyterParentPID) ||
		f.has(EnvJupyterRuntimeDir)
}

var scriptSuffixes = []string{".py", ".sh"}

func isStandaloneScript(cmdline string, args []string) bool {
	if strings.Contains(cmdline, "python") && strings.Contains(cmdline, ".py") {
		return true
	}
	if len(args) == 0 {
		return false
	}
	for _, s := range scriptSuffixes {
		if strings.HasSuffix(args[0], s) {
			return true
		}
	}
	return false
}

func (f *Fingerprinter) fallback(ts time.Time, cause error) *models.ExecutionContext {
	f.logger.WarnWithFields("Context extraction failed, using fallback",
		logging.Field("error", cause.Error()))

	// The probe already failed once; every read here must survive a panic.
	var (
		pid     int
		cmdline string
		cwd     string
		user    = "unknown"
	)
	guard(func() { pid = f.probe.PID() })
	guard(func() { cmdline = strings.Join(f.probe.Args(), " ") })
	guard(func() { cwd, _ = f.probe.WorkingDir() })
	guard(func() { user = f.envOr(EnvUser, "unknown") })

	return &models.ExecutionContext{
		ContextID:        fmt.Sprintf("fallback_%d_%s", pid, ts.Format("20060102_150405")),
		EnvironmentKind:  models.EnvUnknown,
		Timestamp:        ts,
		ProcessID:        pid,
		CommandLine:      cmdline,
		WorkingDirectory: cwd,
		UserID:           user,
		Metadata: map[string]interface{}{
			models.MetaFallback:         true,
			models.MetaFallbackReason:   cause.Error(),
			models.MetaExtractorVersion: f.extractorVersion,
		},
	}
}

func guard(fn func()) {
	defer func() { _ = recover() }()
	fn()
}

// ValidateContext checks base completeness plus the identifiers each
// environment kind must carry, which is stricter than ExecutionContext.Validate.
func (f *Fingerprinter) ValidateContext(c *models.ExecutionContext) error {
	if c == nil {
		return models.NewValidationError("context is nil")
	}
	if err := c.Validate(); err != nil {
		return err
	}
	switch c.EnvironmentKind {
	case models.EnvManagedNotebook:
		if c.NotebookRole == "" {
			return models.NewValidationError("managed notebook context %s has no notebook role", c.ContextID)
		}
	case models.EnvInteractiveNotebook:
		if c.InteractiveKernelID == "" {
			return models.NewValidationError("interactive notebook context %s has no kernel id", c.ContextID)
		}
	}
	return nil
}

// ContextID formats {kind}_{pid}_{YYYYmmdd_HHMMSS_mmm}_{suffix}.
func ContextID(kind models.EnvironmentKind, pid int, ts time.Time, suffix string) string {
	return fmt.Sprintf("%s_%d_%s_%03d_%s",
		kind, pid, ts.Format("20060102_150405"), ts.Nanosecond()/int(time.Millisecond), suffix)
}

func (f *Fingerprinter) userID() string {
	if v := f.env(EnvUser); v != "" {
		return v
	}
	return f.envOr(EnvUsername, "unknown")
}

func (f *Fingerprinter) has(key string) bool {
	_, ok := f.probe.LookupEnv(key)
	return ok
}

func (f *Fingerprinter) env(key string) string {
	v, _ := f.probe.LookupEnv(key)
	return v
}

func (f *Fingerprinter) envOr(key, def string) string {
	if v, ok := f.probe.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}
