// Package engine is the in-process entry point for surrounding
// orchestration. It wires the scoring, validation, merge and conflict
// components to the configured stores, metrics and tracing.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/moolen/lineagectx/internal/config"
	"github.com/moolen/lineagectx/internal/conflict"
	"github.com/moolen/lineagectx/internal/fingerprint"
	"github.com/moolen/lineagectx/internal/jobrun"
	"github.com/moolen/lineagectx/internal/lineage"
	"github.com/moolen/lineagectx/internal/logging"
	"github.com/moolen/lineagectx/internal/logstream"
	"github.com/moolen/lineagectx/internal/metrics"
	"github.com/moolen/lineagectx/internal/models"
	"github.com/moolen/lineagectx/internal/store"
	"github.com/moolen/lineagectx/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Metric names.
const (
	MetricErrors          = "errors_total"
	MetricContexts        = "contexts_extracted_total"
	MetricJobRuns         = "job_runs_validated_total"
	MetricJobRunScore     = "job_run_confidence_score"
	MetricStreamScore     = "log_stream_confidence_score"
	MetricConflicts       = "conflicts_detected_total"
	MetricMerges          = "merges_total"
	MetricMergeScore      = "merge_confidence_score"
	MetricResolutions     = "conflict_resolutions_total"
	MetricExpiredMappings = "mappings_expired_total"
	MetricPrunedAudits    = "validations_pruned_total"
)

// Deps are the collaborators of an Engine. Everything is optional: a nil
// job client finds no runs, a nil store disables persistence, a nil
// recorder and tracer discard their output.
type Deps struct {
	Probe     fingerprint.Probe
	Jobs      jobrun.JobMetadataClient
	JobLister jobrun.JobRunLister
	Streams   logstream.StreamLister
	Store     store.Store
	Metrics   metrics.Recorder
	Tracer    trace.Tracer
	Clock     func() time.Time
}

// components is one consistent build of the engine from a Config.
type components struct {
	cfg           *config.Config
	fingerprinter *fingerprint.Fingerprinter
	validator     *jobrun.Validator
	selector      *logstream.Selector
	merger        *lineage.Engine
	resolver      *conflict.Resolver
}

// Engine is safe for concurrent use. Reload swaps the configuration
// atomically; calls in flight finish on the configuration they started with.
type Engine struct {
	deps   Deps
	mu     sync.RWMutex
	c      *components
	logger *logging.Logger
}

// New validates cfg and builds an Engine.
func New(cfg *config.Config, deps Deps) (*Engine, error) {
	if cfg == nil {
		return nil, models.NewValidationError("config is required")
	}
	if deps.Probe == nil {
		deps.Probe = fingerprint.NewOSProbe()
	}
	if deps.Jobs == nil {
		deps.Jobs = jobrun.NewStaticClient()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Nop{}
	}
	if deps.Tracer == nil {
		deps.Tracer = noop.NewTracerProvider().Tracer("engine")
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}

	e := &Engine{deps: deps, logger: logging.GetLogger("engine")}
	c, err := e.build(cfg)
	if err != nil {
		return nil, err
	}
	e.c = c
	return e, nil
}

func (e *Engine) build(cfg *config.Config) (*components, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	jobs := e.deps.Jobs
	if cfg.JobRun.CacheSize > 0 {
		cached, err := jobrun.NewCachedJobMetadataClient(jobs, cfg.JobRun.CacheSize, cfg.JobRun.CacheTTL.Std())
		if err != nil {
			return nil, err
		}
		jobs = cached
	}
	vopts := []jobrun.Option{jobrun.WithClock(e.deps.Clock)}
	if e.deps.JobLister != nil {
		vopts = append(vopts, jobrun.WithLister(e.deps.JobLister))
	}
	validator, err := jobrun.NewValidator(jobs, cfg.JobRun, cfg.Scoring, vopts...)
	if err != nil {
		return nil, fmt.Errorf("job run validator: %w", err)
	}

	sopts := []logstream.Option{logstream.WithClock(e.deps.Clock)}
	if e.deps.Streams != nil {
		sopts = append(sopts, logstream.WithLister(e.deps.Streams))
	}
	selector, err := logstream.NewSelector(cfg.LogStream, cfg.Scoring, sopts...)
	if err != nil {
		return nil, fmt.Errorf("log stream selector: %w", err)
	}

	mopts := []lineage.Option{lineage.WithClock(e.deps.Clock)}
	if e.deps.Store != nil {
		mopts = append(mopts, lineage.WithContextStore(e.deps.Store), lineage.WithMappingStore(e.deps.Store))
	}
	merger, err := lineage.NewEngine(cfg.Lineage, mopts...)
	if err != nil {
		return nil, fmt.Errorf("lineage engine: %w", err)
	}

	resolver, err := conflict.NewResolver(cfg.Conflict.ResolutionGap)
	if err != nil {
		return nil, fmt.Errorf("conflict resolver: %w", err)
	}

	return &components{
		cfg:           cfg,
		fingerprinter: fingerprint.New(e.deps.Probe, cfg.Fingerprint, fingerprint.WithClock(e.deps.Clock)),
		validator:     validator,
		selector:      selector,
		merger:        merger,
		resolver:      resolver,
	}, nil
}

// Reload rebuilds every component from cfg. An invalid cfg leaves the
// current configuration in place.
func (e *Engine) Reload(cfg *config.Config) error {
	c, err := e.build(cfg)
	if err != nil {
		e.logger.Warn("Rejected configuration reload: %v", err)
		return err
	}
	e.mu.Lock()
	e.c = c
	e.mu.Unlock()
	e.logger.Info("Configuration reloaded")
	return nil
}

// Config returns the configuration in effect.
func (e *Engine) Config() *config.Config {
	return e.current().cfg
}

func (e *Engine) current() *components {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.c
}

func (e *Engine) span(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return e.deps.Tracer.Start(ctx, "engine."+name, trace.WithAttributes(attrs...))
}

// countError records err under its taxonomy kind.
func (e *Engine) countError(op string, err error) {
	kind := string(models.KindOf(err))
	switch {
	case kind != "":
	case models.IsValidationError(err):
		kind = "invalid_argument"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		kind = "cancelled"
	default:
		kind = "internal"
	}
	e.deps.Metrics.Record(MetricErrors, 1, map[string]string{"operation": op, "kind": kind})
}

// Fingerprint extracts the context of the current process and stores it
// when a store is configured. Store failures are logged, not returned.
func (e *Engine) Fingerprint(ctx context.Context) *models.ExecutionContext {
	ctx, span := e.span(ctx, "Fingerprint")
	ec := e.current().fingerprinter.Extract()

	if e.deps.Store != nil {
		if err := e.deps.Store.PutContext(ctx, ec); err != nil {
			e.logger.Warn("Failed to store context %s: %v", ec.ContextID, err)
			e.countError("fingerprint", err)
		}
	}
	e.deps.Metrics.Record(MetricContexts, 1, map[string]string{
		"environment_kind": string(ec.EnvironmentKind),
		"fallback":         fmt.Sprint(ec.IsFallback()),
	})
	tracing.Finish(span, nil,
		attribute.String("context_id", ec.ContextID),
		attribute.String("environment_kind", string(ec.EnvironmentKind)))
	return ec
}

// Context looks up a stored context.
func (e *Engine) Context(ctx context.Context, contextID string) (*models.ExecutionContext, error) {
	if e.deps.Store == nil {
		return nil, models.NewValidationError("no store configured")
	}
	return e.deps.Store.GetContext(ctx, contextID)
}

// ValidateJobRun scores one candidate run against ec and stores the mapping.
func (e *Engine) ValidateJobRun(ctx context.Context, jobName, runID string, ec *models.ExecutionContext) (m *models.JobExecutionMapping, err error) {
	ctx, span := e.span(ctx, "ValidateJobRun",
		attribute.String("job_name", jobName),
		attribute.String("job_run_id", runID))
	defer func() { tracing.Finish(span, err) }()

	m, err = e.current().validator.Validate(ctx, jobName, runID, ec)
	if err != nil {
		e.countError("validate_job_run", err)
		return nil, err
	}
	e.observeMapping(m)
	e.persistMappings(ctx, m)
	span.SetAttributes(attribute.Float64("confidence", m.ConfidenceScore))
	return m, nil
}

// ValidateCandidates validates several runs of one job and ranks them. With
// no runIDs and a job-run lister configured, the runs started within the
// candidate window are used.
func (e *Engine) ValidateCandidates(ctx context.Context, jobName string, runIDs []string, ec *models.ExecutionContext) (set *jobrun.CandidateSet, err error) {
	ctx, span := e.span(ctx, "ValidateCandidates", attribute.String("job_name", jobName))
	defer func() { tracing.Finish(span, err) }()

	c := e.current()
	if len(runIDs) == 0 && e.deps.JobLister != nil {
		runs, lerr := c.validator.Candidates(ctx, jobName, 0)
		if lerr != nil {
			e.countError("validate_candidates", lerr)
			return nil, lerr
		}
		for _, r := range runs {
			runIDs = append(runIDs, r.RunID)
		}
		e.logger.Debug("Listed %d candidate runs for %s", len(runIDs), jobName)
	}

	set, err = c.validator.ValidateAll(ctx, jobName, runIDs, ec)
	if err != nil {
		e.countError("validate_candidates", err)
		return nil, err
	}
	for _, m := range set.Mappings {
		e.observeMapping(m)
	}
	e.persistMappings(ctx, set.Mappings...)
	if set.ConflictDetected() {
		e.deps.Metrics.Record(MetricConflicts, 1, map[string]string{"operation": "validate_candidates"})
		e.countError("validate_candidates", models.ErrAmbiguous)
	}
	span.SetAttributes(
		attribute.Int("candidates", len(set.Mappings)),
		attribute.Bool("conflict_detected", set.ConflictDetected()))
	return set, nil
}

// ResolveJobRun validates the candidate runs and resolves the winner.
func (e *Engine) ResolveJobRun(ctx context.Context, jobName string, runIDs []string, ec *models.ExecutionContext) (*conflict.Resolution, *jobrun.CandidateSet, error) {
	set, err := e.ValidateCandidates(ctx, jobName, runIDs, ec)
	if err != nil {
		return nil, nil, err
	}
	return e.ResolveConflict(ctx, conflict.FromMappings(set.Mappings)), set, nil
}

func (e *Engine) observeMapping(m *models.JobExecutionMapping) {
	status := map[string]string{"status": string(m.ValidationStatus)}
	e.deps.Metrics.Record(MetricJobRuns, 1, status)
	e.deps.Metrics.Record(MetricJobRunScore, m.ConfidenceScore, status)
}

func (e *Engine) persistMappings(ctx context.Context, mappings ...*models.JobExecutionMapping) {
	if e.deps.Store == nil {
		return
	}
	for _, m := range mappings {
		if err := e.deps.Store.PutMapping(ctx, m); err != nil {
			e.logger.Warn("Failed to store mapping %s: %v", m.Key(), err)
			e.countError("store_mapping", err)
		}
	}
}

// SelectLogStream ranks candidates for ec.
func (e *Engine) SelectLogStream(ctx context.Context, jobName string, ec *models.ExecutionContext, candidates []logstream.StreamDescriptor) (sel *logstream.Selection, err error) {
	_, span := e.span(ctx, "SelectLogStream",
		attribute.String("job_name", jobName),
		attribute.Int("candidates", len(candidates)))
	defer func() { tracing.Finish(span, err) }()

	sel, err = e.current().selector.Select(jobName, ec, candidates)
	if err != nil {
		e.countError("select_log_stream", err)
		return nil, err
	}
	e.observeSelection(sel)
	return sel, nil
}

// SelectLogStreamFromGroup lists the recently active streams of logGroup
// and selects among them.
func (e *Engine) SelectLogStreamFromGroup(ctx context.Context, jobName, logGroup string, ec *models.ExecutionContext) (*logstream.Selection, error) {
	streams, err := e.current().selector.StreamsForJob(ctx, logGroup, 0)
	if err != nil {
		e.countError("select_log_stream", err)
		return nil, err
	}
	return e.SelectLogStream(ctx, jobName, ec, streams)
}

func (e *Engine) observeSelection(sel *logstream.Selection) {
	if sel.Selected == nil {
		e.countError("select_log_stream", models.ErrNotFound)
		return
	}
	e.deps.Metrics.Record(MetricStreamScore, sel.Confidence, map[string]string{"fallback": fmt.Sprint(sel.IsFallback)})
	if sel.ConflictDetected {
		e.deps.Metrics.Record(MetricConflicts, 1, map[string]string{"operation": "select_log_stream"})
		e.countError("select_log_stream", models.ErrAmbiguous)
	}
}

// Merge merges fragments and records the validation outcome in the audit
// store.
func (e *Engine) Merge(ctx context.Context, fragments map[string]*models.Fragment, ref *models.ExecutionContext, opts lineage.MergeOptions) (res *lineage.MergeResult, err error) {
	ctx, span := e.span(ctx, "Merge", attribute.Int("fragments", len(fragments)))
	defer func() { tracing.Finish(span, err) }()

	res, err = e.current().merger.Merge(ctx, fragments, ref, opts)
	if err != nil {
		e.countError("merge", err)
		return nil, err
	}

	e.deps.Metrics.Record(MetricMerges, 1, map[string]string{"status": string(res.Status)})
	if res.Status == lineage.StatusBlocked {
		e.countError("merge", models.ErrIncompatible)
	}
	if v := res.Validation; v != nil {
		e.deps.Metrics.Record(MetricMergeScore, v.ConfidenceScore, map[string]string{"recommendation": string(v.Recommendation)})
		if n := malformedCount(res); n > 0 {
			e.deps.Metrics.Record(MetricErrors, float64(n), map[string]string{"operation": "merge", "kind": string(models.KindMalformed)})
		}
		if e.deps.Store != nil && v.ContextID != "" {
			if _, serr := e.deps.Store.RecordValidation(ctx, v); serr != nil {
				e.logger.Warn("Failed to record validation for %s: %v", v.ContextID, serr)
				e.countError("record_validation", serr)
			}
		}
		span.SetAttributes(
			attribute.String("context_id", v.ContextID),
			attribute.String("recommendation", string(v.Recommendation)))
	}
	span.SetAttributes(attribute.String("status", string(res.Status)))
	return res, nil
}

func malformedCount(res *lineage.MergeResult) int {
	n := 0
	for _, s := range res.Summary.Extraction {
		n += s.EventsSkipped
	}
	return n
}

// ResolveConflict picks a winner among candidates or asks for review.
func (e *Engine) ResolveConflict(ctx context.Context, candidates []conflict.Candidate) *conflict.Resolution {
	_, span := e.span(ctx, "ResolveConflict", attribute.Int("candidates", len(candidates)))
	res := e.current().resolver.Resolve(candidates)
	e.deps.Metrics.Record(MetricResolutions, 1, map[string]string{"status": string(res.Status)})
	var err error
	if res.Status == conflict.StatusError {
		err = errors.New(res.ErrorMessage)
	}
	tracing.Finish(span, err, attribute.String("status", string(res.Status)))
	return res
}

// History lists the recorded validations of a context.
func (e *Engine) History(ctx context.Context, contextID string) ([]store.ValidationRecord, error) {
	if e.deps.Store == nil {
		return nil, models.NewValidationError("no store configured")
	}
	return e.deps.Store.ListValidations(ctx, contextID)
}

// MaintenanceReport counts what Maintain changed.
type MaintenanceReport struct {
	ExpiredMappings   int `json:"expired_mappings"`
	PrunedValidations int `json:"pruned_validations"`
}

// Maintain expires stale mappings and prunes validations older than the
// audit retention.
func (e *Engine) Maintain(ctx context.Context) (rep MaintenanceReport, err error) {
	if e.deps.Store == nil {
		return rep, nil
	}
	ctx, span := e.span(ctx, "Maintain")
	defer func() { tracing.Finish(span, err) }()

	now := e.deps.Clock()
	if rep.ExpiredMappings, err = e.deps.Store.ExpireMappings(ctx, now); err != nil {
		e.countError("maintain", err)
		return rep, err
	}
	cutoff := now.Add(-e.current().cfg.Retention.AuditRetention.Std())
	if rep.PrunedValidations, err = e.deps.Store.PruneValidations(ctx, cutoff); err != nil {
		e.countError("maintain", err)
		return rep, err
	}
	e.deps.Metrics.Record(MetricExpiredMappings, float64(rep.ExpiredMappings), nil)
	e.deps.Metrics.Record(MetricPrunedAudits, float64(rep.PrunedValidations), nil)
	if rep.ExpiredMappings > 0 || rep.PrunedValidations > 0 {
		e.logger.InfoWithFields("Maintenance pass",
			logging.Field("expired_mappings", rep.ExpiredMappings),
			logging.Field("pruned_validations", rep.PrunedValidations))
	}
	return rep, nil
}
