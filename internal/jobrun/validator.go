// Package jobrun decides whether a candidate job run belongs to an
// execution context.
package jobrun

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/moolen/lineagectx/internal/config"
	"github.com/moolen/lineagectx/internal/logging"
	"github.com/moolen/lineagectx/internal/models"
	"github.com/moolen/lineagectx/internal/scoring"
	"golang.org/x/sync/errgroup"
)

// Dimension names.
const (
	DimTime            = "time_proximity"
	DimParameter       = "parameter_match"
	DimEnvironment     = "environment_match"
	DimContextSpecific = "context_specific_match"
)

// Per-match increments; each dimension is capped at 1.0.
const (
	parameterMatchStep   = 0.3
	environmentMatchStep = 0.4
	contextMatchStep     = 0.5
)

// FailureRunNotFound is the failure reason on short-circuited mappings.
const FailureRunNotFound = "Job run not found"

// managedNotebookTokens mark arguments written from a managed notebook.
var managedNotebookTokens = []string{"sagemaker", "notebook", "ml.", "sm-"}

// Argument key hints for the context-specific dimension. Process ids are
// short numbers, so they are only looked for under keys that name them.
var (
	processKeyHints = []string{"process", "pid"}
	sessionKeyHints = []string{"session"}
)

// Option configures a Validator.
type Option func(*Validator)

// WithClock replaces time.Now for mapping timestamps and candidate windows.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) { v.now = now }
}

// WithLister enables Candidates.
func WithLister(l JobRunLister) Option {
	return func(v *Validator) { v.lister = l }
}

// Validator scores candidate runs against a context.
type Validator struct {
	client  JobMetadataClient
	lister  JobRunLister
	cfg     config.JobRunConfig
	scoring config.ScoringConfig
	scorer  *scoring.Scorer[*JobRun]
	now     func() time.Time
	logger  *logging.Logger
}

// NewValidator builds a Validator from the job-run and scoring sections.
func NewValidator(client JobMetadataClient, cfg config.JobRunConfig, sc config.ScoringConfig, opts ...Option) (*Validator, error) {
	if client == nil {
		return nil, models.NewValidationError("job metadata client is required")
	}
	v := &Validator{
		client:  client,
		cfg:     cfg,
		scoring: sc,
		now:     time.Now,
		logger:  logging.GetLogger("jobrun"),
	}
	for _, opt := range opts {
		opt(v)
	}

	scorer, err := scoring.NewScorer(sc.ConflictGap,
		scoring.Dimension[*JobRun]{Name: DimTime, Weight: cfg.Weights.Time, Evaluate: v.evalTime},
		scoring.Dimension[*JobRun]{Name: DimParameter, Weight: cfg.Weights.Parameter, Evaluate: evalParameters},
		scoring.Dimension[*JobRun]{Name: DimEnvironment, Weight: cfg.Weights.Environment, Evaluate: evalEnvironment},
		scoring.Dimension[*JobRun]{Name: DimContextSpecific, Weight: cfg.Weights.ContextSpecific, Evaluate: evalContextSpecific},
	)
	if err != nil {
		return nil, err
	}
	v.scorer = scorer
	return v, nil
}

// Validate scores one candidate run and returns the resulting mapping. A run
// that cannot be found, or whose lookup fails or times out, yields a
// zero-confidence REJECTED mapping. Only invalid arguments return an error.
func (v *Validator) Validate(ctx context.Context, jobName, runID string, ec *models.ExecutionContext) (*models.JobExecutionMapping, error) {
	if err := checkArgs(jobName, ec); err != nil {
		return nil, err
	}
	if runID == "" {
		return nil, models.NewValidationError("candidate run id is required")
	}
	m, _ := v.validate(ctx, jobName, runID, ec)
	return m, nil
}

func checkArgs(jobName string, ec *models.ExecutionContext) error {
	if jobName == "" {
		return models.NewValidationError("job name is required")
	}
	if ec == nil {
		return models.NewValidationError("execution context is required")
	}
	return nil
}

func (v *Validator) validate(ctx context.Context, jobName, runID string, ec *models.ExecutionContext) (*models.JobExecutionMapping, scoring.Result) {
	lookupCtx := ctx
	if timeout := v.cfg.LookupTimeout.Std(); timeout > 0 {
		var cancel context.CancelFunc
		lookupCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	run, err := v.client.GetJobRun(lookupCtx, jobName, runID)
	if err != nil {
		reason := FailureRunNotFound
		if !IsNotFound(err) {
			reason = fmt.Sprintf("Job metadata unavailable: %v", err)
		}
		v.logger.DebugWithFields("Candidate run rejected without scoring",
			logging.Field("job_name", jobName),
			logging.Field("run_id", runID),
			logging.Field("reason", reason))
		return v.failedMapping(ec, jobName, runID, reason), scoring.Result{
			CandidateID: runID,
			Breakdown:   map[string]float64{},
			Reasons:     []scoring.Reason{{Text: reason}},
		}
	}

	res := v.scorer.Score(ec, runID, run)
	m := v.buildMapping(ec, jobName, runID, run, res)

	v.logger.DebugWithFields("Validated candidate run",
		logging.Field("job_name", jobName),
		logging.Field("run_id", runID),
		logging.Field("confidence", m.ConfidenceScore),
		logging.Field("status", string(m.ValidationStatus)))
	return m, res
}

func (v *Validator) failedMapping(ec *models.ExecutionContext, jobName, runID, reason string) *models.JobExecutionMapping {
	now := v.now()
	return &models.JobExecutionMapping{
		ContextID:        ec.ContextID,
		JobName:          jobName,
		JobRunID:         runID,
		ConfidenceScore:  0,
		ValidationStatus: models.StatusRejected,
		ValidationMethod: models.MethodMultiDimensional,
		CreatedAt:        now,
		UpdatedAt:        now,
		Reasons:          []string{reason},
		Metadata: map[string]interface{}{
			models.MetaFailureReason: reason,
		},
	}
}

func (v *Validator) buildMapping(ec *models.ExecutionContext, jobName, runID string, run *JobRun, res scoring.Result) *models.JobExecutionMapping {
	now := v.now()
	m := &models.JobExecutionMapping{
		ContextID:        ec.ContextID,
		JobName:          jobName,
		JobRunID:         runID,
		ConfidenceScore:  res.TotalScore,
		ValidationStatus: models.StatusForScore(res.TotalScore, v.cfg.ValidatedThreshold, v.cfg.PendingThreshold),
		ValidationMethod: models.MethodMultiDimensional,
		CreatedAt:        now,
		UpdatedAt:        now,
		ParameterMatch:   len(parameterMatches(ec, run.Arguments)) > 0,
		EnvironmentMatch: len(environmentMatches(ec, run.Arguments)) > 0,
		JobStartTime:     run.StartTime,
		JobEndTime:       run.EndTime,
		JobStatus:        run.Status,
		JobArguments:     run.Arguments,
		Breakdown:        res.Breakdown,
		Reasons:          res.ReasonTexts(),
		Metadata: map[string]interface{}{
			models.MetaValidationDetails: map[string]interface{}{
				"parameter_matches":   parameterMatches(ec, run.Arguments),
				"environment_matches": environmentMatches(ec, run.Arguments),
				"context_matches":     contextMatches(ec, run.Arguments),
				"omitted_dimensions":  res.Omitted,
			},
		},
	}
	if run.StartTime != nil {
		diff := math.Abs(run.StartTime.Sub(ec.Timestamp).Seconds())
		m.TimeDiffSeconds = &diff
	}
	return m
}

func (v *Validator) evalTime(ec *models.ExecutionContext, run *JobRun) scoring.Evaluation {
	if run.StartTime == nil {
		return scoring.Omitted("Job start time not available")
	}
	diff := math.Abs(run.StartTime.Sub(ec.Timestamp).Seconds())
	return scoring.Computed(scoring.TimeProximitySeconds(v.scoring, diff), "Time difference: %.1f seconds", diff)
}

func evalParameters(ec *models.ExecutionContext, run *JobRun) scoring.Evaluation {
	n := len(parameterMatches(ec, run.Arguments))
	return scoring.Computed(math.Min(1, float64(n)*parameterMatchStep), "Found %d parameter matches", n)
}

func evalEnvironment(ec *models.ExecutionContext, run *JobRun) scoring.Evaluation {
	n := len(environmentMatches(ec, run.Arguments))
	return scoring.Computed(math.Min(1, float64(n)*environmentMatchStep), "Found %d environment matches", n)
}

func evalContextSpecific(ec *models.ExecutionContext, run *JobRun) scoring.Evaluation {
	n := len(contextMatches(ec, run.Arguments))
	return scoring.Computed(math.Min(1, float64(n)*contextMatchStep), "Found %d context matches", n)
}

func sortedKeys(args map[string]string) []string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// parameterMatches lists one entry per argument carrying the user id, the
// working directory, or an environment identifier of the context.
func parameterMatches(ec *models.ExecutionContext, args map[string]string) []string {
	var matches []string
	keys := sortedKeys(args)

	if ec.UserID != "" && ec.UserID != "unknown" {
		user := strings.ToLower(ec.UserID)
		for _, k := range keys {
			if strings.Contains(strings.ToLower(args[k]), user) {
				matches = append(matches, "User match in "+k)
			}
		}
	}

	switch ec.EnvironmentKind {
	case models.EnvManagedNotebook:
		for _, k := range keys {
			if containsAny(strings.ToLower(args[k]), managedNotebookTokens) {
				matches = append(matches, "Managed notebook indicator in "+k)
			}
		}
	case models.EnvOrchestratorTask:
		if ec.OrchestratorDagID != "" {
			for _, k := range keys {
				if strings.Contains(args[k], ec.OrchestratorDagID) {
					matches = append(matches, "DAG id match in "+k)
				}
			}
		}
	}

	if ec.WorkingDirectory != "" && ec.WorkingDirectory != "/" {
		for _, k := range keys {
			if strings.Contains(args[k], ec.WorkingDirectory) {
				matches = append(matches, "Path match in "+k)
			}
		}
	}
	return matches
}

// environmentMatches looks for the kind-specific identifiers of the context.
func environmentMatches(ec *models.ExecutionContext, args map[string]string) []string {
	var needles []struct{ label, value string }
	switch ec.EnvironmentKind {
	case models.EnvManagedNotebook:
		needles = append(needles,
			struct{ label, value string }{"Notebook instance", ec.NotebookInstance},
			struct{ label, value string }{"Notebook role", ec.NotebookRole})
	case models.EnvOrchestratorTask:
		needles = append(needles,
			struct{ label, value string }{"DAG id", ec.OrchestratorDagID},
			struct{ label, value string }{"Task id", ec.OrchestratorTaskID})
	default:
		return nil
	}

	var matches []string
	keys := sortedKeys(args)
	for _, n := range needles {
		if n.value == "" || n.value == "unknown" {
			continue
		}
		for _, k := range keys {
			if strings.Contains(args[k], n.value) {
				matches = append(matches, n.label+" match in "+k)
			}
		}
	}
	return matches
}

// contextMatches looks for the literal pid or session id.
func contextMatches(ec *models.ExecutionContext, args map[string]string) []string {
	var matches []string
	keys := sortedKeys(args)
	pid := strconv.Itoa(ec.ProcessID)
	for _, k := range keys {
		lk := strings.ToLower(k)
		if ec.ProcessID > 0 && containsAny(lk, processKeyHints) && strings.Contains(args[k], pid) {
			matches = append(matches, "Process id match in "+k)
		}
		if ec.SessionID != "" && containsAny(lk, sessionKeyHints) && strings.Contains(args[k], ec.SessionID) {
			matches = append(matches, "Session id match in "+k)
		}
	}
	return matches
}

func containsAny(s string, tokens []string) bool {
	for _, t := range tokens {
		if strings.Contains(s, t) {
			return true
		}
	}
	return false
}

// CandidateSet is the ranked outcome of validating several runs of one job.
type CandidateSet struct {
	JobName  string                        `json:"job_name"`
	Mappings []*models.JobExecutionMapping `json:"mappings"`
	Ranking  scoring.Ranking               `json:"ranking"`
}

// Best returns the top mapping.
func (s *CandidateSet) Best() *models.JobExecutionMapping {
	if len(s.Mappings) == 0 {
		return nil
	}
	return s.Mappings[0]
}

// ConflictDetected reports a near-tie between the top two runs.
func (s *CandidateSet) ConflictDetected() bool {
	return s.Ranking.ConflictDetected()
}

// ValidateAll validates runIDs concurrently and ranks the mappings. The
// ranking flags a conflict when the top two scores are closer than the
// configured gap; resolving it is left to the caller.
func (v *Validator) ValidateAll(ctx context.Context, jobName string, runIDs []string, ec *models.ExecutionContext) (*CandidateSet, error) {
	if err := checkArgs(jobName, ec); err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(runIDs))
	unique := make([]string, 0, len(runIDs))
	for _, id := range runIDs {
		if id == "" {
			return nil, models.NewValidationError("candidate run ids must not be empty")
		}
		if !seen[id] {
			seen[id] = true
			unique = append(unique, id)
		}
	}
	runIDs = unique

	mappings := make([]*models.JobExecutionMapping, len(runIDs))
	results := make([]scoring.Result, len(runIDs))

	g, gctx := errgroup.WithContext(ctx)
	if v.cfg.MaxConcurrency > 0 {
		g.SetLimit(v.cfg.MaxConcurrency)
	}
	for i, id := range runIDs {
		g.Go(func() error {
			mappings[i], results[i] = v.validate(gctx, jobName, id, ec)
			return nil
		})
	}
	_ = g.Wait()

	byID := make(map[string]*models.JobExecutionMapping, len(mappings))
	for _, m := range mappings {
		byID[m.JobRunID] = m
	}
	ranking := v.scorer.RankResults(results)
	ordered := make([]*models.JobExecutionMapping, 0, len(ranking.Results))
	for _, r := range ranking.Results {
		ordered = append(ordered, byID[r.CandidateID])
	}

	if ranking.ConflictDetected() {
		v.logger.InfoWithFields("Ambiguous job runs",
			logging.Field("job_name", jobName),
			logging.Field("gap", ranking.Conflict.Gap),
			logging.Field("candidates", len(ranking.Conflict.Candidates)))
	}

	return &CandidateSet{JobName: jobName, Mappings: ordered, Ranking: ranking}, nil
}

// Candidates lists runs of jobName that started within window of now,
// newest first. It requires a JobRunLister.
func (v *Validator) Candidates(ctx context.Context, jobName string, window time.Duration) ([]JobRun, error) {
	if jobName == "" {
		return nil, models.NewValidationError("job name is required")
	}
	if v.lister == nil {
		return nil, models.NewValidationError("no job run lister configured")
	}
	if window <= 0 {
		window = v.cfg.CandidateWindow.Std()
	}

	listCtx := ctx
	if timeout := v.cfg.LookupTimeout.Std(); timeout > 0 {
		var cancel context.CancelFunc
		listCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	runs, err := v.lister.ListJobRuns(listCtx, jobName)
	if err != nil {
		v.logger.Warn("Failed to list runs for %s: %v", jobName, err)
		return []JobRun{}, nil
	}

	end := v.now()
	start := end.Add(-window)
	out := make([]JobRun, 0, len(runs))
	for _, r := range runs {
		if r.StartTime == nil {
			continue
		}
		if r.StartTime.Before(start) || r.StartTime.After(end) {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(*out[j].StartTime) {
			return out[i].StartTime.After(*out[j].StartTime)
		}
		return out[i].RunID < out[j].RunID
	})
	return out, nil
}
