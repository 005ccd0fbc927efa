// Package logstream ranks candidate log streams by their relevance to an
// execution context, replacing most-recent-stream selection.
package logstream

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/moolen/lineagectx/internal/config"
	"github.com/moolen/lineagectx/internal/logging"
	"github.com/moolen/lineagectx/internal/models"
	"github.com/moolen/lineagectx/internal/scoring"
)

// Dimension names.
const (
	DimTime           = "time_match"
	DimEnvironment    = "environment_match"
	DimContentQuality = "content_quality"
	DimSizeRelevance  = "size_relevance"
)

const (
	// ReasonNoStreams is the only reason on a selection over zero candidates.
	ReasonNoStreams = "No streams available"

	// ConflictRecommendation accompanies every reported conflict.
	ConflictRecommendation = "Manual review recommended due to close scores"

	maxConflictStreams = 3
	maxConflictReasons = 3
)

// Size boundaries in bytes.
const (
	tinyStreamBytes    = 50
	optimalMinBytes    = 1000
	optimalMaxBytes    = 10_000_000
	oversizedBytes     = 100_000_000
	limitedContent     = 100
	goodContent        = 1000
	substantialContent = 10000
)

var (
	managedNotebookTokens = []string{"sagemaker", "notebook", "ml-", "sm-"}
	orchestratorTokens    = []string{"airflow", "dag", "task"}
	scriptTokens          = []string{"script", "standalone", "manual"}
)

// StreamDescriptor is one candidate log stream.
type StreamDescriptor struct {
	Name         string     `json:"name"`
	LastActivity *time.Time `json:"last_activity,omitempty"`
	StoredBytes  int64      `json:"stored_bytes"`
}

// StreamLister lists the streams of a log group, optionally by name prefix.
type StreamLister interface {
	ListStreams(ctx context.Context, logGroup, namePrefix string) ([]StreamDescriptor, error)
}

// ConflictingStream is one near-tied stream in a conflict report.
type ConflictingStream struct {
	Name    string   `json:"stream_name"`
	Score   float64  `json:"score"`
	Reasons []string `json:"reasons"`
}

// ConflictDetails describes a near-tie between the top streams.
type ConflictDetails struct {
	ScoreDifference float64             `json:"score_difference"`
	Streams         []ConflictingStream `json:"conflicting_streams"`
	Recommendation  string              `json:"recommendation"`
}

// Selection is the outcome of Select. Selected is nil only when there were
// no candidates.
type Selection struct {
	JobName          string             `json:"job_name"`
	ContextID        string             `json:"context_id"`
	Selected         *StreamDescriptor  `json:"selected_stream"`
	Confidence       float64            `json:"confidence_score"`
	Reasons          []string           `json:"selection_reasons"`
	Breakdown        map[string]float64 `json:"score_breakdown,omitempty"`
	AllScores        []scoring.Result   `json:"all_scores"`
	ConflictDetected bool               `json:"conflict_detected"`
	ConflictDetails  *ConflictDetails   `json:"conflict_details,omitempty"`
	IsFallback       bool               `json:"is_fallback,omitempty"`
	FallbackReason   string             `json:"fallback_reason,omitempty"`
}

// Option configures a Selector.
type Option func(*Selector)

// WithClock replaces time.Now for activity windows.
func WithClock(now func() time.Time) Option {
	return func(s *Selector) { s.now = now }
}

// WithLister enables StreamsForJob.
func WithLister(l StreamLister) Option {
	return func(s *Selector) { s.lister = l }
}

// Selector ranks log streams for a context. It holds no mutable state and is
// safe for concurrent use.
type Selector struct {
	cfg     config.LogStreamConfig
	scoring config.ScoringConfig
	scorer  *scoring.Scorer[StreamDescriptor]
	lister  StreamLister
	now     func() time.Time
	logger  *logging.Logger

	// rank is swapped in tests to exercise the fallback path.
	rank func(ec *models.ExecutionContext, streams []StreamDescriptor) scoring.Ranking
}

// NewSelector builds a Selector from the log-stream and scoring sections.
func NewSelector(cfg config.LogStreamConfig, sc config.ScoringConfig, opts ...Option) (*Selector, error) {
	s := &Selector{
		cfg:     cfg,
		scoring: sc,
		now:     time.Now,
		logger:  logging.GetLogger("logstream"),
	}
	for _, opt := range opts {
		opt(s)
	}

	scorer, err := scoring.NewScorer(sc.ConflictGap,
		scoring.Dimension[StreamDescriptor]{Name: DimTime, Weight: cfg.Weights.Time, Evaluate: s.evalTime},
		scoring.Dimension[StreamDescriptor]{Name: DimEnvironment, Weight: cfg.Weights.Environment, Evaluate: evalEnvironment},
		scoring.Dimension[StreamDescriptor]{Name: DimContentQuality, Weight: cfg.Weights.ContentQuality, Evaluate: evalContentQuality},
		scoring.Dimension[StreamDescriptor]{Name: DimSizeRelevance, Weight: cfg.Weights.SizeRelevance, Evaluate: evalSizeRelevance},
	)
	if err != nil {
		return nil, err
	}
	s.scorer = scorer
	s.rank = func(ec *models.ExecutionContext, streams []StreamDescriptor) scoring.Ranking {
		return scorer.Rank(ec, streams, func(d StreamDescriptor) string { return d.Name })
	}
	return s, nil
}

// Select picks the stream most likely written by ec. It never fails on
// candidate data: if scoring breaks, the most recently active stream is
// returned with the configured fallback confidence.
func (s *Selector) Select(jobName string, ec *models.ExecutionContext, candidates []StreamDescriptor) (*Selection, error) {
	if ec == nil {
		return nil, models.NewValidationError("execution context is required")
	}

	sel := &Selection{JobName: jobName, ContextID: ec.ContextID, AllScores: []scoring.Result{}}
	if len(candidates) == 0 {
		sel.Reasons = []string{ReasonNoStreams}
		return sel, nil
	}

	streams := uniqueByName(candidates)
	ranking, err := s.safeRank(ec, streams)
	if err != nil {
		s.logger.Error("Log stream selection failed for job %s: %v", jobName, err)
		return s.fallback(sel, streams, err), nil
	}

	best, _ := ranking.Best()
	byName := make(map[string]StreamDescriptor, len(streams))
	for _, d := range streams {
		byName[d.Name] = d
	}
	selected := byName[best.CandidateID]

	sel.Selected = &selected
	sel.Confidence = best.TotalScore
	sel.Reasons = best.ReasonTexts()
	sel.Breakdown = best.Breakdown
	sel.AllScores = ranking.Results
	if ranking.ConflictDetected() {
		sel.ConflictDetected = true
		sel.ConflictDetails = conflictDetails(ranking)
	}

	s.logger.DebugWithFields("Selection history",
		logging.Field("job_name", jobName),
		logging.Field("context_id", ec.ContextID),
		logging.Field("environment_kind", string(ec.EnvironmentKind)),
		logging.Field("selected_stream", selected.Name),
		logging.Field("confidence", sel.Confidence),
		logging.Field("conflict_detected", sel.ConflictDetected),
		logging.Field("total_candidates", len(streams)))
	s.logger.Info("Selected log stream for job %s: %s (score: %.3f)", jobName, selected.Name, sel.Confidence)
	return sel, nil
}

func (s *Selector) safeRank(ec *models.ExecutionContext, streams []StreamDescriptor) (r scoring.Ranking, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("scoring panicked: %v", p)
		}
	}()
	r = s.rank(ec, streams)
	if len(r.Results) == 0 {
		return r, fmt.Errorf("scoring returned no results for %d streams", len(streams))
	}
	return r, nil
}

func (s *Selector) fallback(sel *Selection, streams []StreamDescriptor, cause error) *Selection {
	latest := mostRecent(streams)
	sel.Selected = &latest
	sel.Confidence = s.cfg.FallbackConfidence
	sel.Reasons = []string{
		"Fallback to most recent activity selection",
		fmt.Sprintf("Error in scored selection: %v", cause),
	}
	sel.IsFallback = true
	sel.FallbackReason = cause.Error()
	return sel
}

// mostRecent returns the stream with the latest activity. Streams without
// activity sort oldest; ties keep the lexically smallest name.
func mostRecent(streams []StreamDescriptor) StreamDescriptor {
	best := streams[0]
	for _, d := range streams[1:] {
		switch {
		case activity(d).After(activity(best)):
			best = d
		case activity(d).Equal(activity(best)) && d.Name < best.Name:
			best = d
		}
	}
	return best
}

func activity(d StreamDescriptor) time.Time {
	if d.LastActivity == nil {
		return time.Time{}
	}
	return *d.LastActivity
}

func uniqueByName(candidates []StreamDescriptor) []StreamDescriptor {
	seen := make(map[string]bool, len(candidates))
	out := make([]StreamDescriptor, 0, len(candidates))
	for _, d := range candidates {
		if seen[d.Name] {
			continue
		}
		seen[d.Name] = true
		out = append(out, d)
	}
	return out
}

func conflictDetails(r scoring.Ranking) *ConflictDetails {
	d := &ConflictDetails{
		ScoreDifference: r.Conflict.Gap,
		Recommendation:  ConflictRecommendation,
	}
	for i, c := range r.Conflict.Candidates {
		if i == maxConflictStreams {
			break
		}
		d.Streams = append(d.Streams, ConflictingStream{
			Name:    c.CandidateID,
			Score:   c.TotalScore,
			Reasons: c.TopReasons(maxConflictReasons),
		})
	}
	return d
}

func (s *Selector) evalTime(ec *models.ExecutionContext, d StreamDescriptor) scoring.Evaluation {
	if d.LastActivity == nil {
		return scoring.Omitted("No last event time available")
	}
	diff := d.LastActivity.Sub(ec.Timestamp).Seconds()
	if diff < 0 {
		diff = -diff
	}
	score := scoring.TimeProximitySeconds(s.scoring, diff)
	return scoring.Computed(score, "Time match within %.0fs", diff)
}

func evalEnvironment(ec *models.ExecutionContext, d StreamDescriptor) scoring.Evaluation {
	name := strings.ToLower(d.Name)

	switch ec.EnvironmentKind {
	case models.EnvManagedNotebook:
		if m := matchingTokens(name, managedNotebookTokens); len(m) > 0 {
			return scoring.Computed(0.9, "Managed notebook match: %s", strings.Join(m, ", "))
		}
		return scoring.Computed(0.2, "No managed notebook indicators in stream name")

	case models.EnvOrchestratorTask:
		if dag := strings.ToLower(ec.OrchestratorDagID); dag != "" && strings.Contains(name, dag) {
			return scoring.Computed(0.95, "DAG id match: %s", ec.OrchestratorDagID)
		}
		if m := matchingTokens(name, orchestratorTokens); len(m) > 0 {
			return scoring.Computed(0.9, "Orchestrator match: %s", strings.Join(m, ", "))
		}
		return scoring.Computed(0.2, "No orchestrator indicators in stream name")

	case models.EnvStandaloneScript:
		if m := matchingTokens(name, scriptTokens); len(m) > 0 {
			return scoring.Computed(0.7, "Script match: %s", strings.Join(m, ", "))
		}
		return scoring.Computed(0.5, "Neutral match for standalone script")
	}
	return scoring.Computed(0.5, "Unknown environment kind")
}

func evalContentQuality(_ *models.ExecutionContext, d StreamDescriptor) scoring.Evaluation {
	b := d.StoredBytes
	switch {
	case b <= 0:
		return scoring.Computed(0.1, "No stored content")
	case b > substantialContent:
		return scoring.Computed(1.0, "Substantial content (%d bytes)", b)
	case b > goodContent:
		return scoring.Computed(0.8, "Good content size (%d bytes)", b)
	case b > limitedContent:
		return scoring.Computed(0.6, "Moderate content (%d bytes)", b)
	}
	return scoring.Computed(0.3, "Limited content (%d bytes)", b)
}

func evalSizeRelevance(_ *models.ExecutionContext, d StreamDescriptor) scoring.Evaluation {
	b := d.StoredBytes
	switch {
	case b <= 0:
		return scoring.Computed(0, "Empty log stream")
	case b < tinyStreamBytes:
		return scoring.Computed(0.2, "Very small log stream, possibly incomplete")
	case b > oversizedBytes:
		return scoring.Computed(0.3, "Very large log stream")
	case b >= optimalMinBytes && b <= optimalMaxBytes:
		return scoring.Computed(1.0, "Optimal log stream size")
	}
	return scoring.Computed(0.7, "Acceptable log stream size")
}

func matchingTokens(s string, tokens []string) []string {
	var out []string
	for _, t := range tokens {
		if strings.Contains(s, t) {
			out = append(out, t)
		}
	}
	return out
}

// StreamsForJob lists the streams of logGroup active within window of now,
// most recent first. Listing failures yield an empty list.
func (s *Selector) StreamsForJob(ctx context.Context, logGroup string, window time.Duration) ([]StreamDescriptor, error) {
	if logGroup == "" {
		return nil, models.NewValidationError("log group is required")
	}
	if s.lister == nil {
		return nil, models.NewValidationError("no stream lister configured")
	}
	if window <= 0 {
		window = s.cfg.ActivityWindow.Std()
	}

	listCtx := ctx
	if timeout := s.cfg.ListTimeout.Std(); timeout > 0 {
		var cancel context.CancelFunc
		listCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	streams, err := s.lister.ListStreams(listCtx, logGroup, "")
	if err != nil {
		if models.KindOf(err) == models.KindNotFound {
			s.logger.Warn("Log group not found: %s", logGroup)
		} else {
			s.logger.Error("Failed to list log streams for %s: %v", logGroup, err)
		}
		return []StreamDescriptor{}, nil
	}

	end := s.now()
	start := end.Add(-window)
	out := make([]StreamDescriptor, 0, len(streams))
	for _, d := range streams {
		if d.LastActivity == nil || d.LastActivity.Before(start) || d.LastActivity.After(end) {
			continue
		}
		out = append(out, d)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].LastActivity.Equal(*out[j].LastActivity) {
			return out[i].LastActivity.After(*out[j].LastActivity)
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}
