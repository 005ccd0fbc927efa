package logstream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/moolen/lineagectx/internal/config"
	"github.com/moolen/lineagectx/internal/models"
	"github.com/moolen/lineagectx/internal/scoring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ctxTime = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func at(offset time.Duration) *time.Time {
	t := ctxTime.Add(offset)
	return &t
}

func notebookContext() *models.ExecutionContext {
	return &models.ExecutionContext{
		ContextID:        "managed_notebook_77_20240601_120000_000_deadbeef",
		EnvironmentKind:  models.EnvManagedNotebook,
		Timestamp:        ctxTime,
		ProcessID:        77,
		NotebookInstance: "analytics-nb",
	}
}

func newTestSelector(t *testing.T, opts ...Option) *Selector {
	t.Helper()
	cfg := config.Default()
	s, err := NewSelector(cfg.LogStream, cfg.Scoring, opts...)
	require.NoError(t, err)
	return s
}

func TestSelect_PrefersMatchingRecentStream(t *testing.T) {
	s := newTestSelector(t)
	streams := []StreamDescriptor{
		{Name: "jr_generic_output", LastActivity: at(1200 * time.Second), StoredBytes: 500},
		{Name: "sagemaker-job/jr_1", LastActivity: at(-30 * time.Second), StoredBytes: 5000},
	}

	sel, err := s.Select("etl", notebookContext(), streams)
	require.NoError(t, err)

	require.NotNil(t, sel.Selected)
	assert.Equal(t, "sagemaker-job/jr_1", sel.Selected.Name)
	// 0.4*1.0 + 0.25*0.9 + 0.2*0.8 + 0.15*1.0
	assert.InDelta(t, 0.935, sel.Confidence, 1e-9)
	assert.False(t, sel.ConflictDetected)
	assert.Nil(t, sel.ConflictDetails)
	require.Len(t, sel.AllScores, 2)
	// 0.4*0.4 + 0.25*0.2 + 0.2*0.6 + 0.15*0.7
	assert.InDelta(t, 0.435, sel.AllScores[1].TotalScore, 1e-9)
	assert.Equal(t, 0.9, sel.Breakdown[DimEnvironment])
}

func TestSelect_EmptyCandidates(t *testing.T) {
	s := newTestSelector(t)
	sel, err := s.Select("etl", notebookContext(), nil)
	require.NoError(t, err)
	assert.Nil(t, sel.Selected)
	assert.Equal(t, 0.0, sel.Confidence)
	assert.Equal(t, []string{ReasonNoStreams}, sel.Reasons)
	assert.Empty(t, sel.AllScores)
}

func TestSelect_NilContext(t *testing.T) {
	s := newTestSelector(t)
	_, err := s.Select("etl", nil, []StreamDescriptor{{Name: "a"}})
	assert.True(t, models.IsValidationError(err))
}

func TestSelect_ConflictReport(t *testing.T) {
	s := newTestSelector(t)
	streams := []StreamDescriptor{
		{Name: "notebook-a", LastActivity: at(10 * time.Second), StoredBytes: 5000},
		{Name: "notebook-b", LastActivity: at(-20 * time.Second), StoredBytes: 5000},
		{Name: "notebook-c", LastActivity: at(40 * time.Second), StoredBytes: 5000},
		{Name: "notebook-d", LastActivity: at(50 * time.Second), StoredBytes: 5000},
		{Name: "other", LastActivity: at(2 * time.Hour), StoredBytes: 10},
	}

	sel, err := s.Select("etl", notebookContext(), streams)
	require.NoError(t, err)

	assert.True(t, sel.ConflictDetected)
	require.NotNil(t, sel.ConflictDetails)
	assert.Equal(t, 0.0, sel.ConflictDetails.ScoreDifference)
	assert.Equal(t, ConflictRecommendation, sel.ConflictDetails.Recommendation)
	require.Len(t, sel.ConflictDetails.Streams, 3)
	assert.Equal(t, "notebook-a", sel.ConflictDetails.Streams[0].Name)
	assert.Equal(t, "notebook-c", sel.ConflictDetails.Streams[2].Name)
	for _, cs := range sel.ConflictDetails.Streams {
		assert.LessOrEqual(t, len(cs.Reasons), 3)
	}
	assert.Equal(t, "notebook-a", sel.Selected.Name)
}

func TestSelect_MissingActivityOmitsTime(t *testing.T) {
	s := newTestSelector(t)
	sel, err := s.Select("etl", notebookContext(), []StreamDescriptor{{Name: "notebook-x", StoredBytes: 5000}})
	require.NoError(t, err)

	// (0.25*0.9 + 0.2*0.8 + 0.15*1.0) / 0.6
	assert.InDelta(t, (0.225+0.16+0.15)/0.6, sel.Confidence, 1e-9)
	_, ok := sel.Breakdown[DimTime]
	assert.False(t, ok)
}

func TestSelect_FallbackOnPanic(t *testing.T) {
	s := newTestSelector(t)
	s.rank = func(*models.ExecutionContext, []StreamDescriptor) scoring.Ranking {
		panic("boom")
	}
	streams := []StreamDescriptor{
		{Name: "older", LastActivity: at(-time.Hour)},
		{Name: "newest", LastActivity: at(time.Minute)},
		{Name: "no-activity"},
	}

	sel, err := s.Select("etl", notebookContext(), streams)
	require.NoError(t, err)
	assert.True(t, sel.IsFallback)
	assert.Equal(t, "newest", sel.Selected.Name)
	assert.Equal(t, 0.3, sel.Confidence)
	assert.Contains(t, sel.FallbackReason, "boom")
}

func TestEnvironmentScores(t *testing.T) {
	orchestrator := &models.ExecutionContext{EnvironmentKind: models.EnvOrchestratorTask, OrchestratorDagID: "Daily_ETL"}
	script := &models.ExecutionContext{EnvironmentKind: models.EnvStandaloneScript}
	unknown := &models.ExecutionContext{EnvironmentKind: models.EnvUnknown}

	tests := []struct {
		name   string
		ec     *models.ExecutionContext
		stream string
		want   float64
	}{
		{"managed match", notebookContext(), "SM-training", 0.9},
		{"managed miss", notebookContext(), "jr_123", 0.2},
		{"dag id literal", orchestrator, "daily_etl/attempt_1", 0.95},
		{"orchestrator token", orchestrator, "airflow-worker", 0.9},
		{"orchestrator miss", orchestrator, "jr_123", 0.2},
		{"script match", script, "manual-run", 0.7},
		{"script neutral", script, "jr_123", 0.5},
		{"unknown", unknown, "anything", 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := evalEnvironment(tt.ec, StreamDescriptor{Name: tt.stream})
			assert.True(t, ev.Computed)
			assert.Equal(t, tt.want, ev.Score)
		})
	}
}

func TestContentAndSizeBands(t *testing.T) {
	tests := []struct {
		bytes   int64
		quality float64
		size    float64
	}{
		{0, 0.1, 0},
		{10, 0.3, 0.2},
		{100, 0.3, 0.7},
		{500, 0.6, 0.7},
		{1000, 0.6, 1.0},
		{5000, 0.8, 1.0},
		{10001, 1.0, 1.0},
		{50_000_000, 1.0, 0.7},
		{200_000_000, 1.0, 0.3},
	}
	for _, tt := range tests {
		d := StreamDescriptor{StoredBytes: tt.bytes}
		assert.Equal(t, tt.quality, evalContentQuality(nil, d).Score, "quality for %d bytes", tt.bytes)
		assert.Equal(t, tt.size, evalSizeRelevance(nil, d).Score, "size for %d bytes", tt.bytes)
	}
}

type fakeLister struct {
	streams []StreamDescriptor
	err     error
}

func (f fakeLister) ListStreams(context.Context, string, string) ([]StreamDescriptor, error) {
	return f.streams, f.err
}

func TestStreamsForJob(t *testing.T) {
	now := ctxTime
	lister := fakeLister{streams: []StreamDescriptor{
		{Name: "stale", LastActivity: at(-5 * time.Hour)},
		{Name: "b", LastActivity: at(-10 * time.Minute)},
		{Name: "a", LastActivity: at(-10 * time.Minute)},
		{Name: "fresh", LastActivity: at(-time.Minute)},
		{Name: "never"},
	}}
	s := newTestSelector(t, WithLister(lister), WithClock(func() time.Time { return now }))

	got, err := s.StreamsForJob(context.Background(), "/aws-glue/jobs/output", 0)
	require.NoError(t, err)
	var names []string
	for _, d := range got {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"fresh", "a", "b"}, names)
}

func TestStreamsForJob_Failures(t *testing.T) {
	s := newTestSelector(t, WithLister(fakeLister{err: errors.New("throttled")}))
	got, err := s.StreamsForJob(context.Background(), "group", time.Hour)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = s.StreamsForJob(context.Background(), "", time.Hour)
	assert.True(t, models.IsValidationError(err))

	_, err = newTestSelector(t).StreamsForJob(context.Background(), "group", time.Hour)
	assert.True(t, models.IsValidationError(err))
}
