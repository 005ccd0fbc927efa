package jobrun

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/moolen/lineagectx/internal/config"
	"github.com/moolen/lineagectx/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ctxTime = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func ptr(t time.Time) *time.Time { return &t }

func scriptContext() *models.ExecutionContext {
	return &models.ExecutionContext{
		ContextID:        "standalone_script_4242_20240601_120000_000_abcd1234",
		EnvironmentKind:  models.EnvStandaloneScript,
		Timestamp:        ctxTime,
		ProcessID:        4242,
		CommandLine:      "python etl.py",
		WorkingDirectory: "/srv/etl",
		UserID:           "alice",
	}
}

func orchestratorContext() *models.ExecutionContext {
	c := scriptContext()
	c.EnvironmentKind = models.EnvOrchestratorTask
	c.OrchestratorDagID = "daily_etl"
	c.OrchestratorTaskID = "load"
	c.SessionID = "sess-9"
	return c
}

func newTestValidator(t *testing.T, client JobMetadataClient, opts ...Option) *Validator {
	t.Helper()
	cfg := config.Default()
	opts = append([]Option{WithClock(func() time.Time { return ctxTime.Add(time.Minute) })}, opts...)
	v, err := NewValidator(client, cfg.JobRun, cfg.Scoring, opts...)
	require.NoError(t, err)
	return v
}

func TestValidate_UserMatchScenario(t *testing.T) {
	client := NewStaticClient(JobRun{
		JobName:   "etl",
		RunID:     "jr_1",
		StartTime: ptr(ctxTime.Add(-45 * time.Second)),
		Status:    "SUCCEEDED",
		Arguments: map[string]string{"--owner": "alice", "--date": "2024-06-01"},
	})
	v := newTestValidator(t, client)

	m, err := v.Validate(context.Background(), "etl", "jr_1", scriptContext())
	require.NoError(t, err)

	// 0.4*1.0 + 0.3*0.3 + 0.2*0 + 0.1*0
	assert.InDelta(t, 0.49, m.ConfidenceScore, 1e-9)
	assert.Equal(t, models.StatusRejected, m.ValidationStatus)
	assert.True(t, m.ParameterMatch)
	assert.False(t, m.EnvironmentMatch)
	require.NotNil(t, m.TimeDiffSeconds)
	assert.Equal(t, 45.0, *m.TimeDiffSeconds)
	assert.Equal(t, 1.0, m.Breakdown[DimTime])
	assert.InDelta(t, 0.3, m.Breakdown[DimParameter], 1e-9)
	assert.Equal(t, "etl", m.JobName)
	assert.Equal(t, "SUCCEEDED", m.JobStatus)
	assert.Equal(t, ctxTime.Add(time.Minute), m.CreatedAt)
}

func TestValidate_StrongOrchestratorMatch(t *testing.T) {
	client := NewStaticClient(JobRun{
		JobName:   "etl",
		RunID:     "jr_2",
		StartTime: ptr(ctxTime.Add(30 * time.Second)),
		Arguments: map[string]string{
			"--dag":     "daily_etl",
			"--task":    "load",
			"--user":    "alice",
			"--pid":     "4242",
			"--session": "sess-9",
		},
	})
	v := newTestValidator(t, client)

	m, err := v.Validate(context.Background(), "etl", "jr_2", orchestratorContext())
	require.NoError(t, err)

	// time 1.0, params 2 matches (0.6), env 2 matches (0.8), context 2 matches (1.0)
	assert.InDelta(t, 0.4+0.3*0.6+0.2*0.8+0.1*1.0, m.ConfidenceScore, 1e-9)
	assert.Equal(t, models.StatusValidated, m.ValidationStatus)
	assert.True(t, m.EnvironmentMatch)
	assert.True(t, m.IsValid(ctxTime.Add(time.Hour)))
}

func TestValidate_MissingStartTimeOmitsDimension(t *testing.T) {
	client := NewStaticClient(JobRun{
		JobName:   "etl",
		RunID:     "jr_3",
		Arguments: map[string]string{"--owner": "alice"},
	})
	v := newTestValidator(t, client)

	m, err := v.Validate(context.Background(), "etl", "jr_3", scriptContext())
	require.NoError(t, err)

	assert.InDelta(t, (0.3*0.3)/0.6, m.ConfidenceScore, 1e-9)
	assert.Nil(t, m.TimeDiffSeconds)
	_, ok := m.Breakdown[DimTime]
	assert.False(t, ok)
}

func TestValidate_NotFoundShortCircuits(t *testing.T) {
	v := newTestValidator(t, NewStaticClient())

	m, err := v.Validate(context.Background(), "etl", "jr_missing", scriptContext())
	require.NoError(t, err)
	assert.Equal(t, 0.0, m.ConfidenceScore)
	assert.Equal(t, models.StatusRejected, m.ValidationStatus)
	assert.Equal(t, FailureRunNotFound, m.FailureReason())
	assert.Empty(t, m.Breakdown)
}

type failingClient struct{ err error }

func (c failingClient) GetJobRun(context.Context, string, string) (*JobRun, error) {
	return nil, c.err
}

type slowClient struct{}

func (slowClient) GetJobRun(ctx context.Context, _, _ string) (*JobRun, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestValidate_UnavailableBecomesRejected(t *testing.T) {
	v := newTestValidator(t, failingClient{err: errors.New("throttled")})
	m, err := v.Validate(context.Background(), "etl", "jr_1", scriptContext())
	require.NoError(t, err)
	assert.Equal(t, models.StatusRejected, m.ValidationStatus)
	assert.Contains(t, m.FailureReason(), "throttled")
}

func TestValidate_TimeoutCountsAsNotFound(t *testing.T) {
	cfg := config.Default()
	cfg.JobRun.LookupTimeout = config.Duration(20 * time.Millisecond)
	v, err := NewValidator(slowClient{}, cfg.JobRun, cfg.Scoring)
	require.NoError(t, err)

	m, err := v.Validate(context.Background(), "etl", "jr_1", scriptContext())
	require.NoError(t, err)
	assert.Equal(t, FailureRunNotFound, m.FailureReason())
}

func TestValidate_InvalidArguments(t *testing.T) {
	v := newTestValidator(t, NewStaticClient())
	ctx := context.Background()

	_, err := v.Validate(ctx, "", "jr", scriptContext())
	assert.True(t, models.IsValidationError(err))
	_, err = v.Validate(ctx, "etl", "", scriptContext())
	assert.True(t, models.IsValidationError(err))
	_, err = v.Validate(ctx, "etl", "jr", nil)
	assert.True(t, models.IsValidationError(err))

	_, err = NewValidator(nil, config.Default().JobRun, config.Default().Scoring)
	assert.Error(t, err)

	bad := config.Default()
	bad.JobRun.Weights.Time = 0.9
	_, err = NewValidator(NewStaticClient(), bad.JobRun, bad.Scoring)
	assert.Error(t, err)
}

func TestValidate_Deterministic(t *testing.T) {
	client := NewStaticClient(JobRun{
		JobName:   "etl",
		RunID:     "jr_1",
		StartTime: ptr(ctxTime.Add(-200 * time.Second)),
		Arguments: map[string]string{"--owner": "alice", "--path": "/srv/etl/out"},
	})
	v := newTestValidator(t, client)

	a, err := v.Validate(context.Background(), "etl", "jr_1", scriptContext())
	require.NoError(t, err)
	b, err := v.Validate(context.Background(), "etl", "jr_1", scriptContext())
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestValidateAll_RanksAndFlagsConflict(t *testing.T) {
	args := map[string]string{"--owner": "alice"}
	client := NewStaticClient(
		JobRun{JobName: "etl", RunID: "jr_b", StartTime: ptr(ctxTime.Add(-30 * time.Second)), Arguments: args},
		JobRun{JobName: "etl", RunID: "jr_a", StartTime: ptr(ctxTime.Add(50 * time.Second)), Arguments: args},
		JobRun{JobName: "etl", RunID: "jr_c", StartTime: ptr(ctxTime.Add(-3 * time.Hour)), Arguments: args},
	)
	v := newTestValidator(t, client)

	set, err := v.ValidateAll(context.Background(), "etl", []string{"jr_c", "jr_b", "jr_a", "jr_b", "jr_x"}, scriptContext())
	require.NoError(t, err)

	require.Len(t, set.Mappings, 4)
	assert.Equal(t, "jr_a", set.Best().JobRunID, "ties break on run id")
	assert.Equal(t, "jr_b", set.Mappings[1].JobRunID)
	assert.Equal(t, "jr_c", set.Mappings[2].JobRunID)
	assert.Equal(t, "jr_x", set.Mappings[3].JobRunID)
	assert.True(t, set.ConflictDetected())
	assert.Len(t, set.Ranking.Conflict.Candidates, 2)
}

func TestValidateAll_ClearWinner(t *testing.T) {
	client := NewStaticClient(
		JobRun{JobName: "etl", RunID: "near", StartTime: ptr(ctxTime.Add(-10 * time.Second)), Arguments: map[string]string{"--owner": "alice"}},
		JobRun{JobName: "etl", RunID: "far", StartTime: ptr(ctxTime.Add(-2 * time.Hour))},
	)
	v := newTestValidator(t, client)

	set, err := v.ValidateAll(context.Background(), "etl", []string{"far", "near"}, scriptContext())
	require.NoError(t, err)
	assert.False(t, set.ConflictDetected())
	assert.Equal(t, "near", set.Best().JobRunID)
}

func TestCandidates(t *testing.T) {
	now := ctxTime.Add(time.Minute)
	client := NewStaticClient(
		JobRun{JobName: "etl", RunID: "old", StartTime: ptr(now.Add(-3 * time.Hour))},
		JobRun{JobName: "etl", RunID: "recent", StartTime: ptr(now.Add(-10 * time.Minute))},
		JobRun{JobName: "etl", RunID: "newest", StartTime: ptr(now.Add(-time.Minute))},
		JobRun{JobName: "etl", RunID: "nostart"},
		JobRun{JobName: "other", RunID: "x", StartTime: ptr(now)},
	)
	v := newTestValidator(t, client, WithLister(client))

	runs, err := v.Candidates(context.Background(), "etl", 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "newest", runs[0].RunID)
	assert.Equal(t, "recent", runs[1].RunID)

	runs, err = v.Candidates(context.Background(), "etl", 5*time.Hour)
	require.NoError(t, err)
	assert.Len(t, runs, 3)

	noLister := newTestValidator(t, client)
	_, err = noLister.Candidates(context.Background(), "etl", 0)
	assert.True(t, models.IsValidationError(err))
}
