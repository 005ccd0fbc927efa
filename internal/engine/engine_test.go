package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/moolen/lineagectx/internal/config"
	"github.com/moolen/lineagectx/internal/conflict"
	"github.com/moolen/lineagectx/internal/fingerprint"
	"github.com/moolen/lineagectx/internal/fragmentsource"
	"github.com/moolen/lineagectx/internal/jobrun"
	"github.com/moolen/lineagectx/internal/lineage"
	"github.com/moolen/lineagectx/internal/logstream"
	"github.com/moolen/lineagectx/internal/metrics"
	"github.com/moolen/lineagectx/internal/models"
	"github.com/moolen/lineagectx/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

var ctxTime = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeRecorder struct {
	mu      sync.Mutex
	samples []metrics.Sample
}

func (f *fakeRecorder) Record(name string, value float64, dims map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.samples = append(f.samples, metrics.Sample{Name: name, Value: value, Dimensions: dims})
}

// sum adds the values of name whose dimensions include want.
func (f *fakeRecorder) sum(name string, want map[string]string) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0.0
outer:
	for _, s := range f.samples {
		if s.Name != name {
			continue
		}
		for k, v := range want {
			if s.Dimensions[k] != v {
				continue outer
			}
		}
		total += s.Value
	}
	return total
}

type harness struct {
	engine *Engine
	store  store.Store
	rec    *fakeRecorder
	spans  *tracetest.SpanRecorder
	jobs   *jobrun.StaticClient
}

func newHarness(t *testing.T, runs ...jobrun.JobRun) *harness {
	t.Helper()
	st, err := store.NewMemory(16)
	require.NoError(t, err)
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	jobs := jobrun.NewStaticClient(runs...)
	rec := &fakeRecorder{}

	e, err := New(config.Default(), Deps{
		Probe: &fingerprint.StaticProbe{
			Pid:  4242,
			Argv: []string{"python", "etl.py"},
			Cwd:  "/srv/etl",
			Env:  map[string]string{fingerprint.EnvUser: "alice"},
		},
		Jobs:      jobs,
		JobLister: jobs,
		Store:     st,
		Metrics:   rec,
		Tracer:    tp.Tracer("test"),
		Clock:     func() time.Time { return ctxTime.Add(time.Minute) },
	})
	require.NoError(t, err)
	return &harness{engine: e, store: st, rec: rec, spans: spans, jobs: jobs}
}

func (h *harness) spanNames() []string {
	var out []string
	for _, s := range h.spans.Ended() {
		out = append(out, s.Name())
	}
	return out
}

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

func TestNew_RejectsInvalidConfig(t *testing.T) {
	_, err := New(nil, Deps{})
	assert.True(t, models.IsValidationError(err))

	cfg := config.Default()
	cfg.JobRun.Weights.Time = 0.9
	_, err = New(cfg, Deps{Probe: &fingerprint.StaticProbe{}})
	assert.Error(t, err)
}

func TestFingerprint_StoresContext(t *testing.T) {
	h := newHarness(t)
	ec := h.engine.Fingerprint(context.Background())

	assert.Equal(t, models.EnvStandaloneScript, ec.EnvironmentKind)
	stored, err := h.engine.Context(context.Background(), ec.ContextID)
	require.NoError(t, err)
	assert.Equal(t, "alice", stored.UserID)
	assert.Equal(t, 1.0, h.rec.sum(MetricContexts, map[string]string{"environment_kind": "standalone_script"}))
	assert.Contains(t, h.spanNames(), "engine.Fingerprint")
}

func TestValidateJobRun_PersistsMapping(t *testing.T) {
	h := newHarness(t, jobrun.JobRun{
		JobName:   "etl",
		RunID:     "jr_1",
		StartTime: ptr(ctxTime.Add(-45 * time.Second)),
		Arguments: map[string]string{"--owner": "alice"},
	})
	ctx := context.Background()

	m, err := h.engine.ValidateJobRun(ctx, "etl", "jr_1", scriptContext())
	require.NoError(t, err)
	assert.InDelta(t, 0.49, m.ConfidenceScore, 1e-9)
	assert.Equal(t, models.StatusRejected, m.ValidationStatus)

	stored, err := h.store.QueryByRunID(ctx, "jr_1")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, m.ContextID, stored[0].ContextID)
	assert.Equal(t, 1.0, h.rec.sum(MetricJobRuns, map[string]string{"status": "REJECTED"}))
	assert.Contains(t, h.spanNames(), "engine.ValidateJobRun")

	missing, err := h.engine.ValidateJobRun(ctx, "etl", "jr_gone", scriptContext())
	require.NoError(t, err)
	assert.Zero(t, missing.ConfidenceScore)
	assert.Equal(t, models.StatusRejected, missing.ValidationStatus)

	_, err = h.engine.ValidateJobRun(ctx, "", "jr_1", scriptContext())
	assert.True(t, models.IsValidationError(err))
	assert.Equal(t, 1.0, h.rec.sum(MetricErrors, map[string]string{"kind": "invalid_argument"}))
}

func TestValidateCandidates_ListsAndResolves(t *testing.T) {
	h := newHarness(t,
		jobrun.JobRun{JobName: "etl", RunID: "jr_near", StartTime: ptr(ctxTime.Add(-10 * time.Second)), Arguments: map[string]string{"--owner": "alice"}},
		jobrun.JobRun{JobName: "etl", RunID: "jr_far", StartTime: ptr(ctxTime.Add(-90 * time.Minute))},
		jobrun.JobRun{JobName: "etl", RunID: "jr_old", StartTime: ptr(ctxTime.Add(-5 * time.Hour))},
	)
	ctx := context.Background()

	res, set, err := h.engine.ResolveJobRun(ctx, "etl", nil, scriptContext())
	require.NoError(t, err)
	require.Len(t, set.Mappings, 2, "runs outside the candidate window are not listed")
	assert.Equal(t, "jr_near", set.Best().JobRunID)
	assert.False(t, set.ConflictDetected())

	assert.Equal(t, conflict.StatusResolved, res.Status)
	require.NotNil(t, res.Selected)
	assert.Equal(t, "jr_near", res.Selected.ID)
	assert.Equal(t, 1.0, h.rec.sum(MetricResolutions, map[string]string{"status": "resolved"}))

	stored, err := h.store.QueryByRunID(ctx, "jr_far")
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestValidateCandidates_ConflictCounted(t *testing.T) {
	args := map[string]string{"--owner": "alice"}
	h := newHarness(t,
		jobrun.JobRun{JobName: "etl", RunID: "jr_a", StartTime: ptr(ctxTime.Add(-30 * time.Second)), Arguments: args},
		jobrun.JobRun{JobName: "etl", RunID: "jr_b", StartTime: ptr(ctxTime.Add(40 * time.Second)), Arguments: args},
	)

	set, err := h.engine.ValidateCandidates(context.Background(), "etl", []string{"jr_a", "jr_b"}, scriptContext())
	require.NoError(t, err)
	assert.True(t, set.ConflictDetected())
	assert.Equal(t, 1.0, h.rec.sum(MetricErrors, map[string]string{"kind": string(models.KindAmbiguous)}))

	res := h.engine.ResolveConflict(context.Background(), conflict.FromMappings(set.Mappings))
	assert.Equal(t, conflict.StatusManual, res.Status)
	assert.Equal(t, conflict.ManualActions, res.SuggestedActions)
}

func TestSelectLogStream(t *testing.T) {
	h := newHarness(t)
	ec := scriptContext()
	streams := []logstream.StreamDescriptor{
		{Name: "generic", LastActivity: ptr(ctxTime.Add(1200 * time.Second)), StoredBytes: 500},
		{Name: "etl-script-4242", LastActivity: ptr(ctxTime.Add(30 * time.Second)), StoredBytes: 5000},
	}

	sel, err := h.engine.SelectLogStream(context.Background(), "etl", ec, streams)
	require.NoError(t, err)
	require.NotNil(t, sel.Selected)
	assert.Equal(t, "etl-script-4242", sel.Selected.Name)
	assert.False(t, sel.ConflictDetected)
	assert.Contains(t, h.spanNames(), "engine.SelectLogStream")

	empty, err := h.engine.SelectLogStream(context.Background(), "etl", ec, nil)
	require.NoError(t, err)
	assert.Nil(t, empty.Selected)
	assert.Equal(t, 1.0, h.rec.sum(MetricErrors, map[string]string{"operation": "select_log_stream", "kind": "not_found"}))

	_, err = h.engine.SelectLogStreamFromGroup(context.Background(), "etl", "/aws-glue/jobs", ec)
	assert.True(t, models.IsValidationError(err), "no stream lister configured")
}

func loadFixtures(t *testing.T) map[string]*models.Fragment {
	t.Helper()
	dir, err := fragmentsource.NewDir("testdata/fragments")
	require.NoError(t, err)
	fragments, pair, err := fragmentsource.LoadPair(context.Background(), dir, fragmentsource.PairRequest{
		PrimarySource:   models.SourceGlue,
		PrimaryPrefix:   "glue/",
		SecondarySource: models.SourceRedshift,
		SecondaryPrefix: "redshift/",
		Window:          24 * 365 * time.Hour,
	})
	require.NoError(t, err)
	require.NotNil(t, pair)
	return fragments
}

func TestMerge_RecordsValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.engine.Merge(ctx, loadFixtures(t), nil, lineage.MergeOptions{})
	require.NoError(t, err)
	assert.Equal(t, lineage.StatusMerged, res.Status)
	require.NotNil(t, res.Graph)
	assert.True(t, res.Graph.ValidateGraphIntegrity())
	_, ok := res.Graph.Edge("bucket/data", "public.sales")
	assert.True(t, ok)

	history, err := h.engine.History(ctx, "ctx-a")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, res.Validation.Recommendation, history[0].Result.Recommendation)

	assert.Equal(t, 1.0, h.rec.sum(MetricMerges, map[string]string{"status": "merged"}))
	assert.Equal(t, 1.0, h.rec.sum(MetricErrors, map[string]string{"operation": "merge", "kind": "malformed"}))
	assert.Contains(t, h.spanNames(), "engine.Merge")
}

func TestMerge_BlockedCountsIncompatible(t *testing.T) {
	h := newHarness(t)
	fragments := loadFixtures(t)
	rs := fragments[models.SourceRedshift].Metadata.ExecutionContext
	rs.ContextID = "ctx-b"
	rs.Timestamp = "2024-06-01T15:00:00Z"

	res, err := h.engine.Merge(context.Background(), fragments, nil, lineage.MergeOptions{})
	require.NoError(t, err)
	assert.Equal(t, lineage.StatusBlocked, res.Status)
	assert.Nil(t, res.Graph)
	assert.Equal(t, models.RecommendBlock, res.Validation.Recommendation)
	assert.Equal(t, 1.0, h.rec.sum(MetricErrors, map[string]string{"operation": "merge", "kind": "incompatible"}))
}

func TestMerge_ConfirmedOverrideRecordedOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	fragments := loadFixtures(t)
	rs := fragments[models.SourceRedshift].Metadata.ExecutionContext
	rs.ContextID = "ctx-b"
	rs.Timestamp = "2024-06-01T15:00:00Z"

	asked := 0
	res, err := h.engine.Merge(ctx, fragments, nil, lineage.MergeOptions{
		ConfirmBlocked: func(v *models.LineageValidationResult) bool {
			asked++
			assert.Equal(t, models.RecommendBlock, v.Recommendation)
			return true
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, asked)
	assert.Equal(t, lineage.StatusMerged, res.Status)
	require.NotNil(t, res.Graph)

	history, err := h.engine.History(ctx, "ctx-a")
	require.NoError(t, err)
	assert.Len(t, history, 1)
	assert.Equal(t, 1.0, h.rec.sum(MetricMerges, map[string]string{"status": "merged"}))
	assert.Zero(t, h.rec.sum(MetricMerges, map[string]string{"status": "blocked"}))
}

func TestReload(t *testing.T) {
	h := newHarness(t)

	bad := config.Default()
	bad.LogStream.Weights.Time = 2
	assert.Error(t, h.engine.Reload(bad))
	assert.Equal(t, 0.2, h.engine.Config().Conflict.ResolutionGap)

	good := config.Default()
	good.Conflict.ResolutionGap = 0.05
	require.NoError(t, h.engine.Reload(good))
	assert.Equal(t, 0.05, h.engine.Config().Conflict.ResolutionGap)

	res := h.engine.ResolveConflict(context.Background(), []conflict.Candidate{
		{ID: "jr_a", Confidence: 0.8},
		{ID: "jr_b", Confidence: 0.7},
	})
	assert.Equal(t, conflict.StatusResolved, res.Status)
}

func TestMaintain(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	now := ctxTime.Add(time.Minute)

	old := &models.JobExecutionMapping{
		ContextID:        "ctx-a",
		JobName:          "etl",
		JobRunID:         "jr_old",
		ConfidenceScore:  0.9,
		ValidationStatus: models.StatusValidated,
		CreatedAt:        now.Add(-48 * time.Hour),
		UpdatedAt:        now.Add(-48 * time.Hour),
	}
	require.NoError(t, h.store.PutMapping(ctx, old))
	_, err := h.store.RecordValidation(ctx, models.NewLineageValidationResult("ctx-a", 0.9, nil, now.Add(-60*24*time.Hour)))
	require.NoError(t, err)

	rep, err := h.engine.Maintain(ctx)
	require.NoError(t, err)
	assert.Equal(t, MaintenanceReport{ExpiredMappings: 1, PrunedValidations: 1}, rep)

	got, err := h.store.QueryByRunID(ctx, "jr_old")
	require.NoError(t, err)
	assert.Equal(t, models.StatusExpired, got[0].ValidationStatus)
}

func TestJanitor(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.PutMapping(ctx, &models.JobExecutionMapping{
		ContextID:        "ctx-a",
		JobName:          "etl",
		JobRunID:         "jr_old",
		ConfidenceScore:  0.9,
		ValidationStatus: models.StatusValidated,
		CreatedAt:        ctxTime.Add(-48 * time.Hour),
	}))

	j := NewJanitor(h.engine, 10*time.Millisecond)
	require.NoError(t, j.Start(ctx))
	assert.Eventually(t, func() bool {
		got, err := h.store.QueryByRunID(ctx, "jr_old")
		return err == nil && len(got) == 1 && got[0].ValidationStatus == models.StatusExpired
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, j.Stop(ctx))
}
