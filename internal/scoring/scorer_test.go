package scoring

import (
	"testing"
	"time"

	"github.com/moolen/lineagectx/internal/config"
	"github.com/moolen/lineagectx/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type candidate struct {
	id   string
	a, b float64
	hasB bool
}

func testScorer(t *testing.T) *Scorer[candidate] {
	t.Helper()
	s, err := NewScorer(0.1,
		Dimension[candidate]{Name: "a", Weight: 0.6, Evaluate: func(_ *models.ExecutionContext, c candidate) Evaluation {
			return Computed(c.a, "a=%.1f", c.a)
		}},
		Dimension[candidate]{Name: "b", Weight: 0.4, Evaluate: func(_ *models.ExecutionContext, c candidate) Evaluation {
			if !c.hasB {
				return Omitted("b unavailable")
			}
			return Computed(c.b, "b=%.1f", c.b)
		}},
	)
	require.NoError(t, err)
	return s
}

func candidateID(c candidate) string { return c.id }

func TestNewScorer_Validation(t *testing.T) {
	eval := func(*models.ExecutionContext, candidate) Evaluation { return Computed(1, "") }

	_, err := NewScorer[candidate](0.1)
	assert.Error(t, err)

	_, err = NewScorer(0.1, Dimension[candidate]{Name: "x", Weight: 0.5, Evaluate: eval})
	require.Error(t, err)
	assert.True(t, models.IsValidationError(err))

	_, err = NewScorer(0.1,
		Dimension[candidate]{Name: "x", Weight: 0.5, Evaluate: eval},
		Dimension[candidate]{Name: "x", Weight: 0.5, Evaluate: eval})
	assert.Error(t, err)

	_, err = NewScorer(0.1, Dimension[candidate]{Name: "x", Weight: 1})
	assert.Error(t, err)

	_, err = NewScorer(1.5, Dimension[candidate]{Name: "x", Weight: 1, Evaluate: eval})
	assert.Error(t, err)
}

func TestScore_WeightedMean(t *testing.T) {
	s := testScorer(t)
	res := s.Score(nil, "c1", candidate{a: 1.0, b: 0.5, hasB: true})

	assert.InDelta(t, 0.6*1.0+0.4*0.5, res.TotalScore, 1e-9)
	assert.Equal(t, map[string]float64{"a": 1.0, "b": 0.5}, res.Breakdown)
	assert.Equal(t, []string{"a=1.0", "b=0.5"}, res.ReasonTexts())
	assert.Empty(t, res.Omitted)
}

func TestScore_OmitsMissingDimension(t *testing.T) {
	s := testScorer(t)
	res := s.Score(nil, "c1", candidate{a: 0.5})

	// Only "a" is computed, so it is normalized over its own weight.
	assert.InDelta(t, 0.5, res.TotalScore, 1e-9)
	assert.Equal(t, []string{"b"}, res.Omitted)
	_, ok := res.Breakdown["b"]
	assert.False(t, ok)
}

func TestScore_Bounded(t *testing.T) {
	s := testScorer(t)
	res := s.Score(nil, "c1", candidate{a: 7, b: -3, hasB: true})
	assert.GreaterOrEqual(t, res.TotalScore, 0.0)
	assert.LessOrEqual(t, res.TotalScore, 1.0)
	assert.Equal(t, 1.0, res.Breakdown["a"])
	assert.Equal(t, 0.0, res.Breakdown["b"])
}

func TestScore_NothingComputed(t *testing.T) {
	s, err := NewScorer(0.1, Dimension[candidate]{Name: "b", Weight: 1, Evaluate: func(*models.ExecutionContext, candidate) Evaluation {
		return Omitted("none")
	}})
	require.NoError(t, err)
	assert.Equal(t, 0.0, s.Score(nil, "c", candidate{}).TotalScore)
}

func TestRank_ConflictThreshold(t *testing.T) {
	s := testScorer(t)

	tests := []struct {
		name         string
		scores       []float64
		wantConflict bool
		wantTied     int
	}{
		{name: "near tie", scores: []float64{0.81, 0.80}, wantConflict: true, wantTied: 2},
		{name: "clear winner", scores: []float64{0.9, 0.5}, wantConflict: false},
		{name: "three way", scores: []float64{0.7, 0.65, 0.62, 0.2}, wantConflict: true, wantTied: 3},
		{name: "single", scores: []float64{0.4}, wantConflict: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cands []candidate
			for i, sc := range tt.scores {
				cands = append(cands, candidate{id: string(rune('a' + i)), a: sc})
			}
			r := s.Rank(nil, cands, candidateID)
			assert.Equal(t, tt.wantConflict, r.ConflictDetected())
			if tt.wantConflict {
				assert.Len(t, r.Conflict.Candidates, tt.wantTied)
			}
			best, ok := r.Best()
			require.True(t, ok)
			assert.Equal(t, "a", best.CandidateID)
		})
	}
}

func TestRank_StableOrdering(t *testing.T) {
	s := testScorer(t)
	cands := []candidate{{id: "z", a: 0.5}, {id: "m", a: 0.9}, {id: "b", a: 0.5}}
	r := s.Rank(nil, cands, candidateID)

	var ids []string
	for _, res := range r.Results {
		ids = append(ids, res.CandidateID)
	}
	assert.Equal(t, []string{"m", "b", "z"}, ids)

	_, ok := Ranking{}.Best()
	assert.False(t, ok)
}

func TestTopReasons(t *testing.T) {
	res := Result{Reasons: []Reason{
		{Text: "low", Contribution: 0.1},
		{Text: "high", Contribution: 0.5},
		{Text: "mid", Contribution: 0.3},
	}}
	assert.Equal(t, []string{"high", "mid"}, res.TopReasons(2))
	assert.Len(t, res.TopReasons(10), 3)
}

func TestDetectConflict(t *testing.T) {
	gap, conflict := DetectConflict([]float64{0.80, 0.81}, 0.1)
	assert.True(t, conflict)
	assert.InDelta(t, 0.01, gap, 1e-9)

	_, conflict = DetectConflict([]float64{0.5, 0.9}, 0.1)
	assert.False(t, conflict)

	_, conflict = DetectConflict([]float64{0.9}, 0.1)
	assert.False(t, conflict)
}

func TestTimeProximity(t *testing.T) {
	cfg := config.Default().Scoring
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		offset time.Duration
		want   float64
	}{
		{0, 1.0},
		{45 * time.Second, 1.0},
		{60 * time.Second, 1.0},
		{61 * time.Second, 0.8},
		{-300 * time.Second, 0.8},
		{900 * time.Second, 0.6},
		{1200 * time.Second, 0.4},
		{1800 * time.Second, 0.4},
		{3 * time.Hour, 0.2},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, TimeProximity(cfg, base, base.Add(tt.offset)), "offset %s", tt.offset)
	}
}
