package conflict

import (
	"math"
	"testing"

	"github.com/moolen/lineagectx/internal/models"
	"github.com/moolen/lineagectx/internal/scoring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()
	r, err := NewResolver(0.2)
	require.NoError(t, err)
	return r
}

func TestResolve_ClearWinner(t *testing.T) {
	r := newTestResolver(t)

	res := r.Resolve([]Candidate{
		{ID: "jr_b", Confidence: 0.6},
		{ID: "jr_a", Confidence: 0.9, Reasons: []string{"time match"}},
	})

	assert.Equal(t, StatusResolved, res.Status)
	require.NotNil(t, res.Selected)
	assert.Equal(t, "jr_a", res.Selected.ID)
	assert.Equal(t, "jr_a", res.RecommendedID)
	assert.InDelta(t, 0.9, res.Confidence, 1e-9)
	assert.InDelta(t, 0.3, res.Gap, 1e-9)
	assert.Equal(t, "Clear best candidate with confidence 0.900", res.Reason)
	assert.Empty(t, res.SuggestedActions)
	assert.False(t, res.NeedsReview())
}

func TestResolve_SingleCandidate(t *testing.T) {
	res := newTestResolver(t).Resolve([]Candidate{{ID: "only", Confidence: 0.4}})

	assert.Equal(t, StatusResolved, res.Status)
	assert.Equal(t, "only", res.Selected.ID)
	assert.Zero(t, res.Gap)
}

func TestResolve_ManualIntervention(t *testing.T) {
	r := newTestResolver(t)
	input := []Candidate{
		{ID: "jr_c", Confidence: 0.5},
		{ID: "jr_b", Confidence: 0.80},
		{ID: "jr_a", Confidence: 0.81},
		{ID: "jr_d", Confidence: 0.65},
	}

	res := r.Resolve(input)

	assert.Equal(t, StatusManual, res.Status)
	assert.Nil(t, res.Selected)
	assert.Equal(t, "jr_a", res.RecommendedID)
	assert.InDelta(t, 0.01, res.Gap, 1e-9)
	assert.Equal(t, ReasonSimilarScores, res.Reason)
	assert.Equal(t, ManualActions, res.SuggestedActions)
	assert.True(t, res.NeedsReview())

	ids := make([]string, 0, len(res.Candidates))
	for _, c := range res.Candidates {
		ids = append(ids, c.ID)
	}
	assert.Equal(t, []string{"jr_a", "jr_b", "jr_d"}, ids)

	// the input slice is left untouched
	assert.Equal(t, "jr_c", input[0].ID)
}

func TestResolve_TiesOrderedByID(t *testing.T) {
	res := newTestResolver(t).Resolve([]Candidate{
		{ID: "stream-b", Confidence: 0.7},
		{ID: "stream-a", Confidence: 0.7},
	})

	assert.Equal(t, StatusManual, res.Status)
	assert.Equal(t, "stream-a", res.RecommendedID)
}

func TestResolve_Errors(t *testing.T) {
	tests := []struct {
		name       string
		candidates []Candidate
		wantMsg    string
	}{
		{"no candidates", nil, "no candidates to resolve"},
		{"nan confidence", []Candidate{{ID: "x", Confidence: math.NaN()}}, "candidate x has invalid confidence"},
		{"out of range", []Candidate{{ID: "y", Confidence: 1.5}}, "candidate y has invalid confidence"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := newTestResolver(t).Resolve(tt.candidates)
			assert.Equal(t, StatusError, res.Status)
			assert.Contains(t, res.ErrorMessage, tt.wantMsg)
			assert.Equal(t, ErrorActions, res.SuggestedActions)
			assert.Nil(t, res.Selected)
		})
	}
}

func TestResolve_RecoversFromPanic(t *testing.T) {
	r := newTestResolver(t)
	r.order = func([]Candidate) { panic("sort exploded") }

	res := r.Resolve([]Candidate{{ID: "a", Confidence: 0.5}})

	assert.Equal(t, StatusError, res.Status)
	assert.Equal(t, "sort exploded", res.ErrorMessage)
}

func TestNewResolver_RejectsBadGap(t *testing.T) {
	for _, gap := range []float64{-0.1, 1.1, math.NaN()} {
		_, err := NewResolver(gap)
		assert.True(t, models.IsValidationError(err), "gap %v", gap)
	}
}

func TestCandidateConversions(t *testing.T) {
	mappings := []*models.JobExecutionMapping{
		{JobRunID: "jr_1", ConfidenceScore: 0.84, Reasons: []string{"started 45s after context"}},
		nil,
		{JobRunID: "jr_2", ConfidenceScore: 0.3},
	}
	cs := FromMappings(mappings)
	require.Len(t, cs, 2)
	assert.Equal(t, Candidate{ID: "jr_1", Confidence: 0.84, Reasons: []string{"started 45s after context"}}, cs[0])

	results := []scoring.Result{{
		CandidateID: "stream-a",
		TotalScore:  0.7,
		Reasons:     []scoring.Reason{{Dimension: "time_match", Text: "active 30s from context"}},
	}}
	cs = FromResults(results)
	require.Len(t, cs, 1)
	assert.Equal(t, "stream-a", cs[0].ID)
	assert.Equal(t, []string{"active 30s from context"}, cs[0].Reasons)
}
