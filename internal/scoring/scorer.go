// Package scoring implements the weighted multi-dimensional candidate scorer
// shared by job-run validation and log-stream selection.
//
// A candidate's total score is the weighted mean of the dimensions that could
// be computed for it:
//
//	total = Σ(score_i × weight_i) / Σ(weight_i for computed dimensions)
//
// Dimensions that lack data are left out of both sums instead of counting as
// zero. A candidate with no computable dimension scores 0.
package scoring

import (
	"fmt"
	"math"
	"sort"

	"github.com/moolen/lineagectx/internal/models"
)

// weightTolerance bounds rounding error when checking that weights sum to 1.
const weightTolerance = 1e-6

// Evaluation is the outcome of one dimension for one candidate.
// Computed=false means the dimension had no data and is omitted.
type Evaluation struct {
	Score    float64
	Reason   string
	Computed bool
}

// Computed builds a computed Evaluation.
func Computed(score float64, format string, args ...interface{}) Evaluation {
	return Evaluation{Score: models.Clamp01(score), Reason: fmt.Sprintf(format, args...), Computed: true}
}

// Omitted builds an omitted Evaluation.
func Omitted(format string, args ...interface{}) Evaluation {
	return Evaluation{Reason: fmt.Sprintf(format, args...)}
}

// Dimension scores one aspect of a candidate C against a reference context.
type Dimension[C any] struct {
	Name     string
	Weight   float64
	Evaluate func(ref *models.ExecutionContext, candidate C) Evaluation
}

// Reason explains one computed dimension.
type Reason struct {
	Dimension    string  `json:"dimension"`
	Score        float64 `json:"score"`
	Contribution float64 `json:"contribution"`
	Text         string  `json:"text"`
}

// Result is the score of one candidate.
type Result struct {
	CandidateID string             `json:"candidate_id"`
	TotalScore  float64            `json:"total_score"`
	Breakdown   map[string]float64 `json:"breakdown"`
	Reasons     []Reason           `json:"reasons"`
	Omitted     []string           `json:"omitted,omitempty"`
}

// ReasonTexts returns the reasons in dimension order.
func (r Result) ReasonTexts() []string {
	out := make([]string, 0, len(r.Reasons))
	for _, reason := range r.Reasons {
		out = append(out, reason.Text)
	}
	return out
}

// TopReasons returns up to n reasons ordered by weighted contribution.
func (r Result) TopReasons(n int) []string {
	sorted := make([]Reason, len(r.Reasons))
	copy(sorted, r.Reasons)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Contribution > sorted[j].Contribution
	})
	if n > len(sorted) {
		n = len(sorted)
	}
	out := make([]string, 0, n)
	for _, reason := range sorted[:n] {
		out = append(out, reason.Text)
	}
	return out
}

// Conflict describes a near-tie at the top of a ranking.
type Conflict struct {
	Gap        float64  `json:"gap"`
	Threshold  float64  `json:"threshold"`
	Candidates []Result `json:"candidates"`
}

// Ranking is a scored candidate list, best first.
type Ranking struct {
	Results  []Result  `json:"results"`
	Conflict *Conflict `json:"conflict,omitempty"`
}

// Best returns the top result.
func (r Ranking) Best() (Result, bool) {
	if len(r.Results) == 0 {
		return Result{}, false
	}
	return r.Results[0], true
}

// ConflictDetected reports whether the top of the ranking is a near-tie.
func (r Ranking) ConflictDetected() bool {
	return r.Conflict != nil
}

// Scorer evaluates candidates of type C along a fixed set of dimensions.
type Scorer[C any] struct {
	dimensions  []Dimension[C]
	conflictGap float64
}

// NewScorer validates that the weights are non-negative and sum to 1.
func NewScorer[C any](conflictGap float64, dimensions ...Dimension[C]) (*Scorer[C], error) {
	if len(dimensions) == 0 {
		return nil, models.NewValidationError("scorer needs at least one dimension")
	}
	var sum float64
	seen := make(map[string]bool, len(dimensions))
	for _, d := range dimensions {
		if d.Weight < 0 {
			return nil, models.NewValidationError("dimension %s has negative weight", d.Name)
		}
		if d.Evaluate == nil {
			return nil, models.NewValidationError("dimension %s has no evaluator", d.Name)
		}
		if seen[d.Name] {
			return nil, models.NewValidationError("duplicate dimension %s", d.Name)
		}
		seen[d.Name] = true
		sum += d.Weight
	}
	if math.Abs(sum-1.0) > weightTolerance {
		return nil, models.NewValidationError("dimension weights must sum to 1.0, got %.6f", sum)
	}
	if conflictGap < 0 || conflictGap > 1 {
		return nil, models.NewValidationError("conflict gap must be between 0 and 1")
	}
	return &Scorer[C]{dimensions: dimensions, conflictGap: conflictGap}, nil
}

// Score evaluates a single candidate.
func (s *Scorer[C]) Score(ref *models.ExecutionContext, id string, candidate C) Result {
	res := Result{
		CandidateID: id,
		Breakdown:   make(map[string]float64, len(s.dimensions)),
		Reasons:     make([]Reason, 0, len(s.dimensions)),
	}

	var weighted, weights float64
	for _, d := range s.dimensions {
		ev := d.Evaluate(ref, candidate)
		if !ev.Computed {
			res.Omitted = append(res.Omitted, d.Name)
			continue
		}
		score := models.Clamp01(ev.Score)
		res.Breakdown[d.Name] = score
		res.Reasons = append(res.Reasons, Reason{
			Dimension:    d.Name,
			Score:        score,
			Contribution: score * d.Weight,
			Text:         ev.Reason,
		})
		weighted += score * d.Weight
		weights += d.Weight
	}

	if weights > 0 {
		res.TotalScore = models.Clamp01(weighted / weights)
	}
	return res
}

// Rank scores every candidate and sorts descending. Equal scores are ordered
// by candidate id so rankings are stable. A rank-1/rank-2 gap strictly below
// the conflict gap is reported as a Conflict listing every candidate within
// the gap of the leader.
func (s *Scorer[C]) Rank(ref *models.ExecutionContext, candidates []C, id func(C) string) Ranking {
	results := make([]Result, 0, len(candidates))
	for _, c := range candidates {
		results = append(results, s.Score(ref, id(c), c))
	}
	return s.RankResults(results)
}

// RankResults sorts already-scored results and runs conflict detection.
func (s *Scorer[C]) RankResults(results []Result) Ranking {
	return rankResults(results, s.conflictGap)
}

func rankResults(results []Result, conflictGap float64) Ranking {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].TotalScore != results[j].TotalScore {
			return results[i].TotalScore > results[j].TotalScore
		}
		return results[i].CandidateID < results[j].CandidateID
	})

	r := Ranking{Results: results}
	if len(results) < 2 {
		return r
	}

	gap := results[0].TotalScore - results[1].TotalScore
	if gap >= conflictGap {
		return r
	}

	var tied []Result
	for _, res := range results {
		if results[0].TotalScore-res.TotalScore < conflictGap {
			tied = append(tied, res)
		}
	}
	r.Conflict = &Conflict{Gap: gap, Threshold: conflictGap, Candidates: tied}
	return r
}

// DetectConflict applies the same near-tie rule to plain scores, best first
// after sorting. It returns the gap between the top two and whether it is a conflict.
func DetectConflict(scores []float64, conflictGap float64) (float64, bool) {
	if len(scores) < 2 {
		return 0, false
	}
	sorted := make([]float64, len(scores))
	copy(sorted, scores)
	sort.Sort(sort.Reverse(sort.Float64Slice(sorted)))
	gap := sorted[0] - sorted[1]
	return gap, gap < conflictGap
}
