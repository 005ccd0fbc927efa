// Package conflict arbitrates between scored candidates when no clear winner
// emerged from ranking.
package conflict

import (
	"fmt"
	"math"
	"sort"

	"github.com/moolen/lineagectx/internal/logging"
	"github.com/moolen/lineagectx/internal/models"
	"github.com/moolen/lineagectx/internal/scoring"
)

// Status is the outcome of a resolution.
type Status string

const (
	StatusResolved Status = "resolved"
	StatusManual   Status = "manual_intervention_required"
	StatusError    Status = "error"
)

// ReasonSimilarScores explains a manual-intervention outcome.
const ReasonSimilarScores = "Multiple candidates with similar confidence scores"

// ManualActions are suggested when candidates are too close to call.
var ManualActions = []string{
	"Review job execution logs manually",
	"Check job parameters and timing",
	"Verify execution environment context",
}

// ErrorActions are suggested when resolution itself failed.
var ErrorActions = []string{
	"Manual review required",
	"Check system logs for details",
}

// Candidate is one scored option, either a job run or a log stream.
type Candidate struct {
	ID         string   `json:"id"`
	Confidence float64  `json:"confidence"`
	Reasons    []string `json:"reasons,omitempty"`
}

// Resolution is the tagged result of Resolve. Selected is set only when
// Status is StatusResolved; RecommendedID is the top candidate whenever one
// exists.
type Resolution struct {
	Status           Status      `json:"resolution_status"`
	Selected         *Candidate  `json:"selected,omitempty"`
	RecommendedID    string      `json:"recommended_id,omitempty"`
	Confidence       float64     `json:"confidence_score"`
	Gap              float64     `json:"confidence_gap"`
	Reason           string      `json:"reason,omitempty"`
	Candidates       []Candidate `json:"candidates,omitempty"`
	SuggestedActions []string    `json:"suggested_actions,omitempty"`
	ErrorMessage     string      `json:"error_message,omitempty"`
}

// NeedsReview reports whether a human has to decide.
func (r *Resolution) NeedsReview() bool {
	return r.Status != StatusResolved
}

// Resolver auto-resolves when the leader is ahead by at least the gap.
type Resolver struct {
	gap    float64
	logger *logging.Logger
	order  func([]Candidate)
}

// NewResolver returns a Resolver with the given resolution gap in [0,1].
func NewResolver(gap float64) (*Resolver, error) {
	if math.IsNaN(gap) || gap < 0 || gap > 1 {
		return nil, models.NewValidationError("resolution gap must be in [0,1], got %v", gap)
	}
	return &Resolver{
		gap:    gap,
		logger: logging.GetLogger("conflict"),
		order:  sortCandidates,
	}, nil
}

// Gap returns the configured resolution gap.
func (r *Resolver) Gap() float64 { return r.gap }

// Resolve decides between candidates. It never fails: internal errors come
// back as a StatusError resolution.
func (r *Resolver) Resolve(candidates []Candidate) (res *Resolution) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Conflict resolution panicked: %v", p)
			res = errorResolution(fmt.Sprintf("%v", p))
		}
	}()

	if len(candidates) == 0 {
		return errorResolution("no candidates to resolve")
	}
	for _, c := range candidates {
		if math.IsNaN(c.Confidence) || c.Confidence < 0 || c.Confidence > 1 {
			return errorResolution(fmt.Sprintf("candidate %s has invalid confidence %v", c.ID, c.Confidence))
		}
	}

	sorted := make([]Candidate, len(candidates))
	copy(sorted, candidates)
	r.order(sorted)
	best := sorted[0]

	r.logger.Info("Resolving conflict between %d candidates", len(sorted))

	if len(sorted) > 1 {
		gap := best.Confidence - sorted[1].Confidence
		if gap < r.gap {
			var tied []Candidate
			for _, c := range sorted {
				if best.Confidence-c.Confidence < r.gap {
					tied = append(tied, c)
				}
			}
			r.logger.WarnWithFields("Conflict needs manual intervention",
				logging.Field("recommended", best.ID),
				logging.Field("gap", gap),
				logging.Field("tied", len(tied)))
			return &Resolution{
				Status:           StatusManual,
				RecommendedID:    best.ID,
				Confidence:       best.Confidence,
				Gap:              gap,
				Reason:           ReasonSimilarScores,
				Candidates:       tied,
				SuggestedActions: append([]string(nil), ManualActions...),
			}
		}
	}

	res = &Resolution{
		Status:        StatusResolved,
		Selected:      &best,
		RecommendedID: best.ID,
		Confidence:    best.Confidence,
		Reason:        fmt.Sprintf("Clear best candidate with confidence %.3f", best.Confidence),
		Candidates:    []Candidate{best},
	}
	if len(sorted) > 1 {
		res.Gap = best.Confidence - sorted[1].Confidence
	}
	return res
}

func errorResolution(msg string) *Resolution {
	return &Resolution{
		Status:           StatusError,
		ErrorMessage:     msg,
		SuggestedActions: append([]string(nil), ErrorActions...),
	}
}

// sortCandidates orders by confidence descending, then id ascending.
func sortCandidates(cs []Candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].Confidence != cs[j].Confidence {
			return cs[i].Confidence > cs[j].Confidence
		}
		return cs[i].ID < cs[j].ID
	})
}

// FromMappings turns validated job-run mappings into candidates.
func FromMappings(mappings []*models.JobExecutionMapping) []Candidate {
	out := make([]Candidate, 0, len(mappings))
	for _, m := range mappings {
		if m == nil {
			continue
		}
		out = append(out, Candidate{
			ID:         m.JobRunID,
			Confidence: m.ConfidenceScore,
			Reasons:    append([]string(nil), m.Reasons...),
		})
	}
	return out
}

// FromResults turns scorer results, such as log-stream scores, into
// candidates.
func FromResults(results []scoring.Result) []Candidate {
	out := make([]Candidate, 0, len(results))
	for _, r := range results {
		out = append(out, Candidate{ID: r.CandidateID, Confidence: r.TotalScore, Reasons: r.ReasonTexts()})
	}
	return out
}
