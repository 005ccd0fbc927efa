package models

import "time"

// Severity of a validation issue.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// IssueKind classifies a failed validation check.
type IssueKind string

const (
	IssueContextMismatch        IssueKind = "context_mismatch"
	IssueTimeInconsistency      IssueKind = "time_inconsistency"
	IssueParameterConflict      IssueKind = "parameter_conflict"
	IssueMissingContext         IssueKind = "missing_context"
	IssueDuplicateMapping       IssueKind = "duplicate_mapping"
	IssueMalformedEvent         IssueKind = "malformed_event"
	IssueVersionMismatch        IssueKind = "version_mismatch"
	IssueLowConfidenceInference IssueKind = "low_confidence_inference"
)

// Recommendation tells the caller what to do with a merge result.
type Recommendation string

const (
	RecommendProceed      Recommendation = "PROCEED"
	RecommendWarn         Recommendation = "WARN"
	RecommendManualReview Recommendation = "MANUAL_REVIEW"
	RecommendBlock        Recommendation = "BLOCK"
)

// Recommendation thresholds and the validity bound.
const (
	ProceedThreshold      = 0.9
	WarnThreshold         = 0.7
	ManualReviewThreshold = 0.5
	ValidResultThreshold  = 0.7
)

// ValidationIssue describes one failed check.
type ValidationIssue struct {
	Kind               IssueKind `json:"kind"`
	Severity           Severity  `json:"severity"`
	Description        string    `json:"description"`
	AffectedComponents []string  `json:"affected_components,omitempty"`
	SuggestedFix       string    `json:"suggested_fix,omitempty"`
}

// LineageValidationResult is the outcome of a cross-source compatibility check.
type LineageValidationResult struct {
	ContextID       string            `json:"context_id"`
	IsValid         bool              `json:"is_valid"`
	ConfidenceScore float64           `json:"confidence_score"`
	Issues          []ValidationIssue `json:"issues"`
	Recommendation  Recommendation    `json:"recommendation"`
	ChecksPassed    float64           `json:"checks_passed"`
	ChecksTotal     int               `json:"checks_total"`
	Timestamp       time.Time         `json:"timestamp"`
	ScoreReasons    []string          `json:"score_reasons,omitempty"`
}

// NewLineageValidationResult derives validity and recommendation from score and issues.
func NewLineageValidationResult(contextID string, score float64, issues []ValidationIssue, now time.Time) *LineageValidationResult {
	r := &LineageValidationResult{
		ContextID: contextID,
		Issues:    issues,
		Timestamp: now,
	}
	if r.Issues == nil {
		r.Issues = []ValidationIssue{}
	}
	r.setScore(score)
	return r
}

func (r *LineageValidationResult) setScore(score float64) {
	r.ConfidenceScore = Clamp01(score)
	r.IsValid = r.ConfidenceScore >= ValidResultThreshold
	r.Recommendation = RecommendationFor(r.ConfidenceScore, r.HasCritical())
}

// UpdateScore replaces the score and re-derives validity and recommendation.
func (r *LineageValidationResult) UpdateScore(score float64, reason string) {
	r.setScore(score)
	if reason != "" {
		r.ScoreReasons = append(r.ScoreReasons, reason)
	}
}

// AddIssue appends an issue and re-derives the recommendation.
func (r *LineageValidationResult) AddIssue(issue ValidationIssue) {
	r.Issues = append(r.Issues, issue)
	r.Recommendation = RecommendationFor(r.ConfidenceScore, r.HasCritical())
}

// HasCritical reports whether any issue is critical.
func (r *LineageValidationResult) HasCritical() bool {
	for _, i := range r.Issues {
		if i.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// IssueSummary counts issues per severity. All severities are present.
func (r *LineageValidationResult) IssueSummary() map[Severity]int {
	summary := map[Severity]int{
		SeverityLow:      0,
		SeverityMedium:   0,
		SeverityHigh:     0,
		SeverityCritical: 0,
	}
	for _, i := range r.Issues {
		summary[i.Severity]++
	}
	return summary
}

// IssuesOfKind filters issues by kind.
func (r *LineageValidationResult) IssuesOfKind(kind IssueKind) []ValidationIssue {
	var out []ValidationIssue
	for _, i := range r.Issues {
		if i.Kind == kind {
			out = append(out, i)
		}
	}
	return out
}

// RecommendationFor maps a confidence score to a recommendation. A critical
// issue forces BLOCK regardless of score.
func RecommendationFor(score float64, critical bool) Recommendation {
	if critical {
		return RecommendBlock
	}
	switch {
	case score >= ProceedThreshold:
		return RecommendProceed
	case score >= WarnThreshold:
		return RecommendWarn
	case score >= ManualReviewThreshold:
		return RecommendManualReview
	default:
		return RecommendBlock
	}
}
