package models

import (
	"sort"
	"time"
)

// ValidationStatus is the lifecycle state of a JobExecutionMapping.
type ValidationStatus string

const (
	StatusValidated ValidationStatus = "VALIDATED"
	StatusPending   ValidationStatus = "PENDING"
	StatusRejected  ValidationStatus = "REJECTED"
	StatusExpired   ValidationStatus = "EXPIRED"
)

// ValidationMethod records how a mapping's confidence was established.
type ValidationMethod string

const (
	MethodMultiDimensional ValidationMethod = "multi_dimensional"
	MethodTimeBased        ValidationMethod = "time_based"
	MethodParameterBased   ValidationMethod = "parameter_based"
	MethodManualOverride   ValidationMethod = "manual_override"
)

// Mapping validity bounds.
const (
	MappingValidityWindow  = 24 * time.Hour
	MappingMinValidScore   = 0.7
	RederiveValidatedScore = 0.8
	RederivePendingScore   = 0.5
)

// StatusForScore derives a status from a score using the given inclusive lower bounds.
func StatusForScore(score, validated, pending float64) ValidationStatus {
	switch {
	case score >= validated:
		return StatusValidated
	case score >= pending:
		return StatusPending
	default:
		return StatusRejected
	}
}

// ScoreChange is one entry in a mapping's score history.
type ScoreChange struct {
	Timestamp time.Time `json:"timestamp"`
	OldScore  float64   `json:"old_score"`
	NewScore  float64   `json:"new_score"`
	Reason    string    `json:"reason"`
}

// RelatedJob links another run to a mapping, e.g. a retry.
type RelatedJob struct {
	JobRunID     string    `json:"job_run_id"`
	Relationship string    `json:"relationship"`
	AddedAt      time.Time `json:"added_at"`
}

// JobExecutionMapping binds a candidate job run to an execution context.
type JobExecutionMapping struct {
	ContextID string `json:"context_id"`
	JobName   string `json:"job_name"`
	JobRunID  string `json:"job_run_id"`

	ConfidenceScore  float64          `json:"confidence_score"`
	ValidationStatus ValidationStatus `json:"validation_status"`
	ValidationMethod ValidationMethod `json:"validation_method"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`

	TimeDiffSeconds  *float64 `json:"time_diff_seconds,omitempty"`
	ParameterMatch   bool     `json:"parameter_match"`
	EnvironmentMatch bool     `json:"environment_match"`

	JobStartTime *time.Time        `json:"job_start_time,omitempty"`
	JobEndTime   *time.Time        `json:"job_end_time,omitempty"`
	JobStatus    string            `json:"job_status,omitempty"`
	JobArguments map[string]string `json:"job_arguments,omitempty"`

	Breakdown map[string]float64 `json:"breakdown,omitempty"`
	Reasons   []string           `json:"reasons,omitempty"`

	RelatedJobs        []RelatedJob `json:"related_jobs,omitempty"`
	UpstreamContexts   []string     `json:"upstream_contexts,omitempty"`
	DownstreamContexts []string     `json:"downstream_contexts,omitempty"`

	ScoreHistory []ScoreChange          `json:"score_history,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// Key is the (context, job, run) identity of the mapping.
func (m *JobExecutionMapping) Key() string {
	return m.ContextID + "/" + m.JobName + "/" + m.JobRunID
}

// Age is measured from CreatedAt.
func (m *JobExecutionMapping) Age(now time.Time) time.Duration {
	return now.Sub(m.CreatedAt)
}

// IsValid holds iff the mapping is VALIDATED, confident enough and younger than 24h.
func (m *JobExecutionMapping) IsValid(now time.Time) bool {
	return m.ValidationStatus == StatusValidated &&
		m.ConfidenceScore >= MappingMinValidScore &&
		m.Age(now) < MappingValidityWindow
}

// MarkExpired moves the mapping to EXPIRED once it is older than the
// validity window. It reports whether the status changed.
func (m *JobExecutionMapping) MarkExpired(now time.Time) bool {
	if m.ValidationStatus == StatusExpired {
		return false
	}
	if m.Age(now) < MappingValidityWindow {
		return false
	}
	m.ValidationStatus = StatusExpired
	m.UpdatedAt = now
	return true
}

// UpdateConfidenceScore replaces the score, records the change and
// re-derives the status. Expired mappings keep their status.
func (m *JobExecutionMapping) UpdateConfidenceScore(score float64, reason string, now time.Time) {
	score = Clamp01(score)
	m.ScoreHistory = append(m.ScoreHistory, ScoreChange{
		Timestamp: now,
		OldScore:  m.ConfidenceScore,
		NewScore:  score,
		Reason:    reason,
	})
	m.ConfidenceScore = score
	m.UpdatedAt = now
	if m.ValidationStatus == StatusExpired {
		return
	}
	m.ValidationStatus = StatusForScore(score, RederiveValidatedScore, RederivePendingScore)
}

// AddRelatedJob records another run as related. Duplicates are ignored.
func (m *JobExecutionMapping) AddRelatedJob(runID, relationship string, now time.Time) {
	if runID == "" || runID == m.JobRunID {
		return
	}
	for _, r := range m.RelatedJobs {
		if r.JobRunID == runID {
			return
		}
	}
	m.RelatedJobs = append(m.RelatedJobs, RelatedJob{
		JobRunID:     runID,
		Relationship: relationship,
		AddedAt:      now,
	})
	m.UpdatedAt = now
}

// RelatedJobIDs returns the related run ids in sorted order.
func (m *JobExecutionMapping) RelatedJobIDs() []string {
	ids := make([]string, 0, len(m.RelatedJobs))
	for _, r := range m.RelatedJobs {
		ids = append(ids, r.JobRunID)
	}
	sort.Strings(ids)
	return ids
}

// FailureReason returns metadata.failure_reason if set.
func (m *JobExecutionMapping) FailureReason() string {
	s, _ := m.Metadata[MetaFailureReason].(string)
	return s
}

// ValidationDetails summarizes the mapping for reports.
func (m *JobExecutionMapping) ValidationDetails(now time.Time) map[string]interface{} {
	details := map[string]interface{}{
		"confidence_score":  m.ConfidenceScore,
		"validation_status": string(m.ValidationStatus),
		"validation_method": string(m.ValidationMethod),
		"is_valid":          m.IsValid(now),
		"age_hours":         m.Age(now).Hours(),
		"parameter_match":   m.ParameterMatch,
		"environment_match": m.EnvironmentMatch,
		"related_jobs":      len(m.RelatedJobs),
		"score_changes":     len(m.ScoreHistory),
	}
	if m.TimeDiffSeconds != nil {
		details["time_diff_seconds"] = *m.TimeDiffSeconds
	}
	return details
}

// Clamp01 bounds v to [0, 1].
func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
