package models

import "encoding/json"

// Well-known fragment sources, in merge precedence order.
const (
	SourceGlue     = "glue"
	SourceRedshift = "redshift"
	SourceNotebook = "notebook"
)

// DatasetRef names a dataset as namespace + name.
type DatasetRef struct {
	Namespace string `json:"namespace" yaml:"namespace"`
	Name      string `json:"name" yaml:"name"`
}

// SQLFacet carries the statement behind a query-level event.
type SQLFacet struct {
	Query string `json:"query" yaml:"query"`
}

// JobFacets holds the facets the merge engine understands.
type JobFacets struct {
	SQL *SQLFacet `json:"sql,omitempty" yaml:"sql,omitempty"`
}

// JobRef identifies the job that emitted an event.
type JobRef struct {
	Namespace string    `json:"namespace,omitempty" yaml:"namespace,omitempty"`
	Name      string    `json:"name,omitempty" yaml:"name,omitempty"`
	Facets    JobFacets `json:"facets,omitempty" yaml:"facets,omitempty"`
}

// RunRef identifies the run that emitted an event.
type RunRef struct {
	RunID string `json:"runId,omitempty" yaml:"runId,omitempty"`
}

// EmbeddedContext is an execution context as written into fragment files by
// collectors. Timestamps are free-form strings.
type EmbeddedContext struct {
	ContextID         string `json:"context_id"`
	EnvironmentKind   string `json:"environment_kind,omitempty"`
	EnvironmentType   string `json:"environment_type,omitempty"`
	Timestamp         string `json:"timestamp,omitempty"`
	ProcessID         int    `json:"process_id,omitempty"`
	CommandLine       string `json:"command_line,omitempty"`
	WorkingDirectory  string `json:"working_directory,omitempty"`
	UserID            string `json:"user_id,omitempty"`
	SessionID         string `json:"session_id,omitempty"`
	NotebookInstance  string `json:"notebook_instance,omitempty"`
	NotebookRole      string `json:"notebook_role,omitempty"`
	OrchestratorDagID string `json:"orchestrator_dag_id,omitempty"`
	OrchestratorTask  string `json:"orchestrator_task_id,omitempty"`
	OrchestratorRunID string `json:"orchestrator_run_id,omitempty"`
}

// Kind returns the environment kind, accepting either key.
func (e *EmbeddedContext) Kind() EnvironmentKind {
	if e.EnvironmentKind != "" {
		return ParseEnvironmentKind(e.EnvironmentKind)
	}
	return ParseEnvironmentKind(e.EnvironmentType)
}

// EventMetadata is the collector-private block of a raw event.
type EventMetadata struct {
	ExecutionContext *EmbeddedContext `json:"execution_context,omitempty"`
	JobRunID         string           `json:"job_run_id,omitempty"`
}

// RawEvent is one lineage event in OpenLineage shape.
type RawEvent struct {
	EventTime string         `json:"eventTime,omitempty"`
	EventType string         `json:"eventType,omitempty"`
	Inputs    []DatasetRef   `json:"inputs,omitempty"`
	Outputs   []DatasetRef   `json:"outputs,omitempty"`
	Job       *JobRef        `json:"job,omitempty"`
	Run       *RunRef        `json:"run,omitempty"`
	Metadata  *EventMetadata `json:"_metadata,omitempty"`
}

// SQL returns the SQL facet query, if any.
func (e *RawEvent) SQL() string {
	if e.Job == nil || e.Job.Facets.SQL == nil {
		return ""
	}
	return e.Job.Facets.SQL.Query
}

// NotebookOperation is one recorded notebook step.
type NotebookOperation struct {
	Operation string   `json:"operation"`
	Inputs    []string `json:"inputs"`
	Outputs   []string `json:"outputs"`
	Timestamp string   `json:"timestamp,omitempty"`
}

// FragmentMetadata is the fragment-level metadata block.
type FragmentMetadata struct {
	ExecutionContext    *EmbeddedContext `json:"execution_context,omitempty"`
	ExtractionTimestamp string           `json:"extraction_timestamp,omitempty"`
	ExtractorVersion    string           `json:"extractor_version,omitempty"`
	JobRunIDs           []string         `json:"job_run_ids,omitempty"`
}

// Fragment is a per-source batch of lineage events. Events are kept raw so a
// malformed event can be skipped without failing the fragment.
type Fragment struct {
	Source     string              `json:"source,omitempty"`
	Path       string              `json:"path,omitempty"`
	Metadata   FragmentMetadata    `json:"metadata"`
	Events     []json.RawMessage   `json:"events"`
	Operations []NotebookOperation `json:"operations,omitempty"`
}

// IsEmpty reports whether the fragment carries nothing to merge.
func (f *Fragment) IsEmpty() bool {
	return len(f.Events) == 0 && len(f.Operations) == 0
}

// ExtractionSummary reports what extraction made of one fragment.
type ExtractionSummary struct {
	Source        string `json:"source"`
	EventsTotal   int    `json:"events_total"`
	EventsSkipped int    `json:"events_skipped"`
	EdgesFound    int    `json:"edges_found"`
	CopyEdges     int    `json:"copy_edges"`
	Excluded      int    `json:"excluded_entities"`
}

// CorrelationStatus describes how well the fragments lined up.
type CorrelationStatus string

const (
	CorrelationPending    CorrelationStatus = "pending"
	CorrelationCorrelated CorrelationStatus = "correlated"
	CorrelationPartial    CorrelationStatus = "partial"
	CorrelationFailed     CorrelationStatus = "failed"
)

// MultiSourceSummary describes the inputs to a merge.
type MultiSourceSummary struct {
	AvailableSources  []string            `json:"available_sources"`
	IsComplete        bool                `json:"is_complete"`
	CorrelationStatus CorrelationStatus   `json:"correlation_status"`
	Extraction        []ExtractionSummary `json:"extraction"`
}
