package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// EnvironmentKind classifies the process that produced lineage.
type EnvironmentKind string

const (
	EnvStandaloneScript    EnvironmentKind = "standalone_script"
	EnvManagedNotebook     EnvironmentKind = "managed_notebook"
	EnvInteractiveNotebook EnvironmentKind = "interactive_notebook"
	EnvOrchestratorTask    EnvironmentKind = "orchestrator_task"
	EnvUnknown             EnvironmentKind = "unknown"
)

// AllEnvironmentKinds lists the kinds in classification priority order.
var AllEnvironmentKinds = []EnvironmentKind{
	EnvManagedNotebook,
	EnvOrchestratorTask,
	EnvInteractiveNotebook,
	EnvStandaloneScript,
	EnvUnknown,
}

// ParseEnvironmentKind maps a stored kind string back to the enum.
// Unrecognized values map to EnvUnknown.
func ParseEnvironmentKind(s string) EnvironmentKind {
	for _, k := range AllEnvironmentKinds {
		if string(k) == s {
			return k
		}
	}
	return EnvUnknown
}

// Metadata keys set by the fingerprinter.
const (
	MetaFallback          = "fallback"
	MetaFallbackReason    = "fallback_reason"
	MetaGoVersion         = "go_version"
	MetaPlatform          = "platform"
	MetaExtractionTime    = "extraction_timestamp"
	MetaExtractorVersion  = "extractor_version"
	MetaInferredFromPath  = "inferred_from_path"
	MetaFailureReason     = "failure_reason"
	MetaValidationDetails = "validation_details"
)

// ExecutionContext identifies one running process or session.
// Values are created once by the fingerprinter and treated as read-only.
type ExecutionContext struct {
	ContextID         string          `json:"context_id"`
	EnvironmentKind   EnvironmentKind `json:"environment_kind"`
	Timestamp         time.Time       `json:"timestamp"`
	ProcessID         int             `json:"process_id"`
	CommandLine       string          `json:"command_line"`
	WorkingDirectory  string          `json:"working_directory"`
	UserID            string          `json:"user_id,omitempty"`
	SessionID         string          `json:"session_id,omitempty"`
	ParentProcessName string          `json:"parent_process_name,omitempty"`

	// Managed notebook
	NotebookInstance string `json:"notebook_instance,omitempty"`
	NotebookRole     string `json:"notebook_role,omitempty"`
	KernelID         string `json:"kernel_id,omitempty"`

	// Interactive notebook
	InteractiveKernelID string `json:"interactive_kernel_id,omitempty"`

	// Orchestrator task
	OrchestratorDagID  string `json:"orchestrator_dag_id,omitempty"`
	OrchestratorTaskID string `json:"orchestrator_task_id,omitempty"`
	OrchestratorRunID  string `json:"orchestrator_run_id,omitempty"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// ContextHash is a 16 hex-char digest over the stable identity fields.
// It ignores the timestamp, so two contexts for the same process and
// environment hash equal even though their ContextIDs differ.
func (c *ExecutionContext) ContextHash() string {
	identity := map[string]interface{}{
		"environment_kind":    string(c.EnvironmentKind),
		"process_id":          c.ProcessID,
		"command_line":        c.CommandLine,
		"working_directory":   c.WorkingDirectory,
		"user_id":             c.UserID,
		"parent_process_name": c.ParentProcessName,
	}
	for k, v := range c.EnvironmentSpecificInfo() {
		identity[k] = v
	}

	// encoding/json sorts map keys, so the encoding is canonical.
	raw, _ := json.Marshal(identity)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])[:16]
}

// EnvironmentSpecificInfo returns the identifiers that matter for this kind.
func (c *ExecutionContext) EnvironmentSpecificInfo() map[string]string {
	switch c.EnvironmentKind {
	case EnvManagedNotebook:
		return map[string]string{
			"notebook_instance": c.NotebookInstance,
			"notebook_role":     c.NotebookRole,
			"kernel_id":         c.KernelID,
		}
	case EnvOrchestratorTask:
		return map[string]string{
			"dag_id":  c.OrchestratorDagID,
			"task_id": c.OrchestratorTaskID,
			"run_id":  c.OrchestratorRunID,
		}
	case EnvInteractiveNotebook:
		return map[string]string{
			"interactive_kernel_id": c.InteractiveKernelID,
		}
	default:
		return map[string]string{}
	}
}

func (c *ExecutionContext) IsManagedNotebook() bool {
	return c.EnvironmentKind == EnvManagedNotebook
}

func (c *ExecutionContext) IsOrchestratorTask() bool {
	return c.EnvironmentKind == EnvOrchestratorTask
}

// IsFallback reports whether the fingerprinter degraded while building c.
func (c *ExecutionContext) IsFallback() bool {
	v, ok := c.Metadata[MetaFallback].(bool)
	return ok && v
}

// Age returns how long ago the context was created relative to now.
func (c *ExecutionContext) Age(now time.Time) time.Duration {
	return now.Sub(c.Timestamp)
}

// Expired reports whether the context is older than retention.
func (c *ExecutionContext) Expired(now time.Time, retention time.Duration) bool {
	return c.Age(now) > retention
}

// Validate checks that the base fields and the fields required by the
// environment kind are present.
func (c *ExecutionContext) Validate() error {
	switch {
	case c.ContextID == "":
		return NewValidationError("context_id is required")
	case c.EnvironmentKind == "":
		return NewValidationError("environment_kind is required")
	case c.Timestamp.IsZero():
		return NewValidationError("timestamp is required")
	case c.ProcessID <= 0:
		return NewValidationError("process_id must be positive")
	case c.CommandLine == "":
		return NewValidationError("command_line is required")
	case c.WorkingDirectory == "":
		return NewValidationError("working_directory is required")
	}

	switch c.EnvironmentKind {
	case EnvManagedNotebook:
		if c.NotebookInstance == "" {
			return NewValidationError("managed notebook context %s has no notebook instance", c.ContextID)
		}
	case EnvOrchestratorTask:
		if c.OrchestratorDagID == "" || c.OrchestratorTaskID == "" {
			return NewValidationError("orchestrator context %s requires dag and task ids", c.ContextID)
		}
	}
	return nil
}

// IsComplete is Validate without the reason.
func (c *ExecutionContext) IsComplete() bool {
	return c.Validate() == nil
}

// MarshalJSON adds the derived context_hash to the stored form.
func (c ExecutionContext) MarshalJSON() ([]byte, error) {
	type plain ExecutionContext
	return json.Marshal(struct {
		plain
		ContextHash string `json:"context_hash"`
	}{plain: plain(c), ContextHash: c.ContextHash()})
}

// UnmarshalJSON ignores the derived context_hash.
func (c *ExecutionContext) UnmarshalJSON(data []byte) error {
	type plain ExecutionContext
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*c = ExecutionContext(p)
	if c.EnvironmentKind != "" {
		c.EnvironmentKind = ParseEnvironmentKind(string(c.EnvironmentKind))
	}
	return nil
}
