package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseContext() *ExecutionContext {
	return &ExecutionContext{
		ContextID:        "standalone_script_42_20240101_100000_000_abcd1234",
		EnvironmentKind:  EnvStandaloneScript,
		Timestamp:        time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC),
		ProcessID:        42,
		CommandLine:      "python etl.py",
		WorkingDirectory: "/home/alice/etl",
		UserID:           "alice",
	}
}

func TestExecutionContext_ContextHash(t *testing.T) {
	a := baseContext()
	b := baseContext()
	b.ContextID = "standalone_script_42_20240101_100001_000_ffff0000"
	b.Timestamp = a.Timestamp.Add(time.Second)

	assert.Len(t, a.ContextHash(), 16)
	assert.Equal(t, a.ContextHash(), b.ContextHash(), "hash ignores id and timestamp")

	b.UserID = "bob"
	assert.NotEqual(t, a.ContextHash(), b.ContextHash())
}

func TestExecutionContext_ContextHashEnvironmentFields(t *testing.T) {
	a := baseContext()
	a.EnvironmentKind = EnvOrchestratorTask
	a.OrchestratorDagID = "daily"
	a.OrchestratorTaskID = "load"
	b := *a
	b.OrchestratorRunID = "run-2"

	assert.NotEqual(t, a.ContextHash(), b.ContextHash())
}

func TestExecutionContext_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *ExecutionContext)
		wantErr bool
	}{
		{name: "complete standalone", mutate: func(c *ExecutionContext) {}},
		{name: "missing id", mutate: func(c *ExecutionContext) { c.ContextID = "" }, wantErr: true},
		{name: "zero pid", mutate: func(c *ExecutionContext) { c.ProcessID = 0 }, wantErr: true},
		{name: "missing cwd", mutate: func(c *ExecutionContext) { c.WorkingDirectory = "" }, wantErr: true},
		{
			name:    "managed notebook without instance",
			mutate:  func(c *ExecutionContext) { c.EnvironmentKind = EnvManagedNotebook },
			wantErr: true,
		},
		{
			name: "managed notebook with instance",
			mutate: func(c *ExecutionContext) {
				c.EnvironmentKind = EnvManagedNotebook
				c.NotebookInstance = "nb-1"
			},
		},
		{
			name: "orchestrator without task",
			mutate: func(c *ExecutionContext) {
				c.EnvironmentKind = EnvOrchestratorTask
				c.OrchestratorDagID = "daily"
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := baseContext()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, IsValidationError(err))
				assert.False(t, c.IsComplete())
			} else {
				require.NoError(t, err)
				assert.True(t, c.IsComplete())
			}
		})
	}
}

func TestExecutionContext_Expired(t *testing.T) {
	c := baseContext()
	assert.False(t, c.Expired(c.Timestamp.Add(23*time.Hour), 24*time.Hour))
	assert.True(t, c.Expired(c.Timestamp.Add(25*time.Hour), 24*time.Hour))
	assert.False(t, c.Expired(c.Timestamp.Add(25*time.Hour), 30*24*time.Hour))
}

func TestExecutionContext_JSONRoundTrip(t *testing.T) {
	c := baseContext()
	c.Metadata = map[string]interface{}{MetaFallback: true}

	raw, err := json.Marshal(c)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"context_hash":"`+c.ContextHash()+`"`)

	var back ExecutionContext
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, c.ContextID, back.ContextID)
	assert.True(t, c.Timestamp.Equal(back.Timestamp))
	assert.Equal(t, c.ContextHash(), back.ContextHash())
	assert.True(t, back.IsFallback())
}

func TestParseEnvironmentKind(t *testing.T) {
	assert.Equal(t, EnvManagedNotebook, ParseEnvironmentKind("managed_notebook"))
	assert.Equal(t, EnvUnknown, ParseEnvironmentKind("sagemaker"))
}
