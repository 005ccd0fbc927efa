package logging

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureOutput(t *testing.T) (*bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	t.Setenv("LOG_TIMESTAMP", "2024-01-01T00:00:00Z")
	var out, errOut bytes.Buffer
	SetOutput(&out, &errOut)
	t.Cleanup(func() {
		SetOutput(nil, nil)
		_ = SetPackageLogLevels(map[string]string{})
	})
	return &out, &errOut
}

func TestLogger_LevelsAndRouting(t *testing.T) {
	out, errOut := captureOutput(t)
	require.NoError(t, Initialize("info"))

	logger := GetLogger("jobrun")
	logger.Debug("hidden")
	logger.Info("validated %s", "jr_1")
	logger.Error("boom")

	assert.Equal(t, "[2024-01-01T00:00:00Z] [INFO] jobrun: validated jr_1\n", out.String())
	assert.Contains(t, errOut.String(), "[ERROR] jobrun: boom")
	assert.NotContains(t, out.String(), "hidden")
}

func TestLogger_FieldsAreSortedAndMerged(t *testing.T) {
	out, _ := captureOutput(t)
	require.NoError(t, Initialize("debug"))

	ctx := ContextWithTrace(context.Background(), "trace-1", "span-1")
	logger := GetLogger("lineage.merge").WithField("context_id", "ctx-a").WithContext(ctx)
	logger.InfoWithFields("merged", Field("edges", 3), Field("context_id", "ctx-b"))

	line := strings.TrimSpace(out.String())
	assert.True(t, strings.HasSuffix(line, "| context_id=ctx-b edges=3 span_id=span-1 trace_id=trace-1"), line)
}

func TestLogger_WithFieldDoesNotMutateParent(t *testing.T) {
	parent := GetLogger("scoring")
	child := parent.WithField("k", "v")

	assert.Empty(t, parent.fields)
	assert.Equal(t, "v", child.fields["k"])
}

func TestLogger_ErrorWithErr(t *testing.T) {
	_, errOut := captureOutput(t)
	require.NoError(t, Initialize("info"))

	GetLogger("store").ErrorWithErr("put failed", errors.New("disk full"))
	assert.Contains(t, errOut.String(), "put failed | error=disk full")
}

func TestPackageLogLevels(t *testing.T) {
	out, _ := captureOutput(t)
	require.NoError(t, Initialize("warn", map[string]string{
		"lineage.*":     "debug",
		"lineage.paths": "error",
	}))

	GetLogger("lineage.merge").Debug("merge debug")
	GetLogger("lineage.paths").Warn("paths warn")
	GetLogger("jobrun").Info("jobrun info")

	assert.Contains(t, out.String(), "merge debug")
	assert.NotContains(t, out.String(), "paths warn")
	assert.NotContains(t, out.String(), "jobrun info")
}

func TestGetPackageLogLevel_LongestWildcardWins(t *testing.T) {
	t.Cleanup(func() { _ = SetPackageLogLevels(map[string]string{}) })
	require.NoError(t, SetPackageLogLevels(map[string]string{
		"store.*":        "warn",
		"store.sqlite.*": "debug",
	}))

	assert.Equal(t, DEBUG, GetPackageLogLevel("store.sqlite.tx"))
	assert.Equal(t, WARN, GetPackageLogLevel("store.postgres"))
	assert.Equal(t, LogLevel(-1), GetPackageLogLevel("engine"))
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    LogLevel
		wantErr bool
	}{
		{"debug", DEBUG, false},
		{"INFO", INFO, false},
		{"warning", WARN, false},
		{" error ", ERROR, false},
		{"fatal", FATAL, false},
		{"verbose", -1, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSetPackageLogLevels_RejectsInvalid(t *testing.T) {
	err := SetPackageLogLevels(map[string]string{"engine": "loud"})
	assert.Error(t, err)
}
