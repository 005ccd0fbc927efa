package lineage

import (
	"context"
	"testing"
	"time"

	"github.com/moolen/lineagectx/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimestamp(t *testing.T) {
	now := time.Date(2024, 6, 1, 13, 0, 0, 0, time.UTC)
	tests := []struct {
		in   string
		want time.Time
		ok   bool
	}{
		{"2024-06-01T12:00:00Z", time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC), true},
		{"20240601_120000", time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC), true},
		{"1717243200", time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC), true},
		{"2 hours ago", time.Date(2024, 6, 1, 11, 0, 0, 0, time.UTC), true},
		{"", time.Time{}, false},
		{"not a date at all", time.Time{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseTimestamp(tt.in, now)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.True(t, tt.want.Equal(got), "got %s", got)
			}
		})
	}
}

func TestMerge_RelativeTimestampUsesEngineClock(t *testing.T) {
	e := newTestEngine(t)
	fragment := func() map[string]*models.Fragment {
		f := glueFragment(t, &models.EmbeddedContext{
			ContextID:       "ctx-a",
			EnvironmentKind: string(models.EnvStandaloneScript),
			UserID:          "alice",
		})
		f.Metadata.ExtractionTimestamp = "2 hours ago"
		return map[string]*models.Fragment{models.SourceGlue: f}
	}

	first, err := e.Merge(context.Background(), fragment(), nil, MergeOptions{})
	require.NoError(t, err)
	second, err := e.Merge(context.Background(), fragment(), nil, MergeOptions{})
	require.NoError(t, err)

	want := mergeTime.Add(-2 * time.Hour)
	require.Len(t, first.Contexts, 1)
	assert.True(t, want.Equal(first.Contexts[0].Extracted), "got %s", first.Contexts[0].Extracted)
	assert.True(t, first.Contexts[0].Extracted.Equal(second.Contexts[0].Extracted))
}
