package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleGraph() *LineageGraph {
	g := NewLineageGraph("ctx", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	g.AddEdge("bucket/raw", "bucket/clean", SourceGlue, "ctx", EntityDataset, EntityDataset)
	g.AddEdge("bucket/clean", "public.sales", SourceRedshift, "ctx", EntityDataset, EntityTable)
	g.AddEdge("public.sales", "public.report", SourceRedshift, "ctx", EntityTable, EntityTable)
	g.AddEdge("bucket/raw", "public.sales", SourceGlue, "ctx", EntityDataset, EntityTable)
	return g
}

func TestLineageGraph_AddEdgeDeduplicates(t *testing.T) {
	g := sampleGraph()
	assert.False(t, g.AddEdge("bucket/raw", "bucket/clean", SourceNotebook, "ctx", EntityDataset, EntityDataset))
	assert.Equal(t, 4, g.TotalEdges)
	assert.Equal(t, 4, g.TotalNodes)

	e, ok := g.Edge("bucket/raw", "bucket/clean")
	require.True(t, ok)
	assert.Equal(t, SourceGlue, e.Service)
	assert.Equal(t, NodeID("bucket/raw"), e.FromNodeID)
}

func TestLineageGraph_SourcesSinks(t *testing.T) {
	g := sampleGraph()
	assert.Equal(t, []string{"bucket/raw"}, g.Sources())
	assert.Equal(t, []string{"public.report"}, g.Sinks())
}

func TestLineageGraph_FindPaths(t *testing.T) {
	g := sampleGraph()
	paths := g.FindPaths("bucket/raw", "public.report", 0)
	require.Len(t, paths, 2)
	assert.Equal(t, []string{"bucket/raw", "bucket/clean", "public.sales", "public.report"}, paths[0])
	assert.Equal(t, []string{"bucket/raw", "public.sales", "public.report"}, paths[1])

	assert.Len(t, g.FindPaths("bucket/raw", "public.report", 1), 1)
	assert.Nil(t, g.FindPaths("missing", "public.report", 0))
}

func TestLineageGraph_FindPathsCycle(t *testing.T) {
	g := NewLineageGraph("ctx", time.Time{})
	g.AddEdge("a", "b", SourceGlue, "", EntityUnknown, EntityUnknown)
	g.AddEdge("b", "c", SourceGlue, "", EntityUnknown, EntityUnknown)
	g.AddEdge("c", "b", SourceGlue, "", EntityUnknown, EntityUnknown)
	g.AddEdge("c", "d", SourceGlue, "", EntityUnknown, EntityUnknown)
	g.AddEdge("b", "d", SourceGlue, "", EntityUnknown, EntityUnknown)

	paths := g.FindPaths("a", "d", 0)
	assert.ElementsMatch(t, [][]string{{"a", "b", "c", "d"}, {"a", "b", "d"}}, paths)
}

func TestLineageGraph_UpstreamDownstream(t *testing.T) {
	g := sampleGraph()
	assert.Equal(t, []string{"bucket/clean", "bucket/raw", "public.sales"}, g.Upstream("public.report"))
	assert.Equal(t, []string{"bucket/clean", "public.report", "public.sales"}, g.Downstream("bucket/raw"))
	assert.Equal(t, []string{}, g.Downstream("public.report"))
}

func TestLineageGraph_Integrity(t *testing.T) {
	g := sampleGraph()
	assert.True(t, g.ValidateGraphIntegrity())

	g.TotalNodes = 99
	assert.False(t, g.ValidateGraphIntegrity())
	g.TotalNodes = len(g.Nodes)

	g.Edges = append(g.Edges, LineageEdge{FromNodeID: "node-x", ToNodeID: NodeID("bucket/raw")})
	g.TotalEdges = len(g.Edges)
	problems := g.IntegrityErrors()
	require.Len(t, problems, 1)
	assert.Contains(t, problems[0], "node-x")
}

func TestEndToEndLineagePath_Helpers(t *testing.T) {
	p := EndToEndLineagePath{
		Entities:         []string{"bucket/raw", "public.sales", "public.report"},
		ServicesInvolved: []string{SourceGlue, SourceRedshift},
		ConfidenceScore:  0.75,
	}
	assert.Equal(t, "bucket/raw", p.Source())
	assert.Equal(t, "public.report", p.Sink())
	assert.Equal(t, 2, p.Length())
	assert.Equal(t, []string{"public.report"}, p.ImpactScope("public.sales"))
	assert.Equal(t, []string{}, p.ImpactScope("nope"))
	assert.Equal(t, "bucket/raw -> public.sales -> public.report [glue, redshift] (confidence 0.75)", p.PathSummary())
	assert.Equal(t, PathID(p.Entities), PathID([]string{"bucket/raw", "public.sales", "public.report"}))
}

func TestLineageGraph_Statistics(t *testing.T) {
	g := sampleGraph()
	g.AddPath(EndToEndLineagePath{Entities: []string{"bucket/raw", "public.sales", "public.report"}, ServicesInvolved: []string{"glue", "redshift"}})
	s := g.Statistics()
	assert.Equal(t, 4, s.TotalNodes)
	assert.Equal(t, 1, s.TotalPaths)
	assert.Equal(t, 2, s.EdgesByService[SourceGlue])
	assert.Equal(t, 2, s.LongestPath)
	assert.Equal(t, 1, s.CrossServicePaths)
}
