package models

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"time"
)

// EntityKind describes what a lineage node refers to.
type EntityKind string

const (
	EntityDataset EntityKind = "dataset"
	EntityTable   EntityKind = "table"
	EntityUnknown EntityKind = "unknown"
)

// LineageNode is one entity in the merged graph.
type LineageNode struct {
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	Kind     EntityKind `json:"kind"`
	Services []string   `json:"services"`
}

// LineageEdge is a directed upstream->downstream link.
type LineageEdge struct {
	FromNodeID string `json:"from_node_id"`
	ToNodeID   string `json:"to_node_id"`
	From       string `json:"from"`
	To         string `json:"to"`
	Service    string `json:"service"`
	ContextID  string `json:"context_id,omitempty"`
}

// EndToEndLineagePath runs from a source with no upstream to a sink with no downstream.
type EndToEndLineagePath struct {
	PathID           string   `json:"path_id"`
	Entities         []string `json:"entities"`
	NodeIDs          []string `json:"node_ids"`
	ServicesInvolved []string `json:"services_involved"`
	ConfidenceScore  float64  `json:"confidence_score"`
}

// Source is the first entity of the path.
func (p *EndToEndLineagePath) Source() string {
	if len(p.Entities) == 0 {
		return ""
	}
	return p.Entities[0]
}

// Sink is the last entity of the path.
func (p *EndToEndLineagePath) Sink() string {
	if len(p.Entities) == 0 {
		return ""
	}
	return p.Entities[len(p.Entities)-1]
}

// Length is the number of hops.
func (p *EndToEndLineagePath) Length() int {
	if len(p.Entities) == 0 {
		return 0
	}
	return len(p.Entities) - 1
}

// ImpactScope returns the entities affected by a change at changePoint,
// i.e. everything after it on the path. Unknown change points affect nothing.
func (p *EndToEndLineagePath) ImpactScope(changePoint string) []string {
	for i, e := range p.Entities {
		if e == changePoint {
			out := make([]string, len(p.Entities)-i-1)
			copy(out, p.Entities[i+1:])
			return out
		}
	}
	return []string{}
}

// PathSummary renders the path on one line.
func (p *EndToEndLineagePath) PathSummary() string {
	return fmt.Sprintf("%s [%s] (confidence %.2f)",
		strings.Join(p.Entities, " -> "), strings.Join(p.ServicesInvolved, ", "), p.ConfidenceScore)
}

// NodeID derives a deterministic node id from an entity name.
func NodeID(name string) string {
	hash := sha256.Sum256([]byte(name))
	return fmt.Sprintf("node-%x", hash[:8])
}

// PathID derives a deterministic path id from its entities.
func PathID(entities []string) string {
	hash := sha256.Sum256([]byte(strings.Join(entities, "\x00")))
	return fmt.Sprintf("path-%x", hash[:8])
}

// LineageGraph is the merged artifact. The Total* counts are cached and must
// match the collection sizes; ValidateGraphIntegrity checks that.
type LineageGraph struct {
	ContextID  string                `json:"context_id"`
	CreatedAt  time.Time             `json:"created_at"`
	Nodes      []LineageNode         `json:"nodes"`
	Edges      []LineageEdge         `json:"edges"`
	Paths      []EndToEndLineagePath `json:"paths"`
	TotalNodes int                   `json:"total_nodes"`
	TotalEdges int                   `json:"total_edges"`
	TotalPaths int                   `json:"total_paths"`

	// PathsTruncated is set when path enumeration stopped at the path limit.
	PathsTruncated bool `json:"paths_truncated,omitempty"`

	nodeIndex map[string]int
	edgeIndex map[string]int
}

// NewLineageGraph returns an empty graph.
func NewLineageGraph(contextID string, createdAt time.Time) *LineageGraph {
	return &LineageGraph{
		ContextID: contextID,
		CreatedAt: createdAt,
		Nodes:     []LineageNode{},
		Edges:     []LineageEdge{},
		Paths:     []EndToEndLineagePath{},
	}
}

func (g *LineageGraph) ensureIndex() {
	if g.nodeIndex != nil && len(g.nodeIndex) == len(g.Nodes) && g.edgeIndex != nil && len(g.edgeIndex) == len(g.Edges) {
		return
	}
	g.nodeIndex = make(map[string]int, len(g.Nodes))
	for i, n := range g.Nodes {
		g.nodeIndex[n.Name] = i
	}
	g.edgeIndex = make(map[string]int, len(g.Edges))
	for i, e := range g.Edges {
		g.edgeIndex[e.From+"\x00"+e.To] = i
	}
}

// AddNode inserts the entity if missing and records the service. It returns the node id.
func (g *LineageGraph) AddNode(name string, kind EntityKind, service string) string {
	g.ensureIndex()
	if i, ok := g.nodeIndex[name]; ok {
		n := &g.Nodes[i]
		if n.Kind == EntityUnknown && kind != EntityUnknown {
			n.Kind = kind
		}
		if service != "" && !containsString(n.Services, service) {
			n.Services = append(n.Services, service)
		}
		return n.ID
	}
	n := LineageNode{ID: NodeID(name), Name: name, Kind: kind, Services: []string{}}
	if service != "" {
		n.Services = append(n.Services, service)
	}
	g.Nodes = append(g.Nodes, n)
	g.nodeIndex[name] = len(g.Nodes) - 1
	g.TotalNodes = len(g.Nodes)
	return n.ID
}

// AddEdge links from->to, creating nodes as needed. Duplicate edges keep the
// first service that contributed them. It reports whether an edge was added.
func (g *LineageGraph) AddEdge(from, to, service, contextID string, fromKind, toKind EntityKind) bool {
	fromID := g.AddNode(from, fromKind, service)
	toID := g.AddNode(to, toKind, service)
	key := from + "\x00" + to
	if _, ok := g.edgeIndex[key]; ok {
		return false
	}
	g.Edges = append(g.Edges, LineageEdge{
		FromNodeID: fromID,
		ToNodeID:   toID,
		From:       from,
		To:         to,
		Service:    service,
		ContextID:  contextID,
	})
	g.edgeIndex[key] = len(g.Edges) - 1
	g.TotalEdges = len(g.Edges)
	return true
}

// AddPath appends a reconstructed path.
func (g *LineageGraph) AddPath(p EndToEndLineagePath) {
	g.Paths = append(g.Paths, p)
	g.TotalPaths = len(g.Paths)
}

// Node looks an entity up by name.
func (g *LineageGraph) Node(name string) (LineageNode, bool) {
	g.ensureIndex()
	i, ok := g.nodeIndex[name]
	if !ok {
		return LineageNode{}, false
	}
	return g.Nodes[i], true
}

// Edge looks an edge up by entity names.
func (g *LineageGraph) Edge(from, to string) (LineageEdge, bool) {
	g.ensureIndex()
	i, ok := g.edgeIndex[from+"\x00"+to]
	if !ok {
		return LineageEdge{}, false
	}
	return g.Edges[i], true
}

// IntegrityErrors lists every integrity violation; empty means the graph is sound.
func (g *LineageGraph) IntegrityErrors() []string {
	var problems []string
	ids := make(map[string]bool, len(g.Nodes))
	for _, n := range g.Nodes {
		ids[n.ID] = true
	}
	for _, e := range g.Edges {
		if !ids[e.FromNodeID] {
			problems = append(problems, fmt.Sprintf("edge %s -> %s references unknown node %s", e.From, e.To, e.FromNodeID))
		}
		if !ids[e.ToNodeID] {
			problems = append(problems, fmt.Sprintf("edge %s -> %s references unknown node %s", e.From, e.To, e.ToNodeID))
		}
	}
	if g.TotalNodes != len(g.Nodes) {
		problems = append(problems, fmt.Sprintf("total_nodes is %d, graph has %d nodes", g.TotalNodes, len(g.Nodes)))
	}
	if g.TotalEdges != len(g.Edges) {
		problems = append(problems, fmt.Sprintf("total_edges is %d, graph has %d edges", g.TotalEdges, len(g.Edges)))
	}
	if g.TotalPaths != len(g.Paths) {
		problems = append(problems, fmt.Sprintf("total_paths is %d, graph has %d paths", g.TotalPaths, len(g.Paths)))
	}
	return problems
}

// ValidateGraphIntegrity reports whether edges reference known nodes and the cached counts match.
func (g *LineageGraph) ValidateGraphIntegrity() bool {
	return len(g.IntegrityErrors()) == 0
}

func (g *LineageGraph) adjacency() (out map[string][]string, in map[string][]string) {
	out = make(map[string][]string)
	in = make(map[string][]string)
	for _, e := range g.Edges {
		out[e.From] = append(out[e.From], e.To)
		in[e.To] = append(in[e.To], e.From)
	}
	for k := range out {
		sort.Strings(out[k])
	}
	for k := range in {
		sort.Strings(in[k])
	}
	return out, in
}

// Sources are entities with no incoming edge, sorted.
func (g *LineageGraph) Sources() []string {
	_, in := g.adjacency()
	var names []string
	for _, n := range g.Nodes {
		if len(in[n.Name]) == 0 {
			names = append(names, n.Name)
		}
	}
	sort.Strings(names)
	return names
}

// Sinks are entities with no outgoing edge, sorted.
func (g *LineageGraph) Sinks() []string {
	out, _ := g.adjacency()
	var names []string
	for _, n := range g.Nodes {
		if len(out[n.Name]) == 0 {
			names = append(names, n.Name)
		}
	}
	sort.Strings(names)
	return names
}

type pathEntry struct {
	node         string
	path         []string
	visitedNodes map[string]bool
}

// FindPaths enumerates simple paths from one entity to another. Cycles are
// cut per path, so a node may appear in several distinct paths. A limit
// of 0 or less means no limit.
func (g *LineageGraph) FindPaths(from, to string, limit int) [][]string {
	if _, ok := g.Node(from); !ok {
		return nil
	}
	if _, ok := g.Node(to); !ok {
		return nil
	}
	out, _ := g.adjacency()

	var paths [][]string
	stack := []pathEntry{{
		node:         from,
		path:         []string{from},
		visitedNodes: map[string]bool{from: true},
	}}
	for len(stack) > 0 {
		entry := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if entry.node == to {
			paths = append(paths, entry.path)
			if limit > 0 && len(paths) >= limit {
				break
			}
			continue
		}

		next := out[entry.node]
		// Push in reverse so neighbors are explored in sorted order.
		for i := len(next) - 1; i >= 0; i-- {
			n := next[i]
			if entry.visitedNodes[n] {
				continue
			}
			visited := make(map[string]bool, len(entry.visitedNodes)+1)
			for k, v := range entry.visitedNodes {
				visited[k] = v
			}
			visited[n] = true
			path := make([]string, len(entry.path), len(entry.path)+1)
			copy(path, entry.path)
			stack = append(stack, pathEntry{node: n, path: append(path, n), visitedNodes: visited})
		}
	}
	return paths
}

// Upstream returns every entity that transitively feeds entity, sorted.
func (g *LineageGraph) Upstream(entity string) []string {
	_, in := g.adjacency()
	return reachable(entity, in)
}

// Downstream returns every entity transitively fed by entity, sorted.
func (g *LineageGraph) Downstream(entity string) []string {
	out, _ := g.adjacency()
	return reachable(entity, out)
}

func reachable(start string, adj map[string][]string) []string {
	seen := map[string]bool{start: true}
	queue := []string{start}
	var found []string
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, n := range adj[cur] {
			if seen[n] {
				continue
			}
			seen[n] = true
			found = append(found, n)
			queue = append(queue, n)
		}
	}
	sort.Strings(found)
	if found == nil {
		return []string{}
	}
	return found
}

// GraphStatistics summarizes a merged graph.
type GraphStatistics struct {
	TotalNodes        int            `json:"total_nodes"`
	TotalEdges        int            `json:"total_edges"`
	TotalPaths        int            `json:"total_paths"`
	Sources           int            `json:"sources"`
	Sinks             int            `json:"sinks"`
	EdgesByService    map[string]int `json:"edges_by_service"`
	LongestPath       int            `json:"longest_path"`
	CrossServicePaths int            `json:"cross_service_paths"`
}

// Statistics computes summary counts.
func (g *LineageGraph) Statistics() GraphStatistics {
	s := GraphStatistics{
		TotalNodes:     len(g.Nodes),
		TotalEdges:     len(g.Edges),
		TotalPaths:     len(g.Paths),
		Sources:        len(g.Sources()),
		Sinks:          len(g.Sinks()),
		EdgesByService: make(map[string]int),
	}
	for _, e := range g.Edges {
		s.EdgesByService[e.Service]++
	}
	for _, p := range g.Paths {
		if p.Length() > s.LongestPath {
			s.LongestPath = p.Length()
		}
		if len(p.ServicesInvolved) > 1 {
			s.CrossServicePaths++
		}
	}
	return s
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
