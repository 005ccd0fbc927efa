// Package lineage merges per-service lineage fragments into one graph after
// checking that they were produced by compatible executions.
package lineage

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/moolen/lineagectx/internal/config"
	"github.com/moolen/lineagectx/internal/logging"
	"github.com/moolen/lineagectx/internal/models"
)

// MergeStatus tags the outcome of Merge.
type MergeStatus string

const (
	StatusMerged  MergeStatus = "merged"
	StatusBlocked MergeStatus = "blocked"
	StatusFailed  MergeStatus = "failed"
)

// Failure reasons.
const (
	ReasonNoFragments = "No lineage fragments to merge"
	ReasonBlocked     = "Merge blocked by validation"
)

// sourceOrder is the merge precedence of well-known sources. Unknown sources
// follow in name order.
var sourceOrder = []string{models.SourceGlue, models.SourceRedshift, models.SourceNotebook}

// MergeOptions tunes a single Merge call.
type MergeOptions struct {
	// AllowBlocked builds the graph even when validation recommends BLOCK.
	AllowBlocked bool
	// ConfirmBlocked is asked once whether a BLOCK recommendation may be
	// overridden. It is not called when AllowBlocked is set.
	ConfirmBlocked func(*models.LineageValidationResult) bool
}

func (o MergeOptions) overrides(v *models.LineageValidationResult) bool {
	return o.AllowBlocked || (o.ConfirmBlocked != nil && o.ConfirmBlocked(v))
}

// MergeResult is the tagged outcome of Merge. Graph is nil unless Status is
// StatusMerged; a merge never returns a partial graph.
type MergeResult struct {
	Status        MergeStatus                     `json:"status"`
	FailureReason string                          `json:"failure_reason,omitempty"`
	Graph         *models.LineageGraph            `json:"graph,omitempty"`
	Validation    *models.LineageValidationResult `json:"validation"`
	Summary       models.MultiSourceSummary       `json:"summary"`
	Contexts      []FragmentContext               `json:"contexts"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces time.Now for graph and validation timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithContextStore enriches fragment contexts from stored contexts.
func WithContextStore(s ContextGetter) Option {
	return func(e *Engine) { e.contexts = s }
}

// WithMappingStore enables job-run mapping checks.
func WithMappingStore(s MappingQuerier) Option {
	return func(e *Engine) { e.mappings = s }
}

// Engine merges fragments. It is safe for concurrent use.
type Engine struct {
	cfg       config.LineageConfig
	norm      *Normalizer
	extractor *Extractor
	validator *validator
	contexts  ContextGetter
	mappings  MappingQuerier
	now       func() time.Time
	logger    *logging.Logger
}

// NewEngine builds an Engine from the lineage section.
func NewEngine(cfg config.LineageConfig, opts ...Option) (*Engine, error) {
	e := &Engine{
		cfg:    cfg,
		norm:   NewNormalizer(cfg),
		now:    time.Now,
		logger: logging.GetLogger("lineage.merge"),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.extractor = NewExtractor(e.norm)
	e.extractor.now = e.now
	v, err := newValidator(cfg, e.mappings)
	if err != nil {
		return nil, err
	}
	e.validator = v
	return e, nil
}

// Normalizer exposes the engine's name normalizer.
func (e *Engine) Normalizer() *Normalizer { return e.norm }

// orderedSources returns the fragment keys in merge precedence.
func orderedSources(fragments map[string]*models.Fragment) []string {
	rank := make(map[string]int, len(sourceOrder))
	for i, s := range sourceOrder {
		rank[s] = i
	}
	keys := make([]string, 0, len(fragments))
	for k, f := range fragments {
		if f != nil {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		ri, iok := rank[keys[i]]
		rj, jok := rank[keys[j]]
		switch {
		case iok && jok:
			return ri < rj
		case iok != jok:
			return iok
		}
		return keys[i] < keys[j]
	})
	return keys
}

// Merge validates the fragments against each other and against ref, then
// unions their edges and reconstructs end-to-end paths. When ref is nil the
// highest-precedence fragment context with an explicit id is the reference.
// Failures come back as a tagged result; the error is reserved for a
// cancelled context.
func (e *Engine) Merge(ctx context.Context, fragments map[string]*models.Fragment, ref *models.ExecutionContext, opts MergeOptions) (*MergeResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := e.now()
	sources := orderedSources(fragments)

	extractions := make([]*Extraction, 0, len(sources))
	contexts := make([]FragmentContext, 0, len(sources))
	var available []string
	for _, src := range sources {
		f := fragments[src]
		ex := e.extractor.Extract(src, f)
		extractions = append(extractions, ex)
		contexts = append(contexts, resolveContext(ctx, src, f, ex, e.contexts, now))
		if !f.IsEmpty() {
			available = append(available, src)
		}
	}

	res := &MergeResult{
		Contexts: contexts,
		Summary: models.MultiSourceSummary{
			AvailableSources:  nonNil(available),
			IsComplete:        len(available) >= 2,
			CorrelationStatus: models.CorrelationPending,
			Extraction:        make([]models.ExtractionSummary, 0, len(extractions)),
		},
	}
	for _, ex := range extractions {
		res.Summary.Extraction = append(res.Summary.Extraction, ex.Summary)
	}

	derived := false
	if ref == nil {
		ref = referenceFromFragments(contexts)
		derived = ref != nil
	}

	if len(available) == 0 {
		refID := ""
		if ref != nil {
			refID = ref.ContextID
		}
		res.Status = StatusFailed
		res.FailureReason = ReasonNoFragments
		res.Validation = models.NewLineageValidationResult(refID, 0, []models.ValidationIssue{{
			Kind:         models.IssueMissingContext,
			Severity:     models.SeverityCritical,
			Description:  ReasonNoFragments,
			SuggestedFix: "Collect lineage from at least one service before merging",
		}}, now)
		res.Summary.CorrelationStatus = models.CorrelationFailed
		return res, nil
	}

	res.Validation = e.validator.validate(ctx, contexts, extractions, ref, derived, now)

	if res.Validation.Recommendation == models.RecommendBlock && !opts.overrides(res.Validation) {
		res.Status = StatusBlocked
		res.FailureReason = ReasonBlocked
		res.Summary.CorrelationStatus = models.CorrelationFailed
		e.logger.WarnWithFields("Lineage merge blocked",
			logging.Field("context_id", res.Validation.ContextID),
			logging.Field("confidence", res.Validation.ConfidenceScore),
			logging.Field("issues", len(res.Validation.Issues)))
		return res, nil
	}

	res.Graph = e.buildGraph(res.Validation.ContextID, extractions, contexts, now)
	res.Status = StatusMerged
	if res.Validation.IsValid {
		res.Summary.CorrelationStatus = models.CorrelationCorrelated
	} else {
		res.Summary.CorrelationStatus = models.CorrelationPartial
	}

	e.logger.InfoWithFields("Lineage merged",
		logging.Field("context_id", res.Validation.ContextID),
		logging.Field("sources", strings.Join(available, ",")),
		logging.Field("nodes", res.Graph.TotalNodes),
		logging.Field("edges", res.Graph.TotalEdges),
		logging.Field("paths", res.Graph.TotalPaths),
		logging.Field("recommendation", string(res.Validation.Recommendation)))
	return res, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func referenceFromFragments(contexts []FragmentContext) *models.ExecutionContext {
	for _, fc := range contexts {
		if fc.Found() && !fc.Inferred() {
			return &models.ExecutionContext{
				ContextID:       fc.ContextID,
				EnvironmentKind: fc.Kind,
				UserID:          fc.UserID,
				Timestamp:       fc.Extracted,
			}
		}
	}
	return nil
}

type stagedEdge struct {
	Edge
	service string
}

// unionEdges accumulates edges in precedence order: primary ETL edges, then
// bulk-load edges, then the remaining sources.
func (e *Engine) unionEdges(extractions []*Extraction) []stagedEdge {
	var staged []stagedEdge
	seen := make(map[string]bool)
	add := func(edge Edge, service string) {
		if e.norm.IsExcluded(edge.From) || e.norm.IsExcluded(edge.To) || edge.From == edge.To {
			return
		}
		if strings.HasSuffix(strings.ToLower(edge.From), ".csv") && edge.To == e.cfg.CanonicalTempTable {
			e.logger.Debug("Skipping invalid connection: %s -> %s", edge.From, edge.To)
			return
		}
		key := edge.From + "\x00" + edge.To
		if seen[key] {
			return
		}
		seen[key] = true
		staged = append(staged, stagedEdge{Edge: edge, service: service})
	}

	var primary, rest []*Extraction
	for _, ex := range extractions {
		if ex.Source == models.SourceGlue {
			primary = append(primary, ex)
		} else {
			rest = append(rest, ex)
		}
	}

	for _, ex := range primary {
		for _, edge := range ex.Edges {
			edge.From, edge.To = e.norm.Path(edge.From), e.norm.Path(edge.To)
			add(edge, ex.Source)
		}
	}
	for _, ex := range extractions {
		for _, edge := range ex.CopyEdges {
			edge.From = e.norm.Path(edge.From)
			add(edge, ex.Source)
		}
	}
	for _, ex := range rest {
		for _, edge := range ex.Edges {
			edge.From, edge.To = e.norm.Entity(edge.From), e.norm.Entity(edge.To)
			add(edge, ex.Source)
		}
	}
	return staged
}

func (e *Engine) buildGraph(contextID string, extractions []*Extraction, contexts []FragmentContext, now time.Time) *models.LineageGraph {
	g := models.NewLineageGraph(contextID, now)
	for _, se := range e.unionEdges(extractions) {
		g.AddEdge(se.From, se.To, se.service, contextID, se.FromKind, se.ToKind)
	}

	credit := e.sourceCredit(contexts)
	limited := e.cfg.MaxPaths > 0
	remaining := e.cfg.MaxPaths
	for _, src := range g.Sources() {
		for _, sink := range g.Sinks() {
			limit := 0
			if limited {
				limit = remaining + 1
			}
			found := g.FindPaths(src, sink, limit)
			if limited && len(found) > remaining {
				found = found[:remaining]
				g.PathsTruncated = true
			}
			for _, entities := range found {
				g.AddPath(e.pathFor(g, entities, credit))
				remaining--
			}
			if g.PathsTruncated {
				e.logger.Warn("Path limit %d reached for context %s", e.cfg.MaxPaths, contextID)
				return g
			}
		}
	}
	return g
}

// sourceCredit is the context confidence of each source.
func (e *Engine) sourceCredit(contexts []FragmentContext) map[string]float64 {
	credit := make(map[string]float64, len(contexts)+1)
	for _, fc := range contexts {
		switch {
		case !fc.Found():
			credit[fc.Source] = 0
		case fc.Inferred():
			credit[fc.Source] = e.cfg.InferredContextCredit
		default:
			credit[fc.Source] = 1
		}
	}
	return credit
}

func (e *Engine) pathFor(g *models.LineageGraph, entities []string, credit map[string]float64) models.EndToEndLineagePath {
	p := models.EndToEndLineagePath{
		PathID:           models.PathID(entities),
		Entities:         entities,
		NodeIDs:          make([]string, 0, len(entities)),
		ServicesInvolved: []string{},
		ConfidenceScore:  1,
	}
	for _, name := range entities {
		p.NodeIDs = append(p.NodeIDs, models.NodeID(name))
	}
	seen := make(map[string]bool)
	for i := 0; i+1 < len(entities); i++ {
		edge, ok := g.Edge(entities[i], entities[i+1])
		if !ok {
			continue
		}
		if !seen[edge.Service] {
			seen[edge.Service] = true
			p.ServicesInvolved = append(p.ServicesInvolved, edge.Service)
		}
		if c, ok := credit[edge.Service]; ok {
			p.ConfidenceScore = math.Min(p.ConfidenceScore, c)
		}
	}
	return p
}

// String renders a one-line summary of the result.
func (r *MergeResult) String() string {
	if r.Graph == nil {
		return fmt.Sprintf("%s: %s (confidence %.2f, %s)", r.Status, r.FailureReason, r.Validation.ConfidenceScore, r.Validation.Recommendation)
	}
	return fmt.Sprintf("%s: %d nodes, %d edges, %d paths (confidence %.2f, %s)",
		r.Status, r.Graph.TotalNodes, r.Graph.TotalEdges, r.Graph.TotalPaths, r.Validation.ConfidenceScore, r.Validation.Recommendation)
}
