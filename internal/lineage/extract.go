package lineage

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/moolen/lineagectx/internal/logging"
	"github.com/moolen/lineagectx/internal/models"
)

// Edge is a normalized upstream->downstream pair.
type Edge struct {
	From     string            `json:"from"`
	To       string            `json:"to"`
	FromKind models.EntityKind `json:"from_kind"`
	ToKind   models.EntityKind `json:"to_kind"`
}

// Extraction is everything pulled out of one fragment.
type Extraction struct {
	Source    string
	Edges     []Edge
	CopyEdges []Edge
	JobRunIDs []string
	// LatestEvent is the newest parseable event time, zero if none.
	LatestEvent time.Time
	Summary     models.ExtractionSummary
}

// Extractor turns raw fragment events into normalized edges.
type Extractor struct {
	norm   *Normalizer
	now    func() time.Time
	logger *logging.Logger
}

// NewExtractor returns an Extractor using norm.
func NewExtractor(norm *Normalizer) *Extractor {
	return &Extractor{norm: norm, now: time.Now, logger: logging.GetLogger("lineage.extract")}
}

type edgeSet struct {
	seen  map[string]bool
	edges []Edge
}

func (s *edgeSet) add(e Edge) bool {
	if s.seen == nil {
		s.seen = make(map[string]bool)
	}
	key := e.From + "\x00" + e.To
	if s.seen[key] || e.From == e.To {
		return false
	}
	s.seen[key] = true
	s.edges = append(s.edges, e)
	return true
}

// Extract converts the fragment stored under source. Unparseable events are
// skipped and counted; they never fail the fragment.
func (x *Extractor) Extract(source string, f *models.Fragment) *Extraction {
	out := &Extraction{
		Source:  source,
		Summary: models.ExtractionSummary{Source: source, EventsTotal: len(f.Events)},
	}
	var edges, copies edgeSet
	now := x.now()
	runIDs := make(map[string]bool)
	for _, id := range f.Metadata.JobRunIDs {
		if id != "" {
			runIDs[id] = true
		}
	}

	for i, raw := range f.Events {
		var ev models.RawEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			out.Summary.EventsSkipped++
			x.logger.Debug("Skipping malformed %s event %d: %v", source, i, err)
			continue
		}
		if t, ok := ParseTimestamp(ev.EventTime, now); ok && t.After(out.LatestEvent) {
			out.LatestEvent = t
		}
		if ev.Metadata != nil && ev.Metadata.JobRunID != "" {
			runIDs[ev.Metadata.JobRunID] = true
		}

		switch source {
		case models.SourceRedshift:
			x.queryEdges(&ev, &edges, &out.Summary)
			if path, table, ok := x.norm.CopyStatement(ev.SQL()); ok {
				copies.add(Edge{From: path, To: table, FromKind: models.EntityDataset, ToKind: models.EntityTable})
			}
		default:
			x.datasetEdges(&ev, &edges, &out.Summary)
		}
	}

	for _, op := range f.Operations {
		x.operationEdges(op, &edges, &out.Summary)
	}

	out.Edges = edges.edges
	out.CopyEdges = copies.edges
	out.Summary.EdgesFound = len(edges.edges)
	out.Summary.CopyEdges = len(copies.edges)
	for id := range runIDs {
		out.JobRunIDs = append(out.JobRunIDs, id)
	}
	sort.Strings(out.JobRunIDs)
	return out
}

// datasetEdges links every input to every output at dataset level.
func (x *Extractor) datasetEdges(ev *models.RawEvent, edges *edgeSet, sum *models.ExtractionSummary) {
	for _, in := range ev.Inputs {
		from := x.norm.DatasetName(in.Namespace, in.Name)
		if x.excluded(from, sum) {
			continue
		}
		for _, o := range ev.Outputs {
			to := x.norm.DatasetName(o.Namespace, o.Name)
			if x.excluded(to, sum) {
				continue
			}
			edges.add(Edge{From: from, To: to, FromKind: models.EntityDataset, ToKind: models.EntityDataset})
		}
	}
}

// queryEdges handles query-level events where warehouse tables and external
// datasets can mix.
func (x *Extractor) queryEdges(ev *models.RawEvent, edges *edgeSet, sum *models.ExtractionSummary) {
	for _, in := range ev.Inputs {
		from, fromKind := x.warehouseName(in)
		if x.excluded(from, sum) {
			continue
		}
		for _, o := range ev.Outputs {
			to, toKind := x.warehouseName(o)
			if x.excluded(to, sum) {
				continue
			}
			edges.add(Edge{From: from, To: to, FromKind: fromKind, ToKind: toKind})
		}
	}
}

func (x *Extractor) warehouseName(d models.DatasetRef) (string, models.EntityKind) {
	if strings.HasPrefix(d.Namespace, redshiftScheme) {
		return x.norm.TableName(d.Name), models.EntityTable
	}
	return x.norm.DatasetName(d.Namespace, d.Name), models.EntityDataset
}

func (x *Extractor) operationEdges(op models.NotebookOperation, edges *edgeSet, sum *models.ExtractionSummary) {
	for _, in := range op.Inputs {
		from := x.norm.Entity(in)
		if x.excluded(from, sum) {
			continue
		}
		for _, o := range op.Outputs {
			to := x.norm.Entity(o)
			if x.excluded(to, sum) {
				continue
			}
			edges.add(Edge{From: from, To: to, FromKind: entityKind(in), ToKind: entityKind(o)})
		}
	}
}

func (x *Extractor) excluded(name string, sum *models.ExtractionSummary) bool {
	if x.norm.IsExcluded(name) {
		sum.Excluded++
		return true
	}
	return false
}

func entityKind(name string) models.EntityKind {
	if strings.HasPrefix(name, "s3") || strings.Contains(name, "/") {
		return models.EntityDataset
	}
	return models.EntityTable
}
