package store

import (
	"context"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/moolen/lineagectx/internal/logging"
	"github.com/moolen/lineagectx/internal/models"
)

const defaultMemoryContexts = 1024

// Memory keeps everything in process. Contexts live in a bounded LRU; the
// least recently used ones are evicted first.
type Memory struct {
	mu          sync.RWMutex
	contexts    *lru.Cache[string, models.ExecutionContext]
	mappings    map[string]models.JobExecutionMapping
	byRun       map[string][]string
	validations []ValidationRecord
	logger      *logging.Logger
}

// NewMemory returns a memory store holding up to size contexts.
func NewMemory(size int) (*Memory, error) {
	if size <= 0 {
		size = defaultMemoryContexts
	}
	m := &Memory{
		mappings: make(map[string]models.JobExecutionMapping),
		byRun:    make(map[string][]string),
		logger:   logging.GetLogger("store.memory"),
	}
	cache, err := lru.NewWithEvict[string, models.ExecutionContext](size, func(id string, _ models.ExecutionContext) {
		m.logger.Debug("Evicted context %s", id)
	})
	if err != nil {
		return nil, err
	}
	m.contexts = cache
	return m, nil
}

func (m *Memory) Driver() string { return "memory" }

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

// GetContext returns a copy of the stored context.
func (m *Memory) GetContext(_ context.Context, contextID string) (*models.ExecutionContext, error) {
	ec, ok := m.contexts.Get(contextID)
	if !ok {
		return nil, notFound("get context", "context %s", contextID)
	}
	return &ec, nil
}

// PutContext stores a copy of ec, replacing any previous value.
func (m *Memory) PutContext(_ context.Context, ec *models.ExecutionContext) error {
	if err := checkContext(ec); err != nil {
		return err
	}
	m.contexts.Add(ec.ContextID, *ec)
	return nil
}

// PutMapping upserts m by its key.
func (m *Memory) PutMapping(_ context.Context, mapping *models.JobExecutionMapping) error {
	if err := checkMapping(mapping); err != nil {
		return err
	}
	key := mapping.Key()
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.mappings[key]; !exists {
		m.byRun[mapping.JobRunID] = append(m.byRun[mapping.JobRunID], key)
	}
	m.mappings[key] = cloneMapping(*mapping)
	return nil
}

// QueryByRunID returns every mapping for runID, most confident first.
func (m *Memory) QueryByRunID(_ context.Context, runID string) ([]*models.JobExecutionMapping, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.JobExecutionMapping, 0, len(m.byRun[runID]))
	for _, key := range m.byRun[runID] {
		c := cloneMapping(m.mappings[key])
		out = append(out, &c)
	}
	sortMappings(out)
	return out, nil
}

// ExpireMappings marks mappings past the validity window as expired.
func (m *Memory) ExpireMappings(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for key, mapping := range m.mappings {
		if mapping.MarkExpired(now) {
			m.mappings[key] = mapping
			n++
		}
	}
	return n, nil
}

// RecordValidation appends res to the audit log.
func (m *Memory) RecordValidation(_ context.Context, res *models.LineageValidationResult) (string, error) {
	if err := checkValidation(res); err != nil {
		return "", err
	}
	at := recordTime(res)
	copied := *res
	rec := ValidationRecord{ID: newRecordID(at), ContextID: res.ContextID, RecordedAt: at, Result: &copied}
	m.mu.Lock()
	m.validations = append(m.validations, rec)
	m.mu.Unlock()
	return rec.ID, nil
}

// ListValidations returns the audit records of contextID, oldest first.
func (m *Memory) ListValidations(_ context.Context, contextID string) ([]ValidationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ValidationRecord
	for _, rec := range m.validations {
		if rec.ContextID == contextID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// PruneValidations drops records older than before.
func (m *Memory) PruneValidations(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.validations[:0]
	for _, rec := range m.validations {
		if rec.RecordedAt.Before(before) {
			continue
		}
		kept = append(kept, rec)
	}
	n := len(m.validations) - len(kept)
	m.validations = kept
	return n, nil
}

func recordTime(res *models.LineageValidationResult) time.Time {
	if res.Timestamp.IsZero() {
		return time.Now().UTC()
	}
	return res.Timestamp.UTC()
}

func cloneMapping(m models.JobExecutionMapping) models.JobExecutionMapping {
	m.Reasons = append([]string(nil), m.Reasons...)
	m.ScoreHistory = append([]models.ScoreChange(nil), m.ScoreHistory...)
	m.RelatedJobs = append([]models.RelatedJob(nil), m.RelatedJobs...)
	return m
}

// sortMappings orders by confidence descending, then context id and job name.
func sortMappings(ms []*models.JobExecutionMapping) {
	sort.SliceStable(ms, func(i, j int) bool {
		a, b := ms[i], ms[j]
		if a.ConfidenceScore != b.ConfidenceScore {
			return a.ConfidenceScore > b.ConfidenceScore
		}
		if a.ContextID != b.ContextID {
			return a.ContextID < b.ContextID
		}
		return a.JobName < b.JobName
	})
}
