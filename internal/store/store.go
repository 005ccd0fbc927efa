// Package store persists execution contexts, job-run mappings and lineage
// validation audit records. The memory driver serves tests and one-shot CLI
// runs; sqlite and postgres back long-running deployments.
package store

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/moolen/lineagectx/internal/config"
	"github.com/moolen/lineagectx/internal/models"
	"github.com/oklog/ulid/v2"
)

// ContextStore holds execution contexts by id.
type ContextStore interface {
	GetContext(ctx context.Context, contextID string) (*models.ExecutionContext, error)
	PutContext(ctx context.Context, ec *models.ExecutionContext) error
}

// MappingStore holds job-run mappings. Puts upsert on the (context, job, run)
// key.
type MappingStore interface {
	PutMapping(ctx context.Context, m *models.JobExecutionMapping) error
	QueryByRunID(ctx context.Context, runID string) ([]*models.JobExecutionMapping, error)
	ExpireMappings(ctx context.Context, now time.Time) (int, error)
}

// ValidationRecord is one stored lineage validation outcome.
type ValidationRecord struct {
	ID         string                          `json:"id"`
	ContextID  string                          `json:"context_id"`
	RecordedAt time.Time                       `json:"recorded_at"`
	Result     *models.LineageValidationResult `json:"result"`
}

// AuditStore keeps lineage validation results for later review.
type AuditStore interface {
	RecordValidation(ctx context.Context, res *models.LineageValidationResult) (string, error)
	ListValidations(ctx context.Context, contextID string) ([]ValidationRecord, error)
	PruneValidations(ctx context.Context, before time.Time) (int, error)
}

// Store is the full persistence surface.
type Store interface {
	ContextStore
	MappingStore
	AuditStore
	Ping(ctx context.Context) error
	Driver() string
	Close() error
}

// Open returns the store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "", config.StoreMemory:
		return NewMemory(cfg.CacheSize)
	case config.StoreSQLite:
		return OpenSQLite(ctx, cfg.SQLitePath)
	case config.StorePostgres:
		return OpenPostgres(ctx, PostgresConfig{
			URL:          cfg.PostgresURL,
			PingTimeout:  cfg.PingTimeout.Std(),
			MaxOpenConns: cfg.MaxOpenConns,
			MaxIdleConns: cfg.MaxIdleConns,
		})
	}
	return nil, models.NewValidationError("unknown store driver %q", cfg.Driver)
}

func notFound(op, format string, args ...interface{}) error {
	return models.NewEngineError(models.KindNotFound, op, nil, format, args...)
}

func checkContext(ec *models.ExecutionContext) error {
	if ec == nil || ec.ContextID == "" {
		return models.NewValidationError("context id is required")
	}
	return nil
}

func checkMapping(m *models.JobExecutionMapping) error {
	switch {
	case m == nil:
		return models.NewValidationError("mapping is required")
	case m.ContextID == "" || m.JobName == "" || m.JobRunID == "":
		return models.NewValidationError("mapping %q needs context id, job name and run id", m.Key())
	}
	return nil
}

func checkValidation(res *models.LineageValidationResult) error {
	if res == nil {
		return models.NewValidationError("validation result is required")
	}
	return nil
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// newRecordID returns a ULID so that record ids sort by creation time.
func newRecordID(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// timeLayout is fixed width so stored timestamps compare lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", s, err)
	}
	return t, nil
}
