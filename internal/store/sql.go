package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/moolen/lineagectx/internal/logging"
	"github.com/moolen/lineagectx/internal/models"
)

// dialect covers the differences between the SQL drivers.
type dialect struct {
	name       string
	floatType  string
	positional bool // $1 placeholders instead of ?
}

var (
	sqliteDialect   = dialect{name: "sqlite", floatType: "REAL"}
	postgresDialect = dialect{name: "postgres", floatType: "DOUBLE PRECISION", positional: true}
)

// rebind rewrites ? placeholders for drivers that need $n.
func (d dialect) rebind(query string) string {
	if !d.positional {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d dialect) schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS execution_contexts (
			context_id TEXT PRIMARY KEY,
			environment_kind TEXT NOT NULL,
			recorded_at TEXT NOT NULL,
			body TEXT NOT NULL
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS job_mappings (
			mapping_key TEXT PRIMARY KEY,
			id TEXT NOT NULL,
			context_id TEXT NOT NULL,
			job_name TEXT NOT NULL,
			job_run_id TEXT NOT NULL,
			confidence_score %s NOT NULL,
			validation_status TEXT NOT NULL,
			created_at TEXT NOT NULL,
			body TEXT NOT NULL
		)`, d.floatType),
		`CREATE INDEX IF NOT EXISTS job_mappings_run_idx ON job_mappings (job_run_id)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS lineage_validations (
			id TEXT PRIMARY KEY,
			context_id TEXT NOT NULL,
			recommendation TEXT NOT NULL,
			confidence_score %s NOT NULL,
			recorded_at TEXT NOT NULL,
			body TEXT NOT NULL
		)`, d.floatType),
		`CREATE INDEX IF NOT EXISTS lineage_validations_ctx_idx ON lineage_validations (context_id)`,
	}
}

// sqlStore implements Store on database/sql for both SQL drivers.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
	logger  *logging.Logger
}

func newSQLStore(ctx context.Context, db *sql.DB, d dialect) (*sqlStore, error) {
	for _, stmt := range d.schema() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}
	s := &sqlStore{db: db, dialect: d, logger: logging.GetLogger("store." + d.name)}
	s.logger.Debug("Schema ready")
	return s, nil
}

func (s *sqlStore) Driver() string { return s.dialect.name }

func (s *sqlStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

func (s *sqlStore) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.dialect.rebind(query), args...)
}

func (s *sqlStore) query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
}

// unavailable classifies driver failures.
func unavailable(op string, err error) error {
	return models.NewEngineError(models.KindUnavailable, op, err, "store")
}

// affected is the row count of a statement. Drivers that cannot report it
// surface as an unavailable store.
func affected(op string, res sql.Result) (int, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable(op, err)
	}
	return int(n), nil
}

func (s *sqlStore) GetContext(ctx context.Context, contextID string) (*models.ExecutionContext, error) {
	var body string
	err := s.db.QueryRowContext(ctx,
		s.dialect.rebind("SELECT body FROM execution_contexts WHERE context_id = ?"), contextID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("get context", "context %s", contextID)
	}
	if err != nil {
		return nil, unavailable("get context", err)
	}
	var ec models.ExecutionContext
	if err := json.Unmarshal([]byte(body), &ec); err != nil {
		return nil, fmt.Errorf("decode context %s: %w", contextID, err)
	}
	return &ec, nil
}

func (s *sqlStore) PutContext(ctx context.Context, ec *models.ExecutionContext) error {
	if err := checkContext(ec); err != nil {
		return err
	}
	body, err := json.Marshal(ec)
	if err != nil {
		return fmt.Errorf("encode context %s: %w", ec.ContextID, err)
	}
	_, err = s.exec(ctx,
		`INSERT INTO execution_contexts (context_id, environment_kind, recorded_at, body)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (context_id) DO UPDATE SET
			environment_kind = excluded.environment_kind,
			recorded_at = excluded.recorded_at,
			body = excluded.body`,
		ec.ContextID, string(ec.EnvironmentKind), formatTime(ec.Timestamp), string(body))
	if err != nil {
		return unavailable("put context", err)
	}
	return nil
}

func (s *sqlStore) PutMapping(ctx context.Context, m *models.JobExecutionMapping) error {
	if err := checkMapping(m); err != nil {
		return err
	}
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode mapping %s: %w", m.Key(), err)
	}
	_, err = s.exec(ctx,
		`INSERT INTO job_mappings (mapping_key, id, context_id, job_name, job_run_id, confidence_score, validation_status, created_at, body)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (mapping_key) DO UPDATE SET
			confidence_score = excluded.confidence_score,
			validation_status = excluded.validation_status,
			body = excluded.body`,
		m.Key(), newRecordID(m.CreatedAt), m.ContextID, m.JobName, m.JobRunID,
		m.ConfidenceScore, string(m.ValidationStatus), formatTime(m.CreatedAt), string(body))
	if err != nil {
		return unavailable("put mapping", err)
	}
	return nil
}

func (s *sqlStore) QueryByRunID(ctx context.Context, runID string) ([]*models.JobExecutionMapping, error) {
	rows, err := s.query(ctx,
		`SELECT body FROM job_mappings WHERE job_run_id = ?
		 ORDER BY confidence_score DESC, context_id ASC, job_name ASC`, runID)
	if err != nil {
		return nil, unavailable("query mappings", err)
	}
	defer func() { _ = rows.Close() }()
	return scanMappings(rows)
}

func scanMappings(rows *sql.Rows) ([]*models.JobExecutionMapping, error) {
	out := []*models.JobExecutionMapping{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan mapping row: %w", err)
		}
		var m models.JobExecutionMapping
		if err := json.Unmarshal([]byte(body), &m); err != nil {
			return nil, fmt.Errorf("decode mapping: %w", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// ExpireMappings marks mappings created before the validity window.
func (s *sqlStore) ExpireMappings(ctx context.Context, now time.Time) (int, error) {
	cutoff := formatTime(now.Add(-models.MappingValidityWindow))
	rows, err := s.query(ctx,
		`SELECT body FROM job_mappings WHERE validation_status <> ? AND created_at <= ?`,
		string(models.StatusExpired), cutoff)
	if err != nil {
		return 0, unavailable("expire mappings", err)
	}
	stale, err := scanMappings(rows)
	_ = rows.Close()
	if err != nil {
		return 0, err
	}

	n := 0
	for _, m := range stale {
		if !m.MarkExpired(now) {
			continue
		}
		if err := s.PutMapping(ctx, m); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		s.logger.Info("Expired %d job mappings", n)
	}
	return n, nil
}

func (s *sqlStore) RecordValidation(ctx context.Context, res *models.LineageValidationResult) (string, error) {
	if err := checkValidation(res); err != nil {
		return "", err
	}
	body, err := json.Marshal(res)
	if err != nil {
		return "", fmt.Errorf("encode validation: %w", err)
	}
	at := recordTime(res)
	id := newRecordID(at)
	_, err = s.exec(ctx,
		`INSERT INTO lineage_validations (id, context_id, recommendation, confidence_score, recorded_at, body)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, res.ContextID, string(res.Recommendation), res.ConfidenceScore, formatTime(at), string(body))
	if err != nil {
		return "", unavailable("record validation", err)
	}
	return id, nil
}

func (s *sqlStore) ListValidations(ctx context.Context, contextID string) ([]ValidationRecord, error) {
	rows, err := s.query(ctx,
		`SELECT id, recorded_at, body FROM lineage_validations WHERE context_id = ? ORDER BY id ASC`, contextID)
	if err != nil {
		return nil, unavailable("list validations", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ValidationRecord
	for rows.Next() {
		var id, recorded, body string
		if err := rows.Scan(&id, &recorded, &body); err != nil {
			return nil, fmt.Errorf("scan validation row: %w", err)
		}
		at, err := parseTime(recorded)
		if err != nil {
			return nil, err
		}
		var res models.LineageValidationResult
		if err := json.Unmarshal([]byte(body), &res); err != nil {
			return nil, fmt.Errorf("decode validation %s: %w", id, err)
		}
		out = append(out, ValidationRecord{ID: id, ContextID: contextID, RecordedAt: at, Result: &res})
	}
	return out, rows.Err()
}

func (s *sqlStore) PruneValidations(ctx context.Context, before time.Time) (int, error) {
	res, err := s.exec(ctx, `DELETE FROM lineage_validations WHERE recorded_at < ?`, formatTime(before))
	if err != nil {
		return 0, unavailable("prune validations", err)
	}
	return affected("prune validations", res)
}
