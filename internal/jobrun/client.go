package jobrun

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/moolen/lineagectx/internal/logging"
	"github.com/moolen/lineagectx/internal/models"
)

// JobRun is what the job-metadata collaborator knows about one run.
type JobRun struct {
	JobName   string            `json:"job_name"`
	RunID     string            `json:"run_id"`
	StartTime *time.Time        `json:"start_time,omitempty"`
	EndTime   *time.Time        `json:"end_time,omitempty"`
	Status    string            `json:"status,omitempty"`
	Arguments map[string]string `json:"arguments,omitempty"`
}

// JobMetadataClient looks up a single run. A missing run is reported as an
// error matching models.ErrNotFound.
type JobMetadataClient interface {
	GetJobRun(ctx context.Context, jobName, runID string) (*JobRun, error)
}

// JobRunLister lists recent runs of a job.
type JobRunLister interface {
	ListJobRuns(ctx context.Context, jobName string) ([]JobRun, error)
}

// NotFound builds the error a client returns for an absent run.
func NotFound(jobName, runID string) error {
	return models.NewEngineError(models.KindNotFound, "jobrun.get", nil, "job %s run %s", jobName, runID)
}

// IsNotFound reports whether err means the run does not exist. Timeouts
// count as not found.
func IsNotFound(err error) bool {
	return errors.Is(err, models.ErrNotFound) || errors.Is(err, context.DeadlineExceeded)
}

// StaticClient serves runs from memory. It implements both collaborator
// interfaces and is used for fixture files and tests.
type StaticClient struct {
	mu   sync.RWMutex
	runs map[string]map[string]JobRun
}

// NewStaticClient indexes runs by job name and run id.
func NewStaticClient(runs ...JobRun) *StaticClient {
	c := &StaticClient{runs: make(map[string]map[string]JobRun)}
	for _, r := range runs {
		c.Add(r)
	}
	return c
}

// Add inserts or replaces a run.
func (c *StaticClient) Add(r JobRun) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.runs[r.JobName] == nil {
		c.runs[r.JobName] = make(map[string]JobRun)
	}
	c.runs[r.JobName][r.RunID] = r
}

func (c *StaticClient) GetJobRun(ctx context.Context, jobName, runID string) (*JobRun, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.runs[jobName][runID]
	if !ok {
		return nil, NotFound(jobName, runID)
	}
	return &r, nil
}

func (c *StaticClient) ListJobRuns(ctx context.Context, jobName string) ([]JobRun, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]JobRun, 0, len(c.runs[jobName]))
	for _, r := range c.runs[jobName] {
		out = append(out, r)
	}
	return out, nil
}

type cachedRun struct {
	run       *JobRun
	notFound  bool
	expiresAt time.Time
}

// CacheStats reports cache effectiveness.
type CacheStats struct {
	Items   int     `json:"items"`
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	Expired uint64  `json:"expired"`
	HitRate float64 `json:"hit_rate"`
}

// CachedJobMetadataClient memoizes lookups in a TTL-bounded LRU. Confirmed
// absences are cached too; transport failures are not.
type CachedJobMetadataClient struct {
	next   JobMetadataClient
	lru    *lru.Cache[string, cachedRun]
	ttl    time.Duration
	now    func() time.Time
	logger *logging.Logger

	hits    uint64
	misses  uint64
	expired uint64
}

// NewCachedJobMetadataClient wraps next with a cache of size entries.
func NewCachedJobMetadataClient(next JobMetadataClient, size int, ttl time.Duration) (*CachedJobMetadataClient, error) {
	if size <= 0 {
		return nil, fmt.Errorf("cache size must be positive, got %d", size)
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("cache TTL must be positive, got %v", ttl)
	}
	cache, err := lru.New[string, cachedRun](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}
	return &CachedJobMetadataClient{
		next:   next,
		lru:    cache,
		ttl:    ttl,
		now:    time.Now,
		logger: logging.GetLogger("jobrun.cache"),
	}, nil
}

func (c *CachedJobMetadataClient) GetJobRun(ctx context.Context, jobName, runID string) (*JobRun, error) {
	key := jobName + "\x00" + runID

	if entry, ok := c.lru.Get(key); ok {
		if c.now().Before(entry.expiresAt) {
			atomic.AddUint64(&c.hits, 1)
			if entry.notFound {
				return nil, NotFound(jobName, runID)
			}
			run := *entry.run
			return &run, nil
		}
		atomic.AddUint64(&c.expired, 1)
		c.lru.Remove(key)
	}
	atomic.AddUint64(&c.misses, 1)

	run, err := c.next.GetJobRun(ctx, jobName, runID)
	switch {
	case err == nil:
		stored := *run
		c.lru.Add(key, cachedRun{run: &stored, expiresAt: c.now().Add(c.ttl)})
	case errors.Is(err, models.ErrNotFound):
		c.lru.Add(key, cachedRun{notFound: true, expiresAt: c.now().Add(c.ttl)})
	default:
		c.logger.Debug("Not caching failed lookup for %s/%s: %v", jobName, runID, err)
	}
	return run, err
}

// Stats returns cache statistics.
func (c *CachedJobMetadataClient) Stats() CacheStats {
	hits := atomic.LoadUint64(&c.hits)
	misses := atomic.LoadUint64(&c.misses)
	s := CacheStats{
		Items:   c.lru.Len(),
		Hits:    hits,
		Misses:  misses,
		Expired: atomic.LoadUint64(&c.expired),
	}
	if total := hits + misses; total > 0 {
		s.HitRate = float64(hits) / float64(total)
	}
	return s
}
