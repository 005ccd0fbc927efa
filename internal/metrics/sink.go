// Package metrics records engine measurements into Prometheus and serves
// them over HTTP.
package metrics

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/moolen/lineagectx/internal/config"
	"github.com/moolen/lineagectx/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
)

// Recorder accepts measurements. Record never blocks and never fails.
type Recorder interface {
	Record(name string, value float64, dimensions map[string]string)
}

// Nop discards every measurement.
type Nop struct{}

func (Nop) Record(string, float64, map[string]string) {}

// Sample is one queued measurement.
type Sample struct {
	Name       string
	Value      float64
	Dimensions map[string]string
}

const (
	defaultQueueSize = 1000
	scoreSuffix      = "_score"
	counterSuffix    = "_total"
	secondsSuffix    = "_seconds"
)

var scoreBuckets = prometheus.LinearBuckets(0.1, 0.1, 10)

// Sink queues samples and applies them to Prometheus collectors in batches
// from a background worker. Counters are created for names ending in
// _total, histograms for _seconds and _score, gauges otherwise. Label names
// are fixed by the first sample of a metric; later samples with a different
// dimension set are dropped.
type Sink struct {
	reg       prometheus.Registerer
	namespace string
	batchSize int
	interval  time.Duration
	queue     chan Sample
	logger    *logging.Logger

	mu         sync.Mutex
	collectors map[string]*collector

	dropped prometheus.Counter
	applied prometheus.Counter

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

type collector struct {
	labels    []string
	counter   *prometheus.CounterVec
	histogram *prometheus.HistogramVec
	gauge     *prometheus.GaugeVec
}

// NewSink builds a Sink registering its collectors with reg.
func NewSink(reg prometheus.Registerer, cfg config.MetricsConfig) (*Sink, error) {
	if reg == nil {
		return nil, errors.New("metrics registerer is required")
	}
	batch := cfg.BatchSize
	if batch < 1 {
		batch = 1
	}
	interval := cfg.FlushInterval.Std()
	if interval <= 0 {
		interval = time.Second
	}

	s := &Sink{
		reg:        reg,
		namespace:  cfg.Namespace,
		batchSize:  batch,
		interval:   interval,
		queue:      make(chan Sample, defaultQueueSize),
		logger:     logging.GetLogger("metrics"),
		collectors: make(map[string]*collector),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "metrics_samples_dropped_total",
			Help:      "Samples dropped because the queue was full or the dimensions did not match",
		}),
		applied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "metrics_samples_applied_total",
			Help:      "Samples applied to collectors",
		}),
	}
	if err := reg.Register(s.dropped); err != nil {
		return nil, err
	}
	if err := reg.Register(s.applied); err != nil {
		return nil, err
	}
	return s, nil
}

// Record enqueues a sample. A full queue drops it.
func (s *Sink) Record(name string, value float64, dimensions map[string]string) {
	dims := make(map[string]string, len(dimensions))
	for k, v := range dimensions {
		dims[k] = v
	}
	select {
	case s.queue <- Sample{Name: name, Value: value, Dimensions: dims}:
	default:
		s.dropped.Inc()
	}
}

func (s *Sink) Start(ctx context.Context) error {
	wctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.run(wctx)
	s.logger.Info("Metrics sink started with batch=%d interval=%s", s.batchSize, s.interval)
	return nil
}

// Stop drains the queue and waits for the worker.
func (s *Sink) Stop(ctx context.Context) error {
	if s.cancel == nil {
		s.Flush()
		return nil
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sink) Name() string { return "Metrics Sink" }

func (s *Sink) run(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	batch := make([]Sample, 0, s.batchSize)
	for {
		select {
		case sample := <-s.queue:
			batch = append(batch, sample)
			if len(batch) >= s.batchSize {
				s.apply(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				s.apply(batch)
				batch = batch[:0]
			}
		case <-ctx.Done():
			s.apply(batch)
			s.Flush()
			return
		}
	}
}

// Flush applies every queued sample synchronously.
func (s *Sink) Flush() {
	batch := make([]Sample, 0, s.batchSize)
	for {
		select {
		case sample := <-s.queue:
			batch = append(batch, sample)
		default:
			s.apply(batch)
			return
		}
	}
}

func (s *Sink) apply(batch []Sample) {
	if len(batch) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sample := range batch {
		if err := s.applyOne(sample); err != nil {
			s.dropped.Inc()
			s.logger.Debug("Dropped sample %s: %v", sample.Name, err)
			continue
		}
		s.applied.Inc()
	}
}

func (s *Sink) applyOne(sample Sample) error {
	c, err := s.collectorFor(sample)
	if err != nil {
		return err
	}
	values := make([]string, len(c.labels))
	for i, l := range c.labels {
		v, ok := sample.Dimensions[l]
		if !ok {
			return errors.New("dimension set differs from first sample")
		}
		values[i] = v
	}
	if len(sample.Dimensions) != len(c.labels) {
		return errors.New("dimension set differs from first sample")
	}

	switch {
	case c.counter != nil:
		if sample.Value < 0 {
			return errors.New("counter value must not be negative")
		}
		c.counter.WithLabelValues(values...).Add(sample.Value)
	case c.histogram != nil:
		c.histogram.WithLabelValues(values...).Observe(sample.Value)
	default:
		c.gauge.WithLabelValues(values...).Set(sample.Value)
	}
	return nil
}

func (s *Sink) collectorFor(sample Sample) (*collector, error) {
	if c, ok := s.collectors[sample.Name]; ok {
		return c, nil
	}
	labels := make([]string, 0, len(sample.Dimensions))
	for k := range sample.Dimensions {
		labels = append(labels, k)
	}
	sort.Strings(labels)

	c := &collector{labels: labels}
	help := "lineagectx " + strings.ReplaceAll(sample.Name, "_", " ")
	var vec prometheus.Collector
	switch {
	case strings.HasSuffix(sample.Name, counterSuffix):
		c.counter = prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: s.namespace, Name: sample.Name, Help: help}, labels)
		vec = c.counter
	case strings.HasSuffix(sample.Name, secondsSuffix):
		c.histogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: s.namespace, Name: sample.Name, Help: help, Buckets: prometheus.DefBuckets,
		}, labels)
		vec = c.histogram
	case strings.HasSuffix(sample.Name, scoreSuffix):
		c.histogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: s.namespace, Name: sample.Name, Help: help, Buckets: scoreBuckets,
		}, labels)
		vec = c.histogram
	default:
		c.gauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: s.namespace, Name: sample.Name, Help: help}, labels)
		vec = c.gauge
	}
	if err := s.reg.Register(vec); err != nil {
		return nil, err
	}
	s.collectors[sample.Name] = c
	return c, nil
}
