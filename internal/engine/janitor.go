package engine

import (
	"context"
	"time"
)

// DefaultJanitorInterval is how often the janitor runs Maintain.
const DefaultJanitorInterval = 10 * time.Minute

// Janitor runs Maintain periodically. It implements lifecycle.Component.
type Janitor struct {
	engine   *Engine
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewJanitor(e *Engine, interval time.Duration) *Janitor {
	if interval <= 0 {
		interval = DefaultJanitorInterval
	}
	return &Janitor{engine: e, interval: interval}
}

func (j *Janitor) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	j.cancel = cancel
	j.done = make(chan struct{})
	go j.loop(runCtx)
	return nil
}

func (j *Janitor) loop(ctx context.Context) {
	defer close(j.done)
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := j.engine.Maintain(ctx); err != nil {
				j.engine.logger.Warn("Maintenance pass failed: %v", err)
			}
		}
	}
}

func (j *Janitor) Stop(ctx context.Context) error {
	if j.cancel == nil {
		return nil
	}
	j.cancel()
	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (j *Janitor) Name() string { return "Store Janitor" }
