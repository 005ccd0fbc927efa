package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/moolen/lineagectx/internal/logging"
)

const (
	defaultShutdownTimeout = 30 * time.Second
	rollbackTimeout        = 5 * time.Second
)

// Manager starts components after their dependencies and stops them in
// reverse start order. Registration order breaks ties.
type Manager struct {
	mu              sync.Mutex
	components      []Component
	deps            map[Component][]Component
	started         []Component
	shutdownTimeout time.Duration
	logger          *logging.Logger
}

// NewManager returns a Manager with a 30s per-component shutdown timeout.
func NewManager() *Manager {
	return &Manager{
		deps:            make(map[Component][]Component),
		shutdownTimeout: defaultShutdownTimeout,
		logger:          logging.GetLogger("lifecycle"),
	}
}

// SetShutdownTimeout bounds each component's Stop.
func (m *Manager) SetShutdownTimeout(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdownTimeout = d
}

// Register adds c. Every dependency must already be registered, which also
// rules out cycles.
func (m *Manager) Register(c Component, dependsOn ...Component) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c == nil {
		return errors.New("cannot register nil component")
	}
	if c.Name() == "" {
		return errors.New("component must have a non-empty name")
	}
	if m.registered(c) {
		return fmt.Errorf("component %s is already registered", c.Name())
	}
	for _, d := range dependsOn {
		if d == nil || !m.registered(d) {
			return fmt.Errorf("dependency of %s is not registered", c.Name())
		}
	}

	m.components = append(m.components, c)
	m.deps[c] = dependsOn
	m.logger.Debug("Registered %s with %d dependencies", c.Name(), len(dependsOn))
	return nil
}

func (m *Manager) registered(c Component) bool {
	_, ok := m.deps[c]
	return ok
}

// order returns components with dependencies first.
func (m *Manager) order() []Component {
	seen := make(map[Component]bool, len(m.components))
	out := make([]Component, 0, len(m.components))
	var visit func(c Component)
	visit = func(c Component) {
		if seen[c] {
			return
		}
		seen[c] = true
		for _, d := range m.deps[c] {
			visit(d)
		}
		out = append(out, c)
	}
	for _, c := range m.components {
		visit(c)
	}
	return out
}

// Start starts every component. On failure the components already started
// are stopped again and the error is returned.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.started = m.started[:0]
	for _, c := range m.order() {
		begin := time.Now()
		if err := c.Start(ctx); err != nil {
			m.logger.Error("Failed to start %s: %v", c.Name(), err)
			m.rollback()
			return fmt.Errorf("start %s: %w", c.Name(), err)
		}
		m.started = append(m.started, c)
		m.logger.Info("%s started (took %dms)", c.Name(), time.Since(begin).Milliseconds())
	}
	return nil
}

func (m *Manager) rollback() {
	for i := len(m.started) - 1; i >= 0; i-- {
		c := m.started[i]
		ctx, cancel := context.WithTimeout(context.Background(), rollbackTimeout)
		if err := c.Stop(ctx); err != nil {
			m.logger.Warn("Error stopping %s during rollback: %v", c.Name(), err)
		}
		cancel()
	}
	m.started = m.started[:0]
}

// Stop stops started components in reverse order. Errors are logged and
// joined; every component gets its Stop call regardless.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for i := len(m.started) - 1; i >= 0; i-- {
		c := m.started[i]
		cctx, cancel := context.WithTimeout(ctx, m.shutdownTimeout)
		err := c.Stop(cctx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				m.logger.Warn("%s exceeded its %s shutdown timeout", c.Name(), m.shutdownTimeout)
			} else {
				m.logger.Error("Error stopping %s: %v", c.Name(), err)
			}
			errs = append(errs, fmt.Errorf("stop %s: %w", c.Name(), err))
			continue
		}
		m.logger.Info("%s stopped", c.Name())
	}
	m.started = m.started[:0]
	return errors.Join(errs...)
}

// Running reports whether c was started and not yet stopped.
func (m *Manager) Running(c Component) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.started {
		if s == c {
			return true
		}
	}
	return false
}
