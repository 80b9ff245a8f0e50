// Package lifecycle collects closeable resources so shutdown releases
// them in one place, in reverse construction order.
package lifecycle

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

// Manager tracks named resources for LIFO cleanup. The store, the redis
// limiter backend, the idempotency sweeper, and the reconciler all
// register here during app construction.
type Manager struct {
	mu      sync.Mutex
	names   []string
	closers []io.Closer
	closed  bool
}

// NewManager returns an empty manager.
func NewManager() *Manager {
	return &Manager{}
}

// Register adds a resource. Registration order is construction order;
// Close walks it backwards so dependents release before dependencies.
func (m *Manager) Register(name string, closer io.Closer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.names = append(m.names, name)
	m.closers = append(m.closers, closer)
}

// RegisterFunc adapts a plain cleanup function.
func (m *Manager) RegisterFunc(name string, fn func() error) {
	m.Register(name, closerFunc(fn))
}

// Close releases every registered resource, newest first. All closers
// run even when some fail; the errors come back joined, each one tagged
// with the resource name. Calling Close twice is a no-op.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true

	var errs []error
	for i := len(m.closers) - 1; i >= 0; i-- {
		if err := m.closers[i].Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", m.names[i], err))
		}
	}
	return errors.Join(errs...)
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
