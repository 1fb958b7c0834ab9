package device

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Logger defines the logging interface used by the device package.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Registry maps device identifiers to live entities.
//
// It is created once at process start, injected into every driver and
// composite, and torn down with Shutdown. It only does bookkeeping: an
// unreachable device stays registered.
//
// All public methods are thread-safe.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]Entity
	waiters map[string][]chan struct{}
	logger  Logger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		devices: make(map[string]Entity),
		waiters: make(map[string][]chan struct{}),
		logger:  noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// Register adds entities. An id that is already registered is replaced
// (last writer wins).
func (r *Registry) Register(entities ...Entity) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range entities {
		id := e.ID()
		if _, exists := r.devices[id]; exists {
			r.logger.Warn("replacing registered device", "device_id", id)
		}
		r.devices[id] = e
		for _, ch := range r.waiters[id] {
			close(ch)
		}
		delete(r.waiters, id)
	}
}

// Lookup returns the entity registered under id.
func (r *Registry) Lookup(id string) (Entity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.devices[id]
	return e, ok
}

// Get returns the entity registered under id, or ErrDeviceNotFound.
func (r *Registry) Get(id string) (Entity, error) {
	e, ok := r.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	return e, nil
}

// All returns every registered entity, sorted by id.
func (r *Registry) All() []Entity {
	r.mu.RLock()
	out := make([]Entity, 0, len(r.devices))
	for _, e := range r.devices {
		out = append(out, e)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Count returns the number of registered entities.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// WaitFor blocks until id is registered or ctx is done.
// Composites built from config use it to resolve members that register later.
func (r *Registry) WaitFor(ctx context.Context, id string) (Entity, error) {
	r.mu.Lock()
	if e, ok := r.devices[id]; ok {
		r.mu.Unlock()
		return e, nil
	}
	ch := make(chan struct{})
	r.waiters[id] = append(r.waiters[id], ch)
	r.mu.Unlock()

	select {
	case <-ch:
		return r.Get(id)
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for %s: %w", id, ctx.Err())
	}
}

// Shutdown calls Shutdown on every registered entity concurrently and waits
// for all of them. A failure is logged and joined into the result; it never
// stops the other entities from shutting down.
func (r *Registry) Shutdown(ctx context.Context) error {
	entities := r.All()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, e := range entities {
		wg.Add(1)
		go func(e Entity) {
			defer wg.Done()
			if err := e.Shutdown(ctx); err != nil {
				r.logger.Error("device shutdown failed",
					"device_id", e.ID(),
					"error", err,
				)
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(e)
	}
	wg.Wait()

	r.logger.Info("device registry shut down", "count", len(entities), "failed", len(errs))
	return errors.Join(errs...)
}
