package device

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// EventBus maps event names to ordered listeners and dispatches emitted
// events on a dedicated goroutine.
//
// Dispatch is fire-and-forget: Emit enqueues one task per listener in
// registration order and returns without waiting. Tasks run one at a time
// in the order they were enqueued, so a listener observes events in emit
// order, but the emitter never observes completion. A panicking listener is
// recovered and logged; the remaining listeners still run.
//
// Listeners should not block. Work that may take a while belongs in its own
// goroutine started from the listener.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - Listeners may call back into the bus (or the owning device) freely;
//     the queue is unbounded, so emitting from a listener never deadlocks.
type EventBus struct {
	mu        sync.RWMutex
	listeners map[string][]listener

	logger Logger

	queueMu sync.Mutex
	queue   []task
	wake    chan struct{}
	closing chan struct{}
	done    chan struct{}
	closed  bool
}

// listener is a registered callback normalised to a positional-argument call.
type listener struct {
	arity int // -1 for variadic
	call  func(args []any)
}

type task struct {
	name string
	run  func()
}

// NewEventBus creates a bus and starts its dispatcher goroutine.
// Call Close to stop it.
func NewEventBus(logger Logger) *EventBus {
	if logger == nil {
		logger = noopLogger{}
	}
	b := &EventBus{
		listeners: make(map[string][]listener),
		logger:    logger,
		wake:      make(chan struct{}, 1),
		closing:   make(chan struct{}),
		done:      make(chan struct{}),
	}
	go b.loop()
	return b
}

// Listen registers fn for the named event.
//
// Accepted shapes, with the number of leading emitted arguments each receives:
//
//	func()                                // 0
//	func(Entity)                          // 1
//	func(Entity, string)                  // 2
//	func(Entity, string, any)             // 3
//	func(Entity, string, any, any)        // 4
//	func(...any)                          // all
//
// Emitted arguments beyond the listener's arity are dropped; missing ones
// are passed as zero values. State-change events carry
// (entity, key, new value, old value).
func (b *EventBus) Listen(name string, fn any) error {
	l, err := adaptListener(fn)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.listeners[name] = append(b.listeners[name], l)
	b.mu.Unlock()
	return nil
}

// ListenMany registers a batch of listeners, in sorted event-name order.
// Nothing is registered if any listener has an unsupported shape.
func (b *EventBus) ListenMany(fns map[string]any) error {
	names := make([]string, 0, len(fns))
	adapted := make(map[string]listener, len(fns))
	for name, fn := range fns {
		l, err := adaptListener(fn)
		if err != nil {
			return fmt.Errorf("listener %q: %w", name, err)
		}
		names = append(names, name)
		adapted[name] = l
	}
	sort.Strings(names)

	b.mu.Lock()
	for _, name := range names {
		b.listeners[name] = append(b.listeners[name], adapted[name])
	}
	b.mu.Unlock()
	return nil
}

// ListenerCount returns the number of listeners registered for name.
func (b *EventBus) ListenerCount(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[name])
}

// Emit dispatches the named event to every listener registered at the time
// of the call. It never blocks on listener execution.
func (b *EventBus) Emit(name string, args ...any) {
	b.mu.RLock()
	ls := b.listeners[name]
	snapshot := make([]listener, len(ls))
	copy(snapshot, ls)
	b.mu.RUnlock()

	for _, l := range snapshot {
		l := l
		callArgs := truncateArgs(args, l.arity)
		b.Post(name, func() { l.call(callArgs) })
	}
}

// Post enqueues arbitrary fire-and-forget work behind previously emitted events.
// It reports false if the bus has been closed.
func (b *EventBus) Post(name string, fn func()) bool {
	b.queueMu.Lock()
	if b.closed {
		b.queueMu.Unlock()
		return false
	}
	b.queue = append(b.queue, task{name: name, run: fn})
	b.queueMu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
	return true
}

// Drain waits until every task enqueued before the call has run.
func (b *EventBus) Drain(ctx context.Context) error {
	reached := make(chan struct{})
	if !b.Post("drain", func() { close(reached) }) {
		return nil
	}
	select {
	case <-reached:
		return nil
	case <-b.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("draining event bus: %w", ctx.Err())
	}
}

// Close stops accepting new work. Already queued tasks still run.
// Done is closed once the dispatcher goroutine has exited.
func (b *EventBus) Close() {
	b.queueMu.Lock()
	if b.closed {
		b.queueMu.Unlock()
		return
	}
	b.closed = true
	b.queueMu.Unlock()
	close(b.closing)
}

// Done returns a channel closed when the dispatcher has exited.
func (b *EventBus) Done() <-chan struct{} {
	return b.done
}

// loop is the dispatcher goroutine.
func (b *EventBus) loop() {
	defer close(b.done)
	for {
		select {
		case <-b.wake:
			b.runQueued()
		case <-b.closing:
			b.runQueued()
			return
		}
	}
}

// runQueued pops and runs tasks until the queue is empty.
func (b *EventBus) runQueued() {
	for {
		b.queueMu.Lock()
		if len(b.queue) == 0 {
			b.queueMu.Unlock()
			return
		}
		t := b.queue[0]
		b.queue[0] = task{}
		b.queue = b.queue[1:]
		b.queueMu.Unlock()

		b.runTask(t)
	}
}

func (b *EventBus) runTask(t task) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event listener panic recovered",
				"event", t.name,
				"panic", r,
			)
		}
	}()
	t.run()
}

// adaptListener normalises a supported function shape.
func adaptListener(fn any) (listener, error) {
	switch f := fn.(type) {
	case func():
		return listener{arity: 0, call: func([]any) { f() }}, nil
	case func(Entity):
		return listener{arity: 1, call: func(a []any) {
			f(argAt[Entity](a, 0))
		}}, nil
	case func(Entity, string):
		return listener{arity: 2, call: func(a []any) {
			f(argAt[Entity](a, 0), argAt[string](a, 1))
		}}, nil
	case func(Entity, string, any):
		return listener{arity: 3, call: func(a []any) {
			f(argAt[Entity](a, 0), argAt[string](a, 1), argAt[any](a, 2))
		}}, nil
	case func(Entity, string, any, any):
		return listener{arity: 4, call: func(a []any) {
			f(argAt[Entity](a, 0), argAt[string](a, 1), argAt[any](a, 2), argAt[any](a, 3))
		}}, nil
	case func(...any):
		return listener{arity: -1, call: func(a []any) { f(a...) }}, nil
	case nil:
		return listener{}, fmt.Errorf("%w: nil", ErrUnsupportedListener)
	default:
		return listener{}, fmt.Errorf("%w: %T", ErrUnsupportedListener, fn)
	}
}

// truncateArgs returns at most arity leading arguments (all when arity < 0).
func truncateArgs(args []any, arity int) []any {
	if arity < 0 || arity >= len(args) {
		out := make([]any, len(args))
		copy(out, args)
		return out
	}
	out := make([]any, arity)
	copy(out, args[:arity])
	return out
}

// argAt returns args[i] as T, or T's zero value when absent or of another type.
func argAt[T any](args []any, i int) T {
	var zero T
	if i >= len(args) {
		return zero
	}
	v, ok := args[i].(T)
	if !ok {
		return zero
	}
	return v
}
