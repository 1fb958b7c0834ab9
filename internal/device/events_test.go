package device

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// recorder collects listener calls from the dispatcher goroutine.
type recorder struct {
	mu    sync.Mutex
	calls []string
	args  [][]any
}

func (r *recorder) add(name string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, name)
	r.args = append(r.args, args)
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	copy(out, r.calls)
	return out
}

func drain(t *testing.T, b *EventBus) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.Drain(ctx); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
}

func TestEventBus_DispatchOrderSurvivesPanic(t *testing.T) {
	b := NewEventBus(nil)
	defer b.Close()

	rec := &recorder{}
	if err := b.Listen("ping", func() {
		rec.add("first")
		panic("listener failure")
	}); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	if err := b.Listen("ping", func() { rec.add("second") }); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}

	b.Emit("ping")
	drain(t, b)

	got := rec.snapshot()
	want := []string{"first", "second"}
	if len(got) != len(want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("calls[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestEventBus_ArgumentTruncation(t *testing.T) {
	b := NewEventBus(nil)
	defer b.Close()

	d := New("lamp1")
	defer d.Shutdown(context.Background()) //nolint:errcheck

	var (
		mu        sync.Mutex
		gotEntity Entity
		gotKey    string
		gotNew    any
		gotOld    any
		variadic  int
	)
	err := b.ListenMany(map[string]any{
		"a": func(e Entity) {
			mu.Lock()
			gotEntity = e
			mu.Unlock()
		},
		"b": func(e Entity, k string) {
			mu.Lock()
			gotKey = k
			mu.Unlock()
		},
		"c": func(e Entity, k string, n, o any) {
			mu.Lock()
			gotNew, gotOld = n, o
			mu.Unlock()
		},
		"d": func(args ...any) {
			mu.Lock()
			variadic = len(args)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("ListenMany() error = %v", err)
	}

	for _, name := range []string{"a", "b", "c", "d"} {
		b.Emit(name, d, "on", true, false)
	}
	// Fewer arguments than the listener declares: zero values fill in.
	b.Emit("c", d, "bri")
	drain(t, b)

	mu.Lock()
	defer mu.Unlock()
	if gotEntity != Entity(d) {
		t.Errorf("entity = %v, want lamp1", gotEntity)
	}
	if gotKey != "on" {
		t.Errorf("key = %q, want on", gotKey)
	}
	if gotNew != nil || gotOld != nil {
		t.Errorf("new, old = %v, %v, want nil, nil after short emit", gotNew, gotOld)
	}
	if variadic != 4 {
		t.Errorf("variadic args = %d, want 4", variadic)
	}
}

func TestEventBus_UnsupportedListener(t *testing.T) {
	b := NewEventBus(nil)
	defer b.Close()

	tests := []struct {
		name string
		fn   any
	}{
		{"nil", nil},
		{"int arg", func(int) {}},
		{"returns error", func() error { return nil }},
		{"not a func", "statechange"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := b.Listen("x", tt.fn)
			if !errors.Is(err, ErrUnsupportedListener) {
				t.Errorf("Listen() error = %v, want ErrUnsupportedListener", err)
			}
		})
	}

	err := b.ListenMany(map[string]any{"ok": func() {}, "bad": func(int) {}})
	if !errors.Is(err, ErrUnsupportedListener) {
		t.Fatalf("ListenMany() error = %v, want ErrUnsupportedListener", err)
	}
	if n := b.ListenerCount("ok"); n != 0 {
		t.Errorf("ListenerCount(ok) = %d, want 0 after rejected batch", n)
	}
}

func TestEventBus_EmitFromListenerDoesNotDeadlock(t *testing.T) {
	b := NewEventBus(nil)
	defer b.Close()

	rec := &recorder{}
	if err := b.Listen("outer", func() {
		rec.add("outer")
		b.Emit("inner")
	}); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	if err := b.Listen("inner", func() { rec.add("inner") }); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}

	b.Emit("outer")
	drain(t, b)
	drain(t, b)

	got := rec.snapshot()
	if len(got) != 2 || got[0] != "outer" || got[1] != "inner" {
		t.Errorf("calls = %v, want [outer inner]", got)
	}
}

func TestEventBus_CloseRunsQueuedTasks(t *testing.T) {
	b := NewEventBus(nil)
	rec := &recorder{}
	for i := 0; i < 100; i++ {
		b.Post("work", func() { rec.add("work") })
	}
	b.Close()

	select {
	case <-b.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not exit")
	}
	if n := len(rec.snapshot()); n != 100 {
		t.Errorf("ran %d tasks, want 100", n)
	}
	if b.Post("late", func() {}) {
		t.Error("Post() after Close = true, want false")
	}
}
