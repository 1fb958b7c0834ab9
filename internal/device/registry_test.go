package device

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// stubEntity is a minimal Entity for registry tests.
type stubEntity struct {
	id          string
	shutdownErr error

	mu       sync.Mutex
	shutdown bool
}

func (s *stubEntity) ID() string                                  { return s.id }
func (s *stubEntity) State() State                                { return State{} }
func (s *stubEntity) Listen(string, any) error                    { return nil }
func (s *stubEntity) SetState(context.Context, State) error       { return nil }
func (s *stubEntity) Invoke(context.Context, string, ...any) error { return ErrUnknownAction }
func (s *stubEntity) HasAction(string) bool                       { return false }
func (s *stubEntity) ActionNames() []string                       { return nil }
func (s *stubEntity) Serialize() Serialized                       { return Serialized{ID: s.id, State: State{}} }

func (s *stubEntity) Shutdown(context.Context) error {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()
	return s.shutdownErr
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	a := &stubEntity{id: "a"}
	b := &stubEntity{id: "b"}
	r.Register(b, a)

	if r.Count() != 2 {
		t.Fatalf("Count() = %d, want 2", r.Count())
	}
	got, ok := r.Lookup("a")
	if !ok || got != a {
		t.Errorf("Lookup(a) = %v, %v", got, ok)
	}
	if _, ok := r.Lookup("missing"); ok {
		t.Error("Lookup(missing) ok = true")
	}

	all := r.All()
	if len(all) != 2 || all[0].ID() != "a" || all[1].ID() != "b" {
		t.Errorf("All() not sorted by id: %v", all)
	}
}

func TestRegistry_LastWriterWins(t *testing.T) {
	r := NewRegistry()
	first := &stubEntity{id: "lamp"}
	second := &stubEntity{id: "lamp"}
	r.Register(first)
	r.Register(second)

	got, _ := r.Lookup("lamp")
	if got != second {
		t.Error("re-registration did not replace the entity")
	}
	if r.Count() != 1 {
		t.Errorf("Count() = %d, want 1", r.Count())
	}
}

func TestRegistry_GetNotFound(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get("ghost")
	if !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("Get() error = %v, want ErrDeviceNotFound", err)
	}
}

func TestRegistry_WaitFor(t *testing.T) {
	r := NewRegistry()

	done := make(chan Entity, 1)
	go func() {
		e, err := r.WaitFor(context.Background(), "late")
		if err != nil {
			t.Errorf("WaitFor() error = %v", err)
		}
		done <- e
	}()

	time.Sleep(10 * time.Millisecond)
	late := &stubEntity{id: "late"}
	r.Register(late)

	select {
	case e := <-done:
		if e != late {
			t.Errorf("WaitFor() = %v, want late", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitFor() did not return after Register")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := r.WaitFor(ctx, "never"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WaitFor(never) error = %v, want DeadlineExceeded", err)
	}
}

func TestRegistry_ShutdownJoinsFailures(t *testing.T) {
	r := NewRegistry()
	errFlush := errors.New("disk full")
	ok1 := &stubEntity{id: "ok1"}
	bad := &stubEntity{id: "bad", shutdownErr: errFlush}
	ok2 := &stubEntity{id: "ok2"}
	r.Register(ok1, bad, ok2)

	err := r.Shutdown(context.Background())
	if !errors.Is(err, errFlush) {
		t.Fatalf("Shutdown() error = %v, want %v", err, errFlush)
	}
	for _, e := range []*stubEntity{ok1, bad, ok2} {
		e.mu.Lock()
		if !e.shutdown {
			t.Errorf("%s was not shut down", e.id)
		}
		e.mu.Unlock()
	}
}

func TestRegistry_ShutdownFlushesDevices(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry()
	for _, id := range []string{"a", "b", "c"} {
		d := New(id, WithJournal(dir, nil))
		d.UpdateState(State{"on": true}, true)
		r.Register(d)
	}
	if err := r.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	for _, id := range []string{"a", "b", "c"} {
		entries, err := ReadJournal(JournalPath(dir, id, JSONCodec{}), JSONCodec{})
		if err != nil {
			t.Fatalf("ReadJournal(%s) error = %v", id, err)
		}
		if len(entries) != 1 {
			t.Errorf("%s history length = %d, want 1", id, len(entries))
		}
	}
}
