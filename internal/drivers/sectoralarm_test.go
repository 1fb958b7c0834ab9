package drivers

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/hearth/internal/bridges/alarmpanel"
	"github.com/nerrad567/hearth/internal/device"
)

// fakeAlarm is an in-memory AlarmSession. When events is nil, Listen
// reports pushes as disabled.
type fakeAlarm struct {
	mu     sync.Mutex
	arm    alarmpanel.ArmState
	temps  []alarmpanel.Temperature
	armErr error
	syncs  int

	events chan alarmpanel.Event
}

func (f *fakeAlarm) ArmState(context.Context) (alarmpanel.ArmState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncs++
	return f.arm, f.armErr
}

func (f *fakeAlarm) Temperatures(context.Context) ([]alarmpanel.Temperature, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.temps, nil
}

func (f *fakeAlarm) Listen(ctx context.Context, onEvent func(alarmpanel.Event)) error {
	if f.events == nil {
		return alarmpanel.ErrPushDisabled
	}
	for {
		select {
		case ev := <-f.events:
			onEvent(ev)
		case <-ctx.Done():
			return nil
		}
	}
}

func (f *fakeAlarm) syncCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.syncs
}

func (f *fakeAlarm) setArm(st alarmpanel.ArmState, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.arm, f.armErr = st, err
}

func newTestAlarm(t *testing.T, session *fakeAlarm) (*SectorAlarm, *device.ManualScheduler) {
	t.Helper()
	sched, opts := testOptions(t)
	a := NewSectorAlarm("alarm", session, time.Minute, opts...)
	shutdown(t, a)
	return a, sched
}

func TestSectorAlarm_Sync(t *testing.T) {
	session := &fakeAlarm{
		arm: alarmpanel.ArmState{Status: "armed", Time: "2026-01-01 22:00", User: "Sam"},
		temps: []alarmpanel.Temperature{
			{SerialNo: "100", Label: "Hall", Temperature: 21.5},
		},
	}
	a, _ := newTestAlarm(t, session)

	if err := a.Sync(context.Background()); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	st := a.State()
	if st[KeyArmed] != "armed" || st[KeyArmedTime] != "2026-01-01 22:00" || st[KeyArmedBy] != "Sam" {
		t.Errorf("state = %v", st)
	}
	temps, ok := st[KeyTemperatures].([]any)
	if !ok || len(temps) != 1 {
		t.Fatalf("temperatures = %#v", st[KeyTemperatures])
	}
	if first := temps[0].(map[string]any); first["label"] != "Hall" || first["temperature"] != 21.5 {
		t.Errorf("temperatures[0] = %v", first)
	}
	if !a.Reachable() {
		t.Error("Reachable() = false after a successful sync")
	}
}

func TestSectorAlarm_SyncFailureMarksUnreachable(t *testing.T) {
	session := &fakeAlarm{arm: alarmpanel.ArmState{Status: "disarmed"}}
	a, _ := newTestAlarm(t, session)
	ctx := context.Background()

	if err := a.Sync(ctx); err != nil {
		t.Fatal(err)
	}
	session.setArm(alarmpanel.ArmState{}, alarmpanel.ErrRequestFailed)
	if err := a.Sync(ctx); !errors.Is(err, alarmpanel.ErrRequestFailed) {
		t.Fatalf("Sync() error = %v, want ErrRequestFailed", err)
	}
	if a.Reachable() {
		t.Error("Reachable() = true after a failed sync")
	}
	if a.State()[KeyArmed] != "disarmed" {
		t.Error("failed sync cleared the last known arm state")
	}
}

func TestSectorAlarm_IsReadOnly(t *testing.T) {
	a, _ := newTestAlarm(t, &fakeAlarm{})
	if err := a.SetState(context.Background(), device.State{KeyArmed: "armed"}); err != nil {
		t.Errorf("SetState() error = %v", err)
	}
	if _, ok := a.State()[KeyArmed]; ok {
		t.Error("SetState changed a read-only device")
	}
}

func TestSectorAlarm_RunOnInterval(t *testing.T) {
	session := &fakeAlarm{arm: alarmpanel.ArmState{Status: "armed"}}
	a, sched := newTestAlarm(t, session)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()

	waitFor(t, "first sync", func() bool { return session.syncCount() == 1 && sched.Pending() == 1 })
	sched.Advance(time.Minute)
	waitFor(t, "second sync", func() bool { return session.syncCount() == 2 })

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestSectorAlarm_PushTriggersSync(t *testing.T) {
	session := &fakeAlarm{
		arm:    alarmpanel.ArmState{Status: "disarmed"},
		events: make(chan alarmpanel.Event),
	}
	a, _ := newTestAlarm(t, session)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	waitFor(t, "first sync", func() bool { return session.syncCount() == 1 })
	session.setArm(alarmpanel.ArmState{Status: "armed"}, nil)
	session.events <- alarmpanel.Event{Type: "alarm-state-changed"}

	waitFor(t, "pushed sync", func() bool { return a.State()[KeyArmed] == "armed" })
}
