package device

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// PrivateActionPrefix marks actions that can never be invoked by name.
const PrivateActionPrefix = "_"

// Action names every commandable device exposes.
const (
	ActionSetState       = "set_state"
	ActionSetSingleState = "set_single_state"
)

// mirrorTimeout bounds a single history mirror write.
const mirrorTimeout = 5 * time.Second

// Device is the state container shared by every driver.
//
// A Device owns its current state, an event bus, a history journal and a
// reachability watchdog. Drivers embed *Device, report physical state with
// UpdateState, and translate consumer requests in a Commander.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - State transitions of one device are totally ordered: they are applied
//     under the device mutex, and their events, history mirror writes and
//     sink notifications are queued on the device bus in the same order.
type Device struct {
	id     string
	logger Logger
	sched  Scheduler
	bus    *EventBus

	journal   *Journal
	sink      Sink
	mirror    HistoryMirror
	commander Commander
	ui        func() any

	lowBattery  float64
	alertChecks []func(State) []string

	mu    sync.Mutex
	state State
	dog   watchdog

	actionsMu sync.RWMutex
	actions   map[string]Action
}

type options struct {
	logger     Logger
	sched      Scheduler
	journalDir string
	codec      Codec
	journal    *Journal
	sink       Sink
	mirror     HistoryMirror
	commander  Commander
	ui         func() any
	lowBattery float64
	alerts     []func(State) []string
}

// Option configures a Device at construction.
type Option func(*options)

// WithLogger sets the logger used for dispatch and persistence failures.
func WithLogger(logger Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithScheduler replaces the wall-clock scheduler, typically with a ManualScheduler in tests.
func WithScheduler(s Scheduler) Option {
	return func(o *options) { o.sched = s }
}

// WithJournal persists history under dir with the given codec (JSON when nil).
// Without it, history is kept in memory only.
func WithJournal(dir string, codec Codec) Option {
	return func(o *options) {
		o.journalDir = dir
		o.codec = codec
	}
}

// WithJournalInstance uses an already opened journal.
func WithJournalInstance(j *Journal) Option {
	return func(o *options) { o.journal = j }
}

// WithSink sets the broadcast sink notified on every state change.
func WithSink(s Sink) Option {
	return func(o *options) { o.sink = s }
}

// WithHistoryMirror copies every journal append to m.
func WithHistoryMirror(m HistoryMirror) Option {
	return func(o *options) { o.mirror = m }
}

// WithCommander routes SetState to c and exposes the set_state and
// set_single_state actions.
func WithCommander(c Commander) Option {
	return func(o *options) { o.commander = c }
}

// WithUI sets the opaque UI description returned by Serialize.
func WithUI(fn func() any) Option {
	return func(o *options) { o.ui = fn }
}

// WithLowBatteryAlert adds "low_battery" to the alerts while the battery key is below threshold.
func WithLowBatteryAlert(threshold float64) Option {
	return func(o *options) { o.lowBattery = threshold }
}

// WithAlerts adds a driver-specific alert check, evaluated on every Serialize.
func WithAlerts(fn func(State) []string) Option {
	return func(o *options) { o.alerts = append(o.alerts, fn) }
}

// New creates a device and loads its history.
//
// The initial state is the newest history snapshot, or {"reachable": false}
// when there is none.
func New(id string, opts ...Option) *Device {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = noopLogger{}
	}
	if o.sched == nil {
		o.sched = SystemScheduler()
	}
	if o.journal == nil {
		o.journal = OpenJournal(o.journalDir, id, o.codec, o.logger)
	}

	d := &Device{
		id:          id,
		logger:      o.logger,
		sched:       o.sched,
		bus:         NewEventBus(o.logger),
		journal:     o.journal,
		sink:        o.sink,
		mirror:      o.mirror,
		commander:   o.commander,
		ui:          o.ui,
		lowBattery:  o.lowBattery,
		alertChecks: o.alerts,
		actions:     make(map[string]Action),
	}
	d.dog.sched = o.sched

	if last, ok := d.journal.Last(); ok {
		d.state = last
	} else {
		d.state = State{}
	}
	if _, ok := d.state[KeyReachable]; !ok {
		d.state[KeyReachable] = false
	}

	if d.commander != nil {
		d.Handle(ActionSetState, func(ctx context.Context, args ...any) error {
			partial, err := ArgState(args, 0)
			if err != nil {
				return err
			}
			return d.SetState(ctx, partial)
		})
		d.Handle(ActionSetSingleState, func(ctx context.Context, args ...any) error {
			key, err := ArgString(args, 0)
			if err != nil {
				return err
			}
			if len(args) < 2 {
				return fmt.Errorf("%w: missing value for %q", ErrInvalidArgument, key)
			}
			return d.SetSingleState(ctx, key, args[1])
		})
	}
	return d
}

// ID returns the device identifier.
func (d *Device) ID() string {
	return d.id
}

// Logger returns the device logger.
func (d *Device) Logger() Logger {
	return d.logger
}

// Scheduler returns the scheduler driving this device's timers.
func (d *Device) Scheduler() Scheduler {
	return d.sched
}

// State returns a copy of the current state.
func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.DeepCopy()
}

// Get returns a single state value.
func (d *Device) Get(key string) (any, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.state[key]
	return deepCopyValue(v), ok
}

// Reachable reports the reachable flag.
func (d *Device) Reachable() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, _ := d.state[KeyReachable].(bool)
	return r
}

// LastSeen returns the time of the last physical report, if any.
func (d *Device) LastSeen() (time.Time, bool) {
	d.mu.Lock()
	raw, _ := d.state[KeyLastSeen].(string)
	d.mu.Unlock()
	if raw == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// History returns a copy of the journal entries, oldest first.
func (d *Device) History() []Entry {
	return d.journal.Entries()
}

// Journal returns the device history journal.
func (d *Device) Journal() *Journal {
	return d.journal
}

// Bus returns the device event bus.
func (d *Device) Bus() *EventBus {
	return d.bus
}

// Listen registers an event listener.
func (d *Device) Listen(name string, fn any) error {
	return d.bus.Listen(name, fn)
}

// ListenMany registers a batch of listeners.
func (d *Device) ListenMany(fns map[string]any) error {
	return d.bus.ListenMany(fns)
}

// Event emits a driver-defined event with the device as first argument.
func (d *Device) Event(name string, args ...any) {
	d.bus.Emit(name, append([]any{d}, args...)...)
}

// UpdateState applies a physical report.
//
// It confirms an armed watchdog, stamps last_seen and reachable when
// setSeen is true, and applies partial. A history entry is appended when a
// key of partial changed value or reachability flipped; last_seen alone
// never records history. Events and the sink notification follow whenever
// the state map differs from before.
func (d *Device) UpdateState(partial State, setSeen bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.applyLocked(partial, setSeen, HistorySourceReport)
}

func (d *Device) applyLocked(partial State, setSeen bool, source string) {
	d.dog.confirm()

	prev := d.state.DeepCopy()
	changed := make([]string, 0, len(partial))
	for k, v := range partial {
		if old, ok := d.state[k]; !ok || !valuesEqual(old, v) {
			changed = append(changed, k)
		}
	}

	if setSeen {
		d.state[KeyLastSeen] = d.sched.Now().UTC().Format(time.RFC3339Nano)
		d.state[KeyReachable] = true
	}
	for k, v := range partial {
		d.state[k] = deepCopyValue(v)
	}

	if _, inPartial := partial[KeyReachable]; !inPartial &&
		!valuesEqual(prev[KeyReachable], d.state[KeyReachable]) {
		changed = append(changed, KeyReachable)
	}
	sort.Strings(changed)

	if len(changed) > 0 {
		d.recordLocked(source)
	}
	if statesEqual(prev, d.state) {
		return
	}

	d.bus.Emit(EventStateChange, d)
	for _, k := range changed {
		newVal := deepCopyValue(d.state[k])
		oldVal := prev[k]
		d.bus.Emit(EventStateChange+":"+k, d, k, newVal, oldVal)
		d.bus.Emit(EventStateChange+":"+k+":"+formatValue(newVal), d, k, newVal, oldVal)
	}
	d.notifySinkLocked()
}

// InitState sets the keys of defaults that are not already present, such as
// values a driver needs before its first report. Keys restored from history
// win. When anything is set, one history entry is appended and statechange
// is emitted; no per-key events are emitted.
func (d *Device) InitState(defaults State) {
	d.mu.Lock()
	defer d.mu.Unlock()

	set := false
	for k, v := range defaults {
		if _, ok := d.state[k]; ok {
			continue
		}
		d.state[k] = deepCopyValue(v)
		set = true
	}
	if !set {
		return
	}
	d.recordLocked(HistorySourceInit)
	d.bus.Emit(EventStateChange, d)
	d.notifySinkLocked()
}

// ExpectUpdate arms the reachability watchdog. If no UpdateState arrives
// within timeout, the device is marked unreachable. Re-arming replaces the
// previous deadline.
func (d *Device) ExpectUpdate(timeout time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dog.arm(timeout, d.expire)
}

// WatchdogArmed reports whether a confirming update is awaited.
func (d *Device) WatchdogArmed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dog.armed
}

// expire runs when a watchdog deadline passes. An update that took the lock
// first has already disarmed the watchdog, so the stale expiry does nothing.
func (d *Device) expire(gen uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.dog.expire(gen) {
		return
	}
	d.logger.Debug("device watchdog expired", "device_id", d.id)
	d.applyLocked(State{KeyReachable: false}, false, HistorySourceWatchdog)
}

// SetState asks the device to assume a new state. Without a Commander this
// is a no-op.
func (d *Device) SetState(ctx context.Context, partial State) error {
	if d.commander == nil {
		return nil
	}
	return d.commander.Command(ctx, partial.DeepCopy())
}

// SetSingleState is SetState for one key.
func (d *Device) SetSingleState(ctx context.Context, key string, value any) error {
	return d.SetState(ctx, State{key: value})
}

// Handle registers a named action, replacing any previous one with that name.
func (d *Device) Handle(name string, fn Action) {
	d.actionsMu.Lock()
	d.actions[name] = fn
	d.actionsMu.Unlock()
}

// HasAction reports whether the device exposes name.
func (d *Device) HasAction(name string) bool {
	if strings.HasPrefix(name, PrivateActionPrefix) {
		return false
	}
	d.actionsMu.RLock()
	defer d.actionsMu.RUnlock()
	_, ok := d.actions[name]
	return ok
}

// ActionNames returns the registered action names, sorted.
func (d *Device) ActionNames() []string {
	d.actionsMu.RLock()
	defer d.actionsMu.RUnlock()
	names := make([]string, 0, len(d.actions))
	for name := range d.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke runs a named action.
func (d *Device) Invoke(ctx context.Context, name string, args ...any) error {
	if strings.HasPrefix(name, PrivateActionPrefix) {
		return fmt.Errorf("%w: %q", ErrPrivateAction, name)
	}
	d.actionsMu.RLock()
	fn, ok := d.actions[name]
	d.actionsMu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q on %s", ErrUnknownAction, name, d.id)
	}
	return fn(ctx, args...)
}

// Serialize returns the UI representation with computed alerts.
func (d *Device) Serialize() Serialized {
	d.mu.Lock()
	st := d.serializedStateLocked()
	d.mu.Unlock()

	var ui any
	if d.ui != nil {
		ui = d.ui()
	}
	return Serialized{ID: d.id, State: st, UI: ui}
}

// Alerts returns the alerts for the current state.
func (d *Device) Alerts() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.alertsLocked()
}

// Shutdown stops the watchdog, flushes the journal and stops the dispatcher
// once queued events have run.
func (d *Device) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.dog.stop()
	d.mu.Unlock()

	var errs []error
	if err := d.journal.Flush(); err != nil {
		errs = append(errs, fmt.Errorf("flushing %s: %w", d.id, err))
	}

	d.bus.Close()
	select {
	case <-d.bus.Done():
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("stopping %s dispatcher: %w", d.id, ctx.Err()))
	}
	return errors.Join(errs...)
}

// recordLocked appends the current snapshot to the journal and queues the mirror write.
func (d *Device) recordLocked(source string) {
	entry := d.journal.Append(d.sched.Now(), d.state)
	if d.mirror == nil {
		return
	}
	mirror := d.mirror
	d.bus.Post("history", func() {
		ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
		defer cancel()
		if err := mirror.RecordStateChange(ctx, d.id, entry, source); err != nil {
			d.logger.Warn("failed to mirror device history",
				"device_id", d.id,
				"error", err,
			)
		}
	})
}

func (d *Device) notifySinkLocked() {
	if d.sink == nil {
		return
	}
	sink := d.sink
	payload := map[string]any{"state": d.serializedStateLocked()}
	d.bus.Post("broadcast", func() { sink.Broadcast(d.id, payload) })
}

func (d *Device) serializedStateLocked() State {
	st := d.state.DeepCopy()
	st[KeyAlerts] = d.alertsLocked()
	return st
}

func (d *Device) alertsLocked() []string {
	alerts := []string{}
	if r, _ := d.state[KeyReachable].(bool); !r {
		alerts = append(alerts, AlertUnreachable)
	}
	if d.lowBattery > 0 {
		if level, ok := toFloat(d.state[KeyBattery]); ok && level < d.lowBattery {
			alerts = append(alerts, AlertLowBattery)
		}
	}
	for _, check := range d.alertChecks {
		alerts = append(alerts, check(d.state.DeepCopy())...)
	}
	return alerts
}

// statesEqual compares two snapshots key by key.
func statesEqual(a, b State) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !valuesEqual(av, bv) {
			return false
		}
	}
	return true
}
