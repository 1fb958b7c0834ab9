package composite

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/nerrad567/hearth/internal/device"
)

// Room state keys and actions.
const (
	KeyScene      = "scene"
	KeyAutomation = "automation"
	KeyPresence   = "presence"

	ActionSetScene         = "set_scene"
	ActionCycleScene       = "cycle_scene"
	ActionSetAutomation    = "set_automation"
	ActionToggleAutomation = "toggle_automation"
)

// offTimeout bounds the off fan-out triggered by the vacancy timer.
const offTimeout = 30 * time.Second

// RoomConfig describes a room's scenes and presence behaviour.
type RoomConfig struct {
	// Scenes are the candidate scene names, in cycle order.
	Scenes []string

	// VacancyTimeout is how long after the last presence report the room
	// switches everything off. Zero disables the timer.
	VacancyTimeout time.Duration
}

// Room is a device with its own scene and automation state that fans
// unknown actions out to its members.
type Room struct {
	*device.Device

	members *members
	scenes  []string
	vacancy time.Duration

	timerMu sync.Mutex
	timer   device.Handle
	closed  bool
}

var (
	_ device.Entity = (*Room)(nil)
	_ Forwarder     = (*Room)(nil)
)

// NewRoom creates a room over list. opts configure the room's own device
// (journal, sink, scheduler, logger).
func NewRoom(id string, list []device.Entity, cfg RoomConfig, opts ...device.Option) (*Room, error) {
	r := &Room{
		scenes:  slices.Clone(cfg.Scenes),
		vacancy: cfg.VacancyTimeout,
	}

	base := []device.Option{
		device.WithUI(r.ui),
		device.WithCommander(device.CommanderFunc(r.command)),
	}
	r.Device = device.New(id, append(base, opts...)...)
	r.members = newMembers(id, list, r.Logger())

	defaults := device.State{KeyAutomation: true}
	if len(r.scenes) > 0 {
		defaults[KeyScene] = r.scenes[0]
	}
	r.InitState(defaults)
	r.UpdateState(device.State{}, true)

	r.Handle(ActionSetScene, func(ctx context.Context, args ...any) error {
		name, err := device.ArgString(args, 0)
		if err != nil {
			return err
		}
		return r.SetScene(name)
	})
	r.Handle(ActionCycleScene, func(context.Context, ...any) error {
		return r.CycleScene()
	})
	r.Handle(ActionSetAutomation, func(_ context.Context, args ...any) error {
		on, err := device.ArgBool(args, 0)
		if err != nil {
			return err
		}
		r.SetAutomation(on)
		return nil
	})
	r.Handle(ActionToggleAutomation, func(context.Context, ...any) error {
		r.SetAutomation(!r.Automation())
		return nil
	})
	r.Handle(ActionOff, func(ctx context.Context, _ ...any) error {
		return r.Off(ctx)
	})

	if r.vacancy > 0 {
		for _, m := range list {
			if err := m.Listen(device.EventStateChange+":"+KeyPresence+":true", r.onPresence); err != nil {
				return nil, fmt.Errorf("listening on %s: %w", m.ID(), err)
			}
		}
	}
	return r, nil
}

// Members returns the member list in order.
func (r *Room) Members() []device.Entity {
	out := make([]device.Entity, len(r.members.list))
	copy(out, r.members.list)
	return out
}

// Scene returns the current scene, or "" when the room has none.
func (r *Room) Scene() string {
	v, _ := r.Get(KeyScene)
	s, _ := v.(string)
	return s
}

// Automation reports whether presence may switch the room off.
func (r *Room) Automation() bool {
	v, _ := r.Get(KeyAutomation)
	on, _ := v.(bool)
	return on
}

// SetScene selects one of the candidate scenes.
func (r *Room) SetScene(name string) error {
	if !slices.Contains(r.scenes, name) {
		return fmt.Errorf("%w: %q in %s", ErrInvalidScene, name, r.ID())
	}
	r.UpdateState(device.State{KeyScene: name}, true)
	return nil
}

// CycleScene advances to the next candidate, wrapping around.
func (r *Room) CycleScene() error {
	if len(r.scenes) == 0 {
		return fmt.Errorf("%w: %s has no scenes", ErrInvalidScene, r.ID())
	}
	next := r.scenes[0]
	if i := slices.Index(r.scenes, r.Scene()); i >= 0 {
		next = r.scenes[(i+1)%len(r.scenes)]
	}
	return r.SetScene(next)
}

// SetAutomation enables or disables presence automation. Disabling also
// cancels a pending vacancy timer.
func (r *Room) SetAutomation(on bool) {
	r.UpdateState(device.State{KeyAutomation: on}, true)
	if !on {
		r.cancelVacancy()
	}
}

// On switches on every member that can be switched on.
func (r *Room) On(ctx context.Context) error {
	return r.members.fanOut(ctx, ActionOn, func(ctx context.Context, e device.Entity) error {
		return e.Invoke(ctx, ActionOn)
	})
}

// Off switches off every member that can be switched off. A room whose
// members cannot be switched off has nothing to do.
func (r *Room) Off(ctx context.Context) error {
	if !r.members.has(ActionOff) {
		return nil
	}
	r.Logger().Info("switching room off", "room_id", r.ID())
	return r.members.fanOut(ctx, ActionOff, func(ctx context.Context, e device.Entity) error {
		return e.Invoke(ctx, ActionOff)
	})
}

// HasAction reports whether the room or any member exposes name.
func (r *Room) HasAction(name string) bool {
	return r.Device.HasAction(name) || r.members.has(name)
}

// ActionNames returns the room's own actions plus its members'.
func (r *Room) ActionNames() []string {
	names := append(r.Device.ActionNames(), r.members.names()...)
	sort.Strings(names)
	return slices.Compact(names)
}

// Invoke runs a room action, or broadcasts any other name to the members.
func (r *Room) Invoke(ctx context.Context, name string, args ...any) error {
	if r.Device.HasAction(name) {
		return r.Device.Invoke(ctx, name, args...)
	}
	return r.members.fanOut(ctx, name, func(ctx context.Context, e device.Entity) error {
		return e.Invoke(ctx, name, args...)
	})
}

// Shutdown cancels the vacancy timer and shuts the room's own device down.
// Presence reports arriving afterwards no longer arm the timer.
func (r *Room) Shutdown(ctx context.Context) error {
	r.timerMu.Lock()
	r.closed = true
	r.timerMu.Unlock()
	r.cancelVacancy()
	return r.Device.Shutdown(ctx)
}

// command applies scene and automation keys to the room itself and
// forwards any other keys to the members.
func (r *Room) command(ctx context.Context, partial device.State) error {
	var errs []error
	if v, ok := partial[KeyScene]; ok {
		delete(partial, KeyScene)
		name, isString := v.(string)
		if !isString {
			errs = append(errs, fmt.Errorf("%w: scene %v", ErrInvalidScene, v))
		} else if err := r.SetScene(name); err != nil {
			errs = append(errs, err)
		}
	}
	if v, ok := partial[KeyAutomation]; ok {
		delete(partial, KeyAutomation)
		on, err := device.ArgBool([]any{v}, 0)
		if err != nil {
			errs = append(errs, err)
		} else {
			r.SetAutomation(on)
		}
	}
	if len(partial) > 0 {
		errs = append(errs, r.members.fanOut(ctx, device.ActionSetState, func(ctx context.Context, e device.Entity) error {
			return e.SetState(ctx, partial.DeepCopy())
		}))
	}
	return errors.Join(errs...)
}

// onPresence runs on a member's dispatcher and re-arms the vacancy timer.
func (r *Room) onPresence() {
	if !r.Automation() {
		return
	}
	r.timerMu.Lock()
	defer r.timerMu.Unlock()
	if r.closed {
		return
	}
	if r.timer != nil {
		r.timer.Cancel()
	}
	r.timer = r.Scheduler().AfterFunc(r.vacancy, r.onVacant)
}

func (r *Room) onVacant() {
	r.timerMu.Lock()
	r.timer = nil
	closed := r.closed
	r.timerMu.Unlock()

	if closed || !r.Automation() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), offTimeout)
	defer cancel()
	if err := r.Off(ctx); err != nil {
		r.Logger().Warn("vacancy off failed", "room_id", r.ID(), "error", err)
	}
}

func (r *Room) cancelVacancy() {
	r.timerMu.Lock()
	defer r.timerMu.Unlock()
	if r.timer != nil {
		r.timer.Cancel()
		r.timer = nil
	}
}

func (r *Room) ui() any {
	return map[string]any{
		"rightIcon":   "all_out",
		"rightAction": ActionOff,
		"ui": []any{
			map[string]any{
				"class":  "FlatButton",
				"props":  map[string]any{"label": "Off"},
				"action": ActionOff,
			},
		},
	}
}
