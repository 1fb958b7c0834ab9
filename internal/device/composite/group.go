package composite

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/nerrad567/hearth/internal/device"
)

// Group presents several devices as one.
//
// Reads (State, Serialize, the UI description) come from the primary
// member, the first one; nothing is merged. Mutations are broadcast to
// every member that supports them.
type Group struct {
	id      string
	primary device.Entity
	members *members
	bus     *device.EventBus
	sink    device.Sink

	relayMu sync.Mutex
	relayed map[string]bool
}

var (
	_ device.Entity = (*Group)(nil)
	_ Forwarder     = (*Group)(nil)
)

// NewGroup creates a group over list. The primary's statechange events are
// re-emitted on the group's own bus and pushed to sink under the group id.
func NewGroup(id string, list []device.Entity, sink device.Sink, logger device.Logger) (*Group, error) {
	if len(list) == 0 {
		return nil, fmt.Errorf("%w: group %s", ErrNoMembers, id)
	}
	if logger == nil {
		logger = nopLogger{}
	}

	g := &Group{
		id:      id,
		primary: list[0],
		members: newMembers(id, list, logger),
		bus:     device.NewEventBus(logger),
		sink:    sink,
		relayed: make(map[string]bool),
	}
	if err := g.primary.Listen(device.EventStateChange, g.forward); err != nil {
		g.bus.Close()
		return nil, fmt.Errorf("listening on %s: %w", g.primary.ID(), err)
	}
	return g, nil
}

// forward runs on the primary's dispatcher.
func (g *Group) forward() {
	if g.sink != nil {
		g.sink.Broadcast(g.id, map[string]any{"state": g.Serialize().State})
	}
	g.bus.Emit(device.EventStateChange, g)
}

// ID returns the group's own id.
func (g *Group) ID() string { return g.id }

// Primary returns the member reads are delegated to.
func (g *Group) Primary() device.Entity { return g.primary }

// Members returns the member list in order.
func (g *Group) Members() []device.Entity {
	out := make([]device.Entity, len(g.members.list))
	copy(out, g.members.list)
	return out
}

// State returns the primary's state.
func (g *Group) State() device.State { return g.primary.State() }

// Serialize returns the primary's representation under the group id.
func (g *Group) Serialize() device.Serialized {
	s := g.primary.Serialize()
	s.ID = g.id
	return s
}

// Listen registers a listener on the group's own bus. Per-key state
// events ("statechange:<key>" and "statechange:<key>:<value>") are relayed
// from the primary the first time they are listened for.
func (g *Group) Listen(name string, fn any) error {
	if strings.HasPrefix(name, device.EventStateChange+":") {
		if err := g.relay(name); err != nil {
			return err
		}
	}
	return g.bus.Listen(name, fn)
}

// relay re-emits the primary's name event on the group bus with the group
// as the entity.
func (g *Group) relay(name string) error {
	g.relayMu.Lock()
	defer g.relayMu.Unlock()
	if g.relayed[name] {
		return nil
	}
	err := g.primary.Listen(name, func(_ device.Entity, key string, newVal, oldVal any) {
		g.bus.Emit(name, g, key, newVal, oldVal)
	})
	if err != nil {
		return fmt.Errorf("relaying %s from %s: %w", name, g.primary.ID(), err)
	}
	g.relayed[name] = true
	return nil
}

// HasAction reports whether any member exposes name.
func (g *Group) HasAction(name string) bool { return g.members.has(name) }

// ActionNames returns the union of member actions.
func (g *Group) ActionNames() []string { return g.members.names() }

// On switches on every member that can be switched on.
func (g *Group) On(ctx context.Context) error {
	return g.Invoke(ctx, ActionOn)
}

// Off switches off every member that can be switched off.
func (g *Group) Off(ctx context.Context) error {
	return g.Invoke(ctx, ActionOff)
}

// SetState forwards to every commandable member.
func (g *Group) SetState(ctx context.Context, partial device.State) error {
	return g.members.fanOut(ctx, device.ActionSetState, func(ctx context.Context, e device.Entity) error {
		return e.SetState(ctx, partial.DeepCopy())
	})
}

// SetSingleState forwards to every commandable member.
func (g *Group) SetSingleState(ctx context.Context, key string, value any) error {
	return g.members.fanOut(ctx, device.ActionSetSingleState, func(ctx context.Context, e device.Entity) error {
		return e.Invoke(ctx, device.ActionSetSingleState, key, value)
	})
}

// Invoke broadcasts a named action to the members exposing it.
func (g *Group) Invoke(ctx context.Context, name string, args ...any) error {
	if name == device.ActionSetState {
		partial, err := device.ArgState(args, 0)
		if err != nil {
			return err
		}
		return g.SetState(ctx, partial)
	}
	return g.members.fanOut(ctx, name, func(ctx context.Context, e device.Entity) error {
		return e.Invoke(ctx, name, args...)
	})
}

// Shutdown stops the group's dispatcher. Members are shut down by the registry.
func (g *Group) Shutdown(ctx context.Context) error {
	g.bus.Close()
	select {
	case <-g.bus.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stopping %s dispatcher: %w", g.id, ctx.Err())
	}
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
