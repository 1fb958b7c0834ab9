package device

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
)

// Well-known state keys maintained by the engine itself.
const (
	// KeyReachable is true while the device is believed to be responsive.
	KeyReachable = "reachable"

	// KeyLastSeen is the RFC 3339 UTC time of the last physical report.
	KeyLastSeen = "last_seen"

	// KeyAlerts is the computed alert list added by Serialize.
	KeyAlerts = "alerts"

	// KeyBattery is the battery percentage reported by battery-powered devices.
	KeyBattery = "battery"
)

// Alert values surfaced in serialized state.
const (
	AlertUnreachable = "unreachable"
	AlertLowBattery  = "low_battery"
)

// Event names emitted on every device bus.
const (
	// EventStateChange is emitted once per visible state transition with the entity as argument.
	EventStateChange = "statechange"
)

// State holds the current device state as a flat JSON-compatible map.
//
// Examples:
//
//	Switch:     {"on": true, "reachable": true, "last_seen": "2026-01-01T10:00:00Z"}
//	Dimmer:     {"on": true, "bri": 180}
//	Thermostat: {"temperature_setpoint": 21.5, "battery": 80}
type State map[string]any

// DeepCopy returns an independent copy of the state, including nested maps and slices.
func (s State) DeepCopy() State {
	if s == nil {
		return nil
	}
	return State(deepCopyMap(s))
}

// Serialized is the UI representation of an entity.
type Serialized struct {
	ID    string `json:"id"`
	State State  `json:"state"`
	UI    any    `json:"ui"`
}

// Entity is the contract shared by plain devices and composites.
//
// The registry, the UI transport and composites only ever hold Entities.
type Entity interface {
	// ID returns the immutable identifier.
	ID() string

	// State returns a copy of the current state.
	State() State

	// Listen registers an event listener; see EventBus.Listen for accepted shapes.
	Listen(name string, fn any) error

	// SetState asks the entity to assume a new state.
	SetState(ctx context.Context, partial State) error

	// Invoke runs a named action with positional arguments.
	Invoke(ctx context.Context, name string, args ...any) error

	// HasAction reports whether Invoke would find the named action.
	HasAction(name string) bool

	// ActionNames lists the invokable actions, sorted.
	ActionNames() []string

	// Serialize returns the UI representation, including computed alerts.
	Serialize() Serialized

	// Shutdown stops timers and flushes persistent history.
	Shutdown(ctx context.Context) error
}

// Sink receives fire-and-forget notifications whenever a device's state changes.
// Implementations must not block.
type Sink interface {
	Broadcast(id string, payload map[string]any)
}

// Commander translates a requested state into an outbound protocol command.
// Drivers install one with WithCommander.
type Commander interface {
	Command(ctx context.Context, partial State) error
}

// CommanderFunc adapts a function to the Commander interface.
type CommanderFunc func(ctx context.Context, partial State) error

// Command implements Commander.
func (f CommanderFunc) Command(ctx context.Context, partial State) error {
	return f(ctx, partial)
}

// Action is a named operation invoked from the UI, automations, or composites.
type Action func(ctx context.Context, args ...any) error

// deepCopyMap creates a deep copy of a map[string]any.
// Returns nil if the input is nil.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cpy := make(map[string]any, len(m))
	for k, v := range m {
		cpy[k] = deepCopyValue(v)
	}
	return cpy
}

// deepCopyValue recursively copies a value, handling nested maps and slices.
func deepCopyValue(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case State:
		return State(deepCopyMap(val))
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cpy := make([]any, len(val))
		for i, elem := range val {
			cpy[i] = deepCopyValue(elem)
		}
		return cpy
	case []map[string]any:
		cpy := make([]map[string]any, len(val))
		for i, elem := range val {
			cpy[i] = deepCopyMap(elem)
		}
		return cpy
	default:
		return v
	}
}

// valuesEqual compares two state values.
// Numbers compare by value regardless of their Go type, since history
// restored from JSON yields float64 where drivers may report ints.
func valuesEqual(a, b any) bool {
	af, aNum := toFloat(a)
	bf, bNum := toFloat(b)
	if aNum && bNum {
		return af == bf || (math.IsNaN(af) && math.IsNaN(bf))
	}
	if aNum != bNum {
		return false
	}
	return reflect.DeepEqual(a, b)
}

// toFloat converts any Go numeric type to float64.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// formatValue renders a state value for use in an event name
// such as "statechange:on:true".
func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	}
	if f, ok := toFloat(v); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return fmt.Sprintf("%v", v)
}
