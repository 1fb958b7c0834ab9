package drivers

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/hearth/internal/device"
)

// Z-Wave state keys.
const (
	KeySwitch              = "switch"
	KeyPower               = "power"
	KeyResumeLevel         = "resumelevel"
	KeyTemperatureSetpoint = "temperature_setpoint"
	KeyReady               = "ready"
	KeyStatus              = "status"
)

const (
	// zwaveMaxLevel is the highest multilevel switch value.
	zwaveMaxLevel = 99

	// zwaveLowBattery is the battery percentage below which an alert is shown.
	zwaveLowBattery = 20
)

// zwave is the shared core of the Z-Wave drivers: the gateway exposes one
// topic per value (command class/endpoint/index) below the node's base topic.
type zwave struct {
	*device.Device

	ps     PubSub
	qos    byte
	base   string
	values map[string]string // state key -> value topic
	keys   map[string]string // value topic -> state key

	// derive adds keys computed from a report before it is applied.
	derive func(device.State)

	// rewrite maps a requested state onto value topics before publishing.
	rewrite func(device.State) device.State
}

func newZWave(id string, node int, prefix string, ps PubSub, qos byte, values map[string]string, opts []device.Option, extra ...device.Option) *zwave {
	z := &zwave{
		ps:     ps,
		qos:    qos,
		base:   topics.ZWaveNode(prefix, node),
		values: values,
		keys:   make(map[string]string, len(values)),
	}
	for key, vt := range values {
		z.keys[vt] = key
	}
	base := append([]device.Option{device.WithCommander(device.CommanderFunc(z.command))}, extra...)
	z.Device = device.New(id, append(base, opts...)...)
	return z
}

// subscribe listens on the node status topic and every value topic.
func (z *zwave) subscribe() error {
	if err := z.ps.Subscribe(topics.ZWaveStatus(z.base), z.qos, z.onStatus); err != nil {
		return fmt.Errorf("subscribing %s status: %w", z.ID(), err)
	}
	for _, vt := range z.values {
		if err := z.ps.Subscribe(topics.ZWaveValue(z.base, vt), z.qos, z.onValue); err != nil {
			return fmt.Errorf("subscribing %s %s: %w", z.ID(), vt, err)
		}
	}
	return nil
}

func (z *zwave) onStatus(topic string, payload []byte) error {
	var msg struct {
		Value  *bool  `json:"value"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrMalformedPayload, topic, err)
	}
	if msg.Value == nil {
		return fmt.Errorf("%w: %s: missing value", ErrMalformedPayload, topic)
	}
	z.UpdateState(device.State{KeyReady: *msg.Value, KeyStatus: msg.Status}, true)
	return nil
}

func (z *zwave) onValue(topic string, payload []byte) error {
	key, ok := z.keys[strings.TrimPrefix(topic, z.base+"/")]
	if !ok {
		return nil
	}
	var msg map[string]any
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrMalformedPayload, topic, err)
	}
	value, ok := msg["value"]
	if !ok {
		return fmt.Errorf("%w: %s: missing value", ErrMalformedPayload, topic)
	}

	partial := device.State{key: value}
	if z.derive != nil {
		z.derive(partial)
	}
	z.UpdateState(partial, true)
	return nil
}

// command publishes every key with a value topic, concurrently. Other keys
// are ignored.
func (z *zwave) command(ctx context.Context, partial device.State) error {
	if z.rewrite != nil {
		partial = z.rewrite(partial)
	}
	g, _ := errgroup.WithContext(ctx)
	for key, value := range partial {
		vt, ok := z.values[key]
		if !ok {
			continue
		}
		g.Go(func() error {
			return publishJSON(z.ps, topics.ZWaveSet(z.base, vt), z.qos, map[string]any{"value": value})
		})
	}
	return g.Wait()
}

// ZWThermostat is a battery-powered radiator thermostat.
type ZWThermostat struct {
	*zwave
}

// NewZWThermostat creates the driver for node on the gateway below prefix.
func NewZWThermostat(id string, node int, prefix string, ps PubSub, qos byte, opts ...device.Option) (*ZWThermostat, error) {
	t := &ZWThermostat{}
	t.zwave = newZWave(id, node, prefix, ps, qos, map[string]string{
		KeyTemperatureSetpoint: "67/1/1",
		device.KeyBattery:      "128/1/0",
	}, opts, device.WithLowBatteryAlert(zwaveLowBattery), device.WithUI(t.ui))
	t.InitState(device.State{KeyTemperatureSetpoint: 21.0, device.KeyBattery: 100.0})

	t.Handle("set_temperature", func(ctx context.Context, args ...any) error {
		setpoint, err := device.ArgFloat(args, 0)
		if err != nil {
			return err
		}
		return t.SetState(ctx, device.State{KeyTemperatureSetpoint: setpoint})
	})
	if err := t.subscribe(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *ZWThermostat) ui() any {
	return map[string]any{
		"ui": []any{
			map[string]any{
				"class": "Slider",
				"props": map[string]any{"label": "Temperature setpoint", "min": 5, "max": 28, "step": 0.5, "dots": true},
				"state": KeyTemperatureSetpoint,
			},
			map[string]any{"class": "Text", "props": map[string]any{"label": "Battery", "format": "{} %"}, "state": device.KeyBattery},
		},
	}
}

// ZWSwitch is a metering relay.
type ZWSwitch struct {
	*zwave
}

// NewZWSwitch creates the driver for endpoint of node.
func NewZWSwitch(id string, node, endpoint int, prefix string, ps PubSub, qos byte, opts ...device.Option) (*ZWSwitch, error) {
	if endpoint <= 0 {
		endpoint = 1
	}
	s := &ZWSwitch{}
	s.zwave = newZWave(id, node, prefix, ps, qos, map[string]string{
		KeySwitch: fmt.Sprintf("37/%d/0", endpoint),
		KeyPower:  fmt.Sprintf("50/%d/2", endpoint),
	}, opts, device.WithUI(s.ui))
	s.InitState(device.State{KeySwitch: false, KeyPower: 0.0})

	s.Handle(ActionOn, func(ctx context.Context, _ ...any) error {
		return s.SetState(ctx, device.State{KeySwitch: true})
	})
	s.Handle(ActionOff, func(ctx context.Context, _ ...any) error {
		return s.SetState(ctx, device.State{KeySwitch: false})
	})
	s.Handle(ActionToggle, func(ctx context.Context, _ ...any) error {
		return s.SetState(ctx, device.State{KeySwitch: !boolValue(s.Device, KeySwitch)})
	})
	if err := s.subscribe(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ZWSwitch) ui() any {
	return map[string]any{
		"rightIcon":   "indeterminate_check_box",
		"rightAction": ActionToggle,
		"ui": []any{
			map[string]any{"class": "Switch", "props": map[string]any{"label": "On"}, "state": KeySwitch},
			map[string]any{"class": "Text", "props": map[string]any{"label": "Power", "format": "{:1} W"}, "state": KeyPower},
		},
	}
}

// ZWDimmer is a multilevel switch. switch and resumelevel are derived
// from the reported level.
type ZWDimmer struct {
	*zwave
}

// NewZWDimmer creates the driver for node.
func NewZWDimmer(id string, node int, prefix string, ps PubSub, qos byte, opts ...device.Option) (*ZWDimmer, error) {
	d := &ZWDimmer{}
	d.zwave = newZWave(id, node, prefix, ps, qos, map[string]string{
		KeyLevel: "38/1/0",
		KeyPower: "50/1/2",
	}, opts, device.WithUI(d.ui))
	d.derive = deriveDimmer
	d.rewrite = d.levelRequest
	d.InitState(device.State{KeySwitch: false, KeyLevel: 0.0, KeyPower: 0.0, KeyResumeLevel: float64(zwaveMaxLevel)})

	d.Handle(ActionOn, func(ctx context.Context, _ ...any) error { return d.On(ctx) })
	d.Handle(ActionOff, func(ctx context.Context, _ ...any) error { return d.Off(ctx) })
	d.Handle(ActionToggle, func(ctx context.Context, _ ...any) error {
		if boolValue(d.Device, KeySwitch) {
			return d.Off(ctx)
		}
		return d.On(ctx)
	})
	d.Handle("brightness", func(ctx context.Context, args ...any) error {
		level, err := device.ArgFloat(args, 0)
		if err != nil {
			return err
		}
		return d.Brightness(ctx, level)
	})
	d.Handle("dim_up", func(ctx context.Context, args ...any) error {
		step, err := device.ArgFloatOr(args, 0, 10)
		if err != nil {
			return err
		}
		level, _ := floatValue(d.Device, KeyLevel)
		return d.Brightness(ctx, level+step)
	})
	d.Handle("dim_down", func(ctx context.Context, args ...any) error {
		step, err := device.ArgFloatOr(args, 0, 10)
		if err != nil {
			return err
		}
		level, _ := floatValue(d.Device, KeyLevel)
		return d.Brightness(ctx, level-step)
	})

	if err := d.subscribe(); err != nil {
		return nil, err
	}
	return d, nil
}

// On restores the last non-zero level, or full brightness.
func (d *ZWDimmer) On(ctx context.Context) error {
	level, ok := floatValue(d.Device, KeyResumeLevel)
	if !ok || level < 0.01 {
		level = zwaveMaxLevel
	}
	return d.zwave.command(ctx, device.State{KeyLevel: level})
}

// Off sets the level to zero.
func (d *ZWDimmer) Off(ctx context.Context) error {
	return d.zwave.command(ctx, device.State{KeyLevel: 0.0})
}

// Brightness sets the level, clamped to 0..99.
func (d *ZWDimmer) Brightness(ctx context.Context, level float64) error {
	return d.zwave.command(ctx, device.State{KeyLevel: math.Round(clamp(level, 0, zwaveMaxLevel))})
}

// levelRequest rewrites a requested switch value as a level.
func (d *ZWDimmer) levelRequest(partial device.State) device.State {
	out := partial.DeepCopy()
	v, ok := out[KeySwitch]
	if !ok {
		return out
	}
	delete(out, KeySwitch)
	if on, _ := v.(bool); on {
		level, ok := floatValue(d.Device, KeyResumeLevel)
		if !ok || level < 0.01 {
			level = zwaveMaxLevel
		}
		out[KeyLevel] = level
	} else {
		out[KeyLevel] = 0.0
	}
	return out
}

// deriveDimmer fills switch and resumelevel from a reported level.
func deriveDimmer(partial device.State) {
	v, ok := partial[KeyLevel]
	if !ok {
		return
	}
	level, ok := v.(float64)
	if !ok {
		return
	}
	partial[KeySwitch] = level > 0.01
	if level > 0.01 {
		partial[KeyResumeLevel] = level
	}
}

func (d *ZWDimmer) ui() any {
	return map[string]any{
		"rightIcon":   "indeterminate_check_box",
		"rightAction": ActionToggle,
		"ui": []any{
			map[string]any{"class": "Switch", "props": map[string]any{"label": "On"}, "state": KeySwitch},
			map[string]any{
				"class": "Slider",
				"props": map[string]any{"label": "Brightness", "min": 0, "max": zwaveMaxLevel, "step": 1},
				"state": KeyLevel,
			},
			map[string]any{"class": "Text", "props": map[string]any{"label": "Power", "format": "{:1} W"}, "state": KeyPower},
		},
	}
}
