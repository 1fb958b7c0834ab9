package drivers

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/nerrad567/hearth/internal/bridges/deconz"
	"github.com/nerrad567/hearth/internal/device"
)

// ZHA state keys.
const (
	KeyBrightness  = "bri"
	KeyColorTemp   = "ct"
	KeyButtonEvent = "buttonevent"

	keyTransitionTime = "transitiontime"
)

const (
	zhaMaxBrightness = 255
	zhaMinColorTemp  = 250
	zhaMaxColorTemp  = 454
	zhaLowBattery    = 20
)

// Gateway is the part of the deCONZ client the ZHA drivers use.
// *deconz.Client satisfies it.
type Gateway interface {
	Node(uniqueID string) (deconz.Node, error)
	AddListener(uniqueID string, fn deconz.Listener) error
	Put(ctx context.Context, endpoint string, body, out any) error
}

// zha is the shared core of the Zigbee drivers.
type zha struct {
	*device.Device

	gw       Gateway
	uniqueID string
	node     deconz.Node

	// onReport replaces the default report handling when set.
	onReport func(state map[string]any)
}

func newZHA(id, uniqueID string, gw Gateway, opts []device.Option, extra ...device.Option) (*zha, error) {
	node, err := gw.Node(uniqueID)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", id, err)
	}
	z := &zha{gw: gw, uniqueID: uniqueID, node: node}
	base := append([]device.Option{device.WithCommander(device.CommanderFunc(z.command))}, extra...)
	z.Device = device.New(id, append(base, opts...)...)
	return z, nil
}

// start seeds the state from the node record and subscribes to pushes.
func (z *zha) start() error {
	seed := device.State{}
	for k, v := range z.node.State {
		seed[k] = v
	}
	if battery, ok := z.node.Config[device.KeyBattery]; ok {
		seed[device.KeyBattery] = battery
	}
	z.UpdateState(seed, false)

	if err := z.gw.AddListener(z.uniqueID, z.onMessage); err != nil {
		return fmt.Errorf("listening on %s: %w", z.ID(), err)
	}
	return nil
}

func (z *zha) onMessage(msg deconz.Message) {
	if battery, ok := msg.Config[device.KeyBattery]; ok {
		z.UpdateState(device.State{device.KeyBattery: battery}, true)
	}
	if msg.State == nil {
		return
	}
	if z.onReport != nil {
		z.onReport(msg.State)
		return
	}
	z.UpdateState(msg.State, true)
}

// command sends the request to the gateway and applies at once the keys the
// node already reports. Others, such as transitiontime, are not state.
func (z *zha) command(ctx context.Context, partial device.State) error {
	endpoint := z.node.Endpoint + "/" + z.node.ID + "/state"
	if err := z.gw.Put(ctx, endpoint, map[string]any(partial), nil); err != nil {
		return err
	}
	current := z.State()
	known := device.State{}
	for k, v := range partial {
		if _, ok := current[k]; ok {
			known[k] = v
		}
	}
	if len(known) > 0 {
		z.UpdateState(known, false)
	}
	return nil
}

// ZHALight is a dimmable Zigbee light.
type ZHALight struct {
	*zha
}

// NewZHALight creates the driver for the light with uniqueID.
func NewZHALight(id, uniqueID string, gw Gateway, opts ...device.Option) (*ZHALight, error) {
	l := &ZHALight{}
	z, err := newZHA(id, uniqueID, gw, opts, device.WithUI(l.ui))
	if err != nil {
		return nil, err
	}
	l.zha = z
	l.registerLightActions()
	if err := l.start(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *ZHALight) registerLightActions() {
	l.Handle(ActionOn, func(ctx context.Context, _ ...any) error {
		return l.SetState(ctx, device.State{KeyOn: true})
	})
	l.Handle(ActionOff, func(ctx context.Context, _ ...any) error {
		return l.SetState(ctx, device.State{KeyOn: false})
	})
	l.Handle(ActionToggle, func(ctx context.Context, _ ...any) error {
		return l.SetState(ctx, device.State{KeyOn: !boolValue(l.Device, KeyOn)})
	})
	l.Handle("brightness", func(ctx context.Context, args ...any) error {
		bri, err := device.ArgFloat(args, 0)
		if err != nil {
			return err
		}
		tt, err := device.ArgFloatOr(args, 1, 0)
		if err != nil {
			return err
		}
		return l.Brightness(ctx, bri, tt)
	})
	l.Handle("dim_up", func(ctx context.Context, args ...any) error {
		return l.dim(ctx, args, 1)
	})
	l.Handle("dim_down", func(ctx context.Context, args ...any) error {
		return l.dim(ctx, args, -1)
	})
}

// Brightness sets bri, clamped to 0..255, over transitionTime tenths of a second.
func (l *ZHALight) Brightness(ctx context.Context, bri, transitionTime float64) error {
	return l.SetState(ctx, device.State{
		KeyBrightness:     math.Round(clamp(bri, 0, zhaMaxBrightness)),
		keyTransitionTime: transitionTime,
	})
}

// dim moves brightness by a percentage of the full range.
func (l *ZHALight) dim(ctx context.Context, args []any, sign float64) error {
	percent, err := device.ArgFloatOr(args, 0, 10)
	if err != nil {
		return err
	}
	tt, err := device.ArgFloatOr(args, 1, 0)
	if err != nil {
		return err
	}
	bri, _ := floatValue(l.Device, KeyBrightness)
	return l.Brightness(ctx, bri+sign*zhaMaxBrightness*percent/100, tt)
}

func (l *ZHALight) ui() any {
	return map[string]any{
		"rightIcon":   "indeterminate_check_box",
		"rightAction": ActionToggle,
		"ui":          l.uiRows(),
	}
}

func (l *ZHALight) uiRows() []any {
	return []any{
		map[string]any{"class": "Toggle", "props": map[string]any{"label": "On"}, "state": KeyOn},
		map[string]any{
			"class": "Slider",
			"props": map[string]any{"label": "Brightness", "min": 0, "max": zhaMaxBrightness, "step": 1},
			"state": KeyBrightness,
		},
	}
}

// ZHALightCT is a light with adjustable colour temperature.
type ZHALightCT struct {
	*ZHALight
}

// NewZHALightCT creates the driver for the light with uniqueID.
func NewZHALightCT(id, uniqueID string, gw Gateway, opts ...device.Option) (*ZHALightCT, error) {
	l := &ZHALightCT{ZHALight: &ZHALight{}}
	z, err := newZHA(id, uniqueID, gw, opts, device.WithUI(l.ui))
	if err != nil {
		return nil, err
	}
	l.zha = z
	l.registerLightActions()

	l.Handle("temperature", func(ctx context.Context, args ...any) error {
		ct, err := device.ArgFloat(args, 0)
		if err != nil {
			return err
		}
		tt, err := device.ArgFloatOr(args, 1, 0)
		if err != nil {
			return err
		}
		return l.Temperature(ctx, ct, tt)
	})
	l.Handle("warmer", func(ctx context.Context, args ...any) error {
		return l.shiftTemperature(ctx, args, 1)
	})
	l.Handle("colder", func(ctx context.Context, args ...any) error {
		return l.shiftTemperature(ctx, args, -1)
	})

	if err := l.start(); err != nil {
		return nil, err
	}
	return l, nil
}

// Temperature sets ct in mireds, clamped to the lamp's range.
func (l *ZHALightCT) Temperature(ctx context.Context, ct, transitionTime float64) error {
	return l.SetState(ctx, device.State{
		KeyColorTemp:      math.Round(clamp(ct, zhaMinColorTemp, zhaMaxColorTemp)),
		keyTransitionTime: transitionTime,
	})
}

// shiftTemperature moves ct by a percentage of the range; higher mireds are warmer.
func (l *ZHALightCT) shiftTemperature(ctx context.Context, args []any, sign float64) error {
	percent, err := device.ArgFloatOr(args, 0, 10)
	if err != nil {
		return err
	}
	tt, err := device.ArgFloatOr(args, 1, 0)
	if err != nil {
		return err
	}
	ct, _ := floatValue(l.Device, KeyColorTemp)
	return l.Temperature(ctx, ct+sign*(zhaMaxColorTemp-zhaMinColorTemp)*percent/100, tt)
}

func (l *ZHALightCT) ui() any {
	rows := append(l.uiRows(), map[string]any{
		"class": "Slider",
		"props": map[string]any{"label": "Temperature", "min": zhaMinColorTemp, "max": zhaMaxColorTemp, "step": 1},
		"state": KeyColorTemp,
	})
	return map[string]any{
		"rightIcon":   "indeterminate_check_box",
		"rightAction": ActionToggle,
		"ui":          rows,
	}
}

// buttonEvents maps remote button codes to the events they emit.
var buttonEvents = map[int]string{
	1002: "toggle",
	1001: "toggle_hold",
	2001: "up_move",
	2002: "up",
	2003: "up_stop",
	3001: "down_move",
	3002: "down",
	3003: "down_stop",
	4001: "left_move",
	4002: "left",
	4003: "left_stop",
	5001: "right_move",
	5002: "right",
	5003: "right_stop",
}

// ZHASwitch is a battery remote. Button presses become bus events rather
// than state.
type ZHASwitch struct {
	*zha
}

// NewZHASwitch creates the driver for the remote with uniqueID.
func NewZHASwitch(id, uniqueID string, gw Gateway, opts ...device.Option) (*ZHASwitch, error) {
	s := &ZHASwitch{}
	z, err := newZHA(id, uniqueID, gw, opts, device.WithUI(s.ui), device.WithLowBatteryAlert(zhaLowBattery))
	if err != nil {
		return nil, err
	}
	s.zha = z
	s.onReport = s.report
	if err := s.start(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ZHASwitch) report(state map[string]any) {
	raw, ok := state[KeyButtonEvent]
	if !ok {
		s.UpdateState(state, true)
		return
	}
	code, ok := raw.(float64)
	if !ok {
		s.Logger().Warn("ignoring non-numeric button event", "device_id", s.ID(), "value", raw)
		return
	}
	if name, ok := buttonEvents[int(code)]; ok {
		s.Event(name)
	} else {
		s.Logger().Debug("unmapped button event", "device_id", s.ID(), "code", int(code))
	}
	s.UpdateState(device.State{}, true)
}

func (s *ZHASwitch) ui() any {
	return map[string]any{
		"ui": []any{
			map[string]any{"class": "Text", "props": map[string]any{"label": "Battery", "format": "{} %"}, "state": device.KeyBattery},
		},
	}
}

// Sensor kinds and the state key each one reports.
const (
	SensorTemperature = "temperature"
	SensorHumidity    = "humidity"
	SensorOpenClose   = "open"
	SensorPresence    = "presence"
)

// ZHASensor is a battery sensor reporting one main value.
type ZHASensor struct {
	*zha

	key     string
	divisor float64
}

// NewZHASensor creates the driver for a sensor of the given kind.
// Temperature and humidity are reported in hundredths.
func NewZHASensor(id, uniqueID, kind string, gw Gateway, opts ...device.Option) (*ZHASensor, error) {
	s := &ZHASensor{key: kind, divisor: 1}
	switch kind {
	case SensorTemperature, SensorHumidity:
		s.divisor = 100
	case SensorOpenClose, SensorPresence:
	default:
		return nil, fmt.Errorf("%w: unknown sensor kind %q", ErrInvalidParams, kind)
	}
	z, err := newZHA(id, uniqueID, gw, opts, device.WithUI(s.ui), device.WithLowBatteryAlert(zhaLowBattery))
	if err != nil {
		return nil, err
	}
	s.zha = z
	if err := s.start(); err != nil {
		return nil, err
	}
	return s, nil
}

// Value returns the main reading scaled to its natural unit.
func (s *ZHASensor) Value() (float64, bool) {
	if s.divisor == 1 {
		if b, ok := s.State()[s.key].(bool); ok {
			if b {
				return 1, true
			}
			return 0, true
		}
	}
	v, ok := floatValue(s.Device, s.key)
	return v / s.divisor, ok
}

func (s *ZHASensor) ui() any {
	since := s.Scheduler().Now().Add(-time.Hour)
	return map[string]any{
		"ui": []any{
			map[string]any{"class": "C3Chart", "state": "plotdata", "props": map[string]any{"height": 200}},
			map[string]any{"class": "Text", "props": map[string]any{"label": "Battery", "format": "{} %"}, "state": device.KeyBattery},
		},
		"state": map[string]any{"plotdata": series(s.History(), s.key, since, s.divisor)},
	}
}
