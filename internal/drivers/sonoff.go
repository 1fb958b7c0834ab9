package drivers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nerrad567/hearth/internal/device"
)

const (
	sonoffPingReachable   = 60 * time.Second
	sonoffPingUnreachable = 30 * time.Second
)

// SonOff is a Tasmota-flashed relay controlled over MQTT.
type SonOff struct {
	*device.Device

	name string
	ps   PubSub
	qos  byte
}

// NewSonOff creates the driver and subscribes to the relay's power reports.
// name is the Tasmota topic name.
func NewSonOff(id, name string, ps PubSub, qos byte, opts ...device.Option) (*SonOff, error) {
	s := &SonOff{name: name, ps: ps, qos: qos}
	base := []device.Option{
		device.WithCommander(device.CommanderFunc(s.command)),
		device.WithUI(s.ui),
	}
	s.Device = device.New(id, append(base, opts...)...)
	s.InitState(device.State{KeyOn: false})

	s.Handle(ActionOn, func(ctx context.Context, _ ...any) error { return s.On(ctx) })
	s.Handle(ActionOff, func(ctx context.Context, _ ...any) error { return s.Off(ctx) })
	s.Handle(ActionToggle, func(ctx context.Context, _ ...any) error { return s.Toggle(ctx) })

	if err := ps.Subscribe(topics.TasmotaPower(name), qos, s.onPower); err != nil {
		return nil, fmt.Errorf("subscribing %s: %w", id, err)
	}
	return s, nil
}

// On switches the relay on.
func (s *SonOff) On(context.Context) error { return s.power("on") }

// Off switches the relay off.
func (s *SonOff) Off(context.Context) error { return s.power("off") }

// Toggle inverts the last reported power state.
func (s *SonOff) Toggle(ctx context.Context) error {
	if boolValue(s.Device, KeyOn) {
		return s.Off(ctx)
	}
	return s.On(ctx)
}

func (s *SonOff) power(value string) error {
	s.ExpectUpdate(expectWindow)
	return s.ps.Publish(topics.TasmotaCommand(s.name), []byte(value), s.qos, false)
}

func (s *SonOff) command(ctx context.Context, partial device.State) error {
	v, ok := partial[KeyOn]
	if !ok {
		return nil
	}
	on, ok := v.(bool)
	if !ok {
		return fmt.Errorf("%w: on must be a bool, got %T", device.ErrInvalidArgument, v)
	}
	if on {
		return s.On(ctx)
	}
	return s.Off(ctx)
}

func (s *SonOff) onPower(_ string, payload []byte) error {
	s.UpdateState(device.State{KeyOn: strings.TrimSpace(string(payload)) == "ON"}, true)
	return nil
}

// Run polls the relay so reachability is noticed even when nothing changes.
// An empty power command makes Tasmota report its current state.
func (s *SonOff) Run(ctx context.Context) {
	for {
		s.ExpectUpdate(expectWindow)
		if err := s.ps.Publish(topics.TasmotaCommand(s.name), nil, s.qos, false); err != nil {
			s.Logger().Warn("sonoff ping failed", "device_id", s.ID(), "error", err)
		}
		if !sleep(ctx, s.Scheduler(), pollInterval(s.Device, sonoffPingReachable, sonoffPingUnreachable)) {
			return
		}
	}
}

func (s *SonOff) ui() any {
	since := s.Scheduler().Now().Add(-time.Hour)
	return map[string]any{
		"rightIcon":   "indeterminate_check_box",
		"rightAction": ActionToggle,
		"ui": []any{
			map[string]any{"class": "Toggle", "props": map[string]any{"label": "On"}, "state": KeyOn},
			map[string]any{"class": "C3Chart", "state": "onoffdata", "props": map[string]any{"height": 150}},
		},
		"state": map[string]any{"onoffdata": series(s.History(), KeyOn, since, 1)},
	}
}
