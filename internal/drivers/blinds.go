package drivers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nerrad567/hearth/internal/device"
)

const (
	blindsPollReachable   = 600 * time.Second
	blindsPollUnreachable = 30 * time.Second

	KeyLevel = "level"
)

// Blind actions and the command letter each one sends.
var blindActions = map[string]string{
	"up":   "u",
	"down": "d",
	"stop": "s",
	"zero": "0",
	"one":  "1",
}

// MQTTBlinds is a blind motor controller that reports JSON state over MQTT.
type MQTTBlinds struct {
	*device.Device

	name string
	ps   PubSub
	qos  byte
}

// NewMQTTBlinds creates the driver and subscribes to <name>/state.
func NewMQTTBlinds(id, name string, ps PubSub, qos byte, opts ...device.Option) (*MQTTBlinds, error) {
	b := &MQTTBlinds{name: name, ps: ps, qos: qos}
	base := []device.Option{
		device.WithCommander(device.CommanderFunc(b.command)),
		device.WithUI(b.ui),
	}
	b.Device = device.New(id, append(base, opts...)...)
	b.InitState(device.State{KeyLevel: 0.0})

	for name, letter := range blindActions {
		b.Handle(name, func(context.Context, ...any) error {
			return b.send(map[string]any{"action": letter})
		})
	}
	b.Handle(KeyLevel, func(ctx context.Context, args ...any) error {
		level, err := device.ArgFloat(args, 0)
		if err != nil {
			return err
		}
		return b.Level(ctx, level)
	})

	if err := ps.Subscribe(topics.BlindState(name), qos, b.onState); err != nil {
		return nil, fmt.Errorf("subscribing %s: %w", id, err)
	}
	return b, nil
}

// Level moves the blind to level, 0 fully up and 1 fully down.
func (b *MQTTBlinds) Level(_ context.Context, level float64) error {
	return b.send(map[string]any{"level": level})
}

func (b *MQTTBlinds) send(cmd map[string]any) error {
	b.ExpectUpdate(expectWindow)
	return publishJSON(b.ps, topics.BlindCommand(b.name), b.qos, cmd)
}

func (b *MQTTBlinds) command(ctx context.Context, partial device.State) error {
	if _, ok := partial[KeyLevel]; !ok {
		return nil
	}
	level, err := device.ArgFloat([]any{partial[KeyLevel]}, 0)
	if err != nil {
		return err
	}
	return b.Level(ctx, level)
}

func (b *MQTTBlinds) onState(topic string, payload []byte) error {
	var st device.State
	if err := json.Unmarshal(payload, &st); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrMalformedPayload, topic, err)
	}
	if st == nil {
		return fmt.Errorf("%w: %s: not an object", ErrMalformedPayload, topic)
	}
	b.UpdateState(st, true)
	return nil
}

// Run asks the controller for its state, rarely while it answers and
// often while it does not.
func (b *MQTTBlinds) Run(ctx context.Context) {
	for {
		b.ExpectUpdate(expectWindow)
		if err := b.ps.Publish(topics.BlindSendState(b.name), nil, b.qos, false); err != nil {
			b.Logger().Warn("blinds state request failed", "device_id", b.ID(), "error", err)
		}
		if !sleep(ctx, b.Scheduler(), pollInterval(b.Device, blindsPollReachable, blindsPollUnreachable)) {
			return
		}
	}
}

func (b *MQTTBlinds) ui() any {
	return map[string]any{
		"ui": []any{
			map[string]any{"class": "Button", "props": map[string]any{"label": "Up"}, "action": "up"},
			map[string]any{"class": "Button", "props": map[string]any{"label": "Down"}, "action": "down"},
			map[string]any{"class": "Button", "props": map[string]any{"label": "Stop"}, "action": "stop"},
			map[string]any{
				"class": "Slider",
				"props": map[string]any{"label": "Level", "min": 0, "max": 1, "step": 0.1},
				"state": KeyLevel,
			},
		},
	}
}
