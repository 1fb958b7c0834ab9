package drivers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nerrad567/hearth/internal/device"
	"github.com/nerrad567/hearth/internal/infrastructure/mqtt"
)

// Action and state names shared by several drivers.
const (
	ActionOn     = "on"
	ActionOff    = "off"
	ActionToggle = "toggle"

	KeyOn = "on"
)

// expectWindow is how long a device has to confirm a command before it is
// marked unreachable.
const expectWindow = 10 * time.Second

// topics builds the MQTT topic names the drivers use.
var topics mqtt.Topics

// PubSub is the publish/subscribe transport used by MQTT drivers.
// *mqtt.Client satisfies it.
type PubSub interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// Runner is implemented by drivers with a background loop. Run blocks
// until ctx is cancelled.
type Runner interface {
	Run(ctx context.Context)
}

// publishJSON marshals v and publishes it, not retained.
func publishJSON(ps PubSub, topic string, qos byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s payload: %w", topic, err)
	}
	return ps.Publish(topic, data, qos, false)
}

// sleep waits d on the device's scheduler. It returns false when ctx ends first.
func sleep(ctx context.Context, s device.Scheduler, d time.Duration) bool {
	fired := make(chan struct{})
	h := s.AfterFunc(d, func() { close(fired) })
	select {
	case <-fired:
		return true
	case <-ctx.Done():
		h.Cancel()
		return false
	}
}

// pollInterval picks the next poll delay from the current reachability.
func pollInterval(d *device.Device, reachable, unreachable time.Duration) time.Duration {
	if d.Reachable() {
		return reachable
	}
	return unreachable
}

// boolValue reads a bool state key, false when absent.
func boolValue(d *device.Device, key string) bool {
	v, _ := d.Get(key)
	b, _ := v.(bool)
	return b
}

// floatValue reads a numeric state key.
func floatValue(d *device.Device, key string) (float64, bool) {
	v, ok := d.Get(key)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func clamp(v, lo, hi float64) float64 {
	return max(lo, min(v, hi))
}

// series returns {x, y} points for key over the history entries newer than
// since, oldest first. Values are divided by divisor; bools become 0 or 1.
func series(entries []device.Entry, key string, since time.Time, divisor float64) []map[string]any {
	points := []map[string]any{}
	for _, e := range entries {
		if e.Time.Before(since) {
			continue
		}
		var y float64
		switch v := e.State[key].(type) {
		case bool:
			if v {
				y = 1
			}
		case float64:
			y = v / divisor
		case int:
			y = float64(v) / divisor
		case int64:
			y = float64(v) / divisor
		case uint64:
			y = float64(v) / divisor
		default:
			continue
		}
		points = append(points, map[string]any{"x": e.Time.Local().Format(time.DateTime), "y": y})
	}
	return points
}
