package drivers

import (
	"context"
	"errors"
	"time"

	"github.com/nerrad567/hearth/internal/bridges/alarmpanel"
	"github.com/nerrad567/hearth/internal/device"
)

// Sector alarm state keys.
const (
	KeyArmed        = "armed"
	KeyArmedTime    = "armed_time"
	KeyArmedBy      = "armed_by"
	KeyTemperatures = "temperatures"
)

const (
	defaultAlarmSyncInterval = 600 * time.Second
	alarmPushRetryMin        = 5 * time.Second
	alarmPushRetryMax        = 5 * time.Minute
)

// AlarmSession is the part of the panel client the driver uses.
// *alarmpanel.Client satisfies it.
type AlarmSession interface {
	ArmState(ctx context.Context) (alarmpanel.ArmState, error)
	Temperatures(ctx context.Context) ([]alarmpanel.Temperature, error)
	Listen(ctx context.Context, onEvent func(alarmpanel.Event)) error
}

// SectorAlarm mirrors a cloud alarm panel. It is read-only: SetState is a no-op.
type SectorAlarm struct {
	*device.Device

	session  AlarmSession
	interval time.Duration
}

// NewSectorAlarm creates the driver. A non-positive interval selects the default.
func NewSectorAlarm(id string, session AlarmSession, interval time.Duration, opts ...device.Option) *SectorAlarm {
	if interval <= 0 {
		interval = defaultAlarmSyncInterval
	}
	a := &SectorAlarm{session: session, interval: interval}
	a.Device = device.New(id, append([]device.Option{device.WithUI(a.ui)}, opts...)...)
	a.Handle("sync", func(ctx context.Context, _ ...any) error { return a.Sync(ctx) })
	return a
}

// Sync reads the arm state and temperatures and applies them together.
// Any failure marks the panel unreachable.
func (a *SectorAlarm) Sync(ctx context.Context) error {
	err := a.sync(ctx)
	if err != nil {
		a.Logger().Warn("alarm panel sync failed", "device_id", a.ID(), "error", err)
		a.UpdateState(device.State{device.KeyReachable: false}, false)
	}
	return err
}

func (a *SectorAlarm) sync(ctx context.Context) error {
	arm, err := a.session.ArmState(ctx)
	if err != nil {
		return err
	}
	temps, err := a.session.Temperatures(ctx)
	if err != nil {
		return err
	}
	list := make([]any, 0, len(temps))
	for _, t := range temps {
		list = append(list, map[string]any{
			"serialNo":    t.SerialNo,
			"label":       t.Label,
			"temperature": t.Temperature,
		})
	}
	a.UpdateState(device.State{
		KeyArmed:        arm.Status,
		KeyArmedTime:    arm.Time,
		KeyArmedBy:      arm.User,
		KeyTemperatures: list,
	}, true)
	return nil
}

// Run syncs on the interval, and at once whenever the push stream reports
// an event.
func (a *SectorAlarm) Run(ctx context.Context) {
	trigger := make(chan struct{}, 1)
	go a.listen(ctx, trigger)

	for {
		_ = a.Sync(ctx)
		if !a.wait(ctx, trigger) {
			return
		}
	}
}

// wait blocks until the interval passes or a push arrives.
func (a *SectorAlarm) wait(ctx context.Context, trigger <-chan struct{}) bool {
	fired := make(chan struct{})
	h := a.Scheduler().AfterFunc(a.interval, func() { close(fired) })
	select {
	case <-fired:
		return true
	case <-trigger:
		h.Cancel()
		return true
	case <-ctx.Done():
		h.Cancel()
		return false
	}
}

// listen keeps the push stream open, reconnecting with backoff, until ctx
// ends or pushes are disabled.
func (a *SectorAlarm) listen(ctx context.Context, trigger chan<- struct{}) {
	backoff := alarmPushRetryMin
	for {
		err := a.session.Listen(ctx, func(ev alarmpanel.Event) {
			a.Logger().Debug("alarm panel event", "device_id", a.ID(), "type", ev.Type)
			select {
			case trigger <- struct{}{}:
			default:
			}
		})
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, alarmpanel.ErrPushDisabled) {
			a.Logger().Debug("alarm panel push disabled", "device_id", a.ID())
			return
		}
		a.Logger().Warn("alarm panel push stream lost", "device_id", a.ID(), "error", err, "retry_in", backoff)
		if !sleep(ctx, a.Scheduler(), backoff) {
			return
		}
		backoff = min(backoff*2, alarmPushRetryMax)
	}
}

func (a *SectorAlarm) ui() any {
	return map[string]any{
		"ui": []any{
			map[string]any{"class": "Text", "props": map[string]any{"label": "Armed"}, "state": KeyArmed},
			map[string]any{"class": "Text", "props": map[string]any{"label": "Since"}, "state": KeyArmedTime},
			map[string]any{"class": "Text", "props": map[string]any{"label": "By"}, "state": KeyArmedBy},
			map[string]any{"class": "TemperatureList", "state": KeyTemperatures},
		},
	}
}
