package drivers

import (
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/nerrad567/hearth/internal/device"
	"github.com/nerrad567/hearth/internal/infrastructure/config"
)

// Driver names accepted in device configs.
const (
	DriverSonOff         = "sonoff"
	DriverMQTTBlinds     = "mqtt_blinds"
	DriverZWThermostat   = "zw_thermostat"
	DriverZWSwitch       = "zw_switch"
	DriverZWDimmer       = "zw_dimmer"
	DriverZHALight       = "zha_light"
	DriverZHALightCT     = "zha_light_ct"
	DriverZHASwitch      = "zha_switch"
	DriverZHATemperature = "zha_temperature"
	DriverZHAHumidity    = "zha_humidity"
	DriverZHAOpenClose   = "zha_open_close"
	DriverZHAPresence    = "zha_presence"
	DriverSectorAlarm    = "sector_alarm"
)

var sensorKinds = map[string]string{
	DriverZHATemperature: SensorTemperature,
	DriverZHAHumidity:    SensorHumidity,
	DriverZHAOpenClose:   SensorOpenClose,
	DriverZHAPresence:    SensorPresence,
}

// Env carries the transports drivers are built on. Nil fields disable the
// drivers that need them.
type Env struct {
	PubSub      PubSub
	QoS         byte
	ZWavePrefix string

	Gateway Gateway
	Alarm   AlarmSession

	AlarmSyncInterval time.Duration

	// Options returns the engine options for a device, such as its journal
	// and sink.
	Options func(id string) []device.Option
}

type mqttParams struct {
	Name string `mapstructure:"name"`
}

type zwaveParams struct {
	Node     int    `mapstructure:"node"`
	Endpoint int    `mapstructure:"endpoint"`
	Prefix   string `mapstructure:"prefix"`
}

type zhaParams struct {
	UniqueID string `mapstructure:"uniqueid"`
}

// Build creates the device a config entry describes.
func Build(cfg config.DeviceConfig, env Env) (device.Entity, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("%w: device id is required", ErrInvalidParams)
	}
	var opts []device.Option
	if env.Options != nil {
		opts = env.Options(cfg.ID)
	}

	switch cfg.Driver {
	case DriverSonOff, DriverMQTTBlinds:
		var p mqttParams
		if err := decodeParams(cfg, &p); err != nil {
			return nil, err
		}
		if p.Name == "" {
			p.Name = cfg.Name
		}
		if p.Name == "" {
			return nil, fmt.Errorf("%w: %s: name is required", ErrInvalidParams, cfg.ID)
		}
		if env.PubSub == nil {
			return nil, fmt.Errorf("%w: %s needs mqtt", ErrMissingDependency, cfg.ID)
		}
		if cfg.Driver == DriverSonOff {
			return entity[*SonOff](NewSonOff(cfg.ID, p.Name, env.PubSub, env.QoS, opts...))
		}
		return entity[*MQTTBlinds](NewMQTTBlinds(cfg.ID, p.Name, env.PubSub, env.QoS, opts...))

	case DriverZWThermostat, DriverZWSwitch, DriverZWDimmer:
		var p zwaveParams
		if err := decodeParams(cfg, &p); err != nil {
			return nil, err
		}
		if p.Node <= 0 {
			return nil, fmt.Errorf("%w: %s: node is required", ErrInvalidParams, cfg.ID)
		}
		if env.PubSub == nil {
			return nil, fmt.Errorf("%w: %s needs mqtt", ErrMissingDependency, cfg.ID)
		}
		prefix := p.Prefix
		if prefix == "" {
			prefix = env.ZWavePrefix
		}
		switch cfg.Driver {
		case DriverZWThermostat:
			return entity[*ZWThermostat](NewZWThermostat(cfg.ID, p.Node, prefix, env.PubSub, env.QoS, opts...))
		case DriverZWSwitch:
			return entity[*ZWSwitch](NewZWSwitch(cfg.ID, p.Node, p.Endpoint, prefix, env.PubSub, env.QoS, opts...))
		default:
			return entity[*ZWDimmer](NewZWDimmer(cfg.ID, p.Node, prefix, env.PubSub, env.QoS, opts...))
		}

	case DriverZHALight, DriverZHALightCT, DriverZHASwitch,
		DriverZHATemperature, DriverZHAHumidity, DriverZHAOpenClose, DriverZHAPresence:
		var p zhaParams
		if err := decodeParams(cfg, &p); err != nil {
			return nil, err
		}
		if p.UniqueID == "" {
			return nil, fmt.Errorf("%w: %s: uniqueid is required", ErrInvalidParams, cfg.ID)
		}
		if env.Gateway == nil {
			return nil, fmt.Errorf("%w: %s needs deconz", ErrMissingDependency, cfg.ID)
		}
		switch cfg.Driver {
		case DriverZHALight:
			return entity[*ZHALight](NewZHALight(cfg.ID, p.UniqueID, env.Gateway, opts...))
		case DriverZHALightCT:
			return entity[*ZHALightCT](NewZHALightCT(cfg.ID, p.UniqueID, env.Gateway, opts...))
		case DriverZHASwitch:
			return entity[*ZHASwitch](NewZHASwitch(cfg.ID, p.UniqueID, env.Gateway, opts...))
		default:
			return entity[*ZHASensor](NewZHASensor(cfg.ID, p.UniqueID, sensorKinds[cfg.Driver], env.Gateway, opts...))
		}

	case DriverSectorAlarm:
		if env.Alarm == nil {
			return nil, fmt.Errorf("%w: %s needs the alarm panel", ErrMissingDependency, cfg.ID)
		}
		return NewSectorAlarm(cfg.ID, env.Alarm, env.AlarmSyncInterval, opts...), nil
	}

	return nil, fmt.Errorf("%w: %q (device %s)", ErrUnknownDriver, cfg.Driver, cfg.ID)
}

// entity converts a constructor result, keeping a failed build a nil Entity.
func entity[T device.Entity](e T, err error) (device.Entity, error) {
	if err != nil {
		return nil, err
	}
	return e, nil
}

// decodeParams decodes cfg.Params into out, accepting numbers written as strings.
func decodeParams(cfg config.DeviceConfig, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           out,
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidParams, cfg.ID, err)
	}
	if err := dec.Decode(cfg.Params); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidParams, cfg.ID, err)
	}
	return nil
}
