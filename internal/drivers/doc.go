// Package drivers adapts physical devices to the device engine.
//
// Each driver embeds a *device.Device, turns protocol reports into
// UpdateState calls, and installs a Commander that turns requested state
// into protocol commands. Drivers with a poll loop implement Runner.
//
// Transports:
//
//   - SonOff, MQTTBlinds and the Z-Wave drivers publish and subscribe
//     through a PubSub, normally the shared MQTT client.
//   - The ZHA drivers use a deCONZ gateway (Gateway) for REST commands
//     and its push stream for reports.
//   - SectorAlarm polls a cloud alarm session and optionally resyncs on
//     push events.
//
// Build creates any driver from a config.DeviceConfig.
package drivers
