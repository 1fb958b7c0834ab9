// Package telemetry copies device state out of the engine.
//
// A Recorder writes the numeric view of every state change to a
// MetricWriter (the InfluxDB client in production). A StateMirror
// publishes each device's serialized state over MQTT, retained, and
// optionally to NATS subjects, so other systems can follow the house
// without speaking the WebSocket protocol.
//
// Both attach to entities through the statechange event and never block
// the engine: listeners run on the device's event dispatcher.
package telemetry
