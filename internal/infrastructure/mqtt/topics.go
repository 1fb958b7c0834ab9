package mqtt

import (
	"fmt"
	"strings"
)

const (
	// TopicPrefixSystem is the base for the hub's own status topics.
	TopicPrefixSystem = "hearth/system"

	// DefaultStatePrefix is where serialized device state is mirrored.
	DefaultStatePrefix = "hearth/state"
)

// Topics provides builders for the topics the hub and its drivers use.
// Device-facing topics follow each firmware's own conventions; only the
// system and state topics live under hearth/.
//
//	topics := mqtt.Topics{}
//	topics.TasmotaCommand("lamp1") // "cmnd/lamp1/power"
type Topics struct{}

// SystemStatus returns the retained online/offline topic.
//
// Example: hearth/system/status
func (Topics) SystemStatus() string {
	return TopicPrefixSystem + "/status"
}

// DeviceState returns the mirror topic for a device's serialized state.
// An empty prefix uses DefaultStatePrefix.
//
// Example: hearth/state/lamp1
func (Topics) DeviceState(prefix, deviceID string) string {
	if prefix == "" {
		prefix = DefaultStatePrefix
	}
	return fmt.Sprintf("%s/%s", strings.TrimSuffix(prefix, "/"), deviceID)
}

// =============================================================================
// Tasmota (SonOff) Topics
// =============================================================================

// TasmotaPower returns the topic a Tasmota relay reports its power state on.
//
// Example: stat/lamp1/POWER
func (Topics) TasmotaPower(name string) string {
	return fmt.Sprintf("stat/%s/POWER", name)
}

// TasmotaCommand returns the topic for power commands to a Tasmota relay.
// An empty payload asks the relay to report its state.
//
// Example: cmnd/lamp1/power
func (Topics) TasmotaCommand(name string) string {
	return fmt.Sprintf("cmnd/%s/power", name)
}

// =============================================================================
// Blind Controller Topics
// =============================================================================

// BlindState returns the topic a blind controller publishes JSON state on.
func (Topics) BlindState(name string) string { return name + "/state" }

// BlindCommand returns the topic for blind commands.
func (Topics) BlindCommand(name string) string { return name + "/command" }

// BlindSendState returns the topic that asks the controller to publish its state.
func (Topics) BlindSendState(name string) string { return name + "/send_state" }

// =============================================================================
// Z-Wave Gateway Topics
// =============================================================================

// ZWaveNode returns the base topic for a node behind a Z-Wave MQTT gateway.
//
// Example: zwave/12
func (Topics) ZWaveNode(prefix string, nodeID int) string {
	return fmt.Sprintf("%s/%d", strings.TrimSuffix(prefix, "/"), nodeID)
}

// ZWaveStatus returns the node status topic under base.
func (Topics) ZWaveStatus(base string) string { return base + "/status" }

// ZWaveValue returns the topic of one value, addressed as
// commandclass/endpoint/index.
//
// Example: zwave/12/37/1/0
func (Topics) ZWaveValue(base, valueTopic string) string {
	return base + "/" + valueTopic
}

// ZWaveSet returns the write topic for one value.
//
// Example: zwave/12/37/1/0/set
func (Topics) ZWaveSet(base, valueTopic string) string {
	return base + "/" + valueTopic + "/set"
}

// TopicMatches reports whether topic matches the subscription filter,
// honouring the + and # wildcards.
func TopicMatches(filter, topic string) bool {
	fp := strings.Split(filter, "/")
	tp := strings.Split(topic, "/")
	for i, f := range fp {
		if f == "#" {
			return i == len(fp)-1
		}
		if i >= len(tp) {
			return false
		}
		if f != "+" && f != tp[i] {
			return false
		}
	}
	return len(fp) == len(tp)
}
