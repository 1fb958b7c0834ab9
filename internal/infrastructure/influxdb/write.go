package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WriteDeviceState records one device state change as a single point in
// MeasurementDeviceState, tagged with the device id. Fields are the
// numeric values of the state; callers convert bools beforehand.
//
// Example:
//
//	client.WriteDeviceState("thermostat", map[string]any{"temperature": 21.5, "battery": 80.0}, at)
func (c *Client) WriteDeviceState(deviceID string, fields map[string]any, at time.Time) {
	if len(fields) == 0 {
		return
	}
	c.WritePointWithTime(MeasurementDeviceState, map[string]string{"device_id": deviceID}, fields, at)
}

// WritePoint writes a point stamped now.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any) {
	c.WritePointWithTime(measurement, tags, fields, time.Now())
}

// WritePointWithTime writes a point with an explicit timestamp.
// Points are dropped silently once the client is closed.
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]any, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, timestamp))
}
