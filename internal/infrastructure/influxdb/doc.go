// Package influxdb writes device telemetry to InfluxDB v2.
//
// Every state change whose values are numeric (bools as 0/1) becomes one
// point in the device_metrics measurement, tagged with device_id. Writes
// are non-blocking and batched by the client library; Close flushes.
//
// Configuration:
//
//	influxdb:
//	  enabled: true
//	  url: "http://127.0.0.1:8086"
//	  token: ""            # or HEARTH_INFLUXDB_TOKEN
//	  org: "home"
//	  bucket: "hearth"
//	  batch_size: 100
//	  flush_interval: 10   # seconds
//
// Usage:
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // telemetry off
//	}
//	defer client.Close()
//	client.SetOnError(func(err error) { logger.Warn("influx write failed", "error", err) })
package influxdb
