// Package logging provides structured logging for the Hearth hub.
//
// This package wraps Go's standard log/slog package so that every
// component logs with the same fields and format.
//
// # Features
//
//   - JSON output for production, text output for development
//   - Default fields (service, version) on all log entries
//   - Component and device scoping via Component and Device
//   - Level-based filtering (debug, info, warn, error)
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, version)
//	logger.Info("starting hub", "devices", len(cfg.Devices))
//	lamp := logger.Device("lamp1")
//	lamp.Warn("device unreachable")
//
// Never log secrets: MQTT passwords, the deCONZ API key and alarm
// credentials stay out of log fields.
package logging
