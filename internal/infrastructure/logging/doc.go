// Package logging provides structured logging for loxone2mqtt.
//
// This package wraps Go's standard log/slog package so every component logs
// with the same handler, level and default fields.
//
// # Features
//
//   - JSON output (default) or text output
//   - Default fields service=loxone2mqtt and version on every record
//   - Level-based filtering (debug, info, warn, error)
//   - Per-component child loggers
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
//	logger.Component("bridge").Info("structure loaded", "controls", 42)
//
// Never log Miniserver or broker passwords.
package logging
