// Package logging provides structured logging for the BlueHome bridge.
//
// This package wraps Go's standard log/slog package to provide
// consistent, structured logging across the entire application.
//
// # Features
//
//   - JSON output for production (machine-parsable)
//   - Text output for development (human-readable)
//   - Default fields (service, version) on all log entries
//   - Level-based filtering (debug, info, warn, error)
//   - stdout, stderr or an append-mode log file
//
// # Configuration
//
//	LOG_LEVEL=info      # debug, info, warn, error
//	LOG_FORMAT=json     # json, text
//
// The -l flag selects a log file and -q forces the warn level.
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	defer logger.Close()
//	logger.Info("bridge started", "devices", 12)
//
// # Security
//
// Never log broker passwords or InfluxDB tokens; config.MQTTConfig redacts
// its password when printed.
package logging
