// Package log provides structured event logging for the GCode proxy.
//
// This package defines the Logger interface and Event types for capturing
// proxy-level events at multiple layers (session, trigger, server). It is
// separate from operational logging (slog) - event capture provides a
// complete machine-readable trace of every command, response, and trigger
// for debugging and operator tooling.
//
// # Basic Usage
//
// Applications configure logging by providing a Logger implementation:
//
//	// For development: log to console via slog
//	logger := log.NewSlogAdapter(slog.Default(), os.Stderr)
//
//	// For production: append to a durable CBOR event log
//	fileLogger, _ := log.NewFileLogger("/var/log/gcode-proxy/events.clog")
//
//	// Both: use MultiLogger
//	logger := log.NewMultiLogger(
//	    log.NewSlogAdapter(slog.Default(), os.Stderr),
//	    fileLogger,
//	)
//
// # Event Types
//
// Events are captured at three layers: Session (commands/responses on the
// serial channel), Trigger (subprocess spawns), and Server (connection
// lifecycle). Trigger log lines follow the fixed format required by
// spec.md §6; every other event is rendered through slog.
package log
