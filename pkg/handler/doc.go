// Package handler defines the Handlers observation interface invoked at the
// four points in the GCode pipeline: gcode-received, gcode-sent,
// response-received, and response-sent. NoopHandlers gives the zero-value
// no-op implementation; ChainHandlers composes a list of Handlers, calling
// each in order and isolating the pipeline from a handler that panics.
package handler
