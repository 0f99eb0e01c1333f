// Package serialio provides line-framed byte I/O over a serial port.
//
// A SerialTransport exposes Open, Close, ReadLine, and WriteLine. Lines are
// UTF-8 text terminated by '\n'; WriteLine appends the terminator and
// ReadLine strips a trailing "\r?\n". RealTransport backs onto an actual OS
// serial device via go.bug.st/serial; DryRunTransport synthesizes GRBL-style
// responses so the rest of the pipeline can be exercised without hardware.
package serialio
