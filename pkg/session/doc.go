// Package session implements DeviceSession, the single point of access to
// the serial device. It owns the one-in-flight dispatcher discipline: every
// submitted command is written, then awaited for its terminal response,
// before the next command is written, enforced globally across all client
// connections. A background liveness prober injects status-report requests
// on the same ordering discipline to detect a silently-dead link.
package session
