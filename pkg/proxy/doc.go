// Package proxy implements the TCP-facing half of the system: a Server
// accepts client connections and hands each to a ClientConnection, which
// reads newline-delimited GCode lines and submits them to a
// session.Session one at a time, writing back whatever response comes out.
// ProxyService composes the trigger engine, device session, and server into
// a single start/stop unit.
package proxy
