package proxy

import (
	"bufio"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nc-tools/gcodeproxy/pkg/handler"
	"github.com/nc-tools/gcodeproxy/pkg/log"
	"github.com/nc-tools/gcodeproxy/pkg/session"
)

// DeviceSubmitter is the subset of session.Session a ClientConnection needs.
// forward, passed to Submit, delivers out-of-band informational lines to
// the client ahead of the command's terminal response.
type DeviceSubmitter interface {
	Submit(client handler.ClientInfo, line string, forward func(string)) (string, error)
}

// ClientConnection owns one accepted TCP socket. It reads newline-delimited
// GCode lines and submits them to the device session strictly one at a
// time, awaiting each response before reading the next line.
type ClientConnection struct {
	conn     net.Conn
	session  DeviceSubmitter
	handlers handler.Handlers
	logger   log.Logger

	info ClientInfo

	closeOnce sync.Once
}

// ClientInfo identifies a connection for logging and handler hooks.
type ClientInfo = handler.ClientInfo

// newClientConnection wraps an accepted net.Conn.
func newClientConnection(conn net.Conn, session DeviceSubmitter, handlers handler.Handlers, logger log.Logger) *ClientConnection {
	info := handler.ClientInfo{
		ConnectionID: uuid.NewString(),
		RemoteAddr:   conn.RemoteAddr().String(),
	}
	return &ClientConnection{
		conn:     conn,
		session:  session,
		handlers: handlers,
		logger:   logger,
		info:     info,
	}
}

// Info returns the connection's identity.
func (c *ClientConnection) Info() handler.ClientInfo {
	return c.info
}

// Close closes the underlying socket. Safe to call multiple times and
// concurrently with itself.
func (c *ClientConnection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}

// serve reads lines until the socket closes or a fatal write error occurs.
// It logs connect/disconnect state changes and returns when done; callers
// run it in its own goroutine.
func (c *ClientConnection) serve() {
	c.logState("", "CONNECTED")
	defer c.logState("CONNECTED", "DISCONNECTED")
	defer c.Close()

	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}

		rewritten := c.handlers.OnGCodeReceived(c.info, line)
		if rewritten == "" {
			continue
		}

		resp, err := c.session.Submit(c.info, rewritten, func(line string) { c.writeLine(line) })
		if err != nil {
			// DeviceTimeout: synthesise the fixed error:timeout response and
			// keep the connection and pipeline running (spec.md §7/§8(f)).
			if errors.Is(err, session.ErrDeviceTimeout) {
				c.writeLine("error:timeout")
				continue
			}
			// ErrServiceStopped or a transport failure: the device session
			// is stopping or gone. This connection cannot make further
			// progress; terminate it rather than leak internal error text.
			return
		}

		if !c.writeLine(resp) {
			return
		}
		c.handlers.OnResponseSent(c.info, resp)
	}
}

// writeLine writes line followed by a newline to the client socket. It
// reports whether the write succeeded.
func (c *ClientConnection) writeLine(line string) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return false
	}
	if _, err := c.conn.Write([]byte(line + "\n")); err != nil {
		return false
	}
	return true
}

func (c *ClientConnection) logState(oldState, newState string) {
	c.logger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: c.info.ConnectionID,
		RemoteAddr:   c.info.RemoteAddr,
		Layer:        log.LayerServer,
		Category:     log.CategoryState,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityConnection,
			OldState: oldState,
			NewState: newState,
		},
	})
}

const writeTimeout = 5 * time.Second
