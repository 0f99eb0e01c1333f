package handler

import (
	"fmt"
	"time"

	"github.com/nc-tools/gcodeproxy/pkg/log"
)

// ChainHandlers composes a list of Handlers, calling each in order. A
// handler that panics is caught and logged; the chain continues with the
// value as it stood before the panicking call, so one faulty observer
// cannot break pipeline fault isolation.
type ChainHandlers struct {
	handlers []Handlers
	logger   log.Logger
}

// NewChainHandlers creates a ChainHandlers over the given handlers, invoked
// in the order supplied. logger receives a CategoryError event for every
// panic caught; pass log.NoopLogger{} to discard them.
func NewChainHandlers(logger log.Logger, handlers ...Handlers) *ChainHandlers {
	return &ChainHandlers{handlers: handlers, logger: logger}
}

func (c *ChainHandlers) OnGCodeReceived(client ClientInfo, line string) string {
	for _, h := range c.handlers {
		line = c.safeRewrite(client, "on_gcode_received", line, func() (out string) {
			return h.OnGCodeReceived(client, line)
		})
	}
	return line
}

func (c *ChainHandlers) OnGCodeSent(client ClientInfo, line string) {
	for _, h := range c.handlers {
		c.safeCall(client, "on_gcode_sent", func() { h.OnGCodeSent(client, line) })
	}
}

func (c *ChainHandlers) OnResponseReceived(client ClientInfo, response, command string) string {
	for _, h := range c.handlers {
		response = c.safeRewrite(client, "on_response_received", response, func() string {
			return h.OnResponseReceived(client, response, command)
		})
	}
	return response
}

func (c *ChainHandlers) OnResponseSent(client ClientInfo, response string) {
	for _, h := range c.handlers {
		c.safeCall(client, "on_response_sent", func() { h.OnResponseSent(client, response) })
	}
}

// safeRewrite invokes fn and returns its result, or the unmodified value if
// fn panics.
func (c *ChainHandlers) safeRewrite(client ClientInfo, hook, unmodified string, fn func() string) (result string) {
	defer func() {
		if r := recover(); r != nil {
			c.logPanic(client, hook, r)
			result = unmodified
		}
	}()
	return fn()
}

// safeCall invokes fn, catching and logging any panic.
func (c *ChainHandlers) safeCall(client ClientInfo, hook string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logPanic(client, hook, r)
		}
	}()
	fn()
}

func (c *ChainHandlers) logPanic(client ClientInfo, hook string, r any) {
	if c.logger == nil {
		return
	}
	c.logger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: client.ConnectionID,
		RemoteAddr:   client.RemoteAddr,
		Layer:        log.LayerServer,
		Category:     log.CategoryError,
		Error: &log.ErrorEventData{
			Layer:   log.LayerServer,
			Message: fmt.Sprintf("handler panic in %s: %v", hook, r),
			Context: hook,
		},
	})
}

var _ Handlers = (*ChainHandlers)(nil)
