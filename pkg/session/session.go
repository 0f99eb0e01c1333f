package session

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nc-tools/gcodeproxy/pkg/handler"
	"github.com/nc-tools/gcodeproxy/pkg/log"
	"github.com/nc-tools/gcodeproxy/pkg/serialio"
)

// ErrDeviceTimeout indicates a command's terminal response did not arrive
// within its timeout.
var ErrDeviceTimeout = errors.New("session: device did not respond in time")

// ErrServiceStopped indicates the session was stopped before, or while, a
// submission was pending.
var ErrServiceStopped = errors.New("session: service stopped")

const (
	// DefaultQueueCapacity bounds the number of submissions awaiting the
	// dispatcher, applying backpressure to clients once full.
	DefaultQueueCapacity = 50

	// DefaultCommandTimeout bounds how long a non-probe submission waits
	// for its terminal response.
	DefaultCommandTimeout = 10 * time.Second
)

// TriggerNotifier is the subset of trigger.Engine the session depends on.
type TriggerNotifier interface {
	Evaluate(command string)
}

// Config configures a Session's runtime behaviour.
type Config struct {
	// QueueCapacity bounds the submission queue. Zero selects
	// DefaultQueueCapacity.
	QueueCapacity int

	// CommandTimeout bounds how long a submitted command waits for its
	// terminal response. Zero selects DefaultCommandTimeout.
	CommandTimeout time.Duration

	// ProbePeriod is the liveness prober's interval. Zero disables the
	// prober entirely.
	ProbePeriod time.Duration

	// SwallowRealtimeOk discards a bare "ok" received while a liveness
	// probe is in flight, so it is not mistaken for the next real
	// command's acknowledgement. The zero value (false) keeps that "ok" as
	// the probe's terminal response; internal/config defaults the option
	// to true.
	SwallowRealtimeOk bool
}

func (c Config) withDefaults() Config {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = DefaultCommandTimeout
	}
	return c
}

type request struct {
	seq     uint64
	client  handler.ClientInfo
	line    string
	probe   bool
	forward func(string)
	timeout time.Duration
	respCh  chan result
}

type result struct {
	line string
	err  error
}

// Session is the DeviceSession: the sole owner of the SerialTransport,
// dispatching one command at a time in strict submission order.
type Session struct {
	transport serialio.SerialTransport
	triggers  TriggerNotifier
	handlers  handler.Handlers
	logger    log.Logger
	cfg       Config

	queue    chan *request
	incoming chan string

	seq atomic.Uint64

	stopOnce     sync.Once
	stopCh       chan struct{}
	dispatchDone chan struct{}
	readDone     chan struct{}
	livenessDone chan struct{}

	healthy atomic.Bool

	lostOnce        sync.Once
	onTransportLost func()
}

// NewSession constructs a Session. triggers and handlers may be nil; logger
// defaults to a no-op sink.
func NewSession(transport serialio.SerialTransport, triggers TriggerNotifier, handlers handler.Handlers, logger log.Logger, cfg Config) *Session {
	if logger == nil {
		logger = log.NoopLogger{}
	}
	if handlers == nil {
		handlers = handler.NoopHandlers{}
	}
	cfg = cfg.withDefaults()
	s := &Session{
		transport:    transport,
		triggers:     triggers,
		handlers:     handlers,
		logger:       logger,
		cfg:          cfg,
		queue:        make(chan *request, cfg.QueueCapacity),
		incoming:     make(chan string),
		stopCh:       make(chan struct{}),
		dispatchDone: make(chan struct{}),
		readDone:     make(chan struct{}),
		livenessDone: make(chan struct{}),
	}
	s.healthy.Store(true)
	return s
}

// Start opens the transport and starts the read loop, dispatcher, and
// liveness prober.
func (s *Session) Start() error {
	if err := s.transport.Open(); err != nil {
		return err
	}
	go s.readLoop()
	go s.dispatchLoop()
	go s.livenessLoop()
	return nil
}

// Stop halts new processing, lets any in-flight command finish or time out,
// drains the queue (answering every pending submission with
// ErrServiceStopped), stops the liveness prober, and closes the transport.
func (s *Session) Stop() error {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	<-s.dispatchDone
	<-s.livenessDone
	err := s.transport.Close()
	<-s.readDone
	return err
}

// Healthy reports whether the most recent liveness probe succeeded. It is
// always true when the prober is disabled.
func (s *Session) Healthy() bool {
	return s.healthy.Load()
}

// OnTransportLost registers fn to run, in its own goroutine, at most once
// if the transport fails at runtime rather than via a deliberate Stop
// (e.g. the device is unplugged). Per spec.md §7's TransportClosed
// (Runtime) policy, fn is expected to stop the owning service. Must be
// called before Start.
func (s *Session) OnTransportLost(fn func()) {
	s.onTransportLost = fn
}

// Submit enqueues a GCode line on behalf of client and blocks until its
// terminal response arrives, the command times out, or the session stops.
// forward, if non-nil, is invoked with any informational lines received
// while this command is in flight, ahead of the terminal response.
func (s *Session) Submit(client handler.ClientInfo, line string, forward func(string)) (string, error) {
	return s.submit(client, line, false, forward, s.cfg.CommandTimeout)
}

func (s *Session) submit(client handler.ClientInfo, line string, probe bool, forward func(string), timeout time.Duration) (string, error) {
	req := &request{
		seq:     s.seq.Add(1),
		client:  client,
		line:    line,
		probe:   probe,
		forward: forward,
		timeout: timeout,
		respCh:  make(chan result, 1),
	}

	select {
	case s.queue <- req:
	case <-s.stopCh:
		return "", ErrServiceStopped
	}

	select {
	case res := <-req.respCh:
		return res.line, res.err
	case <-s.dispatchDone:
		// A request answered while draining is already buffered in respCh;
		// one enqueued after the drain is never answered.
		select {
		case res := <-req.respCh:
			return res.line, res.err
		default:
			return "", ErrServiceStopped
		}
	}
}

func (s *Session) dispatchLoop() {
	defer close(s.dispatchDone)
	for {
		select {
		case <-s.stopCh:
			s.drainQueue()
			return
		case req := <-s.queue:
			s.process(req)
		}
	}
}

func (s *Session) drainQueue() {
	for {
		select {
		case req := <-s.queue:
			req.respCh <- result{err: ErrServiceStopped}
		default:
			return
		}
	}
}

func (s *Session) process(req *request) {
	if !req.probe {
		if s.triggers != nil {
			s.triggers.Evaluate(req.line)
		}
		s.handlers.OnGCodeSent(req.client, req.line)
	}

	s.logCommand(req.client, log.DirectionOut, req.line, "", req.probe)

	if err := s.transport.WriteLine(req.line); err != nil {
		req.respCh <- result{err: fmt.Errorf("session: write: %w", err)}
		return
	}

	line, class, err := s.awaitTerminal(req)
	if err != nil {
		req.respCh <- result{err: err}
		return
	}

	s.logCommand(req.client, log.DirectionIn, line, class.String(), req.probe)

	final := line
	if !req.probe {
		final = s.handlers.OnResponseReceived(req.client, line, req.line)
	}
	req.respCh <- result{line: final}
}

// awaitTerminal reads classified lines from the incoming channel until one
// is terminal for req, the timeout elapses, or the transport closes.
func (s *Session) awaitTerminal(req *request) (string, ResponseClass, error) {
	timer := time.NewTimer(req.timeout)
	defer timer.Stop()

	for {
		select {
		case line, ok := <-s.incoming:
			if !ok {
				return "", 0, fmt.Errorf("session: %w", serialio.ErrTransportClosed)
			}

			s.logRaw(line)
			class := classify(line)

			switch class {
			case ClassAcknowledgement:
				if req.probe && s.cfg.SwallowRealtimeOk {
					continue
				}
				return line, class, nil

			case ClassError:
				return line, class, nil

			case ClassStatusReport:
				if req.probe {
					return line, class, nil
				}
				s.logOutOfBand(line, class)
				continue

			default: // ClassInformational
				if req.forward != nil {
					req.forward(line)
				} else {
					s.logOutOfBand(line, class)
				}
				continue
			}

		case <-timer.C:
			if req.probe {
				return "", 0, fmt.Errorf("%w: liveness probe", ErrDeviceTimeout)
			}
			return "", 0, fmt.Errorf("%w: %q", ErrDeviceTimeout, req.line)
		}
	}
}

func (s *Session) readLoop() {
	defer close(s.readDone)
	for {
		line, err := s.transport.ReadLine()
		if err != nil {
			close(s.incoming)
			select {
			case <-s.stopCh:
				// Expected: Stop already closed the transport.
			default:
				s.notifyTransportLost()
			}
			return
		}
		select {
		case s.incoming <- line:
		case <-s.stopCh:
			return
		}
	}
}

// notifyTransportLost invokes the registered OnTransportLost callback at
// most once, in its own goroutine so readLoop's own shutdown (closing
// readDone) is never blocked on it.
func (s *Session) notifyTransportLost() {
	s.lostOnce.Do(func() {
		if s.onTransportLost != nil {
			go s.onTransportLost()
		}
	})
}

func (s *Session) livenessLoop() {
	defer close(s.livenessDone)
	if s.cfg.ProbePeriod <= 0 {
		return
	}

	ticker := time.NewTicker(s.cfg.ProbePeriod)
	defer ticker.Stop()

	probeTimeout := 2 * s.cfg.ProbePeriod

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			_, err := s.submit(handler.ClientInfo{}, "?", true, nil, probeTimeout)
			if err != nil {
				if s.healthy.Swap(false) {
					s.logStateChange("unhealthy", err.Error())
				}
			} else {
				if !s.healthy.Swap(true) {
					s.logStateChange("healthy", "")
				}
			}
		}
	}
}

func (s *Session) logCommand(client handler.ClientInfo, dir log.Direction, line, class string, probe bool) {
	s.logger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: client.ConnectionID,
		RemoteAddr:   client.RemoteAddr,
		Direction:    dir,
		Layer:        log.LayerSession,
		Category:     log.CategoryCommand,
		Command: &log.CommandEvent{
			Line:          line,
			ResponseClass: class,
			Probe:         probe,
		},
	})
}

func (s *Session) logRaw(line string) {
	s.logger.Log(log.Event{
		Timestamp: time.Now(),
		Direction: log.DirectionIn,
		Layer:     log.LayerSession,
		Category:  log.CategoryRaw,
		Raw:       &log.RawEvent{Data: []byte(line)},
	})
}

func (s *Session) logOutOfBand(line string, class ResponseClass) {
	s.logger.Log(log.Event{
		Timestamp: time.Now(),
		Direction: log.DirectionIn,
		Layer:     log.LayerSession,
		Category:  log.CategoryCommand,
		Command: &log.CommandEvent{
			Line:          line,
			ResponseClass: class.String(),
		},
	})
}

func (s *Session) logStateChange(newState, reason string) {
	s.logger.Log(log.Event{
		Timestamp: time.Now(),
		Layer:     log.LayerSession,
		Category:  log.CategoryState,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityDevice,
			NewState: newState,
			Reason:   reason,
		},
	})
}
