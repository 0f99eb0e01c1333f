package proxy

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nc-tools/gcodeproxy/pkg/handler"
	"github.com/nc-tools/gcodeproxy/pkg/log"
)

// ServerConfig configures a Server.
type ServerConfig struct {
	// Address to listen on, e.g. ":8080" or "127.0.0.1:8080".
	Address string
}

// Server accepts TCP clients and hands each to its own ClientConnection,
// mirroring every GCode line through the shared device session.
type Server struct {
	config   ServerConfig
	session  DeviceSubmitter
	handlers handler.Handlers
	logger   log.Logger

	listener net.Listener

	conns   map[*ClientConnection]struct{}
	connsMu sync.Mutex

	running atomic.Bool
	wg      sync.WaitGroup
}

// NewServer constructs a Server. handlers and logger may be nil.
func NewServer(config ServerConfig, session DeviceSubmitter, handlers handler.Handlers, logger log.Logger) *Server {
	if handlers == nil {
		handlers = handler.NoopHandlers{}
	}
	if logger == nil {
		logger = log.NoopLogger{}
	}
	return &Server{
		config:   config,
		session:  session,
		handlers: handlers,
		logger:   logger,
		conns:    make(map[*ClientConnection]struct{}),
	}
}

// Start begins listening and accepting connections.
func (s *Server) Start() error {
	if s.running.Load() {
		return fmt.Errorf("proxy: server already running")
	}

	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("proxy: listen: %w", err)
	}
	s.listener = listener
	s.running.Store(true)

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the server's bound address, useful when Address was ":0".
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop stops accepting new connections, closes every open connection, and
// waits for their serve loops to return.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}

	err := s.listener.Close()

	s.connsMu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.connsMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(connDrainGrace):
		// Any commands still in flight against the device will complete or
		// time out on their own; their responses are simply discarded.
	}

	return err
}

// connDrainGrace bounds how long Stop waits for ClientConnection serve
// loops to notice their socket closed before moving on regardless.
const connDrainGrace = 3 * time.Second

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.running.Load() {
				s.logger.Log(log.Event{
					Timestamp: time.Now(),
					Layer:     log.LayerServer,
					Category:  log.CategoryError,
					Error: &log.ErrorEventData{
						Layer:   log.LayerServer,
						Message: err.Error(),
						Context: "accept",
					},
				})
			}
			return
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()

	cc := newClientConnection(conn, s.session, s.handlers, s.logger)

	s.connsMu.Lock()
	s.conns[cc] = struct{}{}
	s.connsMu.Unlock()

	cc.serve()

	s.connsMu.Lock()
	delete(s.conns, cc)
	s.connsMu.Unlock()
}

// ConnectionCount returns the number of currently active client connections.
func (s *Server) ConnectionCount() int {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	return len(s.conns)
}
