package proxy

import (
	"fmt"
	"sync"
	"time"

	"github.com/nc-tools/gcodeproxy/internal/config"
	"github.com/nc-tools/gcodeproxy/pkg/handler"
	"github.com/nc-tools/gcodeproxy/pkg/log"
	"github.com/nc-tools/gcodeproxy/pkg/serialio"
	"github.com/nc-tools/gcodeproxy/pkg/session"
	"github.com/nc-tools/gcodeproxy/pkg/trigger"
)

// ServiceOptions configures a ProxyService's construction.
type ServiceOptions struct {
	Config  *config.Config
	Logger  log.Logger
	DryRun  bool
	Handler handler.Handlers
}

// ProxyService is the top-level composition root: it owns the
// SerialTransport, DeviceSession, TriggerEngine and Server, and exposes a
// single Start/Stop lifecycle.
type ProxyService struct {
	logger    log.Logger
	transport serialio.SerialTransport
	engine    *trigger.Engine
	dev       *session.Session
	server    *Server

	stopOnce sync.Once
	stopErr  error
}

// NewProxyService wires together a complete pipeline from opts.
func NewProxyService(opts ServiceOptions) (*ProxyService, error) {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = log.NoopLogger{}
	}

	engine, err := trigger.NewEngine(logger, cfg.CustomTriggers)
	if err != nil {
		return nil, fmt.Errorf("proxy: %w", err)
	}

	transport, err := buildTransport(cfg, opts.DryRun)
	if err != nil {
		return nil, err
	}

	dev := session.NewSession(transport, engine, opts.Handler, logger, session.Config{
		QueueCapacity:     cfg.Server.QueueLimit,
		ProbePeriod:       cfg.LivenessPeriod(),
		SwallowRealtimeOk: cfg.SwallowRealtimeOk(),
	})

	server := NewServer(ServerConfig{Address: cfg.ListenAddress()}, dev, opts.Handler, logger)

	p := &ProxyService{
		logger:    logger,
		transport: transport,
		engine:    engine,
		dev:       dev,
		server:    server,
	}

	// spec.md §7: TransportClosed (Runtime) stops the DeviceSession and
	// puts the server into shutdown. dev.Start has not been called yet,
	// so registering here is race-free with readLoop.
	dev.OnTransportLost(func() {
		logger.Log(log.Event{
			Timestamp: time.Now(),
			Layer:     log.LayerSession,
			Category:  log.CategoryError,
			Error: &log.ErrorEventData{
				Layer:   log.LayerSession,
				Message: "serial transport closed unexpectedly",
				Context: "runtime transport loss",
			},
		})
		p.Stop()
	})

	return p, nil
}

func buildTransport(cfg *config.Config, dryRun bool) (serialio.SerialTransport, error) {
	if dryRun {
		return serialio.NewDryRunTransport(), nil
	}

	path, err := cfg.ResolveDevicePath()
	if err != nil {
		return nil, err
	}

	return serialio.NewRealTransport(serialio.RealConfig{
		Path:            path,
		BaudRate:        cfg.Device.BaudRate,
		QuiescenceDelay: cfg.SerialDelay(),
	}), nil
}

// Start opens the serial transport and begins accepting TCP clients. A
// transport-open failure aborts startup; no connection is accepted.
func (p *ProxyService) Start() error {
	if err := p.dev.Start(); err != nil {
		return fmt.Errorf("proxy: opening transport: %w", err)
	}
	if err := p.server.Start(); err != nil {
		p.dev.Stop()
		return err
	}
	return nil
}

// Addr returns the server's bound listen address.
func (p *ProxyService) Addr() string {
	if addr := p.server.Addr(); addr != nil {
		return addr.String()
	}
	return ""
}

// Healthy reports the device session's most recent liveness result.
func (p *ProxyService) Healthy() bool {
	return p.dev.Healthy()
}

// Stop follows spec.md's shutdown sequence: stop accepting, close client
// sockets and wait for their handlers, stop the device session (which
// drains its queue and closes the transport), then await the trigger
// engine's live-set. Safe to call more than once (e.g. a runtime
// transport loss and an operator signal racing each other); only the
// first call does the work.
func (p *ProxyService) Stop() error {
	p.stopOnce.Do(func() {
		if err := p.server.Stop(); err != nil {
			p.logger.Log(log.Event{
				Timestamp: time.Now(),
				Layer:     log.LayerServer,
				Category:  log.CategoryError,
				Error: &log.ErrorEventData{
					Layer:   log.LayerServer,
					Message: err.Error(),
					Context: "server stop",
				},
			})
		}

		p.stopErr = p.dev.Stop()
		p.engine.Shutdown(trigger.DefaultShutdownGrace)
	})
	return p.stopErr
}
