// Command gcodeproxyd is the GCode proxy daemon: it bridges any number of
// TCP clients onto a single serial-attached GRBL device, serialising
// command submission and running configured triggers on matching GCode.
//
// Usage:
//
//	gcodeproxyd -config /etc/gcodeproxy/config.yaml
//
// Flags:
//
//	-config string     Configuration file path (required)
//	-dry-run           Use a synthetic in-memory device instead of a real port
//	-log-level string  Log level: debug, info, warn, error (default "info")
//	-log-file string   CBOR event log file path (optional)
package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nc-tools/gcodeproxy/internal/config"
	proxylog "github.com/nc-tools/gcodeproxy/pkg/log"
	"github.com/nc-tools/gcodeproxy/pkg/proxy"
)

var (
	configPath string
	dryRun     bool
	logLevel   string
	logFile    string
)

func init() {
	flag.StringVar(&configPath, "config", "", "Configuration file path (required)")
	flag.BoolVar(&dryRun, "dry-run", false, "Use a synthetic in-memory device instead of a real port")
	flag.StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	flag.StringVar(&logFile, "log-file", "", "CBOR event log file path (optional)")
}

func main() {
	flag.Parse()

	if configPath == "" {
		log.Fatalf("missing required -config flag")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	logger, closeLogger, err := buildLogger(logLevel, logFile)
	if err != nil {
		log.Fatalf("failed to set up logging: %v", err)
	}
	defer closeLogger()

	svc, err := proxy.NewProxyService(proxy.ServiceOptions{
		Config: cfg,
		Logger: logger,
		DryRun: dryRun,
	})
	if err != nil {
		log.Fatalf("failed to build proxy service: %v", err)
	}

	if err := svc.Start(); err != nil {
		log.Fatalf("failed to start proxy service: %v", err)
	}
	log.Printf("gcodeproxyd listening on %s", svc.Addr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal: %v, shutting down", sig)

	if err := svc.Stop(); err != nil {
		log.Printf("error during shutdown: %v", err)
	}
	log.Println("shutdown complete")
}

// buildLogger composes a console SlogAdapter with an optional CBOR
// FileLogger sink, matching the operator-facing and machine-readable log
// formats spec.md requires.
func buildLogger(level, file string) (proxylog.Logger, func(), error) {
	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel})
	console := proxylog.NewSlogAdapter(slog.New(handler), os.Stderr)

	if file == "" {
		return console, func() {}, nil
	}

	fileLogger, err := proxylog.NewFileLogger(file)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file %s: %w", file, err)
	}

	return proxylog.NewMultiLogger(console, fileLogger), func() { fileLogger.Close() }, nil
}
