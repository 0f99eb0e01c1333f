package serialio

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

const readChunkSize = 256

// RealConfig configures a RealTransport.
type RealConfig struct {
	// Path is the device node, e.g. /dev/ttyACM0.
	Path string

	// BaudRate is the serial baud rate (default 115200).
	BaudRate int

	// QuiescenceDelay is how long to discard bytes after opening, to
	// tolerate bootloaders that emit garbage on connect (default 100ms).
	QuiescenceDelay time.Duration
}

// RealTransport is a SerialTransport backed by an OS serial device.
type RealTransport struct {
	cfg  RealConfig
	port serial.Port

	lines   chan string
	readErr chan error
	closeCh chan struct{}
	doneCh  chan struct{}

	mu     sync.Mutex
	closed bool
}

// NewRealTransport creates a RealTransport for the given configuration. The
// device is not opened until Open is called.
func NewRealTransport(cfg RealConfig) *RealTransport {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 115200
	}
	if cfg.QuiescenceDelay == 0 {
		cfg.QuiescenceDelay = 100 * time.Millisecond
	}
	return &RealTransport{cfg: cfg}
}

// Open implements SerialTransport.
func (t *RealTransport) Open() error {
	mode := &serial.Mode{
		BaudRate: t.cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(t.cfg.Path, mode)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrTransportOpen, t.cfg.Path, err)
	}

	t.port = port
	t.lines = make(chan string, 16)
	t.readErr = make(chan error, 1)
	t.closeCh = make(chan struct{})
	t.doneCh = make(chan struct{})

	// Discard bootloader noise during the quiescence window.
	time.Sleep(t.cfg.QuiescenceDelay)
	for {
		if err := port.SetReadTimeout(10 * time.Millisecond); err != nil {
			break
		}
		buf := make([]byte, readChunkSize)
		n, err := port.Read(buf)
		if err != nil || n == 0 {
			break
		}
	}

	if err := port.SetReadTimeout(serial.NoTimeout); err != nil {
		port.Close()
		return fmt.Errorf("%w: %v", ErrTransportOpen, err)
	}

	go t.readLoop()

	return nil
}

// Close implements SerialTransport.
func (t *RealTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.closeCh)
	t.mu.Unlock()

	err := t.port.Close()
	<-t.doneCh
	return err
}

// ReadLine implements SerialTransport.
func (t *RealTransport) ReadLine() (string, error) {
	select {
	case line, ok := <-t.lines:
		if !ok {
			return "", ErrTransportClosed
		}
		return line, nil
	case err := <-t.readErr:
		return "", fmt.Errorf("%w: %v", ErrTransportClosed, err)
	}
}

// WriteLine implements SerialTransport.
func (t *RealTransport) WriteLine(line string) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrTransportClosed
	}

	data := []byte(line + "\n")
	written := 0
	for written < len(data) {
		n, err := t.port.Write(data[written:])
		if err != nil {
			return fmt.Errorf("serialio: write: %w", err)
		}
		written += n
	}
	return nil
}

// readLoop reads bytes from the port and emits complete lines.
func (t *RealTransport) readLoop() {
	defer close(t.doneCh)
	defer close(t.lines)

	var buf strings.Builder
	chunk := make([]byte, readChunkSize)

	for {
		select {
		case <-t.closeCh:
			return
		default:
		}

		n, err := t.port.Read(chunk)
		if err != nil {
			select {
			case t.readErr <- err:
			default:
			}
			return
		}
		if n == 0 {
			continue
		}

		for _, b := range chunk[:n] {
			if b == '\n' {
				line := strings.TrimRight(buf.String(), "\r")
				buf.Reset()
				select {
				case t.lines <- line:
				case <-t.closeCh:
					return
				}
				continue
			}
			buf.WriteByte(b)
		}
	}
}

var _ SerialTransport = (*RealTransport)(nil)
