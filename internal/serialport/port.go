// Package serialport opens the radar UART and reopens it after the USB
// adapter drops off the bus.
package serialport

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"go.bug.st/serial"
)

// ErrDisconnected is returned while the device is gone and has not been reopened yet.
var ErrDisconnected = errors.New("serialport: device disconnected")

// ReadTimeout bounds a single Read so the caller can notice shutdown.
const ReadTimeout = 100 * time.Millisecond

type openFunc func(name string, mode *serial.Mode) (io.ReadWriteCloser, error)

func openSerial(name string, mode *serial.Mode) (io.ReadWriteCloser, error) {
	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, err
	}
	if err := port.SetReadTimeout(ReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("set read timeout: %w", err)
	}
	return port, nil
}

// Port is an 8N1 serial port that survives the device disappearing. A failed
// Read or Write drops the connection; the next Read tries to reopen it.
// Callers are expected to retry with backoff on error.
type Port struct {
	name   string
	mode   *serial.Mode
	open   openFunc
	logger *slog.Logger

	mu     sync.Mutex
	conn   io.ReadWriteCloser // nil while disconnected
	closed bool
}

// Open opens name at baud, 8 data bits, no parity, one stop bit.
func Open(name string, baud int, logger *slog.Logger) (*Port, error) {
	return open(name, baud, openSerial, logger)
}

func open(name string, baud int, fn openFunc, logger *slog.Logger) (*Port, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	conn, err := fn(name, mode)
	if err != nil {
		return nil, fmt.Errorf("serialport: open %s: %w", name, err)
	}
	return &Port{name: name, mode: mode, open: fn, conn: conn, logger: logger}, nil
}

// Read reads from the device, reopening it first if it was lost.
func (p *Port) Read(b []byte) (int, error) {
	conn, err := p.connection()
	if err != nil {
		return 0, err
	}
	n, err := conn.Read(b)
	if err != nil {
		return n, p.lost(conn, err)
	}
	return n, nil
}

// Write writes to the device. It does not reopen a lost device; commands
// written meanwhile fail and are retried by the caller.
func (p *Port) Write(b []byte) (int, error) {
	p.mu.Lock()
	conn, closed := p.conn, p.closed
	p.mu.Unlock()
	if closed {
		return 0, os.ErrClosed
	}
	if conn == nil {
		return 0, ErrDisconnected
	}
	n, err := conn.Write(b)
	if err != nil {
		return n, p.lost(conn, err)
	}
	return n, nil
}

// Close closes the device. Further calls return os.ErrClosed.
func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	return err
}

func (p *Port) connection() (io.ReadWriteCloser, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, os.ErrClosed
	}
	if p.conn != nil {
		return p.conn, nil
	}
	conn, err := p.open(p.name, p.mode)
	if err != nil {
		p.logger.Debug("waiting for serial device", "port", p.name, "err", err)
		return nil, ErrDisconnected
	}
	p.conn = conn
	p.logger.Info("serial device reconnected", "port", p.name)
	return conn, nil
}

// lost drops conn if it is still current and maps the error for the caller.
func (p *Port) lost(conn io.ReadWriteCloser, err error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return os.ErrClosed
	}
	if p.conn == conn {
		conn.Close()
		p.conn = nil
		p.logger.Warn("serial device lost", "port", p.name, "err", err)
	}
	return fmt.Errorf("%w: %v", ErrDisconnected, err)
}
