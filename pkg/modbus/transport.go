package modbus

import "time"

// Transport is the minimal byte-level contract the transport engine
// (C4) needs from a serial link. A real implementation wraps an
// 8-N-1 serial port; the mockserial package provides a scripted
// in-memory implementation for tests.
//
// This interface is the redesign of the source's "monkey-patch for
// mock mode" pattern (Design Note §9): callers swap implementations
// instead of mutating a live object's behavior at runtime.
type Transport interface {
	// WriteAll blocks until b has been fully written and drained.
	WriteAll(b []byte) error
	// ReadAvailable returns immediately with whatever bytes have
	// arrived since the last read, possibly none.
	ReadAvailable() ([]byte, error)
	// ReadExact blocks until n bytes have arrived or deadline passes,
	// returning whatever was read (which may be short on timeout).
	ReadExact(n int, deadline time.Time) ([]byte, error)
	// FlushIn discards any buffered, unread input.
	FlushIn() error
	// FlushOut discards any buffered, unsent output.
	FlushOut() error
	// Close releases the underlying link. Subsequent operations fail.
	Close() error
}

// PortConfig describes the serial line parameters used to open a
// Transport (8-N-1 is the only framing this module supports).
type PortConfig struct {
	Path     string
	BaudRate int
	Timeout  time.Duration
}
