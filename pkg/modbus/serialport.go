package modbus

import (
	"fmt"
	"path/filepath"
	"time"

	"go.bug.st/serial"
)

// SerialTransport is the real Transport implementation, wrapping
// go.bug.st/serial as an 8-N-1 link. Grounded on the teacher's
// pkg/nodes/industrial/modbus_rtu.go:openPort and
// pkg/nodes/gpio/modbus.go:connect.
type SerialTransport struct {
	port serial.Port
	cfg  PortConfig
}

// OpenSerialTransport opens path at baud with the given per-read
// timeout, framed 8-N-1 (the only framing this module supports).
func OpenSerialTransport(cfg PortConfig) (*SerialTransport, error) {
	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(cfg.Path, mode)
	if err != nil {
		return nil, &IoError{Op: "open " + cfg.Path, Err: err}
	}
	if err := p.SetReadTimeout(cfg.Timeout); err != nil {
		p.Close()
		return nil, &IoError{Op: "set read timeout", Err: err}
	}
	return &SerialTransport{port: p, cfg: cfg}, nil
}

func (t *SerialTransport) WriteAll(b []byte) error {
	n, err := t.port.Write(b)
	if err != nil {
		return &IoError{Op: "write", Err: err}
	}
	if n != len(b) {
		return &IoError{Op: "write", Err: fmt.Errorf("short write: wrote %d of %d bytes", n, len(b))}
	}
	return nil
}

func (t *SerialTransport) ReadAvailable() ([]byte, error) {
	buf := make([]byte, 256)
	n, err := t.port.Read(buf)
	if err != nil {
		return nil, &IoError{Op: "read", Err: err}
	}
	return buf[:n], nil
}

func (t *SerialTransport) ReadExact(n int, deadline time.Time) ([]byte, error) {
	out := make([]byte, 0, n)
	for len(out) < n && time.Now().Before(deadline) {
		chunk, err := t.ReadAvailable()
		if err != nil {
			return out, err
		}
		out = append(out, chunk...)
		if len(out) < n {
			time.Sleep(5 * time.Millisecond)
		}
	}
	return out, nil
}

func (t *SerialTransport) FlushIn() error {
	if err := t.port.ResetInputBuffer(); err != nil {
		return &IoError{Op: "flush input", Err: err}
	}
	return nil
}

func (t *SerialTransport) FlushOut() error {
	if err := t.port.ResetOutputBuffer(); err != nil {
		return &IoError{Op: "flush output", Err: err}
	}
	return nil
}

func (t *SerialTransport) Close() error {
	if err := t.port.Close(); err != nil {
		return &IoError{Op: "close", Err: err}
	}
	return nil
}

// wellKnownPortGlobs is consulted when the platform's own enumeration
// (serial.GetPortsList) is unavailable or incomplete.
var wellKnownPortGlobs = []string{
	"/dev/ttyACM*",
	"/dev/ttyUSB*",
	"/dev/ttyS*",
	"/dev/ttyAMA*",
	"COM*",
}

// EnumeratePorts lists candidate serial device paths: the system's own
// port list plus the well-known-path fallback, deduplicated, filtering
// out any path that cannot be opened at all.
func EnumeratePorts() ([]string, error) {
	seen := make(map[string]bool)
	var candidates []string

	listed, err := serial.GetPortsList()
	if err == nil {
		for _, p := range listed {
			if !seen[p] {
				seen[p] = true
				candidates = append(candidates, p)
			}
		}
	}

	for _, pattern := range wellKnownPortGlobs {
		matches, _ := filepath.Glob(pattern)
		for _, p := range matches {
			if !seen[p] {
				seen[p] = true
				candidates = append(candidates, p)
			}
		}
	}

	var usable []string
	for _, p := range candidates {
		mode := &serial.Mode{BaudRate: 9600}
		port, err := serial.Open(p, mode)
		if err != nil {
			continue
		}
		port.Close()
		usable = append(usable, p)
	}
	return usable, nil
}
