package modbus

import (
	"fmt"
	"sync"
	"time"

	"github.com/fieldbus-go/modbus-rtu/internal/logger"
	"github.com/fieldbus-go/modbus-rtu/pkg/modbus/devicestate"
)

// ClientConfig describes how to open and pace a link to one bus.
// BaudRate, Timeout and RS485MinGap feed the Engine's timing policy
// (spec §4.4); Parity/StopBits/ByteSize are accepted for completeness
// but 8-N-1 is the only framing SerialTransport actually opens — a
// non-default value here is a ValidationError from NewClient /
// NewClientWithTransport.
type ClientConfig struct {
	Port        string
	BaudRate    int
	Timeout     time.Duration
	RS485MinGap time.Duration
	Parity      string // "N" only
	StopBits    int    // 1 only
	ByteSize    int    // 8 only
	MaxAttempts int
}

// Client is the typed facade (C5) applications use instead of talking
// to Transport/Engine directly. One Client serializes every exchange
// on its bus through mu, matching the "single client instance per bus"
// ordering guarantee (spec §5).
type Client struct {
	mu     sync.Mutex
	cfg    ClientConfig
	engine *Engine

	// BaudrateCodes overrides defaultBaudrateCodes with values loaded
	// from configuration (spec §4.8's "baudrate_codes" map). Nil uses
	// the built-in table.
	BaudrateCodes map[int]uint16

	// dial opens the transport Connect wires into the Engine. Defaults
	// to OpenSerialTransport; tests substitute a mockserial.Transport.
	dial func(PortConfig) (Transport, error)
}

// NewClient builds a Client against the process-wide device-state
// registry. Connect must be called before any exchange.
func NewClient(cfg ClientConfig) (*Client, error) {
	if err := validatePortConfig(cfg); err != nil {
		return nil, err
	}
	return &Client{cfg: cfg, dial: dialSerial}, nil
}

func dialSerial(cfg PortConfig) (Transport, error) { return OpenSerialTransport(cfg) }

// NewClientWithTransport builds a Client whose Connect calls dial
// instead of opening a real serial port — used by tests and by any
// caller that wants to drive the engine over a pre-scripted link.
func NewClientWithTransport(cfg ClientConfig, dial func(PortConfig) (Transport, error)) (*Client, error) {
	if err := validatePortConfig(cfg); err != nil {
		return nil, err
	}
	return &Client{cfg: cfg, dial: dial}, nil
}

func validatePortConfig(cfg ClientConfig) error {
	if cfg.Parity != "" && cfg.Parity != "N" {
		return &ValidationError{Field: "parity", Value: 0, Reason: "only no-parity (\"N\") framing is supported"}
	}
	if cfg.StopBits != 0 && cfg.StopBits != 1 {
		return &ValidationError{Field: "stop_bits", Value: cfg.StopBits, Reason: "only 1 stop bit is supported"}
	}
	if cfg.ByteSize != 0 && cfg.ByteSize != 8 {
		return &ValidationError{Field: "byte_size", Value: cfg.ByteSize, Reason: "only 8 data bits are supported"}
	}
	return nil
}

// Connect opens the serial port and wires the transport engine. Safe
// to call again after Disconnect to reopen the same configuration.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, err := c.dial(PortConfig{Path: c.cfg.Port, BaudRate: c.cfg.BaudRate, Timeout: c.cfg.Timeout})
	if err != nil {
		return err
	}

	c.engine = NewEngine(t, EngineConfig{
		AttemptTimeout: c.cfg.Timeout,
		RS485MinGap:    c.cfg.RS485MinGap,
		MaxAttempts:    c.cfg.MaxAttempts,
		BaudRate:       c.cfg.BaudRate,
	})
	c.engine.Reopen = func() (Transport, error) {
		return c.dial(PortConfig{Path: c.cfg.Port, BaudRate: c.cfg.BaudRate, Timeout: c.cfg.Timeout})
	}
	logger.WithDevice(c.cfg.Port, 0).Sugar().Infow("connected", "baudrate", c.cfg.BaudRate)
	return nil
}

// Disconnect closes the underlying port. The Client may be Connect-ed
// again afterward.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.engine == nil {
		return nil
	}
	err := c.engine.transport.Close()
	c.engine = nil
	return err
}

// stateFor scopes the device-state lookup to a specific unit, since
// one Client's port may address several unit IDs over its lifetime.
func (c *Client) stateFor(unitID byte) *devicestate.DeviceState {
	return devicestate.Global().GetOrCreate(c.cfg.Port, unitID)
}

func (c *Client) exchange(unitID byte, fc FunctionCode, payload []byte) (ParseResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.engine == nil {
		return ParseResult{}, &IoError{Op: "exchange", Err: fmt.Errorf("client not connected")}
	}
	req := BuildRequest(unitID, fc, payload)
	return c.engine.Exchange(req, unitID, fc, c.stateFor(unitID))
}

// ReadCoils reads count coils starting at addr (1..2000 per request).
func (c *Client) ReadCoils(unitID byte, addr, count uint16) ([]bool, error) {
	if count < 1 || count > 2000 {
		return nil, &ValidationError{Field: "count", Value: int(count), Reason: "coil read count must be in [1, 2000]"}
	}
	result, err := c.exchange(unitID, FuncReadCoils, BuildReadPayload(addr, count))
	if err != nil {
		return nil, err
	}
	bits := DecodeBits(result.Payload, count)
	c.stateFor(unitID).SetCoilRegion(addr, bits, false)
	return bits, nil
}

// ReadDiscreteInputs reads count discrete inputs starting at addr.
func (c *Client) ReadDiscreteInputs(unitID byte, addr, count uint16) ([]bool, error) {
	if count < 1 || count > 2000 {
		return nil, &ValidationError{Field: "count", Value: int(count), Reason: "discrete input read count must be in [1, 2000]"}
	}
	result, err := c.exchange(unitID, FuncReadDiscreteInputs, BuildReadPayload(addr, count))
	if err != nil {
		return nil, err
	}
	bits := DecodeBits(result.Payload, count)
	c.stateFor(unitID).SetCoilRegion(addr, bits, true)
	return bits, nil
}

// ReadHoldingRegisters reads count holding registers starting at addr
// (1..125 per request).
func (c *Client) ReadHoldingRegisters(unitID byte, addr, count uint16) ([]uint16, error) {
	if count < 1 || count > 125 {
		return nil, &ValidationError{Field: "count", Value: int(count), Reason: "holding register read count must be in [1, 125]"}
	}
	result, err := c.exchange(unitID, FuncReadHoldingRegisters, BuildReadPayload(addr, count))
	if err != nil {
		return nil, err
	}
	regs := DecodeRegisters(result.Payload, count)
	c.stateFor(unitID).SetRegisterRegion(devicestate.Holding, addr, regs)
	return regs, nil
}

// ReadInputRegisters reads count input registers starting at addr.
func (c *Client) ReadInputRegisters(unitID byte, addr, count uint16) ([]uint16, error) {
	if count < 1 || count > 125 {
		return nil, &ValidationError{Field: "count", Value: int(count), Reason: "input register read count must be in [1, 125]"}
	}
	result, err := c.exchange(unitID, FuncReadInputRegisters, BuildReadPayload(addr, count))
	if err != nil {
		return nil, err
	}
	regs := DecodeRegisters(result.Payload, count)
	c.stateFor(unitID).SetRegisterRegion(devicestate.Input, addr, regs)
	return regs, nil
}

// WriteSingleCoil sets one coil.
func (c *Client) WriteSingleCoil(unitID byte, addr uint16, value bool) error {
	_, err := c.exchange(unitID, FuncWriteSingleCoil, BuildWriteSingleCoilPayload(addr, value))
	if err != nil {
		return err
	}
	c.stateFor(unitID).SetCoil(addr, value)
	return nil
}

// WriteSingleRegister sets one holding register.
func (c *Client) WriteSingleRegister(unitID byte, addr, value uint16) error {
	_, err := c.exchange(unitID, FuncWriteSingleRegister, BuildWriteSingleRegisterPayload(addr, value))
	if err != nil {
		return err
	}
	c.stateFor(unitID).SetRegisterRegion(devicestate.Holding, addr, []uint16{value})
	return nil
}

// WriteMultipleCoils sets a contiguous run of coils (1..1968 per request).
func (c *Client) WriteMultipleCoils(unitID byte, addr uint16, values []bool) error {
	if len(values) < 1 || len(values) > 1968 {
		return &ValidationError{Field: "count", Value: len(values), Reason: "multiple coil write count must be in [1, 1968]"}
	}
	_, err := c.exchange(unitID, FuncWriteMultipleCoils, BuildWriteMultipleCoilsPayload(addr, values))
	if err != nil {
		return err
	}
	c.stateFor(unitID).SetCoilRegion(addr, values, false)
	return nil
}

// WriteMultipleRegisters sets a contiguous run of holding registers
// (1..123 per request).
func (c *Client) WriteMultipleRegisters(unitID byte, addr uint16, values []uint16) error {
	if len(values) < 1 || len(values) > 123 {
		return &ValidationError{Field: "count", Value: len(values), Reason: "multiple register write count must be in [1, 123]"}
	}
	_, err := c.exchange(unitID, FuncWriteMultipleRegisters, BuildWriteMultipleRegistersPayload(addr, values))
	if err != nil {
		return err
	}
	c.stateFor(unitID).SetRegisterRegion(devicestate.Holding, addr, values)
	return nil
}

// TestConnection probes unitID with a single-register read at holding
// register 0, falling back to a single-coil read at address 0 if that
// fails (spec §4.5's "probes read-holding-registers, falls back to
// read-coils"). Any parseable response, including an exception, proves
// the device is alive; a timeout, CRC error or I/O error on both
// probes counts as failure. The returned map carries which probe succeeded
// (or why both failed) for callers that want more than a boolean.
func (c *Client) TestConnection(unitID byte) (bool, map[string]interface{}) {
	diagnostics := map[string]interface{}{}

	if _, err := c.ReadHoldingRegisters(unitID, 0, 1); aliveOrNil(err) {
		diagnostics["probe"] = "read_holding_registers"
		if err != nil {
			diagnostics["response"] = err.Error()
		}
		return true, diagnostics
	} else {
		diagnostics["holding_registers_error"] = err.Error()
	}

	if _, err := c.ReadCoils(unitID, 0, 1); aliveOrNil(err) {
		diagnostics["probe"] = "read_coils"
		if err != nil {
			diagnostics["response"] = err.Error()
		}
		return true, diagnostics
	} else {
		diagnostics["coils_error"] = err.Error()
	}

	diagnostics["probe"] = "none"
	return false, diagnostics
}

// aliveOrNil reports whether err proves the device is alive: either no
// error at all, or a well-formed exception/mismatch response.
func aliveOrNil(err error) bool {
	if err == nil {
		return true
	}
	switch err.(type) {
	case *ExceptionResponse, *ProtocolMismatch:
		return true
	default:
		return false
	}
}
