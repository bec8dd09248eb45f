package modbus

import "time"

// defaultBaudrateCodes maps a baud rate to the register value Waveshare
// modules expect at the switch-baudrate holding register. It is the
// built-in fallback used when Client.BaudrateCodes (loaded from config,
// spec §4.8 "baudrate_codes") is nil; it covers the values the field
// devices this module was built against actually ship with.
var defaultBaudrateCodes = map[int]uint16{
	1200:   0,
	2400:   1,
	4800:   2,
	9600:   3,
	19200:  4,
	38400:  5,
	57600:  6,
	115200: 7,
}

const baudrateSwitchRegister = 0x2000

// switchBaudrateRaw implements the device-side half of a baud rate
// change (spec §4.5): a broadcast write-single-register to the
// vendor's rate-select register, a settling pause, then a local
// reopen of the serial port at the new rate. SetDeviceBaudrate (the
// Client-facing op) wraps this with verification and revert.
//
// TODO: the broadcast write's own reply timing is unspecified by any
// Waveshare documentation seen so far (Open Question #1) — we do not
// wait for an ACK frame before the settling sleep, only for the write
// itself to drain.
func (c *Client) switchBaudrateRaw(unitID byte, newBaud int) error {
	code, ok := c.baudrateCode(newBaud)
	if !ok {
		return &ValidationError{Field: "baudrate", Value: newBaud, Reason: "no known baudrate code for this rate"}
	}

	c.mu.Lock()
	if c.engine == nil {
		c.mu.Unlock()
		return &IoError{Op: "switch baudrate", Err: errNotConnected}
	}
	req := BuildRequest(0, FuncWriteSingleRegister, BuildWriteSingleRegisterPayload(baudrateSwitchRegister, code))
	// Broadcast: fire and forget, no response expected.
	writeErr := c.engine.transport.WriteAll(req)
	if writeErr != nil {
		_ = c.engine.transport.Close()
	}
	c.mu.Unlock()
	if writeErr != nil {
		return &IoError{Op: "switch baudrate broadcast", Err: writeErr}
	}

	time.Sleep(time.Second)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.engine.transport.Close(); err != nil {
		return &IoError{Op: "close before baudrate switch", Err: err}
	}
	fresh, err := c.dial(PortConfig{Path: c.cfg.Port, BaudRate: newBaud, Timeout: c.cfg.Timeout})
	if err != nil {
		return &IoError{Op: "reopen after baudrate switch", Err: err}
	}
	c.engine.SetTransport(fresh)
	c.engine.cfg.BaudRate = newBaud
	c.cfg.BaudRate = newBaud
	return nil
}

func (c *Client) baudrateCode(baud int) (uint16, bool) {
	if c.BaudrateCodes != nil {
		if code, ok := c.BaudrateCodes[baud]; ok {
			return code, true
		}
		return 0, false
	}
	code, ok := defaultBaudrateCodes[baud]
	return code, ok
}

// SetDeviceBaudrate switches unitID to newBaud and verifies the new
// rate with up to 3 TestConnection probes (holding register 0, falling
// back to coil 0), reverting to the prior rate and returning
// BaudrateSwitchFailed if every verification attempt fails.
func (c *Client) SetDeviceBaudrate(unitID byte, newBaud int) error {
	c.mu.Lock()
	priorBaud := c.cfg.BaudRate
	c.mu.Unlock()

	if err := c.switchBaudrateRaw(unitID, newBaud); err != nil {
		return err
	}

	const maxVerify = 3
	for try := 1; try <= maxVerify; try++ {
		if ok, _ := c.TestConnection(unitID); ok {
			c.stateFor(unitID).SetBaudRate(newBaud)
			return nil
		}
	}

	revertErr := c.switchBaudrateRaw(unitID, priorBaud)
	reason := "device did not respond at the new rate"
	if revertErr != nil {
		reason = "device did not respond at the new rate, and revert also failed: " + revertErr.Error()
	}
	return &BaudrateSwitchFailed{TargetBaud: newBaud, RevertedTo: priorBaud, Reason: reason, VerifyTries: maxVerify}
}

// SwitchBaudrate is SetDeviceBaudrate under the parameter order and
// name spec.md §6's external operation interface names
// (`switch_baudrate(target_baudrate, unit)`); both are the same
// write-verify-or-revert sequence, this is the spelling outer layers
// consuming the §6 interface expect.
func (c *Client) SwitchBaudrate(targetBaud int, unit byte) error {
	return c.SetDeviceBaudrate(unit, targetBaud)
}

var errNotConnected = &notConnectedError{}

type notConnectedError struct{}

func (e *notConnectedError) Error() string { return "modbus: client not connected" }
