package modbus

import (
	"encoding/binary"
)

// FunctionCode identifies a Modbus operation. The top bit (0x80) OR'd
// into an echoed code flags an exception response.
type FunctionCode byte

// Canonical Modbus function codes.
const (
	FuncReadCoils            FunctionCode = 0x01
	FuncReadDiscreteInputs   FunctionCode = 0x02
	FuncReadHoldingRegisters FunctionCode = 0x03
	FuncReadInputRegisters   FunctionCode = 0x04
	FuncWriteSingleCoil      FunctionCode = 0x05
	FuncWriteSingleRegister  FunctionCode = 0x06
	FuncWriteMultipleCoils   FunctionCode = 0x0F
	FuncWriteMultipleRegisters FunctionCode = 0x10
)

// Waveshare vendor aliases observed in the field: these devices
// sometimes echo one of these codes instead of the standard one.
const (
	FuncWaveshareReadCoils            FunctionCode = 0x41
	FuncWaveshareReadHoldingRegisters FunctionCode = 0x43
	FuncWaveshareReadInputRegisters   FunctionCode = 0x44
)

const exceptionFlag FunctionCode = 0x80

// IsException reports whether fc carries the exception flag.
func (fc FunctionCode) IsException() bool { return fc&exceptionFlag != 0 }

// WithException ORs in the exception flag.
func (fc FunctionCode) WithException() FunctionCode { return fc | exceptionFlag }

// Base strips the exception flag, returning the underlying function code.
func (fc FunctionCode) Base() FunctionCode { return fc &^ exceptionFlag }

// ExceptionCode is the single byte following an exception function code.
type ExceptionCode byte

const (
	ExcIllegalFunction    ExceptionCode = 1
	ExcIllegalAddress     ExceptionCode = 2
	ExcIllegalValue       ExceptionCode = 3
	ExcDeviceFailure      ExceptionCode = 4
	ExcAcknowledge        ExceptionCode = 5
	ExcBusy               ExceptionCode = 6
	ExcNegativeAck        ExceptionCode = 7
	ExcMemoryParity       ExceptionCode = 8
	ExcGatewayPath        ExceptionCode = 10
	ExcGatewayTarget      ExceptionCode = 11
)

var exceptionNames = map[ExceptionCode]string{
	ExcIllegalFunction: "illegal function",
	ExcIllegalAddress:  "illegal address",
	ExcIllegalValue:    "illegal value",
	ExcDeviceFailure:   "device failure",
	ExcAcknowledge:     "acknowledge",
	ExcBusy:            "busy",
	ExcNegativeAck:     "negative acknowledge",
	ExcMemoryParity:    "memory parity error",
	ExcGatewayPath:     "gateway path unavailable",
	ExcGatewayTarget:   "gateway target failed to respond",
}

// String returns a human-readable description, falling back to a
// generic label for unrecognized codes.
func (e ExceptionCode) String() string {
	if s, ok := exceptionNames[e]; ok {
		return s
	}
	return "unknown exception"
}

// isReadFunc reports whether fc is one of the four read functions
// (standard code or a recognized Waveshare alias).
func isReadFunc(fc FunctionCode) bool {
	switch fc {
	case FuncReadCoils, FuncReadDiscreteInputs, FuncReadHoldingRegisters, FuncReadInputRegisters,
		FuncWaveshareReadCoils, FuncWaveshareReadHoldingRegisters, FuncWaveshareReadInputRegisters:
		return true
	}
	return false
}

func isSingleWriteFunc(fc FunctionCode) bool {
	return fc == FuncWriteSingleCoil || fc == FuncWriteSingleRegister
}

func isMultiWriteFunc(fc FunctionCode) bool {
	return fc == FuncWriteMultipleCoils || fc == FuncWriteMultipleRegisters
}

// compatibilityPairs lists function-code pairs tolerated as
// interchangeable when a response's echoed code doesn't match what was
// requested (§4.2 step 5). Pairs are undirected.
var compatibilityPairs = [][2]FunctionCode{
	{FuncReadCoils, FuncWaveshareReadCoils},
	{FuncReadHoldingRegisters, FuncWaveshareReadHoldingRegisters},
	{FuncReadInputRegisters, FuncWaveshareReadInputRegisters},
	{FuncReadCoils, FuncReadDiscreteInputs},
	{FuncReadHoldingRegisters, FuncReadInputRegisters},
	{FuncWriteSingleCoil, FuncWriteMultipleCoils},
	{FuncWriteSingleRegister, FuncWriteMultipleRegisters},
	// Retained in quirk mode only: observed in the field but not
	// justified by any documented device (spec Open Questions).
	{FuncReadCoils, FuncWriteSingleCoil},
	{FuncReadHoldingRegisters, FuncWriteSingleRegister},
}

func functionsCompatible(expected, got FunctionCode) bool {
	for _, pair := range compatibilityPairs {
		if (pair[0] == expected && pair[1] == got) || (pair[1] == expected && pair[0] == got) {
			return true
		}
	}
	return false
}

// BuildRequest assembles a complete RTU request frame: unit_id ||
// function_code || payload || crc_lo || crc_hi.
func BuildRequest(unitID byte, fc FunctionCode, payload []byte) []byte {
	body := make([]byte, 0, 2+len(payload)+2)
	body = append(body, unitID, byte(fc))
	body = append(body, payload...)
	crc := ComputeCRC16(body)
	body = append(body, byte(crc&0xFF), byte(crc>>8))
	return body
}

// BuildReadPayload builds the `addr_be || count_be` payload shared by
// the four read functions.
func BuildReadPayload(addr, count uint16) []byte {
	p := make([]byte, 4)
	binary.BigEndian.PutUint16(p[0:2], addr)
	binary.BigEndian.PutUint16(p[2:4], count)
	return p
}

// BuildWriteSingleCoilPayload builds the payload for FC 0x05. The
// device-level encoding only ever carries 0xFF00 (true) or 0x0000
// (false); no other value is legal on the wire.
func BuildWriteSingleCoilPayload(addr uint16, value bool) []byte {
	p := make([]byte, 4)
	binary.BigEndian.PutUint16(p[0:2], addr)
	if value {
		binary.BigEndian.PutUint16(p[2:4], 0xFF00)
	}
	return p
}

// BuildWriteSingleRegisterPayload builds the payload for FC 0x06.
func BuildWriteSingleRegisterPayload(addr, value uint16) []byte {
	p := make([]byte, 4)
	binary.BigEndian.PutUint16(p[0:2], addr)
	binary.BigEndian.PutUint16(p[2:4], value)
	return p
}

// BuildWriteMultipleCoilsPayload builds the payload for FC 0x0F:
// addr_be || count_be || byte_count || packed_bits (LSB-first per byte).
func BuildWriteMultipleCoilsPayload(addr uint16, values []bool) []byte {
	count := len(values)
	byteCount := (count + 7) / 8
	p := make([]byte, 5+byteCount)
	binary.BigEndian.PutUint16(p[0:2], addr)
	binary.BigEndian.PutUint16(p[2:4], uint16(count))
	p[4] = byte(byteCount)
	for i, v := range values {
		if v {
			p[5+i/8] |= 1 << uint(i%8)
		}
	}
	return p
}

// BuildWriteMultipleRegistersPayload builds the payload for FC 0x10:
// addr_be || count_be || byte_count || values_be.
func BuildWriteMultipleRegistersPayload(addr uint16, values []uint16) []byte {
	count := len(values)
	byteCount := count * 2
	p := make([]byte, 5+byteCount)
	binary.BigEndian.PutUint16(p[0:2], addr)
	binary.BigEndian.PutUint16(p[2:4], uint16(count))
	p[4] = byte(byteCount)
	for i, v := range values {
		binary.BigEndian.PutUint16(p[5+i*2:7+i*2], v)
	}
	return p
}

// ParseStatus discriminates the outcome of ParseResponse.
type ParseStatus int

const (
	ParseIncomplete ParseStatus = iota
	ParseInvalid
	ParseException
	ParseOK
)

// ParseResult is the outcome of parsing a candidate response buffer.
type ParseResult struct {
	Status          ParseStatus
	Payload         []byte        // valid only when Status == ParseOK
	ExceptionCode   ExceptionCode // valid only when Status == ParseException
	CRCQuirk        quirkVariant  // non-empty if CRC was accepted only via a quirk scheme
	CRCUnreliable   bool          // true if CRC failed all schemes but structural check passed
	FunctionQuirk   bool          // true if accepted only via a function-code compatibility rule
	UnitQuirk       bool          // true if accepted via a broadcast/echo unit-ID tolerance
}

// ParseResponse validates and decodes a raw response buffer against an
// expected (unit, function) pair, following the tolerance decision
// order of spec.md §4.2 steps 1–7.
func ParseResponse(buf []byte, expectedUnit byte, expectedFunc FunctionCode) ParseResult {
	if len(buf) < 4 {
		return ParseResult{Status: ParseIncomplete}
	}

	gotUnit := buf[0]
	gotFunc := FunctionCode(buf[1])

	crcOK := VerifyCRC16(buf)
	var quirk quirkVariant
	crcUnreliable := false
	if !crcOK {
		ok, variant := tryQuirkCRCs(buf)
		if ok {
			quirk = variant
		} else if structurallyConsistent(buf, gotFunc) {
			crcUnreliable = true
		} else {
			return ParseResult{Status: ParseInvalid}
		}
	}

	if gotFunc.IsException() {
		if len(buf) >= 5 {
			return ParseResult{Status: ParseException, ExceptionCode: ExceptionCode(buf[2]), CRCQuirk: quirk, CRCUnreliable: crcUnreliable}
		}
		return ParseResult{Status: ParseIncomplete}
	}

	unitQuirk := false
	switch {
	case gotUnit == expectedUnit:
		// exact match
	case gotUnit == 0:
		unitQuirk = true // broadcast echo, accepted with a warning by the caller
	case gotUnit == expectedUnit+0x80 && gotFunc.IsException():
		unitQuirk = true // device's second quirk form
	default:
		return ParseResult{Status: ParseInvalid}
	}

	functionQuirk := false
	if gotFunc != expectedFunc {
		if !functionsCompatible(expectedFunc, gotFunc) {
			if structurallyConsistent(buf, gotFunc) && isWriteEcho(buf, expectedFunc) {
				functionQuirk = true
			} else {
				return ParseResult{Status: ParseInvalid}
			}
		} else {
			functionQuirk = true
		}
	}

	if len(buf) < 4 {
		return ParseResult{Status: ParseIncomplete}
	}

	return ParseResult{
		Status:        ParseOK,
		Payload:       buf[2 : len(buf)-2],
		CRCQuirk:      quirk,
		CRCUnreliable: crcUnreliable,
		FunctionQuirk: functionQuirk,
		UnitQuirk:     unitQuirk,
	}
}

// structurallyConsistent implements §4.2 step 6: a self-consistency
// check used both to tolerate CRC failures and to confirm adaptive
// framing length.
func structurallyConsistent(buf []byte, fc FunctionCode) bool {
	base := fc.Base()
	n := len(buf)
	switch {
	case fc.IsException():
		return n == 5
	case isReadFunc(base) || isReadFunc(fc):
		if n < 3 {
			return false
		}
		byteCount := int(buf[2])
		return n == 3+byteCount+2
	case isSingleWriteFunc(fc):
		return n == 8
	case isMultiWriteFunc(fc):
		return n == 8
	default:
		return false
	}
}

// isWriteEcho checks whether buf has the 8-byte length of a single- or
// multiple-write echo for expectedFunc, used as the last-resort
// acceptance rule in §4.2 step 5. Only the length is checked; the
// payload is not compared with the request body.
func isWriteEcho(buf []byte, expectedFunc FunctionCode) bool {
	if isSingleWriteFunc(expectedFunc) {
		return len(buf) == 8
	}
	if isMultiWriteFunc(expectedFunc) {
		return len(buf) == 8
	}
	return false
}

// DecodeBits unpacks a read-coils/discrete-inputs payload: payload[0]
// is byte_count, bits are LSB-first across the subsequent bytes, and
// only the first count bits are returned (trailing bits in the final
// byte are ignored).
func DecodeBits(payload []byte, count uint16) []bool {
	if len(payload) < 1 {
		return nil
	}
	byteCount := int(payload[0])
	data := payload[1:]
	if len(data) < byteCount {
		byteCount = len(data)
	}
	out := make([]bool, count)
	for i := uint16(0); i < count; i++ {
		byteIdx := int(i / 8)
		bitIdx := uint(i % 8)
		if byteIdx >= byteCount {
			break
		}
		out[i] = data[byteIdx]&(1<<bitIdx) != 0
	}
	return out
}

// DecodeRegisters unpacks a read-registers payload: payload[0] is
// byte_count (== 2*count), values are big-endian uint16s.
func DecodeRegisters(payload []byte, count uint16) []uint16 {
	if len(payload) < 1 {
		return nil
	}
	data := payload[1:]
	out := make([]uint16, count)
	for i := uint16(0); i < count; i++ {
		off := int(i) * 2
		if off+2 > len(data) {
			break
		}
		out[i] = binary.BigEndian.Uint16(data[off : off+2])
	}
	return out
}
