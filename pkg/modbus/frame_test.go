package modbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func buildOKResponse(unit byte, fc FunctionCode, payload []byte) []byte {
	body := append([]byte{unit, byte(fc)}, payload...)
	crc := ComputeCRC16(body)
	return append(body, byte(crc&0xFF), byte(crc>>8))
}

func TestBuildRequest(t *testing.T) {
	t.Run("appends a valid trailing CRC", func(t *testing.T) {
		req := BuildRequest(1, FuncReadHoldingRegisters, BuildReadPayload(0, 2))
		assert.True(t, VerifyCRC16(req))
		assert.Equal(t, []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x02, 0xC4, 0x0B}, req)
	})
}

func TestBuildWriteMultipleCoilsPayload(t *testing.T) {
	t.Run("packs bits LSB-first with correct byte count", func(t *testing.T) {
		p := BuildWriteMultipleCoilsPayload(0x0013, []bool{true, false, true, true, false, false, true, true, true, false})
		assert.Equal(t, uint16(0x0013), uint16(p[0])<<8|uint16(p[1]))
		assert.Equal(t, uint16(10), uint16(p[2])<<8|uint16(p[3]))
		assert.Equal(t, byte(2), p[4])
		assert.Equal(t, byte(0xCD), p[5]) // 1,0,1,1,0,0,1,1 -> 0b11001101 = 0xCD
		assert.Equal(t, byte(0x01), p[6]) // 1,0 -> 0b00000001
	})
}

func TestParseResponse_ReadCoils(t *testing.T) {
	t.Run("decodes a clean read-coils response (S1)", func(t *testing.T) {
		resp := buildOKResponse(1, FuncReadCoils, []byte{0x01, 0b00001101})
		result := ParseResponse(resp, 1, FuncReadCoils)
		assert.Equal(t, ParseOK, result.Status)
		bits := DecodeBits(result.Payload, 5)
		assert.Equal(t, []bool{true, false, true, true, false}, bits)
	})
}

func TestParseResponse_ReadRegisters(t *testing.T) {
	t.Run("decodes big-endian register values (S2)", func(t *testing.T) {
		resp := buildOKResponse(1, FuncReadHoldingRegisters, []byte{0x04, 0x01, 0x2C, 0x00, 0x0A})
		result := ParseResponse(resp, 1, FuncReadHoldingRegisters)
		assert.Equal(t, ParseOK, result.Status)
		regs := DecodeRegisters(result.Payload, 2)
		assert.Equal(t, []uint16{300, 10}, regs)
	})
}

func TestParseResponse_WriteEcho(t *testing.T) {
	t.Run("accepts a standard write-single-coil echo (S3)", func(t *testing.T) {
		resp := buildOKResponse(1, FuncWriteSingleCoil, BuildWriteSingleCoilPayload(0x0010, true))
		result := ParseResponse(resp, 1, FuncWriteSingleCoil)
		assert.Equal(t, ParseOK, result.Status)
		assert.False(t, result.FunctionQuirk)
	})
}

func TestParseResponse_Exception(t *testing.T) {
	t.Run("surfaces an illegal-address exception (S4)", func(t *testing.T) {
		resp := buildOKResponse(1, FuncReadHoldingRegisters.WithException(), []byte{byte(ExcIllegalAddress)})
		result := ParseResponse(resp, 1, FuncReadHoldingRegisters)
		assert.Equal(t, ParseException, result.Status)
		assert.Equal(t, ExcIllegalAddress, result.ExceptionCode)
	})
}

func TestParseResponse_CRCQuirk(t *testing.T) {
	t.Run("accepts a byte-swapped CRC and flags the quirk (S5)", func(t *testing.T) {
		body := []byte{0x01, byte(FuncReadCoils), 0x01, 0x0D}
		crc := ComputeCRC16(body)
		swapped := append(append([]byte{}, body...), byte(crc>>8), byte(crc&0xFF))
		result := ParseResponse(swapped, 1, FuncReadCoils)
		assert.Equal(t, ParseOK, result.Status)
		assert.Equal(t, quirkByteSwap, result.CRCQuirk)
	})
}

func TestParseResponse_FunctionCodeCompatibility(t *testing.T) {
	t.Run("tolerates a Waveshare read-coils alias", func(t *testing.T) {
		resp := buildOKResponse(1, FuncWaveshareReadCoils, []byte{0x01, 0x01})
		result := ParseResponse(resp, 1, FuncReadCoils)
		assert.Equal(t, ParseOK, result.Status)
		assert.True(t, result.FunctionQuirk)
	})

	t.Run("rejects an unrelated function code", func(t *testing.T) {
		resp := buildOKResponse(1, FuncWriteMultipleRegisters, []byte{0x00, 0x10, 0x00, 0x01})
		result := ParseResponse(resp, 1, FuncReadCoils)
		assert.Equal(t, ParseInvalid, result.Status)
	})
}

func TestParseResponse_UnitIDTolerance(t *testing.T) {
	t.Run("accepts a broadcast echo of unit 0", func(t *testing.T) {
		resp := buildOKResponse(0, FuncReadCoils, []byte{0x01, 0x01})
		result := ParseResponse(resp, 5, FuncReadCoils)
		assert.Equal(t, ParseOK, result.Status)
		assert.True(t, result.UnitQuirk)
	})

	t.Run("rejects a response from an unrelated unit", func(t *testing.T) {
		resp := buildOKResponse(9, FuncReadCoils, []byte{0x01, 0x01})
		result := ParseResponse(resp, 5, FuncReadCoils)
		assert.Equal(t, ParseInvalid, result.Status)
	})
}

func TestParseResponse_Incomplete(t *testing.T) {
	t.Run("reports incomplete for a too-short buffer", func(t *testing.T) {
		result := ParseResponse([]byte{0x01, 0x03}, 1, FuncReadHoldingRegisters)
		assert.Equal(t, ParseIncomplete, result.Status)
	})
}

func TestDecodeBits(t *testing.T) {
	t.Run("ignores trailing bits beyond count", func(t *testing.T) {
		bits := DecodeBits([]byte{0x01, 0xFF}, 3)
		assert.Equal(t, []bool{true, true, true}, bits)
	})
}
