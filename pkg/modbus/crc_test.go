package modbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComputeCRC16(t *testing.T) {
	t.Run("read holding registers request matches known vector", func(t *testing.T) {
		// unit 1, FC 0x03, addr 0x0000, count 0x0002 -> wire bytes C4 0B (lo, hi)
		frame := []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x02}
		crc := ComputeCRC16(frame)
		assert.Equal(t, uint16(0x0BC4), crc)
		assert.Equal(t, byte(0xC4), byte(crc&0xFF))
		assert.Equal(t, byte(0x0B), byte(crc>>8))
	})

	t.Run("empty input returns the unmodified initial value", func(t *testing.T) {
		assert.Equal(t, uint16(0xFFFF), ComputeCRC16(nil))
	})
}

func TestVerifyCRC16(t *testing.T) {
	t.Run("accepts a well-formed frame", func(t *testing.T) {
		body := []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x02}
		crc := ComputeCRC16(body)
		frame := append(append([]byte{}, body...), byte(crc&0xFF), byte(crc>>8))
		assert.True(t, VerifyCRC16(frame))
	})

	t.Run("rejects a frame with a corrupted byte", func(t *testing.T) {
		body := []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x02}
		crc := ComputeCRC16(body)
		frame := append(append([]byte{}, body...), byte(crc&0xFF), byte(crc>>8))
		frame[2] ^= 0xFF
		assert.False(t, VerifyCRC16(frame))
	})

	t.Run("rejects a frame shorter than 3 bytes", func(t *testing.T) {
		assert.False(t, VerifyCRC16([]byte{0x01, 0x02}))
	})
}

func TestTryQuirkCRCs(t *testing.T) {
	t.Run("byte-swapped CRC is recovered", func(t *testing.T) {
		body := []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x02}
		crc := ComputeCRC16(body)
		// Correct order is lo,hi; swap to hi,lo to simulate the quirk.
		frame := append(append([]byte{}, body...), byte(crc>>8), byte(crc&0xFF))
		ok, variant := tryQuirkCRCs(frame)
		assert.True(t, ok)
		assert.Equal(t, quirkByteSwap, variant)
	})

	t.Run("no scheme matches pure garbage", func(t *testing.T) {
		frame := []byte{0x01, 0x03, 0x02, 0xAB, 0xCD, 0x12, 0x34}
		ok, _ := tryQuirkCRCs(frame)
		assert.False(t, ok)
	})
}
