package devicestate

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_GetOrCreate(t *testing.T) {
	t.Run("returns the same instance for repeated lookups", func(t *testing.T) {
		r := NewRegistry()
		a := r.GetOrCreate("/dev/ttyACM0", 1)
		b := r.GetOrCreate("/dev/ttyACM0", 1)
		assert.Same(t, a, b)
	})

	t.Run("keeps distinct unit IDs on the same port separate", func(t *testing.T) {
		r := NewRegistry()
		a := r.GetOrCreate("/dev/ttyACM0", 1)
		b := r.GetOrCreate("/dev/ttyACM0", 2)
		assert.NotSame(t, a, b)
	})

	t.Run("Get returns nil for an unknown device", func(t *testing.T) {
		r := NewRegistry()
		assert.Nil(t, r.Get("/dev/ttyACM0", 1))
	})
}

func TestDeviceState_Counters(t *testing.T) {
	t.Run("tallies exchange outcomes", func(t *testing.T) {
		d := newDeviceState("/dev/ttyACM0", 1)
		d.RecordRequest()
		d.RecordSuccess()
		d.RecordRequest()
		d.RecordTimeout()
		d.RecordCRCQuirk("byte_swap")
		d.RecordFunctionQuirk()

		assert.Equal(t, int64(2), d.Counters.RequestCount)
		assert.Equal(t, int64(1), d.Counters.SuccessCount)
		assert.Equal(t, int64(1), d.Counters.TimeoutCount)
		assert.Equal(t, int64(1), d.Counters.CRCQuirkCount)
		assert.Equal(t, int64(1), d.Counters.FunctionQuirkCount)
	})
}

func TestDeviceState_SetRegisterRegion(t *testing.T) {
	t.Run("writes a contiguous run into the holding register map", func(t *testing.T) {
		d := newDeviceState("/dev/ttyACM0", 1)
		d.SetRegisterRegion(Holding, 10, []uint16{100, 200, 300})
		assert.Equal(t, uint16(100), d.HoldingRegisters[10])
		assert.Equal(t, uint16(200), d.HoldingRegisters[11])
		assert.Equal(t, uint16(300), d.HoldingRegisters[12])
	})

	t.Run("keeps input registers in a separate map", func(t *testing.T) {
		d := newDeviceState("/dev/ttyACM0", 1)
		d.SetRegisterRegion(Input, 0, []uint16{7})
		assert.Equal(t, uint16(7), d.InputRegisters[0])
		assert.Empty(t, d.HoldingRegisters)
	})
}

func TestRegistry_DumpAndLoad(t *testing.T) {
	t.Run("round-trips a snapshot through JSON", func(t *testing.T) {
		r := NewRegistry()
		d := r.GetOrCreate("/dev/ttyACM0", 3)
		d.SetCoil(0, true)
		d.RecordRequest()
		d.RecordSuccess()

		dir := t.TempDir()
		path := filepath.Join(dir, "device.json")
		require.NoError(t, r.DumpOne("/dev/ttyACM0", 3, path))

		_, err := os.Stat(path)
		require.NoError(t, err)

		snap, err := LoadFrom(path)
		require.NoError(t, err)
		assert.Equal(t, byte(3), snap.UnitID)
		assert.Equal(t, "/dev/ttyACM0", snap.Port)
		assert.True(t, snap.Coils["0"])
		assert.Equal(t, int64(1), snap.Counters.RequestCount)
	})

	t.Run("DumpAll writes one file per device", func(t *testing.T) {
		r := NewRegistry()
		r.GetOrCreate("/dev/ttyACM0", 1)
		r.GetOrCreate("/dev/ttyUSB0", 2)

		dir := t.TempDir()
		require.NoError(t, r.DumpAll(dir))

		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		assert.Len(t, entries, 2)
	})
}
