package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldbus-go/modbus-rtu/pkg/modbus"
	"github.com/fieldbus-go/modbus-rtu/pkg/modbus/mockserial"
)

// clientFactory builds the Scan probe-dial func. transports maps a port
// to the ordered sequence of transports its client should dial: index 0
// for the initial Connect, index 1 for the first close+reopen (e.g. a
// baudrate switch), and so on, holding on the last entry once exhausted.
// A fresh transport per dial matters because mockserial.Transport.Close
// is permanent — reusing an already-closed instance across a reopen
// would make every post-reopen exchange fail, unlike a real serial port.
func clientFactory(t *testing.T, transports map[string][]*mockserial.Transport) func(string, int) (*modbus.Client, error) {
	t.Helper()
	return func(port string, baud int) (*modbus.Client, error) {
		seq, ok := transports[port]
		if !ok {
			seq = []*mockserial.Transport{mockserial.New()}
		}
		i := 0
		dial := func(modbus.PortConfig) (modbus.Transport, error) {
			transport := seq[i]
			if i < len(seq)-1 {
				i++
			}
			return transport, nil
		}
		return modbus.NewClientWithTransport(modbus.ClientConfig{
			Port:        port,
			BaudRate:    baud,
			Timeout:     30 * time.Millisecond,
			RS485MinGap: time.Millisecond,
			MaxAttempts: 1,
		}, dial)
	}
}

func TestScan_FindsDeviceOnSecondPort(t *testing.T) {
	t.Run("sweeps ports until one answers", func(t *testing.T) {
		live := mockserial.New()
		req := modbus.BuildRequest(1, modbus.FuncReadCoils, modbus.BuildReadPayload(0, 1))
		resp := buildResponse(1, modbus.FuncReadCoils, []byte{0x01, 0x01})
		live.On(req, mockserial.Response{Bytes: resp})

		transports := map[string][]*mockserial.Transport{
			"/dev/ttyUSB0": {live},
		}

		opts := Options{
			Ports:     []string{"/dev/ttyACM0", "/dev/ttyUSB0"},
			Baudrates: []int{9600},
			UnitIDs:   []byte{1},
		}

		found, err := Scan(context.Background(), clientFactory(t, transports), opts)
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, "/dev/ttyUSB0", found.Port)
		assert.Equal(t, byte(1), found.UnitID)
	})
}

func TestScan_NoDeviceFound(t *testing.T) {
	t.Run("returns an error after exhausting the sweep", func(t *testing.T) {
		opts := Options{
			Ports:     []string{"/dev/ttyACM0"},
			Baudrates: []int{9600},
			UnitIDs:   []byte{1},
		}
		_, err := Scan(context.Background(), clientFactory(t, nil), opts)
		assert.Error(t, err)
	})
}

func TestScan_OpportunisticBaudrateUpgrade(t *testing.T) {
	t.Run("switches to the highest prioritized rate after a hit", func(t *testing.T) {
		live := mockserial.New()
		req := modbus.BuildRequest(1, modbus.FuncReadCoils, modbus.BuildReadPayload(0, 1))
		resp := buildResponse(1, modbus.FuncReadCoils, []byte{0x01, 0x01})
		live.On(req, mockserial.Response{Bytes: resp})

		// SetDeviceBaudrate closes live and reopens on a fresh transport
		// at the new rate; postSwitch is scripted to answer the
		// verification probe there, the same way a real device would
		// once it actually came back up at 115200.
		postSwitch := mockserial.New()
		verifyReq := modbus.BuildRequest(1, modbus.FuncReadHoldingRegisters, modbus.BuildReadPayload(0, 1))
		postSwitch.On(verifyReq, mockserial.Response{Bytes: buildResponse(1, modbus.FuncReadHoldingRegisters, []byte{0x02, 0x00, 0x01})})

		transports := map[string][]*mockserial.Transport{"/dev/ttyACM0": {live, postSwitch}}

		opts := Options{
			Ports:                []string{"/dev/ttyACM0"},
			Baudrates:            []int{9600},
			UnitIDs:              []byte{1},
			PrioritizedBaudrates: []int{9600, 115200},
		}

		found, err := Scan(context.Background(), clientFactory(t, transports), opts)
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, 115200, found.Baudrate)
	})

	t.Run("keeps the detected rate when no prioritized list is given", func(t *testing.T) {
		live := mockserial.New()
		req := modbus.BuildRequest(1, modbus.FuncReadCoils, modbus.BuildReadPayload(0, 1))
		resp := buildResponse(1, modbus.FuncReadCoils, []byte{0x01, 0x01})
		live.On(req, mockserial.Response{Bytes: resp})

		transports := map[string][]*mockserial.Transport{"/dev/ttyACM0": {live}}
		opts := Options{
			Ports:     []string{"/dev/ttyACM0"},
			Baudrates: []int{9600},
			UnitIDs:   []byte{1},
		}

		found, err := Scan(context.Background(), clientFactory(t, transports), opts)
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, 9600, found.Baudrate)
	})
}

func TestPrioritizePorts(t *testing.T) {
	t.Run("moves ACM ports to the front", func(t *testing.T) {
		ports := prioritizePorts([]string{"/dev/ttyUSB0", "/dev/ttyACM0", "/dev/ttyS0"})
		assert.Equal(t, "/dev/ttyACM0", ports[0])
	})
}

func buildResponse(unit byte, fc modbus.FunctionCode, payload []byte) []byte {
	body := append([]byte{unit, byte(fc)}, payload...)
	crc := modbus.ComputeCRC16(body)
	return append(body, byte(crc&0xFF), byte(crc>>8))
}
