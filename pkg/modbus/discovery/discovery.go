// Package discovery sweeps ports, baud rates and unit IDs to locate a
// live Modbus RTU device (spec §4.7, C7), using the client package
// itself as the probe — no protocol code is duplicated here.
package discovery

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fieldbus-go/modbus-rtu/internal/logger"
	"github.com/fieldbus-go/modbus-rtu/pkg/modbus"
	"github.com/fieldbus-go/modbus-rtu/pkg/modbus/devicestate"
)

// DeviceConfig is one fully-resolved hit from Scan: a port, baud rate
// and unit ID that answered a probe.
type DeviceConfig struct {
	Port     string
	Baudrate int
	UnitID   byte
	Variant  string // non-empty when the Waveshare follow-up probe identified the module
}

// Options parameterizes a scan. Scan uses the slices as given: an empty
// Ports, Baudrates or UnitIDs slice means nothing is probed on that
// axis, and no configuration defaults are substituted. Callers fill
// them from configuration (spec §4.8's auto_detect.ports /
// auto_detect.unit_ids / prioritized_baudrates).
type Options struct {
	Ports     []string
	Baudrates []int
	UnitIDs   []byte
	Timeout   time.Duration

	// PrioritizedBaudrates lists the preferred baud rates (spec §4.8's
	// "prioritized_baudrates"). When the device that answered Scan is
	// running below the numerically highest entry, Scan
	// opportunistically tries to upgrade it to that rate in place
	// (spec §4.7); the order of the list does not affect the choice.
	PrioritizedBaudrates []int
}

// probeOrder is the function sequence tried against each (port, baud,
// unit) combination, most-likely-to-succeed first.
var probeOrder = []func(c *modbus.Client, unitID byte) error{
	func(c *modbus.Client, unitID byte) error { _, err := c.ReadCoils(unitID, 0, 1); return err },
	func(c *modbus.Client, unitID byte) error { _, err := c.ReadDiscreteInputs(unitID, 0, 1); return err },
	func(c *modbus.Client, unitID byte) error { _, err := c.ReadHoldingRegisters(unitID, 0, 1); return err },
	func(c *modbus.Client, unitID byte) error { _, err := c.ReadInputRegisters(unitID, 0, 1); return err },
}

// waveshareVariantRegLow and waveshareVariantRegHigh are consulted
// after a hit to fingerprint the module variant; a non-zero value at
// either is treated as identifying evidence, recorded but never
// required for the scan to succeed.
const (
	waveshareVariantRegLow  = 0x00FF
	waveshareVariantRegHigh = 0x0101
)

// Scan sweeps ports × baudrates × unit IDs in order, returning the
// first combination that answers any probe. /dev/ttyACM* ports are
// tried before others, matching how these Waveshare adapters usually
// enumerate. Returns nil and ctx.Err() if ctx is cancelled before a
// hit, and nil with an error if the sweep is exhausted without one;
// ctx is checked between (port, baud) combinations, not within a probe.
// An identified variant is also recorded on the device's DeviceState.
func Scan(ctx context.Context, c func(port string, baud int) (*modbus.Client, error), opts Options) (*DeviceConfig, error) {
	scanID := uuid.NewString()
	log := logger.WithScan(scanID)
	ports := prioritizePorts(opts.Ports)
	baudrates := opts.Baudrates
	unitIDs := opts.UnitIDs

	log.Info("scan started", zap.Strings("ports", ports), zap.Ints("baudrates", baudrates))

	for _, port := range ports {
		for _, baud := range baudrates {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}

			client, err := c(port, baud)
			if err != nil {
				continue
			}
			if connErr := client.Connect(); connErr != nil {
				continue
			}

			found := probeUnits(client, unitIDs)

			if found != nil {
				found.Port = port
				found.Baudrate = baud
				if found.Variant != "" {
					devicestate.Global().GetOrCreate(port, found.UnitID).SetVariant(found.Variant)
				}
				log.Info("scan hit", zap.String("port", port), zap.Int("baud", baud), zap.Uint8("unit_id", found.UnitID))
				upgradeBaudrate(client, found, opts.PrioritizedBaudrates, log)
				client.Disconnect()
				return found, nil
			}
			client.Disconnect()
		}
	}

	log.Warn("scan exhausted with no device found")
	return nil, fmt.Errorf("discovery: no device found after scanning %d port(s) x %d baudrate(s) x %d unit id(s)",
		len(ports), len(baudrates), len(unitIDs))
}

func probeUnits(client *modbus.Client, unitIDs []byte) *DeviceConfig {
	for _, unitID := range unitIDs {
		for _, probe := range probeOrder {
			if err := probe(client, unitID); err == nil {
				hit := &DeviceConfig{UnitID: unitID}
				identifyVariant(client, unitID, hit)
				return hit
			}
			// An exception response still proves a device is present
			// and addressable; only timeouts/IO errors mean "nobody home".
			switch err.(type) {
			case *modbus.ExceptionResponse:
				hit := &DeviceConfig{UnitID: unitID}
				identifyVariant(client, unitID, hit)
				return hit
			}
		}
	}
	return nil
}

func identifyVariant(client *modbus.Client, unitID byte, hit *DeviceConfig) {
	regs, err := client.ReadHoldingRegisters(unitID, waveshareVariantRegLow, 1)
	if err == nil && len(regs) == 1 && regs[0] != 0 {
		hit.Variant = fmt.Sprintf("waveshare-%04x", regs[0])
		return
	}
	regs, err = client.ReadHoldingRegisters(unitID, waveshareVariantRegHigh, 1)
	if err == nil && len(regs) == 1 && regs[0] != 0 {
		hit.Variant = fmt.Sprintf("waveshare-%04x", regs[0])
	}
}

// upgradeBaudrate implements spec §4.7's opportunistic step: if the
// device answered below the highest prioritized rate, try switching it
// there once. A failed attempt is logged and otherwise ignored — the
// device stays reachable at the rate found, discovery never fails
// because of an upgrade attempt.
func upgradeBaudrate(client *modbus.Client, found *DeviceConfig, prioritized []int, log *zap.Logger) {
	if len(prioritized) == 0 {
		return
	}
	highest := prioritized[0]
	for _, b := range prioritized {
		if b > highest {
			highest = b
		}
	}
	if found.Baudrate >= highest {
		return
	}
	if err := client.SetDeviceBaudrate(found.UnitID, highest); err != nil {
		log.Warn("opportunistic baudrate upgrade failed, staying at detected rate",
			zap.Int("detected_baud", found.Baudrate), zap.Int("target_baud", highest), zap.Error(err))
		return
	}
	found.Baudrate = highest
}

// prioritizePorts moves anything matching /dev/ttyACM* to the front,
// preserving relative order within each group (spec §4.7).
func prioritizePorts(ports []string) []string {
	out := make([]string, len(ports))
	copy(out, ports)
	sort.SliceStable(out, func(i, j int) bool {
		return isACM(out[i]) && !isACM(out[j])
	})
	return out
}

func isACM(port string) bool {
	const prefix = "/dev/ttyACM"
	return len(port) >= len(prefix) && port[:len(prefix)] == prefix
}
