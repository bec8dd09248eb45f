// Package devicestate implements the process-wide device-state
// registry (spec §4.6, C6): a cache of last-observed coil/register
// values and reliability counters, keyed by (port, unit_id), with a
// JSON dump/load format for diagnostics and replay.
//
// The map itself is protected by one lock (Design Note §9: represent
// shared state as "a map keyed by (port, unit_id) with interior
// mutability, not a graph of cross-references"); each DeviceState
// additionally guards its own fields so readers never need to hold the
// registry lock while inspecting one entry.
package devicestate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Key identifies one device on the bus.
type Key struct {
	Port   string
	UnitID byte
}

func (k Key) String() string { return fmt.Sprintf("%s#%d", k.Port, k.UnitID) }

// Counters tallies exchange outcomes for one device.
type Counters struct {
	RequestCount       int64 `json:"request_count"`
	SuccessCount       int64 `json:"success_count"`
	TimeoutCount       int64 `json:"timeout_count"`
	CRCErrorCount      int64 `json:"crc_error_count"`
	ExceptionCount     int64 `json:"exception_count"`
	IOErrorCount       int64 `json:"io_error_count"`
	CRCQuirkCount      int64 `json:"crc_quirk_count"`
	FunctionQuirkCount int64 `json:"function_quirk_count"`
}

// DeviceState is the per-(port, unit_id) cache described in spec §3.
// Created on first contact (GetOrCreate), held for the life of the
// process, and optionally persisted to a JSON document.
type DeviceState struct {
	mu sync.RWMutex

	Port     string
	UnitID   byte
	BaudRate int
	// Variant tags a Waveshare module identity discovered through the
	// §4.7 follow-up probe ("waveshare-" plus the hex value read from
	// the identifying register, e.g. "waveshare-0008"); empty when
	// unidentified.
	Variant string

	Coils            map[uint16]bool
	DiscreteInputs   map[uint16]bool
	HoldingRegisters map[uint16]uint16
	InputRegisters   map[uint16]uint16

	LastSeen time.Time
	Counters Counters
}

func newDeviceState(port string, unitID byte) *DeviceState {
	return &DeviceState{
		Port:             port,
		UnitID:           unitID,
		Coils:            make(map[uint16]bool),
		DiscreteInputs:   make(map[uint16]bool),
		HoldingRegisters: make(map[uint16]uint16),
		InputRegisters:   make(map[uint16]uint16),
	}
}

// --- Counters interface (matches modbus.Counters by structure) ---

func (d *DeviceState) RecordRequest() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Counters.RequestCount++
	d.LastSeen = time.Now()
}

func (d *DeviceState) RecordSuccess() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Counters.SuccessCount++
}

func (d *DeviceState) RecordTimeout() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Counters.TimeoutCount++
}

func (d *DeviceState) RecordCRCError() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Counters.CRCErrorCount++
}

func (d *DeviceState) RecordException() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Counters.ExceptionCount++
}

func (d *DeviceState) RecordIoError() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Counters.IOErrorCount++
}

func (d *DeviceState) RecordCRCQuirk(variant string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Counters.CRCQuirkCount++
}

func (d *DeviceState) RecordFunctionQuirk() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Counters.FunctionQuirkCount++
}

// --- value updates ---

// SetCoil records the last observed value of one coil.
func (d *DeviceState) SetCoil(addr uint16, value bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Coils[addr] = value
}

// SetDiscreteInput records the last observed value of one discrete input.
func (d *DeviceState) SetDiscreteInput(addr uint16, value bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.DiscreteInputs[addr] = value
}

// RegisterKind selects which register region SetRegisterRegion writes.
type RegisterKind int

const (
	Holding RegisterKind = iota
	Input
)

// SetRegisterRegion records a contiguous run of register values
// starting at start, in the given region.
func (d *DeviceState) SetRegisterRegion(kind RegisterKind, start uint16, values []uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	target := d.HoldingRegisters
	if kind == Input {
		target = d.InputRegisters
	}
	for i, v := range values {
		target[start+uint16(i)] = v
	}
}

// SetCoilRegion records a contiguous run of coil values starting at start.
func (d *DeviceState) SetCoilRegion(start uint16, values []bool, discrete bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	target := d.Coils
	if discrete {
		target = d.DiscreteInputs
	}
	for i, v := range values {
		target[start+uint16(i)] = v
	}
}

// SetVariant tags the device's identified Waveshare module type.
func (d *DeviceState) SetVariant(variant string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Variant = variant
}

// SetBaudRate updates the recorded operating baud rate (after a
// successful switch_baudrate).
func (d *DeviceState) SetBaudRate(baud int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.BaudRate = baud
}

// Snapshot is the JSON document shape persisted per spec §4.6.
type Snapshot struct {
	UnitID           byte             `json:"unit_id"`
	Port             string           `json:"port"`
	BaudRate         int              `json:"baudrate"`
	Variant          string           `json:"variant,omitempty"`
	Coils            map[string]bool  `json:"coils"`
	DiscreteInputs   map[string]bool  `json:"discrete_inputs"`
	HoldingRegisters map[string]int   `json:"holding_registers"`
	InputRegisters   map[string]int   `json:"input_registers"`
	Counters         Counters         `json:"counters"`
	LastSeen         time.Time        `json:"last_seen"`
}

// Snapshot takes a consistent, JSON-ready copy of the state.
func (d *DeviceState) Snapshot() Snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()

	s := Snapshot{
		UnitID:           d.UnitID,
		Port:             d.Port,
		BaudRate:         d.BaudRate,
		Variant:          d.Variant,
		Coils:            make(map[string]bool, len(d.Coils)),
		DiscreteInputs:   make(map[string]bool, len(d.DiscreteInputs)),
		HoldingRegisters: make(map[string]int, len(d.HoldingRegisters)),
		InputRegisters:   make(map[string]int, len(d.InputRegisters)),
		Counters:         d.Counters,
		LastSeen:         d.LastSeen,
	}
	for addr, v := range d.Coils {
		s.Coils[fmt.Sprint(addr)] = v
	}
	for addr, v := range d.DiscreteInputs {
		s.DiscreteInputs[fmt.Sprint(addr)] = v
	}
	for addr, v := range d.HoldingRegisters {
		s.HoldingRegisters[fmt.Sprint(addr)] = int(v)
	}
	for addr, v := range d.InputRegisters {
		s.InputRegisters[fmt.Sprint(addr)] = int(v)
	}
	return s
}

// Registry is the process-wide singleton holding one DeviceState per
// (port, unit_id). Destroyed (garbage collected) on process exit
// unless explicitly dumped.
type Registry struct {
	mu      sync.RWMutex
	devices map[Key]*DeviceState
}

var global = NewRegistry()

// Global returns the process-wide registry singleton.
func Global() *Registry { return global }

// NewRegistry constructs an empty registry. Most callers should use
// Global(); a fresh instance is useful in tests that want isolation.
func NewRegistry() *Registry {
	return &Registry{devices: make(map[Key]*DeviceState)}
}

// GetOrCreate returns the entry for (port, unitID), creating it on
// first contact.
func (r *Registry) GetOrCreate(port string, unitID byte) *DeviceState {
	key := Key{Port: port, UnitID: unitID}

	r.mu.RLock()
	d, ok := r.devices[key]
	r.mu.RUnlock()
	if ok {
		return d
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.devices[key]; ok {
		return d
	}
	d = newDeviceState(port, unitID)
	r.devices[key] = d
	return d
}

// Get returns the entry for (port, unitID), or nil if none exists.
func (r *Registry) Get(port string, unitID byte) *DeviceState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.devices[Key{Port: port, UnitID: unitID}]
}

// List returns a snapshot slice of every known device.
func (r *Registry) List() []*DeviceState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*DeviceState, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d)
	}
	return out
}

// DumpOne writes one device's snapshot as a JSON document to path.
func (r *Registry) DumpOne(port string, unitID byte, path string) error {
	d := r.Get(port, unitID)
	if d == nil {
		return fmt.Errorf("devicestate: no entry for %s#%d", port, unitID)
	}
	b, err := json.MarshalIndent(d.Snapshot(), "", "  ")
	if err != nil {
		return fmt.Errorf("devicestate: marshal: %w", err)
	}
	return os.WriteFile(path, b, 0644)
}

// DumpAll writes every known device's snapshot into directory, one
// file per device named "<port-sanitized>_<unit_id>.json".
func (r *Registry) DumpAll(directory string) error {
	if err := os.MkdirAll(directory, 0755); err != nil {
		return fmt.Errorf("devicestate: mkdir: %w", err)
	}
	for _, d := range r.List() {
		name := fmt.Sprintf("%s_%d.json", sanitizePort(d.Port), d.UnitID)
		b, err := json.MarshalIndent(d.Snapshot(), "", "  ")
		if err != nil {
			return fmt.Errorf("devicestate: marshal %s: %w", name, err)
		}
		if err := os.WriteFile(filepath.Join(directory, name), b, 0644); err != nil {
			return fmt.Errorf("devicestate: write %s: %w", name, err)
		}
	}
	return nil
}

// LoadFrom reads a previously dumped snapshot for diagnostics/replay.
// It never affects live transport state.
func LoadFrom(path string) (Snapshot, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("devicestate: read %s: %w", path, err)
	}
	var s Snapshot
	if err := json.Unmarshal(b, &s); err != nil {
		return Snapshot{}, fmt.Errorf("devicestate: unmarshal %s: %w", path, err)
	}
	return s, nil
}

func sanitizePort(port string) string {
	out := make([]rune, 0, len(port))
	for _, r := range port {
		if r == '/' || r == '\\' || r == ':' {
			out = append(out, '_')
			continue
		}
		out = append(out, r)
	}
	return string(out)
}
