package radar

import (
	"fmt"

	"radar-go-home/internal/protocol"
)

// Field names one mirrored configuration value.
type Field int

const (
	FieldBaudRate Field = iota
	FieldDistanceResolution
	FieldMinDistanceGate
	FieldMaxDistanceGate
	FieldTimeout
	FieldLightFunction
	FieldLightThreshold
	FieldOutPinLevel
	FieldMode
	FieldBluetooth
	fieldGateBase

	numFields = int(fieldGateBase) + 2*protocol.TotalGates
)

// GateField returns the field holding one threshold of gate.
func GateField(gate int, kind protocol.GateKind) Field {
	return fieldGateBase + Field(2*gate+int(kind))
}

// Gate reports which gate threshold f holds, if any.
func (f Field) Gate() (gate int, kind protocol.GateKind, ok bool) {
	if f < fieldGateBase || int(f) >= numFields {
		return 0, 0, false
	}
	n := int(f - fieldGateBase)
	return n / 2, protocol.GateKind(n % 2), true
}

func (f Field) String() string {
	switch f {
	case FieldBaudRate:
		return "baud_rate"
	case FieldDistanceResolution:
		return "distance_resolution"
	case FieldMinDistanceGate:
		return "min_distance_gate"
	case FieldMaxDistanceGate:
		return "max_distance_gate"
	case FieldTimeout:
		return "timeout"
	case FieldLightFunction:
		return "light_function"
	case FieldLightThreshold:
		return "light_threshold"
	case FieldOutPinLevel:
		return "out_pin_level"
	case FieldMode:
		return "mode"
	case FieldBluetooth:
		return "bluetooth"
	}
	if gate, kind, ok := f.Gate(); ok {
		return fmt.Sprintf("gate_%d_%s_threshold", gate, kind)
	}
	return fmt.Sprintf("field(%d)", int(f))
}

// ConfigStore mirrors the module configuration. A field is Unknown until a
// query or an acknowledged write supplied it.
//
// Read returns protocol.BaudRate, protocol.DistanceResolution,
// protocol.LightFunction, protocol.OutPinLevel and protocol.Mode for the
// enum fields, bool for FieldBluetooth and int for everything else.
type ConfigStore struct {
	cfg      protocol.DeviceConfig
	known    [numFields]bool
	onChange func(Field, any)
}

// NewConfigStore returns a store with every field Unknown.
func NewConfigStore() *ConfigStore {
	return &ConfigStore{}
}

// OnChange registers the observer notified after each field update.
func (s *ConfigStore) OnChange(fn func(Field, any)) {
	s.onChange = fn
}

// ApplyQueryResult replaces the whole snapshot; every field becomes known.
func (s *ConfigStore) ApplyQueryResult(c protocol.DeviceConfig) {
	s.cfg = c
	for i := range s.known {
		s.known[i] = true
	}
	for f := Field(0); int(f) < numFields; f++ {
		s.notify(f)
	}
}

// ApplyConfirmedWrite stores one acknowledged value. v must have the type Read returns for f.
func (s *ConfigStore) ApplyConfirmedWrite(f Field, v any) error {
	if f < 0 || int(f) >= numFields {
		return fmt.Errorf("config store: %s: no such field", f)
	}
	if err := s.set(f, v); err != nil {
		return err
	}
	s.known[f] = true
	s.notify(f)
	return nil
}

// Read returns the mirrored value, or ok=false while f is Unknown.
func (s *ConfigStore) Read(f Field) (v any, ok bool) {
	if f < 0 || int(f) >= numFields || !s.known[f] {
		return nil, false
	}
	return s.get(f), true
}

// Known reports whether every field has been read.
func (s *ConfigStore) Known() bool {
	for _, k := range s.known {
		if !k {
			return false
		}
	}
	return true
}

// Snapshot returns the mirrored configuration and whether it is complete.
func (s *ConfigStore) Snapshot() (protocol.DeviceConfig, bool) {
	return s.cfg, s.Known()
}

// Forget marks every field Unknown, e.g. after a factory reset.
func (s *ConfigStore) Forget() {
	s.known = [numFields]bool{}
}

func (s *ConfigStore) notify(f Field) {
	if s.onChange != nil {
		s.onChange(f, s.get(f))
	}
}

func (s *ConfigStore) get(f Field) any {
	switch f {
	case FieldBaudRate:
		return s.cfg.BaudRate
	case FieldDistanceResolution:
		return s.cfg.DistanceResolution
	case FieldMinDistanceGate:
		return int(s.cfg.MinDistanceGate)
	case FieldMaxDistanceGate:
		return int(s.cfg.MaxDistanceGate)
	case FieldTimeout:
		return int(s.cfg.Timeout)
	case FieldLightFunction:
		return s.cfg.LightFunction
	case FieldLightThreshold:
		return int(s.cfg.LightThreshold)
	case FieldOutPinLevel:
		return s.cfg.OutPinLevel
	case FieldMode:
		return s.cfg.Mode
	case FieldBluetooth:
		return s.cfg.Bluetooth
	}
	gate, kind, _ := f.Gate()
	if kind == protocol.GateStill {
		return int(s.cfg.Gates[gate].Still)
	}
	return int(s.cfg.Gates[gate].Move)
}

func (s *ConfigStore) set(f Field, v any) error {
	bad := func() error {
		return fmt.Errorf("config store: %s: unexpected value %v (%T)", f, v, v)
	}
	switch f {
	case FieldBaudRate:
		b, ok := v.(protocol.BaudRate)
		if !ok {
			return bad()
		}
		s.cfg.BaudRate = b
	case FieldDistanceResolution:
		r, ok := v.(protocol.DistanceResolution)
		if !ok {
			return bad()
		}
		s.cfg.DistanceResolution = r
	case FieldLightFunction:
		l, ok := v.(protocol.LightFunction)
		if !ok {
			return bad()
		}
		s.cfg.LightFunction = l
	case FieldOutPinLevel:
		l, ok := v.(protocol.OutPinLevel)
		if !ok {
			return bad()
		}
		s.cfg.OutPinLevel = l
	case FieldMode:
		m, ok := v.(protocol.Mode)
		if !ok {
			return bad()
		}
		s.cfg.Mode = m
	case FieldBluetooth:
		on, ok := v.(bool)
		if !ok {
			return bad()
		}
		s.cfg.Bluetooth = on
	default:
		n, ok := v.(int)
		if !ok || n < 0 {
			return bad()
		}
		switch f {
		case FieldMinDistanceGate:
			s.cfg.MinDistanceGate = uint8(n)
		case FieldMaxDistanceGate:
			s.cfg.MaxDistanceGate = uint8(n)
		case FieldTimeout:
			s.cfg.Timeout = uint16(n)
		case FieldLightThreshold:
			s.cfg.LightThreshold = uint8(n)
		default:
			gate, kind, _ := f.Gate()
			if kind == protocol.GateStill {
				s.cfg.Gates[gate].Still = uint8(n)
			} else {
				s.cfg.Gates[gate].Move = uint8(n)
			}
		}
	}
	return nil
}
