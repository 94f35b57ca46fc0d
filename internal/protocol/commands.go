package protocol

import (
	"encoding/binary"
	"fmt"
)

// Opcode identifies a command and its acknowledgment.
type Opcode uint8

const (
	OpSetDistanceResolution            Opcode = 0x01
	OpSetDistanceGates                 Opcode = 0x02
	OpSetGateThreshold                 Opcode = 0x03
	OpSetTimeout                       Opcode = 0x05
	OpSetOutPinLevel                   Opcode = 0x06
	OpStartDynamicBackgroundCorrection Opcode = 0x0B
	OpSetLightThreshold                Opcode = 0x0C
	OpSetLightFunction                 Opcode = 0x0D
	OpQuery                            Opcode = 0x12
	OpQueryDynamicBackgroundCorrection Opcode = 0x1B
	OpSetMode                          Opcode = 0x62
	OpQueryVersion                     Opcode = 0xA0
	OpSetBaudRate                      Opcode = 0xA1
	OpFactoryReset                     Opcode = 0xA2
	OpRestart                          Opcode = 0xA3
	OpSetBluetooth                     Opcode = 0xA4
	OpQueryMAC                         Opcode = 0xA5
	OpSetBluetoothPassword             Opcode = 0xA9
	OpCloseConfig                      Opcode = 0xFE
	OpOpenConfig                       Opcode = 0xFF
)

func (o Opcode) String() string {
	switch o {
	case OpSetDistanceResolution:
		return "SetDistanceResolution"
	case OpSetDistanceGates:
		return "SetDistanceGates"
	case OpSetGateThreshold:
		return "SetGateThreshold"
	case OpSetTimeout:
		return "SetTimeout"
	case OpSetOutPinLevel:
		return "SetOutPinLevel"
	case OpStartDynamicBackgroundCorrection:
		return "StartDynamicBackgroundCorrection"
	case OpSetLightThreshold:
		return "SetLightThreshold"
	case OpSetLightFunction:
		return "SetLightFunction"
	case OpQuery:
		return "Query"
	case OpQueryDynamicBackgroundCorrection:
		return "QueryDynamicBackgroundCorrection"
	case OpSetMode:
		return "SetMode"
	case OpQueryVersion:
		return "QueryVersion"
	case OpSetBaudRate:
		return "SetBaudRate"
	case OpFactoryReset:
		return "FactoryReset"
	case OpRestart:
		return "Restart"
	case OpSetBluetooth:
		return "SetBluetooth"
	case OpQueryMAC:
		return "QueryMAC"
	case OpSetBluetoothPassword:
		return "SetBluetoothPassword"
	case OpCloseConfig:
		return "CloseConfig"
	case OpOpenConfig:
		return "OpenConfig"
	}
	return fmt.Sprintf("Opcode(0x%02X)", uint8(o))
}

// RequiresSession reports whether the module only accepts o between
// OpenConfig and CloseConfig.
func (o Opcode) RequiresSession() bool {
	switch o {
	case OpSetDistanceResolution, OpSetDistanceGates, OpSetGateThreshold, OpSetTimeout,
		OpSetOutPinLevel, OpSetLightThreshold, OpSetLightFunction, OpSetMode,
		OpSetBaudRate, OpSetBluetooth, OpFactoryReset,
		OpStartDynamicBackgroundCorrection, OpQueryDynamicBackgroundCorrection:
		return true
	}
	return false
}

// NeedsRestart reports whether a confirmed write of o only takes effect
// after the module restarts.
func (o Opcode) NeedsRestart() bool {
	switch o {
	case OpSetBaudRate, OpSetBluetooth, OpSetDistanceResolution:
		return true
	}
	return false
}

// ParamKind is the wire encoding of one command parameter.
type ParamKind uint8

const (
	ParamU8 ParamKind = iota
	ParamU16
	ParamText
)

// Param is one typed command argument.
type Param struct {
	Kind ParamKind
	num  uint16
	text string
}

// U8 is a one-byte parameter.
func U8(v uint8) Param { return Param{Kind: ParamU8, num: uint16(v)} }

// U16 is a two-byte little-endian parameter.
func U16(v uint16) Param { return Param{Kind: ParamU16, num: v} }

// Text is a raw ASCII parameter that runs to the end of the payload.
func Text(s string) Param { return Param{Kind: ParamText, text: s} }

// Uint returns the numeric value of a U8 or U16 parameter.
func (p Param) Uint() int { return int(p.num) }

// Text returns the value of a Text parameter.
func (p Param) Text() string { return p.text }

func (p Param) appendTo(b []byte) []byte {
	switch p.Kind {
	case ParamU8:
		return append(b, uint8(p.num))
	case ParamU16:
		return binary.LittleEndian.AppendUint16(b, p.num)
	default:
		return append(b, p.text...)
	}
}

// Command is an opcode with its ordered parameters.
type Command struct {
	Op     Opcode
	Params []Param
}

// Payload serializes the parameters.
func (c Command) Payload() []byte {
	var b []byte
	for _, p := range c.Params {
		b = p.appendTo(b)
	}
	return b
}

// Encode returns the wire frame for c.
func (c Command) Encode() []byte {
	return EncodeFrame(KindCommand, uint8(c.Op), c.Payload())
}

func (c Command) String() string {
	return fmt.Sprintf("%s %X", c.Op, c.Payload())
}

// layouts lists the parameter kinds each opcode carries on the wire.
var layouts = map[Opcode][]ParamKind{
	OpOpenConfig:                       {ParamU16},
	OpCloseConfig:                      nil,
	OpQuery:                            nil,
	OpQueryVersion:                     nil,
	OpQueryMAC:                         {ParamU16},
	OpSetGateThreshold:                 {ParamU8, ParamU8, ParamU8},
	OpSetDistanceGates:                 {ParamU8, ParamU8},
	OpSetTimeout:                       {ParamU16},
	OpSetBaudRate:                      {ParamU16},
	OpSetDistanceResolution:            {ParamU8},
	OpSetOutPinLevel:                   {ParamU8},
	OpSetMode:                          {ParamU8},
	OpSetLightThreshold:                {ParamU8},
	OpSetLightFunction:                 {ParamU8},
	OpSetBluetooth:                     {ParamU8},
	OpSetBluetoothPassword:             {ParamText},
	OpFactoryReset:                     nil,
	OpRestart:                          nil,
	OpStartDynamicBackgroundCorrection: nil,
	OpQueryDynamicBackgroundCorrection: nil,
}

// DecodeCommand parses a command frame as the module would receive it.
func DecodeCommand(f Frame) (Command, error) {
	if f.Kind != KindCommand {
		return Command{}, fmt.Errorf("decode command: %w: %s frame", ErrMalformed, f.Kind)
	}
	op := Opcode(f.Type)
	layout, ok := layouts[op]
	if !ok {
		return Command{}, fmt.Errorf("decode command: %w: unknown opcode 0x%02X", ErrMalformed, f.Type)
	}
	cmd := Command{Op: op}
	b := f.Payload
	for _, k := range layout {
		switch k {
		case ParamU8:
			if len(b) < 1 {
				return Command{}, fmt.Errorf("decode %s: %w: short payload", op, ErrMalformed)
			}
			cmd.Params = append(cmd.Params, U8(b[0]))
			b = b[1:]
		case ParamU16:
			if len(b) < 2 {
				return Command{}, fmt.Errorf("decode %s: %w: short payload", op, ErrMalformed)
			}
			cmd.Params = append(cmd.Params, U16(binary.LittleEndian.Uint16(b)))
			b = b[2:]
		case ParamText:
			cmd.Params = append(cmd.Params, Text(string(b)))
			b = nil
		}
	}
	if len(b) != 0 {
		return Command{}, fmt.Errorf("decode %s: %w: %d trailing bytes", op, ErrMalformed, len(b))
	}
	return cmd, nil
}

// --- Constructors ---

const (
	// TotalGates is the number of distance gates the module reports.
	TotalGates = 14
	// MaxThreshold bounds gate thresholds and energies, in percent.
	MaxThreshold = 100
	// MaxTimeout bounds the presence hold time, in seconds.
	MaxTimeout = 900

	MinDistanceGateLow  = 1
	MinDistanceGateHigh = 12
	MaxDistanceGateLow  = 2
	MaxDistanceGateHigh = 13

	bluetoothPasswordLen = 6
)

// GateKind selects which of a gate's two thresholds a command writes.
type GateKind uint8

const (
	GateMove GateKind = iota
	GateStill
)

func (k GateKind) String() string {
	if k == GateStill {
		return "still"
	}
	return "move"
}

func OpenConfig() Command  { return Command{Op: OpOpenConfig, Params: []Param{U16(0x0001)}} }
func CloseConfig() Command { return Command{Op: OpCloseConfig} }

// Query reads the complete configuration snapshot.
func Query() Command        { return Command{Op: OpQuery} }
func QueryVersion() Command { return Command{Op: OpQueryVersion} }
func QueryMAC() Command     { return Command{Op: OpQueryMAC, Params: []Param{U16(0x0001)}} }
func FactoryReset() Command { return Command{Op: OpFactoryReset} }
func Restart() Command      { return Command{Op: OpRestart} }

func StartDynamicBackgroundCorrection() Command {
	return Command{Op: OpStartDynamicBackgroundCorrection}
}

func QueryDynamicBackgroundCorrection() Command {
	return Command{Op: OpQueryDynamicBackgroundCorrection}
}

// SetGateThreshold writes one threshold of one gate.
func SetGateThreshold(gate int, kind GateKind, value int) (Command, error) {
	if gate < 0 || gate >= TotalGates {
		return Command{}, fmt.Errorf("gate %d: %w: want 0..%d", gate, ErrInvalidValue, TotalGates-1)
	}
	if kind != GateMove && kind != GateStill {
		return Command{}, fmt.Errorf("gate kind %d: %w", kind, ErrInvalidValue)
	}
	if value < 0 || value > MaxThreshold {
		return Command{}, fmt.Errorf("gate %d %s threshold %d: %w: want 0..%d", gate, kind, value, ErrInvalidValue, MaxThreshold)
	}
	return Command{Op: OpSetGateThreshold, Params: []Param{U8(uint8(gate)), U8(uint8(kind)), U8(uint8(value))}}, nil
}

// SetDistanceGates writes the nearest and farthest active gate.
func SetDistanceGates(minGate, maxGate int) (Command, error) {
	if minGate < MinDistanceGateLow || minGate > MinDistanceGateHigh {
		return Command{}, fmt.Errorf("min distance gate %d: %w: want %d..%d", minGate, ErrInvalidValue, MinDistanceGateLow, MinDistanceGateHigh)
	}
	if maxGate < MaxDistanceGateLow || maxGate > MaxDistanceGateHigh {
		return Command{}, fmt.Errorf("max distance gate %d: %w: want %d..%d", maxGate, ErrInvalidValue, MaxDistanceGateLow, MaxDistanceGateHigh)
	}
	if minGate > maxGate {
		return Command{}, fmt.Errorf("distance gates %d..%d: %w: min exceeds max", minGate, maxGate, ErrInvalidValue)
	}
	return Command{Op: OpSetDistanceGates, Params: []Param{U8(uint8(minGate)), U8(uint8(maxGate))}}, nil
}

// SetTimeout writes how long presence is held after the last detection.
func SetTimeout(seconds int) (Command, error) {
	if seconds < 0 || seconds > MaxTimeout {
		return Command{}, fmt.Errorf("timeout %d: %w: want 0..%d", seconds, ErrInvalidValue, MaxTimeout)
	}
	return Command{Op: OpSetTimeout, Params: []Param{U16(uint16(seconds))}}, nil
}

func SetBaudRate(b BaudRate) (Command, error) {
	if !b.Valid() {
		return Command{}, fmt.Errorf("baud rate code %d: %w", uint8(b), ErrInvalidValue)
	}
	return Command{Op: OpSetBaudRate, Params: []Param{U16(uint16(b))}}, nil
}

func SetDistanceResolution(r DistanceResolution) (Command, error) {
	if !r.Valid() {
		return Command{}, fmt.Errorf("distance resolution code %d: %w", uint8(r), ErrInvalidValue)
	}
	return Command{Op: OpSetDistanceResolution, Params: []Param{U8(uint8(r))}}, nil
}

func SetOutPinLevel(l OutPinLevel) (Command, error) {
	if !l.Valid() {
		return Command{}, fmt.Errorf("out pin level code %d: %w", uint8(l), ErrInvalidValue)
	}
	return Command{Op: OpSetOutPinLevel, Params: []Param{U8(uint8(l))}}, nil
}

func SetMode(m Mode) (Command, error) {
	if !m.Valid() {
		return Command{}, fmt.Errorf("mode code %d: %w", uint8(m), ErrInvalidValue)
	}
	return Command{Op: OpSetMode, Params: []Param{U8(uint8(m))}}, nil
}

func SetLightFunction(f LightFunction) (Command, error) {
	if !f.Valid() {
		return Command{}, fmt.Errorf("light function code %d: %w", uint8(f), ErrInvalidValue)
	}
	return Command{Op: OpSetLightFunction, Params: []Param{U8(uint8(f))}}, nil
}

func SetLightThreshold(value int) (Command, error) {
	if value < 0 || value > 255 {
		return Command{}, fmt.Errorf("light threshold %d: %w: want 0..255", value, ErrInvalidValue)
	}
	return Command{Op: OpSetLightThreshold, Params: []Param{U8(uint8(value))}}, nil
}

func SetBluetooth(on bool) Command {
	var v uint8
	if on {
		v = 1
	}
	return Command{Op: OpSetBluetooth, Params: []Param{U8(v)}}
}

// SetBluetoothPassword requires exactly six printable ASCII characters.
func SetBluetoothPassword(password string) (Command, error) {
	if len(password) != bluetoothPasswordLen {
		return Command{}, fmt.Errorf("bluetooth password: %w: want %d characters, got %d", ErrInvalidValue, bluetoothPasswordLen, len(password))
	}
	for i := 0; i < len(password); i++ {
		if c := password[i]; c < 0x21 || c > 0x7E {
			return Command{}, fmt.Errorf("bluetooth password: %w: character %d is not printable ASCII", ErrInvalidValue, i)
		}
	}
	return Command{Op: OpSetBluetoothPassword, Params: []Param{Text(password)}}, nil
}
