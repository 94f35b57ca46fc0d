package protocol

import (
	"encoding/binary"
	"fmt"
	"strconv"
)

// BaudRate is the module's wire code for a UART speed.
type BaudRate uint8

const (
	Baud9600   BaudRate = 1
	Baud19200  BaudRate = 2
	Baud38400  BaudRate = 3
	Baud57600  BaudRate = 4
	Baud115200 BaudRate = 5
	Baud230400 BaudRate = 6
	Baud256000 BaudRate = 7
	Baud460800 BaudRate = 8
)

var baudRates = [...]int{0, 9600, 19200, 38400, 57600, 115200, 230400, 256000, 460800}

// BaudRates lists the supported speeds in ascending order.
func BaudRates() []int {
	return append([]int(nil), baudRates[1:]...)
}

func (b BaudRate) Valid() bool { return b >= Baud9600 && b <= Baud460800 }

// Rate returns the speed in bits per second, or 0 for an invalid code.
func (b BaudRate) Rate() int {
	if !b.Valid() {
		return 0
	}
	return baudRates[b]
}

func (b BaudRate) String() string {
	if !b.Valid() {
		return fmt.Sprintf("BaudRate(%d)", uint8(b))
	}
	return strconv.Itoa(b.Rate())
}

// ParseBaudRate maps a speed such as 115200 to its code.
func ParseBaudRate(rate int) (BaudRate, error) {
	for code := Baud9600; code <= Baud460800; code++ {
		if baudRates[code] == rate {
			return code, nil
		}
	}
	return 0, fmt.Errorf("baud rate %d: %w", rate, ErrInvalidValue)
}

// DistanceResolution is the gate size. The wire codes are not ordered by size.
type DistanceResolution uint8

const (
	Resolution075 DistanceResolution = 0x00
	Resolution050 DistanceResolution = 0x01
	Resolution020 DistanceResolution = 0x03
)

func (r DistanceResolution) Valid() bool {
	return r == Resolution075 || r == Resolution050 || r == Resolution020
}

func (r DistanceResolution) String() string {
	switch r {
	case Resolution020:
		return "0.2m"
	case Resolution050:
		return "0.5m"
	case Resolution075:
		return "0.75m"
	}
	return fmt.Sprintf("DistanceResolution(%d)", uint8(r))
}

func ParseDistanceResolution(s string) (DistanceResolution, error) {
	for _, r := range []DistanceResolution{Resolution020, Resolution050, Resolution075} {
		if r.String() == s {
			return r, nil
		}
	}
	return 0, fmt.Errorf("distance resolution %q: %w", s, ErrInvalidValue)
}

// OutPinLevel is the OUT pin level that signals presence.
type OutPinLevel uint8

const (
	OutPinHigh OutPinLevel = 0x00
	OutPinLow  OutPinLevel = 0x01
)

func (l OutPinLevel) Valid() bool { return l == OutPinHigh || l == OutPinLow }

func (l OutPinLevel) String() string {
	switch l {
	case OutPinLow:
		return "low"
	case OutPinHigh:
		return "high"
	}
	return fmt.Sprintf("OutPinLevel(%d)", uint8(l))
}

func ParseOutPinLevel(s string) (OutPinLevel, error) {
	switch s {
	case "low":
		return OutPinLow, nil
	case "high":
		return OutPinHigh, nil
	}
	return 0, fmt.Errorf("out pin level %q: %w", s, ErrInvalidValue)
}

// LightFunction controls how the light sensor gates the OUT pin.
type LightFunction uint8

const (
	LightOff   LightFunction = 0x00
	LightBelow LightFunction = 0x01
	LightAbove LightFunction = 0x02
)

func (f LightFunction) Valid() bool { return f <= LightAbove }

func (f LightFunction) String() string {
	switch f {
	case LightOff:
		return "off"
	case LightBelow:
		return "below"
	case LightAbove:
		return "above"
	}
	return fmt.Sprintf("LightFunction(%d)", uint8(f))
}

func ParseLightFunction(s string) (LightFunction, error) {
	for f := LightOff; f <= LightAbove; f++ {
		if f.String() == s {
			return f, nil
		}
	}
	return 0, fmt.Errorf("light function %q: %w", s, ErrInvalidValue)
}

// Mode is the module operating mode.
type Mode uint8

const (
	ModeNormal                      Mode = 0x00
	ModeEngineering                 Mode = 0x01
	ModeDynamicBackgroundCorrection Mode = 0x02
)

func (m Mode) Valid() bool { return m <= ModeDynamicBackgroundCorrection }

func (m Mode) String() string {
	switch m {
	case ModeNormal:
		return "Normal"
	case ModeEngineering:
		return "Engineering"
	case ModeDynamicBackgroundCorrection:
		return "Dynamic Background Correction"
	}
	return fmt.Sprintf("Mode(%d)", uint8(m))
}

func ParseMode(s string) (Mode, error) {
	for m := ModeNormal; m <= ModeDynamicBackgroundCorrection; m++ {
		if m.String() == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("mode %q: %w", s, ErrInvalidValue)
}

// GateConfig holds the two thresholds of one gate, in percent.
type GateConfig struct {
	Move  uint8 `json:"move"`
	Still uint8 `json:"still"`
}

// DeviceConfig is the full configuration snapshot returned by Query.
type DeviceConfig struct {
	BaudRate           BaudRate
	DistanceResolution DistanceResolution
	MinDistanceGate    uint8
	MaxDistanceGate    uint8
	Timeout            uint16
	LightFunction      LightFunction
	LightThreshold     uint8
	OutPinLevel        OutPinLevel
	Mode               Mode
	Bluetooth          bool
	Gates              [TotalGates]GateConfig
}

// queryResultSize is the data length of a Query acknowledgment after the status word.
const queryResultSize = 11 + 2*TotalGates

// EncodeQueryResult serializes c the way the module reports it.
func EncodeQueryResult(c DeviceConfig) []byte {
	b := make([]byte, 0, queryResultSize)
	b = append(b, uint8(c.BaudRate), uint8(c.DistanceResolution), c.MinDistanceGate, c.MaxDistanceGate)
	b = binary.LittleEndian.AppendUint16(b, c.Timeout)
	b = append(b, uint8(c.LightFunction), c.LightThreshold, uint8(c.OutPinLevel), uint8(c.Mode))
	if c.Bluetooth {
		b = append(b, 1)
	} else {
		b = append(b, 0)
	}
	for _, g := range c.Gates {
		b = append(b, g.Move)
	}
	for _, g := range c.Gates {
		b = append(b, g.Still)
	}
	return b
}

// DecodeQueryResult parses the data of a Query acknowledgment.
func DecodeQueryResult(data []byte) (DeviceConfig, error) {
	if len(data) < queryResultSize {
		return DeviceConfig{}, fmt.Errorf("query result: %w: %d bytes, want %d", ErrMalformed, len(data), queryResultSize)
	}
	c := DeviceConfig{
		BaudRate:           BaudRate(data[0]),
		DistanceResolution: DistanceResolution(data[1]),
		MinDistanceGate:    data[2],
		MaxDistanceGate:    data[3],
		Timeout:            binary.LittleEndian.Uint16(data[4:6]),
		LightFunction:      LightFunction(data[6]),
		LightThreshold:     data[7],
		OutPinLevel:        OutPinLevel(data[8]),
		Mode:               Mode(data[9]),
		Bluetooth:          data[10] != 0,
	}
	switch {
	case !c.BaudRate.Valid():
		return DeviceConfig{}, fmt.Errorf("query result: %w: baud rate code %d", ErrMalformed, data[0])
	case !c.DistanceResolution.Valid():
		return DeviceConfig{}, fmt.Errorf("query result: %w: resolution code %d", ErrMalformed, data[1])
	case !c.LightFunction.Valid():
		return DeviceConfig{}, fmt.Errorf("query result: %w: light function code %d", ErrMalformed, data[6])
	case !c.OutPinLevel.Valid():
		return DeviceConfig{}, fmt.Errorf("query result: %w: out pin code %d", ErrMalformed, data[8])
	case !c.Mode.Valid():
		return DeviceConfig{}, fmt.Errorf("query result: %w: mode code %d", ErrMalformed, data[9])
	case c.MaxDistanceGate >= TotalGates || c.MinDistanceGate > c.MaxDistanceGate:
		return DeviceConfig{}, fmt.Errorf("query result: %w: distance gates %d..%d", ErrMalformed, c.MinDistanceGate, c.MaxDistanceGate)
	case c.Timeout > MaxTimeout:
		return DeviceConfig{}, fmt.Errorf("query result: %w: timeout %d", ErrMalformed, c.Timeout)
	}
	gates := data[11:]
	for i := range c.Gates {
		g := GateConfig{Move: gates[i], Still: gates[TotalGates+i]}
		if g.Move > MaxThreshold || g.Still > MaxThreshold {
			return DeviceConfig{}, fmt.Errorf("query result: %w: gate %d thresholds %d/%d", ErrMalformed, i, g.Move, g.Still)
		}
		c.Gates[i] = g
	}
	return c, nil
}
