package protocol

import (
	"encoding/binary"
	"fmt"
)

// Status frame type tags.
const (
	StatusEngineering uint8 = 0x01
	StatusBasic       uint8 = 0x02
)

const (
	basicStatusSize       = 9
	engineeringStatusSize = basicStatusSize + 2*TotalGates + 2
)

// Target state bits.
const (
	targetMoving = 0x01
	targetStill  = 0x02
)

// TargetReading is one decoded status frame. Distances are in centimeters,
// energies and light level in percent.
type TargetReading struct {
	HasTarget         bool
	HasMovingTarget   bool
	HasStillTarget    bool
	DetectionDistance uint16
	MovingDistance    uint16
	StillDistance     uint16
	MovingEnergy      uint8
	StillEnergy       uint8

	// Engineering is set when the frame used the engineering layout; the
	// fields below are only meaningful then.
	Engineering     bool
	GateMoveEnergy  [TotalGates]uint8
	GateStillEnergy [TotalGates]uint8
	LightLevel      uint8
	OutPinPresence  bool

	// DynamicBackgroundCorrection is not part of the frame; the engine stamps
	// it from the last correction status it read.
	DynamicBackgroundCorrection bool
}

// DecodeStatus decodes a data frame. The layout comes from the frame's own type tag.
func DecodeStatus(f Frame) (TargetReading, error) {
	if f.Kind != KindData {
		return TargetReading{}, ErrNotStatusFrame
	}
	var want int
	switch f.Type {
	case StatusBasic:
		want = basicStatusSize
	case StatusEngineering:
		want = engineeringStatusSize
	default:
		return TargetReading{}, fmt.Errorf("%w: type 0x%02X", ErrNotStatusFrame, f.Type)
	}
	p := f.Payload
	if len(p) < want {
		return TargetReading{}, fmt.Errorf("status 0x%02X: %w: %d bytes, want %d", f.Type, ErrMalformed, len(p), want)
	}

	state := p[0]
	r := TargetReading{
		HasMovingTarget: state&targetMoving != 0,
		HasStillTarget:  state&targetStill != 0,
	}
	r.HasTarget = r.HasMovingTarget || r.HasStillTarget

	movingEnergy, stillEnergy := p[3], p[6]
	if movingEnergy > MaxThreshold || stillEnergy > MaxThreshold {
		return TargetReading{}, fmt.Errorf("status 0x%02X: %w: energy %d/%d", f.Type, ErrMalformed, movingEnergy, stillEnergy)
	}
	if state != 0 {
		r.MovingDistance = binary.LittleEndian.Uint16(p[1:3])
		r.MovingEnergy = movingEnergy
		r.StillDistance = binary.LittleEndian.Uint16(p[4:6])
		r.StillEnergy = stillEnergy
		r.DetectionDistance = binary.LittleEndian.Uint16(p[7:9])
	}

	if f.Type == StatusBasic {
		return r, nil
	}

	r.Engineering = true
	move := p[basicStatusSize : basicStatusSize+TotalGates]
	still := p[basicStatusSize+TotalGates : basicStatusSize+2*TotalGates]
	for i := 0; i < TotalGates; i++ {
		if move[i] > MaxThreshold || still[i] > MaxThreshold {
			return TargetReading{}, fmt.Errorf("status 0x%02X: %w: gate %d energy %d/%d", f.Type, ErrMalformed, i, move[i], still[i])
		}
		if state != 0 {
			r.GateMoveEnergy[i] = move[i]
			r.GateStillEnergy[i] = still[i]
		}
	}
	r.LightLevel = uint8(int(p[basicStatusSize+2*TotalGates]) * 100 / 255)
	r.OutPinPresence = p[basicStatusSize+2*TotalGates+1] == 0x01
	return r, nil
}

// EncodeStatus builds the status frame the module would push for r. The light
// sensor byte is written as lightRaw since LightLevel is already scaled.
func EncodeStatus(r TargetReading, lightRaw uint8) Frame {
	var state uint8
	if r.HasMovingTarget {
		state |= targetMoving
	}
	if r.HasStillTarget {
		state |= targetStill
	}
	p := make([]byte, 0, engineeringStatusSize)
	p = append(p, state)
	p = binary.LittleEndian.AppendUint16(p, r.MovingDistance)
	p = append(p, r.MovingEnergy)
	p = binary.LittleEndian.AppendUint16(p, r.StillDistance)
	p = append(p, r.StillEnergy)
	p = binary.LittleEndian.AppendUint16(p, r.DetectionDistance)
	if !r.Engineering {
		return Frame{Kind: KindData, Type: StatusBasic, Payload: p}
	}
	p = append(p, r.GateMoveEnergy[:]...)
	p = append(p, r.GateStillEnergy[:]...)
	p = append(p, lightRaw)
	if r.OutPinPresence {
		p = append(p, 0x01)
	} else {
		p = append(p, 0x00)
	}
	return Frame{Kind: KindData, Type: StatusEngineering, Payload: p}
}
