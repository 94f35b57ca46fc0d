package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func basicPayload(state uint8, movDist uint16, movEn uint8, stillDist uint16, stillEn uint8, detect uint16) []byte {
	return []byte{
		state,
		byte(movDist), byte(movDist >> 8), movEn,
		byte(stillDist), byte(stillDist >> 8), stillEn,
		byte(detect), byte(detect >> 8),
	}
}

func TestDecodeBasicStatus(t *testing.T) {
	f := Frame{Kind: KindData, Type: StatusBasic, Payload: basicPayload(0x03, 120, 45, 300, 60, 310)}
	r, err := DecodeStatus(f)
	require.NoError(t, err)

	assert.True(t, r.HasTarget)
	assert.True(t, r.HasMovingTarget)
	assert.True(t, r.HasStillTarget)
	assert.Equal(t, uint16(120), r.MovingDistance)
	assert.Equal(t, uint8(45), r.MovingEnergy)
	assert.Equal(t, uint16(300), r.StillDistance)
	assert.Equal(t, uint8(60), r.StillEnergy)
	assert.Equal(t, uint16(310), r.DetectionDistance)
	assert.False(t, r.Engineering)
}

func TestDecodeStatusNoTargetZeroesValues(t *testing.T) {
	f := Frame{Kind: KindData, Type: StatusBasic, Payload: basicPayload(0x00, 120, 45, 300, 60, 310)}
	r, err := DecodeStatus(f)
	require.NoError(t, err)
	assert.Equal(t, TargetReading{}, r)
}

func TestDecodeEngineeringStatus(t *testing.T) {
	p := basicPayload(0x01, 80, 90, 0, 0, 80)
	for i := 0; i < TotalGates; i++ {
		p = append(p, uint8(i*7))
	}
	for i := 0; i < TotalGates; i++ {
		p = append(p, uint8(100-i))
	}
	p = append(p, 128, 0x01)

	r, err := DecodeStatus(Frame{Kind: KindData, Type: StatusEngineering, Payload: p})
	require.NoError(t, err)

	assert.True(t, r.Engineering)
	assert.True(t, r.HasMovingTarget)
	assert.False(t, r.HasStillTarget)
	assert.Equal(t, uint8(91), r.GateMoveEnergy[13])
	assert.Equal(t, uint8(100), r.GateStillEnergy[0])
	assert.Equal(t, uint8(87), r.GateStillEnergy[13])
	assert.Equal(t, uint8(50), r.LightLevel) // 128*100/255
	assert.True(t, r.OutPinPresence)
}

func TestDecodeStatusLayoutFromTypeTag(t *testing.T) {
	// An engineering-length payload tagged basic decodes as basic.
	p := basicPayload(0x02, 0, 0, 150, 20, 150)
	p = append(p, make([]byte, 2*TotalGates+2)...)
	r, err := DecodeStatus(Frame{Kind: KindData, Type: StatusBasic, Payload: p})
	require.NoError(t, err)
	assert.False(t, r.Engineering)
	assert.Equal(t, uint16(150), r.StillDistance)
}

func TestDecodeStatusErrors(t *testing.T) {
	_, err := DecodeStatus(Frame{Kind: KindCommand, Type: StatusBasic, Payload: make([]byte, 9)})
	assert.ErrorIs(t, err, ErrNotStatusFrame)

	_, err = DecodeStatus(Frame{Kind: KindData, Type: 0x07, Payload: make([]byte, 9)})
	assert.ErrorIs(t, err, ErrNotStatusFrame)

	_, err = DecodeStatus(Frame{Kind: KindData, Type: StatusBasic, Payload: make([]byte, 8)})
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = DecodeStatus(Frame{Kind: KindData, Type: StatusEngineering, Payload: make([]byte, 20)})
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = DecodeStatus(Frame{Kind: KindData, Type: StatusBasic, Payload: basicPayload(0x01, 10, 101, 0, 0, 10)})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestEncodeStatusRoundTrip(t *testing.T) {
	want := TargetReading{
		HasTarget:         true,
		HasMovingTarget:   true,
		HasStillTarget:    true,
		DetectionDistance: 250,
		MovingDistance:    240,
		StillDistance:     250,
		MovingEnergy:      33,
		StillEnergy:       77,
		Engineering:       true,
		LightLevel:        100,
		OutPinPresence:    true,
	}
	want.GateMoveEnergy[4] = 66
	want.GateStillEnergy[9] = 12

	got, err := DecodeStatus(EncodeStatus(want, 255))
	require.NoError(t, err)
	assert.Equal(t, want, got)

	want.Engineering = false
	want.LightLevel = 0
	want.OutPinPresence = false
	want.GateMoveEnergy = [TotalGates]uint8{}
	want.GateStillEnergy = [TotalGates]uint8{}
	got, err = DecodeStatus(EncodeStatus(want, 0))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
