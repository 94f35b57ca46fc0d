package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBaudRateCodes(t *testing.T) {
	rates := BaudRates()
	require.Len(t, rates, 8)
	for i, rate := range rates {
		code, err := ParseBaudRate(rate)
		require.NoError(t, err)
		assert.Equal(t, BaudRate(i+1), code)
		assert.Equal(t, rate, code.Rate())
	}
	_, err := ParseBaudRate(4800)
	assert.ErrorIs(t, err, ErrInvalidValue)
	assert.Equal(t, "115200", Baud115200.String())
}

func TestEnumStrings(t *testing.T) {
	tests := []struct {
		in    string
		parse func(string) (string, error)
	}{
		{"0.2m", func(s string) (string, error) { v, err := ParseDistanceResolution(s); return v.String(), err }},
		{"0.75m", func(s string) (string, error) { v, err := ParseDistanceResolution(s); return v.String(), err }},
		{"low", func(s string) (string, error) { v, err := ParseOutPinLevel(s); return v.String(), err }},
		{"high", func(s string) (string, error) { v, err := ParseOutPinLevel(s); return v.String(), err }},
		{"below", func(s string) (string, error) { v, err := ParseLightFunction(s); return v.String(), err }},
		{"Engineering", func(s string) (string, error) { v, err := ParseMode(s); return v.String(), err }},
		{"Dynamic Background Correction", func(s string) (string, error) { v, err := ParseMode(s); return v.String(), err }},
	}
	for _, tt := range tests {
		got, err := tt.parse(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.in, got)
	}

	_, err := ParseDistanceResolution("1m")
	assert.ErrorIs(t, err, ErrInvalidValue)
	_, err = ParseMode("Turbo")
	assert.ErrorIs(t, err, ErrInvalidValue)
}

func TestResolutionWireCodes(t *testing.T) {
	assert.Equal(t, DistanceResolution(0x03), Resolution020)
	assert.Equal(t, DistanceResolution(0x01), Resolution050)
	assert.Equal(t, DistanceResolution(0x00), Resolution075)
	assert.Equal(t, OutPinLevel(0x01), OutPinLow)
}

func TestDecodeQueryResultScenario(t *testing.T) {
	data := EncodeQueryResult(DeviceConfig{
		BaudRate:           Baud115200,
		DistanceResolution: Resolution050,
		MinDistanceGate:    1,
		MaxDistanceGate:    13,
	})
	cfg, err := DecodeQueryResult(data)
	require.NoError(t, err)
	assert.Equal(t, 115200, cfg.BaudRate.Rate())
	assert.Equal(t, "0.5m", cfg.DistanceResolution.String())
}

func TestDecodeQueryResultMalformed(t *testing.T) {
	_, err := DecodeQueryResult(make([]byte, 10))
	assert.ErrorIs(t, err, ErrMalformed)

	data := EncodeQueryResult(DeviceConfig{BaudRate: Baud9600})
	data[1] = 0x02 // no such resolution
	_, err = DecodeQueryResult(data)
	assert.ErrorIs(t, err, ErrMalformed)

	data = EncodeQueryResult(DeviceConfig{})
	_, err = DecodeQueryResult(data)
	assert.ErrorIs(t, err, ErrMalformed, "baud code 0")
}

func TestDecodeVersionAndMAC(t *testing.T) {
	v, err := DecodeVersion([]byte{0x09, 0x01, 0x20, 0x05, 0x24, 0x22})
	require.NoError(t, err)
	assert.Equal(t, "1.09.22240520", v)

	mac, bt, err := DecodeMAC([]byte{0x8f, 0x27, 0x2e, 0xb8, 0x0f, 0x65})
	require.NoError(t, err)
	assert.True(t, bt)
	assert.Equal(t, "8F:27:2E:B8:0F:65", mac)

	mac, bt, err = DecodeMAC([]byte{0x08, 0x05, 0x04, 0x03, 0x02, 0x01})
	require.NoError(t, err)
	assert.False(t, bt)
	assert.Empty(t, mac)

	_, _, err = DecodeMAC([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeQueryResultOutOfRange(t *testing.T) {
	valid := DeviceConfig{
		BaudRate:           Baud256000,
		DistanceResolution: Resolution075,
		MinDistanceGate:    2,
		MaxDistanceGate:    10,
		Timeout:            MaxTimeout,
	}
	_, err := DecodeQueryResult(EncodeQueryResult(valid))
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*DeviceConfig)
	}{
		{"min above max", func(c *DeviceConfig) { c.MinDistanceGate, c.MaxDistanceGate = 9, 3 }},
		{"max gate past last", func(c *DeviceConfig) { c.MaxDistanceGate = TotalGates }},
		{"timeout", func(c *DeviceConfig) { c.Timeout = MaxTimeout + 1 }},
		{"move threshold", func(c *DeviceConfig) { c.Gates[0].Move = MaxThreshold + 1 }},
		{"still threshold", func(c *DeviceConfig) { c.Gates[TotalGates-1].Still = 255 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			tt.mutate(&c)
			_, err := DecodeQueryResult(EncodeQueryResult(c))
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}
