package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// StatusOK is the acknowledgment status word of an accepted command.
const StatusOK uint16 = 0x0000

// Response is a command acknowledgment: status word followed by command-specific data.
type Response struct {
	Op     Opcode
	Status uint16
	Data   []byte
}

// OK reports whether the module accepted the command.
func (r Response) OK() bool { return r.Status == StatusOK }

// EncodeResponse builds an acknowledgment frame as the module sends it.
func EncodeResponse(r Response) []byte {
	payload := binary.LittleEndian.AppendUint16(make([]byte, 0, 2+len(r.Data)), r.Status)
	payload = append(payload, r.Data...)
	return EncodeFrame(KindCommand, uint8(r.Op), payload)
}

// DecodeResponse parses an acknowledgment frame.
func DecodeResponse(f Frame) (Response, error) {
	if f.Kind != KindCommand {
		return Response{}, fmt.Errorf("decode response: %w: %s frame", ErrMalformed, f.Kind)
	}
	if len(f.Payload) < 2 {
		return Response{}, fmt.Errorf("decode response %s: %w: no status word", Opcode(f.Type), ErrMalformed)
	}
	r := Response{
		Op:     Opcode(f.Type),
		Status: binary.LittleEndian.Uint16(f.Payload[0:2]),
	}
	if len(f.Payload) > 2 {
		r.Data = append([]byte(nil), f.Payload[2:]...)
	}
	return r, nil
}

const (
	versionSize = 6
	macSize     = 6
)

// noMAC is what the module reports as its address while Bluetooth is off.
var noMAC = []byte{0x08, 0x05, 0x04, 0x03, 0x02, 0x01}

// DecodeVersion formats the firmware version from a QueryVersion acknowledgment.
func DecodeVersion(data []byte) (string, error) {
	if len(data) < versionSize {
		return "", fmt.Errorf("version: %w: %d bytes", ErrMalformed, len(data))
	}
	v := data[:versionSize]
	return fmt.Sprintf("%d.%02X.%02X%02X%02X%02X", v[1], v[0], v[5], v[4], v[3], v[2]), nil
}

// DecodeMAC parses a QueryMAC acknowledgment. Bluetooth is reported off when
// the module answers with its placeholder address, in which case mac is empty.
func DecodeMAC(data []byte) (mac string, bluetooth bool, err error) {
	if len(data) < macSize {
		return "", false, fmt.Errorf("mac: %w: %d bytes", ErrMalformed, len(data))
	}
	m := data[:macSize]
	if bytes.Equal(m, noMAC) {
		return "", false, nil
	}
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", m[0], m[1], m[2], m[3], m[4], m[5]), true, nil
}

// DecodeCorrectionStatus parses a QueryDynamicBackgroundCorrection acknowledgment.
func DecodeCorrectionStatus(data []byte) (active bool, err error) {
	if len(data) < 1 {
		return false, fmt.Errorf("correction status: %w: empty", ErrMalformed)
	}
	return data[0] != 0, nil
}
