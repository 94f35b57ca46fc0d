package protocol

import "errors"

var (
	// ErrFraming reports a bad marker, end marker or implausible length.
	// The codec recovers from it by resynchronizing; it is diagnostic only.
	ErrFraming = errors.New("protocol: framing error")
	// ErrChecksum reports a frame whose checksum byte did not match.
	ErrChecksum = errors.New("protocol: checksum mismatch")
	// ErrMalformed reports a payload that is too short or out of range for its type.
	ErrMalformed = errors.New("protocol: malformed payload")
	// ErrNotStatusFrame is returned by DecodeStatus for frames that carry no target status.
	ErrNotStatusFrame = errors.New("protocol: not a status frame")
	// ErrInvalidValue is returned by command constructors for out-of-range arguments.
	ErrInvalidValue = errors.New("protocol: invalid value")
)
