package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"
)

// Frame layout: marker(2) length(2, LE, payload only) type(1) payload checksum(1) end(2).
const (
	MaxPayload    = 64
	headerSize    = 5
	trailerSize   = 3
	frameOverhead = headerSize + trailerSize
	maxBuffer     = 256
)

// Kind selects the marker pair of a frame.
type Kind uint8

const (
	// KindCommand frames carry commands to the module and their acknowledgments.
	KindCommand Kind = iota
	// KindData frames carry periodic target status pushed by the module.
	KindData
)

func (k Kind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindData:
		return "data"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

var (
	commandMarker = []byte{0xFD, 0xFC}
	commandEnd    = []byte{0x04, 0x03}
	dataMarker    = []byte{0xF4, 0xF3}
	dataEnd       = []byte{0xF8, 0xF7}
)

func (k Kind) marker() []byte {
	if k == KindData {
		return dataMarker
	}
	return commandMarker
}

func (k Kind) end() []byte {
	if k == KindData {
		return dataEnd
	}
	return commandEnd
}

// Frame is one validated unit of the wire protocol.
type Frame struct {
	Kind    Kind
	Type    uint8
	Payload []byte
}

// Checksum is the sum of the type byte and every payload byte, mod 256.
func Checksum(typ uint8, payload []byte) uint8 {
	sum := typ
	for _, b := range payload {
		sum += b
	}
	return sum
}

// EncodeFrame builds the wire bytes for one frame.
func EncodeFrame(kind Kind, typ uint8, payload []byte) []byte {
	buf := make([]byte, 0, frameOverhead+len(payload))
	buf = append(buf, kind.marker()...)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(payload)))
	buf = append(buf, typ)
	buf = append(buf, payload...)
	buf = append(buf, Checksum(typ, payload))
	buf = append(buf, kind.end()...)
	return buf
}

// Encode returns the wire bytes of f.
func (f Frame) Encode() []byte {
	return EncodeFrame(f.Kind, f.Type, f.Payload)
}

// CodecStats counts what the decoder has seen since it was created.
type CodecStats struct {
	Frames         uint64
	FramingErrors  uint64
	ChecksumErrors uint64
	DroppedBytes   uint64
}

// Codec turns an arbitrarily chunked byte stream into frames.
// It is not safe for concurrent use.
type Codec struct {
	buf    []byte
	stats  CodecStats
	logger *slog.Logger
}

// NewCodec creates a decoder with an empty buffer.
func NewCodec(logger *slog.Logger) *Codec {
	return &Codec{
		buf:    make([]byte, 0, maxBuffer),
		logger: logger,
	}
}

// Stats returns the decoder counters.
func (c *Codec) Stats() CodecStats {
	return c.stats
}

// Buffered reports how many bytes wait for the rest of a frame.
func (c *Codec) Buffered() int {
	return len(c.buf)
}

// Reset drops any buffered bytes.
func (c *Codec) Reset() {
	c.buf = c.buf[:0]
}

// Feed appends data to the buffer and returns every complete frame, in arrival order.
// Partial frames stay buffered until more bytes arrive.
func (c *Codec) Feed(data []byte) []Frame {
	c.buf = append(c.buf, data...)
	frames := c.parse()
	// Only the unparsed tail counts against the buffer bound.
	if over := len(c.buf) - maxBuffer; over > 0 {
		c.discard(over)
	}
	return frames
}

func (c *Codec) parse() []Frame {
	var frames []Frame
	for {
		start, kind := findMarker(c.buf)
		if start < 0 {
			// Keep a lone trailing lead byte, it may be half of a marker.
			keep := 0
			if n := len(c.buf); n > 0 && isMarkerLead(c.buf[n-1]) {
				keep = 1
			}
			c.discard(len(c.buf) - keep)
			return frames
		}
		c.discard(start)

		if len(c.buf) < headerSize {
			return frames
		}
		n := int(binary.LittleEndian.Uint16(c.buf[2:4]))
		if n > MaxPayload {
			c.reject(ErrFraming, "length", n)
			continue
		}
		total := frameOverhead + n
		if len(c.buf) < total {
			return frames
		}

		typ := c.buf[4]
		payload := c.buf[headerSize : headerSize+n]
		sum := c.buf[headerSize+n]
		if !bytes.Equal(c.buf[headerSize+n+1:total], kind.end()) {
			c.reject(ErrFraming, "end", fmt.Sprintf("%X", c.buf[headerSize+n+1:total]))
			continue
		}
		if want := Checksum(typ, payload); sum != want {
			c.reject(ErrChecksum, "got", sum, "want", want)
			continue
		}

		f := Frame{Kind: kind, Type: typ, Payload: make([]byte, n)}
		copy(f.Payload, payload)
		frames = append(frames, f)
		c.stats.Frames++
		c.buf = append(c.buf[:0], c.buf[total:]...)
	}
}

// reject counts err, drops the first byte of the candidate and lets Feed rescan.
func (c *Codec) reject(err error, args ...any) {
	switch err {
	case ErrChecksum:
		c.stats.ChecksumErrors++
	default:
		c.stats.FramingErrors++
	}
	c.logger.Debug("radar frame rejected", append([]any{"err", err}, args...)...)
	c.discard(1)
}

func (c *Codec) discard(n int) {
	if n <= 0 {
		return
	}
	c.stats.DroppedBytes += uint64(n)
	c.buf = append(c.buf[:0], c.buf[n:]...)
}

// findMarker returns the offset of the first command or data marker in buf.
func findMarker(buf []byte) (int, Kind) {
	for i := 0; i+1 < len(buf); i++ {
		switch {
		case buf[i] == commandMarker[0] && buf[i+1] == commandMarker[1]:
			return i, KindCommand
		case buf[i] == dataMarker[0] && buf[i+1] == dataMarker[1]:
			return i, KindData
		}
	}
	return -1, KindCommand
}

func isMarkerLead(b byte) bool {
	return b == commandMarker[0] || b == dataMarker[0]
}
