package radar

import (
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"radar-go-home/internal/protocol"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func ack(op protocol.Opcode, data ...byte) protocol.Frame {
	return protocol.Frame{Kind: protocol.KindCommand, Type: uint8(op), Payload: append([]byte{0x00, 0x00}, data...)}
}

func nak(op protocol.Opcode) protocol.Frame {
	return protocol.Frame{Kind: protocol.KindCommand, Type: uint8(op), Payload: []byte{0x01, 0x00}}
}

// recordingWriter decodes and keeps every frame written to it.
type recordingWriter struct {
	codec  *protocol.Codec
	frames []protocol.Frame
	err    error
}

func newRecordingWriter() *recordingWriter {
	return &recordingWriter{codec: protocol.NewCodec(newTestLogger())}
}

func (w *recordingWriter) Write(p []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	w.frames = append(w.frames, w.codec.Feed(p)...)
	return len(p), nil
}

func (w *recordingWriter) ops() []protocol.Opcode {
	var ops []protocol.Opcode
	for _, f := range w.frames {
		ops = append(ops, protocol.Opcode(f.Type))
	}
	return ops
}

// fakeDevice answers commands the way the module does.
type fakeDevice struct {
	t     *testing.T
	mu    sync.Mutex
	codec *protocol.Codec

	cfg        protocol.DeviceConfig
	version    []byte
	mac        []byte
	correction bool
	session    bool

	silent map[protocol.Opcode]bool
	reject map[protocol.Opcode]bool

	received []protocol.Command
	out      []byte
	notify   chan struct{}
}

func newFakeDevice(t *testing.T) *fakeDevice {
	cfg := protocol.DeviceConfig{
		BaudRate:           protocol.Baud115200,
		DistanceResolution: protocol.Resolution050,
		MinDistanceGate:    1,
		MaxDistanceGate:    12,
		Timeout:            5,
		LightFunction:      protocol.LightOff,
		LightThreshold:     128,
		OutPinLevel:        protocol.OutPinLow,
		Mode:               protocol.ModeNormal,
		Bluetooth:          true,
	}
	for i := range cfg.Gates {
		cfg.Gates[i] = protocol.GateConfig{Move: 30, Still: 20}
	}
	return &fakeDevice{
		t:       t,
		codec:   protocol.NewCodec(newTestLogger()),
		cfg:     cfg,
		version: []byte{0x09, 0x01, 0x20, 0x05, 0x24, 0x22},
		mac:     []byte{0x8F, 0x27, 0x2E, 0xB8, 0x0F, 0x65},
		silent:  map[protocol.Opcode]bool{},
		reject:  map[protocol.Opcode]bool{},
		notify:  make(chan struct{}, 1),
	}
}

func (d *fakeDevice) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, f := range d.codec.Feed(p) {
		cmd, err := protocol.DecodeCommand(f)
		require.NoError(d.t, err)
		d.received = append(d.received, cmd)
		if d.silent[cmd.Op] {
			continue
		}
		resp := protocol.Response{Op: cmd.Op}
		if d.reject[cmd.Op] {
			resp.Status = 0x0001
		} else {
			resp.Data = d.handle(cmd)
		}
		d.out = append(d.out, protocol.EncodeResponse(resp)...)
	}
	select {
	case d.notify <- struct{}{}:
	default:
	}
	return len(p), nil
}

func (d *fakeDevice) handle(cmd protocol.Command) []byte {
	p := cmd.Params
	switch cmd.Op {
	case protocol.OpOpenConfig:
		d.session = true
		return []byte{0x01, 0x00, 0x40, 0x00}
	case protocol.OpCloseConfig:
		d.session = false
	case protocol.OpRestart:
		d.session = false
	case protocol.OpQuery:
		return protocol.EncodeQueryResult(d.cfg)
	case protocol.OpQueryVersion:
		return d.version
	case protocol.OpQueryMAC:
		if !d.cfg.Bluetooth {
			return []byte{0x08, 0x05, 0x04, 0x03, 0x02, 0x01}
		}
		return d.mac
	case protocol.OpQueryDynamicBackgroundCorrection:
		if d.correction {
			return []byte{0x01, 0x00}
		}
		return []byte{0x00, 0x00}
	case protocol.OpStartDynamicBackgroundCorrection:
		d.correction = true
	case protocol.OpSetTimeout:
		d.cfg.Timeout = uint16(p[0].Uint())
	case protocol.OpSetDistanceGates:
		d.cfg.MinDistanceGate = uint8(p[0].Uint())
		d.cfg.MaxDistanceGate = uint8(p[1].Uint())
	case protocol.OpSetGateThreshold:
		g := &d.cfg.Gates[p[0].Uint()]
		if protocol.GateKind(p[1].Uint()) == protocol.GateStill {
			g.Still = uint8(p[2].Uint())
		} else {
			g.Move = uint8(p[2].Uint())
		}
	case protocol.OpSetDistanceResolution:
		d.cfg.DistanceResolution = protocol.DistanceResolution(p[0].Uint())
	case protocol.OpSetBluetooth:
		d.cfg.Bluetooth = p[0].Uint() != 0
	case protocol.OpSetMode:
		d.cfg.Mode = protocol.Mode(p[0].Uint())
	case protocol.OpFactoryReset:
		d.cfg.Timeout = 5
	}
	return nil
}

func (d *fakeDevice) take() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.out
	d.out = nil
	return out
}

func (d *fakeDevice) ops() []protocol.Opcode {
	d.mu.Lock()
	defer d.mu.Unlock()
	var ops []protocol.Opcode
	for _, c := range d.received {
		ops = append(ops, c.Op)
	}
	return ops
}

func (d *fakeDevice) count(op protocol.Opcode) int {
	n := 0
	for _, o := range d.ops() {
		if o == op {
			n++
		}
	}
	return n
}

// drive advances the engine in 10ms steps for dur, delivering device output.
func drive(e *Engine, d *fakeDevice, now time.Time, dur time.Duration) time.Time {
	end := now.Add(dur)
	for now.Before(end) {
		now = now.Add(10 * time.Millisecond)
		if out := d.take(); len(out) > 0 {
			e.Feed(out, now)
		}
		e.Tick(now)
	}
	return now
}

// recordingObserver keeps everything the engine reports.
type recordingObserver struct {
	readings    []protocol.TargetReading
	config      map[Field]any
	info        DeviceInfo
	corrections []bool
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{config: make(map[Field]any)}
}

func (o *recordingObserver) ReadingUpdated(r protocol.TargetReading) { o.readings = append(o.readings, r) }
func (o *recordingObserver) ConfigUpdated(f Field, v any)            { o.config[f] = v }
func (o *recordingObserver) InfoUpdated(info DeviceInfo)              { o.info = info }
func (o *recordingObserver) CorrectionUpdated(active bool)            { o.corrections = append(o.corrections, active) }

// result captures a job completion.
type result struct {
	called bool
	err    error
}

func (r *result) done(err error) {
	r.called = true
	r.err = err
}

var errWrite = errors.New("write failed")
