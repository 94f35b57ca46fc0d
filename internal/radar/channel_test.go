package radar

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"radar-go-home/internal/protocol"
)

func newTestChannel() (*Channel, *recordingWriter) {
	w := newRecordingWriter()
	return NewChannel(w, time.Second, 2, newTestLogger()), w
}

func TestChannelSingleInFlight(t *testing.T) {
	c, w := newTestChannel()

	_, err := c.Submit(protocol.Query(), t0, nil)
	require.NoError(t, err)
	_, err = c.Submit(protocol.QueryVersion(), t0, nil)
	assert.ErrorIs(t, err, ErrBusy)
	assert.Len(t, w.frames, 1)
}

func TestChannelCompletesOnMatchingAck(t *testing.T) {
	c, _ := newTestChannel()

	var got protocol.Response
	var gotErr error
	calls := 0
	_, err := c.Submit(protocol.QueryVersion(), t0, func(resp protocol.Response, err error) {
		calls++
		got, gotErr = resp, err
	})
	require.NoError(t, err)

	c.HandleFrame(ack(protocol.OpQueryVersion, 1, 2, 3, 4, 5, 6))
	assert.Equal(t, 1, calls)
	assert.NoError(t, gotErr)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, got.Data)
	assert.False(t, c.Busy())

	// A second ack for the same opcode is an orphan.
	c.HandleFrame(ack(protocol.OpQueryVersion))
	assert.Equal(t, 1, calls)
}

func TestChannelIgnoresMismatchedAck(t *testing.T) {
	c, _ := newTestChannel()
	var done bool
	_, err := c.Submit(protocol.Query(), t0, func(protocol.Response, error) { done = true })
	require.NoError(t, err)

	c.HandleFrame(ack(protocol.OpQueryMAC))
	assert.False(t, done)
	assert.True(t, c.Busy())

	c.HandleFrame(ack(protocol.OpQuery))
	assert.True(t, done)
}

func TestChannelSessionGating(t *testing.T) {
	c, w := newTestChannel()

	set, err := protocol.SetGateThreshold(3, protocol.GateMove, 40)
	require.NoError(t, err)

	_, err = c.Submit(set, t0, nil)
	assert.ErrorIs(t, err, ErrSessionNotOpen)
	assert.Empty(t, w.frames, "nothing transmitted")

	_, err = c.Submit(protocol.OpenConfig(), t0, nil)
	require.NoError(t, err)
	c.HandleFrame(ack(protocol.OpOpenConfig, 0x01, 0x00, 0x40, 0x00))
	require.True(t, c.SessionOpen())

	_, err = c.Submit(set, t0, nil)
	require.NoError(t, err)
	assert.Equal(t, []protocol.Opcode{protocol.OpOpenConfig, protocol.OpSetGateThreshold}, w.ops())

	c.HandleFrame(ack(protocol.OpSetGateThreshold))
	_, err = c.Submit(protocol.CloseConfig(), t0, nil)
	require.NoError(t, err)
	c.HandleFrame(ack(protocol.OpCloseConfig))
	assert.False(t, c.SessionOpen())
}

func TestChannelQueryNeedsNoSession(t *testing.T) {
	c, _ := newTestChannel()
	for _, cmd := range []protocol.Command{protocol.Query(), protocol.QueryVersion(), protocol.QueryMAC(), protocol.Restart()} {
		_, err := c.Submit(cmd, t0, nil)
		require.NoError(t, err, cmd.Op.String())
		c.HandleFrame(ack(cmd.Op))
	}
	pw, err := protocol.SetBluetoothPassword("abcdef")
	require.NoError(t, err)
	_, err = c.Submit(pw, t0, nil)
	assert.NoError(t, err)
}

func TestChannelTimeoutAfterRetries(t *testing.T) {
	c, w := newTestChannel()

	var gotErr error
	calls := 0
	_, err := c.Submit(protocol.Query(), t0, func(_ protocol.Response, err error) {
		calls++
		gotErr = err
	})
	require.NoError(t, err)

	now := t0
	for i := 0; i < 50 && calls == 0; i++ {
		now = now.Add(100 * time.Millisecond)
		c.Tick(now)
	}

	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, gotErr, ErrTimeout)
	assert.Len(t, w.frames, 3, "max_retries + 1 transmissions")
	assert.Equal(t, t0.Add(3*time.Second), now)
	assert.False(t, c.Busy())
}

func TestChannelAckAfterRetryCompletes(t *testing.T) {
	c, w := newTestChannel()
	var gotErr error = ErrTimeout
	_, err := c.Submit(protocol.Query(), t0, func(_ protocol.Response, err error) { gotErr = err })
	require.NoError(t, err)

	c.Tick(t0.Add(time.Second))
	require.Len(t, w.frames, 2)
	c.HandleFrame(ack(protocol.OpQuery))
	assert.NoError(t, gotErr)
}

func TestChannelRejectedStatus(t *testing.T) {
	c, _ := newTestChannel()
	var gotErr error
	_, err := c.Submit(protocol.OpenConfig(), t0, func(_ protocol.Response, err error) { gotErr = err })
	require.NoError(t, err)

	c.HandleFrame(nak(protocol.OpOpenConfig))
	assert.ErrorIs(t, gotErr, ErrRejected)
	assert.False(t, c.SessionOpen())
}

func TestChannelAbort(t *testing.T) {
	c, _ := newTestChannel()
	_, err := c.Submit(protocol.OpenConfig(), t0, nil)
	require.NoError(t, err)
	c.HandleFrame(ack(protocol.OpOpenConfig))
	require.True(t, c.SessionOpen())

	var gotErr error
	_, err = c.Submit(protocol.SetBluetooth(false), t0, func(_ protocol.Response, err error) { gotErr = err })
	require.NoError(t, err)

	c.Abort()
	assert.ErrorIs(t, gotErr, ErrAborted)
	assert.False(t, c.SessionOpen())
	assert.False(t, c.Busy())
}

func TestChannelCloseTimeoutClosesSession(t *testing.T) {
	c, _ := newTestChannel()
	_, err := c.Submit(protocol.OpenConfig(), t0, nil)
	require.NoError(t, err)
	c.HandleFrame(ack(protocol.OpOpenConfig))

	_, err = c.Submit(protocol.CloseConfig(), t0, nil)
	require.NoError(t, err)
	for i := 1; i <= 3; i++ {
		c.Tick(t0.Add(time.Duration(i) * time.Second))
	}
	assert.False(t, c.Busy())
	assert.False(t, c.SessionOpen())
}

func TestChannelRestartClosesSession(t *testing.T) {
	c, _ := newTestChannel()
	_, err := c.Submit(protocol.OpenConfig(), t0, nil)
	require.NoError(t, err)
	c.HandleFrame(ack(protocol.OpOpenConfig))

	_, err = c.Submit(protocol.Restart(), t0, nil)
	require.NoError(t, err)
	c.HandleFrame(ack(protocol.OpRestart))
	assert.False(t, c.SessionOpen())
}

func TestChannelWriteError(t *testing.T) {
	c, w := newTestChannel()
	w.err = errWrite
	_, err := c.Submit(protocol.Query(), t0, nil)
	assert.ErrorIs(t, err, errWrite)
	assert.False(t, c.Busy())
}

func TestChannelRetryCount(t *testing.T) {
	tests := []struct {
		name       string
		maxRetries int
		wantSent   int
	}{
		{"no retries", 0, 1},
		{"one retry", 1, 2},
		{"default", -1, defaultMaxRetries + 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newRecordingWriter()
			c := NewChannel(w, time.Second, tt.maxRetries, newTestLogger())
			var gotErr error
			_, err := c.Submit(protocol.Query(), t0, func(_ protocol.Response, err error) { gotErr = err })
			require.NoError(t, err)

			now := t0
			for i := 0; i < 10 && c.Busy(); i++ {
				now = now.Add(time.Second)
				c.Tick(now)
			}
			assert.ErrorIs(t, gotErr, ErrTimeout)
			assert.Len(t, w.frames, tt.wantSent)
		})
	}
}
