package radar

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"radar-go-home/internal/protocol"
)

const (
	defaultAckTimeout = time.Second
	defaultMaxRetries = 2
)

// Request is the single command awaiting its acknowledgment.
type Request struct {
	Cmd      protocol.Command
	Issued   time.Time
	Deadline time.Time
	Retries  int

	raw  []byte
	done func(protocol.Response, error)
}

// Channel sends one command at a time and matches acknowledgments to it.
// It also tracks the configuration session. It is not safe for concurrent use.
type Channel struct {
	w          io.Writer
	ackTimeout time.Duration
	maxRetries int
	logger     *slog.Logger

	pending *Request
	session bool
}

// NewChannel creates a channel writing frames to w. A negative maxRetries
// selects the default; zero sends each command once.
func NewChannel(w io.Writer, ackTimeout time.Duration, maxRetries int, logger *slog.Logger) *Channel {
	if ackTimeout <= 0 {
		ackTimeout = defaultAckTimeout
	}
	if maxRetries < 0 {
		maxRetries = defaultMaxRetries
	}
	return &Channel{
		w:          w,
		ackTimeout: ackTimeout,
		maxRetries: maxRetries,
		logger:     logger,
	}
}

// Busy reports whether a command awaits its acknowledgment.
func (c *Channel) Busy() bool { return c.pending != nil }

// SessionOpen reports whether OpenConfig was acknowledged and no close has happened since.
func (c *Channel) SessionOpen() bool { return c.session }

// Pending returns the request in flight, or nil.
func (c *Channel) Pending() *Request { return c.pending }

// Submit transmits cmd and arms its timeout. done runs exactly once, from
// HandleFrame, Tick or Abort, unless Submit itself returns an error.
func (c *Channel) Submit(cmd protocol.Command, now time.Time, done func(protocol.Response, error)) (*Request, error) {
	if c.pending != nil {
		return nil, fmt.Errorf("submit %s: %w (pending %s)", cmd.Op, ErrBusy, c.pending.Cmd.Op)
	}
	if cmd.Op.RequiresSession() && !c.session {
		return nil, fmt.Errorf("submit %s: %w", cmd.Op, ErrSessionNotOpen)
	}

	req := &Request{
		Cmd:      cmd,
		Issued:   now,
		Deadline: now.Add(c.ackTimeout),
		raw:      cmd.Encode(),
		done:     done,
	}
	if _, err := c.w.Write(req.raw); err != nil {
		return nil, fmt.Errorf("submit %s: write: %w", cmd.Op, err)
	}
	c.logger.Debug("radar TX", "cmd", cmd.Op, "payload", fmt.Sprintf("%X", cmd.Payload()))
	c.pending = req
	return req, nil
}

// HandleFrame completes the pending request if f acknowledges it.
// Frames that do not match are dropped.
func (c *Channel) HandleFrame(f protocol.Frame) {
	resp, err := protocol.DecodeResponse(f)
	if err != nil {
		c.logger.Warn("radar bad ack", "err", err)
		return
	}
	if c.pending == nil {
		c.logger.Warn("radar orphaned ack", "cmd", resp.Op, "status", resp.Status)
		return
	}
	if resp.Op != c.pending.Cmd.Op {
		c.logger.Warn("radar ack mismatch", "got", resp.Op, "want", c.pending.Cmd.Op)
		return
	}

	c.logger.Debug("radar RX", "cmd", resp.Op, "status", resp.Status, "payload", fmt.Sprintf("%X", resp.Data))
	if !resp.OK() {
		c.complete(resp, fmt.Errorf("%s: %w: status 0x%04X", resp.Op, ErrRejected, resp.Status))
		return
	}
	switch resp.Op {
	case protocol.OpOpenConfig:
		c.session = true
	case protocol.OpRestart:
		c.session = false
	}
	c.complete(resp, nil)
}

// Tick retransmits or times out the pending request once its deadline passed.
func (c *Channel) Tick(now time.Time) {
	req := c.pending
	if req == nil || now.Before(req.Deadline) {
		return
	}
	if req.Retries >= c.maxRetries {
		c.logger.Warn("radar command timeout", "cmd", req.Cmd.Op, "attempts", req.Retries+1)
		c.complete(protocol.Response{Op: req.Cmd.Op}, fmt.Errorf("%s: %w after %d attempts", req.Cmd.Op, ErrTimeout, req.Retries+1))
		return
	}
	req.Retries++
	req.Deadline = now.Add(c.ackTimeout)
	c.logger.Warn("radar ack timeout, retransmitting", "cmd", req.Cmd.Op, "attempt", req.Retries+1)
	if _, err := c.w.Write(req.raw); err != nil {
		// Counts as an attempt; the next deadline decides.
		c.logger.Error("radar retransmit failed", "cmd", req.Cmd.Op, "err", err)
	}
}

// Abort completes the pending request with ErrAborted and closes the session.
func (c *Channel) Abort() {
	c.session = false
	if c.pending == nil {
		return
	}
	op := c.pending.Cmd.Op
	c.complete(protocol.Response{Op: op}, fmt.Errorf("%s: %w", op, ErrAborted))
}

func (c *Channel) complete(resp protocol.Response, err error) {
	req := c.pending
	c.pending = nil
	// A close attempt ends the session whatever its outcome.
	if req.Cmd.Op == protocol.OpCloseConfig {
		c.session = false
	}
	if req.done != nil {
		req.done(resp, err)
	}
}
