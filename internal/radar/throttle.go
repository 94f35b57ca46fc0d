package radar

import (
	"time"

	"radar-go-home/internal/protocol"
)

const (
	// DefaultThrottle is how often readings are forwarded unless configured.
	DefaultThrottle = time.Second
	minThrottle     = time.Millisecond
)

// Throttle forwards at most one reading per interval. A reading that arrives
// too early is held, replacing any older held one, until Flush.
type Throttle struct {
	interval  time.Duration
	last      time.Time
	forwarded bool
	pending   protocol.TargetReading
	hasPend   bool
}

// NewThrottle creates a throttle; intervals below 1ms are raised to 1ms.
func NewThrottle(interval time.Duration) *Throttle {
	if interval < minThrottle {
		interval = minThrottle
	}
	return &Throttle{interval: interval}
}

// Interval returns the configured interval.
func (t *Throttle) Interval() time.Duration { return t.interval }

// Offer returns r and true if it may be forwarded now; otherwise r is held.
func (t *Throttle) Offer(r protocol.TargetReading, now time.Time) (protocol.TargetReading, bool) {
	if !t.forwarded || now.Sub(t.last) >= t.interval {
		t.forward(now)
		return r, true
	}
	t.pending = r
	t.hasPend = true
	return protocol.TargetReading{}, false
}

// Flush returns the held reading once the interval since the last forward elapsed.
func (t *Throttle) Flush(now time.Time) (protocol.TargetReading, bool) {
	if !t.hasPend || now.Sub(t.last) < t.interval {
		return protocol.TargetReading{}, false
	}
	r := t.pending
	t.forward(now)
	return r, true
}

func (t *Throttle) forward(now time.Time) {
	t.forwarded = true
	t.last = now
	t.hasPend = false
	t.pending = protocol.TargetReading{}
}
