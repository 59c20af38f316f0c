package connection

import (
	"time"
)

// Policy holds the reconnect and liveness knobs.
type Policy struct {
	// Base is the first retry delay. Each later attempt doubles it.
	Base time.Duration
	// Max caps the exponential part of the delay.
	Max time.Duration
	// Jitter is the upper bound of the random delay added by the runtime.
	Jitter time.Duration
	// DebounceWindow suppresses repeated connects to the live session.
	DebounceWindow time.Duration
	// MaxAttempts moves the connection to failed once that many retries
	// have been scheduled. Zero means retry forever.
	MaxAttempts int
	// PingInterval is how often a Ping is sent while connected. Zero
	// disables the keepalive.
	PingInterval time.Duration
}

// DefaultPolicy returns the production defaults.
func DefaultPolicy() Policy {
	return Policy{
		Base:           500 * time.Millisecond,
		Max:            30 * time.Second,
		Jitter:         250 * time.Millisecond,
		DebounceWindow: 3 * time.Second,
		PingInterval:   25 * time.Second,
	}
}

// Delay returns min(Max, Base*2^attempt), without jitter.
func (p Policy) Delay(attempt int) time.Duration {
	if p.Base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	d := p.Base
	for i := 0; i < attempt; i++ {
		if p.Max > 0 && d >= p.Max {
			return p.Max
		}
		// Stop doubling before the duration overflows.
		if d > time.Duration(1<<62) {
			break
		}
		d *= 2
	}
	if p.Max > 0 && d > p.Max {
		return p.Max
	}
	return d
}

// ReconnectState tracks retries for the current target. It is reset on every
// Connected event.
type ReconnectState struct {
	Attempt       int
	NextDelay     time.Duration
	DebounceUntil time.Time
}

// exhausted reports whether another retry would exceed MaxAttempts.
func (r ReconnectState) exhausted(p Policy) bool {
	return p.MaxAttempts > 0 && r.Attempt >= p.MaxAttempts
}
