package actor

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"
)

// StartTimer asks the runtime to schedule a named timer. Starting a name that
// is already scheduled replaces it. Token is echoed back in TimerFired so the
// reducer can tell a superseded timer from the current one.
type StartTimer struct {
	EffectBase
	Name  string
	Token uint64
	After time.Duration
	// MaxJitter adds a random delay in [0, MaxJitter] on top of After.
	MaxJitter time.Duration
}

// CancelTimer cancels a named timer if it is scheduled.
type CancelTimer struct {
	EffectBase
	Name string
}

// TimerFired is emitted when a timer elapses.
type TimerFired struct {
	InputBase
	Name  string
	Token uint64
	Now   time.Time
}

// Timers is the runtime side of StartTimer and CancelTimer.
type Timers struct {
	clock  Clock
	jitter func(max time.Duration) time.Duration

	mu     sync.Mutex
	timers map[string]Timer
}

// NewTimers returns a timer set driven by clock.
func NewTimers(clock Clock) *Timers {
	if clock == nil {
		clock = RealClock{}
	}
	return &Timers{
		clock:  clock,
		jitter: randomJitter,
		timers: make(map[string]Timer),
	}
}

// SetJitter replaces the jitter source. Tests use it to make delays exact.
func (t *Timers) SetJitter(fn func(max time.Duration) time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.jitter = fn
}

// Start schedules eff and emits TimerFired from the timer goroutine.
func (t *Timers) Start(ctx context.Context, eff StartTimer, emit func(Input)) {
	if eff.Name == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if prev := t.timers[eff.Name]; prev != nil {
		prev.Stop()
	}
	after := eff.After
	if eff.MaxJitter > 0 && t.jitter != nil {
		after += t.jitter(eff.MaxJitter)
	}
	if after < 0 {
		after = 0
	}
	t.timers[eff.Name] = t.clock.AfterFunc(after, func() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		emit(TimerFired{Name: eff.Name, Token: eff.Token, Now: t.clock.Now()})
	})
}

// Cancel stops a named timer.
func (t *Timers) Cancel(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if timer := t.timers[name]; timer != nil {
		timer.Stop()
	}
	delete(t.timers, name)
}

// StopAll cancels every scheduled timer.
func (t *Timers) StopAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for name, timer := range t.timers {
		timer.Stop()
		delete(t.timers, name)
	}
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(max) + 1))
}
