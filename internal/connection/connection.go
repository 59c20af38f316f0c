// Package connection holds the Connection Manager state machine.
//
// All transitions are pure functions of (State, Policy, input) returning the
// next State and the effects the runtime must perform. The session controller
// calls them from its reducer, so they only ever run on the actor goroutine.
package connection

import (
	"errors"
	"fmt"
	"time"

	"github.com/bhandras/delight/mobile/internal/actor"
	"github.com/bhandras/delight/mobile/internal/logger"
	"github.com/bhandras/delight/mobile/internal/transport"
	"github.com/bhandras/delight/mobile/internal/wire"
)

// Phase is the lifecycle state of the duplex channel.
type Phase string

const (
	PhaseDisconnected Phase = "disconnected"
	PhaseConnecting   Phase = "connecting"
	PhaseConnected    Phase = "connected"
	PhaseReconnecting Phase = "reconnecting"
	PhaseFailed       Phase = "failed"
)

// Timer names used by the connection.
const (
	TimerReconnect = "connection.reconnect"
	TimerPing      = "connection.ping"
)

var (
	// ErrNotConnected is returned by Send unless the phase is connected.
	ErrNotConnected = errors.New("not connected")
	// ErrPingTimeout is the close reason when a Pong never arrived.
	ErrPingTimeout = errors.New("ping timeout")
	// ErrRetriesExhausted is the failure reason once MaxAttempts is hit.
	ErrRetriesExhausted = errors.New("reconnect attempts exhausted")
	// ErrUnauthorized is reported when the server rejects the token.
	ErrUnauthorized = transport.ErrUnauthorized
)

// State is the Connection record.
type State struct {
	Phase Phase
	// Gen identifies the current dial. Results for any other generation are
	// stale.
	Gen uint64
	// Target is the session id to resume. Empty asks for a fresh session.
	Target string
	// LastConnectedID is the id most recently confirmed by Connected.
	LastConnectedID string
	LastConnectedAt time.Time
	LastAttemptAt   time.Time

	// Open is true once the dial for Gen succeeded and the channel is up.
	Open bool
	// ManualDisconnect is set by Disconnect so a following closure is not
	// treated as a drop.
	ManualDisconnect bool
	AwaitingPong     bool

	Reconnect ReconnectState
	// LastErr is the reason for the latest failure, for display only.
	LastErr string
}

// Dial asks the runtime to open a channel. Resume is the session id to
// resume, or empty for a fresh session.
type Dial struct {
	actor.EffectBase
	Gen    uint64
	Resume string
}

// CloseLink closes the channel opened for Gen, whenever it exists.
type CloseLink struct {
	actor.EffectBase
	Gen uint64
}

// SendFrame writes a command on the channel for Gen.
type SendFrame struct {
	actor.EffectBase
	Gen uint64
	Cmd wire.ClientCommand
}

// Live reports whether a channel is connected and confirmed.
func (s State) Live() bool {
	return s.Phase == PhaseConnected && s.Open
}

// Connect requests a connection to target. Repeated requests for the live
// session inside the debounce window and requests for the target that is
// already dialing are skipped. A different target supersedes whatever dial,
// backoff or channel exists.
func Connect(s State, target string, now time.Time) (State, []actor.Effect) {
	if s.Phase == PhaseConnected && target != "" && target == s.LastConnectedID &&
		now.Before(s.Reconnect.DebounceUntil) {

		logger.Debugf("connection: connect(%s) debounced; already live", target)
		return s, nil
	}
	if s.Phase == PhaseConnecting && target == s.Target {
		logger.Debugf("connection: connect(%s) skipped; dial in flight", display(target))
		return s, nil
	}
	if s.Phase == PhaseFailed || target != s.Target {
		s.Reconnect = ReconnectState{}
	}
	return dial(s, target, now, []actor.Effect{
		actor.CancelTimer{Name: TimerReconnect},
		actor.CancelTimer{Name: TimerPing},
	})
}

// dial tears down the current channel, if any, and dials target under a new
// generation. An in-flight dial is left to finish; its result arrives with a
// stale generation and is closed then.
func dial(s State, target string, now time.Time, effects []actor.Effect) (State, []actor.Effect) {
	if s.Open {
		effects = append(effects, CloseLink{Gen: s.Gen})
	}
	s.Gen++
	s.Phase = PhaseConnecting
	s.Target = target
	s.Open = false
	s.ManualDisconnect = false
	s.AwaitingPong = false
	s.LastAttemptAt = now
	s.LastErr = ""
	return s, append(effects, Dial{Gen: s.Gen, Resume: target})
}

// OnDialed applies the result of a Dial. On success the Start handshake is
// sent right away; the phase only becomes connected on the Connected event.
func OnDialed(s State, p Policy, gen uint64, err error, now time.Time) (State, []actor.Effect) {
	if gen != s.Gen {
		if err == nil {
			logger.Debugf("connection: closing superseded channel gen=%d", gen)
			return s, []actor.Effect{CloseLink{Gen: gen}}
		}
		return s, nil
	}
	if s.Phase != PhaseConnecting {
		return s, []actor.Effect{CloseLink{Gen: gen}}
	}
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			return fail(s, err)
		}
		logger.Infof("connection: dial failed: %v", err)
		return scheduleRetry(s, p, err)
	}
	s.Open = true
	return s, []actor.Effect{
		SendFrame{Gen: s.Gen, Cmd: wire.Start{ResumeSessionID: s.Target}},
	}
}

// OnConnected records the server-confirmed session id. It replaces whatever
// target the client guessed.
func OnConnected(s State, p Policy, gen uint64, sessionID string, now time.Time) (State, []actor.Effect) {
	if gen != s.Gen || !s.Open {
		return s, nil
	}
	s.Phase = PhaseConnected
	s.Target = sessionID
	s.LastConnectedID = sessionID
	s.LastConnectedAt = now
	s.LastErr = ""
	s.Reconnect = ReconnectState{DebounceUntil: now.Add(p.DebounceWindow)}
	s.AwaitingPong = false

	var effects []actor.Effect
	if p.PingInterval > 0 {
		effects = append(effects, actor.StartTimer{
			Name: TimerPing, Token: s.Gen, After: p.PingInterval,
		})
	}
	return s, effects
}

// OnClosed handles the channel for gen going away.
func OnClosed(s State, p Policy, gen uint64, err error, now time.Time) (State, []actor.Effect) {
	if gen != s.Gen || !s.Open {
		return s, nil
	}
	s.Open = false
	s.AwaitingPong = false
	if s.ManualDisconnect {
		s.Phase = PhaseDisconnected
		return s, []actor.Effect{actor.CancelTimer{Name: TimerPing}}
	}
	if err == nil {
		err = errors.New("channel closed")
	}
	logger.Infof("connection: channel dropped: %v", err)
	return scheduleRetry(s, p, err)
}

// OnRetryTimer dials again once the backoff elapsed.
func OnRetryTimer(s State, token uint64, now time.Time) (State, []actor.Effect) {
	if s.Phase != PhaseReconnecting || token != s.Gen {
		return s, nil
	}
	return dial(s, s.Target, now, nil)
}

// OnPingTimer sends the next Ping, or treats the channel as dropped when the
// previous one is still unanswered.
func OnPingTimer(s State, p Policy, token uint64, now time.Time) (State, []actor.Effect) {
	if token != s.Gen || !s.Live() {
		return s, nil
	}
	if s.AwaitingPong {
		logger.Warnf("connection: no pong within %s; reconnecting", p.PingInterval)
		closeOld := CloseLink{Gen: s.Gen}
		s.Open = false
		s.AwaitingPong = false
		// Retire the generation so the closure reported for it is ignored.
		s.Gen++
		next, effects := scheduleRetry(s, p, ErrPingTimeout)
		return next, append([]actor.Effect{closeOld}, effects...)
	}
	s.AwaitingPong = true
	return s, []actor.Effect{
		SendFrame{Gen: s.Gen, Cmd: wire.Ping{}},
		actor.StartTimer{Name: TimerPing, Token: s.Gen, After: p.PingInterval},
	}
}

// OnPong clears the outstanding ping.
func OnPong(s State) State {
	s.AwaitingPong = false
	return s
}

// OnAuthFailure makes the connection fail permanently until the next
// explicit Connect.
func OnAuthFailure(s State, err error) (State, []actor.Effect) {
	if err == nil {
		err = ErrUnauthorized
	}
	return fail(s, err)
}

// Disconnect closes the channel on request. No reconnect follows.
func Disconnect(s State) (State, []actor.Effect) {
	effects := []actor.Effect{
		actor.CancelTimer{Name: TimerReconnect},
		actor.CancelTimer{Name: TimerPing},
	}
	if s.Open {
		effects = append(effects, CloseLink{Gen: s.Gen})
	}
	s.Gen++
	s.Phase = PhaseDisconnected
	s.Open = false
	s.ManualDisconnect = true
	s.AwaitingPong = false
	s.Reconnect = ReconnectState{}
	return s, effects
}

// Send writes cmd on the live channel.
func Send(s State, cmd wire.ClientCommand) ([]actor.Effect, error) {
	if !s.Live() {
		return nil, fmt.Errorf("send %s: %w", cmd.CommandType(), ErrNotConnected)
	}
	return []actor.Effect{SendFrame{Gen: s.Gen, Cmd: cmd}}, nil
}

// Forget drops every memory of sessionID so it is never resumed again. A
// channel, dial or backoff bound to it is torn down and the phase drops to
// disconnected until the next Connect.
func Forget(s State, sessionID string) (State, []actor.Effect) {
	if sessionID == "" {
		return s, nil
	}
	if s.LastConnectedID == sessionID {
		s.LastConnectedID = ""
		s.Reconnect.DebounceUntil = time.Time{}
	}
	if s.Target != sessionID {
		return s, nil
	}
	effects := []actor.Effect{
		actor.CancelTimer{Name: TimerReconnect},
		actor.CancelTimer{Name: TimerPing},
	}
	if s.Open {
		effects = append(effects, CloseLink{Gen: s.Gen})
	}
	s.Gen++
	s.Phase = PhaseDisconnected
	s.Target = ""
	s.Open = false
	s.AwaitingPong = false
	s.Reconnect = ReconnectState{}
	return s, effects
}

func scheduleRetry(s State, p Policy, cause error) (State, []actor.Effect) {
	effects := []actor.Effect{actor.CancelTimer{Name: TimerPing}}
	if s.Reconnect.exhausted(p) {
		logger.Warnf("connection: giving up after %d attempts", s.Reconnect.Attempt)
		s.Phase = PhaseFailed
		s.LastErr = fmt.Sprintf("%v: %v", ErrRetriesExhausted, cause)
		return s, effects
	}
	delay := p.Delay(s.Reconnect.Attempt)
	s.Reconnect.Attempt++
	s.Reconnect.NextDelay = delay
	s.Phase = PhaseReconnecting
	s.LastErr = cause.Error()
	return s, append(effects, actor.StartTimer{
		Name:      TimerReconnect,
		Token:     s.Gen,
		After:     delay,
		MaxJitter: p.Jitter,
	})
}

func fail(s State, err error) (State, []actor.Effect) {
	effects := []actor.Effect{
		actor.CancelTimer{Name: TimerReconnect},
		actor.CancelTimer{Name: TimerPing},
	}
	if s.Open {
		effects = append(effects, CloseLink{Gen: s.Gen})
	}
	s.Gen++
	s.Phase = PhaseFailed
	s.Open = false
	s.AwaitingPong = false
	s.LastErr = err.Error()
	return s, effects
}

func display(target string) string {
	if target == "" {
		return "<fresh>"
	}
	return target
}
