package connection

import (
	"errors"
	"testing"
	"time"

	"github.com/bhandras/delight/mobile/internal/actor"
	"github.com/bhandras/delight/mobile/internal/wire"
	"github.com/stretchr/testify/require"
)

var t0 = time.Unix(1_700_000_000, 0)

func connected(t *testing.T, p Policy, id string) State {
	t.Helper()
	s, effects := Connect(State{Phase: PhaseDisconnected}, id, t0)
	require.Contains(t, effects, actor.Effect(Dial{Gen: 1, Resume: id}))
	s, effects = OnDialed(s, p, 1, nil, t0)
	require.Equal(t, []actor.Effect{SendFrame{Gen: 1, Cmd: wire.Start{ResumeSessionID: id}}}, effects)
	require.Equal(t, PhaseConnecting, s.Phase)
	s, _ = OnConnected(s, p, 1, id, t0)
	require.Equal(t, PhaseConnected, s.Phase)
	return s
}

func TestPolicyDelay(t *testing.T) {
	p := DefaultPolicy()
	require.Equal(t, 500*time.Millisecond, p.Delay(0))
	require.Equal(t, time.Second, p.Delay(1))
	require.Equal(t, 2*time.Second, p.Delay(2))
	require.Equal(t, 16*time.Second, p.Delay(5))
	require.Equal(t, 30*time.Second, p.Delay(6))
	require.Equal(t, 30*time.Second, p.Delay(1000))
	require.Equal(t, time.Duration(0), Policy{}.Delay(3))
}

func TestConnectedRecordsServerID(t *testing.T) {
	p := DefaultPolicy()
	s, _ := Connect(State{}, "", t0)
	s, _ = OnDialed(s, p, 1, nil, t0)
	s, effects := OnConnected(s, p, 1, "server-1", t0)

	require.Equal(t, PhaseConnected, s.Phase)
	require.Equal(t, "server-1", s.Target)
	require.Equal(t, "server-1", s.LastConnectedID)
	require.Equal(t, t0, s.LastConnectedAt)
	require.Equal(t, []actor.Effect{actor.StartTimer{Name: TimerPing, Token: 1, After: p.PingInterval}}, effects)
}

func TestSendRequiresConnected(t *testing.T) {
	_, err := Send(State{Phase: PhaseConnecting}, wire.Input{Text: "hi"})
	require.ErrorIs(t, err, ErrNotConnected)

	s := connected(t, DefaultPolicy(), "s1")
	effects, err := Send(s, wire.Input{Text: "hi"})
	require.NoError(t, err)
	require.Equal(t, []actor.Effect{SendFrame{Gen: 1, Cmd: wire.Input{Text: "hi"}}}, effects)
}

func TestReconnectDebounce(t *testing.T) {
	p := DefaultPolicy()
	s := connected(t, p, "s1")

	next, effects := Connect(s, "s1", t0.Add(time.Second))
	require.Empty(t, effects)
	require.Equal(t, s, next)

	// Outside the window a repeat connect reopens the channel, closing the
	// old one first so only one is ever live.
	next, effects = Connect(s, "s1", t0.Add(p.DebounceWindow+time.Millisecond))
	require.Equal(t, uint64(2), next.Gen)
	require.Contains(t, effects, actor.Effect(CloseLink{Gen: 1}))
	require.Contains(t, effects, actor.Effect(Dial{Gen: 2, Resume: "s1"}))
}

func TestConnectSkipsDialInFlight(t *testing.T) {
	s, _ := Connect(State{}, "s1", t0)
	next, effects := Connect(s, "s1", t0.Add(10*time.Millisecond))
	require.Empty(t, effects)
	require.Equal(t, s, next)
}

func TestSwitchSupersedesInFlightDial(t *testing.T) {
	p := DefaultPolicy()
	s, _ := Connect(State{}, "a", t0)
	s, effects := Connect(s, "b", t0.Add(time.Millisecond))

	require.Equal(t, uint64(2), s.Gen)
	require.Equal(t, "b", s.Target)
	require.Contains(t, effects, actor.Effect(Dial{Gen: 2, Resume: "b"}))
	for _, eff := range effects {
		_, isClose := eff.(CloseLink)
		require.False(t, isClose, "in-flight dial must not be closed before it completes")
	}

	// The old dial completes afterwards and is closed immediately.
	next, effects := OnDialed(s, p, 1, nil, t0.Add(50*time.Millisecond))
	require.Equal(t, []actor.Effect{CloseLink{Gen: 1}}, effects)
	require.Equal(t, s, next)

	// A stale Connected for the old generation is ignored.
	next, _ = OnConnected(next, p, 1, "a", t0)
	require.Equal(t, PhaseConnecting, next.Phase)
	require.Empty(t, next.LastConnectedID)
}

func TestSwitchCancelsBackoff(t *testing.T) {
	p := DefaultPolicy()
	s := connected(t, p, "a")
	s, effects := OnClosed(s, p, 1, errors.New("eof"), t0)
	require.Equal(t, PhaseReconnecting, s.Phase)
	require.Contains(t, effects, actor.Effect(actor.StartTimer{
		Name: TimerReconnect, Token: 1, After: p.Base, MaxJitter: p.Jitter,
	}))

	s, effects = Connect(s, "b", t0.Add(time.Second))
	require.Equal(t, actor.CancelTimer{Name: TimerReconnect}, effects[0])
	require.Contains(t, effects, actor.Effect(Dial{Gen: 2, Resume: "b"}))
	require.Equal(t, 0, s.Reconnect.Attempt)

	// The superseded backoff token no longer dials.
	next, effects := OnRetryTimer(s, 1, t0.Add(2*time.Second))
	require.Empty(t, effects)
	require.Equal(t, s, next)
}

func TestBackoffGrowsAndResets(t *testing.T) {
	p := DefaultPolicy()
	s := connected(t, p, "s1")

	s, _ = OnClosed(s, p, 1, errors.New("eof"), t0)
	require.Equal(t, 1, s.Reconnect.Attempt)
	require.Equal(t, p.Base, s.Reconnect.NextDelay)

	s, effects := OnRetryTimer(s, s.Gen, t0.Add(time.Second))
	require.Equal(t, []actor.Effect{Dial{Gen: 2, Resume: "s1"}}, effects)

	s, effects = OnDialed(s, p, 2, errors.New("refused"), t0.Add(time.Second))
	require.Equal(t, PhaseReconnecting, s.Phase)
	require.Equal(t, 2, s.Reconnect.Attempt)
	require.Equal(t, 2*p.Base, s.Reconnect.NextDelay)
	require.Contains(t, effects, actor.Effect(actor.StartTimer{
		Name: TimerReconnect, Token: 2, After: 2 * p.Base, MaxJitter: p.Jitter,
	}))

	s, _ = OnRetryTimer(s, 2, t0.Add(3*time.Second))
	s, _ = OnDialed(s, p, 3, nil, t0.Add(3*time.Second))
	s, _ = OnConnected(s, p, 3, "s1", t0.Add(3*time.Second))
	require.Equal(t, 0, s.Reconnect.Attempt)
	require.Equal(t, time.Duration(0), s.Reconnect.NextDelay)
}

func TestMaxAttemptsFails(t *testing.T) {
	p := DefaultPolicy()
	p.MaxAttempts = 1
	s, _ := Connect(State{}, "s1", t0)

	s, _ = OnDialed(s, p, 1, errors.New("refused"), t0)
	require.Equal(t, PhaseReconnecting, s.Phase)

	s, _ = OnRetryTimer(s, s.Gen, t0.Add(time.Second))
	s, _ = OnDialed(s, p, s.Gen, errors.New("refused"), t0.Add(time.Second))
	require.Equal(t, PhaseFailed, s.Phase)
	require.Contains(t, s.LastErr, ErrRetriesExhausted.Error())

	// An explicit connect starts over.
	s, effects := Connect(s, "s1", t0.Add(time.Minute))
	require.Equal(t, PhaseConnecting, s.Phase)
	require.Equal(t, 0, s.Reconnect.Attempt)
	require.Contains(t, effects, actor.Effect(Dial{Gen: 3, Resume: "s1"}))
}

func TestUnauthorizedDialFails(t *testing.T) {
	p := DefaultPolicy()
	s, _ := Connect(State{}, "s1", t0)
	s, effects := OnDialed(s, p, 1, ErrUnauthorized, t0)
	require.Equal(t, PhaseFailed, s.Phase)
	for _, eff := range effects {
		_, isStart := eff.(actor.StartTimer)
		require.False(t, isStart)
	}
}

func TestManualDisconnectDoesNotReconnect(t *testing.T) {
	p := DefaultPolicy()
	s := connected(t, p, "s1")

	s, effects := Disconnect(s)
	require.Equal(t, PhaseDisconnected, s.Phase)
	require.Contains(t, effects, actor.Effect(CloseLink{Gen: 1}))

	// The close reported for the old link is stale.
	next, effects := OnClosed(s, p, 1, errors.New("closed"), t0)
	require.Empty(t, effects)
	require.Equal(t, PhaseDisconnected, next.Phase)
}

func TestPingTimeoutReconnects(t *testing.T) {
	p := DefaultPolicy()
	s := connected(t, p, "s1")

	s, effects := OnPingTimer(s, p, 1, t0.Add(p.PingInterval))
	require.True(t, s.AwaitingPong)
	require.Equal(t, SendFrame{Gen: 1, Cmd: wire.Ping{}}, effects[0])

	s = OnPong(s)
	s, _ = OnPingTimer(s, p, 1, t0.Add(2*p.PingInterval))
	require.True(t, s.AwaitingPong)

	s, effects = OnPingTimer(s, p, 1, t0.Add(3*p.PingInterval))
	require.Equal(t, PhaseReconnecting, s.Phase)
	require.Equal(t, CloseLink{Gen: 1}, effects[0])
	require.Equal(t, ErrPingTimeout.Error(), s.LastErr)

	// The closure of the retired link is ignored.
	next, effects := OnClosed(s, p, 1, errors.New("closed"), t0)
	require.Empty(t, effects)
	require.Equal(t, s, next)
}

func TestForget(t *testing.T) {
	s := connected(t, DefaultPolicy(), "bad")
	s, effects := Forget(s, "bad")
	require.Empty(t, s.LastConnectedID)
	require.Empty(t, s.Target)
	require.Equal(t, PhaseDisconnected, s.Phase)
	require.Contains(t, effects, actor.Effect(CloseLink{Gen: 1}))

	// Connecting fresh now is not debounced.
	_, effects = Connect(s, "", t0)
	require.Contains(t, effects, actor.Effect(Dial{Gen: 3, Resume: ""}))
}

func TestForgetDuringHandshake(t *testing.T) {
	p := DefaultPolicy()
	s, _ := Connect(State{}, "bad", t0)
	s, _ = OnDialed(s, p, s.Gen, nil, t0)
	require.Equal(t, PhaseConnecting, s.Phase)

	s, _ = Forget(s, "bad")
	_, effects := Connect(s, "", t0)
	require.Contains(t, effects, actor.Effect(Dial{Gen: s.Gen + 1, Resume: ""}))
}

func TestForgetOtherSessionKeepsChannel(t *testing.T) {
	s := connected(t, DefaultPolicy(), "live")
	next, effects := Forget(s, "other")
	require.Equal(t, s, next)
	require.Empty(t, effects)
}
