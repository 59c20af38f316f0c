package actor_test

import (
	"context"
	"testing"
	"time"

	"github.com/bhandras/delight/mobile/internal/actor"
	"github.com/bhandras/delight/mobile/internal/actor/actortest"
	"github.com/stretchr/testify/require"
)

func TestTimersReplaceAndCancel(t *testing.T) {
	clock := actortest.NewFakeClock(time.Unix(0, 0))
	timers := actor.NewTimers(clock)
	timers.SetJitter(func(max time.Duration) time.Duration { return max })

	var fired []actor.TimerFired
	emit := func(in actor.Input) { fired = append(fired, in.(actor.TimerFired)) }

	ctx := context.Background()
	timers.Start(ctx, actor.StartTimer{Name: "retry", Token: 1, After: time.Second}, emit)
	timers.Start(ctx, actor.StartTimer{Name: "retry", Token: 2, After: time.Second, MaxJitter: 250 * time.Millisecond}, emit)
	timers.Start(ctx, actor.StartTimer{Name: "ping", Token: 7, After: 500 * time.Millisecond}, emit)
	timers.Cancel("ping")

	clock.Advance(time.Second)
	require.Empty(t, fired)

	clock.Advance(250 * time.Millisecond)
	require.Len(t, fired, 1)
	require.Equal(t, "retry", fired[0].Name)
	require.Equal(t, uint64(2), fired[0].Token)
	require.Equal(t, time.Unix(0, 0).Add(1250*time.Millisecond), fired[0].Now)
}

func TestTimersStopAll(t *testing.T) {
	clock := actortest.NewFakeClock(time.Unix(0, 0))
	timers := actor.NewTimers(clock)

	emit := func(actor.Input) { t.Fatal("timer fired after StopAll") }
	timers.Start(context.Background(), actor.StartTimer{Name: "a", After: time.Second}, emit)
	timers.Start(context.Background(), actor.StartTimer{Name: "b", After: time.Second}, emit)
	require.Equal(t, 2, clock.Pending())

	timers.StopAll()
	require.Equal(t, 0, clock.Pending())
	clock.Advance(time.Minute)
}

func TestTimersSkipCanceledContext(t *testing.T) {
	clock := actortest.NewFakeClock(time.Unix(0, 0))
	timers := actor.NewTimers(clock)

	ctx, cancel := context.WithCancel(context.Background())
	fired := false
	timers.Start(ctx, actor.StartTimer{Name: "a", After: time.Second}, func(actor.Input) { fired = true })
	cancel()
	clock.Advance(time.Second)
	require.False(t, fired)
}
