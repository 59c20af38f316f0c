package actor_test

import (
	"context"
	"testing"
	"time"

	"github.com/bhandras/delight/mobile/internal/actor"
	"github.com/bhandras/delight/mobile/internal/actor/actortest"
	"github.com/stretchr/testify/require"
)

type addInput struct {
	actor.InputBase
	n int
}

type boomInput struct {
	actor.InputBase
}

type addedEffect struct {
	actor.EffectBase
	n int
}

func sumReducer(state int, input actor.Input) (int, []actor.Effect) {
	switch in := input.(type) {
	case addInput:
		return state + in.n, []actor.Effect{addedEffect{n: in.n}}
	case boomInput:
		panic("boom")
	default:
		return state, nil
	}
}

func TestActorProcessesInputsInOrder(t *testing.T) {
	t.Parallel()

	rt := &actortest.FakeRuntime{}
	a := actor.New[int](0, sumReducer, rt)
	a.Start()
	defer a.Stop()

	for i := 1; i <= 5; i++ {
		require.NoError(t, a.Enqueue(context.Background(), addInput{n: i}))
	}

	require.Eventually(t, func() bool { return a.State() == 15 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(rt.Effects()) == 5 }, 2*time.Second, 5*time.Millisecond)

	effects := rt.Effects()
	for i, eff := range effects {
		require.Equal(t, i+1, eff.(addedEffect).n)
	}
}

func TestActorRecoversPanicsWithHook(t *testing.T) {
	t.Parallel()

	panics := make(chan any, 1)
	a := actor.New[int](0, sumReducer, nil, actor.WithHooks(actor.Hooks[int]{
		OnPanic: func(r any) { panics <- r },
	}))
	a.Start()
	defer a.Stop()

	require.NoError(t, a.Enqueue(context.Background(), addInput{n: 2}))
	require.NoError(t, a.Enqueue(context.Background(), boomInput{}))
	require.NoError(t, a.Enqueue(context.Background(), addInput{n: 3}))

	select {
	case r := <-panics:
		require.Equal(t, "boom", r)
	case <-time.After(2 * time.Second):
		t.Fatal("panic hook not called")
	}
	require.Eventually(t, func() bool { return a.State() == 5 }, 2*time.Second, 5*time.Millisecond)
}

func TestEnqueueAfterStop(t *testing.T) {
	t.Parallel()

	a := actor.New[int](0, sumReducer, nil)
	a.Start()
	a.Stop()
	<-a.Done()

	require.ErrorIs(t, a.Enqueue(context.Background(), addInput{n: 1}), actor.ErrStopped)
	require.ErrorIs(t, a.TryEnqueue(addInput{n: 1}), actor.ErrStopped)
}

func TestRunReplaysInputs(t *testing.T) {
	t.Parallel()

	state, effects := actor.Run(0, sumReducer, addInput{n: 1}, addInput{n: 2})
	require.Equal(t, 3, state)
	require.Len(t, effects, 2)
}

func TestFakeClockFiresDueTimers(t *testing.T) {
	t.Parallel()

	clock := actortest.NewFakeClock(time.Unix(0, 0))
	var fired []string
	clock.AfterFunc(2*time.Second, func() { fired = append(fired, "b") })
	clock.AfterFunc(time.Second, func() { fired = append(fired, "a") })
	stopped := clock.AfterFunc(time.Second, func() { fired = append(fired, "x") })
	require.True(t, stopped.Stop())

	clock.Advance(1500 * time.Millisecond)
	require.Equal(t, []string{"a"}, fired)
	require.Equal(t, 1, clock.Pending())

	clock.Advance(time.Second)
	require.Equal(t, []string{"a", "b"}, fired)
	require.Equal(t, 0, clock.Pending())
}
