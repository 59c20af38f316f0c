// Package actor is the serialized execution context of the session core.
//
// A single goroutine (the loop) owns the state value S. Every change to S goes
// through a reducer that takes (state, input) and returns the next state plus
// a list of declarative effects. A Runtime performs the effects (dialing,
// writing frames, HTTP fetches, timers) and reports results back as new
// inputs. Nothing outside the loop ever writes S.
package actor

import (
	"context"
	"errors"
	"sync"
)

// Input is an item delivered to the actor mailbox: either a command issued by
// an API caller or an event observed by the runtime.
type Input interface {
	isActorInput()
}

// Effect is a side effect requested by a reducer. Effects are plain data; the
// Runtime decides how to carry them out.
type Effect interface {
	isActorEffect()
}

// ReducerFunc computes the next state for an input.
//
// Reducers must not perform I/O, start goroutines, read the wall clock or draw
// random numbers. Time and randomness arrive through inputs.
type ReducerFunc[S any] func(state S, input Input) (next S, effects []Effect)

// Runtime executes effects on behalf of the loop.
type Runtime interface {
	// HandleEffects is called on the loop goroutine and must not block. Work
	// that waits (network, timers) runs in its own goroutine and reports back
	// through emit. emit blocks until the input is queued or the actor stops,
	// so it must not be called synchronously from HandleEffects.
	HandleEffects(ctx context.Context, effects []Effect, emit func(Input))

	// Stop releases background resources. It may be called more than once.
	Stop()
}

// Hooks observe the loop. All fields are optional.
type Hooks[S any] struct {
	OnInput      func(input Input)
	OnTransition func(prev S, next S, input Input)
	OnEffects    func(effects []Effect)
	// OnPanic receives a recovered reducer or runtime panic. When set the loop
	// keeps running with the state it had before the failing input.
	OnPanic func(recovered any)
}

// ErrStopped is returned when an input is offered to a stopped actor.
var ErrStopped = errors.New("actor stopped")

// ErrMailboxFull is returned by TryEnqueue when the mailbox has no room.
var ErrMailboxFull = errors.New("actor mailbox full")

// Actor runs the loop that owns state of type S.
type Actor[S any] struct {
	reduce  ReducerFunc[S]
	runtime Runtime
	hooks   Hooks[S]

	mu    sync.Mutex
	state S

	inbox  chan Input
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Option configures an Actor.
type Option[S any] func(*Actor[S])

// WithHooks installs observability hooks.
func WithHooks[S any](hooks Hooks[S]) Option[S] {
	return func(a *Actor[S]) { a.hooks = hooks }
}

// WithMailboxSize sets the mailbox capacity. Non-positive values are ignored.
func WithMailboxSize[S any](n int) Option[S] {
	return func(a *Actor[S]) {
		if n > 0 {
			a.inbox = make(chan Input, n)
		}
	}
}

// New returns an actor that has not been started yet.
func New[S any](initial S, reducer ReducerFunc[S], runtime Runtime, opts ...Option[S]) *Actor[S] {
	ctx, cancel := context.WithCancel(context.Background())
	a := &Actor[S]{
		reduce:  reducer,
		runtime: runtime,
		state:   initial,
		inbox:   make(chan Input, 512),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Start launches the loop. Calling it again has no effect.
func (a *Actor[S]) Start() {
	a.once.Do(func() { go a.loop() })
}

// Stop cancels the loop context and stops the runtime.
func (a *Actor[S]) Stop() {
	a.cancel()
	if a.runtime != nil {
		a.runtime.Stop()
	}
}

// Done is closed once the loop has exited.
func (a *Actor[S]) Done() <-chan struct{} { return a.done }

// Context is canceled when the actor stops.
func (a *Actor[S]) Context() context.Context { return a.ctx }

// Enqueue queues an input, waiting for mailbox room until ctx is done or the
// actor stops.
func (a *Actor[S]) Enqueue(ctx context.Context, input Input) error {
	if input == nil {
		return nil
	}
	if a.ctx.Err() != nil {
		return ErrStopped
	}
	select {
	case a.inbox <- input:
		return nil
	case <-a.ctx.Done():
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryEnqueue queues an input without waiting.
func (a *Actor[S]) TryEnqueue(input Input) error {
	if input == nil {
		return nil
	}
	if a.ctx.Err() != nil {
		return ErrStopped
	}
	select {
	case a.inbox <- input:
		return nil
	default:
		return ErrMailboxFull
	}
}

// State returns the current state snapshot. Reducers must treat state as a
// value: slices and maps reachable from S are replaced, never edited in
// place, so a snapshot stays consistent after it is returned.
func (a *Actor[S]) State() S {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Actor[S]) loop() {
	defer close(a.done)

	emit := func(in Input) {
		_ = a.Enqueue(a.ctx, in)
	}

	for {
		select {
		case <-a.ctx.Done():
			return
		case in := <-a.inbox:
			a.step(in, emit)
		}
	}
}

// step reduces one input and hands the effects to the runtime.
func (a *Actor[S]) step(in Input, emit func(Input)) {
	if a.hooks.OnPanic != nil {
		defer func() {
			if r := recover(); r != nil {
				a.hooks.OnPanic(r)
			}
		}()
	}
	if in == nil {
		return
	}
	if a.hooks.OnInput != nil {
		a.hooks.OnInput(in)
	}

	a.mu.Lock()
	prev := a.state
	a.mu.Unlock()

	next, effects := a.reduce(prev, in)

	a.mu.Lock()
	a.state = next
	a.mu.Unlock()

	if a.hooks.OnTransition != nil {
		a.hooks.OnTransition(prev, next, in)
	}
	if len(effects) == 0 {
		return
	}
	if a.hooks.OnEffects != nil {
		a.hooks.OnEffects(effects)
	}
	if a.runtime != nil {
		a.runtime.HandleEffects(a.ctx, effects, emit)
	}
}
