// Package actortest holds helpers for testing actors and reducers.
package actortest

import (
	"context"
	"sync"

	"github.com/bhandras/delight/mobile/internal/actor"
)

// FakeRuntime records every effect it is handed. When EmitFn is set it is
// called once per effect from a separate goroutine so tests can answer
// effects with follow-up inputs the way a real runtime would.
type FakeRuntime struct {
	mu      sync.Mutex
	effects []actor.Effect

	EmitFn func(ctx context.Context, eff actor.Effect, emit func(actor.Input))
}

var _ actor.Runtime = (*FakeRuntime)(nil)

// HandleEffects implements actor.Runtime.
func (r *FakeRuntime) HandleEffects(ctx context.Context, effects []actor.Effect, emit func(actor.Input)) {
	r.mu.Lock()
	r.effects = append(r.effects, effects...)
	emitFn := r.EmitFn
	r.mu.Unlock()

	if emitFn == nil {
		return
	}
	batch := append([]actor.Effect(nil), effects...)
	go func() {
		for _, eff := range batch {
			emitFn(ctx, eff, emit)
		}
	}()
}

// Stop implements actor.Runtime.
func (r *FakeRuntime) Stop() {}

// Effects returns a copy of the recorded effects.
func (r *FakeRuntime) Effects() []actor.Effect {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]actor.Effect, len(r.effects))
	copy(out, r.effects)
	return out
}

// Reset forgets recorded effects.
func (r *FakeRuntime) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.effects = nil
}
