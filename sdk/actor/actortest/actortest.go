// Package actortest actor 的测试替身
package actortest

import (
	"context"
	"sync"
	"time"

	"PSync/sdk/actor"
)

// FakeRuntime 记录收到的副作用；EmitFn 可同步合成后续事件
type FakeRuntime struct {
	mu      sync.Mutex
	effects []actor.Effect
	stopped bool

	EmitFn func(ctx context.Context, eff actor.Effect, emit func(actor.Input))
}

func (r *FakeRuntime) HandleEffects(ctx context.Context, effects []actor.Effect, emit func(actor.Input)) {
	r.mu.Lock()
	r.effects = append(r.effects, effects...)
	fn := r.EmitFn
	r.mu.Unlock()
	if fn == nil {
		return
	}
	for _, eff := range effects {
		fn(ctx, eff, emit)
	}
}

func (r *FakeRuntime) Stop() {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
}

func (r *FakeRuntime) Stopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

func (r *FakeRuntime) Effects() []actor.Effect {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]actor.Effect, len(r.effects))
	copy(out, r.effects)
	return out
}

func (r *FakeRuntime) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.effects = nil
}

// FakeClock 手动推进的时钟
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewFakeClock(start time.Time) *FakeClock { return &FakeClock{now: start} }

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
