// Package actor 单协程事件循环：纯函数 reducer 产出状态与副作用描述，runtime 异步执行副作用并把结果投回信箱。
//
// 状态只在循环协程里变更，reducer 可以脱离 runtime 单测（见 Step）。
package actor

import (
	"context"
	"sync"

	"PSync/tools/errs"
)

// Input 信箱里的一项：外部命令或 runtime 回投的事件
type Input interface {
	isActorInput()
}

// Effect reducer 产出的副作用描述，只是数据，由 Runtime 解释执行
type Effect interface {
	isActorEffect()
}

// InputBase 嵌入即实现 Input
type InputBase struct{}

func (InputBase) isActorInput() {}

// EffectBase 嵌入即实现 Effect
type EffectBase struct{}

func (EffectBase) isActorEffect() {}

// ReducerFunc 纯状态转移：不做 I/O、不起协程、不读时钟（时间由 Input 带入）
type ReducerFunc[S any] func(state S, input Input) (next S, effects []Effect)

// Runtime 执行副作用。HandleEffects 必须尽快返回，阻塞工作自行异步；
// ctx 取消后不得再 emit。
type Runtime interface {
	HandleEffects(ctx context.Context, effects []Effect, emit func(Input))
	Stop()
}

type Hooks[S any] struct {
	OnInput      func(input Input)
	OnTransition func(prev, next S, input Input)
	OnEffects    func(effects []Effect)
	// OnPanic 为空时 panic 继续向上抛
	OnPanic func(recovered any)
}

var ErrStopped = errs.ErrInternal.WrapMsg("actor stopped")

type Actor[S any] struct {
	reduce  ReducerFunc[S]
	runtime Runtime
	hooks   Hooks[S]

	mu     sync.Mutex
	state  S
	inbox  chan Input
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

type Option[S any] func(*Actor[S])

func WithHooks[S any](hooks Hooks[S]) Option[S] {
	return func(a *Actor[S]) { a.hooks = hooks }
}

func WithMailboxSize[S any](n int) Option[S] {
	return func(a *Actor[S]) {
		if n > 0 {
			a.inbox = make(chan Input, n)
		}
	}
}

func New[S any](initial S, reducer ReducerFunc[S], runtime Runtime, opts ...Option[S]) *Actor[S] {
	ctx, cancel := context.WithCancel(context.Background())
	a := &Actor[S]{
		reduce:  reducer,
		runtime: runtime,
		state:   initial,
		inbox:   make(chan Input, 256),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Start 幂等
func (a *Actor[S]) Start() {
	a.once.Do(func() { go a.loop() })
}

// Stop 取消循环并停止 runtime，可重复调用。停止后回投的结果一律丢弃。
func (a *Actor[S]) Stop() {
	a.cancel()
	if a.runtime != nil {
		a.runtime.Stop()
	}
}

func (a *Actor[S]) Done() <-chan struct{} { return a.done }

// Context 随 Stop 取消
func (a *Actor[S]) Context() context.Context { return a.ctx }

// Enqueue 非阻塞投递，信箱满或已停止返回 false
func (a *Actor[S]) Enqueue(input Input) bool {
	if input == nil {
		return false
	}
	select {
	case <-a.ctx.Done():
		return false
	default:
	}
	select {
	case a.inbox <- input:
		return true
	default:
		return false
	}
}

// Deliver 阻塞投递，给不能丢的 runtime 结果用（补拉结果、重试定时器）
func (a *Actor[S]) Deliver(ctx context.Context, input Input) error {
	if input == nil {
		return errs.ErrBadRequest.WrapMsg("nil input")
	}
	select {
	case <-a.ctx.Done():
		return ErrStopped
	default:
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

// State 当前状态快照，观测与测试用
func (a *Actor[S]) State() S {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Actor[S]) loop() {
	defer close(a.done)
	defer func() {
		if r := recover(); r != nil {
			if a.hooks.OnPanic != nil {
				a.hooks.OnPanic(r)
				return
			}
			panic(r)
		}
	}()

	emit := func(in Input) { _ = a.Deliver(a.ctx, in) }

	for {
		select {
		case <-a.ctx.Done():
			return
		case in := <-a.inbox:
			// Stop 与入队竞争时，已停止就不再处理
			if in == nil || a.ctx.Err() != nil {
				continue
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
				continue
			}
			if a.hooks.OnEffects != nil {
				a.hooks.OnEffects(effects)
			}
			if a.runtime != nil {
				a.runtime.HandleEffects(a.ctx, effects, emit)
			}
		}
	}
}

// Step 单步执行 reducer，不执行副作用；reducer 单测用
func Step[S any](state S, input Input, reducer ReducerFunc[S]) (S, []Effect) {
	return reducer(state, input)
}
