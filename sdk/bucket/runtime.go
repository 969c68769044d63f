package bucket

import (
	"context"
	"sync"
	"time"

	"PSync/logger"
	"PSync/module/update/model"
	"PSync/sdk/actor"
	"PSync/sdk/apply"
	"PSync/tools/backoff"
	"PSync/tools/safe"

	"go.uber.org/zap"
)

type Fetcher interface {
	Fetch(ctx context.Context, key model.BucketKey, startSeq int64) (Page, error)
}

type Applier interface {
	Apply(ctx context.Context, u model.Update, src apply.Source) error
}

// Limiter 全局补拉并发闸（semaphore.Weighted）
type Limiter interface {
	Acquire(ctx context.Context, n int64) error
	Release(n int64)
}

type RuntimeConf struct {
	Backoff      backoff.Policy
	FetchTimeout time.Duration
	Clock        func() time.Time
	OnEvent      func(Event)
	Log          *zap.Logger
}

func (c *RuntimeConf) norm() {
	if c.Backoff.Base <= 0 {
		c.Backoff = backoff.Default()
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 10 * time.Second
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Log == nil {
		c.Log = logger.Named("bucket")
	}
}

// Runtime 执行 reducer 产出的副作用。Apply 在 actor 协程里同步执行保证顺序；
// Fetch 异步，结果投回信箱。
type Runtime struct {
	key     model.BucketKey
	fetcher Fetcher
	applier Applier
	limiter Limiter
	conf    RuntimeConf
	log     *zap.Logger

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
	wg      sync.WaitGroup
}

var _ actor.Runtime = (*Runtime)(nil)

func NewRuntime(key model.BucketKey, f Fetcher, a Applier, lim Limiter, conf RuntimeConf) *Runtime {
	safe.MustNotNil(f, "fetcher")
	safe.MustNotNil(a, "applier")
	conf.norm()
	return &Runtime{
		key:     key,
		fetcher: f,
		applier: a,
		limiter: lim,
		conf:    conf,
		log:     conf.Log.With(zap.Stringer("bucket", key)),
	}
}

func (r *Runtime) HandleEffects(ctx context.Context, effects []actor.Effect, emit func(actor.Input)) {
	for _, eff := range effects {
		switch e := eff.(type) {
		case Apply:
			r.apply(ctx, e)
		case Fetch:
			r.wg.Add(1)
			go r.fetch(ctx, e, emit)
		case ScheduleRetry:
			r.schedule(e, emit)
		case Emit:
			r.event(e.Event)
		}
	}
}

func (r *Runtime) apply(ctx context.Context, e Apply) {
	for _, u := range e.Updates {
		if err := r.applier.Apply(ctx, u, e.Source); err != nil {
			r.log.Error("persist cursor failed", zap.Int64("seq", u.Seq), zap.Error(err))
		}
	}
}

func (r *Runtime) fetch(ctx context.Context, f Fetch, emit func(actor.Input)) {
	defer r.wg.Done()
	defer safe.Recover("bucket.fetch")

	if r.limiter != nil {
		// 还在排队的请求随 actor 停止放弃
		if err := r.limiter.Acquire(ctx, 1); err != nil {
			return
		}
	}
	// 已发出的请求允许完成，结果由已停止的 actor 丢弃
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.conf.FetchTimeout)
	page, err := r.fetcher.Fetch(cctx, r.key, f.StartSeq)
	cancel()
	if r.limiter != nil {
		r.limiter.Release(1)
	}

	if err != nil {
		r.log.Debug("catch-up fetch failed", zap.Int64("start", f.StartSeq), zap.Error(err))
		emit(FetchFailed{Gen: f.Gen, Err: err})
		return
	}
	emit(FetchSucceeded{Gen: f.Gen, Page: page})
}

func (r *Runtime) schedule(e ScheduleRetry, emit func(actor.Input)) {
	d := r.conf.Backoff.Delay(e.Attempt)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	r.log.Debug("catch-up retry scheduled", zap.Int("attempt", e.Attempt), zap.Duration("delay", d))
	r.timer = time.AfterFunc(d, func() { emit(RetryFired{Gen: e.Gen}) })
}

func (r *Runtime) event(ev Event) {
	ev.At = r.conf.Clock()
	switch ev.Kind {
	case EventDegraded:
		r.log.Warn("bucket degraded", zap.Int64("seq", ev.Seq), zap.Error(ev.Err))
	case EventNeedsResync:
		r.log.Error("bucket needs full resync", zap.Int64("seq", ev.Seq), zap.Error(ev.Err))
	}
	if r.conf.OnEvent != nil {
		r.conf.OnEvent(ev)
	}
}

func (r *Runtime) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	if r.timer != nil {
		r.timer.Stop()
	}
}

// Wait 等待在途补拉返回
func (r *Runtime) Wait() { r.wg.Wait() }
