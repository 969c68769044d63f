// Package syncer 客户端同步协调器：持有发现水位与全部 bucket actor，
// 重连时只补拉有变化的 bucket（自己的 user bucket 无条件补拉），全局限制并发补拉数。
package syncer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"PSync/logger"
	"PSync/module/update/model"
	"PSync/sdk/apply"
	"PSync/sdk/bucket"
	"PSync/tools/backoff"
	"PSync/tools/errs"
	"PSync/tools/safe"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Changed getChangedBuckets 的结果
type Changed struct {
	Buckets   []model.BucketRef
	Watermark time.Time
}

// API 服务端查询面（realtime.Client 实现）
type API interface {
	GetUpdates(ctx context.Context, key model.BucketKey, startSeq int64, totalLimit int) (bucket.Page, error)
	GetChangedBuckets(ctx context.Context, since time.Time) (Changed, error)
}

// Applier apply.Layer
type Applier interface {
	Apply(ctx context.Context, u model.Update, src apply.Source) error
	Reset(ctx context.Context, key model.BucketKey, seq int64) error
}

type CursorStore interface {
	LoadSeq(ctx context.Context, key model.BucketKey) (int64, error)
	Cursors(ctx context.Context) (map[model.BucketKey]int64, error)
	LoadWatermark(ctx context.Context) (time.Time, error)
	SaveWatermark(ctx context.Context, t time.Time) error
}

// Observer bucket 事件回调（“同步中”指示、重同步提示），在 actor 协程里调用，需尽快返回
type Observer func(ev bucket.Event)

type Config struct {
	UserID               int64
	MaxConcurrentFetches int64 // 默认 5
	FetchTimeout         time.Duration
	TotalLimit           int // 单次 getUpdates 条数
	Bucket               bucket.Config
	Backoff              backoff.Policy
	DiscoveryAttempts    int
	Log                  *zap.Logger
}

func (c *Config) norm() {
	if c.MaxConcurrentFetches <= 0 {
		c.MaxConcurrentFetches = 5
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 10 * time.Second
	}
	if c.TotalLimit <= 0 {
		c.TotalLimit = 1000
	}
	if c.Backoff.Base <= 0 {
		c.Backoff = backoff.Default()
	}
	if c.DiscoveryAttempts <= 0 {
		c.DiscoveryAttempts = 5
	}
	if c.Log == nil {
		c.Log = logger.Named("syncer")
	}
}

type Coordinator struct {
	api     API
	applier Applier
	cursors CursorStore
	obs     Observer
	conf    Config
	log     *zap.Logger
	sem     *semaphore.Weighted

	mu       sync.Mutex
	buckets  map[model.BucketKey]*bucket.Bucket
	degraded map[model.BucketKey]struct{}
	resync   map[model.BucketKey]struct{} // 已上报 NeedsResync、等待上层 Resynced
	rounds   []*round // 每次发现后等待追平的 bucket
	closed   bool

	inflight    atomic.Int64
	maxInflight atomic.Int64
}

func New(api API, applier Applier, cursors CursorStore, obs Observer, conf Config) *Coordinator {
	safe.MustNotNil(api, "api")
	safe.MustNotNil(applier, "applier")
	safe.MustNotNil(cursors, "cursors")
	conf.norm()
	return &Coordinator{
		api:      api,
		applier:  applier,
		cursors:  cursors,
		obs:      obs,
		conf:     conf,
		log:      conf.Log,
		sem:      semaphore.NewWeighted(conf.MaxConcurrentFetches),
		buckets:  make(map[model.BucketKey]*bucket.Bucket),
		degraded: make(map[model.BucketKey]struct{}),
		resync:   make(map[model.BucketKey]struct{}),
	}
}

// Restore 为本地已有游标的 bucket 启动 actor
func (c *Coordinator) Restore(ctx context.Context) error {
	all, err := c.cursors.Cursors(ctx)
	if err != nil {
		return err
	}
	for key := range all {
		if _, err := c.Track(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// Track 取已有 actor，没有则以本地游标启动
func (c *Coordinator) Track(ctx context.Context, key model.BucketKey) (*bucket.Bucket, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errs.ErrInternal.WrapMsg("coordinator closed")
	}
	if b, ok := c.buckets[key]; ok {
		c.mu.Unlock()
		return b, nil
	}
	c.mu.Unlock()

	seq, err := c.cursors.LoadSeq(ctx, key)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.buckets[key]; ok {
		return b, nil
	}
	rt := bucket.NewRuntime(key, fetcher{c}, c.applier, c.sem, bucket.RuntimeConf{
		Backoff:      c.conf.Backoff,
		FetchTimeout: c.conf.FetchTimeout,
		OnEvent:      c.onEvent,
		Log:          c.log.Named("bucket"),
	})
	b := bucket.Start(key, seq, c.conf.Bucket, rt)
	c.buckets[key] = b
	c.log.Debug("bucket tracked", zap.Stringer("bucket", key), zap.Int64("seq", seq))
	return b, nil
}

// Untrack 停止 actor；在途补拉完成后结果丢弃
func (c *Coordinator) Untrack(key model.BucketKey) {
	c.mu.Lock()
	b, ok := c.buckets[key]
	delete(c.buckets, key)
	delete(c.degraded, key)
	delete(c.resync, key)
	c.mu.Unlock()
	if ok {
		b.Stop()
	}
}

// HandleLive 实时推送入口，首次见到的 bucket 自动启动 actor
func (c *Coordinator) HandleLive(ctx context.Context, u model.Update) error {
	b, err := c.Track(ctx, u.Bucket)
	if err != nil {
		return err
	}
	return b.Live(ctx, u)
}

// OnConnect 连接（重连）建立后调用：发现有变化的 bucket，逐个发起补拉后立即持久化水位
// （补拉由各 actor 负责到底，按 seq 去重），再等待本轮 bucket 全部追平或转入全量重同步。
// 发现失败不保存水位，下次从旧水位重新发现。
func (c *Coordinator) OnConnect(ctx context.Context) error {
	since, err := c.cursors.LoadWatermark(ctx)
	if err != nil {
		return err
	}

	var res Changed
	err = backoff.Retry(ctx, c.conf.Backoff, c.conf.DiscoveryAttempts, retryableDiscovery, func(attempt int) error {
		if attempt > 0 {
			c.log.Warn("discovery retry", zap.Int("attempt", attempt))
		}
		var err error
		res, err = c.api.GetChangedBuckets(ctx, since)
		return err
	})
	if err != nil {
		return err
	}

	keys := make([]model.BucketKey, 0, len(res.Buckets)+1)
	seen := make(map[model.BucketKey]struct{}, len(res.Buckets)+1)
	own := model.UserBucket(c.conf.UserID)
	for _, k := range append([]model.BucketKey{own}, refKeys(res.Buckets)...) {
		if _, dup := seen[k]; dup || k.Validate() != nil {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	c.log.Info("discovery done",
		zap.Time("since", since), zap.Time("watermark", res.Watermark), zap.Int("buckets", len(keys)))

	r := c.await(keys)
	defer c.dropRound(r)
	for _, k := range keys {
		b, err := c.Track(ctx, k)
		if err != nil {
			return err
		}
		if err := b.CatchUp(ctx); err != nil {
			return err
		}
	}

	if err := c.cursors.SaveWatermark(ctx, res.Watermark); err != nil {
		return err
	}

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resynced 上层全量重同步某个 bucket 后调用
func (c *Coordinator) Resynced(ctx context.Context, key model.BucketKey, seq int64) error {
	if err := c.applier.Reset(ctx, key, seq); err != nil {
		return err
	}
	b, err := c.Track(ctx, key)
	if err != nil {
		return err
	}
	return b.Resynced(ctx, seq)
}

// Degraded 当前处于退避中的 bucket
func (c *Coordinator) Degraded() []model.BucketKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.BucketKey, 0, len(c.degraded))
	for k := range c.degraded {
		out = append(out, k)
	}
	return out
}

// Cursor actor 内存中的已应用 seq
func (c *Coordinator) Cursor(key model.BucketKey) (int64, bool) {
	c.mu.Lock()
	b, ok := c.buckets[key]
	c.mu.Unlock()
	if !ok {
		return 0, false
	}
	return b.Snapshot().LastApplied, true
}

func (c *Coordinator) Tracked() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buckets)
}

// InFlight 正在进行的 getUpdates 调用数
func (c *Coordinator) InFlight() int64 { return c.inflight.Load() }

// MaxInFlight 观测到的最大并发
func (c *Coordinator) MaxInFlight() int64 { return c.maxInflight.Load() }

func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	all := c.buckets
	c.buckets = make(map[model.BucketKey]*bucket.Bucket)
	c.mu.Unlock()
	for _, b := range all {
		b.Stop()
	}
}

type round struct {
	pending map[model.BucketKey]struct{}
	done    chan struct{}
}

// await 登记本轮需要追平的 bucket，全部收到 CaughtUp 或 NeedsResync 后关闭 done；
// 已在等待全量重同步的 bucket 不计入（它不会再上报一次 NeedsResync）
func (c *Coordinator) await(keys []model.BucketKey) *round {
	r := &round{pending: make(map[model.BucketKey]struct{}, len(keys)), done: make(chan struct{})}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		if _, skip := c.resync[k]; !skip {
			r.pending[k] = struct{}{}
		}
	}
	if len(r.pending) == 0 {
		close(r.done)
		return r
	}
	c.rounds = append(c.rounds, r)
	return r
}

func (c *Coordinator) dropRound(r *round) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, x := range c.rounds {
		if x == r {
			c.rounds = append(c.rounds[:i], c.rounds[i+1:]...)
			return
		}
	}
}

func (c *Coordinator) onEvent(ev bucket.Event) {
	c.mu.Lock()
	switch ev.Kind {
	case bucket.EventDegraded:
		c.degraded[ev.Key] = struct{}{}
	case bucket.EventCaughtUp:
		delete(c.degraded, ev.Key)
		delete(c.resync, ev.Key)
		c.settleLocked(ev.Key)
	case bucket.EventNeedsResync:
		// 交给上层 Resynced，不再阻塞本轮
		c.resync[ev.Key] = struct{}{}
		c.settleLocked(ev.Key)
	}
	c.mu.Unlock()
	if c.obs != nil {
		c.obs(ev)
	}
}

func (c *Coordinator) settleLocked(key model.BucketKey) {
	kept := c.rounds[:0]
	for _, r := range c.rounds {
		delete(r.pending, key)
		if len(r.pending) == 0 {
			close(r.done)
			continue
		}
		kept = append(kept, r)
	}
	c.rounds = kept
}

type fetcher struct{ c *Coordinator }

func (f fetcher) Fetch(ctx context.Context, key model.BucketKey, startSeq int64) (bucket.Page, error) {
	n := f.c.inflight.Add(1)
	defer f.c.inflight.Add(-1)
	for {
		m := f.c.maxInflight.Load()
		if n <= m || f.c.maxInflight.CompareAndSwap(m, n) {
			break
		}
	}
	return f.c.api.GetUpdates(ctx, key, startSeq, f.c.conf.TotalLimit)
}

func refKeys(refs []model.BucketRef) []model.BucketKey {
	out := make([]model.BucketKey, len(refs))
	for i, r := range refs {
		out[i] = r.Key
	}
	return out
}

// 鉴权失败、参数错误不重试
func retryableDiscovery(err error) bool {
	switch errs.Code(err) {
	case errs.NotAuthenticated, errs.BadRequest, errs.InvalidUserID:
		return false
	}
	return true
}
