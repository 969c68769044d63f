package bucket

import (
	"context"

	"PSync/module/update/model"
	"PSync/sdk/actor"
)

// Bucket 一个 bucket 的 actor 句柄
type Bucket struct {
	key model.BucketKey
	a   *actor.Actor[State]
	rt  *Runtime
}

// Start 以 lastApplied 为起点启动 actor
func Start(key model.BucketKey, lastApplied int64, cfg Config, rt *Runtime, opts ...actor.Option[State]) *Bucket {
	a := actor.New(NewState(key, lastApplied), NewReducer(cfg), rt, opts...)
	a.Start()
	return &Bucket{key: key, a: a, rt: rt}
}

func (b *Bucket) Key() model.BucketKey { return b.key }

// Live 实时推送到达；阻塞到入信箱为止，不丢
func (b *Bucket) Live(ctx context.Context, u model.Update) error {
	return b.a.Deliver(ctx, LiveArrived{Update: u})
}

func (b *Bucket) CatchUp(ctx context.Context) error {
	return b.a.Deliver(ctx, CatchUpRequested{})
}

// Resynced 上层全量重同步完成后调用
func (b *Bucket) Resynced(ctx context.Context, seq int64) error {
	return b.a.Deliver(ctx, Resynced{Seq: seq})
}

func (b *Bucket) Snapshot() State { return b.a.State() }

// Stop 停止后在途补拉的结果被丢弃，游标停在最后一次完整应用处
func (b *Bucket) Stop() {
	b.a.Stop()
	<-b.a.Done()
}
