// Package writer 写路径入口：业务变更、发号、落库同一事务，提交后再通知下游。
package writer

import (
	"context"
	"time"

	"PSync/logger"
	"PSync/module/update/model"
	"PSync/module/update/store"
	"PSync/tools/backoff"
	"PSync/tools/errs"
	"PSync/tools/safe"

	"go.uber.org/zap"
)

// Sink 提交后的下游（实时推送、Kafka 导出等）。Publish 不得阻塞、不得失败写路径。
type Sink interface {
	Publish(u model.Update)
}

// Draft 待发号的更新
type Draft struct {
	Bucket model.BucketKey
	Kind   model.Kind
}

// MutateFunc 业务变更，与更新在同一事务
type MutateFunc func(ctx context.Context, tx store.Tx) error

type Options struct {
	MaxRetry int            // SeqConflict 整体重试次数
	Backoff  backoff.Policy // 重试间隔
	Clock    func() time.Time
	Log      *zap.Logger
}

type Writer struct {
	store store.Store
	sinks []Sink
	opts  Options
	log   *zap.Logger
}

func New(st store.Store, opts Options, sinks ...Sink) *Writer {
	safe.MustNotNil(st, "store")
	if opts.MaxRetry <= 0 {
		opts.MaxRetry = 3
	}
	if opts.Backoff.Base <= 0 {
		opts.Backoff = backoff.Policy{Base: 20 * time.Millisecond, Max: 500 * time.Millisecond, Jitter: 0.5}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Log == nil {
		opts.Log = logger.Named("writer")
	}
	return &Writer{store: st, sinks: sinks, opts: opts, log: opts.Log}
}

// AddSink 启动阶段注册，非并发安全
func (w *Writer) AddSink(s Sink) { w.sinks = append(w.sinks, s) }

// Append 在一个事务里执行 mutate，并为每个 draft 发号落库；提交成功后才发布。
// 发号冲突整体重试，不会产生重复或跳号。
func (w *Writer) Append(ctx context.Context, mutate MutateFunc, drafts ...Draft) ([]model.Update, error) {
	if len(drafts) == 0 {
		return nil, errs.ErrBadRequest.WrapMsg("no updates to append")
	}
	for _, d := range drafts {
		if err := d.Bucket.Validate(); err != nil {
			return nil, err
		}
		if d.Kind == nil {
			return nil, errs.ErrBadRequest.WrapMsg("nil kind", "bucket", d.Bucket)
		}
	}

	var out []model.Update
	err := backoff.Retry(ctx, w.opts.Backoff, w.opts.MaxRetry+1, errs.Retryable, func(attempt int) error {
		if attempt > 0 {
			w.log.Warn("sequence conflict, retrying tx", zap.Int("attempt", attempt))
		}
		out = out[:0]
		return w.store.WriteTx(ctx, func(tx store.Tx) error {
			if mutate != nil {
				if err := mutate(ctx, tx); err != nil {
					return err
				}
			}
			now := w.opts.Clock()
			for _, d := range drafts {
				seq, err := tx.NextSeq(ctx, d.Bucket)
				if err != nil {
					return err
				}
				u := model.Update{Bucket: d.Bucket, Seq: seq, Date: now, Kind: d.Kind}
				if err := tx.Append(ctx, &u); err != nil {
					return err
				}
				out = append(out, u)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	// 仅在提交之后
	for _, u := range out {
		w.publish(u)
	}
	return out, nil
}

func (w *Writer) publish(u model.Update) {
	for _, s := range w.sinks {
		func() {
			defer safe.Recover("writer.sink")
			s.Publish(u)
		}()
	}
}

// LogSink 调试用，记录每条已提交更新
type LogSink struct{ Log *zap.Logger }

func (l LogSink) Publish(u model.Update) {
	l.Log.Debug("update committed",
		zap.Stringer("bucket", u.Bucket),
		zap.Int64("seq", u.Seq),
		zap.String("kind", string(u.Kind.KindType())))
}
