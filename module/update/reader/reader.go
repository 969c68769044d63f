// Package reader 补拉查询面：按 seq 分片返回 bucket 历史，以及重连时的变化发现。
package reader

import (
	"context"
	"time"

	"PSync/logger"
	"PSync/module/update/group"
	"PSync/module/update/materialize"
	"PSync/module/update/model"
	"PSync/module/update/store"
	"PSync/tools/errs"
	"PSync/tools/safe"

	"go.uber.org/zap"
)

type ResultType int8

const (
	ResultOK      ResultType = 0
	ResultTooLong ResultType = 1
)

func (t ResultType) String() string {
	if t == ResultTooLong {
		return "TOO_LONG"
	}
	return "OK"
}

// Envelope 一条更新 + 请求者视角 + 展开后的载荷
type Envelope struct {
	Update  model.Update
	Peer    model.PeerRef
	Payload []byte
}

type Result struct {
	Updates    []Envelope
	NextSeq    int64 // 下一次调用的 startSeq
	Final      bool  // 已追平本次调用时的 head
	ResultType ResultType
	HeadSeq    int64
}

type ChangedResult struct {
	Buckets   []model.BucketRef
	Watermark time.Time // 查询开始时的 now()，可立即持久化
}

type Options struct {
	TotalCap int // 单次 getUpdates 最多返回条数，默认 1000
	PageSize int // 每次 ReadSlice 的页大小，只能调小，超过 store.PageCap 按上限
	// DiscoveryLookback 发现查询的回看窗口：updated_at 在事务内取值、提交稍晚，
	// 回看一段时间避免漏掉跨越水位提交的 bucket；重复发现无害
	DiscoveryLookback time.Duration
	Clock             func() time.Time
	Log               *zap.Logger
}

type Reader struct {
	store    store.Store
	groups   group.Resolver
	material materialize.Materializer
	opts     Options
	log      *zap.Logger
}

func New(st store.Store, groups group.Resolver, m materialize.Materializer, opts Options) *Reader {
	safe.MustNotNil(st, "store")
	safe.MustNotNil(groups, "groups")
	if m == nil {
		m = materialize.Noop{}
	}
	if opts.TotalCap <= 0 {
		opts.TotalCap = 1000
	}
	opts.PageSize = store.ClampPage(opts.PageSize)
	if opts.DiscoveryLookback < 0 {
		opts.DiscoveryLookback = 0
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Log == nil {
		opts.Log = logger.Named("reader")
	}
	return &Reader{store: st, groups: groups, material: m, opts: opts, log: opts.Log}
}

// GetUpdates 返回 (startSeq, window] 内的更新。
// head-startSeq 超过 totalLimit 时标记 TOO_LONG，仍只切出 startSeq+totalLimit 的窗口，保证每次都前进。
func (r *Reader) GetUpdates(ctx context.Context, userID int64, key model.BucketKey, startSeq int64, totalLimit int) (Result, error) {
	if err := key.Validate(); err != nil {
		return Result{}, err
	}
	if startSeq < 0 {
		return Result{}, errs.ErrBadRequest.WrapMsg("negative start seq", "start", startSeq)
	}
	peer, err := r.viewpoint(ctx, userID, key)
	if err != nil {
		return Result{}, err
	}

	head, err := r.store.HeadSeq(ctx, key)
	if err != nil {
		return Result{}, err
	}
	if startSeq >= head {
		if startSeq > head {
			r.log.Warn("client cursor ahead of head",
				zap.Stringer("bucket", key), zap.Int64("start", startSeq), zap.Int64("head", head), zap.Int64("user", userID))
		}
		return Result{NextSeq: startSeq, Final: true, ResultType: ResultOK, HeadSeq: head}, nil
	}

	limit := totalLimit
	if limit <= 0 || limit > r.opts.TotalCap {
		limit = r.opts.TotalCap
	}
	end, rt := head, ResultOK
	if head-startSeq > int64(limit) {
		end, rt = startSeq+int64(limit), ResultTooLong
	}

	ups := make([]model.Update, 0, min64(end-startSeq, int64(limit)))
	cursor := startSeq
pages:
	for cursor < end {
		page, more, err := r.store.ReadSlice(ctx, key, cursor, r.opts.PageSize)
		if err != nil {
			return Result{}, err
		}
		for _, u := range page {
			if u.Seq > end {
				break pages
			}
			if u.Seq != cursor+1 {
				return Result{}, errs.ErrInternal.WrapMsg("gap in update log",
					"bucket", key, "expected", cursor+1, "got", u.Seq)
			}
			ups = append(ups, u)
			cursor = u.Seq
		}
		if !more || len(page) == 0 {
			break
		}
	}

	payloads, err := r.material.Inflate(ctx, userID, ups)
	if err != nil {
		return Result{}, err
	}
	out := Result{
		Updates:    make([]Envelope, len(ups)),
		NextSeq:    cursor,
		Final:      rt == ResultOK && cursor >= head,
		ResultType: rt,
		HeadSeq:    head,
	}
	for i, u := range ups {
		out.Updates[i] = Envelope{Update: u, Peer: peer}
		if i < len(payloads) {
			out.Updates[i].Payload = payloads[i]
		}
	}
	return out, nil
}

// GetChangedBuckets 用户关心的 bucket 中自 since 以来有变化的；
// Watermark 取查询开始时的 now()，即使没有变化也前进。
func (r *Reader) GetChangedBuckets(ctx context.Context, userID int64, since time.Time) (ChangedResult, error) {
	if userID <= 0 {
		return ChangedResult{}, errs.ErrInvalidUserID.WrapMsg("user id must be positive", "user", userID)
	}
	watermark := r.opts.Clock()

	keys, err := r.groups.BucketsOf(ctx, userID)
	if err != nil {
		return ChangedResult{}, err
	}
	own := model.UserBucket(userID)
	hasOwn := false
	for _, k := range keys {
		if k == own {
			hasOwn = true
			break
		}
	}
	if !hasOwn {
		keys = append(keys, own)
	}

	from := since
	if !since.IsZero() {
		from = since.Add(-r.opts.DiscoveryLookback)
	}
	refs, err := r.store.ChangedSince(ctx, keys, from)
	if err != nil {
		return ChangedResult{}, err
	}
	return ChangedResult{Buckets: refs, Watermark: watermark}, nil
}

func (r *Reader) viewpoint(ctx context.Context, userID int64, key model.BucketKey) (model.PeerRef, error) {
	if key.Type == model.BucketUser {
		if key.EntityID != userID {
			return model.PeerRef{}, errs.ErrInvalidPeer.WrapMsg("foreign user bucket", "bucket", key, "user", userID)
		}
		return model.DefaultPeer(key), nil
	}
	rs, err := r.groups.Recipients(ctx, key)
	if err != nil {
		return model.PeerRef{}, err
	}
	peer, ok := group.Contains(rs, userID)
	if !ok {
		return model.PeerRef{}, errs.ErrInvalidPeer.WrapMsg("not a member", "bucket", key, "user", userID)
	}
	return peer, nil
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
