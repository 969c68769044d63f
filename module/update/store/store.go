// Package store 每个 bucket 一条只追加的更新日志，以及与之同事务的发号器。
//
// 不关心更新“意味着什么”，只负责持久化、排序与分页读取。
// 生产实现为 pgstore（PostgreSQL 行锁），单机/开发与测试用 sqlitestore。
package store

import (
	"context"
	"time"

	"PSync/module/update/model"
)

const (
	// PageCap 单页硬上限，与调用方请求的 limit 无关
	PageCap = 50
)

// Tx 写事务视图。NextSeq/Append 只能在同一个 Tx 内调用，
// 业务变更通过 Exec 写在同一事务里，回滚时计数器一起回滚。
type Tx interface {
	// NextSeq 对该 bucket 的计数行加排他锁直到事务结束，返回新的 seq（从 1 开始）
	NextSeq(ctx context.Context, key model.BucketKey) (int64, error)
	// Append 持久化一条已发号的更新；(bucket, seq) 唯一
	Append(ctx context.Context, u *model.Update) error
	// Exec 业务变更（如插入消息行），与更新同事务提交
	Exec(ctx context.Context, sql string, args ...any) error
}

type Store interface {
	// WriteTx 开启写事务；fn 返回错误则整体回滚
	WriteTx(ctx context.Context, fn func(tx Tx) error) error
	// ReadSlice 返回 seq > afterSeq 的升序更新，最多 min(limit, PageCap) 条；
	// afterSeq 落在保留水位之下时返回 HistoryUnavailable
	ReadSlice(ctx context.Context, key model.BucketKey, afterSeq int64, limit int) ([]model.Update, bool, error)
	// HeadSeq bucket 当前最大 seq，不存在为 0
	HeadSeq(ctx context.Context, key model.BucketKey) (int64, error)
	// ChangedSince keys 中 updated_at > since 的 bucket
	ChangedSince(ctx context.Context, keys []model.BucketKey, since time.Time) ([]model.BucketRef, error)
	// Prune 删除 seq < beforeSeq 的历史并抬高保留水位
	Prune(ctx context.Context, key model.BucketKey, beforeSeq int64) (int64, error)
	Close() error
}

// ClampPage 页大小归一：<=0 或超过 PageCap 都按 PageCap
func ClampPage(limit int) int {
	if limit <= 0 || limit > PageCap {
		return PageCap
	}
	return limit
}

// Row 两个 SQL 后端共用的落库形态
type Row struct {
	BucketType int32
	EntityID   int64
	Seq        int64
	DateMS     int64
	Kind       string
	Body       []byte
}

func ToRow(u *model.Update) (Row, error) {
	tag, body, err := model.EncodeKind(u.Kind)
	if err != nil {
		return Row{}, err
	}
	return Row{
		BucketType: int32(u.Bucket.Type),
		EntityID:   u.Bucket.EntityID,
		Seq:        u.Seq,
		DateMS:     u.Date.UnixMilli(),
		Kind:       string(tag),
		Body:       body,
	}, nil
}

func (r Row) Update() (model.Update, error) {
	k, err := model.DecodeKind(model.KindType(r.Kind), r.Body)
	if err != nil {
		return model.Update{}, err
	}
	return model.Update{
		Bucket: model.BucketKey{Type: model.BucketType(r.BucketType), EntityID: r.EntityID},
		Seq:    r.Seq,
		Date:   time.UnixMilli(r.DateMS).UTC(),
		Kind:   k,
	}, nil
}

// GroupByType 按 bucket 类型分组，供 ChangedSince 拼 IN/ANY 条件
func GroupByType(keys []model.BucketKey) map[model.BucketType][]int64 {
	out := make(map[model.BucketType][]int64, 3)
	for _, k := range keys {
		out[k.Type] = append(out[k.Type], k.EntityID)
	}
	return out
}
