// Package handlers 网关上的 RPC 方法与 HTTP 接口
package handlers

import (
	"context"
	"time"

	"PSync/module/update/model"
	"PSync/module/update/reader"
	"PSync/module/update/wire"
	"PSync/service/chat"
	"PSync/tools/codec"
)

// UpdateReader 由 reader.Reader 实现
type UpdateReader interface {
	GetUpdates(ctx context.Context, userID int64, key model.BucketKey, startSeq int64, totalLimit int) (reader.Result, error)
	GetChangedBuckets(ctx context.Context, userID int64, since time.Time) (reader.ChangedResult, error)
}

// Register 注册全部 RPC 方法
func Register(d *chat.Dispatcher, r UpdateReader) {
	d.Register(wire.MethodGetUpdates, getUpdates(r))
	d.Register(wire.MethodGetChangedBuckets, getChangedBuckets(r))
	d.Register(wire.MethodPing, ping)
}

func getUpdates(r UpdateReader) chat.Handler {
	return func(rc *chat.RPCContext, input codec.RawMessage) (any, error) {
		var in wire.GetUpdatesInput
		if err := wire.DecodeBody(input, &in); err != nil {
			return nil, err
		}
		return fetchUpdates(rc.Ctx, r, rc.UserID, in)
	}
}

func getChangedBuckets(r UpdateReader) chat.Handler {
	return func(rc *chat.RPCContext, input codec.RawMessage) (any, error) {
		var in wire.GetChangedBucketsInput
		if err := wire.DecodeBody(input, &in); err != nil {
			return nil, err
		}
		return fetchChanged(rc.Ctx, r, rc.UserID, in)
	}
}

func ping(*chat.RPCContext, codec.RawMessage) (any, error) {
	return struct{}{}, nil
}

func fetchUpdates(ctx context.Context, r UpdateReader, userID int64, in wire.GetUpdatesInput) (wire.GetUpdatesOutput, error) {
	key := model.BucketKey{Type: in.BucketType, EntityID: in.EntityID}
	res, err := r.GetUpdates(ctx, userID, key, in.StartSeq, in.TotalLimit)
	if err != nil {
		return wire.GetUpdatesOutput{}, err
	}
	return res.Wire()
}

func fetchChanged(ctx context.Context, r UpdateReader, userID int64, in wire.GetChangedBucketsInput) (wire.GetChangedBucketsOutput, error) {
	var since time.Time
	if in.Since > 0 {
		since = time.UnixMilli(in.Since)
	}
	res, err := r.GetChangedBuckets(ctx, userID, since)
	if err != nil {
		return wire.GetChangedBucketsOutput{}, err
	}
	return res.Wire(), nil
}
