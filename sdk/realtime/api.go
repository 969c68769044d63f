package realtime

import (
	"context"
	"time"

	"PSync/module/update/model"
	"PSync/module/update/wire"
	"PSync/sdk/bucket"
	"PSync/sdk/syncer"

	"go.uber.org/zap"
)

var _ syncer.API = (*Client)(nil)

func (c *Client) GetUpdates(ctx context.Context, key model.BucketKey, startSeq int64, totalLimit int) (bucket.Page, error) {
	var out wire.GetUpdatesOutput
	err := c.Call(ctx, wire.MethodGetUpdates, wire.GetUpdatesInput{
		BucketType: key.Type,
		EntityID:   key.EntityID,
		StartSeq:   startSeq,
		TotalLimit: totalLimit,
	}, &out)
	if err != nil {
		return bucket.Page{}, err
	}
	p := bucket.Page{
		NextSeq: out.NextSeq,
		Final:   out.Final,
		TooLong: out.ResultType == wire.ResultTooLong,
		Updates: make([]model.Update, 0, len(out.Updates)),
	}
	for _, f := range out.Updates {
		u, err := f.Update()
		if err != nil {
			return bucket.Page{}, err
		}
		p.Updates = append(p.Updates, u)
	}
	return p, nil
}

func (c *Client) GetChangedBuckets(ctx context.Context, since time.Time) (syncer.Changed, error) {
	in := wire.GetChangedBucketsInput{}
	if !since.IsZero() {
		in.Since = since.UnixMilli()
	}
	var out wire.GetChangedBucketsOutput
	if err := c.Call(ctx, wire.MethodGetChangedBuckets, in, &out); err != nil {
		return syncer.Changed{}, err
	}
	res := syncer.Changed{
		Watermark: time.UnixMilli(out.Watermark).UTC(),
		Buckets:   make([]model.BucketRef, 0, len(out.Buckets)),
	}
	for _, b := range out.Buckets {
		res.Buckets = append(res.Buckets, model.BucketRef{
			Key:       b.Key(),
			HeadSeq:   b.HeadSeq,
			UpdatedAt: time.UnixMilli(b.UpdatedAt).UTC(),
		})
	}
	return res, nil
}

// Attach 把推送交给协调器，并在每次连上后做重连发现
func (c *Client) Attach(coord *syncer.Coordinator) {
	c.OnPush(func(ctx context.Context, f wire.UpdateFrame) {
		u, err := f.Update()
		if err != nil {
			c.log.Debug("drop undecodable push", zap.Stringer("bucket", f.Key()), zap.Int64("seq", f.Seq), zap.Error(err))
			return
		}
		if err := coord.HandleLive(ctx, u); err != nil {
			c.log.Debug("live update not handled", zap.Stringer("bucket", f.Key()), zap.Int64("seq", f.Seq), zap.Error(err))
		}
	})
	c.OnConnect(coord.OnConnect)
}
