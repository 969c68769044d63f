package reader

import (
	"PSync/module/update/wire"
)

// Wire 转为线上/HTTP 结构
func (r Result) Wire() (wire.GetUpdatesOutput, error) {
	out := wire.GetUpdatesOutput{
		Updates:    make([]wire.UpdateFrame, 0, len(r.Updates)),
		NextSeq:    r.NextSeq,
		Final:      r.Final,
		ResultType: r.ResultType.String(),
		HeadSeq:    r.HeadSeq,
	}
	for _, e := range r.Updates {
		f, err := wire.FrameOf(e.Update, e.Peer, e.Payload)
		if err != nil {
			return wire.GetUpdatesOutput{}, err
		}
		out.Updates = append(out.Updates, f)
	}
	return out, nil
}

func (c ChangedResult) Wire() wire.GetChangedBucketsOutput {
	out := wire.GetChangedBucketsOutput{
		Buckets:   make([]wire.BucketRefFrame, len(c.Buckets)),
		Watermark: c.Watermark.UnixMilli(),
	}
	for i, b := range c.Buckets {
		out.Buckets[i] = wire.BucketRefFrame{
			BucketType: b.Key.Type,
			EntityID:   b.Key.EntityID,
			HeadSeq:    b.HeadSeq,
			UpdatedAt:  b.UpdatedAt.UnixMilli(),
		}
	}
	return out
}
