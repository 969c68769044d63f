package natsx

import (
	"context"
	"strconv"
	"time"

	"PSync/logger"
	"PSync/module/update/model"
	"PSync/tools/codec"
	"PSync/tools/errs"

	"go.uber.org/zap"
)

// NodeSubject 每个网关节点一个 subject
func NodeSubject(node string) string { return "psync.node." + node + ".updates" }

// RemoteRecipient 目标节点上的接收者
type RemoteRecipient struct {
	UserID int64         `cbor:"u"`
	Peer   model.PeerRef `cbor:"p"`
}

// RemoteEnvelope 跨节点转发的一条已提交更新
type RemoteEnvelope struct {
	Bucket     model.BucketKey   `cbor:"b"`
	Seq        int64             `cbor:"s"`
	DateMS     int64             `cbor:"d"`
	Kind       model.KindType    `cbor:"k"`
	Body       []byte            `cbor:"body"`
	Recipients []RemoteRecipient `cbor:"r"`
}

func NewEnvelope(u model.Update, rs []model.Recipient) (RemoteEnvelope, error) {
	tag, body, err := model.EncodeKind(u.Kind)
	if err != nil {
		return RemoteEnvelope{}, err
	}
	env := RemoteEnvelope{
		Bucket: u.Bucket, Seq: u.Seq, DateMS: u.Date.UnixMilli(),
		Kind: tag, Body: body,
		Recipients: make([]RemoteRecipient, len(rs)),
	}
	for i, r := range rs {
		env.Recipients[i] = RemoteRecipient{UserID: r.UserID, Peer: r.Peer}
	}
	return env, nil
}

// Decode 还原为更新 + 接收者
func (e RemoteEnvelope) Decode() (model.Update, []model.Recipient, error) {
	k, err := model.DecodeKind(e.Kind, e.Body)
	if err != nil {
		return model.Update{}, nil, err
	}
	u := model.Update{Bucket: e.Bucket, Seq: e.Seq, Date: time.UnixMilli(e.DateMS).UTC(), Kind: k}
	rs := make([]model.Recipient, len(e.Recipients))
	for i, r := range e.Recipients {
		rs[i] = model.Recipient{UserID: r.UserID, Peer: r.Peer}
	}
	return u, rs, nil
}

// msgID <bucket>:<seq>:<node>，同一更新重复投递到同一节点时去重
func msgID(u model.Update, node string) string {
	return u.Bucket.String() + ":" + strconv.FormatInt(u.Seq, 10) + ":" + node
}

// RemoteHandler 目标节点只做本地投递
type RemoteHandler func(ctx context.Context, u model.Update, rs []model.Recipient)

// UpdateBus 节点间的实时更新总线
type UpdateBus struct {
	node     string
	producer *NatsxProducer
	consumer *NatsxConsumer
	log      *zap.Logger
}

func NewUpdateBus(c *NatsxClient, node string, idem IdemStore, idemTTL time.Duration) *UpdateBus {
	log := logger.Named("natsx.bus")
	return &UpdateBus{
		node:     node,
		producer: NewNatsxProducer(c),
		consumer: NewNatsxConsumer(c, NatsxGuard(log), NatsxIdemMiddleware(idem, idemTTL)),
		log:      log,
	}
}

func (b *UpdateBus) Node() string { return b.node }

func (b *UpdateBus) PublishToNode(ctx context.Context, node string, u model.Update, rs []model.Recipient) error {
	env, err := NewEnvelope(u, rs)
	if err != nil {
		return err
	}
	data, err := codec.Marshal(env)
	if err != nil {
		return errs.WrapMsg(err, "encode envelope", "bucket", u.Bucket, "seq", u.Seq)
	}
	return b.producer.PublishOnce(ctx, NodeSubject(node), data, nil, msgID(u, node))
}

// Subscribe 消费本节点 subject
func (b *UpdateBus) Subscribe(h RemoteHandler) error {
	return b.consumer.Subscribe(NodeSubject(b.node), "", func(ctx context.Context, msg NatsxMessage) error {
		var env RemoteEnvelope
		if err := codec.Unmarshal(msg.Data, &env); err != nil {
			b.log.Warn("drop undecodable envelope", zap.String("subject", msg.Subject), zap.Error(err))
			return nil
		}
		u, rs, err := env.Decode()
		if err != nil {
			b.log.Warn("drop bad envelope", zap.Error(err))
			return nil
		}
		h(ctx, u, rs)
		return nil
	})
}
