package chat

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"PSync/logger"
	"PSync/module/update/group"
	"PSync/module/update/materialize"
	"PSync/module/update/model"
	"PSync/module/update/wire"
	"PSync/tools/safe"

	"go.uber.org/zap"
)

// Bus 跨节点转发（natsx.UpdateBus）
type Bus interface {
	Node() string
	PublishToNode(ctx context.Context, node string, u model.Update, rs []model.Recipient) error
}

// Locator 用户所在节点（storage.Presence）
type Locator interface {
	NodesFor(ctx context.Context, userIDs []int64) (map[string][]int64, error)
}

type NotifierConf struct {
	Workers   int
	QueueSize int // 总队列长度，均分到各 worker
	Timeout   time.Duration // 单条更新投递的总超时（解析接收者、跨节点发布）
}

func (c *NotifierConf) norm() {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 4096
	}
	if c.Timeout <= 0 {
		c.Timeout = 3 * time.Second
	}
}

type NotifierOption func(*Notifier)

// WithRemote 多节点部署：按 presence 把更新转发到其他节点
func WithRemote(loc Locator, bus Bus) NotifierOption {
	return func(n *Notifier) { n.locator, n.bus = loc, bus }
}

func WithMaterializer(m materialize.Materializer) NotifierOption {
	return func(n *Notifier) { n.material = m }
}

// Notifier 提交后实时推送。Publish 只入队，绝不阻塞写路径；
// 按 bucket 分片到固定 worker，同一 bucket 的推送保持 seq 顺序；
// 同一视角的帧只编码一次，再投递给该视角下的所有在线连接。
type Notifier struct {
	conf     NotifierConf
	groups   group.Resolver
	conns    *ConnManager
	locator  Locator
	bus      Bus
	material materialize.Materializer
	log      *zap.Logger

	shards []chan model.Update
	stopCh chan struct{}
	closed atomic.Bool
	wg     sync.WaitGroup

	encodes   atomic.Int64
	dropped   atomic.Int64
	delivered atomic.Int64
}

func NewNotifier(conf NotifierConf, groups group.Resolver, conns *ConnManager, opts ...NotifierOption) *Notifier {
	safe.MustNotNil(groups, "groups")
	safe.MustNotNil(conns, "conns")
	conf.norm()
	n := &Notifier{
		conf:     conf,
		groups:   groups,
		conns:    conns,
		material: materialize.Noop{},
		log:      logger.Named("notifier"),
		shards:   make([]chan model.Update, conf.Workers),
		stopCh:   make(chan struct{}),
	}
	for _, o := range opts {
		o(n)
	}
	per := (conf.QueueSize + conf.Workers - 1) / conf.Workers
	for i := range n.shards {
		n.shards[i] = make(chan model.Update, per)
		n.wg.Add(1)
		go n.worker(n.shards[i])
	}
	return n
}

// shardOf 同一 bucket 总落在同一个 worker
func (n *Notifier) shardOf(key model.BucketKey) int {
	h := uint64(key.Type)*0x9E3779B97F4A7C15 ^ uint64(key.EntityID)
	h ^= h >> 33
	return int(h % uint64(len(n.shards)))
}

// Publish 实现 writer.Sink
func (n *Notifier) Publish(u model.Update) {
	if n.closed.Load() {
		return
	}
	select {
	case n.shards[n.shardOf(u.Bucket)] <- u:
	default:
		n.dropped.Add(1)
		n.log.Warn("notifier queue full, dropped", zap.Stringer("bucket", u.Bucket), zap.Int64("seq", u.Seq))
	}
}

func (n *Notifier) worker(jobs <-chan model.Update) {
	defer n.wg.Done()
	for {
		select {
		case <-n.stopCh:
			return
		case u := <-jobs:
			n.handle(u)
		}
	}
}

func (n *Notifier) handle(u model.Update) {
	defer safe.Recover("notifier.handle")
	ctx, cancel := context.WithTimeout(context.Background(), n.conf.Timeout)
	defer cancel()

	rs, err := n.groups.Recipients(ctx, u.Bucket)
	if err != nil {
		n.log.Warn("resolve recipients failed", zap.Stringer("bucket", u.Bucket), zap.Error(err))
		return
	}
	if len(rs) == 0 {
		return
	}
	n.deliverLocal(ctx, u, rs)
	if n.bus != nil && n.locator != nil {
		n.forward(ctx, u, rs)
	}
}

// DeliverRemote 其他节点转发过来的更新，只做本地投递
func (n *Notifier) DeliverRemote(ctx context.Context, u model.Update, rs []model.Recipient) {
	defer safe.Recover("notifier.remote")
	n.deliverLocal(ctx, u, rs)
}

func (n *Notifier) deliverLocal(ctx context.Context, u model.Update, rs []model.Recipient) {
	// 只为本节点在线的用户按视角分组
	byPeer := make(map[model.PeerRef][]int64)
	var order []model.PeerRef
	for _, r := range rs {
		if !n.conns.HasUser(r.UserID) {
			continue
		}
		if _, ok := byPeer[r.Peer]; !ok {
			order = append(order, r.Peer)
		}
		byPeer[r.Peer] = append(byPeer[r.Peer], r.UserID)
	}

	for _, peer := range order {
		users := byPeer[peer]
		data, err := n.encode(ctx, u, peer, users[0])
		if err != nil {
			n.log.Warn("encode push failed", zap.Stringer("bucket", u.Bucket), zap.Int64("seq", u.Seq), zap.Error(err))
			continue
		}
		for _, uid := range users {
			sent, dropped := n.conns.SendUser(uid, data)
			n.delivered.Add(int64(sent))
			if dropped > 0 {
				n.log.Debug("slow connection, push dropped",
					zap.Int64("user", uid), zap.Stringer("bucket", u.Bucket), zap.Int64("seq", u.Seq))
			}
		}
	}
}

func (n *Notifier) encode(ctx context.Context, u model.Update, peer model.PeerRef, viewer int64) ([]byte, error) {
	var payload []byte
	if ps, err := n.material.Inflate(ctx, viewer, []model.Update{u}); err == nil && len(ps) == 1 {
		payload = ps[0]
	}
	f, err := wire.FrameOf(u, peer, payload)
	if err != nil {
		return nil, err
	}
	n.encodes.Add(1)
	return wire.Encode(0, wire.KindPush, wire.Push{Updates: []wire.UpdateFrame{f}})
}

func (n *Notifier) forward(ctx context.Context, u model.Update, rs []model.Recipient) {
	users := make([]int64, len(rs))
	byUser := make(map[int64]model.Recipient, len(rs))
	for i, r := range rs {
		users[i] = r.UserID
		byUser[r.UserID] = r
	}
	nodes, err := n.locator.NodesFor(ctx, users)
	if err != nil {
		n.log.Warn("presence lookup failed", zap.Stringer("bucket", u.Bucket), zap.Error(err))
		return
	}
	self := n.bus.Node()
	for node, uids := range nodes {
		if node == self {
			continue
		}
		sub := make([]model.Recipient, 0, len(uids))
		for _, uid := range uids {
			sub = append(sub, byUser[uid])
		}
		if err := n.bus.PublishToNode(ctx, node, u, sub); err != nil {
			n.log.Warn("forward failed", zap.String("node", node), zap.Stringer("bucket", u.Bucket), zap.Error(err))
		}
	}
}

// EncodeCount 已编码的推送帧数
func (n *Notifier) EncodeCount() int64 { return n.encodes.Load() }

// Dropped 入队失败数
func (n *Notifier) Dropped() int64 { return n.dropped.Load() }

// Delivered 成功投递到连接队列的帧数
func (n *Notifier) Delivered() int64 { return n.delivered.Load() }

// Close 停止 worker；队列中未处理的更新丢弃（客户端补拉兜底）
func (n *Notifier) Close() {
	if n.closed.CompareAndSwap(false, true) {
		close(n.stopCh)
		n.wg.Wait()
	}
}
