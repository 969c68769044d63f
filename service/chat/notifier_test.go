package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"PSync/module/update/group"
	"PSync/module/update/model"
	"PSync/module/update/wire"
	"PSync/tools/codec"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bindConn(t *testing.T, m *ConnManager, id string, uid int64) *WsConn {
	t.Helper()
	w, err := m.AddUnauth(id, nil)
	require.NoError(t, err)
	require.NoError(t, m.BindUser(id, uid))
	return w
}

func decodePush(t *testing.T, data []byte) wire.UpdateFrame {
	t.Helper()
	var msg wire.ServerMessage
	require.NoError(t, codec.Unmarshal(data, &msg))
	require.Equal(t, wire.KindPush, msg.Kind)
	var p wire.Push
	require.NoError(t, wire.DecodeBody(msg.Body, &p))
	require.Len(t, p.Updates, 1)
	return p.Updates[0]
}

func update(key model.BucketKey, seq int64) model.Update {
	return model.Update{Bucket: key, Seq: seq, Date: time.UnixMilli(1), Kind: model.NewMessage{MessageID: seq, ChatID: key.EntityID}}
}

func TestDMEncodedOncePerViewpoint(t *testing.T) {
	groups := group.NewStatic()
	groups.LinkDM(5, 1, 2)
	m := newTestManager(t, ManagerConf{})
	a1, a2 := bindConn(t, m, "a1", 1), bindConn(t, m, "a2", 1)
	b1 := bindConn(t, m, "b1", 2)

	n := NewNotifier(NotifierConf{Workers: 1}, groups, m)
	defer n.Close()
	n.Publish(update(model.ChatBucket(5), 1))

	require.Eventually(t, func() bool { return n.Delivered() == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(2), n.EncodeCount())

	fa := decodePush(t, <-a1.Send)
	assert.Equal(t, model.PeerRef{Kind: model.PeerUser, ID: 2}, fa.Peer)
	assert.Equal(t, fa, decodePush(t, <-a2.Send))
	fb := decodePush(t, <-b1.Send)
	assert.Equal(t, model.PeerRef{Kind: model.PeerUser, ID: 1}, fb.Peer)
	assert.Equal(t, int64(1), fb.Seq)
}

func TestGroupEncodedOnce(t *testing.T) {
	groups := group.NewStatic()
	groups.Join(model.ChatBucket(9), 1, 2, 3, 4)
	m := newTestManager(t, ManagerConf{})
	for i, uid := range []int64{1, 2, 3} {
		bindConn(t, m, string(rune('a'+i)), uid)
	}
	n := NewNotifier(NotifierConf{Workers: 2}, groups, m)
	defer n.Close()
	n.Publish(update(model.ChatBucket(9), 4))
	require.Eventually(t, func() bool { return n.Delivered() == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), n.EncodeCount())
}

// blockingGroups 让 worker 卡住，验证 Publish 不被拖住
type blockingGroups struct {
	group.Resolver
	release chan struct{}
}

func (b blockingGroups) Recipients(ctx context.Context, key model.BucketKey) ([]model.Recipient, error) {
	<-b.release
	return b.Resolver.Recipients(ctx, key)
}

func TestPublishNeverBlocks(t *testing.T) {
	static := group.NewStatic()
	static.Join(model.ChatBucket(1), 1)
	bg := blockingGroups{Resolver: static, release: make(chan struct{})}
	m := newTestManager(t, ManagerConf{SendQueue: 1})
	w := bindConn(t, m, "slow", 1)

	n := NewNotifier(NotifierConf{Workers: 1, QueueSize: 4}, bg, m)
	start := time.Now()
	for i := int64(1); i <= 1000; i++ {
		n.Publish(update(model.ChatBucket(1), i))
	}
	assert.Less(t, time.Since(start), time.Second)
	assert.Greater(t, n.Dropped(), int64(0))

	close(bg.release)
	require.Eventually(t, func() bool { return w.Dropped() > 0 }, 2*time.Second, 5*time.Millisecond)
	n.Close()
	assert.Len(t, w.Send, 1)
}

func TestSameBucketKeepsOrder(t *testing.T) {
	groups := group.NewStatic()
	m := newTestManager(t, ManagerConf{SendQueue: 512})
	for c := int64(1); c <= 4; c++ {
		groups.Join(model.ChatBucket(c), 1)
	}
	w := bindConn(t, m, "a", 1)

	n := NewNotifier(NotifierConf{Workers: 4, QueueSize: 4096}, groups, m)
	defer n.Close()
	for i := int64(1); i <= 100; i++ {
		for c := int64(1); c <= 4; c++ {
			n.Publish(update(model.ChatBucket(c), i))
		}
	}
	require.Eventually(t, func() bool { return n.Delivered() == 400 }, 3*time.Second, 5*time.Millisecond)

	last := map[int64]int64{}
	for i := 0; i < 400; i++ {
		f := decodePush(t, <-w.Send)
		require.Equal(t, last[f.EntityID]+1, f.Seq, "chat %d", f.EntityID)
		last[f.EntityID] = f.Seq
	}
	for c := int64(1); c <= 4; c++ {
		assert.Equal(t, int64(100), last[c])
	}
}

type fakeLocator map[string][]int64

func (f fakeLocator) NodesFor(context.Context, []int64) (map[string][]int64, error) { return f, nil }

type fakeBus struct {
	mu   sync.Mutex
	node string
	sent map[string][]model.Recipient
}

func (b *fakeBus) Node() string { return b.node }
func (b *fakeBus) PublishToNode(_ context.Context, node string, _ model.Update, rs []model.Recipient) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent[node] = append(b.sent[node], rs...)
	return nil
}

func (b *fakeBus) get(node string) []model.Recipient {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sent[node]
}

func TestForwardsToOtherNodes(t *testing.T) {
	groups := group.NewStatic()
	groups.Join(model.ChatBucket(3), 1, 2, 3)
	m := newTestManager(t, ManagerConf{})
	bindConn(t, m, "a", 1)
	bus := &fakeBus{node: "gw_a", sent: map[string][]model.Recipient{}}
	loc := fakeLocator{"gw_a": {1}, "gw_b": {2, 3}}

	n := NewNotifier(NotifierConf{Workers: 1}, groups, m, WithRemote(loc, bus))
	defer n.Close()
	n.Publish(update(model.ChatBucket(3), 1))

	require.Eventually(t, func() bool { return len(bus.get("gw_b")) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, bus.get("gw_a"))
	assert.Equal(t, int64(2), bus.get("gw_b")[0].UserID)
	assert.Equal(t, model.PeerRef{Kind: model.PeerChat, ID: 3}, bus.get("gw_b")[0].Peer)
}

func TestDeliverRemoteIsLocalOnly(t *testing.T) {
	m := newTestManager(t, ManagerConf{})
	w := bindConn(t, m, "a", 2)
	bus := &fakeBus{node: "gw_b", sent: map[string][]model.Recipient{}}
	n := NewNotifier(NotifierConf{Workers: 1}, group.NewStatic(), m, WithRemote(fakeLocator{"gw_c": {2}}, bus))
	defer n.Close()

	n.DeliverRemote(context.Background(), update(model.ChatBucket(3), 1),
		[]model.Recipient{{UserID: 2, Peer: model.DefaultPeer(model.ChatBucket(3))}})
	assert.Len(t, w.Send, 1)
	assert.Empty(t, bus.get("gw_c"))
}
