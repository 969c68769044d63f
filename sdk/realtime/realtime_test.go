package realtime

import (
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"PSync/module/update/group"
	"PSync/module/update/model"
	"PSync/module/update/reader"
	"PSync/module/update/store/sqlitestore"
	"PSync/module/update/writer"
	"PSync/sdk/apply"
	"PSync/sdk/localdb"
	"PSync/sdk/syncer"
	"PSync/service/chat"
	"PSync/service/chat/handlers"
	"PSync/tools/errs"
	sec "PSync/tools/security"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testJWT = sec.DefaultOptions([]byte("realtime-test-secret"))

// gateway 进程内的完整网关：sqlite + writer + notifier + ws
type gateway struct {
	url    string
	writer *writer.Writer
	groups *group.Static
}

func newGateway(t *testing.T) *gateway {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st, err := sqlitestore.Open(filepath.Join(t.TempDir(), "gw.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	groups := group.NewStatic()
	groups.Join(model.ChatBucket(42), 1, 2)

	conns := chat.NewConnManager(chat.ManagerConf{})
	t.Cleanup(conns.Close)
	notifier := chat.NewNotifier(chat.NotifierConf{Workers: 2}, groups, conns)
	t.Cleanup(notifier.Close)

	w := writer.New(st, writer.Options{Log: zap.NewNop()}, notifier)
	d := chat.NewDispatcher()
	handlers.Register(d, reader.New(st, groups, nil, reader.Options{Log: zap.NewNop()}))
	srv := chat.NewServer(chat.ServerConf{NodeID: "n1", JWT: testJWT}, conns, d, nil)

	r := gin.New()
	r.GET("/ws", srv.HandleWS)
	hs := httptest.NewServer(r)
	t.Cleanup(hs.Close)

	return &gateway{
		url:    "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws",
		writer: w,
		groups: groups,
	}
}

func (g *gateway) send(t *testing.T, from int64, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := g.writer.Append(context.Background(), nil, writer.Draft{
			Bucket: model.ChatBucket(42),
			Kind:   model.NewMessage{MessageID: time.Now().UnixNano(), ChatID: 42, FromID: from},
		})
		require.NoError(t, err)
	}
}

func token(t *testing.T, uid int64) string {
	t.Helper()
	tok, _, err := sec.Generate(testJWT, uid)
	require.NoError(t, err)
	return tok
}

func dial(t *testing.T, g *gateway, uid int64) *Client {
	t.Helper()
	c := New(Config{URL: g.url, Token: StaticToken(token(t, uid)), CallTimeout: 5 * time.Second, Log: zap.NewNop()})
	require.NoError(t, c.Dial(context.Background()))
	t.Cleanup(c.Close)
	return c
}

func TestDialAndQuery(t *testing.T) {
	g := newGateway(t)
	g.send(t, 2, 5)
	c := dial(t, g, 1)
	ctx := context.Background()

	p, err := c.GetUpdates(ctx, model.ChatBucket(42), 2, 50)
	require.NoError(t, err)
	require.Len(t, p.Updates, 3)
	assert.Equal(t, int64(3), p.Updates[0].Seq)
	assert.Equal(t, int64(5), p.NextSeq)
	assert.True(t, p.Final)
	assert.False(t, p.TooLong)
	assert.IsType(t, model.NewMessage{}, p.Updates[0].Kind)

	ch, err := c.GetChangedBuckets(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, ch.Buckets, 1)
	assert.Equal(t, model.ChatBucket(42), ch.Buckets[0].Key)
	assert.Equal(t, int64(5), ch.Buckets[0].HeadSeq)
	assert.False(t, ch.Watermark.IsZero())

	rtt, err := c.Ping(ctx)
	require.NoError(t, err)
	assert.Greater(t, rtt, time.Duration(0))
}

func TestBadTokenRejected(t *testing.T) {
	g := newGateway(t)
	c := New(Config{URL: g.url, Token: StaticToken("not-a-jwt"), Log: zap.NewNop()})
	err := c.Dial(context.Background())
	require.Error(t, err)
	assert.Equal(t, errs.NotAuthenticated, errs.Code(err))
	assert.False(t, c.Connected())

	// 鉴权失败不重连
	err = c.Run(context.Background())
	assert.Equal(t, errs.NotAuthenticated, errs.Code(err))
}

func TestNonMemberGetsInvalidPeer(t *testing.T) {
	g := newGateway(t)
	c := dial(t, g, 9)
	_, err := c.GetUpdates(context.Background(), model.ChatBucket(42), 0, 50)
	assert.True(t, errors.Is(err, errs.ErrInvalidPeer))
}

func TestCallFailsAfterClose(t *testing.T) {
	g := newGateway(t)
	c := dial(t, g, 1)
	c.Close()
	require.Eventually(t, func() bool { return !c.Connected() }, 2*time.Second, 10*time.Millisecond)
	_, err := c.GetUpdates(context.Background(), model.ChatBucket(42), 0, 50)
	assert.Error(t, err)
}

// 离线期间的消息经补拉应用不触发通知；在线推送触发一次
func TestEndToEndCatchupThenLive(t *testing.T) {
	g := newGateway(t)
	g.send(t, 2, 3)

	cursors := localdb.NewMemory()
	state := apply.NewMemoryState()
	layer := apply.New(cursors, state, state, apply.Options{SelfID: 1, Log: zap.NewNop()})
	c := New(Config{URL: g.url, Token: StaticToken(token(t, 1)), Log: zap.NewNop()})
	coord := syncer.New(c, layer, cursors, nil, syncer.Config{UserID: 1, Log: zap.NewNop()})
	t.Cleanup(coord.Close)
	c.Attach(coord)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, c.Dial(ctx))
	t.Cleanup(c.Close)
	require.NoError(t, coord.OnConnect(ctx))

	seq, ok := coord.Cursor(model.ChatBucket(42))
	require.True(t, ok)
	assert.Equal(t, int64(3), seq)
	assert.Len(t, state.MessageIDs(42), 3)
	assert.Equal(t, 0, state.Notifications())
	wm, err := cursors.LoadWatermark(ctx)
	require.NoError(t, err)
	assert.False(t, wm.IsZero())

	g.send(t, 2, 1)
	require.Eventually(t, func() bool { return state.Notifications() == 1 }, 5*time.Second, 10*time.Millisecond)
	seq, _ = coord.Cursor(model.ChatBucket(42))
	assert.Equal(t, int64(4), seq)
	assert.Equal(t, 1, state.UnreadIncrements())

	// 自己发的消息只推进游标
	g.send(t, 1, 1)
	require.Eventually(t, func() bool {
		s, _ := coord.Cursor(model.ChatBucket(42))
		return s == 5
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, state.Notifications())
}
