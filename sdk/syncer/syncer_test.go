package syncer

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"PSync/module/update/model"
	"PSync/sdk/apply"
	"PSync/sdk/bucket"
	"PSync/sdk/localdb"
	"PSync/tools/backoff"
	"PSync/tools/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const self = 7

// fakeAPI 每个 bucket 的 head 固定，可设置调用延迟与发现失败次数
type fakeAPI struct {
	mu        sync.Mutex
	heads     map[model.BucketKey]int64
	changed   []model.BucketRef
	watermark time.Time
	delay     time.Duration
	failDisc  int
	since     []time.Time
	fetched   map[model.BucketKey]int
	fail      map[model.BucketKey]error

	inflight atomic.Int64
	peak     atomic.Int64
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{heads: map[model.BucketKey]int64{}, fetched: map[model.BucketKey]int{}, watermark: time.UnixMilli(1_000)}
}

func (f *fakeAPI) GetUpdates(ctx context.Context, key model.BucketKey, start int64, limit int) (bucket.Page, error) {
	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	f.mu.Lock()
	head, delay, ferr := f.heads[key], f.delay, f.fail[key]
	f.fetched[key]++
	f.mu.Unlock()
	if ferr != nil {
		return bucket.Page{}, ferr
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	to, final := start+int64(limit), false
	if to >= head {
		to, final = head, true
	}
	p := bucket.Page{NextSeq: to, Final: final, TooLong: !final}
	for s := start + 1; s <= to; s++ {
		p.Updates = append(p.Updates, model.Update{Bucket: key, Seq: s, Kind: model.NewMessage{MessageID: s, ChatID: key.EntityID}})
	}
	if start > head {
		p.NextSeq = start
	}
	return p, nil
}

func (f *fakeAPI) GetChangedBuckets(ctx context.Context, since time.Time) (Changed, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.since = append(f.since, since)
	if f.failDisc > 0 {
		f.failDisc--
		return Changed{}, errs.ErrInternal.WrapMsg("discovery unavailable")
	}
	return Changed{Buckets: f.changed, Watermark: f.watermark}, nil
}

func (f *fakeAPI) setChanged(wm time.Time, refs ...model.BucketRef) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.changed, f.watermark = refs, wm
	for _, r := range refs {
		f.heads[r.Key] = r.HeadSeq
	}
}

func (f *fakeAPI) fetchCount(key model.BucketKey) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetched[key]
}

func newCoordinator(t *testing.T, api *fakeAPI, limit int) (*Coordinator, *localdb.Memory, *apply.MemoryState) {
	t.Helper()
	cur := localdb.NewMemory()
	st := apply.NewMemoryState()
	layer := apply.New(cur, st, st, apply.Options{SelfID: self, Log: zap.NewNop()})
	c := New(api, layer, cur, nil, Config{
		UserID:               self,
		MaxConcurrentFetches: 5,
		TotalLimit:           limit,
		Backoff:              backoff.Policy{Base: time.Millisecond, Max: 5 * time.Millisecond},
		Log:                  zap.NewNop(),
	})
	t.Cleanup(c.Close)
	return c, cur, st
}

func TestConcurrencyBound(t *testing.T) {
	api := newFakeAPI()
	api.delay = 5 * time.Millisecond
	var refs []model.BucketRef
	for i := int64(1); i <= 50; i++ {
		refs = append(refs, model.BucketRef{Key: model.ChatBucket(i), HeadSeq: 30})
	}
	api.setChanged(time.UnixMilli(5_000), refs...)
	c, cur, _ := newCoordinator(t, api, 10)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, c.OnConnect(ctx))

	assert.LessOrEqual(t, api.peak.Load(), int64(5))
	assert.LessOrEqual(t, c.MaxInFlight(), int64(5))
	assert.Greater(t, api.peak.Load(), int64(1))
	for i := int64(1); i <= 50; i++ {
		seq, _ := cur.LoadSeq(ctx, model.ChatBucket(i))
		assert.Equal(t, int64(30), seq)
	}
	assert.Zero(t, c.InFlight())
}

func TestReconnectAlwaysIncludesOwnBucket(t *testing.T) {
	api := newFakeAPI()
	api.setChanged(time.UnixMilli(2_000), model.BucketRef{Key: model.ChatBucket(3), HeadSeq: 2})
	api.heads[model.UserBucket(self)] = 0
	c, _, st := newCoordinator(t, api, 100)

	require.NoError(t, c.OnConnect(context.Background()))
	assert.Equal(t, 1, api.fetchCount(model.UserBucket(self)))
	assert.Equal(t, 1, api.fetchCount(model.ChatBucket(3)))
	assert.Zero(t, api.fetchCount(model.ChatBucket(4)))
	assert.Equal(t, []int64{1, 2}, st.MessageIDs(3))
	// 补拉不触发提醒
	assert.Zero(t, st.Notifications())
}

func TestWatermarkPersistedAndAdvances(t *testing.T) {
	api := newFakeAPI()
	api.failDisc = 2
	api.setChanged(time.UnixMilli(2_000))
	c, cur, _ := newCoordinator(t, api, 100)
	ctx := context.Background()

	require.NoError(t, c.OnConnect(ctx))
	wm, _ := cur.LoadWatermark(ctx)
	assert.Equal(t, time.UnixMilli(2_000), wm)

	// 没有变化，水位仍前进
	api.setChanged(time.UnixMilli(9_000))
	require.NoError(t, c.OnConnect(ctx))
	wm, _ = cur.LoadWatermark(ctx)
	assert.Equal(t, time.UnixMilli(9_000), wm)

	api.mu.Lock()
	defer api.mu.Unlock()
	require.Len(t, api.since, 4)
	assert.True(t, api.since[0].IsZero())
	assert.Equal(t, time.UnixMilli(2_000), api.since[3])
}

func TestDiscoveryFailureKeepsWatermark(t *testing.T) {
	api := newFakeAPI()
	api.failDisc = 100
	c, cur, _ := newCoordinator(t, api, 100)
	require.NoError(t, cur.SaveWatermark(context.Background(), time.UnixMilli(500)))

	assert.Error(t, c.OnConnect(context.Background()))
	wm, _ := cur.LoadWatermark(context.Background())
	assert.Equal(t, time.UnixMilli(500), wm)
}

func TestPrunedBucketDoesNotStallDiscovery(t *testing.T) {
	api := newFakeAPI()
	pruned := model.ChatBucket(9)
	api.fail = map[model.BucketKey]error{pruned: errs.ErrHistoryUnavailable.WrapMsg("pruned", "bucket", pruned)}
	api.setChanged(time.UnixMilli(2_000),
		model.BucketRef{Key: pruned, HeadSeq: 40},
		model.BucketRef{Key: model.ChatBucket(3), HeadSeq: 2})
	c, cur, st := newCoordinator(t, api, 100)
	require.NoError(t, cur.SaveWatermark(context.Background(), time.UnixMilli(500)))

	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		require.NoError(t, c.OnConnect(ctx))
		cancel()
		wm, _ := cur.LoadWatermark(context.Background())
		assert.Equal(t, time.UnixMilli(2_000), wm)
	}
	assert.Equal(t, []model.BucketKey{pruned}, c.Degraded())
	assert.Equal(t, []int64{1, 2}, st.MessageIDs(3))

	api.mu.Lock()
	defer api.mu.Unlock()
	require.Len(t, api.since, 3)
	assert.Equal(t, time.UnixMilli(500), api.since[0])
	assert.Equal(t, time.UnixMilli(2_000), api.since[1])
}

func TestHandleLiveTracksAndFillsGap(t *testing.T) {
	api := newFakeAPI()
	key := model.ChatBucket(9)
	api.heads[key] = 4
	c, cur, st := newCoordinator(t, api, 100)
	ctx := context.Background()

	require.NoError(t, c.HandleLive(ctx, model.Update{Bucket: key, Seq: 1, Kind: model.NewMessage{MessageID: 1, ChatID: 9, FromID: 2}}))
	require.NoError(t, c.HandleLive(ctx, model.Update{Bucket: key, Seq: 4, Kind: model.NewMessage{MessageID: 4, ChatID: 9, FromID: 2}}))
	require.Eventually(t, func() bool {
		seq, _ := c.Cursor(key)
		return seq == 4
	}, 2*time.Second, 5*time.Millisecond)

	seq, _ := cur.LoadSeq(ctx, key)
	assert.Equal(t, int64(4), seq)
	assert.Equal(t, []int64{1, 2, 3, 4}, st.MessageIDs(9))
	// 只有第一条是实时直接应用的
	assert.Equal(t, 1, st.Notifications())
	assert.Equal(t, 1, c.Tracked())

	c.Untrack(key)
	_, ok := c.Cursor(key)
	assert.False(t, ok)
}

func TestRestoreStartsKnownBuckets(t *testing.T) {
	api := newFakeAPI()
	c, cur, _ := newCoordinator(t, api, 100)
	ctx := context.Background()
	require.NoError(t, cur.SaveSeq(ctx, model.ChatBucket(1), 5))
	require.NoError(t, cur.SaveSeq(ctx, model.SpaceBucket(2), 8))

	require.NoError(t, c.Restore(ctx))
	assert.Equal(t, 2, c.Tracked())
	seq, ok := c.Cursor(model.SpaceBucket(2))
	assert.True(t, ok)
	assert.Equal(t, int64(8), seq)
}

func TestResyncedResetsCursor(t *testing.T) {
	api := newFakeAPI()
	key := model.ChatBucket(5)
	api.heads[key] = 120
	c, cur, _ := newCoordinator(t, api, 100)
	ctx := context.Background()

	require.NoError(t, c.Resynced(ctx, key, 100))
	require.Eventually(t, func() bool {
		seq, _ := c.Cursor(key)
		return seq == 120
	}, 2*time.Second, 5*time.Millisecond)
	seq, _ := cur.LoadSeq(ctx, key)
	assert.Equal(t, int64(120), seq)
	assert.Empty(t, c.Degraded())
}
