package bucket

import (
	"context"
	"sync"
	"testing"
	"time"

	"PSync/module/update/model"
	"PSync/sdk/apply"
	"PSync/sdk/localdb"
	"PSync/tools/backoff"
	"PSync/tools/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// fakeServer 按 seq 切片返回，可注入失败或阻塞
type fakeServer struct {
	mu      sync.Mutex
	head    int64
	limit   int64
	failN   int
	block   chan struct{}
	calls   int
	started chan struct{}
}

func (f *fakeServer) Fetch(ctx context.Context, k model.BucketKey, start int64) (Page, error) {
	f.mu.Lock()
	f.calls++
	block, started := f.block, f.started
	fail := f.failN > 0
	if fail {
		f.failN--
	}
	head, limit := f.head, f.limit
	f.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if block != nil {
		<-block
	}
	if fail {
		return Page{}, errs.ErrInternal.WrapMsg("unavailable")
	}
	to, final := start+limit, false
	if to >= head {
		to, final = head, true
	}
	p := Page{NextSeq: to, Final: final, TooLong: !final}
	for s := start + 1; s <= to; s++ {
		p.Updates = append(p.Updates, up(s))
	}
	return p, nil
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) add(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []EventKind
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}

func startBucket(t *testing.T, srv *fakeServer, last int64) (*Bucket, *Runtime, *apply.MemoryState, *localdb.Memory, *recorder) {
	t.Helper()
	cur := localdb.NewMemory()
	require.NoError(t, cur.SaveSeq(context.Background(), key, last))
	st := apply.NewMemoryState()
	layer := apply.New(cur, st, st, apply.Options{Log: zap.NewNop()})
	rec := &recorder{}
	rt := NewRuntime(key, srv, layer, semaphore.NewWeighted(1), RuntimeConf{
		Backoff:      backoff.Policy{Base: time.Millisecond, Max: 5 * time.Millisecond},
		FetchTimeout: time.Second,
		OnEvent:      rec.add,
		Log:          zap.NewNop(),
	})
	b := Start(key, last, Config{}, rt)
	t.Cleanup(b.Stop)
	return b, rt, st, cur, rec
}

func TestRuntimeClosesGap(t *testing.T) {
	srv := &fakeServer{head: 15, limit: 50}
	b, _, st, cur, rec := startBucket(t, srv, 10)

	require.NoError(t, b.Live(context.Background(), up(15)))
	require.Eventually(t, func() bool {
		s := b.Snapshot()
		return s.Phase == PhaseIdle && s.LastApplied == 15
	}, 2*time.Second, 5*time.Millisecond)

	seq, _ := cur.LoadSeq(context.Background(), key)
	assert.Equal(t, int64(15), seq)
	assert.Equal(t, []int64{11, 12, 13, 14, 15}, st.MessageIDs(42))
	// 补拉来的不提醒
	assert.Zero(t, st.Notifications())
	require.Eventually(t, func() bool { return len(rec.kinds()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []EventKind{EventCaughtUp}, rec.kinds())
}

func TestRuntimeRetriesWithBackoff(t *testing.T) {
	srv := &fakeServer{head: 30, limit: 10, failN: 2}
	b, _, _, _, rec := startBucket(t, srv, 0)

	require.NoError(t, b.CatchUp(context.Background()))
	require.Eventually(t, func() bool {
		s := b.Snapshot()
		return s.Phase == PhaseIdle && s.LastApplied == 30
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(rec.kinds()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []EventKind{EventDegraded, EventCaughtUp}, rec.kinds())
}

func TestStopDiscardsInflightResult(t *testing.T) {
	srv := &fakeServer{head: 20, limit: 50, block: make(chan struct{}), started: make(chan struct{}, 1)}
	b, rt, st, cur, _ := startBucket(t, srv, 10)

	require.NoError(t, b.Live(context.Background(), up(20)))
	<-srv.started
	b.Stop()
	close(srv.block)
	rt.Wait()

	seq, _ := cur.LoadSeq(context.Background(), key)
	assert.Equal(t, int64(10), seq)
	assert.Empty(t, st.MessageIDs(42))
	assert.Error(t, b.Live(context.Background(), up(11)))
}
