package sqlitestore

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"PSync/module/update/model"
	"PSync/module/update/store"
	"PSync/tools/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "updates.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func appendOne(ctx context.Context, s *Store, key model.BucketKey, kind model.Kind) (int64, error) {
	var seq int64
	err := s.WriteTx(ctx, func(tx store.Tx) error {
		var err error
		seq, err = tx.NextSeq(ctx, key)
		if err != nil {
			return err
		}
		return tx.Append(ctx, &model.Update{Bucket: key, Seq: seq, Date: time.Now(), Kind: kind})
	})
	return seq, err
}

func TestConcurrentWritersGetContiguousSeqs(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	key := model.ChatBucket(42)

	const writers, perWriter = 20, 10
	var (
		mu   sync.Mutex
		seqs []int64
		wg   sync.WaitGroup
	)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				seq, err := appendOne(ctx, s, key, model.NewMessage{MessageID: int64(w*100 + i), ChatID: 42})
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				seqs = append(seqs, seq)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	require.Len(t, seqs, writers*perWriter)
	for i, seq := range seqs {
		assert.Equal(t, int64(i+1), seq)
	}

	head, err := s.HeadSeq(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(writers*perWriter), head)
}

func TestRollbackDoesNotAdvanceCounter(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	key := model.ChatBucket(1)

	_, err := appendOne(ctx, s, key, model.BucketHasMore{})
	require.NoError(t, err)

	boom := errors.New("business mutation failed")
	err = s.WriteTx(ctx, func(tx store.Tx) error {
		seq, err := tx.NextSeq(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, int64(2), seq)
		return boom
	})
	require.ErrorIs(t, err, boom)

	seq, err := appendOne(ctx, s, key, model.BucketHasMore{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), seq)
}

func TestBucketsAreIndependent(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := appendOne(ctx, s, model.ChatBucket(1), model.BucketHasMore{})
		require.NoError(t, err)
	}
	seq, err := appendOne(ctx, s, model.UserBucket(1), model.BucketHasMore{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)
}

func TestDuplicateSeqRejected(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	key := model.ChatBucket(3)
	_, err := appendOne(ctx, s, key, model.BucketHasMore{})
	require.NoError(t, err)

	err = s.WriteTx(ctx, func(tx store.Tx) error {
		return tx.Append(ctx, &model.Update{Bucket: key, Seq: 1, Date: time.Now(), Kind: model.BucketHasMore{}})
	})
	assert.Error(t, err)
}

func TestReadSlicePagesAndCaps(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	key := model.ChatBucket(9)
	for i := 1; i <= 120; i++ {
		_, err := appendOne(ctx, s, key, model.NewMessage{MessageID: int64(i), ChatID: 9})
		require.NoError(t, err)
	}

	ups, more, err := s.ReadSlice(ctx, key, 0, 500)
	require.NoError(t, err)
	assert.True(t, more)
	require.Len(t, ups, store.PageCap)
	assert.Equal(t, int64(1), ups[0].Seq)
	assert.Equal(t, int64(50), ups[49].Seq)
	assert.Equal(t, model.NewMessage{MessageID: 50, ChatID: 9}, ups[49].Kind)

	ups, more, err = s.ReadSlice(ctx, key, 100, 50)
	require.NoError(t, err)
	assert.False(t, more)
	require.Len(t, ups, 20)
	assert.Equal(t, int64(101), ups[0].Seq)

	ups, more, err = s.ReadSlice(ctx, key, 120, 50)
	require.NoError(t, err)
	assert.False(t, more)
	assert.Empty(t, ups)
}

func TestPruneSurfacesHistoryUnavailable(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	key := model.ChatBucket(5)
	for i := 0; i < 10; i++ {
		_, err := appendOne(ctx, s, key, model.BucketHasMore{})
		require.NoError(t, err)
	}

	n, err := s.Prune(ctx, key, 6)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	_, _, err = s.ReadSlice(ctx, key, 2, 50)
	assert.True(t, errors.Is(err, errs.ErrHistoryUnavailable))

	ups, _, err := s.ReadSlice(ctx, key, 5, 50)
	require.NoError(t, err)
	require.Len(t, ups, 5)
	assert.Equal(t, int64(6), ups[0].Seq)
}

func TestChangedSince(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	s := openTest(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	_, err := appendOne(ctx, s, model.ChatBucket(1), model.BucketHasMore{})
	require.NoError(t, err)
	now = now.Add(time.Minute)
	_, err = appendOne(ctx, s, model.ChatBucket(2), model.BucketHasMore{})
	require.NoError(t, err)
	_, err = appendOne(ctx, s, model.UserBucket(7), model.BucketHasMore{})
	require.NoError(t, err)
	_, err = appendOne(ctx, s, model.ChatBucket(3), model.BucketHasMore{})
	require.NoError(t, err)

	keys := []model.BucketKey{model.ChatBucket(1), model.ChatBucket(2), model.UserBucket(7)}
	refs, err := s.ChangedSince(ctx, keys, now.Add(-30*time.Second))
	require.NoError(t, err)

	got := map[model.BucketKey]int64{}
	for _, r := range refs {
		got[r.Key] = r.HeadSeq
	}
	assert.Equal(t, map[model.BucketKey]int64{model.ChatBucket(2): 1, model.UserBucket(7): 1}, got)
}
