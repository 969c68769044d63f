package bucket

import (
	"math/rand"
	"testing"
	"time"

	"PSync/module/update/model"
	"PSync/sdk/actor"
	"PSync/sdk/apply"
	"PSync/tools/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var key = model.ChatBucket(42)

func up(seq int64) model.Update {
	return model.Update{Bucket: key, Seq: seq, Date: time.UnixMilli(seq), Kind: model.NewMessage{MessageID: seq, ChatID: 42}}
}

func page(from, to int64, final bool) Page {
	p := Page{NextSeq: to, Final: final, TooLong: !final}
	for s := from; s <= to; s++ {
		p.Updates = append(p.Updates, up(s))
	}
	return p
}

func effectsOf[T actor.Effect](effs []actor.Effect) []T {
	var out []T
	for _, e := range effs {
		if v, ok := e.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

func appliedSeqs(effs []actor.Effect) []int64 {
	var out []int64
	for _, a := range effectsOf[Apply](effs) {
		for _, u := range a.Updates {
			out = append(out, u.Seq)
		}
	}
	return out
}

func eventKinds(effs []actor.Effect) []EventKind {
	var out []EventKind
	for _, e := range effectsOf[Emit](effs) {
		out = append(out, e.Event.Kind)
	}
	return out
}

func seqRange(from, to int64) []int64 {
	var out []int64
	for s := from; s <= to; s++ {
		out = append(out, s)
	}
	return out
}

func TestLiveContiguousAndDuplicate(t *testing.T) {
	red := NewReducer(Config{})
	s := NewState(key, 10)

	s, effs := actor.Step(s, LiveArrived{Update: up(11)}, red)
	assert.Equal(t, int64(11), s.LastApplied)
	assert.Equal(t, PhaseIdle, s.Phase)
	require.Len(t, effectsOf[Apply](effs), 1)
	assert.Equal(t, apply.SourceLive, effectsOf[Apply](effs)[0].Source)

	s2, effs := actor.Step(s, LiveArrived{Update: up(11)}, red)
	assert.Equal(t, s, s2)
	assert.Empty(t, effs)

	// 其他 bucket 的更新不处理
	_, effs = actor.Step(s, LiveArrived{Update: model.Update{Bucket: model.ChatBucket(1), Seq: 12}}, red)
	assert.Empty(t, effs)
}

func TestGapTriggersCatchUp(t *testing.T) {
	red := NewReducer(Config{})
	s := NewState(key, 10)

	s, effs := actor.Step(s, LiveArrived{Update: up(15)}, red)
	assert.Equal(t, PhaseAwaitingCatchup, s.Phase)
	assert.Equal(t, int64(10), s.LastApplied)
	require.Len(t, s.Buffer, 1)
	fetches := effectsOf[Fetch](effs)
	require.Len(t, fetches, 1)
	assert.Equal(t, int64(10), fetches[0].StartSeq)

	s, effs = actor.Step(s, FetchSucceeded{Gen: fetches[0].Gen, Page: page(11, 15, true)}, red)
	assert.Equal(t, seqRange(11, 15), appliedSeqs(effs))
	assert.Equal(t, apply.SourceCatchup, effectsOf[Apply](effs)[0].Source)
	assert.Equal(t, int64(15), s.LastApplied)
	assert.Equal(t, PhaseIdle, s.Phase)
	assert.Empty(t, s.Buffer)
	assert.Equal(t, []EventKind{EventCaughtUp}, eventKinds(effs))
}

func TestBufferedTailDrainedAfterPage(t *testing.T) {
	red := NewReducer(Config{})
	s := NewState(key, 10)
	s, effs := actor.Step(s, LiveArrived{Update: up(15)}, red)
	gen := effectsOf[Fetch](effs)[0].Gen
	s, _ = actor.Step(s, LiveArrived{Update: up(16)}, red)

	// 服务端快照在 14：补上 11..14 后缓冲里的 15、16 连续
	s, effs = actor.Step(s, FetchSucceeded{Gen: gen, Page: page(11, 14, true)}, red)
	assert.Equal(t, seqRange(11, 16), appliedSeqs(effs))
	as := effectsOf[Apply](effs)
	require.Len(t, as, 2)
	assert.Equal(t, apply.SourceCatchup, as[0].Source)
	assert.Equal(t, apply.SourceLive, as[1].Source)
	assert.Equal(t, PhaseIdle, s.Phase)
}

func TestTooLongContinuesFromNextSeq(t *testing.T) {
	red := NewReducer(Config{MaxBuffer: 10})
	s := NewState(key, 100)
	s, effs := actor.Step(s, LiveArrived{Update: up(5000)}, red)

	calls := 0
	for {
		f := effectsOf[Fetch](effs)
		if len(f) == 0 {
			break
		}
		require.Len(t, f, 1)
		require.Equal(t, s.LastApplied, f[0].StartSeq)
		calls++
		to := f[0].StartSeq + 1000
		final := to >= 5000
		if final {
			to = 5000
		}
		prev := s.LastApplied
		s, effs = actor.Step(s, FetchSucceeded{Gen: f[0].Gen, Page: page(f[0].StartSeq+1, to, final)}, red)
		require.Greater(t, s.LastApplied, prev)
		if calls == 1 {
			assert.Equal(t, int64(1100), s.LastApplied)
			assert.Equal(t, PhaseAwaitingCatchup, s.Phase)
		}
	}
	assert.Equal(t, 5, calls)
	assert.Equal(t, int64(5000), s.LastApplied)
	assert.Equal(t, PhaseIdle, s.Phase)
}

func TestLiveRacingCatchUpDoesNotRegress(t *testing.T) {
	red := NewReducer(Config{})
	s := NewState(key, 10)
	s, effs := actor.Step(s, CatchUpRequested{}, red)
	gen := effectsOf[Fetch](effs)[0].Gen

	for seq := int64(11); seq <= 13; seq++ {
		s, effs = actor.Step(s, LiveArrived{Update: up(seq)}, red)
		assert.Empty(t, effectsOf[Fetch](effs), "in-flight fetch is not duplicated")
	}
	assert.Equal(t, int64(13), s.LastApplied)

	// 在 live 之前发出的补拉，结果里 11..13 已应用
	s, effs = actor.Step(s, FetchSucceeded{Gen: gen, Page: page(11, 15, true)}, red)
	assert.Equal(t, []int64{14, 15}, appliedSeqs(effs))
	assert.Equal(t, int64(15), s.LastApplied)

	// 完全落后的结果（全部 <= LastApplied）也不会回退
	s, effs = actor.Step(s, CatchUpRequested{}, red)
	gen = effectsOf[Fetch](effs)[0].Gen
	s, effs = actor.Step(s, FetchSucceeded{Gen: gen, Page: page(11, 12, true)}, red)
	assert.Empty(t, appliedSeqs(effs))
	assert.Equal(t, int64(15), s.LastApplied)
}

func TestCatchUpDuringFlightRefetches(t *testing.T) {
	red := NewReducer(Config{})
	s, effs := actor.Step(NewState(key, 0), CatchUpRequested{}, red)
	gen := effectsOf[Fetch](effs)[0].Gen
	s, effs = actor.Step(s, CatchUpRequested{}, red)
	assert.Empty(t, effs)
	assert.True(t, s.Refetch)

	s, effs = actor.Step(s, FetchSucceeded{Gen: gen, Page: page(1, 2, true)}, red)
	f := effectsOf[Fetch](effs)
	require.Len(t, f, 1)
	assert.Equal(t, int64(2), f[0].StartSeq)
	assert.False(t, s.Refetch)
}

func TestFailuresDegradeThenEscalateOnce(t *testing.T) {
	red := NewReducer(Config{MaxFailures: 3})
	s := NewState(key, 10)
	s, effs := actor.Step(s, LiveArrived{Update: up(12)}, red)

	var events []EventKind
	for i := 0; i < 5; i++ {
		gen := effectsOf[Fetch](effs)[0].Gen
		s, effs = actor.Step(s, FetchFailed{Gen: gen, Err: errs.ErrInternal.WrapMsg("boom")}, red)
		events = append(events, eventKinds(effs)...)
		assert.Equal(t, PhaseDegraded, s.Phase)
		retry := effectsOf[ScheduleRetry](effs)
		require.Len(t, retry, 1)
		assert.Equal(t, i, retry[0].Attempt)

		// 过期定时器无效
		_, stale := actor.Step(s, RetryFired{Gen: gen - 1}, red)
		assert.Empty(t, stale)
		s, effs = actor.Step(s, RetryFired{Gen: retry[0].Gen}, red)
		require.Len(t, effectsOf[Fetch](effs), 1)
		assert.Equal(t, PhaseDegraded, s.Phase)
	}
	assert.Equal(t, []EventKind{EventDegraded, EventNeedsResync}, events)

	gen := effectsOf[Fetch](effs)[0].Gen
	s, effs = actor.Step(s, FetchSucceeded{Gen: gen, Page: page(11, 12, true)}, red)
	assert.Equal(t, PhaseIdle, s.Phase)
	assert.Zero(t, s.Failures)
	assert.False(t, s.Escalated)
	assert.Equal(t, []EventKind{EventCaughtUp}, eventKinds(effs))
}

func TestLiveInterruptsBackoff(t *testing.T) {
	red := NewReducer(Config{})
	s, effs := actor.Step(NewState(key, 10), LiveArrived{Update: up(12)}, red)
	gen := effectsOf[Fetch](effs)[0].Gen
	s, _ = actor.Step(s, FetchFailed{Gen: gen, Err: errs.ErrInternal.Wrap()}, red)
	require.Equal(t, PhaseDegraded, s.Phase)

	s, effs = actor.Step(s, LiveArrived{Update: up(13)}, red)
	f := effectsOf[Fetch](effs)
	require.Len(t, f, 1)
	assert.Equal(t, int64(10), f[0].StartSeq)

	// 旧的重试定时器被新补拉取代
	_, effs = actor.Step(s, RetryFired{Gen: gen}, red)
	assert.Empty(t, effs)
}

func TestHistoryUnavailableEscalatesImmediately(t *testing.T) {
	red := NewReducer(Config{})
	s, effs := actor.Step(NewState(key, 10), LiveArrived{Update: up(900)}, red)
	gen := effectsOf[Fetch](effs)[0].Gen
	s, effs = actor.Step(s, FetchFailed{Gen: gen, Err: errs.ErrHistoryUnavailable.WrapMsg("pruned")}, red)
	assert.Equal(t, []EventKind{EventDegraded, EventNeedsResync}, eventKinds(effs))
	assert.Empty(t, effectsOf[ScheduleRetry](effs))
	assert.True(t, s.Escalated)

	s, effs = actor.Step(s, Resynced{Seq: 850}, red)
	f := effectsOf[Fetch](effs)
	require.Len(t, f, 1)
	assert.Equal(t, int64(850), f[0].StartSeq)
	assert.Equal(t, int64(850), s.LastApplied)
	assert.False(t, s.Escalated)
	require.Len(t, s.Buffer, 1)
	assert.Equal(t, int64(900), s.Buffer[0].Seq)
}

func TestBufferOverflowDropsHighest(t *testing.T) {
	red := NewReducer(Config{MaxBuffer: 3})
	s := NewState(key, 0)
	for _, seq := range []int64{50, 20, 40, 30, 40} {
		s, _ = actor.Step(s, LiveArrived{Update: up(seq)}, red)
	}
	var got []int64
	for _, u := range s.Buffer {
		got = append(got, u.Seq)
	}
	assert.Equal(t, []int64{20, 30, 40}, got)
}

func TestStaleResultsIgnored(t *testing.T) {
	red := NewReducer(Config{})
	s, _ := actor.Step(NewState(key, 0), CatchUpRequested{}, red)
	s2, effs := actor.Step(s, FetchSucceeded{Gen: s.FetchGen + 1, Page: page(1, 3, true)}, red)
	assert.Equal(t, s, s2)
	assert.Empty(t, effs)
	s2, effs = actor.Step(s, FetchFailed{Gen: s.FetchGen - 1}, red)
	assert.Equal(t, s, s2)
	assert.Empty(t, effs)
}

func TestNoProgressBacksOff(t *testing.T) {
	red := NewReducer(Config{MaxStalls: 1})
	s, effs := actor.Step(NewState(key, 10), LiveArrived{Update: up(12)}, red)
	// 服务端还没有 11（不应发生），先立即重拉一次
	s, effs = actor.Step(s, FetchSucceeded{Gen: effectsOf[Fetch](effs)[0].Gen, Page: Page{NextSeq: 10, Final: true}}, red)
	require.Len(t, effectsOf[Fetch](effs), 1)
	s, effs = actor.Step(s, FetchSucceeded{Gen: effectsOf[Fetch](effs)[0].Gen, Page: Page{NextSeq: 10, Final: true}}, red)
	assert.Empty(t, effectsOf[Fetch](effs))
	assert.Len(t, effectsOf[ScheduleRetry](effs), 1)
	assert.Equal(t, PhaseDegraded, s.Phase)
}

// 任意到达顺序（含重复、补拉结果交错、偶发失败）最终都按 seq 升序恰好应用一次
func TestPermutationConvergence(t *testing.T) {
	const n = 40
	for round := 0; round < 200; round++ {
		rng := rand.New(rand.NewSource(int64(round)))
		red := NewReducer(Config{MaxBuffer: 8})
		s := NewState(key, 0)

		var live []model.Update
		for seq := int64(1); seq <= n; seq++ {
			live = append(live, up(seq))
			if rng.Intn(4) == 0 {
				live = append(live, up(seq))
			}
		}
		rng.Shuffle(len(live), func(i, j int) { live[i], live[j] = live[j], live[i] })

		var (
			pending []actor.Input
			applied []int64
		)
		handle := func(effs []actor.Effect) {
			applied = append(applied, appliedSeqs(effs)...)
			for _, f := range effectsOf[Fetch](effs) {
				if rng.Intn(5) == 0 {
					pending = append(pending, FetchFailed{Gen: f.Gen, Err: errs.ErrInternal.Wrap()})
					continue
				}
				to, final := f.StartSeq+7, false
				if to >= n {
					to, final = n, true
				}
				pending = append(pending, FetchSucceeded{Gen: f.Gen, Page: page(f.StartSeq+1, to, final)})
			}
			for _, r := range effectsOf[ScheduleRetry](effs) {
				pending = append(pending, RetryFired{Gen: r.Gen})
			}
		}

		for steps := 0; len(live) > 0 || len(pending) > 0; steps++ {
			require.Less(t, steps, 10000)
			var in actor.Input
			if len(pending) > 0 && (len(live) == 0 || rng.Intn(2) == 0) {
				i := rng.Intn(len(pending))
				in = pending[i]
				pending = append(pending[:i], pending[i+1:]...)
			} else {
				in = LiveArrived{Update: live[0]}
				live = live[1:]
			}
			var effs []actor.Effect
			s, effs = actor.Step(s, in, red)
			handle(effs)
		}

		require.Equal(t, seqRange(1, n), applied, "round %d", round)
		assert.Equal(t, int64(n), s.LastApplied)
		assert.Equal(t, PhaseIdle, s.Phase)
		assert.Empty(t, s.Buffer)
	}
}
