package bucket

import (
	"errors"
	"sort"

	"PSync/module/update/model"
	"PSync/sdk/actor"
	"PSync/sdk/apply"
	"PSync/tools/errs"
)

// NewReducer 纯函数状态机
func NewReducer(cfg Config) actor.ReducerFunc[State] {
	cfg.norm()
	r := reducer{cfg: cfg}
	return r.reduce
}

type reducer struct{ cfg Config }

func (r reducer) reduce(s State, in actor.Input) (State, []actor.Effect) {
	switch ev := in.(type) {
	case LiveArrived:
		return r.onLive(s, ev.Update)
	case CatchUpRequested:
		return r.onCatchUp(s)
	case FetchSucceeded:
		return r.onPage(s, ev)
	case FetchFailed:
		return r.onFailure(s, ev)
	case RetryFired:
		return r.onRetry(s, ev)
	case Resynced:
		return r.onResynced(s, ev)
	}
	return s, nil
}

func (r reducer) onLive(s State, u model.Update) (State, []actor.Effect) {
	if u.Bucket != s.Key || u.Seq <= s.LastApplied {
		return s, nil
	}
	var effs []actor.Effect
	if u.Seq == s.LastApplied+1 {
		s.LastApplied = u.Seq
		effs = append(effs, Apply{Updates: []model.Update{u}, Source: apply.SourceLive})
		s, effs = drain(s, effs)
	} else {
		s.Buffer = insert(s.Buffer, u, r.cfg.MaxBuffer)
	}

	switch {
	case s.Inflight:
		// 在途结果回来再判断是否还有缺口
	case s.Phase == PhaseDegraded:
		// 新的实时更新打断退避，立即重拉
		s, effs = startFetch(s, effs)
	case len(s.Buffer) > 0:
		s, effs = startFetch(s, effs)
	}
	return s, effs
}

func (r reducer) onCatchUp(s State) (State, []actor.Effect) {
	if s.Inflight {
		s.Refetch = true
		return s, nil
	}
	return startFetch(s, nil)
}

func (r reducer) onPage(s State, ev FetchSucceeded) (State, []actor.Effect) {
	if !s.Inflight || ev.Gen != s.FetchGen {
		return s, nil
	}
	s.Inflight = false
	s.Failures = 0
	if s.Phase == PhaseDegraded {
		s.Phase = PhaseAwaitingCatchup
	}

	ups := append([]model.Update(nil), ev.Page.Updates...)
	sort.SliceStable(ups, func(i, j int) bool { return ups[i].Seq < ups[j].Seq })

	var (
		effs  []actor.Effect
		batch []model.Update
	)
	before := s.LastApplied
	for _, u := range ups {
		switch {
		case u.Bucket != s.Key || u.Seq <= s.LastApplied:
			// 实时更新已经越过这里
		case u.Seq == s.LastApplied+1:
			batch = append(batch, u)
			s.LastApplied = u.Seq
		default:
			s.Buffer = insert(s.Buffer, u, r.cfg.MaxBuffer)
		}
	}
	if len(batch) > 0 {
		effs = append(effs, Apply{Updates: batch, Source: apply.SourceCatchup})
	}
	s.Buffer = dropApplied(s.Buffer, s.LastApplied)
	s, effs = drain(s, effs)
	progressed := s.LastApplied > before
	if progressed {
		s.Stalls = 0
	}

	switch {
	case !ev.Page.Final:
		// TOO_LONG：从已应用处继续切片，从不跳过
		return startFetch(s, effs)
	case len(s.Buffer) > 0 && !progressed:
		s.Stalls++
		if s.Stalls > r.cfg.MaxStalls {
			return r.fail(s, effs, errs.ErrInternal.WrapMsg("catch-up made no progress",
				"bucket", s.Key, "last", s.LastApplied, "buffered", s.Buffer[0].Seq))
		}
		return startFetch(s, effs)
	case len(s.Buffer) > 0 || s.Refetch:
		return startFetch(s, effs)
	}

	s.Phase = PhaseIdle
	s.Escalated = false
	s.Stalls = 0
	effs = append(effs, Emit{Event: Event{Kind: EventCaughtUp, Key: s.Key, Seq: s.LastApplied}})
	return s, effs
}

func (r reducer) onFailure(s State, ev FetchFailed) (State, []actor.Effect) {
	if !s.Inflight || ev.Gen != s.FetchGen {
		return s, nil
	}
	s.Inflight = false
	return r.fail(s, nil, ev.Err)
}

func (r reducer) fail(s State, effs []actor.Effect, err error) (State, []actor.Effect) {
	s.Failures++
	if s.Phase != PhaseDegraded {
		s.Phase = PhaseDegraded
		effs = append(effs, Emit{Event: Event{Kind: EventDegraded, Key: s.Key, Seq: s.LastApplied, Err: err}})
	}
	// 历史已被清理，重试没有意义
	if errors.Is(err, errs.ErrHistoryUnavailable) {
		return escalateWith(s, effs, err)
	}
	if s.Failures >= r.cfg.MaxFailures {
		s, effs = escalateWith(s, effs, err)
	}
	return s, append(effs, ScheduleRetry{Gen: s.FetchGen, Attempt: s.Failures - 1})
}

func (r reducer) onRetry(s State, ev RetryFired) (State, []actor.Effect) {
	if s.Inflight || ev.Gen != s.FetchGen || s.Phase != PhaseDegraded {
		return s, nil
	}
	return startFetch(s, nil)
}

func (r reducer) onResynced(s State, ev Resynced) (State, []actor.Effect) {
	s.LastApplied = ev.Seq
	s.Buffer = dropApplied(s.Buffer, s.LastApplied)
	s.Failures, s.Stalls = 0, 0
	s.Escalated = false
	s.Inflight = false
	s.Phase = PhaseIdle
	var effs []actor.Effect
	s, effs = drain(s, effs)
	// 确认是否已到 head
	return startFetch(s, effs)
}

func startFetch(s State, effs []actor.Effect) (State, []actor.Effect) {
	s.FetchGen++
	s.Inflight = true
	s.Refetch = false
	if s.Phase == PhaseIdle {
		s.Phase = PhaseAwaitingCatchup
	}
	return s, append(effs, Fetch{Gen: s.FetchGen, StartSeq: s.LastApplied})
}

func escalateWith(s State, effs []actor.Effect, err error) (State, []actor.Effect) {
	if s.Escalated {
		return s, effs
	}
	s.Escalated = true
	return s, append(effs, Emit{Event: Event{Kind: EventNeedsResync, Key: s.Key, Seq: s.LastApplied, Err: err}})
}

// drain 应用缓冲里已连续的更新（它们是实时到达的）
func drain(s State, effs []actor.Effect) (State, []actor.Effect) {
	var batch []model.Update
	i := 0
	for ; i < len(s.Buffer); i++ {
		u := s.Buffer[i]
		if u.Seq <= s.LastApplied {
			continue
		}
		if u.Seq != s.LastApplied+1 {
			break
		}
		batch = append(batch, u)
		s.LastApplied = u.Seq
	}
	if i > 0 {
		s.Buffer = s.Buffer[i:]
	}
	if len(s.Buffer) == 0 {
		s.Buffer = nil
	}
	if len(batch) > 0 {
		effs = append(effs, Apply{Updates: batch, Source: apply.SourceLive})
	}
	return s, effs
}

// insert 返回新切片，不改动旧状态的底层数组
func insert(buf []model.Update, u model.Update, max int) []model.Update {
	i := sort.Search(len(buf), func(i int) bool { return buf[i].Seq >= u.Seq })
	if i < len(buf) && buf[i].Seq == u.Seq {
		return buf
	}
	out := make([]model.Update, 0, len(buf)+1)
	out = append(out, buf[:i]...)
	out = append(out, u)
	out = append(out, buf[i:]...)
	if len(out) > max {
		out = out[:max]
	}
	return out
}

func dropApplied(buf []model.Update, last int64) []model.Update {
	i := 0
	for i < len(buf) && buf[i].Seq <= last {
		i++
	}
	if i == len(buf) {
		return nil
	}
	return buf[i:]
}
