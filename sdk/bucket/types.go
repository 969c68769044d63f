// Package bucket 每个 bucket 一个 actor：保证同一 bucket 内严格按 seq 递增应用，
// 发现缺口时补拉，失败退避，重试耗尽后上报需要全量重同步。
package bucket

import (
	"time"

	"PSync/module/update/model"
	"PSync/sdk/actor"
	"PSync/sdk/apply"
)

type Phase int8

const (
	PhaseIdle            Phase = 0 // 无缺口
	PhaseAwaitingCatchup Phase = 1 // 补拉在途
	PhaseDegraded        Phase = 2 // 补拉连续失败，退避中
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseAwaitingCatchup:
		return "awaiting_catchup"
	case PhaseDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// State 由 actor 独占
type State struct {
	Key         model.BucketKey
	Phase       Phase
	LastApplied int64
	// Buffer 先到的实时更新，按 seq 升序、无重复，全部 > LastApplied+1
	Buffer   []model.Update
	Inflight bool
	// FetchGen 每发起一次补拉加一，过期的结果与定时器据此丢弃
	FetchGen  uint64
	Failures  int
	Escalated bool // 已上报需要全量重同步
	// Refetch 在途期间又收到补拉请求，结果回来后再拉一次
	Refetch bool
	// Stalls 连续无进展的终页次数（缓冲仍有缺口）
	Stalls int
}

func NewState(key model.BucketKey, lastApplied int64) State {
	return State{Key: key, LastApplied: lastApplied}
}

// Page 一次 getUpdates 的结果
type Page struct {
	Updates []model.Update
	NextSeq int64
	Final   bool
	TooLong bool
}

// ===== Input =====

type LiveArrived struct {
	actor.InputBase
	Update model.Update
}

// CatchUpRequested 协调器在重连发现后发出
type CatchUpRequested struct {
	actor.InputBase
}

type FetchSucceeded struct {
	actor.InputBase
	Gen  uint64
	Page Page
}

type FetchFailed struct {
	actor.InputBase
	Gen uint64
	Err error
}

type RetryFired struct {
	actor.InputBase
	Gen uint64
}

// Resynced 上层完成全量重同步，游标直接设为 Seq
type Resynced struct {
	actor.InputBase
	Seq int64
}

// ===== Effect =====

type Fetch struct {
	actor.EffectBase
	Gen      uint64
	StartSeq int64
}

// Apply 按顺序同步执行
type Apply struct {
	actor.EffectBase
	Updates []model.Update
	Source  apply.Source
}

type ScheduleRetry struct {
	actor.EffectBase
	Gen     uint64
	Attempt int
}

type Emit struct {
	actor.EffectBase
	Event Event
}

type EventKind int8

const (
	EventDegraded    EventKind = 1
	EventCaughtUp    EventKind = 2
	EventNeedsResync EventKind = 3
)

func (k EventKind) String() string {
	switch k {
	case EventDegraded:
		return "degraded"
	case EventCaughtUp:
		return "caught_up"
	case EventNeedsResync:
		return "needs_resync"
	default:
		return "unknown"
	}
}

// Event 对外可观测的 bucket 事件（“同步中”指示、监控）
type Event struct {
	Kind EventKind
	Key  model.BucketKey
	Seq  int64
	Err  error
	At   time.Time
}

type Config struct {
	MaxBuffer   int // 缓冲上限，溢出丢最高 seq（之后补拉会再取回）
	MaxFailures int // 连续失败到此次数上报需要全量重同步
	MaxStalls   int // 终页无进展时立即重拉的次数，超过按失败退避
}

func (c *Config) norm() {
	if c.MaxBuffer <= 0 {
		c.MaxBuffer = 1000
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = 6
	}
	if c.MaxStalls <= 0 {
		c.MaxStalls = 1
	}
}
