package ids

import (
	"sync"
	"time"
)

// CallEpochSeconds 2025-01-01T00:00:00Z
const CallEpochSeconds = 1735689600

// CallIDs 客户端 RPC 请求ID：(秒级时间戳 - epoch) << 32 | 秒内序号
type CallIDs struct {
	mu       sync.Mutex
	now      func() time.Time
	lastSec  int64
	sequence uint32
}

func NewCallIDs() *CallIDs { return &CallIDs{now: time.Now} }

func (g *CallIDs) Next() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	ts := g.now().Unix() - CallEpochSeconds
	if ts < 0 {
		ts = 0
	}
	if ts == g.lastSec {
		g.sequence++
	} else {
		g.lastSec = ts
		g.sequence = 0
	}
	return uint64(ts)<<32 | uint64(g.sequence)
}
