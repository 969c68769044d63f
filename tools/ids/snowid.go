package ids

import (
	"strconv"
	"sync"
	"time"
)

// Snow 雪花ID：41bit 毫秒时间戳 | 10bit 节点 | 12bit 序列
type Snow struct {
	mu       sync.Mutex
	epochMS  int64
	nodeID   int64 // 0~1023
	seq      int64 // 0~4095
	lastTSMS int64
}

var (
	defaultSnow = NewSnow(1)
)

// NewSnow nodeID 越界时回落到 1
func NewSnow(nodeID int64) *Snow {
	if nodeID < 0 || nodeID > 1023 {
		nodeID = 1
	}
	return &Snow{
		epochMS: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli(),
		nodeID:  nodeID,
	}
}

// Generate 生成一个新的雪花ID（默认生成器）
func Generate() int64 { return defaultSnow.Next() }

func GenerateString() string {
	return strconv.FormatInt(Generate(), 10)
}

// SetNodeID 设置默认生成器 nodeID（0~1023），在 main() 初始化时调用
func SetNodeID(nodeID int64) {
	if nodeID < 0 || nodeID > 1023 {
		nodeID = 1
	}
	defaultSnow.mu.Lock()
	defaultSnow.nodeID = nodeID
	defaultSnow.mu.Unlock()
}

func (g *Snow) Next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now().UnixMilli()
	if now < g.lastTSMS {
		// 时钟回拨，沿用上一毫秒继续发
		now = g.lastTSMS
	}
	if now == g.lastTSMS {
		g.seq = (g.seq + 1) & 0xFFF
		if g.seq == 0 {
			// 序列溢出，等到下一毫秒
			for now <= g.lastTSMS {
				time.Sleep(50 * time.Microsecond)
				now = time.Now().UnixMilli()
			}
		}
	} else {
		g.seq = 0
	}
	g.lastTSMS = now

	ts := (now - g.epochMS) & ((1 << 41) - 1)
	return (ts << 22) | (g.nodeID << 12) | g.seq
}
