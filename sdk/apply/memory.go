package apply

import (
	"context"
	"sort"
	"sync"
	"time"

	"PSync/module/update/model"
	"PSync/tools/errs"
)

type Message struct {
	ID       int64
	ChatID   int64
	FromID   int64
	Date     time.Time
	EditedAt time.Time
	// Reactions emoji -> 用户集合
	Reactions map[string]map[int64]struct{}
}

type ReadState struct {
	MaxID      int64
	Unread     int32
	MarkUnread bool
}

// MemoryState 内存版本地数据层 + 副作用计数，测试与示例客户端用
type MemoryState struct {
	mu           sync.Mutex
	messages     map[int64]map[int64]*Message // chat -> message
	reads        map[int64]ReadState
	participants map[int64]map[int64]struct{}

	notified  int
	unreadInc int
}

var (
	_ State       = (*MemoryState)(nil)
	_ SideEffects = (*MemoryState)(nil)
)

func NewMemoryState() *MemoryState {
	return &MemoryState{
		messages:     make(map[int64]map[int64]*Message),
		reads:        make(map[int64]ReadState),
		participants: make(map[int64]map[int64]struct{}),
	}
}

func (m *MemoryState) PutMessage(_ context.Context, chatID, messageID, fromID int64, date time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	chat := m.messages[chatID]
	if chat == nil {
		chat = make(map[int64]*Message)
		m.messages[chatID] = chat
	}
	if _, ok := chat[messageID]; !ok {
		chat[messageID] = &Message{ID: messageID, ChatID: chatID, FromID: fromID, Date: date}
	}
	return nil
}

func (m *MemoryState) EditMessage(_ context.Context, chatID, messageID int64, date time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, err := m.messageLocked(chatID, messageID)
	if err != nil {
		return err
	}
	msg.EditedAt = date
	return nil
}

func (m *MemoryState) DeleteMessages(_ context.Context, chatID int64, messageIDs []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range messageIDs {
		delete(m.messages[chatID], id)
	}
	return nil
}

func (m *MemoryState) AddReaction(_ context.Context, chatID, messageID, userID int64, emoji string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, err := m.messageLocked(chatID, messageID)
	if err != nil {
		return err
	}
	if msg.Reactions == nil {
		msg.Reactions = make(map[string]map[int64]struct{})
	}
	if msg.Reactions[emoji] == nil {
		msg.Reactions[emoji] = make(map[int64]struct{})
	}
	msg.Reactions[emoji][userID] = struct{}{}
	return nil
}

func (m *MemoryState) RemoveReaction(_ context.Context, chatID, messageID, userID int64, emoji string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, err := m.messageLocked(chatID, messageID)
	if err != nil {
		return err
	}
	delete(msg.Reactions[emoji], userID)
	return nil
}

func (m *MemoryState) SetReadMax(_ context.Context, chatID, maxID int64, unread int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rs := m.reads[chatID]
	// 已读指针只前移
	if maxID >= rs.MaxID {
		rs.MaxID, rs.Unread = maxID, unread
	}
	m.reads[chatID] = rs
	return nil
}

func (m *MemoryState) SetUnreadMark(_ context.Context, chatID int64, unread bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rs := m.reads[chatID]
	rs.MarkUnread = unread
	m.reads[chatID] = rs
	return nil
}

func (m *MemoryState) AddParticipant(_ context.Context, chatID, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.participants[chatID] == nil {
		m.participants[chatID] = make(map[int64]struct{})
	}
	m.participants[chatID][userID] = struct{}{}
	return nil
}

func (m *MemoryState) RemoveParticipant(_ context.Context, chatID, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.participants[chatID], userID)
	return nil
}

func (m *MemoryState) Notify(context.Context, model.Update) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notified++
}

func (m *MemoryState) IncrementUnread(_ context.Context, chatID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unreadInc++
	rs := m.reads[chatID]
	rs.Unread++
	m.reads[chatID] = rs
}

func (m *MemoryState) messageLocked(chatID, messageID int64) (*Message, error) {
	msg, ok := m.messages[chatID][messageID]
	if !ok {
		return nil, errs.ErrInvalidMessageID.WrapMsg("message not found locally", "chat", chatID, "message", messageID)
	}
	return msg, nil
}

// ===== 查询 =====

func (m *MemoryState) Message(chatID, messageID int64) (Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[chatID][messageID]
	if !ok {
		return Message{}, false
	}
	return *msg, true
}

func (m *MemoryState) MessageIDs(chatID int64) []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int64, 0, len(m.messages[chatID]))
	for id := range m.messages[chatID] {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (m *MemoryState) Read(chatID int64) ReadState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads[chatID]
}

func (m *MemoryState) HasParticipant(chatID, userID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.participants[chatID][userID]
	return ok
}

// Notifications 已触发的实时提醒数
func (m *MemoryState) Notifications() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.notified
}

// UnreadIncrements 未读角标累加次数
func (m *MemoryState) UnreadIncrements() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unreadInc
}
