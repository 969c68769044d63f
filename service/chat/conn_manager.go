package chat

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"PSync/tools/errs"

	"github.com/gorilla/websocket"
)

// ===== 配置 =====

type ManagerConf struct {
	UnauthTTL  time.Duration    // 未授权连接的 TTL（握手期限）
	AuthTTL    time.Duration    // 已授权连接的 TTL，心跳续期
	SweepEvery time.Duration    // 清理周期
	MaxPerUser int              // 每用户最大连接数（<=0 不限制），超限淘汰最老连接
	SendQueue  int              // 每连接发送队列长度
	Clock      func() time.Time // 可注入时钟（单测用）；nil => time.Now
	// OnRemove 连接离开管理器时回调（过期、被挤下线、主动移除），在锁外调用
	OnRemove func(w *WsConn)
}

func (c *ManagerConf) norm() {
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = 5 * time.Second
	}
	if c.UnauthTTL <= 0 {
		c.UnauthTTL = 10 * time.Second
	}
	if c.AuthTTL <= 0 {
		c.AuthTTL = 90 * time.Second
	}
	if c.SendQueue <= 0 {
		c.SendQueue = 256
	}
}

// ===== 数据结构 =====

type WsConn struct {
	ID         string
	UserID     int64
	Authorized bool

	Conn   *websocket.Conn
	Remote net.Addr

	CreatedAt time.Time
	UpdatedAt time.Time
	// Send 每连接独立发送队列，由单个写协程消费；推送方只做非阻塞投递
	Send chan []byte

	TTL       time.Duration // 当前 TTL（随授权态切换）
	ExpireAt  time.Time     // 到期时间（过期由 sweeper 清理）
	Heartbeat time.Time     // 最近心跳时间

	dropped   atomic.Int64
	done      chan struct{}
	closeOnce sync.Once
}

// Done 连接关闭后可读
func (w *WsConn) Done() <-chan struct{} { return w.done }

// Dropped 因队列满被丢弃的推送帧数
func (w *WsConn) Dropped() int64 { return w.dropped.Load() }

// TrySend 非阻塞投递；队列满即丢弃（客户端会通过补拉修复）
func (w *WsConn) TrySend(data []byte) bool {
	select {
	case <-w.done:
		return false
	default:
	}
	select {
	case w.Send <- data:
		return true
	default:
		w.dropped.Add(1)
		return false
	}
}

// SendWait RPC 响应用：等待队列空位，连接关闭则放弃
func (w *WsConn) SendWait(data []byte, timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case w.Send <- data:
		return true
	case <-w.done:
		return false
	case <-t.C:
		w.dropped.Add(1)
		return false
	}
}

func (w *WsConn) Close() {
	w.closeOnce.Do(func() {
		close(w.done)
		closeQuiet(w.Conn)
	})
}

type ConnManager struct {
	mu     sync.RWMutex
	byID   map[string]*WsConn           // 主索引：connID -> wsConn
	byUser map[int64]map[string]*WsConn // 辅助索引：userID -> (connID -> wsConn)

	conf     ManagerConf
	stopOnce sync.Once
	stopCh   chan struct{}
}

// ===== 构造/关闭 =====

func NewConnManager(conf ManagerConf) *ConnManager {
	conf.norm()
	m := &ConnManager{
		byID:   make(map[string]*WsConn),
		byUser: make(map[int64]map[string]*WsConn),
		conf:   conf,
		stopCh: make(chan struct{}),
	}
	go m.sweeper()
	return m
}

func (m *ConnManager) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.mu.Lock()
	all := make([]*WsConn, 0, len(m.byID))
	for _, w := range m.byID {
		all = append(all, w)
	}
	m.byID = map[string]*WsConn{}
	m.byUser = map[int64]map[string]*WsConn{}
	m.mu.Unlock()
	m.release(all)
}

// SetOnRemove 启动阶段设置（Server 依赖 ConnManager，回调只能后装）
func (m *ConnManager) SetOnRemove(f func(w *WsConn)) {
	m.mu.Lock()
	m.conf.OnRemove = f
	m.mu.Unlock()
}

// AddUnauth : 新连接（未授权）登记
func (m *ConnManager) AddUnauth(id string, conn *websocket.Conn) (*WsConn, error) {
	if id == "" {
		return nil, errs.ErrBadRequest.WrapMsg("conn id empty")
	}
	now := m.conf.Clock()
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byID[id]; exists {
		return nil, errs.ErrBadRequest.WrapMsg("conn id exists", "id", id)
	}
	w := &WsConn{
		ID:        id,
		Conn:      conn,
		CreatedAt: now,
		UpdatedAt: now,
		Heartbeat: now,
		TTL:       m.conf.UnauthTTL,
		ExpireAt:  now.Add(m.conf.UnauthTTL),
		Send:      make(chan []byte, m.conf.SendQueue),
		done:      make(chan struct{}),
	}
	if conn != nil {
		w.Remote = conn.RemoteAddr()
	}
	m.byID[id] = w
	return w, nil
}

// BindUser : 将未授权连接绑定到 user；切到 AuthTTL，并执行“最大连接数/挤下线”策略
func (m *ConnManager) BindUser(id string, userID int64) error {
	if id == "" || userID <= 0 {
		return errs.ErrBadRequest.WrapMsg("bind: bad args", "id", id, "user", userID)
	}
	now := m.conf.Clock()
	m.mu.Lock()
	w, ok := m.byID[id]
	if !ok {
		m.mu.Unlock()
		return errs.ErrBadRequest.WrapMsg("conn not found", "id", id)
	}
	if w.Authorized && w.UserID != userID {
		m.unlinkUserLocked(w)
	}
	var evicted []*WsConn
	if m.conf.MaxPerUser > 0 {
		evicted = m.ensureRoomForUserLocked(userID, id)
	}
	if m.byUser[userID] == nil {
		m.byUser[userID] = make(map[string]*WsConn)
	}
	m.byUser[userID][id] = w

	// 切授权态
	w.UserID = userID
	w.Authorized = true
	w.TTL = m.conf.AuthTTL
	w.ExpireAt = now.Add(m.conf.AuthTTL)
	w.UpdatedAt = now
	w.Heartbeat = now
	m.mu.Unlock()

	m.release(evicted)
	return nil
}

// Heartbeat : 刷新某条连接的心跳与到期时间
func (m *ConnManager) Heartbeat(id string) error {
	now := m.conf.Clock()
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.byID[id]
	if !ok {
		return errs.ErrBadRequest.WrapMsg("conn not found", "id", id)
	}
	w.Heartbeat = now
	w.ExpireAt = now.Add(w.TTL)
	w.UpdatedAt = now
	return nil
}

// AttachPongHandler : 绑定 gorilla/websocket 的 PongHandler，自动心跳续期
func (m *ConnManager) AttachPongHandler(conn *websocket.Conn, id string, extra func()) {
	if conn == nil {
		return
	}
	conn.SetPongHandler(func(string) error {
		_ = m.Heartbeat(id) // 忽略错误：连接可能刚好被清理
		if extra != nil {
			extra()
		}
		return nil
	})
}

func (m *ConnManager) Get(id string) (*WsConn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.byID[id]
	return w, ok
}

// Remove : 关闭并移除
func (m *ConnManager) Remove(id string) {
	m.mu.Lock()
	w, ok := m.byID[id]
	if ok {
		delete(m.byID, id)
		m.unlinkUserLocked(w)
	}
	m.mu.Unlock()
	if ok {
		m.release([]*WsConn{w})
	}
}

// HasUser 本节点上是否有该用户的已授权连接
func (m *ConnManager) HasUser(userID int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byUser[userID]) > 0
}

// UserConnCount 用户连接数
func (m *ConnManager) UserConnCount(userID int64) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byUser[userID])
}

// SendUser : 向某用户所有连接非阻塞投递，返回成功与丢弃数
func (m *ConnManager) SendUser(userID int64, data []byte) (sent, dropped int) {
	m.mu.RLock()
	mm := m.byUser[userID]
	targets := make([]*WsConn, 0, len(mm))
	for _, w := range mm {
		targets = append(targets, w)
	}
	m.mu.RUnlock()

	for _, w := range targets {
		if w.TrySend(data) {
			sent++
		} else {
			dropped++
		}
	}
	return sent, dropped
}

// ===== 清理协程 =====

func (m *ConnManager) sweeper() {
	t := time.NewTicker(m.conf.SweepEvery)
	defer t.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-t.C:
			m.sweepOnce(m.conf.Clock())
		}
	}
}

func (m *ConnManager) sweepOnce(now time.Time) int {
	var expired []*WsConn
	m.mu.Lock()
	for id, w := range m.byID {
		if now.After(w.ExpireAt) {
			// 收集后统一关闭，避免持锁期间关闭 socket
			expired = append(expired, w)
			delete(m.byID, id)
			m.unlinkUserLocked(w)
		}
	}
	m.mu.Unlock()
	m.release(expired)
	return len(expired)
}

// ===== 最大连接数/挤下线 =====

// 需要在持锁状态下调用；淘汰最老的连接，返回待关闭的连接
func (m *ConnManager) ensureRoomForUserLocked(userID int64, incoming string) []*WsConn {
	var evicted []*WsConn
	mm := m.byUser[userID]
	for len(mm) >= m.conf.MaxPerUser {
		var oldest *WsConn
		for id, w := range mm {
			if id == incoming {
				continue
			}
			if oldest == nil || w.CreatedAt.Before(oldest.CreatedAt) {
				oldest = w
			}
		}
		if oldest == nil {
			break
		}
		delete(mm, oldest.ID)
		delete(m.byID, oldest.ID)
		evicted = append(evicted, oldest)
	}
	return evicted
}

func (m *ConnManager) unlinkUserLocked(w *WsConn) {
	if !w.Authorized {
		return
	}
	if mm := m.byUser[w.UserID]; mm != nil {
		delete(mm, w.ID)
		if len(mm) == 0 {
			delete(m.byUser, w.UserID)
		}
	}
}

func (m *ConnManager) release(ws []*WsConn) {
	if len(ws) == 0 {
		return
	}
	m.mu.RLock()
	onRemove := m.conf.OnRemove
	m.mu.RUnlock()
	for _, w := range ws {
		w.Close()
		if onRemove != nil {
			onRemove(w)
		}
	}
}

// ===== 工具函数 =====

func writeBinary(conn *websocket.Conn, data []byte, wait time.Duration) error {
	if err := conn.SetWriteDeadline(time.Now().Add(wait)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.BinaryMessage, data)
}

func closeQuiet(c *websocket.Conn) {
	if c != nil {
		_ = c.Close()
	}
}
