package chat

import (
	"context"
	"time"

	"PSync/logger"
	sec "PSync/tools/security"

	"go.uber.org/zap"
)

// Presence 在线登记（storage.Presence）；单机模式为 nil
type Presence interface {
	Online(ctx context.Context, userID int64, nodeID, connID string, ttl time.Duration) error
	Offline(ctx context.Context, userID int64, connID string) error
	Refresh(ctx context.Context, userID int64, ttl time.Duration) error
}

type ServerConf struct {
	NodeID       string
	JWT          sec.Options
	PingInterval time.Duration
	WriteWait    time.Duration
	RPCRate      float64 // 每连接 rpc_call 每秒
	RPCBurst     int
	MaxFrame     int64
}

func (c *ServerConf) norm() {
	if c.PingInterval <= 0 {
		c.PingInterval = 25 * time.Second
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.RPCRate <= 0 {
		c.RPCRate = 20
	}
	if c.RPCBurst <= 0 {
		c.RPCBurst = 40
	}
	if c.MaxFrame <= 0 {
		c.MaxFrame = 1 << 20
	}
}

// Server 网关：连接管理 + RPC 分发 + 在线登记
type Server struct {
	conf     ServerConf
	conns    *ConnManager
	disp     *Dispatcher
	presence Presence
	log      *zap.Logger
}

func NewServer(conf ServerConf, conns *ConnManager, disp *Dispatcher, presence Presence) *Server {
	conf.norm()
	return &Server{conf: conf, conns: conns, disp: disp, presence: presence, log: logger.Named("gateway")}
}

func (s *Server) ConnMgr() *ConnManager { return s.conns }
func (s *Server) Disp() *Dispatcher     { return s.disp }

// OnConnRemoved 供 ManagerConf.OnRemove 使用：连接离开时注销在线
func (s *Server) OnConnRemoved(w *WsConn) {
	if s.presence == nil || !w.Authorized {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.presence.Offline(ctx, w.UserID, w.ID); err != nil {
		s.log.Warn("presence offline failed", zap.Int64("user", w.UserID), zap.String("conn", w.ID), zap.Error(err))
	}
}
