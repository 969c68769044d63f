package chat

import (
	"context"
	"net"
	"net/http"
	"time"

	"PSync/module/update/wire"
	"PSync/tools/codec"
	"PSync/tools/errs"
	"PSync/tools/ids"
	"PSync/tools/safe"
	sec "PSync/tools/security"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096, CheckOrigin: func(r *http.Request) bool { return true }}

// HandleWS 握手：首帧必须是 connection_init，且在 UnauthTTL 内到达
func (s *Server) HandleWS(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// 常见：非 WebSocket 请求/握手失败
		s.log.Info("upgrade websocket failed", zap.Error(err))
		return
	}
	ws.SetReadLimit(s.conf.MaxFrame)

	w, err := s.conns.AddUnauth(ids.GenerateString(), ws)
	if err != nil {
		closeQuiet(ws)
		return
	}
	defer s.conns.Remove(w.ID)

	if err := s.handshake(w); err != nil {
		ce := errs.AsCodeError(err)
		if data, eerr := wire.Encode(0, wire.KindConnectionError, wire.ConnectionError{Code: ce.ECode(), Msg: ce.EMsg()}); eerr == nil {
			_ = writeBinary(ws, data, s.conf.WriteWait)
		}
		s.log.Info("handshake failed", zap.String("conn", w.ID), zap.Error(err))
		return
	}

	go s.writePump(w)
	s.readLoop(w)
}

func (s *Server) handshake(w *WsConn) error {
	ws := w.Conn
	_ = ws.SetReadDeadline(time.Now().Add(s.conns.conf.UnauthTTL))
	_, data, err := ws.ReadMessage()
	if err != nil {
		return errs.ErrNotAuthenticated.WrapMsg("no connection_init", "err", err)
	}
	var msg wire.ClientMessage
	if err := codec.Unmarshal(data, &msg); err != nil {
		return errs.ErrBadRequest.WrapMsg("bad frame", "err", err)
	}
	if msg.Kind != wire.KindConnectionInit {
		return errs.ErrNotAuthenticated.WrapMsg("first frame must be connection_init", "kind", msg.Kind)
	}
	var ci wire.ConnectionInit
	if err := wire.DecodeBody(msg.Body, &ci); err != nil {
		return err
	}
	uid, err := sec.Verify(s.conf.JWT, ci.Token)
	if err != nil {
		return err
	}
	if err := s.conns.BindUser(w.ID, uid); err != nil {
		return err
	}
	if s.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		perr := s.presence.Online(ctx, uid, s.conf.NodeID, w.ID, s.conns.conf.AuthTTL)
		cancel()
		if perr != nil {
			// 在线登记失败只影响跨节点推送，客户端靠补拉兜底
			s.log.Warn("presence online failed", zap.Int64("user", uid), zap.Error(perr))
		}
	}
	open, err := wire.Encode(msg.ID, wire.KindConnectionOpen, struct{}{})
	if err != nil {
		return err
	}
	if err := writeBinary(ws, open, s.conf.WriteWait); err != nil {
		return errs.Wrap(err)
	}
	s.log.Info("connection open", zap.String("conn", w.ID), zap.Int64("user", uid))
	return nil
}

func (s *Server) readLoop(w *WsConn) {
	ws := w.Conn
	extend := func() {
		_ = ws.SetReadDeadline(time.Now().Add(s.conns.conf.AuthTTL))
	}
	extend()
	s.conns.AttachPongHandler(ws, w.ID, func() {
		extend()
		if s.presence != nil {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			_ = s.presence.Refresh(ctx, w.UserID, s.conns.conf.AuthTTL)
			cancel()
		}
	})

	limiter := rate.NewLimiter(rate.Limit(s.conf.RPCRate), s.conf.RPCBurst)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				s.log.Debug("peer closed", zap.String("conn", w.ID))
			} else if ne, ok := err.(net.Error); ok && ne.Timeout() {
				s.log.Info("read timeout", zap.String("conn", w.ID), zap.Int64("user", w.UserID))
			} else {
				s.log.Debug("read error", zap.String("conn", w.ID), zap.Error(err))
			}
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		extend()
		_ = s.conns.Heartbeat(w.ID)

		var msg wire.ClientMessage
		if err := codec.Unmarshal(data, &msg); err != nil {
			s.log.Debug("drop bad frame", zap.String("conn", w.ID), zap.Error(err))
			continue
		}
		switch msg.Kind {
		case wire.KindPing:
			var p wire.Ping
			_ = wire.DecodeBody(msg.Body, &p)
			s.reply(w, msg.ID, wire.KindPong, p)
		case wire.KindRPCCall:
			if !limiter.Allow() {
				s.replyErr(w, msg.ID, errs.ErrRateLimited.WrapMsg("too many calls"))
				continue
			}
			var call wire.RPCCall
			if err := wire.DecodeBody(msg.Body, &call); err != nil {
				s.replyErr(w, msg.ID, err)
				continue
			}
			rc := &RPCContext{Ctx: ctx, UserID: w.UserID, Conn: w}
			id := msg.ID
			safe.SafeGo("rpc."+call.Method, func() { s.serveCall(rc, id, call) })
		default:
			s.log.Debug("unexpected frame kind", zap.String("kind", msg.Kind))
		}
	}
}

func (s *Server) serveCall(rc *RPCContext, id uint64, call wire.RPCCall) {
	out, err := s.disp.Dispatch(rc, call.Method, call.Input)
	if err != nil {
		if errs.Code(err) == errs.Internal {
			s.log.Error("rpc failed", zap.String("method", call.Method), zap.Int64("user", rc.UserID), zap.Error(err))
		}
		s.replyErr(rc.Conn, id, err)
		return
	}
	raw, err := codec.Marshal(out)
	if err != nil {
		s.replyErr(rc.Conn, id, errs.WrapMsg(err, "encode result"))
		return
	}
	s.reply(rc.Conn, id, wire.KindRPCResult, wire.RPCResult{ReqID: id, Result: raw})
}

func (s *Server) reply(w *WsConn, id uint64, kind string, body any) {
	data, err := wire.Encode(id, kind, body)
	if err != nil {
		s.log.Warn("encode reply failed", zap.String("kind", kind), zap.Error(err))
		return
	}
	w.SendWait(data, s.conf.WriteWait)
}

func (s *Server) replyErr(w *WsConn, id uint64, err error) {
	ce := errs.AsCodeError(err)
	s.reply(w, id, wire.KindRPCError, wire.RPCError{ReqID: id, Code: ce.ECode(), Msg: ce.EMsg()})
}

// writePump 每连接唯一写协程：业务帧 + 定时 ping
func (s *Server) writePump(w *WsConn) {
	ticker := time.NewTicker(s.conf.PingInterval)
	defer func() {
		ticker.Stop()
		_ = w.Conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(s.conf.WriteWait))
		s.conns.Remove(w.ID)
	}()
	for {
		select {
		case <-w.Done():
			return
		case data := <-w.Send:
			if err := writeBinary(w.Conn, data, s.conf.WriteWait); err != nil {
				s.log.Debug("write failed", zap.String("conn", w.ID), zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := w.Conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.conf.WriteWait)); err != nil {
				return
			}
		}
	}
}
