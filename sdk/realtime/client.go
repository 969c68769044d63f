// Package realtime 客户端到网关的 WebSocket 连接：握手、RPC 关联、推送分发与断线重连。
package realtime

import (
	"context"
	"net"
	"sync"
	"time"

	"PSync/logger"
	"PSync/module/update/wire"
	"PSync/tools/backoff"
	"PSync/tools/codec"
	"PSync/tools/errs"
	"PSync/tools/ids"
	"PSync/tools/safe"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type Config struct {
	URL         string // ws://host:port/ws
	Token       func(ctx context.Context) (string, error)
	CallTimeout time.Duration
	// ReadTimeout 超过这么久收不到任何帧（含服务端 ping）视为断线
	ReadTimeout time.Duration
	WriteWait   time.Duration
	Backoff     backoff.Policy
	Dialer      *websocket.Dialer
	Log         *zap.Logger
}

func (c *Config) norm() {
	if c.CallTimeout <= 0 {
		c.CallTimeout = 15 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 60 * time.Second
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.Backoff.Base <= 0 {
		c.Backoff = backoff.Default()
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	if c.Log == nil {
		c.Log = logger.Named("realtime")
	}
}

// StaticToken 固定令牌
func StaticToken(tok string) func(context.Context) (string, error) {
	return func(context.Context) (string, error) { return tok, nil }
}

type PushHandler func(ctx context.Context, f wire.UpdateFrame)

type reply struct {
	kind string
	body codec.RawMessage
}

type Client struct {
	conf Config
	log  *zap.Logger
	ids  *ids.CallIDs

	onPush    PushHandler
	onConnect func(ctx context.Context) error

	mu      sync.Mutex
	conn    *websocket.Conn
	closed  chan struct{} // 当前连接断开时关闭
	pending map[uint64]chan reply
	writeMu sync.Mutex
}

func New(conf Config) *Client {
	conf.norm()
	return &Client{
		conf:    conf,
		log:     conf.Log,
		ids:     ids.NewCallIDs(),
		pending: make(map[uint64]chan reply),
	}
}

// OnPush 须在 Dial/Run 之前设置
func (c *Client) OnPush(h PushHandler) { c.onPush = h }

// OnConnect 每次握手成功后在独立协程里调用（重连发现）
func (c *Client) OnConnect(f func(ctx context.Context) error) { c.onConnect = f }

// Dial 建连并完成 connection_init -> connection_open 握手
func (c *Client) Dial(ctx context.Context) error {
	tok := ""
	if c.conf.Token != nil {
		var err error
		if tok, err = c.conf.Token(ctx); err != nil {
			return err
		}
	}
	conn, _, err := c.conf.Dialer.DialContext(ctx, c.conf.URL, nil)
	if err != nil {
		return errs.WrapMsg(err, "dial gateway", "url", c.conf.URL)
	}
	if err := c.handshake(conn, tok); err != nil {
		_ = conn.Close()
		return err
	}

	closed := make(chan struct{})
	c.mu.Lock()
	c.conn, c.closed = conn, closed
	c.mu.Unlock()

	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(c.conf.ReadTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.conf.WriteWait))
	})
	safe.SafeGo("realtime.read", func() { c.readLoop(conn, closed) })
	return nil
}

func (c *Client) handshake(conn *websocket.Conn, tok string) error {
	id := c.ids.Next()
	data, err := wire.EncodeClient(id, wire.KindConnectionInit, wire.ConnectionInit{Token: tok})
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(c.conf.WriteWait))
	if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return errs.WrapMsg(err, "send connection_init")
	}
	_ = conn.SetReadDeadline(time.Now().Add(c.conf.CallTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return errs.ErrNotAuthenticated.WrapMsg("no connection_open", "err", err)
	}
	var msg wire.ServerMessage
	if err := codec.Unmarshal(raw, &msg); err != nil {
		return errs.ErrBadRequest.WrapMsg("bad handshake frame", "err", err)
	}
	switch msg.Kind {
	case wire.KindConnectionOpen:
		return nil
	case wire.KindConnectionError:
		var ce wire.ConnectionError
		if err := wire.DecodeBody(msg.Body, &ce); err != nil {
			return err
		}
		return errs.NewCodeError(ce.Code, ce.Msg)
	default:
		return errs.ErrBadRequest.WrapMsg("unexpected handshake frame", "kind", msg.Kind)
	}
}

func (c *Client) readLoop(conn *websocket.Conn, closed chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		pending := c.pending
		c.pending = make(map[uint64]chan reply)
		c.mu.Unlock()
		close(closed)
		_ = conn.Close()
		// 在途调用随连接一起失败
		for _, ch := range pending {
			close(ch)
		}
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(c.conf.ReadTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				c.log.Warn("gateway read timeout")
			} else {
				c.log.Debug("gateway connection closed", zap.Error(err))
			}
			return
		}
		var msg wire.ServerMessage
		if err := codec.Unmarshal(raw, &msg); err != nil {
			c.log.Debug("drop bad frame", zap.Error(err))
			continue
		}
		switch msg.Kind {
		case wire.KindRPCResult:
			var r wire.RPCResult
			if wire.DecodeBody(msg.Body, &r) == nil {
				c.resolve(r.ReqID, reply{kind: msg.Kind, body: r.Result})
			}
		case wire.KindRPCError:
			var r wire.RPCError
			if wire.DecodeBody(msg.Body, &r) == nil {
				c.resolve(r.ReqID, reply{kind: msg.Kind, body: msg.Body})
			}
		case wire.KindPong:
			c.resolve(msg.ID, reply{kind: msg.Kind})
		case wire.KindPush:
			var p wire.Push
			if err := wire.DecodeBody(msg.Body, &p); err != nil {
				c.log.Debug("drop bad push", zap.Error(err))
				continue
			}
			if c.onPush != nil {
				for _, f := range p.Updates {
					c.onPush(ctx, f)
				}
			}
		default:
			c.log.Debug("unexpected frame kind", zap.String("kind", msg.Kind))
		}
	}
}

func (c *Client) resolve(id uint64, r reply) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if ok {
		ch <- r
	}
}

// Call 发起一次 RPC，out 为结果的解码目标（可为 nil）
func (c *Client) Call(ctx context.Context, method string, input, out any) error {
	raw, err := codec.Marshal(input)
	if err != nil {
		return errs.WrapMsg(err, "encode input", "method", method)
	}
	r, err := c.roundTrip(ctx, wire.KindRPCCall, wire.RPCCall{Method: method, Input: raw})
	if err != nil {
		return err
	}
	if r.kind == wire.KindRPCError {
		var re wire.RPCError
		if err := wire.DecodeBody(r.body, &re); err != nil {
			return err
		}
		return errs.NewCodeError(re.Code, re.Msg)
	}
	if out == nil {
		return nil
	}
	return wire.DecodeBody(r.body, out)
}

// Ping 应用层心跳，返回往返时延
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	_, err := c.roundTrip(ctx, wire.KindPing, wire.Ping{Nonce: uint64(start.UnixNano())})
	return time.Since(start), err
}

func (c *Client) roundTrip(ctx context.Context, kind string, body any) (reply, error) {
	id := c.ids.Next()
	data, err := wire.EncodeClient(id, kind, body)
	if err != nil {
		return reply{}, err
	}
	ch := make(chan reply, 1)
	c.mu.Lock()
	conn, closed := c.conn, c.closed
	if conn == nil {
		c.mu.Unlock()
		return reply{}, errs.ErrInternal.WrapMsg("not connected")
	}
	c.pending[id] = ch
	c.mu.Unlock()
	drop := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	c.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.conf.WriteWait))
	err = conn.WriteMessage(websocket.BinaryMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		drop()
		return reply{}, errs.WrapMsg(err, "send frame", "kind", kind)
	}

	timer := time.NewTimer(c.conf.CallTimeout)
	defer timer.Stop()
	select {
	case r, ok := <-ch:
		if !ok {
			return reply{}, errs.ErrInternal.WrapMsg("connection lost")
		}
		return r, nil
	case <-closed:
		drop()
		return reply{}, errs.ErrInternal.WrapMsg("connection lost")
	case <-timer.C:
		drop()
		return reply{}, errs.ErrInternal.WrapMsg("call timeout", "kind", kind)
	case <-ctx.Done():
		drop()
		return reply{}, ctx.Err()
	}
}

// Connected 当前是否有可用连接
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Done 当前连接断开时关闭；未连接返回已关闭的 chan
func (c *Client) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.closed
}

// Run 维持连接直到 ctx 取消：断线后退避重连，每次连上调用 OnConnect
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		if err := c.Dial(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// 令牌无效重连也没用
			if errs.Code(err) == errs.NotAuthenticated {
				return err
			}
			d := c.conf.Backoff.Delay(attempt)
			attempt++
			c.log.Warn("connect failed, retrying", zap.Int("attempt", attempt), zap.Duration("delay", d), zap.Error(err))
			if err := backoff.Sleep(ctx, d); err != nil {
				return err
			}
			continue
		}
		attempt = 0
		c.log.Info("gateway connected", zap.String("url", c.conf.URL))
		done := c.Done()
		if c.onConnect != nil {
			f := c.onConnect
			safe.SafeGo("realtime.onConnect", func() {
				cctx, cancel := context.WithCancel(ctx)
				defer cancel()
				go func() {
					select {
					case <-done:
						cancel()
					case <-cctx.Done():
					}
				}()
				if err := f(cctx); err != nil && cctx.Err() == nil {
					c.log.Warn("on connect failed", zap.Error(err))
				}
			})
		}
		select {
		case <-ctx.Done():
			c.Close()
			return ctx.Err()
		case <-done:
		}
	}
}

// Close 断开当前连接
func (c *Client) Close() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	_ = conn.Close()
}
