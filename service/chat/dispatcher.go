package chat

import (
	"context"

	"PSync/tools/codec"
	"PSync/tools/errs"
)

// RPCContext 一次 rpc_call 的上下文
type RPCContext struct {
	Ctx    context.Context
	UserID int64
	Conn   *WsConn
}

// Handler 返回值会被 CBOR 编码进 rpc_result
type Handler func(rc *RPCContext, input codec.RawMessage) (any, error)

type Dispatcher struct {
	handlers map[string]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler)}
}

// Register 启动阶段注册，非并发安全
func (d *Dispatcher) Register(method string, h Handler) { d.handlers[method] = h }

func (d *Dispatcher) Dispatch(rc *RPCContext, method string, input codec.RawMessage) (any, error) {
	h, ok := d.handlers[method]
	if !ok {
		return nil, errs.ErrBadRequest.WrapMsg("unknown method", "method", method)
	}
	return h(rc, input)
}
