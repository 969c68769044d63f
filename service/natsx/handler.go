package natsx

import (
	"context"

	"PSync/tools/errs"

	"go.uber.org/zap"
)

// NatsxMessage 收到的一帧（Data 已拷贝，可在回调外持有）
type NatsxMessage struct {
	Subject string
	Data    []byte
	Header  map[string]string
}

// MsgID 去重键；未设置返回空
func (m NatsxMessage) MsgID() string { return m.Header[HeaderMsgID] }

type NatsxHandler func(ctx context.Context, msg NatsxMessage) error

type NatsxMiddleware func(NatsxHandler) NatsxHandler

// NatsxChain mws[0] 在最外层
func NatsxChain(h NatsxHandler, mws ...NatsxMiddleware) NatsxHandler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// NatsxGuard 回调里的 panic 转成错误，错误只记日志（Core 模式没有重投）
func NatsxGuard(log *zap.Logger) NatsxMiddleware {
	return func(next NatsxHandler) NatsxHandler {
		return func(ctx context.Context, msg NatsxMessage) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = errs.ErrPanic(r)
				}
				if err != nil {
					log.Warn("nats handler failed", zap.String("subject", msg.Subject),
						zap.String("msg_id", msg.MsgID()), zap.Error(err))
				}
			}()
			return next(ctx, msg)
		}
	}
}
