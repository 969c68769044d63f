// Package materialize 把更新里的轻量引用（如 message id）展开成完整载荷，
// 由 Reader 在补拉历史时调用。
package materialize

import (
	"context"

	"PSync/module/update/model"
)

type Materializer interface {
	// Inflate 返回与 ups 等长的载荷；无需/无法展开的位置为 nil
	Inflate(ctx context.Context, viewer int64, ups []model.Update) ([][]byte, error)
}

// Noop 不展开，客户端按引用自行拉取
type Noop struct{}

func (Noop) Inflate(_ context.Context, _ int64, ups []model.Update) ([][]byte, error) {
	return make([][]byte, len(ups)), nil
}

// MessageIDOf 需要展开的更新返回其消息ID
func MessageIDOf(k model.Kind) (int64, bool) {
	switch v := k.(type) {
	case model.NewMessage:
		return v.MessageID, true
	case model.EditMessage:
		return v.MessageID, true
	}
	return 0, false
}
