package message

import (
	"context"

	"PSync/module/update/model"
	"PSync/tools/errs"
)

// ReadTo 已读推进到 maxID，写入读者自己的 user bucket，只同步到本人的各端。
// unread 由客户端按本地消息计算。
func (s *Service) ReadTo(ctx context.Context, userID, chatID, maxID int64, unread int32) (model.Update, error) {
	if maxID < 0 || unread < 0 {
		return model.Update{}, errs.ErrBadRequest.WrapMsg("bad read pointer", "max", maxID, "unread", unread)
	}
	if err := s.requireMember(ctx, userID, chatID); err != nil {
		return model.Update{}, err
	}
	return s.appendOne(ctx, model.UserBucket(userID), model.ReadMaxIDAdvanced{
		ChatID: chatID, ReadMaxID: maxID, UnreadCount: unread,
	})
}

// MarkUnread 手动标记/取消未读
func (s *Service) MarkUnread(ctx context.Context, userID, chatID int64, unread bool) (model.Update, error) {
	if err := s.requireMember(ctx, userID, chatID); err != nil {
		return model.Update{}, err
	}
	return s.appendOne(ctx, model.UserBucket(userID), model.MarkedUnread{ChatID: chatID, Unread: unread})
}
