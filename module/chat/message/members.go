package message

import (
	"context"

	"PSync/module/update/group"
	"PSync/module/update/model"
	"PSync/tools/errs"

	"go.uber.org/zap"
)

// AddMember 先入组再写更新，新成员也能收到自己的加入事件。
// 空会话允许任何人把自己加进去（建群）。
func (s *Service) AddMember(ctx context.Context, actor, chatID, userID int64) (model.Update, error) {
	if userID <= 0 {
		return model.Update{}, errs.ErrInvalidUserID.WrapMsg("bad user", "user", userID)
	}
	if chatID <= 0 {
		return model.Update{}, errs.ErrInvalidChatID.WrapMsg("bad chat", "chat", chatID)
	}
	key := model.ChatBucket(chatID)
	rs, err := s.groups.Recipients(ctx, key)
	if err != nil {
		return model.Update{}, err
	}
	if _, ok := group.Contains(rs, userID); ok {
		return model.Update{}, errs.ErrAlreadyMember.WrapMsg("already in chat", "user", userID, "chat", chatID)
	}
	bootstrap := len(rs) == 0 && actor == userID
	if _, ok := group.Contains(rs, actor); !ok && !bootstrap {
		return model.Update{}, errs.ErrInvalidPeer.WrapMsg("not a member", "user", actor, "chat", chatID)
	}
	if err := s.members.Join(ctx, key, userID); err != nil {
		return model.Update{}, err
	}
	u, err := s.appendOne(ctx, key, model.ParticipantAdded{ChatID: chatID, UserID: userID})
	if err != nil {
		// 更新没写成功，撤销入组
		if lerr := s.members.Leave(ctx, key, userID); lerr != nil {
			s.log.Warn("rollback join failed", zap.Int64("chat", chatID), zap.Int64("user", userID), zap.Error(lerr))
		}
		return model.Update{}, err
	}
	return u, nil
}

// RemoveMember 先写更新再出组，被移除者能收到自己的移除事件；自己退出时 actor == userID
func (s *Service) RemoveMember(ctx context.Context, actor, chatID, userID int64) (model.Update, error) {
	if err := s.requireMember(ctx, actor, chatID); err != nil {
		return model.Update{}, err
	}
	if actor != userID {
		if err := s.requireMember(ctx, userID, chatID); err != nil {
			return model.Update{}, err
		}
	}
	key := model.ChatBucket(chatID)
	u, err := s.appendOne(ctx, key, model.ParticipantRemoved{ChatID: chatID, UserID: userID})
	if err != nil {
		return model.Update{}, err
	}
	if err := s.members.Leave(ctx, key, userID); err != nil {
		return u, err
	}
	return u, nil
}
