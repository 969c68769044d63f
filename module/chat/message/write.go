package message

import (
	"context"

	"PSync/module/update/materialize"
	"PSync/module/update/model"
	"PSync/tools/errs"

	"go.uber.org/zap"
)

// Send 发消息；randomID 由客户端生成，用于本地去重
func (s *Service) Send(ctx context.Context, from, chatID int64, text string, randomID int64) (model.Update, error) {
	if err := s.requireMember(ctx, from, chatID); err != nil {
		return model.Update{}, err
	}
	id := s.opts.NextID()
	// 实体先落库：推送时 materializer 必须已能展开载荷
	if s.docs != nil {
		doc := materialize.MessageDoc{ID: id, ChatID: chatID, FromID: from, Text: text, DateMS: s.opts.Clock().UnixMilli()}
		if err := s.docs.Put(ctx, doc); err != nil {
			return model.Update{}, errs.WrapMsg(err, "put message doc", "id", id)
		}
	}
	u, err := s.appendOne(ctx, model.ChatBucket(chatID), model.NewMessage{
		MessageID: id, ChatID: chatID, FromID: from, RandomID: randomID,
	})
	if err != nil {
		// 实体留作孤儿，没有更新引用它
		s.log.Warn("append new message failed, doc orphaned", zap.Int64("id", id), zap.Error(err))
		return model.Update{}, err
	}
	return u, nil
}

func (s *Service) Edit(ctx context.Context, userID, chatID, messageID int64, text string) (model.Update, error) {
	if messageID <= 0 {
		return model.Update{}, errs.ErrInvalidMessageID.WrapMsg("bad message", "id", messageID)
	}
	if err := s.requireMember(ctx, userID, chatID); err != nil {
		return model.Update{}, err
	}
	if s.docs != nil {
		if err := s.docs.Edit(ctx, messageID, text, s.opts.Clock().UnixMilli()); err != nil {
			return model.Update{}, errs.WrapMsg(err, "edit message doc", "id", messageID)
		}
	}
	u, err := s.appendOne(ctx, model.ChatBucket(chatID), model.EditMessage{MessageID: messageID, ChatID: chatID})
	if err != nil {
		// 新文本已生效，下一次展开即可见
		s.log.Warn("append edit failed", zap.Int64("id", messageID), zap.Error(err))
		return model.Update{}, err
	}
	return u, nil
}

func (s *Service) Delete(ctx context.Context, userID, chatID int64, messageIDs []int64) (model.Update, error) {
	if len(messageIDs) == 0 {
		return model.Update{}, errs.ErrBadRequest.WrapMsg("no messages to delete")
	}
	for _, id := range messageIDs {
		if id <= 0 {
			return model.Update{}, errs.ErrInvalidMessageID.WrapMsg("bad message", "id", id)
		}
	}
	if err := s.requireMember(ctx, userID, chatID); err != nil {
		return model.Update{}, err
	}
	return s.appendOne(ctx, model.ChatBucket(chatID), model.DeleteMessages{MessageIDs: messageIDs, ChatID: chatID})
}

func (s *Service) React(ctx context.Context, userID, chatID, messageID int64, emoji string) (model.Update, error) {
	if err := s.checkReaction(ctx, userID, chatID, messageID, emoji); err != nil {
		return model.Update{}, err
	}
	return s.appendOne(ctx, model.ChatBucket(chatID), model.ReactionAdded{
		MessageID: messageID, ChatID: chatID, UserID: userID, Emoji: emoji,
	})
}

func (s *Service) Unreact(ctx context.Context, userID, chatID, messageID int64, emoji string) (model.Update, error) {
	if err := s.checkReaction(ctx, userID, chatID, messageID, emoji); err != nil {
		return model.Update{}, err
	}
	return s.appendOne(ctx, model.ChatBucket(chatID), model.ReactionRemoved{
		MessageID: messageID, ChatID: chatID, UserID: userID, Emoji: emoji,
	})
}

func (s *Service) checkReaction(ctx context.Context, userID, chatID, messageID int64, emoji string) error {
	if messageID <= 0 {
		return errs.ErrInvalidMessageID.WrapMsg("bad message", "id", messageID)
	}
	if emoji == "" {
		return errs.ErrBadRequest.WrapMsg("empty emoji")
	}
	return s.requireMember(ctx, userID, chatID)
}
