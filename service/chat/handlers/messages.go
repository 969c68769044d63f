package handlers

import (
	"context"
	"net/http"

	mid "PSync/middleware"
	midsec "PSync/middleware/security"
	"PSync/module/update/model"
	"PSync/tools/errs"

	"github.com/gin-gonic/gin"
)

// MessageService 由 message.Service 实现
type MessageService interface {
	Send(ctx context.Context, from, chatID int64, text string, randomID int64) (model.Update, error)
	Edit(ctx context.Context, userID, chatID, messageID int64, text string) (model.Update, error)
	Delete(ctx context.Context, userID, chatID int64, messageIDs []int64) (model.Update, error)
	React(ctx context.Context, userID, chatID, messageID int64, emoji string) (model.Update, error)
	Unreact(ctx context.Context, userID, chatID, messageID int64, emoji string) (model.Update, error)
	ReadTo(ctx context.Context, userID, chatID, maxID int64, unread int32) (model.Update, error)
	MarkUnread(ctx context.Context, userID, chatID int64, unread bool) (model.Update, error)
	AddMember(ctx context.Context, actor, chatID, userID int64) (model.Update, error)
	RemoveMember(ctx context.Context, actor, chatID, userID int64) (model.Update, error)
}

type sendReq struct {
	ChatID   int64  `json:"chat_id"`
	Text     string `json:"text"`
	RandomID int64  `json:"random_id"`
}

type editReq struct {
	ChatID    int64  `json:"chat_id"`
	MessageID int64  `json:"message_id"`
	Text      string `json:"text"`
}

type deleteReq struct {
	ChatID     int64   `json:"chat_id"`
	MessageIDs []int64 `json:"message_ids"`
}

type reactionReq struct {
	ChatID    int64  `json:"chat_id"`
	MessageID int64  `json:"message_id"`
	Emoji     string `json:"emoji"`
	Remove    bool   `json:"remove"`
}

type readReq struct {
	ChatID int64 `json:"chat_id"`
	MaxID  int64 `json:"max_id"`
	Unread int32 `json:"unread"`
}

type unreadReq struct {
	ChatID int64 `json:"chat_id"`
	Unread bool  `json:"unread"`
}

type memberReq struct {
	ChatID int64 `json:"chat_id"`
	UserID int64 `json:"user_id"`
	Remove bool  `json:"remove"`
}

// committed 写接口的统一返回
type committed struct {
	Bucket string `json:"bucket"`
	Seq    int64  `json:"seq"`
	Date   int64  `json:"date"`
}

// RegisterMessages 写路径 HTTP 接口，全部需要鉴权
func RegisterMessages(rt *mid.Router, svc MessageService) {
	auth := mid.RouteOpt{IsAuth: true}
	rt.POST("/v1/messages", bindJSON(func(c *gin.Context, uid int64, in sendReq) (model.Update, error) {
		return svc.Send(c.Request.Context(), uid, in.ChatID, in.Text, in.RandomID)
	}), auth)
	rt.POST("/v1/messages/edit", bindJSON(func(c *gin.Context, uid int64, in editReq) (model.Update, error) {
		return svc.Edit(c.Request.Context(), uid, in.ChatID, in.MessageID, in.Text)
	}), auth)
	rt.POST("/v1/messages/delete", bindJSON(func(c *gin.Context, uid int64, in deleteReq) (model.Update, error) {
		return svc.Delete(c.Request.Context(), uid, in.ChatID, in.MessageIDs)
	}), auth)
	rt.POST("/v1/reactions", bindJSON(func(c *gin.Context, uid int64, in reactionReq) (model.Update, error) {
		if in.Remove {
			return svc.Unreact(c.Request.Context(), uid, in.ChatID, in.MessageID, in.Emoji)
		}
		return svc.React(c.Request.Context(), uid, in.ChatID, in.MessageID, in.Emoji)
	}), auth)
	rt.POST("/v1/read", bindJSON(func(c *gin.Context, uid int64, in readReq) (model.Update, error) {
		return svc.ReadTo(c.Request.Context(), uid, in.ChatID, in.MaxID, in.Unread)
	}), auth)
	rt.POST("/v1/unread", bindJSON(func(c *gin.Context, uid int64, in unreadReq) (model.Update, error) {
		return svc.MarkUnread(c.Request.Context(), uid, in.ChatID, in.Unread)
	}), auth)
	rt.POST("/v1/members", bindJSON(func(c *gin.Context, uid int64, in memberReq) (model.Update, error) {
		if in.Remove {
			return svc.RemoveMember(c.Request.Context(), uid, in.ChatID, in.UserID)
		}
		return svc.AddMember(c.Request.Context(), uid, in.ChatID, in.UserID)
	}), auth)
}

func bindJSON[T any](fn func(c *gin.Context, uid int64, in T) (model.Update, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in T
		if err := c.ShouldBindJSON(&in); err != nil {
			writeErr(c, errs.ErrBadRequest.WrapMsg("bad body", "err", err))
			return
		}
		uid, _ := midsec.UserID(c)
		u, err := fn(c, uid, in)
		if err != nil {
			writeErr(c, err)
			return
		}
		c.JSON(http.StatusOK, committed{Bucket: u.Bucket.String(), Seq: u.Seq, Date: u.Date.UnixMilli()})
	}
}
