// Package apply 客户端应用层：把一条更新落到本地数据，按来源决定是否触发“刚刚发生”的副作用。
//
// 幂等靠 bucket 游标：seq 不大于游标的更新直接忽略，不需要逐条去重表。
package apply

import (
	"context"
	"time"

	"PSync/logger"
	"PSync/module/update/model"
	"PSync/tools/errs"
	"PSync/tools/safe"

	"go.uber.org/zap"
)

type Source int8

const (
	SourceLive    Source = 1 // 实时推送
	SourceCatchup Source = 2 // 补拉历史
)

func (s Source) String() string {
	switch s {
	case SourceLive:
		return "live"
	case SourceCatchup:
		return "catchup"
	default:
		return "unknown"
	}
}

// CursorStore 每个 bucket 的已应用 seq（localdb 实现）
type CursorStore interface {
	LoadSeq(ctx context.Context, key model.BucketKey) (int64, error)
	SaveSeq(ctx context.Context, key model.BucketKey, seq int64) error
}

// State 本地数据层
type State interface {
	PutMessage(ctx context.Context, chatID, messageID, fromID int64, date time.Time) error
	EditMessage(ctx context.Context, chatID, messageID int64, date time.Time) error
	DeleteMessages(ctx context.Context, chatID int64, messageIDs []int64) error
	AddReaction(ctx context.Context, chatID, messageID, userID int64, emoji string) error
	RemoveReaction(ctx context.Context, chatID, messageID, userID int64, emoji string) error
	SetReadMax(ctx context.Context, chatID, maxID int64, unread int32) error
	SetUnreadMark(ctx context.Context, chatID int64, unread bool) error
	AddParticipant(ctx context.Context, chatID, userID int64) error
	RemoveParticipant(ctx context.Context, chatID, userID int64) error
}

// SideEffects 只对实时更新有意义的动作
type SideEffects interface {
	Notify(ctx context.Context, u model.Update)
	IncrementUnread(ctx context.Context, chatID int64)
}

type Options struct {
	SelfID int64 // 自己发的消息不提醒、不加未读
	Log    *zap.Logger
}

type Layer struct {
	cursors CursorStore
	state   State
	fx      SideEffects
	opts    Options
	log     *zap.Logger
}

func New(cursors CursorStore, state State, fx SideEffects, opts Options) *Layer {
	safe.MustNotNil(cursors, "cursors")
	safe.MustNotNil(state, "state")
	if opts.Log == nil {
		opts.Log = logger.Named("apply")
	}
	return &Layer{cursors: cursors, state: state, fx: fx, opts: opts, log: opts.Log}
}

// Apply 应用一条更新。单条失败只记录并跳过，游标照常前进；
// 返回的错误只来自游标读写。
func (l *Layer) Apply(ctx context.Context, u model.Update, src Source) error {
	cur, err := l.cursors.LoadSeq(ctx, u.Bucket)
	if err != nil {
		return err
	}
	if u.Seq <= cur {
		return nil
	}
	if err := l.dispatch(ctx, u, src); err != nil {
		l.log.Warn("apply failed, skipped",
			zap.Stringer("bucket", u.Bucket),
			zap.Int64("seq", u.Seq),
			zap.Stringer("source", src),
			zap.Error(err))
	}
	return l.cursors.SaveSeq(ctx, u.Bucket, u.Seq)
}

// Reset 全量重同步后由上层直接设定游标
func (l *Layer) Reset(ctx context.Context, key model.BucketKey, seq int64) error {
	if seq < 0 {
		return errs.ErrBadRequest.WrapMsg("negative seq", "bucket", key, "seq", seq)
	}
	return l.cursors.SaveSeq(ctx, key, seq)
}

func (l *Layer) dispatch(ctx context.Context, u model.Update, src Source) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errs.ErrPanic(r)
		}
	}()
	live := src == SourceLive && l.fx != nil

	switch k := u.Kind.(type) {
	case model.NewMessage:
		if err := l.state.PutMessage(ctx, k.ChatID, k.MessageID, k.FromID, u.Date); err != nil {
			return err
		}
		if live && k.FromID != l.opts.SelfID {
			l.fx.Notify(ctx, u)
			l.fx.IncrementUnread(ctx, k.ChatID)
		}
	case model.EditMessage:
		return l.state.EditMessage(ctx, k.ChatID, k.MessageID, u.Date)
	case model.DeleteMessages:
		return l.state.DeleteMessages(ctx, k.ChatID, k.MessageIDs)
	case model.ReactionAdded:
		if err := l.state.AddReaction(ctx, k.ChatID, k.MessageID, k.UserID, k.Emoji); err != nil {
			return err
		}
		if live && k.UserID != l.opts.SelfID {
			l.fx.Notify(ctx, u)
		}
	case model.ReactionRemoved:
		return l.state.RemoveReaction(ctx, k.ChatID, k.MessageID, k.UserID, k.Emoji)
	case model.ReadMaxIDAdvanced:
		return l.state.SetReadMax(ctx, k.ChatID, k.ReadMaxID, k.UnreadCount)
	case model.MarkedUnread:
		return l.state.SetUnreadMark(ctx, k.ChatID, k.Unread)
	case model.ParticipantAdded:
		return l.state.AddParticipant(ctx, k.ChatID, k.UserID)
	case model.ParticipantRemoved:
		return l.state.RemoveParticipant(ctx, k.ChatID, k.UserID)
	case model.BucketHasMore:
		// 只是信号，本地状态不变
	default:
		return errs.ErrBadRequest.WrapMsg("unknown update kind", "kind", u.Kind)
	}
	return nil
}
