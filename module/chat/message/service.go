// Package message 写路径的业务入口：把聊天动作翻译成更新草稿，经 writer 发号落库。
package message

import (
	"context"
	"time"

	"PSync/logger"
	"PSync/module/update/group"
	"PSync/module/update/materialize"
	"PSync/module/update/model"
	"PSync/module/update/writer"
	"PSync/tools/errs"
	"PSync/tools/ids"
	"PSync/tools/safe"

	"go.uber.org/zap"
)

// Appender writer.Writer
type Appender interface {
	Append(ctx context.Context, mutate writer.MutateFunc, drafts ...writer.Draft) ([]model.Update, error)
}

// Docs 消息实体存储（materialize.Mongo）
type Docs interface {
	Put(ctx context.Context, doc materialize.MessageDoc) error
	Edit(ctx context.Context, id int64, text string, editedMS int64) error
}

type Options struct {
	NextID func() int64 // 消息ID，默认雪花
	Clock  func() time.Time
	Log    *zap.Logger
}

type Option func(*Service)

// WithDocs 发号前先写消息实体；不设置则只产生更新
func WithDocs(d Docs) Option { return func(s *Service) { s.docs = d } }

type Service struct {
	w       Appender
	groups  group.Resolver
	members group.Membership
	docs    Docs
	opts    Options
	log     *zap.Logger
}

func New(w Appender, groups group.Resolver, members group.Membership, opts Options, o ...Option) *Service {
	safe.MustNotNil(w, "writer")
	safe.MustNotNil(groups, "groups")
	safe.MustNotNil(members, "members")
	if opts.NextID == nil {
		opts.NextID = ids.Generate
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Log == nil {
		opts.Log = logger.Named("message")
	}
	s := &Service{w: w, groups: groups, members: members, opts: opts, log: opts.Log}
	for _, f := range o {
		f(s)
	}
	return s
}

// requireMember 调用者必须是会话成员
func (s *Service) requireMember(ctx context.Context, userID, chatID int64) error {
	if userID <= 0 {
		return errs.ErrInvalidUserID.WrapMsg("bad user", "user", userID)
	}
	if chatID <= 0 {
		return errs.ErrInvalidChatID.WrapMsg("bad chat", "chat", chatID)
	}
	rs, err := s.groups.Recipients(ctx, model.ChatBucket(chatID))
	if err != nil {
		return err
	}
	if _, ok := group.Contains(rs, userID); !ok {
		return errs.ErrInvalidPeer.WrapMsg("not a member", "user", userID, "chat", chatID)
	}
	return nil
}

func (s *Service) appendOne(ctx context.Context, key model.BucketKey, k model.Kind) (model.Update, error) {
	ups, err := s.w.Append(ctx, nil, writer.Draft{Bucket: key, Kind: k})
	if err != nil {
		return model.Update{}, err
	}
	return ups[0], nil
}
