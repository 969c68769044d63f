package model

import (
	"PSync/tools/codec"
	"PSync/tools/errs"
)

// KindType 更新类型标签，落库与上线帧共用
type KindType string

const (
	KindNewMessage         KindType = "new_message"
	KindEditMessage        KindType = "edit_message"
	KindDeleteMessages     KindType = "delete_messages"
	KindReactionAdded      KindType = "reaction_added"
	KindReactionRemoved    KindType = "reaction_removed"
	KindReadMaxIDAdvanced  KindType = "read_max_id"
	KindMarkedUnread       KindType = "marked_unread"
	KindParticipantAdded   KindType = "participant_added"
	KindParticipantRemoved KindType = "participant_removed"
	KindBucketHasMore      KindType = "bucket_has_more"
)

// Kind 封闭的更新种类集合，只能是本包定义的变体
type Kind interface {
	KindType() KindType
	isKind()
}

type kindBase struct{}

func (kindBase) isKind() {}

type NewMessage struct {
	kindBase
	MessageID int64 `cbor:"mid"`
	ChatID    int64 `cbor:"cid"`
	FromID    int64 `cbor:"from"`
	RandomID  int64 `cbor:"rid,omitempty"`
}

type EditMessage struct {
	kindBase
	MessageID int64 `cbor:"mid"`
	ChatID    int64 `cbor:"cid"`
}

type DeleteMessages struct {
	kindBase
	MessageIDs []int64 `cbor:"mids"`
	ChatID     int64   `cbor:"cid"`
}

type ReactionAdded struct {
	kindBase
	MessageID int64  `cbor:"mid"`
	ChatID    int64  `cbor:"cid"`
	UserID    int64  `cbor:"uid"`
	Emoji     string `cbor:"emoji"`
}

type ReactionRemoved struct {
	kindBase
	MessageID int64  `cbor:"mid"`
	ChatID    int64  `cbor:"cid"`
	UserID    int64  `cbor:"uid"`
	Emoji     string `cbor:"emoji"`
}

// ReadMaxIDAdvanced 已读指针前移（落在用户 bucket）
type ReadMaxIDAdvanced struct {
	kindBase
	ChatID      int64 `cbor:"cid"`
	ReadMaxID   int64 `cbor:"max"`
	UnreadCount int32 `cbor:"unread"`
}

type MarkedUnread struct {
	kindBase
	ChatID int64 `cbor:"cid"`
	Unread bool  `cbor:"unread"`
}

type ParticipantAdded struct {
	kindBase
	ChatID int64 `cbor:"cid"`
	UserID int64 `cbor:"uid"`
}

type ParticipantRemoved struct {
	kindBase
	ChatID int64 `cbor:"cid"`
	UserID int64 `cbor:"uid"`
}

// BucketHasMore 轻量“去拉一下”信号，本身不改本地状态
type BucketHasMore struct {
	kindBase
}

func (NewMessage) KindType() KindType         { return KindNewMessage }
func (EditMessage) KindType() KindType        { return KindEditMessage }
func (DeleteMessages) KindType() KindType     { return KindDeleteMessages }
func (ReactionAdded) KindType() KindType      { return KindReactionAdded }
func (ReactionRemoved) KindType() KindType    { return KindReactionRemoved }
func (ReadMaxIDAdvanced) KindType() KindType  { return KindReadMaxIDAdvanced }
func (MarkedUnread) KindType() KindType       { return KindMarkedUnread }
func (ParticipantAdded) KindType() KindType   { return KindParticipantAdded }
func (ParticipantRemoved) KindType() KindType { return KindParticipantRemoved }
func (BucketHasMore) KindType() KindType      { return KindBucketHasMore }

// EncodeKind 变体 -> (标签, CBOR body)
func EncodeKind(k Kind) (KindType, []byte, error) {
	if k == nil {
		return "", nil, errs.ErrBadRequest.WrapMsg("nil kind")
	}
	body, err := codec.Marshal(k)
	if err != nil {
		return "", nil, errs.WrapMsg(err, "encode kind", "kind", k.KindType())
	}
	return k.KindType(), body, nil
}

// DecodeKind (标签, CBOR body) -> 变体；未知标签返回 BadRequest
func DecodeKind(t KindType, body []byte) (Kind, error) {
	var (
		k   Kind
		err error
	)
	switch t {
	case KindNewMessage:
		k, err = decodeAs[NewMessage](body)
	case KindEditMessage:
		k, err = decodeAs[EditMessage](body)
	case KindDeleteMessages:
		k, err = decodeAs[DeleteMessages](body)
	case KindReactionAdded:
		k, err = decodeAs[ReactionAdded](body)
	case KindReactionRemoved:
		k, err = decodeAs[ReactionRemoved](body)
	case KindReadMaxIDAdvanced:
		k, err = decodeAs[ReadMaxIDAdvanced](body)
	case KindMarkedUnread:
		k, err = decodeAs[MarkedUnread](body)
	case KindParticipantAdded:
		k, err = decodeAs[ParticipantAdded](body)
	case KindParticipantRemoved:
		k, err = decodeAs[ParticipantRemoved](body)
	case KindBucketHasMore:
		k = BucketHasMore{}
	default:
		return nil, errs.ErrBadRequest.WrapMsg("unknown update kind", "kind", t)
	}
	if err != nil {
		return nil, err
	}
	return k, nil
}

func decodeAs[T Kind](body []byte) (Kind, error) {
	var v T
	if len(body) == 0 {
		return v, nil
	}
	if err := codec.Unmarshal(body, &v); err != nil {
		return nil, errs.ErrBadRequest.WrapMsg("decode kind body", "err", err)
	}
	return v, nil
}
