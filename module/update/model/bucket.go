package model

import (
	"strconv"
	"strings"
	"time"

	"PSync/tools/errs"
)

// BucketType 排序作用域：一个会话 / 一个用户 / 一个空间各自一条日志
type BucketType int32

const (
	BucketChat  BucketType = 1
	BucketUser  BucketType = 2
	BucketSpace BucketType = 3
)

func (t BucketType) Valid() bool { return t >= BucketChat && t <= BucketSpace }

func (t BucketType) String() string {
	switch t {
	case BucketChat:
		return "chat"
	case BucketUser:
		return "user"
	case BucketSpace:
		return "space"
	default:
		return "unknown(" + strconv.Itoa(int(t)) + ")"
	}
}

func ParseBucketType(s string) (BucketType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "chat", "1":
		return BucketChat, nil
	case "user", "2":
		return BucketUser, nil
	case "space", "3":
		return BucketSpace, nil
	}
	return 0, errs.ErrBadRequest.WrapMsg("unknown bucket type", "type", s)
}

// BucketKey (bucketType, entityId)
type BucketKey struct {
	Type     BucketType `json:"bucket_type" cbor:"t"`
	EntityID int64      `json:"entity_id" cbor:"e"`
}

func ChatBucket(chatID int64) BucketKey   { return BucketKey{Type: BucketChat, EntityID: chatID} }
func UserBucket(userID int64) BucketKey   { return BucketKey{Type: BucketUser, EntityID: userID} }
func SpaceBucket(spaceID int64) BucketKey { return BucketKey{Type: BucketSpace, EntityID: spaceID} }

func (k BucketKey) String() string {
	return k.Type.String() + ":" + strconv.FormatInt(k.EntityID, 10)
}

func (k BucketKey) Validate() error {
	if !k.Type.Valid() {
		return errs.ErrBadRequest.WrapMsg("invalid bucket type", "type", int32(k.Type))
	}
	if k.EntityID <= 0 {
		switch k.Type {
		case BucketChat:
			return errs.ErrInvalidChatID.WrapMsg("entity id must be positive", "id", k.EntityID)
		case BucketUser:
			return errs.ErrInvalidUserID.WrapMsg("entity id must be positive", "id", k.EntityID)
		default:
			return errs.ErrInvalidSpaceID.WrapMsg("entity id must be positive", "id", k.EntityID)
		}
	}
	return nil
}

// ParseBucketKey 解析 "chat:42"
func ParseBucketKey(s string) (BucketKey, error) {
	typ, id, ok := strings.Cut(s, ":")
	if !ok {
		return BucketKey{}, errs.ErrBadRequest.WrapMsg("bad bucket key", "key", s)
	}
	bt, err := ParseBucketType(typ)
	if err != nil {
		return BucketKey{}, err
	}
	eid, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return BucketKey{}, errs.ErrBadRequest.WrapMsg("bad entity id", "key", s)
	}
	k := BucketKey{Type: bt, EntityID: eid}
	return k, k.Validate()
}

// BucketRef getChangedBuckets 返回项
type BucketRef struct {
	Key       BucketKey `json:"key" cbor:"k"`
	HeadSeq   int64     `json:"head_seq" cbor:"h"`
	UpdatedAt time.Time `json:"updated_at" cbor:"u"`
}
