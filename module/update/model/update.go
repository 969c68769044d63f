package model

import "time"

// Update 原子变更单元；seq 在 Bucket 内从 1 开始严格递增
type Update struct {
	Bucket BucketKey
	Seq    int64
	Date   time.Time
	Kind   Kind
}

// PeerKind 接收方视角下的“对方”类型
type PeerKind int8

const (
	PeerNone  PeerKind = 0
	PeerUser  PeerKind = 1
	PeerChat  PeerKind = 2
	PeerSpace PeerKind = 3
)

// PeerRef 接收方视角：私聊里对方是 user，群里是 chat 本身
type PeerRef struct {
	Kind PeerKind `json:"kind" cbor:"k"`
	ID   int64    `json:"id" cbor:"i"`
}

// Recipient 更新组里的一个接收者及其视角
type Recipient struct {
	UserID int64
	Peer   PeerRef
}

// DefaultPeer 非私聊场景下的共享视角
func DefaultPeer(key BucketKey) PeerRef {
	switch key.Type {
	case BucketChat:
		return PeerRef{Kind: PeerChat, ID: key.EntityID}
	case BucketSpace:
		return PeerRef{Kind: PeerSpace, ID: key.EntityID}
	case BucketUser:
		return PeerRef{Kind: PeerUser, ID: key.EntityID}
	}
	return PeerRef{}
}

// Source 应用来源：live 推送 or catchup 补拉
type Source int8

const (
	SourceLive    Source = 1
	SourceCatchup Source = 2
)

func (s Source) String() string {
	if s == SourceLive {
		return "live"
	}
	return "catchup"
}
