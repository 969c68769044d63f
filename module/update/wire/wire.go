// Package wire 客户端与网关之间的帧格式（WebSocket 二进制 CBOR），HTTP 接口复用同一组结构的 JSON 形式。
package wire

import (
	"time"

	"PSync/module/update/model"
	"PSync/tools/codec"
	"PSync/tools/errs"
)

// 客户端 -> 服务端
const (
	KindConnectionInit = "connection_init"
	KindRPCCall        = "rpc_call"
	KindPing           = "ping"
)

// 服务端 -> 客户端
const (
	KindConnectionOpen  = "connection_open"
	KindConnectionError = "connection_error"
	KindRPCResult       = "rpc_result"
	KindRPCError        = "rpc_error"
	KindPush            = "push"
	KindPong            = "pong"
)

// RPC 方法
const (
	MethodGetUpdates        = "getUpdates"
	MethodGetChangedBuckets = "getChangedBuckets"
	MethodPing              = "ping"
)

type ClientMessage struct {
	ID   uint64           `cbor:"id"`
	Kind string           `cbor:"kind"`
	Body codec.RawMessage `cbor:"body,omitempty"`
}

type ServerMessage struct {
	ID   uint64           `cbor:"id"`
	Kind string           `cbor:"kind"`
	Body codec.RawMessage `cbor:"body,omitempty"`
}

type ConnectionInit struct {
	Token string `cbor:"token"`
}

type RPCCall struct {
	Method string           `cbor:"method"`
	Input  codec.RawMessage `cbor:"input,omitempty"`
}

type Ping struct {
	Nonce uint64 `cbor:"nonce"`
}

type ConnectionError struct {
	Code int    `cbor:"code"`
	Msg  string `cbor:"msg"`
}

type RPCResult struct {
	ReqID  uint64           `cbor:"req_id"`
	Result codec.RawMessage `cbor:"result,omitempty"`
}

type RPCError struct {
	ReqID uint64 `cbor:"req_id"`
	Code  int    `cbor:"code"`
	Msg   string `cbor:"msg"`
}

type Push struct {
	Updates []UpdateFrame `cbor:"updates"`
}

// UpdateFrame 一条更新在线上的形态，按接收者视角填 Peer
type UpdateFrame struct {
	BucketType model.BucketType `json:"bucket_type" cbor:"bucket_type"`
	EntityID   int64            `json:"entity_id" cbor:"entity_id"`
	Seq        int64            `json:"seq" cbor:"seq"`
	Date       int64            `json:"date" cbor:"date"` // unix ms
	Peer       model.PeerRef    `json:"peer" cbor:"peer"`
	Kind       model.KindType   `json:"kind" cbor:"kind"`
	Body       []byte           `json:"body,omitempty" cbor:"body,omitempty"`
	Payload    []byte           `json:"payload,omitempty" cbor:"payload,omitempty"`
}

func FrameOf(u model.Update, peer model.PeerRef, payload []byte) (UpdateFrame, error) {
	tag, body, err := model.EncodeKind(u.Kind)
	if err != nil {
		return UpdateFrame{}, err
	}
	return UpdateFrame{
		BucketType: u.Bucket.Type,
		EntityID:   u.Bucket.EntityID,
		Seq:        u.Seq,
		Date:       u.Date.UnixMilli(),
		Peer:       peer,
		Kind:       tag,
		Body:       body,
		Payload:    payload,
	}, nil
}

func (f UpdateFrame) Key() model.BucketKey {
	return model.BucketKey{Type: f.BucketType, EntityID: f.EntityID}
}

// Update 还原为领域对象；Peer/Payload 由调用方另取
func (f UpdateFrame) Update() (model.Update, error) {
	k, err := model.DecodeKind(f.Kind, f.Body)
	if err != nil {
		return model.Update{}, err
	}
	return model.Update{Bucket: f.Key(), Seq: f.Seq, Date: time.UnixMilli(f.Date).UTC(), Kind: k}, nil
}

type GetUpdatesInput struct {
	BucketType model.BucketType `json:"bucket_type" cbor:"bucket_type" form:"bucket_type"`
	EntityID   int64            `json:"entity_id" cbor:"entity_id" form:"entity_id"`
	StartSeq   int64            `json:"start_seq" cbor:"start_seq" form:"start_seq"`
	TotalLimit int              `json:"total_limit" cbor:"total_limit" form:"total_limit"`
}

const (
	ResultOK      = "OK"
	ResultTooLong = "TOO_LONG"
)

type GetUpdatesOutput struct {
	Updates    []UpdateFrame `json:"updates" cbor:"updates"`
	NextSeq    int64         `json:"next_seq" cbor:"next_seq"`
	Final      bool          `json:"final" cbor:"final"`
	ResultType string        `json:"result_type" cbor:"result_type"`
	HeadSeq    int64         `json:"head_seq" cbor:"head_seq"`
}

type GetChangedBucketsInput struct {
	Since int64 `json:"since" cbor:"since" form:"since"` // unix ms，0 表示首次
}

type BucketRefFrame struct {
	BucketType model.BucketType `json:"bucket_type" cbor:"bucket_type"`
	EntityID   int64            `json:"entity_id" cbor:"entity_id"`
	HeadSeq    int64            `json:"head_seq" cbor:"head_seq"`
	UpdatedAt  int64            `json:"updated_at" cbor:"updated_at"`
}

type GetChangedBucketsOutput struct {
	Buckets   []BucketRefFrame `json:"buckets" cbor:"buckets"`
	Watermark int64            `json:"watermark" cbor:"watermark"`
}

func (b BucketRefFrame) Key() model.BucketKey {
	return model.BucketKey{Type: b.BucketType, EntityID: b.EntityID}
}

// Encode 组装一帧
func Encode(id uint64, kind string, body any) ([]byte, error) {
	msg := ServerMessage{ID: id, Kind: kind}
	if body != nil {
		raw, err := codec.Marshal(body)
		if err != nil {
			return nil, errs.WrapMsg(err, "encode body", "kind", kind)
		}
		msg.Body = raw
	}
	return codec.Marshal(msg)
}

// EncodeClient 客户端发帧
func EncodeClient(id uint64, kind string, body any) ([]byte, error) {
	msg := ClientMessage{ID: id, Kind: kind}
	if body != nil {
		raw, err := codec.Marshal(body)
		if err != nil {
			return nil, errs.WrapMsg(err, "encode body", "kind", kind)
		}
		msg.Body = raw
	}
	return codec.Marshal(msg)
}

// DecodeBody 解 body，失败统一为 BadRequest
func DecodeBody(raw codec.RawMessage, out any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := codec.Unmarshal(raw, out); err != nil {
		return errs.ErrBadRequest.WrapMsg("decode body", "err", err)
	}
	return nil
}
