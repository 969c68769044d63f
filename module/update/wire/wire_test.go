package wire

import (
	"testing"
	"time"

	"PSync/module/update/model"
	"PSync/tools/codec"
	"PSync/tools/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameCarriesViewpoint(t *testing.T) {
	u := model.Update{Bucket: model.ChatBucket(3), Seq: 8, Date: time.UnixMilli(1_700_000_000_001).UTC(),
		Kind: model.ReactionAdded{MessageID: 1, ChatID: 3, UserID: 2, Emoji: "+1"}}
	peer := model.PeerRef{Kind: model.PeerUser, ID: 9}
	f, err := FrameOf(u, peer, []byte{1})
	require.NoError(t, err)
	assert.Equal(t, model.ChatBucket(3), f.Key())
	assert.Equal(t, peer, f.Peer)

	back, err := f.Update()
	require.NoError(t, err)
	assert.Equal(t, u, back)
}

func TestPushFrameDecodes(t *testing.T) {
	f, err := FrameOf(model.Update{Bucket: model.UserBucket(1), Seq: 1, Date: time.UnixMilli(5), Kind: model.BucketHasMore{}},
		model.PeerRef{Kind: model.PeerUser, ID: 1}, nil)
	require.NoError(t, err)
	raw, err := Encode(0, KindPush, Push{Updates: []UpdateFrame{f}})
	require.NoError(t, err)

	var msg ServerMessage
	require.NoError(t, codec.Unmarshal(raw, &msg))
	assert.Equal(t, KindPush, msg.Kind)
	var p Push
	require.NoError(t, DecodeBody(msg.Body, &p))
	require.Len(t, p.Updates, 1)
	assert.Equal(t, model.KindBucketHasMore, p.Updates[0].Kind)
}

func TestDecodeBodyBadRequest(t *testing.T) {
	var in GetUpdatesInput
	err := DecodeBody(codec.RawMessage{0xff, 0x00}, &in)
	assert.ErrorIs(t, err, errs.ErrBadRequest)
}
