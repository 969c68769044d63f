package materialize

import (
	"context"
	"testing"

	"PSync/module/update/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
)

func TestNoopKeepsLength(t *testing.T) {
	out, err := Noop{}.Inflate(context.Background(), 1, make([]model.Update, 3))
	require.NoError(t, err)
	assert.Len(t, out, 3)
}

func TestMongoDegradesWhenNotReady(t *testing.T) {
	m := NewMongo(func() (*mongo.Database, bool) { return nil, false })
	ups := []model.Update{
		{Seq: 1, Kind: model.NewMessage{MessageID: 5}},
		{Seq: 2, Kind: model.MarkedUnread{ChatID: 1}},
	}
	out, err := m.Inflate(context.Background(), 1, ups)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{nil, nil}, out)
}

func TestMessageIDOf(t *testing.T) {
	id, ok := MessageIDOf(model.EditMessage{MessageID: 9})
	assert.True(t, ok)
	assert.Equal(t, int64(9), id)
	_, ok = MessageIDOf(model.DeleteMessages{MessageIDs: []int64{9}})
	assert.False(t, ok)
}
