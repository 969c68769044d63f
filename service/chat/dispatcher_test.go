package chat

import (
	"context"
	"errors"
	"testing"

	"PSync/tools/codec"
	"PSync/tools/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatch(t *testing.T) {
	d := NewDispatcher()
	d.Register("echo", func(rc *RPCContext, in codec.RawMessage) (any, error) {
		return rc.UserID, nil
	})
	out, err := d.Dispatch(&RPCContext{Ctx: context.Background(), UserID: 5}, "echo", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(5), out)

	_, err = d.Dispatch(&RPCContext{Ctx: context.Background()}, "nope", nil)
	assert.True(t, errors.Is(err, errs.ErrBadRequest))
}
