package security

import (
	"errors"
	"testing"
	"time"

	"PSync/tools/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateVerify(t *testing.T) {
	opts := DefaultOptions([]byte("test-secret"))
	tok, exp, err := Generate(opts, 42)
	require.NoError(t, err)
	assert.True(t, exp.After(time.Now()))

	uid, err := Verify(opts, tok)
	require.NoError(t, err)
	assert.Equal(t, int64(42), uid)
}

func TestVerifyRejects(t *testing.T) {
	opts := DefaultOptions([]byte("test-secret"))
	tok, _, err := Generate(opts, 42)
	require.NoError(t, err)

	_, err = Verify(DefaultOptions([]byte("other")), tok)
	assert.True(t, errors.Is(err, errs.ErrNotAuthenticated))

	_, err = Verify(opts, "")
	assert.True(t, errors.Is(err, errs.ErrNotAuthenticated))

	badAlg := opts
	badAlg.Alg = "RS256"
	_, err = Verify(badAlg, tok)
	assert.Equal(t, errs.BadRequest, errs.Code(err))
}
