package backoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDelayGrowsAndCaps(t *testing.T) {
	p := Policy{Base: 10 * time.Millisecond, Max: 100 * time.Millisecond}
	assert.Equal(t, 10*time.Millisecond, p.Delay(0))
	assert.Equal(t, 40*time.Millisecond, p.Delay(2))
	assert.Equal(t, 100*time.Millisecond, p.Delay(10))
	assert.Equal(t, 100*time.Millisecond, p.Delay(1000))
}

func TestDelayJitterWithinBounds(t *testing.T) {
	p := Policy{Base: 100 * time.Millisecond, Max: time.Second, Jitter: 0.5}
	for i := 0; i < 200; i++ {
		d := p.Delay(1)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.LessOrEqual(t, d, 300*time.Millisecond)
	}
}

func TestRetryStopsOnPermanent(t *testing.T) {
	permanent := errors.New("permanent")
	calls := 0
	err := Retry(context.Background(), Policy{Base: time.Millisecond}, 5,
		func(err error) bool { return !errors.Is(err, permanent) },
		func(int) error { calls++; return permanent })
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestRetryEventuallySucceeds(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), Policy{Base: time.Millisecond}, 3, nil, func(attempt int) error {
		calls++
		if attempt < 2 {
			return errors.New("transient")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryGivesUpAfterAttempts(t *testing.T) {
	calls := 0
	transient := errors.New("transient")
	err := Retry(context.Background(), Policy{Base: time.Millisecond, Max: 2 * time.Millisecond}, 4, nil,
		func(int) error { calls++; return transient })
	assert.ErrorIs(t, err, transient)
	assert.Equal(t, 4, calls)
}

func TestRetryStopsWhenContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Retry(ctx, Policy{Base: time.Hour}, 10, nil, func(int) error {
		calls++
		cancel()
		return errors.New("transient")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
