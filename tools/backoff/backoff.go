// Package backoff 指数退避 + 抖动，服务端重试与客户端补拉共用。
// 底层是 cenkalti/backoff 的 ExponentialBackOff，这里只固定参数与调用形态。
package backoff

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	defaultBase = 200 * time.Millisecond
	defaultMax  = 30 * time.Second
)

type Policy struct {
	Base     time.Duration // 首次等待
	Max      time.Duration // 间隔上限（<=0 用 30s）
	MaxShift int           // 最多翻倍次数
	Jitter   float64       // 抖动比例 0~1，实际等待落在 [d*(1-Jitter), d*(1+Jitter)]
}

func Default() Policy {
	return Policy{Base: defaultBase, Max: defaultMax, MaxShift: 16, Jitter: 0.2}
}

// NewBackOff 按策略构造一个从头开始的 ExponentialBackOff（不限总时长）
func (p Policy) NewBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Base
	if b.InitialInterval <= 0 {
		b.InitialInterval = defaultBase
	}
	b.MaxInterval = p.Max
	if b.MaxInterval <= 0 {
		b.MaxInterval = defaultMax
	}
	b.Multiplier = 2
	b.RandomizationFactor = clamp01(p.Jitter)
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Delay 第 attempt 次（从 0 起）重试前的等待：base*2^attempt，封顶后加抖动
func (p Policy) Delay(attempt int) time.Duration {
	shift := p.MaxShift
	if shift <= 0 {
		shift = 16
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt > shift {
		attempt = shift
	}
	b := p.NewBackOff()
	d := b.NextBackOff()
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// Sleep 可被 ctx 打断的等待
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Retry 最多 attempts 次；retryable 为 false 的错误立即返回，ctx 结束返回 ctx 的错误
func Retry(ctx context.Context, p Policy, attempts int, retryable func(error) bool, fn func(attempt int) error) error {
	attempt := 0
	op := func() error {
		err := fn(attempt)
		attempt++
		if err != nil && retryable != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	var b backoff.BackOff = p.NewBackOff()
	if attempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(attempts-1))
	}
	return backoff.Retry(op, backoff.WithContext(b, ctx))
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}
