// Package retry 提供内部重试能力（线性/指数退避 + context 感知等待）。
// This package is internal and should not be imported by external projects.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// Backoff 退避策略
type Backoff int

const (
	// BackoffLinear 线性退避: delay = InitialDelay * attempt
	BackoffLinear Backoff = iota
	// BackoffExponential 指数退避: delay = InitialDelay * Multiplier^(attempt-1)
	BackoffExponential
)

// Policy 定义重试策略配置
type Policy struct {
	// MaxAttempts 总尝试次数（含首次执行，最小为 1）
	MaxAttempts int
	// InitialDelay 初始延迟时间
	InitialDelay time.Duration
	// MaxDelay 最大延迟时间（0 表示不封顶）
	MaxDelay time.Duration
	// Multiplier 指数退避倍增因子
	Multiplier float64
	// Backoff 退避模式
	Backoff Backoff
	// Jitter 是否添加随机抖动（防止雪崩）
	Jitter bool
	// OnRetry 重试回调
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultPolicy 返回默认的重试策略（3 次尝试，线性退避，基础 1s）
func DefaultPolicy() *Policy {
	return &Policy{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		Multiplier:   2.0,
		Backoff:      BackoffLinear,
	}
}

// Retryer 重试器
type Retryer struct {
	policy *Policy
	logger *zap.Logger
}

// New 创建重试器
func New(policy *Policy, logger *zap.Logger) *Retryer {
	if policy == nil {
		policy = DefaultPolicy()
	}
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.InitialDelay <= 0 {
		policy.InitialDelay = 1 * time.Second
	}
	if policy.Multiplier < 1.0 {
		policy.Multiplier = 2.0
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Retryer{policy: policy, logger: logger}
}

// Do 执行函数，失败时根据策略重试。
// 返回最后一次执行的错误；context 取消时立刻返回。
func (r *Retryer) Do(ctx context.Context, fn func() error) error {
	var lastErr error

	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		// 第一次执行不延迟
		if attempt > 1 {
			delay := r.Delay(attempt - 1)

			r.logger.Debug("retrying",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", r.policy.MaxAttempts),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)

			if r.policy.OnRetry != nil {
				r.policy.OnRetry(attempt, lastErr, delay)
			}

			// 等待延迟，同时监听 context 取消
			select {
			case <-ctx.Done():
				return fmt.Errorf("retry cancelled: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		if lastErr = fn(); lastErr == nil {
			return nil
		}
	}

	return lastErr
}

// Delay 计算第 n 次失败后的等待时间（n 从 1 开始）
func (r *Retryer) Delay(n int) time.Duration {
	var delay time.Duration
	switch r.policy.Backoff {
	case BackoffExponential:
		delay = time.Duration(float64(r.policy.InitialDelay) * math.Pow(r.policy.Multiplier, float64(n-1)))
	default:
		delay = r.policy.InitialDelay * time.Duration(n)
	}

	if r.policy.MaxDelay > 0 && delay > r.policy.MaxDelay {
		delay = r.policy.MaxDelay
	}

	// 抖动范围: [delay/2, delay)
	if r.policy.Jitter && delay > 0 {
		delay = delay/2 + time.Duration(rand.Int63n(int64(delay/2)))
	}

	return delay
}
