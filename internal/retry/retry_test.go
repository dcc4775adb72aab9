package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryer_SucceedsFirstAttempt(t *testing.T) {
	r := New(&Policy{MaxAttempts: 3, InitialDelay: time.Millisecond}, nil)

	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryer_RetriesUntilSuccess(t *testing.T) {
	r := New(&Policy{MaxAttempts: 3, InitialDelay: time.Millisecond}, nil)

	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryer_ExhaustsBudget(t *testing.T) {
	r := New(&Policy{MaxAttempts: 2, InitialDelay: time.Millisecond}, nil)

	wantErr := errors.New("persistent")
	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		return wantErr
	})

	assert.ErrorIs(t, err, wantErr)
	assert.Equal(t, 2, calls)
}

func TestRetryer_ContextCancellation(t *testing.T) {
	r := New(&Policy{MaxAttempts: 5, InitialDelay: time.Hour}, nil)

	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- r.Do(ctx, func() error {
			calls++
			return errors.New("always fails")
		})
	}()

	// 第一次执行后进入等待，取消应立刻返回
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	case <-time.After(time.Second):
		t.Fatal("Do did not return after context cancellation")
	}
}

func TestRetryer_OnRetryCallback(t *testing.T) {
	var attempts []int
	r := New(&Policy{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			attempts = append(attempts, attempt)
		},
	}, nil)

	_ = r.Do(context.Background(), func() error {
		return errors.New("always fails")
	})

	// 首次执行不触发回调
	assert.Equal(t, []int{2, 3}, attempts)
}

func TestRetryer_LinearDelay(t *testing.T) {
	r := New(&Policy{
		MaxAttempts:  5,
		InitialDelay: 100 * time.Millisecond,
		Backoff:      BackoffLinear,
	}, nil)

	assert.Equal(t, 100*time.Millisecond, r.Delay(1))
	assert.Equal(t, 200*time.Millisecond, r.Delay(2))
	assert.Equal(t, 300*time.Millisecond, r.Delay(3))
}

func TestRetryer_ExponentialDelay(t *testing.T) {
	r := New(&Policy{
		MaxAttempts:  5,
		InitialDelay: 100 * time.Millisecond,
		Multiplier:   2.0,
		Backoff:      BackoffExponential,
	}, nil)

	assert.Equal(t, 100*time.Millisecond, r.Delay(1))
	assert.Equal(t, 200*time.Millisecond, r.Delay(2))
	assert.Equal(t, 400*time.Millisecond, r.Delay(3))
}

func TestRetryer_MaxDelayCap(t *testing.T) {
	r := New(&Policy{
		MaxAttempts:  10,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     250 * time.Millisecond,
		Backoff:      BackoffLinear,
	}, nil)

	assert.Equal(t, 250*time.Millisecond, r.Delay(5))
}

func TestRetryer_Jitter(t *testing.T) {
	r := New(&Policy{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		Backoff:      BackoffLinear,
		Jitter:       true,
	}, nil)

	// 抖动范围: [delay/2, delay)
	for i := 0; i < 20; i++ {
		d := r.Delay(2)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.Less(t, d, 200*time.Millisecond)
	}
}

func TestNew_Defaults(t *testing.T) {
	r := New(nil, nil)
	assert.Equal(t, 3, r.policy.MaxAttempts)
	assert.Equal(t, time.Second, r.policy.InitialDelay)

	r = New(&Policy{MaxAttempts: 0, InitialDelay: -1, Multiplier: 0}, nil)
	assert.Equal(t, 1, r.policy.MaxAttempts)
	assert.Equal(t, time.Second, r.policy.InitialDelay)
	assert.Equal(t, 2.0, r.policy.Multiplier)
}
