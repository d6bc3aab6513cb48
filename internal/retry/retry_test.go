package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicy_DelayIsNonDecreasingAndCapped(t *testing.T) {
	t.Parallel()

	for _, factor := range []float64{1, 1.5, 2, 3} {
		p := Policy{InitialDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second, Factor: factor}

		prev := time.Duration(0)
		for attempt := 1; attempt <= 20; attempt++ {
			d := p.Delay(attempt)
			assert.GreaterOrEqual(t, d, prev, "factor=%v attempt=%d", factor, attempt)
			assert.LessOrEqual(t, d, p.MaxDelay, "factor=%v attempt=%d", factor, attempt)
			prev = d
		}
	}
}

func TestPolicy_DelayFormula(t *testing.T) {
	t.Parallel()

	p := Policy{InitialDelay: time.Second, MaxDelay: 10 * time.Second, Factor: 2}

	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 4*time.Second, p.Delay(3))
	assert.Equal(t, 8*time.Second, p.Delay(4))
	assert.Equal(t, 10*time.Second, p.Delay(5))
	assert.Equal(t, time.Second, p.Delay(0), "attempt below 1 is clamped")
}

func TestPolicy_DelayJitterStaysInRange(t *testing.T) {
	t.Parallel()

	p := Policy{InitialDelay: time.Second, MaxDelay: 4 * time.Second, Factor: 2, Jitter: true}
	for i := 0; i < 200; i++ {
		d := p.Delay(3)
		require.GreaterOrEqual(t, d, 2*time.Second)
		require.LessOrEqual(t, d, 4*time.Second)
	}
}

func TestPolicy_NoneHasNoDelay(t *testing.T) {
	t.Parallel()

	p := None()
	assert.Equal(t, 1, p.MaxAttempts)
	assert.Zero(t, p.Delay(3))
}

func TestExecute_RetriesTransientUntilSuccess(t *testing.T) {
	t.Parallel()

	p := Policy{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Factor: 2}

	var retries []int
	calls := 0
	err := p.Execute(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return &StatusError{Code: 503}
		}
		return nil
	}, WithOnRetry(func(err error, attempt int, delay time.Duration) {
		retries = append(retries, attempt)
	}))

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retries)
}

func TestExecute_StopsAtMaxAttempts(t *testing.T) {
	t.Parallel()

	p := Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, Factor: 1}
	boom := &StatusError{Code: 500, Body: "boom"}

	calls := 0
	err := p.Execute(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return boom
	})

	require.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
}

func TestExecute_DoesNotRetryNonRetryable(t *testing.T) {
	t.Parallel()

	p := Policy{MaxAttempts: 5, InitialDelay: time.Millisecond, Factor: 1}

	calls := 0
	err := p.Execute(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return fmt.Errorf("phone number: %w", ErrValidation)
	})

	require.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, 1, calls)
}

func TestExecute_CustomShouldRetryAndMaxAttempts(t *testing.T) {
	t.Parallel()

	p := Policy{MaxAttempts: 2, Factor: 1}

	calls := 0
	err := p.Execute(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return errors.New("anything")
	},
		WithMaxAttempts(4),
		WithShouldRetry(func(err error, attempt int) bool { return true }),
	)

	require.Error(t, err)
	assert.Equal(t, 4, calls)
}

func TestExecute_ContextCanceledDuringSleep(t *testing.T) {
	t.Parallel()

	p := Policy{MaxAttempts: 3, InitialDelay: time.Hour, Factor: 1}

	ctx, cancel := context.WithCancel(context.Background())
	err := p.Execute(ctx, func(ctx context.Context, attempt int) error {
		cancel()
		return &StatusError{Code: 502}
	})

	require.ErrorIs(t, err, context.Canceled)
}

func TestIsRetryable(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"connection refused", &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, true},
		{"dns", &net.DNSError{Err: "no such host", Name: "gw", IsNotFound: true}, true},
		{"deadline", context.DeadlineExceeded, true},
		{"500", &StatusError{Code: 500}, true},
		{"503 wrapped", fmt.Errorf("send: %w", &StatusError{Code: 503}), true},
		{"429", &StatusError{Code: 429}, true},
		{"400", &StatusError{Code: 400}, false},
		{"validation", ErrValidation, false},
		{"canceled", context.Canceled, false},
		{"plain", errors.New("weird"), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsRetryable(tc.err, 1))
		})
	}
}
