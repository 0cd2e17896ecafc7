package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"montage/internal/retry"
	"montage/internal/services"
)

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	policy := retry.Policy{MaxAttempts: 4, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, Multiplier: 2}
	err := policy.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return services.Wrap(services.ErrTransient, "download", "fetch", "connection reset", nil)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnFatalError(t *testing.T) {
	calls := 0
	policy := retry.Policy{MaxAttempts: 5, InitialBackoff: time.Millisecond}
	err := policy.Do(context.Background(), func(context.Context) error {
		calls++
		return services.Wrap(services.ErrValidation, "template", "compose", "unknown template", nil)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, errors.Is(err, services.ErrValidation))
	assert.False(t, errors.Is(err, retry.ErrExhausted))
}

func TestDoReportsExhaustion(t *testing.T) {
	boom := errors.New("upstream 503")
	var notified []int
	policy := retry.Fixed(3, time.Millisecond)
	err := policy.DoNotify(context.Background(), func(context.Context) error { return boom }, func(a retry.Attempt) {
		notified = append(notified, a.Number)
		assert.Equal(t, time.Millisecond, a.Delay)
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, retry.ErrExhausted)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []int{1, 2}, notified)
}

func TestDoHonoursContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	policy := retry.Fixed(10, 50*time.Millisecond)
	err := policy.DoNotify(ctx, func(context.Context) error {
		calls++
		return errors.New("busy")
	}, func(retry.Attempt) { cancel() })
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDoNeverRetriesContextErrors(t *testing.T) {
	calls := 0
	err := retry.Fixed(5, time.Millisecond).Do(context.Background(), func(context.Context) error {
		calls++
		return context.DeadlineExceeded
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, calls)
}

func TestEncodeErrorClassesDriveRetry(t *testing.T) {
	calls := 0
	policy := retry.Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond}
	err := policy.Do(context.Background(), func(context.Context) error {
		calls++
		return &services.EncodeError{Class: services.EncodeClassFilterConflict, Err: errors.New("exit 1")}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "filter conflicts are deterministic and must not be retried")

	calls = 0
	err = policy.Do(context.Background(), func(context.Context) error {
		calls++
		return &services.EncodeError{Class: services.EncodeClassTimeout, Err: errors.New("killed")}
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}
