package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffNext(t *testing.T) {
	b := Backoff{Min: 100 * time.Millisecond, Max: time.Second, Factor: 2}

	assert.Equal(t, 100*time.Millisecond, b.Next(0))
	assert.Equal(t, 100*time.Millisecond, b.Next(1))
	assert.Equal(t, 200*time.Millisecond, b.Next(2))
	assert.Equal(t, 800*time.Millisecond, b.Next(4))
	assert.Equal(t, time.Second, b.Next(5))
	assert.Equal(t, time.Second, b.Next(50))

	b.Jitter = 0.5
	for i := 0; i < 100; i++ {
		wait := b.Next(2)
		assert.GreaterOrEqual(t, wait, 100*time.Millisecond)
		assert.LessOrEqual(t, wait, 300*time.Millisecond)
	}
}

func TestBackoffRetry(t *testing.T) {
	b := Backoff{Min: time.Millisecond, Max: time.Millisecond, Attempts: 3}

	calls := 0
	err := b.retry(context.Background(), "subscribe", func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("busy")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = b.retry(context.Background(), "subscribe", func(context.Context) error {
		calls++
		return errors.New("down")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	slow := Backoff{Min: time.Hour, Max: time.Hour, Attempts: 2}
	err = slow.retry(ctx, "subscribe", func(context.Context) error { return errors.New("down") })
	require.ErrorIs(t, err, context.Canceled)
}
