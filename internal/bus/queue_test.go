package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueuePublishAndRun(t *testing.T) {
	q := NewQueue[int](2)

	require.NoError(t, q.TryPublish(1))
	require.NoError(t, q.TryPublish(2))
	require.ErrorIs(t, q.TryPublish(3), ErrQueueFull)
	assert.Equal(t, uint64(1), q.Dropped())
	assert.Equal(t, 2, q.Len())

	q.Close()
	q.Close()
	require.ErrorIs(t, q.TryPublish(4), ErrQueueClosed)

	var got []int
	q.Run(context.Background(), func(v int) { got = append(got, v) })
	assert.Equal(t, []int{1, 2}, got)
}

func TestQueueRunStopsOnContext(t *testing.T) {
	q := NewQueue[string](1)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		q.Run(ctx, func(string) {})
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("run did not return after cancel")
	}
}
