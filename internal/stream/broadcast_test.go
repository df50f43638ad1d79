package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcast_FanOut(t *testing.T) {
	b := NewBroadcast[string](4)
	r1 := b.Subscribe()
	r2 := b.Subscribe()

	assert.Equal(t, 2, b.Send("hello"))

	ctx := context.Background()
	for _, r := range []*Receiver[string]{r1, r2} {
		v, err := r.Recv(ctx)
		require.NoError(t, err)
		assert.Equal(t, "hello", v)
	}
}

func TestBroadcast_DropOldestAndReportLag(t *testing.T) {
	b := NewBroadcast[int](2)
	r := b.Subscribe()

	for i := 1; i <= 5; i++ {
		b.Send(i)
	}

	ctx := context.Background()
	_, err := r.Recv(ctx)
	var lagged *LaggedError
	require.True(t, errors.As(err, &lagged), "expected lag error, got %v", err)
	assert.Equal(t, uint64(3), lagged.Skipped)

	v, err := r.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, v)
	v, err = r.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, v)
}

func TestBroadcast_SendWithoutReceivers(t *testing.T) {
	b := NewBroadcast[int](1)
	assert.Equal(t, 0, b.Send(1))
}

func TestBroadcast_CloseDrainsThenErrors(t *testing.T) {
	b := NewBroadcast[string](4)
	r := b.Subscribe()
	b.Send("last")
	b.Close()

	ctx := context.Background()
	v, err := r.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "last", v)

	_, err = r.Recv(ctx)
	assert.ErrorIs(t, err, ErrClosed)

	assert.Equal(t, 0, b.Send("ignored"))
	_, err = b.Subscribe().Recv(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestBroadcast_RecvHonoursContext(t *testing.T) {
	b := NewBroadcast[string](1)
	r := b.Subscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := r.Recv(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBroadcast_Unsubscribe(t *testing.T) {
	b := NewBroadcast[string](1)
	r := b.Subscribe()
	r.Unsubscribe()

	assert.Equal(t, 0, b.Receivers())
	_, err := r.Recv(context.Background())
	assert.ErrorIs(t, err, ErrClosed)

	// Unsubscribe after close is a no-op.
	b.Close()
	r.Unsubscribe()
}
