// Package stream provides bounded fan-out channels between the streamer
// sessions and their consumers.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Channel capacities used across the application.
const (
	OutboundCapacity   = 100 // frames queued for one WebSocket connection
	MarketDataCapacity = 100 // FEED_DATA frames to the strategy layer
	AccountCapacity    = 50  // account business payloads to the app
)

// ErrClosed is returned by Recv once the broadcast is closed and drained.
var ErrClosed = errors.New("broadcast channel closed")

// LaggedError reports values dropped because the receiver fell behind.
type LaggedError struct {
	Skipped uint64
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("receiver lagged, %d messages skipped", e.Skipped)
}

// Broadcast delivers every sent value to every receiver. Each receiver has a
// fixed capacity; when it is full the oldest value is dropped and the receiver
// is told how many it missed on its next Recv. Send never blocks.
type Broadcast[T any] struct {
	mu        sync.Mutex
	capacity  int
	receivers map[*Receiver[T]]struct{}
	closed    bool
}

// NewBroadcast creates a broadcast with the given per-receiver capacity.
func NewBroadcast[T any](capacity int) *Broadcast[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Broadcast[T]{
		capacity:  capacity,
		receivers: make(map[*Receiver[T]]struct{}),
	}
}

// Subscribe registers a new receiver. Values sent before subscribing are not
// delivered to it.
func (b *Broadcast[T]) Subscribe() *Receiver[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	r := &Receiver[T]{
		ch: make(chan T, b.capacity),
		b:  b,
	}
	if b.closed {
		close(r.ch)
		return r
	}
	b.receivers[r] = struct{}{}
	return r
}

// Send delivers v to every receiver and returns how many receivers got it.
func (b *Broadcast[T]) Send(v T) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0
	}

	for r := range b.receivers {
		select {
		case r.ch <- v:
			continue
		default:
		}
		// Full: drop the oldest value to make room.
		select {
		case <-r.ch:
			r.markLagged()
		default:
		}
		select {
		case r.ch <- v:
		default:
			r.markLagged()
		}
	}
	return len(b.receivers)
}

// Close closes every receiver. Values already queued are still delivered.
func (b *Broadcast[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for r := range b.receivers {
		close(r.ch)
		delete(b.receivers, r)
	}
}

// Receivers returns the number of live receivers.
func (b *Broadcast[T]) Receivers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.receivers)
}

func (b *Broadcast[T]) unsubscribe(r *Receiver[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.receivers[r]; ok {
		delete(b.receivers, r)
		close(r.ch)
	}
}

// Receiver is one consumer of a Broadcast.
type Receiver[T any] struct {
	ch     chan T
	b      *Broadcast[T]
	mu     sync.Mutex
	lagged uint64
}

func (r *Receiver[T]) markLagged() {
	r.mu.Lock()
	r.lagged++
	r.mu.Unlock()
}

// Recv waits for the next value. It returns a *LaggedError once after values
// were dropped, ErrClosed after the broadcast closed and the queue drained, or
// ctx.Err() when ctx is done.
func (r *Receiver[T]) Recv(ctx context.Context) (T, error) {
	var zero T

	r.mu.Lock()
	skipped := r.lagged
	r.lagged = 0
	r.mu.Unlock()
	if skipped > 0 {
		return zero, &LaggedError{Skipped: skipped}
	}

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case v, ok := <-r.ch:
		if !ok {
			return zero, ErrClosed
		}
		return v, nil
	}
}

// Unsubscribe detaches the receiver; pending Recv calls return ErrClosed.
func (r *Receiver[T]) Unsubscribe() {
	r.b.unsubscribe(r)
}
