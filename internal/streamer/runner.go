package streamer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/eddiefleurent/spread_sentinel/internal/stream"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1024 * 1024
)

// Runner owns one WebSocket connection and drives one Session over it.
// A fatal error on either side cancels the shared context exactly once.
type Runner struct {
	name       string
	session    Session
	outbox     *stream.Broadcast[string]
	rx         *stream.Receiver[string]
	dialer     *websocket.Dialer
	cancel     context.CancelFunc
	cancelOnce sync.Once
	logger     *logrus.Entry
}

// NewRunner creates a runner. It subscribes to outbox immediately so frames
// queued before Run are written once the connection is up.
func NewRunner(name string, session Session, outbox *stream.Broadcast[string],
	cancel context.CancelFunc, logger *logrus.Logger) *Runner {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Runner{
		name:    name,
		session: session,
		outbox:  outbox,
		rx:      outbox.Subscribe(),
		dialer:  websocket.DefaultDialer,
		cancel:  cancel,
		logger:  logger.WithField("runner", name),
	}
}

// Writer returns the handle used to enqueue outbound frames.
func (r *Runner) Writer() Writer {
	return r.outbox
}

func (r *Runner) fail() {
	r.cancelOnce.Do(r.cancel)
}

// Run connects and processes frames until ctx is done or the session fails.
func (r *Runner) Run(ctx context.Context) error {
	conn, _, err := r.dialer.DialContext(ctx, r.session.URL(), nil)
	if err != nil {
		r.logger.WithError(err).Error("Failed to connect")
		r.fail()
		return fmt.Errorf("%s: dial: %w", r.name, err)
	}
	conn.SetReadLimit(maxMessageSize)
	r.logger.WithField("url", r.session.URL()).Info("Connected")

	frames, err := r.session.Start()
	if err != nil {
		_ = conn.Close()
		r.fail()
		return fmt.Errorf("%s: start: %w", r.name, err)
	}
	for _, f := range frames {
		r.outbox.Send(f)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		_ = conn.Close()
		return nil
	})
	g.Go(func() error { return r.writePump(gctx, conn) })
	g.Go(func() error { return r.readPump(gctx, conn) })
	g.Go(func() error { return r.heartbeat(gctx) })

	err = g.Wait()
	r.rx.Unsubscribe()
	if err != nil {
		return err
	}
	r.logger.Info("Stopped")
	return nil
}

func (r *Runner) writePump(ctx context.Context, conn *websocket.Conn) error {
	for {
		frame, err := r.rx.Recv(ctx)
		var lagged *stream.LaggedError
		switch {
		case errors.As(err, &lagged):
			r.logger.WithField("skipped", lagged.Skipped).Warn("Outbound queue lagged")
			continue
		case errors.Is(err, stream.ErrClosed):
			r.logger.Error("Outbound queue closed")
			r.fail()
			return fmt.Errorf("%s: %w", r.name, err)
		case err != nil:
			return nil
		}

		if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			return r.writeFailed(ctx, err)
		}
		if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
			return r.writeFailed(ctx, err)
		}
		r.session.MarkSent()
	}
}

func (r *Runner) writeFailed(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	r.logger.WithError(err).Error("Write failed")
	r.fail()
	return fmt.Errorf("%s: write: %w", r.name, err)
}

func (r *Runner) readPump(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.logger.WithError(err).Error("Read failed")
			r.fail()
			return fmt.Errorf("%s: read: %w", r.name, err)
		}
		if err := r.session.HandleResponse(msg); err != nil {
			r.logger.WithError(err).Error("Session failed")
			r.fail()
			return fmt.Errorf("%s: %w", r.name, err)
		}
	}
}

// heartbeat enqueues the session's heartbeat frame once the handshake is done.
func (r *Runner) heartbeat(ctx context.Context) error {
	ticker := time.NewTicker(r.session.HeartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !r.session.IsAlive() {
				continue
			}
			frame, err := r.session.HeartbeatMessage()
			if err != nil {
				r.logger.WithError(err).Warn("Failed to build heartbeat")
				continue
			}
			r.outbox.Send(frame)
		}
	}
}
