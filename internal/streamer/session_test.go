package streamer

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/spread_sentinel/internal/models"
	"github.com/eddiefleurent/spread_sentinel/internal/stream"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func recvFrame(t *testing.T, rx *stream.Receiver[string]) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	frame, err := rx.Recv(ctx)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(frame), &out))
	return out
}

func assertEmpty(t *testing.T, rx *stream.Receiver[string]) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := rx.Recv(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAccountSessionHandshake(t *testing.T) {
	out := stream.NewBroadcast[string](stream.AccountCapacity)
	s := NewAccountSession("wss://example", "tok", []string{"5WT0001"}, out, quietLogger())

	frames, err := s.Start()
	require.NoError(t, err)
	require.Len(t, frames, 1)
	var connect map[string]any
	require.NoError(t, json.Unmarshal([]byte(frames[0]), &connect))
	assert.Equal(t, "connect", connect["action"])
	assert.Equal(t, []any{"5WT0001"}, connect["value"])
	assert.Equal(t, "tok", connect["auth-token"])

	assert.False(t, s.IsAlive())
	require.NoError(t, s.HandleResponse([]byte(
		`{"status":"ok","action":"connect","web-socket-session-id":"ws-1","value":["5WT0001"],"request-id":1}`)))
	assert.True(t, s.IsAlive())
	assert.Equal(t, "ws-1", s.SessionID())

	hb, err := s.HeartbeatMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"action":"heartbeat","auth-token":"tok"}`, hb)
	assert.Equal(t, 30*time.Second, s.HeartbeatInterval())
}

func TestAccountSessionRejected(t *testing.T) {
	out := stream.NewBroadcast[string](stream.AccountCapacity)
	s := NewAccountSession("wss://example", "tok", []string{"5WT0001"}, out, quietLogger())

	err := s.HandleResponse([]byte(`{"status":"error","action":"connect"}`))
	require.ErrorIs(t, err, ErrSessionRejected)
	assert.Equal(t, models.StateFailed, s.State())
	assert.False(t, s.IsAlive())
}

func TestAccountSessionHeartbeatStampsReceived(t *testing.T) {
	out := stream.NewBroadcast[string](stream.AccountCapacity)
	s := NewAccountSession("wss://example", "tok", nil, out, quietLogger())

	assert.True(t, s.Status().LastReceived.IsZero())
	require.NoError(t, s.HandleResponse([]byte(`{"status":"ok","action":"heartbeat"}`)))
	assert.False(t, s.Status().LastReceived.IsZero())
}

func TestAccountSessionForwardsPayloads(t *testing.T) {
	out := stream.NewBroadcast[string](stream.AccountCapacity)
	rx := out.Subscribe()
	s := NewAccountSession("wss://example", "tok", nil, out, quietLogger())

	payload := `{"type":"AccountBalance","data":{"account-number":"5WT0001"},"timestamp":1}`
	require.NoError(t, s.HandleResponse([]byte(payload)))
	got := recvFrame(t, rx)
	assert.Equal(t, "AccountBalance", got["type"])

	require.NoError(t, s.HandleResponse([]byte("not json")))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	raw, err := rx.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "not json", raw)
}
