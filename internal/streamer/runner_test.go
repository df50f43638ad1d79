package streamer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/spread_sentinel/internal/stream"
)

var upgrader = websocket.Upgrader{}

// wsServer runs handle for every connection and returns the ws:// URL.
func wsServer(t *testing.T, handle func(conn *websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestRunnerCancelsOnRejectedSession(t *testing.T) {
	url := wsServer(t, func(conn *websocket.Conn) {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if strings.Contains(string(msg), `"connect"`) {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"status":"error","action":"connect"}`))
		}
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	var cancels atomic.Int32
	outbox := stream.NewBroadcast[string](stream.OutboundCapacity)
	account := stream.NewBroadcast[string](stream.AccountCapacity)
	session := NewAccountSession(url, "tok", []string{"5WT0001"}, account, quietLogger())
	runner := NewRunner("account", session, outbox, func() { cancels.Add(1) }, quietLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := runner.Run(ctx)
	require.ErrorIs(t, err, ErrSessionRejected)
	assert.Equal(t, int32(1), cancels.Load())
}

func TestRunnerDXLinkHandshakeAndFeed(t *testing.T) {
	received := make(chan string, 16)
	url := wsServer(t, func(conn *websocket.Conn) {
		reply := func(s string) { _ = conn.WriteMessage(websocket.TextMessage, []byte(s)) }
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			frame := string(msg)
			received <- frame
			switch {
			case strings.Contains(frame, `"SETUP"`):
				reply(`{"type":"SETUP","channel":0,"version":"1.0"}`)
				reply(`{"type":"AUTH_STATE","channel":0,"state":"UNAUTHORIZED"}`)
			case strings.Contains(frame, `"AUTH"`):
				reply(`{"type":"AUTH_STATE","channel":0,"state":"AUTHORIZED"}`)
			case strings.Contains(frame, `"CHANNEL_REQUEST"`):
				reply(`{"type":"CHANNEL_OPENED","channel":1,"service":"FEED"}`)
			case strings.Contains(frame, `"FEED_SUBSCRIPTION"`):
				reply(`{"type":"FEED_DATA","channel":1,"data":[{"eventType":"Quote","eventSymbol":"SPY","bidPrice":1,"askPrice":1.2}]}`)
			}
		}
	})

	outbox := stream.NewBroadcast[string](stream.OutboundCapacity)
	md := stream.NewBroadcast[string](stream.MarketDataCapacity)
	feed := md.Subscribe()
	session := NewMarketDataSession(url, "quote-token", outbox, md, quietLogger())
	require.NoError(t, session.Subscribe([]string{"SPY"}, []string{"Quote"}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var cancels atomic.Int32
	runner := NewRunner("market-data", session, outbox, func() { cancels.Add(1) }, quietLogger())

	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()

	frame, err := feed.Recv(ctx)
	require.NoError(t, err)
	assert.Contains(t, frame, `"FEED_DATA"`)
	assert.True(t, session.IsAlive())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop after cancellation")
	}
	assert.Zero(t, cancels.Load())

	var order []string
	for len(received) > 0 {
		f := <-received
		switch {
		case strings.Contains(f, `"SETUP"`):
			order = append(order, "SETUP")
		case strings.Contains(f, `"AUTH"`):
			order = append(order, "AUTH")
		case strings.Contains(f, `"CHANNEL_REQUEST"`):
			order = append(order, "CHANNEL_REQUEST")
		case strings.Contains(f, `"FEED_SUBSCRIPTION"`):
			order = append(order, "FEED_SUBSCRIPTION")
		}
	}
	assert.Equal(t, []string{"SETUP", "AUTH", "CHANNEL_REQUEST", "FEED_SUBSCRIPTION"}, order)
}

func TestRunnerDialFailureCancels(t *testing.T) {
	var cancels atomic.Int32
	outbox := stream.NewBroadcast[string](stream.OutboundCapacity)
	session := NewAccountSession("ws://127.0.0.1:1", "tok", nil,
		stream.NewBroadcast[string](stream.AccountCapacity), quietLogger())
	runner := NewRunner("account", session, outbox, func() { cancels.Add(1) }, quietLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.Error(t, runner.Run(ctx))
	assert.Equal(t, int32(1), cancels.Load())
}
