package server

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/Tyrowin/floorsync/internal/presence"
)

// stubDispatcher records events and answers with resp.
type stubDispatcher struct {
	events []presence.Event
	resp   presence.Response
}

func (d *stubDispatcher) Dispatch(_ context.Context, ev presence.Event) presence.Response {
	d.events = append(d.events, ev)
	return d.resp
}

func newObservedClient(t *testing.T, dispatcher Dispatcher) (*Client, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	hub := NewHub(zap.New(core))
	client := NewClient("a", nil, hub, dispatcher, "127.0.0.1:1")
	hub.reserve(client)
	return client, logs
}

func TestClientHandleReadError(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantLog string
	}{
		{name: "read limit", err: websocket.ErrReadLimit, wantLog: "Frame exceeded maximum size"},
		{name: "eof", err: io.EOF, wantLog: "Client connection closed"},
		{name: "normal close", err: &websocket.CloseError{Code: websocket.CloseNormalClosure}, wantLog: "Client disconnected"},
		{name: "closed network connection", err: errors.New("use of closed network connection"), wantLog: "Client connection closed"},
		{name: "other", err: errors.New("boom"), wantLog: "WebSocket read error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, logs := newObservedClient(t, &stubDispatcher{})
			assert.True(t, client.handleReadError(tt.err))
			assert.Equal(t, 1, logs.FilterMessage(tt.wantLog).Len(), "logs: %v", logs.All())
		})
	}

	client, _ := newObservedClient(t, &stubDispatcher{})
	assert.False(t, client.handleReadError(nil))
}

func TestClientProcessFrameDispatches(t *testing.T) {
	dispatcher := &stubDispatcher{resp: presence.Response{StatusCode: 200}}
	client, _ := newObservedClient(t, dispatcher)

	raw := []byte(`{"action":"refreshUserCount","floorCode":"F1"}`)
	require.True(t, client.processFrame(raw))

	require.Len(t, dispatcher.events, 1)
	assert.Equal(t, presence.Event{
		Kind:         presence.EventRefreshUserCount,
		ConnectionID: "a",
		Body:         string(raw),
	}, dispatcher.events[0])

	select {
	case msg := <-client.GetSendChan():
		t.Fatalf("unexpected reply %s", msg)
	default:
	}
}

func TestClientProcessFrameEchoesErrors(t *testing.T) {
	dispatcher := &stubDispatcher{resp: presence.Response{
		StatusCode: 400,
		Body:       presence.ErrorBody{Error: "malformed input: missing floorCode"},
	}}
	client, _ := newObservedClient(t, dispatcher)

	assert.False(t, client.processFrame([]byte(`{"action":"sendMessage"}`)))
	assert.JSONEq(t, `{"error":"malformed input: missing floorCode"}`, string(<-client.GetSendChan()))
}

func TestClientProcessFrameRejectsLifecycleActions(t *testing.T) {
	dispatcher := &stubDispatcher{resp: presence.Response{StatusCode: 200}}
	client, _ := newObservedClient(t, dispatcher)

	for _, action := range []string{"$connect", "$disconnect", "getUserCount", ""} {
		assert.False(t, client.processFrame([]byte(`{"action":"`+action+`"}`)), action)
		assert.Contains(t, string(<-client.GetSendChan()), "unsupported action")
	}
	assert.Empty(t, dispatcher.events)
}

func TestClientCheckRateLimit(t *testing.T) {
	withConfig(t, func(cfg *Config) {
		cfg.RateLimit = RateLimitConfig{Burst: 1, RefillInterval: 1 << 40}
	})
	client, logs := newObservedClient(t, &stubDispatcher{})

	assert.True(t, client.checkRateLimit())
	assert.False(t, client.checkRateLimit())
	assert.Equal(t, 1, logs.FilterMessage("Rate limit exceeded; discarding frame").Len())
}

func TestClientDisconnectDispatches(t *testing.T) {
	dispatcher := &stubDispatcher{resp: presence.Response{StatusCode: 200}}
	client, _ := newObservedClient(t, dispatcher)

	client.disconnect()
	require.Len(t, dispatcher.events, 1)
	assert.Equal(t, presence.EventDisconnect, dispatcher.events[0].Kind)
	assert.Equal(t, "a", dispatcher.events[0].ConnectionID)
}
