// Package testhelpers provides common utilities shared by the floorsync tests.
//
// It holds the HTTP and WebSocket helpers used by the end-to-end server tests
// and a recording presence.Sender used by the presence tests.
package testhelpers

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/floorsync/internal/presence"
)

// TestOrigin is the Origin header sent by DialFloor. It is part of the
// default allow-list.
const TestOrigin = "http://localhost:8080"

// MakeRequest creates and executes an HTTP request, returning the response.
// It includes a 5-second timeout and fails the test if the request cannot be
// created or executed successfully.
func MakeRequest(t *testing.T, method, url string) *http.Response {
	t.Helper()

	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	req, err := http.NewRequest(method, url, http.NoBody)
	require.NoError(t, err, "create request")
	req.Header.Set("Origin", TestOrigin)

	resp, err := client.Do(req)
	require.NoError(t, err, "make request")
	return resp
}

// WebSocketURL turns an httptest base URL into the /ws URL for a user joining
// floor.
func WebSocketURL(baseURL, userName, floor string) string {
	q := url.Values{}
	if userName != "" {
		q.Set("userName", userName)
	}
	if floor != "" {
		q.Set("floorCode", floor)
	}
	return "ws" + strings.TrimPrefix(baseURL, "http") + "/ws?" + q.Encode()
}

// DialFloor opens a WebSocket as userName on floor. The handshake response is
// returned so callers can inspect rejected connects.
func DialFloor(baseURL, userName, floor string) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	headers := http.Header{}
	headers.Set("Origin", TestOrigin)

	return dialer.Dial(WebSocketURL(baseURL, userName, floor), headers)
}

// MustDialFloor is DialFloor that fails the test on error and closes the
// socket on cleanup.
func MustDialFloor(t *testing.T, baseURL, userName, floor string) *websocket.Conn {
	t.Helper()
	conn, resp, err := DialFloor(baseURL, userName, floor)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	require.NoError(t, err, "dial %s on %s", userName, floor)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// SendFrame writes frame as a JSON text frame.
func SendFrame(t *testing.T, conn *websocket.Conn, frame any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(frame))
}

// ReadJSON reads the next frame into a generic map, waiting at most timeout.
func ReadJSON(t *testing.T, conn *websocket.Conn, timeout time.Duration) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	var message map[string]any
	require.NoError(t, conn.ReadJSON(&message))
	return message
}

// ReadUntil reads frames until match accepts one, failing after timeout.
// Frames that do not match are discarded.
func ReadUntil(t *testing.T, conn *websocket.Conn, timeout time.Duration, match func(map[string]any) bool) map[string]any {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		var message map[string]any
		require.NoError(t, conn.ReadJSON(&message), "waiting for matching frame")
		if match(message) {
			return message
		}
	}
}

// HasKey matches frames carrying key.
func HasKey(key string) func(map[string]any) bool {
	return func(m map[string]any) bool {
		_, ok := m[key]
		return ok
	}
}

// ExpectNoMessage fails the test if a frame arrives within timeout.
func ExpectNoMessage(t *testing.T, conn *websocket.Conn, timeout time.Duration) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	_, data, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("expected no message, received %s", data)
	}
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return
	}
	t.Fatalf("unexpected error while waiting for absence of message: %v", err)
}

// CloseWebSocket gracefully closes a WebSocket connection.
func CloseWebSocket(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return conn.Close()
}

// Eventually polls cond every 10ms until it holds or timeout passes.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, timeout, 10*time.Millisecond, msg)
}

// Sent is one payload recorded by RecordingSender.
type Sent struct {
	ConnectionID string
	Payload      []byte
}

// RecordingSender is a presence.Sender that records every payload. Sends to
// ids listed in Fail return the mapped error instead.
type RecordingSender struct {
	mu   sync.Mutex
	sent []Sent
	fail map[string]error
}

// NewRecordingSender returns an empty RecordingSender.
func NewRecordingSender() *RecordingSender {
	return &RecordingSender{fail: make(map[string]error)}
}

// FailFor makes every later send to id return err.
func (s *RecordingSender) FailFor(id string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[id] = err
}

// Send implements presence.Sender.
func (s *RecordingSender) Send(ctx context.Context, id string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return presence.ErrDeliveryTimeout
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.fail[id]; ok {
		return err
	}
	s.sent = append(s.sent, Sent{ConnectionID: id, Payload: append([]byte(nil), payload...)})
	return nil
}

// Sent returns a copy of everything recorded so far.
func (s *RecordingSender) Sent() []Sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Sent(nil), s.sent...)
}

// To returns the payloads sent to id, in order.
func (s *RecordingSender) To(id string) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out [][]byte
	for _, m := range s.sent {
		if m.ConnectionID == id {
			out = append(out, m.Payload)
		}
	}
	return out
}

// Recipients returns the distinct ids that received at least one payload.
func (s *RecordingSender) Recipients() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool)
	var ids []string
	for _, m := range s.sent {
		if !seen[m.ConnectionID] {
			seen[m.ConnectionID] = true
			ids = append(ids, m.ConnectionID)
		}
	}
	return ids
}

// Reset forgets recorded payloads.
func (s *RecordingSender) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = nil
}

// Decode unmarshals payload into v, failing the test on error.
func Decode(t *testing.T, payload []byte, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(payload, v), "decode %s", payload)
}
