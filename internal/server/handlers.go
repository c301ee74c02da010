// Package server exposes HTTP handlers, including WebSocket upgrades, the
// user count query, health checks, and the built-in test page.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/floorsync/internal/presence"
)

// Server binds the HTTP surface to a hub and a presence dispatcher.
type Server struct {
	hub        *Hub
	dispatcher Dispatcher
	logger     *zap.Logger
	upgrader   websocket.Upgrader
}

// NewServer returns a Server that registers sockets with hub and hands
// presence events to dispatcher.
func NewServer(hub *Hub, dispatcher Dispatcher, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		hub:        hub,
		dispatcher: dispatcher,
		logger:     logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// WebSocketHandler handles WebSocket upgrade requests. The connection is
// registered with the presence layer before the upgrade; a rejected $connect
// is answered with a plain HTTP error and no socket is opened.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	if !s.checkOrigin(r) {
		http.Error(w, "Origin not allowed", http.StatusForbidden)
		return
	}

	id := uuid.NewString()
	client := NewClient(id, nil, s.hub, s.dispatcher, r.RemoteAddr)
	s.hub.reserve(client)

	resp := s.dispatcher.Dispatch(r.Context(), presence.Event{
		Kind:         presence.EventConnect,
		ConnectionID: id,
		QueryParams:  queryParams(r),
	})
	if !resp.OK() {
		s.hub.drop(client, "connect rejected")
		writeJSON(w, s.logger, resp.StatusCode, resp.Body)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", zap.String("connection_id", id), zap.Error(err))
		s.hub.drop(client, "upgrade failed")
		client.disconnect()
		return
	}

	s.hub.attach(client, conn)

	// The hub launches the pump goroutines.
	select {
	case s.hub.register <- client:
	case <-s.hub.done:
		s.hub.drop(client, "hub stopped")
		_ = conn.Close()
		client.disconnect()
	}
}

// UserCountHandler answers GET /userCount?floorCode=... with the number of
// connections on that floor.
func (s *Server) UserCountHandler(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w, r)

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodGet:
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := s.dispatcher.Dispatch(r.Context(), presence.Event{
		Kind:        presence.EventQueryCount,
		QueryParams: queryParams(r),
	})
	writeJSON(w, s.logger, resp.StatusCode, resp.Body)
}

// HealthHandler provides a simple health check endpoint that returns server status.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "floorsync server is running!")
}

// queryParams flattens the request query to its first value per key.
func queryParams(r *http.Request) map[string]string {
	values := r.URL.Query()
	params := make(map[string]string, len(values))
	for key := range values {
		params[key] = values.Get(key)
	}
	return params
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Warn("Error writing JSON response", zap.Error(err))
	}
}
