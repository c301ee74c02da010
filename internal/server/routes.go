// Package server wires HTTP handlers into a ServeMux for the floorsync
// service via routing helpers.
package server

import "net/http"

// SetupRoutes configures and returns an HTTP ServeMux with all application routes.
// It sets up handlers for health check, WebSocket endpoint, user count query and test page.
func (s *Server) SetupRoutes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", HealthHandler)
	mux.HandleFunc("/health", HealthHandler)
	mux.HandleFunc("/ws", s.WebSocketHandler)
	mux.HandleFunc("/userCount", s.UserCountHandler)
	mux.HandleFunc("/test", s.TestPageHandler)
	return mux
}
