// Package server implements the HTTP and WebSocket transport for floorsync.
//
// The Hub keeps the open sockets of this process keyed by connection id and
// implements presence.Sender. Each Client runs a read pump that turns text
// frames into presence events and a write pump that drains its send queue.
// Configuration, origin checks, rate limiting, routing and the HTTP handlers
// live in their own files.
package server
