// Package server defines the inbound frame envelope and utility helpers that
// are reused across client and hub logic.
package server

import (
	"context"
	"strings"

	"github.com/Tyrowin/floorsync/internal/presence"
)

// Frame is the envelope of every text frame a client sends. Action selects the
// event; the remaining fields stay in the raw frame and are decoded by the
// router.
type Frame struct {
	Action string `json:"action"`
}

// Dispatcher handles presence events. *presence.Router implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev presence.Event) presence.Response
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
