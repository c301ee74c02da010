// Package server tracks open sockets by connection id and pushes outbound
// presence payloads to them via the Hub type.
package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/floorsync/internal/presence"
)

// Hub owns the open WebSocket clients of this process, keyed by connection id.
// It is the outbound half of the transport: Send enqueues a payload on the
// client's buffered channel and the client's write pump puts it on the wire.
// Floor membership is not kept here; it lives in the connection store.
type Hub struct {
	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	logger     *zap.Logger
}

// NewHub creates and initializes a new Hub instance with all necessary channels
// and client map. The returned Hub is ready to manage WebSocket connections.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// GetRegisterChan returns the channel used to start the pumps of a reserved client.
func (h *Hub) GetRegisterChan() chan<- *Client {
	return h.register
}

// GetUnregisterChan returns the channel used for unregistering clients from the hub.
func (h *Hub) GetUnregisterChan() chan<- *Client {
	return h.unregister
}

// Count returns the number of clients currently held by the hub.
func (h *Hub) Count() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// reserve makes a client addressable by Send before its socket is upgraded,
// so payloads addressed to it during $connect are queued rather than lost.
func (h *Hub) reserve(client *Client) {
	h.mutex.Lock()
	h.clients[client.id] = client
	h.mutex.Unlock()
}

// Send implements presence.Sender. It never blocks: a client whose buffer is
// full is dropped and its socket closed, which in turn produces $disconnect.
func (h *Hub) Send(ctx context.Context, connectionID string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", presence.ErrDeliveryTimeout, err)
	}

	h.mutex.RLock()
	client, exists := h.clients[connectionID]
	if !exists || client.closed {
		h.mutex.RUnlock()
		return presence.ErrConnectionGone
	}

	select {
	case client.send <- payload:
		h.mutex.RUnlock()
		return nil
	default:
	}
	h.mutex.RUnlock()

	h.drop(client, "send buffer full")
	return fmt.Errorf("%w: send buffer full", presence.ErrDeliveryTimeout)
}

// drop removes client and closes its send channel. Dropping a client twice, or
// a client that was replaced under the same id, is a no-op.
func (h *Hub) drop(client *Client, reason string) {
	h.mutex.Lock()
	current, ok := h.clients[client.id]
	if !ok || current != client {
		h.mutex.Unlock()
		return
	}
	delete(h.clients, client.id)
	client.closed = true
	clientCount := len(h.clients)
	h.mutex.Unlock()

	// Close the channel after releasing the lock
	close(client.send)
	h.logger.Info("Client removed",
		zap.String("connection_id", client.id),
		zap.String("addr", client.addr),
		zap.String("reason", reason),
		zap.Int("total_clients", clientCount),
	)
}

// remove unregisters client through the event loop, or directly once the loop
// has stopped.
func (h *Hub) remove(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
		h.drop(client, "disconnected")
	}
}

// Run starts the hub's main event loop, starting client pumps on registration
// and releasing clients on unregistration. This method should be called in a
// separate goroutine as it runs until Shutdown.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				h.logger.Warn("Received nil client registration; skipping")
				continue
			}
			h.start(client)

		case client := <-h.unregister:
			h.drop(client, "disconnected")
		}
	}
}

func (h *Hub) start(client *Client) {
	h.mutex.Lock()
	if _, ok := h.clients[client.id]; !ok {
		h.clients[client.id] = client
	}
	clientCount := len(h.clients)
	h.mutex.Unlock()

	h.logger.Info("Client registered",
		zap.String("connection_id", client.id),
		zap.String("addr", client.addr),
		zap.Int("total_clients", clientCount),
	)

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		client.writePump()
	}()
	go func() {
		defer h.wg.Done()
		client.readPump()
	}()
}

// attach sets the upgraded socket on a reserved client. It holds the hub lock
// so shutdownClients never reads a half-attached client.
func (h *Hub) attach(client *Client, conn *websocket.Conn) {
	conn.SetReadLimit(client.maxMessageSize)

	h.mutex.Lock()
	client.conn = conn
	h.mutex.Unlock()
}

// shutdownClients closes every active socket. The read pumps notice the close
// and dispatch $disconnect for their connections.
func (h *Hub) shutdownClients() {
	h.logger.Info("Shutting down all client connections")

	type socket struct {
		id   string
		conn *websocket.Conn
	}

	h.mutex.RLock()
	sockets := make([]socket, 0, len(h.clients))
	for id, client := range h.clients {
		if client.conn != nil {
			sockets = append(sockets, socket{id: id, conn: client.conn})
		}
	}
	h.mutex.RUnlock()

	for _, s := range sockets {
		if err := s.conn.Close(); err != nil && !isExpectedCloseError(err) {
			h.logger.Warn("Error closing client connection",
				zap.String("connection_id", s.id),
				zap.Error(err),
			)
		}
	}

	h.logger.Info("Closed client connections", zap.Int("count", len(sockets)))
}

// Shutdown initiates graceful shutdown of the hub and waits for all goroutines to complete.
// It returns after all client connections are closed and goroutines have finished,
// or when the timeout is reached.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.logger.Info("Initiating hub shutdown")

	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("Hub shutdown completed successfully")
		return nil
	case <-time.After(timeout):
		h.logger.Warn("Hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
