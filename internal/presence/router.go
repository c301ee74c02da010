package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// EventKind names an inbound transport event. The values match the action
// names sent by clients.
type EventKind string

// Supported event kinds.
const (
	EventConnect          EventKind = "$connect"
	EventDisconnect       EventKind = "$disconnect"
	EventMessage          EventKind = "sendMessage"
	EventRefreshUserCount EventKind = "refreshUserCount"
	EventRefreshUserList  EventKind = "refreshUserList"
	EventSwitchFloor      EventKind = "switchFloor"
	EventQueryCount       EventKind = "getUserCount"
)

const defaultEventTimeout = 5 * time.Second

// Event is one inbound notification from the transport.
type Event struct {
	Kind         EventKind
	ConnectionID string
	QueryParams  map[string]string
	// Body is the raw JSON text of the frame, if any.
	Body string
}

// Response is the synchronous result of an event.
type Response struct {
	StatusCode int `json:"statusCode"`
	Body       any `json:"body,omitempty"`
}

// OK reports whether the event succeeded.
func (r Response) OK() bool {
	return r.StatusCode == http.StatusOK
}

// eventBody is the union of the fields frames may carry.
type eventBody struct {
	FloorCode string          `json:"floorCode"`
	NewFloor  string          `json:"newFloor"`
	Payload   json.RawMessage `json:"payload"`
}

type handlerFunc func(ctx context.Context, ev Event) (Response, error)

// Router dispatches inbound events onto store mutations and broadcasts. It
// holds no membership state of its own.
type Router struct {
	store       ConnectionStore
	index       *FloorIndex
	broadcaster *Broadcaster
	logger      *zap.Logger
	timeout     time.Duration
	color       func() string
	handlers    map[EventKind]handlerFunc
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithEventTimeout bounds the time a single event may take.
func WithEventTimeout(d time.Duration) RouterOption {
	return func(r *Router) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithColorSource replaces RandomColor for new connections.
func WithColorSource(fn func() string) RouterOption {
	return func(r *Router) {
		if fn != nil {
			r.color = fn
		}
	}
}

// NewRouter creates a Router over store and broadcaster.
func NewRouter(store ConnectionStore, index *FloorIndex, broadcaster *Broadcaster, logger *zap.Logger, opts ...RouterOption) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Router{
		store:       store,
		index:       index,
		broadcaster: broadcaster,
		logger:      logger,
		timeout:     defaultEventTimeout,
		color:       RandomColor,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.handlers = map[EventKind]handlerFunc{
		EventConnect:          r.connect,
		EventDisconnect:       r.disconnect,
		EventMessage:          r.message,
		EventRefreshUserCount: r.refreshUserCount,
		EventRefreshUserList:  r.refreshUserList,
		EventSwitchFloor:      r.switchFloor,
		EventQueryCount:       r.queryCount,
	}
	return r
}

// Dispatch handles ev under the per-event deadline. It never panics and never
// returns an error: every failure becomes a 400 response carrying the message.
func (r *Router) Dispatch(ctx context.Context, ev Event) (resp Response) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	logger := r.logger.With(
		zap.String("event", string(ev.Kind)),
		zap.String("connection_id", ev.ConnectionID),
	)

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("Recovered from panic while handling event", zap.Any("panic", rec))
			resp = errorResponse(fmt.Errorf("internal error: %v", rec))
		}
	}()

	handler, ok := r.handlers[ev.Kind]
	if !ok {
		err := malformed("unknown action %q", ev.Kind)
		logger.Warn("Rejected event", zap.Error(err))
		return errorResponse(err)
	}

	resp, err := handler(ctx, ev)
	if err != nil {
		err = classify(err)
		logger.Error("Event failed", zap.Error(err))
		return errorResponse(err)
	}
	return resp
}

func errorResponse(err error) Response {
	return Response{StatusCode: http.StatusBadRequest, Body: ErrorBody{Error: err.Error()}}
}

func okResponse() Response {
	return Response{StatusCode: http.StatusOK}
}

func (r *Router) connect(ctx context.Context, ev Event) (Response, error) {
	if ev.ConnectionID == "" {
		return Response{}, malformed("missing connection id")
	}
	userName, err := requireParam(ev.QueryParams, "userName")
	if err != nil {
		return Response{}, err
	}
	floor, err := requireParam(ev.QueryParams, "floorCode")
	if err != nil {
		return Response{}, err
	}

	conn := Connection{
		ID:          ev.ConnectionID,
		Floor:       floor,
		DisplayName: userName,
		Color:       r.color(),
	}
	if err := r.store.Put(ctx, conn); err != nil {
		return Response{}, err
	}

	r.logger.Info("Connection joined floor",
		zap.String("connection_id", conn.ID),
		zap.String("floor", conn.Floor),
		zap.String("user_name", conn.DisplayName),
	)
	return okResponse(), nil
}

func (r *Router) disconnect(ctx context.Context, ev Event) (Response, error) {
	conn, err := r.store.Get(ctx, ev.ConnectionID)
	if errors.Is(err, ErrNotFound) {
		r.logger.Debug("Disconnect for unknown connection", zap.String("connection_id", ev.ConnectionID))
		return okResponse(), nil
	}
	if err != nil {
		return Response{}, err
	}

	if err := r.store.Delete(ctx, ev.ConnectionID); err != nil {
		return Response{}, err
	}
	r.logger.Info("Connection left floor",
		zap.String("connection_id", conn.ID),
		zap.String("floor", conn.Floor),
	)

	if _, err := r.broadcaster.BroadcastUserCount(ctx, conn.Floor); err != nil {
		return Response{}, err
	}
	return okResponse(), nil
}

func (r *Router) message(ctx context.Context, ev Event) (Response, error) {
	body, err := decodeBody(ev.Body)
	if err != nil {
		return Response{}, err
	}
	if body.FloorCode == "" {
		return Response{}, malformed("missing floorCode")
	}
	if len(body.Payload) == 0 {
		return Response{}, malformed("missing payload")
	}

	if _, err := r.broadcaster.Relay(ctx, body.FloorCode, ev.ConnectionID, body.Payload); err != nil {
		return Response{}, err
	}
	return okResponse(), nil
}

func (r *Router) refreshUserCount(ctx context.Context, ev Event) (Response, error) {
	floor, err := floorFromBody(ev.Body)
	if err != nil {
		return Response{}, err
	}
	if _, err := r.broadcaster.BroadcastUserCount(ctx, floor); err != nil {
		return Response{}, err
	}
	return okResponse(), nil
}

func (r *Router) refreshUserList(ctx context.Context, ev Event) (Response, error) {
	floor, err := floorFromBody(ev.Body)
	if err != nil {
		return Response{}, err
	}
	if _, err := r.broadcaster.BroadcastUserList(ctx, floor, ev.ConnectionID); err != nil {
		return Response{}, err
	}
	return okResponse(), nil
}

func (r *Router) switchFloor(ctx context.Context, ev Event) (Response, error) {
	body, err := decodeBody(ev.Body)
	if err != nil {
		return Response{}, err
	}
	newFloor := body.NewFloor
	if newFloor == "" {
		newFloor = body.FloorCode
	}
	if newFloor == "" {
		return Response{}, malformed("missing newFloor")
	}

	oldFloor, err := r.store.UpdateFloor(ctx, ev.ConnectionID, newFloor)
	if err != nil {
		return Response{}, err
	}
	r.logger.Info("Connection switched floor",
		zap.String("connection_id", ev.ConnectionID),
		zap.String("old_floor", oldFloor),
		zap.String("new_floor", newFloor),
	)

	if _, err := r.broadcaster.NotifyLeft(ctx, ev.ConnectionID, oldFloor); err != nil {
		return Response{}, err
	}
	return okResponse(), nil
}

func (r *Router) queryCount(ctx context.Context, ev Event) (Response, error) {
	floor, err := requireParam(ev.QueryParams, "floorCode")
	if err != nil {
		return Response{}, err
	}
	n, err := r.index.Count(ctx, floor)
	if err != nil {
		return Response{}, err
	}
	return Response{StatusCode: http.StatusOK, Body: n}, nil
}

func requireParam(params map[string]string, name string) (string, error) {
	v := params[name]
	if v == "" {
		return "", malformed("missing query parameter %s", name)
	}
	return v, nil
}

func decodeBody(raw string) (eventBody, error) {
	var body eventBody
	if raw == "" {
		return body, malformed("missing body")
	}
	if err := json.Unmarshal([]byte(raw), &body); err != nil {
		return body, malformed("invalid body: %v", err)
	}
	return body, nil
}

func floorFromBody(raw string) (string, error) {
	body, err := decodeBody(raw)
	if err != nil {
		return "", err
	}
	if body.FloorCode == "" {
		return "", malformed("missing floorCode")
	}
	return body.FloorCode, nil
}
