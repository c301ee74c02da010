package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultFanOut      = 32
	defaultSendTimeout = 2 * time.Second
)

// Sender pushes one encoded payload to one connection. It is implemented by
// the transport layer.
type Sender interface {
	Send(ctx context.Context, connectionID string, payload []byte) error
}

// Delivery summarizes one broadcast wave.
type Delivery struct {
	Recipients int
	Failed     []string
}

// Broadcaster fans presence payloads out to the members of a floor.
//
// Every send is attempted at most once. A failed send is logged, recorded in
// the returned Delivery and, when pruning is enabled, followed by a best-effort
// delete of the recipient's row. It never stops delivery to the other members.
type Broadcaster struct {
	index       *FloorIndex
	store       ConnectionStore
	sender      Sender
	logger      *zap.Logger
	fanOut      int
	sendTimeout time.Duration
	pruneStale  bool
}

// BroadcasterOption configures a Broadcaster.
type BroadcasterOption func(*Broadcaster)

// WithFanOut bounds the number of concurrent sends in one wave.
func WithFanOut(n int) BroadcasterOption {
	return func(b *Broadcaster) {
		if n > 0 {
			b.fanOut = n
		}
	}
}

// WithSendTimeout sets the deadline applied to each individual send.
func WithSendTimeout(d time.Duration) BroadcasterOption {
	return func(b *Broadcaster) {
		if d > 0 {
			b.sendTimeout = d
		}
	}
}

// WithPruneStale controls whether a failed send deletes the recipient's row.
func WithPruneStale(enabled bool) BroadcasterOption {
	return func(b *Broadcaster) {
		b.pruneStale = enabled
	}
}

// NewBroadcaster creates a Broadcaster. store is only written to when pruning
// connections whose sends failed.
func NewBroadcaster(index *FloorIndex, store ConnectionStore, sender Sender, logger *zap.Logger, opts ...BroadcasterOption) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Broadcaster{
		index:       index,
		store:       store,
		sender:      sender,
		logger:      logger,
		fanOut:      defaultFanOut,
		sendTimeout: defaultSendTimeout,
		pruneStale:  true,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// BroadcastUserCount sends the floor's current member count to every member.
func (b *Broadcaster) BroadcastUserCount(ctx context.Context, floor string) (Delivery, error) {
	members, err := b.index.MembersOf(ctx, floor)
	if err != nil {
		return Delivery{}, err
	}

	payload, err := json.Marshal(UserCountMessage{UserCount: len(members)})
	if err != nil {
		return Delivery{}, fmt.Errorf("encode user count: %w", err)
	}

	b.logger.Debug("Broadcasting user count",
		zap.String("floor", floor),
		zap.Int("user_count", len(members)),
	)
	return b.deliver(ctx, recipientIDs(members, ""), func(string) ([]byte, error) {
		return payload, nil
	}), nil
}

// BroadcastUserList sends every member the metadata of all other members of
// the floor. The metadata map is built once; each recipient costs a single
// pass that leaves out its own entry.
func (b *Broadcaster) BroadcastUserList(ctx context.Context, floor, senderID string) (Delivery, error) {
	members, err := b.index.MembersOf(ctx, floor)
	if err != nil {
		return Delivery{}, err
	}

	users := make(map[string]UserInfo, len(members))
	for _, m := range members {
		users[m.ID] = UserInfo{DisplayName: m.DisplayName, Color: m.Color}
	}

	return b.deliver(ctx, recipientIDs(members, ""), func(recipient string) ([]byte, error) {
		others := make(map[string]UserInfo, len(users))
		for id, info := range users {
			if id != recipient {
				others[id] = info
			}
		}
		return json.Marshal(UsersMessage{Type: TypeUsers, Sender: senderID, OtherUsers: others})
	}), nil
}

// Relay forwards payload from senderID to every other member of floor.
func (b *Broadcaster) Relay(ctx context.Context, floor, senderID string, payload json.RawMessage) (Delivery, error) {
	members, err := b.index.MembersOf(ctx, floor)
	if err != nil {
		return Delivery{}, err
	}

	encoded, err := json.Marshal(RelayMessage{Sender: senderID, Payload: payload})
	if err != nil {
		return Delivery{}, fmt.Errorf("%w: payload is not valid JSON: %v", ErrMalformedInput, err)
	}

	return b.deliver(ctx, recipientIDs(members, senderID), func(string) ([]byte, error) {
		return encoded, nil
	}), nil
}

// NotifyLeft tells connectionID which floor it has just left.
func (b *Broadcaster) NotifyLeft(ctx context.Context, connectionID, oldFloor string) (Delivery, error) {
	payload, err := json.Marshal(LeaveFloorMessage{Type: TypeLeaveFloor, OldFloorCode: oldFloor})
	if err != nil {
		return Delivery{}, fmt.Errorf("encode leave notice: %w", err)
	}
	return b.deliver(ctx, []string{connectionID}, func(string) ([]byte, error) {
		return payload, nil
	}), nil
}

// recipientIDs returns the ids of members, leaving out exclude.
func recipientIDs(members []Connection, exclude string) []string {
	ids := make([]string, 0, len(members))
	for _, m := range members {
		if exclude != "" && m.ID == exclude {
			continue
		}
		ids = append(ids, m.ID)
	}
	return ids
}

// deliver sends one payload per recipient and returns once every send in the
// wave has been attempted.
func (b *Broadcaster) deliver(ctx context.Context, recipients []string, build func(recipient string) ([]byte, error)) Delivery {
	var (
		mu     sync.Mutex
		failed []string
		g      errgroup.Group
	)
	g.SetLimit(b.fanOut)

	for _, id := range recipients {
		id := id
		g.Go(func() error {
			if err := b.sendOne(ctx, id, build); err != nil {
				mu.Lock()
				failed = append(failed, id)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	b.removeFailed(ctx, failed)
	return Delivery{Recipients: len(recipients), Failed: failed}
}

func (b *Broadcaster) sendOne(ctx context.Context, id string, build func(string) ([]byte, error)) error {
	payload, err := build(id)
	if err != nil {
		b.logger.Error("Failed to encode payload", zap.String("connection_id", id), zap.Error(err))
		return err
	}

	sendCtx, cancel := context.WithTimeout(ctx, b.sendTimeout)
	defer cancel()

	if err := b.sender.Send(sendCtx, id, payload); err != nil {
		b.logger.Warn("Delivery failed",
			zap.String("connection_id", id),
			zap.Error(err),
		)
		return err
	}
	return nil
}

// removeFailed deletes the rows of connections whose sends failed. A failed
// send is taken as evidence that the session is dead. The remaining members of
// every floor that lost a row are sent the new count, since the session's own
// $disconnect will find no row and announce nothing.
func (b *Broadcaster) removeFailed(ctx context.Context, failed []string) {
	if !b.pruneStale || len(failed) == 0 {
		return
	}

	var floors []string
	seen := make(map[string]bool)
	for _, id := range failed {
		conn, err := b.store.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			b.logger.Warn("Failed to look up stale connection",
				zap.String("connection_id", id),
				zap.Error(err),
			)
			continue
		}
		if err := b.store.Delete(ctx, id); err != nil {
			b.logger.Warn("Failed to prune stale connection",
				zap.String("connection_id", id),
				zap.Error(err),
			)
			continue
		}
		b.logger.Info("Pruned stale connection",
			zap.String("connection_id", id),
			zap.String("floor", conn.Floor),
		)
		if !seen[conn.Floor] {
			seen[conn.Floor] = true
			floors = append(floors, conn.Floor)
		}
	}

	// Each wave only runs over rows that still exist, so the recursion ends
	// once a floor's sends stop failing or the floor is empty.
	for _, floor := range floors {
		if _, err := b.BroadcastUserCount(ctx, floor); err != nil {
			b.logger.Warn("Failed to announce count after pruning",
				zap.String("floor", floor),
				zap.Error(err),
			)
		}
	}
}
