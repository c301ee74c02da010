package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/Tyrowin/floorsync/internal/presence"
)

// DefaultKeyPrefix namespaces every key written by RedisStore.
const DefaultKeyPrefix = "floorsync:"

// Hash field names. Token repeats the connection id so that a row read on its
// own still carries its key.
const (
	fieldUserName  = "UserName"
	fieldFloorCode = "FloorCode"
	fieldToken     = "Token"
	fieldColor     = "Color"
)

const scanBatch = 100

// updateFloorScript swaps FloorCode and returns the previous value, or nil when
// the hash does not exist.
var updateFloorScript = redis.NewScript(`
local old = redis.call('HGET', KEYS[1], 'FloorCode')
if not old then
	return false
end
redis.call('HSET', KEYS[1], 'FloorCode', ARGV[1])
return old
`)

// RedisStore keeps one hash per connection at <prefix>conn:<id>.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// NewRedisStore wraps client. An empty prefix selects DefaultKeyPrefix.
func NewRedisStore(client *redis.Client, prefix string, logger *zap.Logger) *RedisStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{client: client, prefix: prefix, logger: logger}
}

func (s *RedisStore) key(id string) string {
	return s.prefix + "conn:" + id
}

// Put implements presence.ConnectionStore. The hash is replaced as a whole.
func (s *RedisStore) Put(ctx context.Context, c presence.Connection) error {
	key := s.key(c.ID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key,
			fieldUserName, c.DisplayName,
			fieldFloorCode, c.Floor,
			fieldToken, c.ID,
			fieldColor, c.Color,
		)
		return nil
	})
	if err != nil {
		return presence.StorageError("put", err)
	}
	return nil
}

// Get implements presence.ConnectionStore.
func (s *RedisStore) Get(ctx context.Context, id string) (presence.Connection, error) {
	vals, err := s.client.HMGet(ctx, s.key(id), fieldUserName, fieldFloorCode, fieldColor).Result()
	if err != nil {
		return presence.Connection{}, presence.StorageError("get", err)
	}
	c, ok := connectionFromFields(id, vals)
	if !ok {
		return presence.Connection{}, presence.ErrNotFound
	}
	return c, nil
}

// Delete implements presence.ConnectionStore.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		return presence.StorageError("delete", err)
	}
	return nil
}

// UpdateFloor implements presence.ConnectionStore. The read and the write run
// inside one script, so they are atomic for the key.
func (s *RedisStore) UpdateFloor(ctx context.Context, id, newFloor string) (string, error) {
	old, err := updateFloorScript.Run(ctx, s.client, []string{s.key(id)}, newFloor).Text()
	if errors.Is(err, redis.Nil) {
		return "", presence.ErrNotFound
	}
	if err != nil {
		return "", presence.StorageError("update floor", err)
	}
	return old, nil
}

// ScanByFloor implements presence.ConnectionStore. It walks every connection
// key with SCAN and reads the hashes in pipelined batches.
func (s *RedisStore) ScanByFloor(ctx context.Context, floor string) ([]presence.Connection, error) {
	pattern := s.prefix + "conn:*"
	var (
		members []presence.Connection
		batch   []string
	)

	iter := s.client.Scan(ctx, 0, pattern, scanBatch).Iterator()
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) < scanBatch {
			continue
		}
		found, err := s.readBatch(ctx, batch, floor)
		if err != nil {
			return nil, err
		}
		members = append(members, found...)
		batch = batch[:0]
	}
	if err := iter.Err(); err != nil {
		return nil, presence.StorageError("scan", err)
	}

	found, err := s.readBatch(ctx, batch, floor)
	if err != nil {
		return nil, err
	}
	members = append(members, found...)

	s.logger.Debug("Scanned floor",
		zap.String("floor", floor),
		zap.Int("member_count", len(members)),
	)
	return members, nil
}

func (s *RedisStore) readBatch(ctx context.Context, keys []string, floor string) ([]presence.Connection, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.SliceCmd, len(keys))
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, key := range keys {
			cmds[i] = pipe.HMGet(ctx, key, fieldUserName, fieldFloorCode, fieldColor)
		}
		return nil
	})
	if err != nil {
		return nil, presence.StorageError("scan", err)
	}

	var members []presence.Connection
	for i, cmd := range cmds {
		id := keys[i][len(s.prefix)+len("conn:"):]
		c, ok := connectionFromFields(id, cmd.Val())
		if !ok {
			// Deleted between SCAN and HMGET.
			continue
		}
		if c.Floor == floor {
			members = append(members, c)
		}
	}
	return members, nil
}

// connectionFromFields builds a Connection from HMGET values ordered as
// UserName, FloorCode, Color. ok is false when the hash does not exist.
func connectionFromFields(id string, vals []interface{}) (presence.Connection, bool) {
	if len(vals) != 3 || vals[1] == nil {
		return presence.Connection{}, false
	}
	return presence.Connection{
		ID:          id,
		DisplayName: stringField(vals[0]),
		Floor:       stringField(vals[1]),
		Color:       stringField(vals[2]),
	}, true
}

func stringField(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	default:
		return fmt.Sprint(val)
	}
}
