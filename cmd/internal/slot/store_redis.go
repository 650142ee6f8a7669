package slot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each session as a JSON document under "<prefix>:slot:<id>"
// with a sorted-set index. Mutations run as Lua scripts that also PUBLISH the
// change, so the feed order equals the order Redis executed the scripts.
type RedisStore struct {
	client *redis.Client
	prefix string
	log    *slog.Logger
}

// RedisOption configures RedisStore behavior.
type RedisOption func(*RedisStore)

// WithKeyPrefix namespaces keys and the change channel (default "tasting").
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithRedisLogger sets the logger used by the subscription loop.
func WithRedisLogger(log *slog.Logger) RedisOption {
	return func(s *RedisStore) {
		if log != nil {
			s.log = log
		}
	}
}

// NewRedisStore wraps client. The client stays owned by the caller.
func NewRedisStore(client *redis.Client, opts ...RedisOption) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("slot: nil redis client")
	}
	s := &RedisStore{client: client, prefix: "tasting", log: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

func (s *RedisStore) key(slotID int) string { return s.prefix + ":slot:" + strconv.Itoa(slotID) }
func (s *RedisStore) indexKey() string     { return s.prefix + ":slots" }

// Channel is the Pub/Sub channel carrying changes.
func (s *RedisStore) Channel() string { return s.prefix + ":slot_changes" }

// KEYS[1]=slot key, KEYS[2]=index
// ARGV[1]=row json, ARGV[2]=slot id, ARGV[3]=channel, ARGV[4]=lease id
var upsertScript = redis.NewScript(`
local old = redis.call('GET', KEYS[1])
redis.call('SET', KEYS[1], ARGV[1])
redis.call('ZADD', KEYS[2], tonumber(ARGV[2]), ARGV[2])
if old then
  local prev = cjson.decode(old)
  if prev.lease_id == ARGV[4] then
    redis.call('PUBLISH', ARGV[3], '{"op":"update","row":' .. ARGV[1] .. '}')
    return old
  end
  redis.call('PUBLISH', ARGV[3], '{"op":"delete","row":' .. old .. '}')
end
redis.call('PUBLISH', ARGV[3], '{"op":"insert","row":' .. ARGV[1] .. '}')
return old or ''
`)

// KEYS[1]=slot key
// ARGV[1]=lease id, ARGV[2]=heartbeat RFC3339Nano, ARGV[3]=heartbeat unix ms, ARGV[4]=channel
var touchScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then return 0 end
local s = cjson.decode(cur)
if s.lease_id ~= ARGV[1] then return 0 end
s.last_heartbeat = ARGV[2]
s.last_heartbeat_ms = tonumber(ARGV[3])
local enc = cjson.encode(s)
redis.call('SET', KEYS[1], enc)
redis.call('PUBLISH', ARGV[4], '{"op":"update","row":' .. enc .. '}')
return 1
`)

// KEYS[1]=slot key, KEYS[2]=index
// ARGV[1]=lease id ('' = any), ARGV[2]=slot id, ARGV[3]=channel, ARGV[4]=stale cutoff unix ms ('' = none)
var deleteScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then return '' end
local s = cjson.decode(cur)
if ARGV[1] ~= '' and s.lease_id ~= ARGV[1] then return '' end
if ARGV[4] ~= '' and tonumber(s.last_heartbeat_ms) >= tonumber(ARGV[4]) then return '' end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[2])
redis.call('PUBLISH', ARGV[3], '{"op":"delete","row":' .. cur .. '}')
return cur
`)

func (s *RedisStore) Upsert(ctx context.Context, in Session) (*Session, error) {
	in.ClientInfo = clientInfoOrEmpty(in.ClientInfo)
	doc, err := json.Marshal(toWire(in))
	if err != nil {
		return nil, fmt.Errorf("slot: encode session: %w", err)
	}

	old, err := upsertScript.Run(ctx, s.client,
		[]string{s.key(in.SlotID), s.indexKey()},
		string(doc), in.SlotID, s.Channel(), in.LeaseID,
	).Text()
	if err != nil {
		return nil, fmt.Errorf("slot: upsert: %w", err)
	}
	if old == "" {
		return nil, nil
	}
	prev, err := decodeDoc(old)
	if err != nil {
		return nil, err
	}
	return &prev, nil
}

func (s *RedisStore) Touch(ctx context.Context, slotID int, leaseID string, now time.Time) (bool, error) {
	now = now.UTC()
	n, err := touchScript.Run(ctx, s.client,
		[]string{s.key(slotID)},
		leaseID, now.Format(time.RFC3339Nano), now.UnixMilli(), s.Channel(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("slot: touch: %w", err)
	}
	return n == 1, nil
}

func (s *RedisStore) Delete(ctx context.Context, slotID int, leaseID string) (Session, bool, error) {
	return s.del(ctx, slotID, leaseID, "")
}

func (s *RedisStore) del(ctx context.Context, slotID int, leaseID, cutoff string) (Session, bool, error) {
	cur, err := deleteScript.Run(ctx, s.client,
		[]string{s.key(slotID), s.indexKey()},
		leaseID, slotID, s.Channel(), cutoff,
	).Text()
	if err != nil {
		return Session{}, false, fmt.Errorf("slot: delete: %w", err)
	}
	if cur == "" {
		return Session{}, false, nil
	}
	sess, err := decodeDoc(cur)
	if err != nil {
		return Session{}, false, err
	}
	return sess, true, nil
}

func (s *RedisStore) Get(ctx context.Context, slotID int) (Session, bool, error) {
	raw, err := s.client.Get(ctx, s.key(slotID)).Result()
	if errors.Is(err, redis.Nil) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, fmt.Errorf("slot: get: %w", err)
	}
	sess, err := decodeDoc(raw)
	if err != nil {
		return Session{}, false, err
	}
	return sess, true, nil
}

func (s *RedisStore) List(ctx context.Context) ([]Session, error) {
	ids, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("slot: list index: %w", err)
	}
	if len(ids) == 0 {
		return []Session{}, nil
	}

	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, s.prefix+":slot:"+id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("slot: list: %w", err)
	}

	out := make([]Session, 0, len(vals))
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue // removed between ZRANGE and MGET
		}
		sess, err := decodeDoc(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SlotID < out[j].SlotID })
	return out, nil
}

func (s *RedisStore) DeleteStale(ctx context.Context, cutoff time.Time) ([]Session, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	ms := strconv.FormatInt(cutoff.UnixMilli(), 10)

	var removed []Session
	for _, sess := range all {
		if !sess.LastHeartbeat.Before(cutoff) {
			continue
		}
		// the script re-checks the heartbeat so a concurrent touch wins
		gone, ok, err := s.del(ctx, sess.SlotID, "", ms)
		if err != nil {
			return removed, err
		}
		if ok {
			removed = append(removed, gone)
		}
	}
	return removed, nil
}

// Watch subscribes to the change channel, reconnecting with exponential
// backoff. Each successful subscription is announced to sink as OpResync.
func (s *RedisStore) Watch(ctx context.Context, sink ChangeSink) error {
	return reconnectLoop(ctx, s.log, "slot.redis.subscription.disconnected", s.Channel(), func(ctx context.Context) (bool, error) {
		return s.subscribe(ctx, sink)
	})
}

func (s *RedisStore) subscribe(ctx context.Context, sink ChangeSink) (bool, error) {
	pubsub := s.client.Subscribe(ctx, s.Channel())
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return false, fmt.Errorf("slot: subscribe %s: %w", s.Channel(), err)
	}
	s.log.Info("slot.redis.subscribed", "channel", s.Channel())

	sink(Change{Op: OpResync})

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return true, errors.New("slot: subscription channel closed")
			}
			c, err := decodeChange(msg.Payload)
			if err != nil {
				s.log.Warn("slot.redis.bad_payload", "err", err)
				continue
			}
			sink(c)
		}
	}
}

func decodeDoc(raw string) (Session, error) {
	var w wireRow
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return Session{}, fmt.Errorf("slot: decode session: %w", err)
	}
	return w.session(), nil
}
