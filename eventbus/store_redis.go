package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore persists records as JSON values in Redis, with a list of ids
// preserving insertion order. Several processes may share the backing store;
// each still dispatches only to its own local subscribers.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

type RedisStoreOption func(*RedisStore)

// WithKeyPrefix overrides the default "bus" key namespace.
func WithKeyPrefix(prefix string) RedisStoreOption {
	return func(s *RedisStore) { s.prefix = prefix }
}

// WithRecordTTL expires record keys after the given duration. Zero keeps
// records forever; retention is the backend's concern, not the bus's.
func WithRecordTTL(ttl time.Duration) RedisStoreOption {
	return func(s *RedisStore) { s.ttl = ttl }
}

func NewRedisStore(client *redis.Client, opts ...RedisStoreOption) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("redis client not initialized")
	}
	s := &RedisStore{client: client, prefix: "bus"}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *RedisStore) eventKey(eventID string) string {
	return s.prefix + ":event:" + eventID
}

func (s *RedisStore) indexKey() string {
	return s.prefix + ":events"
}

func (s *RedisStore) Save(ctx context.Context, rec *EventRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	key := s.eventKey(rec.EventID)
	existed, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, key, raw, s.ttl).Err(); err != nil {
		return err
	}
	if existed == 0 {
		return s.client.RPush(ctx, s.indexKey(), rec.EventID).Err()
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, eventID string) (*EventRecord, error) {
	raw, err := s.client.Get(ctx, s.eventKey(eventID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var rec EventRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *RedisStore) Query(ctx context.Context, f Filter) ([]*EventRecord, error) {
	ids, err := s.client.LRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]*EventRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		// Expired keys leave a dangling index entry; skip them.
		if rec == nil || !f.matches(rec) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
