package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each conversation's log in a sorted set scored by
// sequence number.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
}

// RedisOptions configures key layout and retention.
type RedisOptions struct {
	KeyPrefix string
	// TTL expires a conversation's log after its last append. Zero keeps
	// logs forever.
	TTL time.Duration
}

func NewRedisStore(client redis.UniversalClient, opts RedisOptions) *RedisStore {
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "voicebridge:"
	}
	return &RedisStore{client: client, keyPrefix: prefix + "events:", ttl: opts.TTL}
}

// DialRedis connects and pings the server.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

func (s *RedisStore) key(conversationID string) string {
	return s.keyPrefix + conversationID
}

func (s *RedisStore) AppendEvent(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	key := s.key(ev.ConversationID)
	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(ev.Sequence), Member: data})
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) ListEvents(ctx context.Context, conversationID string, since uint64) ([]Event, error) {
	members, err := s.client.ZRangeByScore(ctx, s.key(conversationID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatUint(since, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(members))
	for _, m := range members {
		var ev Event
		if err := json.Unmarshal([]byte(m), &ev); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event: %w", err)
		}
		out = append(out, ev)
	}
	return out, nil
}

func (s *RedisStore) LastSequence(ctx context.Context, conversationID string) (uint64, error) {
	top, err := s.client.ZRevRangeWithScores(ctx, s.key(conversationID), 0, 0).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(top) == 0 {
		return 0, nil
	}
	return uint64(top[0].Score), nil
}
