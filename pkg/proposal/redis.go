package proposal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "proposal:"

// RedisStore keeps proposals in Redis so multiple instances share one
// view. TTL enforcement rides on Redis key expiry; the at-most-one-pop
// guarantee rides on GETDEL, which fetches and deletes in one command.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisStore connects to Redis at the given URL
// (redis://[:password@]host:port/db).
func NewRedisStore(url string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{
		client: redis.NewClient(opts),
		ttl:    ttl,
		logger: slog.Default().With("component", "proposal"),
	}, nil
}

func (s *RedisStore) key(id string) string {
	return redisKeyPrefix + id
}

func (s *RedisStore) Create(ctx context.Context, tool string, params json.RawMessage) (*Proposal, error) {
	p := &Proposal{
		ID:        uuid.New().String(),
		Tool:      tool,
		Params:    params,
		CreatedAt: time.Now().UTC(),
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal proposal: %w", err)
	}
	if err := s.client.Set(ctx, s.key(p.ID), payload, s.ttl).Err(); err != nil {
		return nil, fmt.Errorf("store proposal: %w", err)
	}
	s.logger.InfoContext(ctx, "created proposal", "proposal_id", p.ID, "tool", tool)
	return p, nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Proposal, error) {
	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get proposal: %w", err)
	}
	return unmarshalProposal(data)
}

func (s *RedisStore) Pop(ctx context.Context, id string) (*Proposal, error) {
	data, err := s.client.GetDel(ctx, s.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("pop proposal: %w", err)
	}
	s.logger.InfoContext(ctx, "popped proposal", "proposal_id", id)
	return unmarshalProposal(data)
}

// Close releases the underlying Redis connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func unmarshalProposal(data []byte) (*Proposal, error) {
	var p Proposal
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode proposal: %w", err)
	}
	return &p, nil
}
