package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/splax/bluegreen/internal/domain"
	"github.com/splax/bluegreen/internal/progress"
)

const keyPrefix = "bluegreen:timeline:"

// Key returns the Redis key holding the timeline of deploymentID.
func Key(deploymentID string) string {
	return keyPrefix + deploymentID
}

// RedisStore keeps timelines as JSON values that expire after a TTL.
type RedisStore struct {
	client  *redis.Client
	logger  *slog.Logger
	ttl     time.Duration
	timeout time.Duration
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(addr, password string, db int, ttl time.Duration, logger *slog.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return NewRedisStoreWithClient(client, ttl, logger), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration, logger *slog.Logger) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{
		client:  client,
		logger:  logger,
		ttl:     ttl,
		timeout: 2 * time.Second,
	}
}

// Save writes p and refreshes its expiry.
func (s *RedisStore) Save(ctx context.Context, p progress.Progress) error {
	payload, err := encode(p)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.client.Set(ctx, Key(p.DeploymentID), payload, s.ttl).Err(); err != nil {
		s.logRedisError("set", err)
		return fmt.Errorf("save timeline %s: %w", p.DeploymentID, err)
	}
	return nil
}

// Load reads the timeline of deploymentID.
func (s *RedisStore) Load(ctx context.Context, deploymentID string) (progress.Progress, error) {
	if err := domain.ValidateDeploymentID(deploymentID); err != nil {
		return progress.Progress{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	payload, err := s.client.Get(ctx, Key(deploymentID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return progress.Progress{}, fmt.Errorf("%w: %s", ErrNotFound, deploymentID)
	}
	if err != nil {
		s.logRedisError("get", err)
		return progress.Progress{}, fmt.Errorf("load timeline %s: %w", deploymentID, err)
	}
	return decode(payload)
}

// TTL reports the remaining retention of a stored timeline.
func (s *RedisStore) TTL(ctx context.Context, deploymentID string) (time.Duration, error) {
	ttl, err := s.client.TTL(ctx, Key(deploymentID)).Result()
	if err != nil {
		return 0, fmt.Errorf("timeline ttl %s: %w", deploymentID, err)
	}
	return ttl, nil
}

func (s *RedisStore) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *RedisStore) logRedisError(op string, err error) {
	if s.logger == nil {
		return
	}
	s.logger.Error("redis timeline store error", "op", op, "error", err)
}
