package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RedisConfig contains Redis store configuration
type RedisConfig struct {
	URL             string
	KeyPrefix       string
	TTL             time.Duration
	MaxConnections  int
	MinIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisStore persists crosswalk state in Redis so several workers can
// share one crosswalk across hosts.
type RedisStore struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisStore creates a Redis-backed store and verifies the connection.
func NewRedisStore(config RedisConfig, logger *zap.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	// Parse Redis URL
	opts, err := redis.ParseURL(config.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	// Configure connection pool
	opts.PoolSize = config.MaxConnections
	opts.MinIdleConns = config.MinIdleConns
	// Note: ConnMaxLifetime not available in this Redis client version

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	key := config.KeyPrefix + "crosswalk"

	logger.Info("Crosswalk store connected to Redis",
		zap.String("redis_url", maskRedisURL(config.URL)),
		zap.String("key", key),
		zap.Duration("ttl", config.TTL))

	return &RedisStore{
		client: client,
		key:    key,
		ttl:    config.TTL,
		logger: logger,
	}, nil
}

// Save writes the state under the configured key.
func (s *RedisStore) Save(ctx context.Context, data []byte) error {
	if err := s.client.Set(ctx, s.key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save crosswalk state: %w", err)
	}

	s.logger.Debug("Crosswalk state saved",
		zap.String("key", s.key),
		zap.Int("bytes", len(data)))

	return nil
}

// Load reads the state. A missing key is not an error; it just means
// no state has been saved yet.
func (s *RedisStore) Load(ctx context.Context) ([]byte, bool, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	} else if err != nil {
		return nil, false, fmt.Errorf("failed to load crosswalk state: %w", err)
	}

	return data, true, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// maskRedisURL masks sensitive information in Redis URL for logging
func maskRedisURL(url string) string {
	if strings.Contains(url, "@") {
		parts := strings.Split(url, "@")
		if len(parts) >= 2 {
			userPart := parts[0]
			if strings.Contains(userPart, ":") {
				userParts := strings.Split(userPart, ":")
				if len(userParts) >= 3 {
					userParts[len(userParts)-1] = "***"
					parts[0] = strings.Join(userParts, ":")
				}
			}
			return strings.Join(parts, "@")
		}
	}
	return url
}
