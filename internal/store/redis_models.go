package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dmiyatamd-byte/height-riona-app/internal/domain"
)

const defaultKeyPrefix = "riona"

// RedisModelStore keeps calibration models in Redis: one string key per
// horizon for the current model and one list per horizon for the history.
type RedisModelStore struct {
	client *redis.Client
	prefix string
}

// NewRedisModelStore connects to Redis using the cache configuration.
func NewRedisModelStore(config domain.CacheConfig) (*RedisModelStore, error) {
	opts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	if config.PoolSize > 0 {
		opts.PoolSize = config.PoolSize
	}
	if config.PoolTimeout > 0 {
		opts.PoolTimeout = config.PoolTimeout
	}
	if config.MaxRetries > 0 {
		opts.MaxRetries = config.MaxRetries
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisModelStoreFromClient(client, config.KeyPrefix), nil
}

// NewRedisModelStoreFromClient wraps an existing client.
func NewRedisModelStoreFromClient(client *redis.Client, prefix string) *RedisModelStore {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisModelStore{client: client, prefix: prefix}
}

func (s *RedisModelStore) currentKey(horizonWeeks int) string {
	return s.prefix + ":model:current:" + strconv.Itoa(horizonWeeks)
}

func (s *RedisModelStore) historyKey(horizonWeeks int) string {
	return s.prefix + ":model:history:" + strconv.Itoa(horizonWeeks)
}

// CurrentModel returns the current model of the horizon or (nil, nil).
func (s *RedisModelStore) CurrentModel(ctx context.Context, horizonWeeks int) (*domain.CalibrationModel, error) {
	val, err := s.client.Get(ctx, s.currentKey(horizonWeeks)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get model: %w", err)
	}
	return decodeModel(val)
}

// SaveModel replaces the current model and pushes it onto the history in a
// single MULTI/EXEC block.
func (s *RedisModelStore) SaveModel(ctx context.Context, m *domain.CalibrationModel) error {
	modelJSON, _, err := encodeModel(m)
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.currentKey(m.HorizonWeeks), modelJSON, 0)
		pipe.LPush(ctx, s.historyKey(m.HorizonWeeks), modelJSON)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save model: %w", err)
	}
	return nil
}

// ModelHistory returns past models of a horizon, newest first. A
// non-positive limit returns the whole history.
func (s *RedisModelStore) ModelHistory(ctx context.Context, horizonWeeks int, limit int) ([]*domain.CalibrationModel, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}

	vals, err := s.client.LRange(ctx, s.historyKey(horizonWeeks), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list model history: %w", err)
	}

	result := make([]*domain.CalibrationModel, 0, len(vals))
	for _, v := range vals {
		m, err := decodeModel([]byte(v))
		if err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, nil
}

// Close closes the Redis client.
func (s *RedisModelStore) Close() error {
	return s.client.Close()
}

// Ping checks the connection.
func (s *RedisModelStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
