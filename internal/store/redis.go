package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fitpulse/livemesh/config"
	"github.com/fitpulse/livemesh/internal/models"
)

// RedisStore keeps class metadata in Redis, keyed "class:<id>", with a
// TTL so abandoned classes expire on their own.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(cfg config.RedisConfig, ttl time.Duration) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStore{client: client, ttl: ttl}, nil
}

func classKey(classID string) string {
	return "class:" + classID
}

func (s *RedisStore) Put(ctx context.Context, class models.ClassMetadata) error {
	data, err := json.Marshal(class)
	if err != nil {
		return fmt.Errorf("failed to marshal class: %w", err)
	}
	return s.client.Set(ctx, classKey(class.ID), data, s.ttl).Err()
}

func (s *RedisStore) Get(ctx context.Context, classID string) (models.ClassMetadata, error) {
	data, err := s.client.Get(ctx, classKey(classID)).Result()
	if err == redis.Nil {
		return models.ClassMetadata{}, ErrClassNotFound
	}
	if err != nil {
		return models.ClassMetadata{}, err
	}

	var class models.ClassMetadata
	if err := json.Unmarshal([]byte(data), &class); err != nil {
		return models.ClassMetadata{}, fmt.Errorf("failed to parse class data: %w", err)
	}
	return class, nil
}

func (s *RedisStore) SetStatus(ctx context.Context, classID string, status models.ClassStatus) error {
	class, err := s.Get(ctx, classID)
	if err != nil {
		return err
	}
	class.Status = status
	if status == models.ClassStatusLive && class.StartedAt == nil {
		now := time.Now()
		class.StartedAt = &now
	}
	return s.Put(ctx, class)
}

// Close closes the underlying Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
