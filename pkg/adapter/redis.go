package adapter

import (
	"context"
	"errors"

	"github.com/m-mizutani/goerr/v2"
	"github.com/redis/go-redis/v9"
)

// redisStore keeps blobs as plain string values without expiration
type redisStore struct {
	client *redis.Client
	prefix string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// NewRedisStore creates a BlobStore backed by Redis and checks connectivity
func NewRedisStore(ctx context.Context, cfg RedisConfig) (BlobStore, error) {
	if cfg.Addr == "" {
		return nil, goerr.New("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, goerr.Wrap(err, "failed to connect to redis", goerr.V("addr", cfg.Addr))
	}

	return &redisStore{client: client, prefix: cfg.Prefix}, nil
}

func (s *redisStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, goerr.Wrap(ErrBlobNotFound, "key does not exist", goerr.V("key", key))
		}
		return nil, goerr.Wrap(err, "failed to get key", goerr.V("key", key))
	}
	return data, nil
}

func (s *redisStore) Set(ctx context.Context, key string, data []byte) error {
	if err := s.client.Set(ctx, s.prefix+key, data, 0).Err(); err != nil {
		return goerr.Wrap(err, "failed to set key", goerr.V("key", key))
	}
	return nil
}

func (s *redisStore) Remove(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return goerr.Wrap(err, "failed to delete key", goerr.V("key", key))
	}
	return nil
}

func (s *redisStore) Close() error {
	if err := s.client.Close(); err != nil {
		return goerr.Wrap(err, "failed to close redis client")
	}
	return nil
}
