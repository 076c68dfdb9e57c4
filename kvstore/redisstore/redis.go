// Package redisstore implements kvstore.Store on Redis.
package redisstore

import (
	"context"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/estately/go-estate-client/kvstore"
)

var _ kvstore.Store = (*Store)(nil)

// Store persists keys in Redis without per-key expiry; TTL handling is the
// cache layer's business, encoded inside the stored values.
type Store struct {
	client *redis.Client
}

// New configures a Redis client from a URL and verifies connectivity.
func New(ctx context.Context, url string) (*Store, error) {
	if url == "" {
		return nil, errors.New("[redisstore.New] redis url is required")
	}

	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "[redisstore.New] parse redis url")
	}

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "[redisstore.New] ping redis")
	}

	return &Store{client: client}, nil
}

// NewFromClient wraps an already-configured client. The caller keeps
// ownership of the client's lifecycle.
func NewFromClient(client *redis.Client) *Store {
	return &Store{client: client}
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "[Store.Get] redis get")
	}
	return val, true, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	if err := s.client.Set(ctx, key, value, 0).Err(); err != nil {
		return errors.Wrap(err, "[Store.Set] redis set")
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return errors.Wrap(err, "[Store.Delete] redis del")
	}
	return nil
}

func (s *Store) DeletePrefix(ctx context.Context, prefix string) error {
	iter := s.client.Scan(ctx, 0, prefix+"*", 0).Iterator()

	keys := make([]string, 0)
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return errors.Wrap(err, "[Store.DeletePrefix] redis scan")
	}

	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return errors.Wrap(err, "[Store.DeletePrefix] redis del")
	}
	return nil
}

func (s *Store) Close() error {
	return s.client.Close()
}
