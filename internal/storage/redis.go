package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"github.com/tidwall/gjson"
)

// RedisConfig describes the Redis connection.
type RedisConfig struct {
	Address  string        `yaml:"address"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	Connect  time.Duration `yaml:"connectTimeout"`
}

// RedisStore keeps one hash per namespace. Each field holds a small JSON
// envelope with the value and its update time.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to Redis, retrying the initial ping with
// exponential backoff until cfg.Connect elapses.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Address == "" {
		return nil, errors.New("storage: redis address is required")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "reaplugin:storage:"
	}
	connect := cfg.Connect
	if connect <= 0 {
		connect = 10 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = connect
	ping := func() error { return client.Ping(ctx).Err() }
	if err := backoff.Retry(ping, backoff.WithContext(policy, ctx)); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.Address, err)
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

func (r *RedisStore) hashKey(namespace string) string {
	return r.prefix + namespace
}

// Get implements Store.
func (r *RedisStore) Get(ctx context.Context, namespace, key string) (Record, error) {
	raw, err := r.client.HGet(ctx, r.hashKey(namespace), key).Result()
	if errors.Is(err, redis.Nil) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get %s/%s: %w", namespace, key, err)
	}
	if !gjson.Valid(raw) {
		return Record{}, fmt.Errorf("get %s/%s: corrupt envelope", namespace, key)
	}
	envelope := gjson.Parse(raw)
	return Record{
		Namespace: namespace,
		Key:       key,
		Value:     envelope.Get("value").Value(),
		UpdatedAt: time.UnixMilli(envelope.Get("updatedAt").Int()).UTC(),
	}, nil
}

// Put implements Store.
func (r *RedisStore) Put(ctx context.Context, rec Record) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	raw, err := encodeValue(map[string]any{
		"value":     rec.Value,
		"updatedAt": rec.UpdatedAt.UnixMilli(),
	})
	if err != nil {
		return err
	}
	if err := r.client.HSet(ctx, r.hashKey(rec.Namespace), rec.Key, raw).Err(); err != nil {
		return fmt.Errorf("put %s/%s: %w", rec.Namespace, rec.Key, err)
	}
	return nil
}

// Ping implements Store.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (r *RedisStore) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}
