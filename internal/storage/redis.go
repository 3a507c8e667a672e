package storage

import (
	"context"

	"github.com/Swindy123/aichat/internal/redis"
)

// Redis keeps entries as plain redis strings without expiry.
type Redis struct {
	client *redis.Client
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	v, ok, err := r.client.Get(ctx, key)
	if err != nil {
		return "", false, wrap("get", key, err)
	}
	return v, ok, nil
}

func (r *Redis) Set(ctx context.Context, key, value string) error {
	return wrap("set", key, r.client.Set(ctx, key, value))
}

func (r *Redis) Remove(ctx context.Context, key string) error {
	return wrap("remove", key, r.client.Del(ctx, key))
}

func (r *Redis) Close() error {
	return r.client.Close()
}
