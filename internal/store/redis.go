package store

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// compareAndDelete removes KEYS[1] only when it still equals ARGV[1]. A holder
// whose record expired must never delete the record of the next holder.
var compareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// bind: KEYS = key, new reverse set, index, guard; ARGV = value, member,
// reverse prefix. A missing guard answers nil.
var bind = redis.NewScript(`
if redis.call("EXISTS", KEYS[4]) == 0 then
	return false
end
local previous = redis.call("GET", KEYS[1])
if previous and previous ~= ARGV[1] then
	redis.call("SREM", ARGV[3] .. previous, ARGV[2])
end
redis.call("SET", KEYS[1], ARGV[1])
redis.call("SADD", KEYS[2], ARGV[2])
redis.call("SADD", KEYS[3], ARGV[2])
if previous then
	return previous
end
return ""
`)

// unbind: KEYS = key, index; ARGV = member, reverse prefix, expected value.
var unbind = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if not current or (ARGV[3] ~= "" and current ~= ARGV[3]) then
	return ""
end
redis.call("DEL", KEYS[1])
redis.call("SREM", ARGV[2] .. current, ARGV[1])
redis.call("SREM", KEYS[2], ARGV[1])
return current
`)

// Redis implements Store on top of go-redis.
type Redis struct {
	client redis.UniversalClient
}

// NewRedis wraps an existing client.
func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client}
}

func (r *Redis) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, value, ttl).Result()
}

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	v, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return v, err
}

func (r *Redis) Set(ctx context.Context, key, value string) error {
	return r.client.Set(ctx, key, value, 0).Err()
}

func (r *Redis) SetTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}

func (r *Redis) DeleteIfValue(ctx context.Context, key, value string) (bool, error) {
	n, err := compareAndDelete.Run(ctx, r.client, []string{key}, value).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *Redis) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := r.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	// go-redis reports the raw -2 (missing) and -1 (no expiry) markers.
	switch d {
	case -2:
		return 0, ErrNotFound
	case -1:
		return 0, nil
	}
	return d, nil
}

func (r *Redis) SetAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return r.client.SAdd(ctx, key, args...).Err()
}

func (r *Redis) SetRemove(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return r.client.SRem(ctx, key, args...).Err()
}

func (r *Redis) SetMembers(ctx context.Context, key string) ([]string, error) {
	return r.client.SMembers(ctx, key).Result()
}

func (r *Redis) Incr(ctx context.Context, key string) (int64, error) {
	return r.client.Incr(ctx, key).Result()
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Bind(ctx context.Context, b Binding) (string, error) {
	keys := []string{b.Key, b.ReversePrefix + b.Value, b.Index, b.Guard}
	previous, err := bind.Run(ctx, r.client, keys, b.Value, b.Member, b.ReversePrefix).Text()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return previous, err
}

func (r *Redis) Unbind(ctx context.Context, b Binding, expected string) (string, error) {
	keys := []string{b.Key, b.Index}
	return unbind.Run(ctx, r.client, keys, b.Member, b.ReversePrefix, expected).Text()
}
