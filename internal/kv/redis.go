package kv

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

// Redis is a Store backed by a shared go-redis client, used when
// multiple hub nodes must see the same documents (thread messages,
// escalation indexes, notification inboxes, offline DM queues) rather
// than process-local state. Keys are used as-is as Redis string keys;
// ListKeys/ListDocuments use SCAN with a MATCH pattern rather than
// KEYS to avoid blocking the server on large keyspaces.
type Redis struct {
	client *redis.Client
}

// NewRedis wraps an existing go-redis client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Put(ctx context.Context, key string, value []byte) error {
	return r.client.Set(ctx, key, value, 0).Err()
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("kv redis get %q: %w", key, err)
	}
	return v, true, nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

func (r *Redis) scanKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, prefix+"*", 256).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("kv redis scan %q: %w", prefix, err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (r *Redis) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	return r.scanKeys(ctx, prefix)
}

func (r *Redis) ListDocuments(ctx context.Context, prefix string) (map[string][]byte, error) {
	keys, err := r.scanKeys(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("kv redis mget: %w", err)
	}
	for i, v := range vals {
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok {
			out[keys[i]] = []byte(s)
		}
	}
	return out, nil
}

// PutIfMatch implements CompareAndSwap via a WATCH/MULTI transaction.
func (r *Redis) PutIfMatch(ctx context.Context, key string, expected, value []byte) (bool, error) {
	ok := true
	txf := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			current = nil
		} else if err != nil {
			return err
		}

		if !bytesEqual(current, expected) {
			ok = false
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, value, 0)
			return nil
		})
		return err
	}

	err := r.client.Watch(ctx, txf, key)
	if err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			return false, nil
		}
		return false, fmt.Errorf("kv redis cas %q: %w", key, err)
	}
	return ok, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return (len(a) == 0 && b == nil) || (len(b) == 0 && a == nil)
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

var (
	_ Store          = (*Redis)(nil)
	_ CompareAndSwap = (*Redis)(nil)
)
