package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

// Redis keeps one hash per namespace:scope and a set of the live scopes of
// each namespace.
type Redis struct {
	rdb    *redis.Client
	prefix string
}

func NewRedis(addr string) *Redis {
	return &Redis{rdb: redis.NewClient(&redis.Options{Addr: addr}), prefix: "clipbot"}
}

// NewRedisClient wraps an existing client, e.g. one shared with asynq.
func NewRedisClient(rdb *redis.Client, prefix string) *Redis {
	return &Redis{rdb: rdb, prefix: prefix}
}

func (r *Redis) keyHash(ns, scope string) string { return fmt.Sprintf("%s:%s:%s", r.prefix, ns, scope) }
func (r *Redis) keyScopes(ns string) string       { return fmt.Sprintf("%s:%s:scopes", r.prefix, ns) }

func (r *Redis) Ping(ctx context.Context) error { return r.rdb.Ping(ctx).Err() }

func (r *Redis) Get(ctx context.Context, k Key, dst any) error {
	if err := k.validate(); err != nil {
		return err
	}
	raw, err := r.rdb.HGet(ctx, r.keyHash(k.Namespace, k.Scope), k.ID).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

func (r *Redis) Set(ctx context.Context, k Key, v any) error {
	if err := k.validate(); err != nil {
		return err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, r.keyHash(k.Namespace, k.Scope), k.ID, b)
		p.SAdd(ctx, r.keyScopes(k.Namespace), k.Scope)
		return nil
	})
	return err
}

func (r *Redis) Delete(ctx context.Context, k Key) (bool, error) {
	if err := k.validate(); err != nil {
		return false, err
	}
	hash := r.keyHash(k.Namespace, k.Scope)
	n, err := r.rdb.HDel(ctx, hash, k.ID).Result()
	if err != nil {
		return false, err
	}
	if left, err := r.rdb.HLen(ctx, hash).Result(); err == nil && left == 0 {
		_ = r.rdb.SRem(ctx, r.keyScopes(k.Namespace), k.Scope).Err()
	}
	return n > 0, nil
}

func (r *Redis) List(ctx context.Context, ns, scope string) (map[string][]byte, error) {
	m, err := r.rdb.HGetAll(ctx, r.keyHash(ns, scope)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(m))
	for id, v := range m {
		out[id] = []byte(v)
	}
	return out, nil
}

func (r *Redis) Scopes(ctx context.Context, ns string) ([]string, error) {
	scopes, err := r.rdb.SMembers(ctx, r.keyScopes(ns)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(scopes)
	return scopes, nil
}

func (r *Redis) Close() error { return r.rdb.Close() }
