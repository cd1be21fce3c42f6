package kvstore

import (
	"context"
	"time"
)

type prefixedStore struct {
	inner  Store
	prefix string
}

// WithPrefix namespaces every key, so several deployments can share one store.
func WithPrefix(inner Store, prefix string) Store {
	return &prefixedStore{inner: inner, prefix: prefix}
}

func (p *prefixedStore) key(k string) string {
	return p.prefix + k
}

func (p *prefixedStore) Incr(ctx context.Context, key string) (int64, error) {
	return p.inner.Incr(ctx, p.key(key))
}

func (p *prefixedStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return p.inner.Expire(ctx, p.key(key), ttl)
}

func (p *prefixedStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	return p.inner.TTL(ctx, p.key(key))
}

func (p *prefixedStore) ExpireTime(ctx context.Context, key string) (time.Time, error) {
	return p.inner.ExpireTime(ctx, p.key(key))
}

func (p *prefixedStore) Get(ctx context.Context, key string) (string, error) {
	return p.inner.Get(ctx, p.key(key))
}

func (p *prefixedStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return p.inner.Set(ctx, p.key(key), value, ttl)
}

func (p *prefixedStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return p.inner.SetNX(ctx, p.key(key), value, ttl)
}

func (p *prefixedStore) CompareAndSwap(ctx context.Context, key, oldValue, newValue string, ttl time.Duration) (bool, error) {
	return p.inner.CompareAndSwap(ctx, p.key(key), oldValue, newValue, ttl)
}

func (p *prefixedStore) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	return p.inner.CompareAndDelete(ctx, p.key(key), value)
}

func (p *prefixedStore) CompareAndExpire(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return p.inner.CompareAndExpire(ctx, p.key(key), value, ttl)
}

func (p *prefixedStore) Del(ctx context.Context, keys ...string) error {
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = p.key(k)
	}
	return p.inner.Del(ctx, prefixed...)
}

func (p *prefixedStore) LPush(ctx context.Context, key, value string) error {
	return p.inner.LPush(ctx, p.key(key), value)
}

func (p *prefixedStore) RPop(ctx context.Context, key string) (string, error) {
	return p.inner.RPop(ctx, p.key(key))
}

func (p *prefixedStore) LLen(ctx context.Context, key string) (int64, error) {
	return p.inner.LLen(ctx, p.key(key))
}

func (p *prefixedStore) CountPrefix(ctx context.Context, prefix string) (int, error) {
	return p.inner.CountPrefix(ctx, p.key(prefix))
}

func (p *prefixedStore) Ping(ctx context.Context) error {
	return p.inner.Ping(ctx)
}

func (p *prefixedStore) Close() error {
	return p.inner.Close()
}
