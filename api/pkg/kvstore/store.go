package kvstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/helixml/appbuilder/api/pkg/config"
)

//go:generate mockgen -source $GOFILE -destination store_mocks.go -package $GOPACKAGE

var ErrNotFound = errors.New("key not found")

const (
	// NoExpiry is returned by TTL for a key that exists without an expiry.
	NoExpiry time.Duration = -1
	// KeyMissing is returned by TTL for a key that does not exist.
	KeyMissing time.Duration = -2
)

// Store is the shared coordination store every process instance talks to. Each
// method is a single atomic operation against one key (CountPrefix excepted).
// A ttl of zero means no expiry.
type Store interface {
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
	// ExpireTime is the absolute time key expires at. It is the zero time
	// when the key is missing or has no expiry.
	ExpireTime(ctx context.Context, key string) (time.Time, error)

	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	CompareAndSwap(ctx context.Context, key, oldValue, newValue string, ttl time.Duration) (bool, error)
	CompareAndDelete(ctx context.Context, key, value string) (bool, error)
	CompareAndExpire(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error

	LPush(ctx context.Context, key, value string) error
	RPop(ctx context.Context, key string) (string, error)
	LLen(ctx context.Context, key string) (int64, error)

	// CountPrefix counts live keys starting with prefix. It is not atomic with
	// respect to concurrent writers.
	CountPrefix(ctx context.Context, prefix string) (int, error)

	Ping(ctx context.Context) error
	Close() error
}

// New builds the configured store, wrapped with the key prefix if one is set.
func New(storeCfg config.CoordinationStore, redisCfg config.Redis) (Store, error) {
	var (
		store Store
		err   error
	)

	switch storeCfg.Provider {
	case config.CoordinationStoreRedis:
		store, err = NewRedisStore(redisCfg)
		if err != nil {
			return nil, err
		}
	case config.CoordinationStoreMemory:
		store = NewMemoryStore(nil)
	default:
		return nil, fmt.Errorf("unknown coordination store provider: %s", storeCfg.Provider)
	}

	if storeCfg.KeyPrefix != "" {
		store = WithPrefix(store, storeCfg.KeyPrefix)
	}
	return store, nil
}
