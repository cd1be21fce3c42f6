package kvstore

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/helixml/appbuilder/api/pkg/types"
)

var errWrongType = errors.New("operation against a key holding the wrong kind of value")

type memoryEntry struct {
	value     string
	list      []string // head at index 0
	isList    bool
	expiresAt time.Time
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryStore keeps the coordination records in process memory. It honours the
// same atomicity as Redis for single keys but is only correct for a single
// instance, so it is meant for local development and tests.
type MemoryStore struct {
	clock   clockwork.Clock
	entries *xsync.MapOf[string, *memoryEntry]
}

var _ Store = &MemoryStore{}

// NewMemoryStore creates a store whose TTLs are measured against clock. A nil
// clock uses wall time.
func NewMemoryStore(clock clockwork.Clock) *MemoryStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryStore{
		clock:   clock,
		entries: xsync.NewMapOf[string, *memoryEntry](),
	}
}

func (m *MemoryStore) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.clock.Now().Add(ttl)
}

// live loads a non-expired entry. Entries are swept lazily.
func (m *MemoryStore) live(key string) (*memoryEntry, bool) {
	entry, ok := m.entries.Load(key)
	if !ok || entry.expired(m.clock.Now()) {
		return nil, false
	}
	return entry, true
}

func (m *MemoryStore) Incr(_ context.Context, key string) (int64, error) {
	var (
		result int64
		opErr  error
	)
	now := m.clock.Now()
	m.entries.Compute(key, func(old *memoryEntry, loaded bool) (*memoryEntry, bool) {
		if !loaded || old.expired(now) {
			result = 1
			return &memoryEntry{value: "1"}, false
		}
		if old.isList {
			opErr = errWrongType
			return old, false
		}
		n, err := strconv.ParseInt(old.value, 10, 64)
		if err != nil {
			opErr = err
			return old, false
		}
		result = n + 1
		return &memoryEntry{value: strconv.FormatInt(result, 10), expiresAt: old.expiresAt}, false
	})
	if opErr != nil {
		return 0, &types.StoreUnavailableError{Op: "incr", Err: opErr}
	}
	return result, nil
}

func (m *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	var ok bool
	now := m.clock.Now()
	m.entries.Compute(key, func(old *memoryEntry, loaded bool) (*memoryEntry, bool) {
		if !loaded || old.expired(now) {
			return nil, true
		}
		ok = true
		updated := *old
		updated.expiresAt = m.deadline(ttl)
		return &updated, false
	})
	return ok, nil
}

func (m *MemoryStore) TTL(_ context.Context, key string) (time.Duration, error) {
	entry, ok := m.live(key)
	if !ok {
		return KeyMissing, nil
	}
	if entry.expiresAt.IsZero() {
		return NoExpiry, nil
	}
	return entry.expiresAt.Sub(m.clock.Now()), nil
}

func (m *MemoryStore) ExpireTime(_ context.Context, key string) (time.Time, error) {
	entry, ok := m.live(key)
	if !ok {
		return time.Time{}, nil
	}
	return entry.expiresAt, nil
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, error) {
	entry, ok := m.live(key)
	if !ok {
		return "", ErrNotFound
	}
	if entry.isList {
		return "", &types.StoreUnavailableError{Op: "get", Err: errWrongType}
	}
	return entry.value, nil
}

func (m *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.entries.Store(key, &memoryEntry{value: value, expiresAt: m.deadline(ttl)})
	return nil
}

func (m *MemoryStore) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	var set bool
	now := m.clock.Now()
	m.entries.Compute(key, func(old *memoryEntry, loaded bool) (*memoryEntry, bool) {
		if loaded && !old.expired(now) {
			return old, false
		}
		set = true
		return &memoryEntry{value: value, expiresAt: m.deadline(ttl)}, false
	})
	return set, nil
}

func (m *MemoryStore) CompareAndSwap(_ context.Context, key, oldValue, newValue string, ttl time.Duration) (bool, error) {
	var swapped bool
	now := m.clock.Now()
	m.entries.Compute(key, func(old *memoryEntry, loaded bool) (*memoryEntry, bool) {
		if !loaded || old.expired(now) {
			return nil, true
		}
		if old.isList || old.value != oldValue {
			return old, false
		}
		swapped = true
		return &memoryEntry{value: newValue, expiresAt: m.deadline(ttl)}, false
	})
	return swapped, nil
}

func (m *MemoryStore) CompareAndDelete(_ context.Context, key, value string) (bool, error) {
	var deleted bool
	now := m.clock.Now()
	m.entries.Compute(key, func(old *memoryEntry, loaded bool) (*memoryEntry, bool) {
		if !loaded || old.expired(now) {
			return nil, true
		}
		if old.isList || old.value != value {
			return old, false
		}
		deleted = true
		return nil, true
	})
	return deleted, nil
}

func (m *MemoryStore) CompareAndExpire(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	var refreshed bool
	now := m.clock.Now()
	m.entries.Compute(key, func(old *memoryEntry, loaded bool) (*memoryEntry, bool) {
		if !loaded || old.expired(now) {
			return nil, true
		}
		if old.isList || old.value != value {
			return old, false
		}
		refreshed = true
		updated := *old
		updated.expiresAt = m.deadline(ttl)
		return &updated, false
	})
	return refreshed, nil
}

func (m *MemoryStore) Del(_ context.Context, keys ...string) error {
	for _, key := range keys {
		m.entries.Delete(key)
	}
	return nil
}

func (m *MemoryStore) LPush(_ context.Context, key, value string) error {
	var opErr error
	now := m.clock.Now()
	m.entries.Compute(key, func(old *memoryEntry, loaded bool) (*memoryEntry, bool) {
		if !loaded || old.expired(now) {
			return &memoryEntry{list: []string{value}, isList: true}, false
		}
		if !old.isList {
			opErr = errWrongType
			return old, false
		}
		list := make([]string, 0, len(old.list)+1)
		list = append(list, value)
		list = append(list, old.list...)
		return &memoryEntry{list: list, isList: true, expiresAt: old.expiresAt}, false
	})
	if opErr != nil {
		return &types.StoreUnavailableError{Op: "lpush", Err: opErr}
	}
	return nil
}

func (m *MemoryStore) RPop(_ context.Context, key string) (string, error) {
	var (
		popped string
		found  bool
		opErr  error
	)
	now := m.clock.Now()
	m.entries.Compute(key, func(old *memoryEntry, loaded bool) (*memoryEntry, bool) {
		if !loaded || old.expired(now) {
			return nil, true
		}
		if !old.isList {
			opErr = errWrongType
			return old, false
		}
		popped = old.list[len(old.list)-1]
		found = true
		if len(old.list) == 1 {
			// Redis removes empty lists
			return nil, true
		}
		list := make([]string, len(old.list)-1)
		copy(list, old.list[:len(old.list)-1])
		return &memoryEntry{list: list, isList: true, expiresAt: old.expiresAt}, false
	})
	if opErr != nil {
		return "", &types.StoreUnavailableError{Op: "rpop", Err: opErr}
	}
	if !found {
		return "", ErrNotFound
	}
	return popped, nil
}

func (m *MemoryStore) LLen(_ context.Context, key string) (int64, error) {
	entry, ok := m.live(key)
	if !ok {
		return 0, nil
	}
	if !entry.isList {
		return 0, &types.StoreUnavailableError{Op: "llen", Err: errWrongType}
	}
	return int64(len(entry.list)), nil
}

func (m *MemoryStore) CountPrefix(_ context.Context, prefix string) (int, error) {
	now := m.clock.Now()
	count := 0
	m.entries.Range(func(key string, entry *memoryEntry) bool {
		if strings.HasPrefix(key, prefix) && !entry.expired(now) {
			count++
		}
		return true
	})
	return count, nil
}

func (m *MemoryStore) Ping(_ context.Context) error {
	return nil
}

func (m *MemoryStore) Close() error {
	m.entries.Clear()
	return nil
}
