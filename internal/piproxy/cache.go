package piproxy

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// DefaultTTL is how long a fetched payload may be served without refresh.
const DefaultTTL = 60 * time.Second

const (
	engineMemory  = "memory"
	engineLevelDB = "leveldb"
)

// entryStore holds at most one entry per endpoint. Implementations are safe for
// concurrent use; a Put for the same key simply replaces the previous entry.
type entryStore interface {
	Load(key EndpointName) (CacheEntry, bool)
	Store(key EndpointName, ent CacheEntry) error
	Keys() []EndpointName
	Close() error
}

// Cache keeps the last successful upstream payload for each endpoint together
// with the time it was fetched. Entries are never evicted: a stale entry stays
// in the store and is ignored until the next successful fetch replaces it.
type Cache struct {
	ttl   time.Duration
	now   func() time.Time
	store entryStore
}

func NewCache(ttl time.Duration, engine string) (*Cache, error) {
	var (
		st  entryStore
		err error
	)
	switch engine {
	case "", engineMemory:
		st = newMemoryStore()
	case engineLevelDB:
		st, err = newLevelDBStore()
		if err != nil {
			return nil, fmt.Errorf("open leveldb store: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown cache engine %q", engine)
	}
	return newCacheWithStore(ttl, st, time.Now), nil
}

func newCacheWithStore(ttl time.Duration, st entryStore, now func() time.Time) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{ttl: ttl, now: now, store: st}
}

func (c *Cache) TTL() time.Duration { return c.ttl }

// IsValid reports whether an entry exists for endpoint and is younger than the TTL.
func (c *Cache) IsValid(endpoint EndpointName) bool {
	ent, ok := c.store.Load(endpoint)
	if !ok {
		return false
	}
	return c.now().Sub(ent.FetchedAt) < c.ttl
}

// Get returns the stored payload for endpoint. Callers check IsValid first;
// Get does not look at the entry age.
func (c *Cache) Get(endpoint EndpointName) []byte {
	ent, ok := c.store.Load(endpoint)
	if !ok {
		return nil
	}
	return ent.Payload
}

// Put stores payload for endpoint stamped with the current time.
func (c *Cache) Put(endpoint EndpointName, payload []byte) error {
	body := make([]byte, len(payload))
	copy(body, payload)
	return c.store.Store(endpoint, CacheEntry{Payload: body, FetchedAt: c.now()})
}

// Endpoints lists every endpoint that has an entry, stale or not, sorted.
func (c *Cache) Endpoints() []EndpointName {
	keys := c.store.Keys()
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func (c *Cache) Close() error {
	return c.store.Close()
}

// ---- memory store ----

type memoryStore struct {
	mu      sync.RWMutex
	entries map[EndpointName]CacheEntry
}

func newMemoryStore() *memoryStore {
	return &memoryStore{entries: map[EndpointName]CacheEntry{}}
}

func (m *memoryStore) Load(key EndpointName) (CacheEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ent, ok := m.entries[key]
	return ent, ok
}

func (m *memoryStore) Store(key EndpointName, ent CacheEntry) error {
	m.mu.Lock()
	m.entries[key] = ent
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) Keys() []EndpointName {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]EndpointName, 0, len(m.entries))
	for k := range m.entries {
		out = append(out, k)
	}
	return out
}

func (m *memoryStore) Close() error { return nil }
