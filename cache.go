package chatsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Key identifies an entry in the Cache.
type Key string

const (
	KeyUsers  Key = "users"
	KeyGroups Key = "groups"
)

// MessagesKey is the cache key of one group conversation's message list.
func MessagesKey(chatID string) Key {
	return Key("messages/" + chatID)
}

// Fetcher loads the authoritative value of a key.
type Fetcher func(ctx context.Context) (any, error)

// Merger combines a fetched value with the value cached at the moment it is stored,
// carrying client-local state across a refetch. current is nil when absent.
type Merger func(current, fetched any) any

type cacheEntry struct {
	value     any
	stale     bool
	updatedAt time.Time
}

// Cache is a keyed, invalidatable store for server-derived entities. Every mutation
// runs atomically under the store lock; subscribers are told about changes after the
// lock is released.
type Cache struct {
	mu            sync.Mutex
	entries       map[Key]*cacheEntry
	fetchers      map[Key]Fetcher
	mergers       map[Key]Merger
	subs          map[Key]map[int]func(Key)
	nextSub       int
	shouldRefetch bool
	log           zerolog.Logger
}

// NewCache creates an empty cache.
func NewCache(log zerolog.Logger) *Cache {
	return &Cache{
		entries:  make(map[Key]*cacheEntry),
		fetchers: make(map[Key]Fetcher),
		mergers:  make(map[Key]Merger),
		subs:     make(map[Key]map[int]func(Key)),
		log:      log,
	}
}

// Register installs the fetcher used by Query when key is missing or stale, and an
// optional merger applied when the fetched value is stored.
func (c *Cache) Register(key Key, f Fetcher, m Merger) {
	c.mu.Lock()
	c.fetchers[key] = f
	if m != nil {
		c.mergers[key] = m
	} else {
		delete(c.mergers, key)
	}
	c.mu.Unlock()
}

// Get returns the cached value of key, stale or not.
func (c *Cache) Get(key Key) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	return e.value, true
}

// IsStale reports whether key is absent or has been invalidated.
func (c *Cache) IsStale(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return !ok || e.stale
}

// Set stores value under key and marks it fresh.
func (c *Cache) Set(key Key, value any) {
	c.mu.Lock()
	c.entries[key] = &cacheEntry{value: value, updatedAt: time.Now()}
	c.mu.Unlock()
	c.notify(key)
}

// Update applies fn to the current value of key and stores the result. fn must not
// retain old; it runs with the store locked, so it must not call back into the Cache.
// Returning ok=false leaves the entry untouched and skips notification.
func (c *Cache) Update(key Key, fn func(old any, exists bool) (value any, ok bool)) bool {
	c.mu.Lock()
	e, exists := c.entries[key]
	var old any
	if exists {
		old = e.value
	}
	value, ok := fn(old, exists)
	if !ok {
		c.mu.Unlock()
		return false
	}
	stale := exists && e.stale
	c.entries[key] = &cacheEntry{value: value, stale: stale, updatedAt: time.Now()}
	c.mu.Unlock()
	c.notify(key)
	return true
}

// Invalidate marks key stale; the next Query refetches it.
func (c *Cache) Invalidate(key Key) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if ok {
		e.stale = true
	}
	c.mu.Unlock()
	if ok {
		c.log.Debug().Str("key", string(key)).Msg("cache entry invalidated")
	}
}

// Remove drops key entirely.
func (c *Cache) Remove(key Key) {
	c.mu.Lock()
	_, ok := c.entries[key]
	delete(c.entries, key)
	c.mu.Unlock()
	if ok {
		c.notify(key)
	}
}

// Clear drops every entry and lowers the should-refetch flag.
func (c *Cache) Clear() {
	c.mu.Lock()
	keys := make([]Key, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	c.entries = make(map[Key]*cacheEntry)
	c.shouldRefetch = false
	c.mu.Unlock()
	for _, k := range keys {
		c.notify(k)
	}
}

// Query returns the value of key, running its fetcher first when the entry is missing
// or stale. A failed fetch leaves the previous value in place and marks it stale.
func (c *Cache) Query(ctx context.Context, key Key) (any, error) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if ok && !e.stale {
		v := e.value
		c.mu.Unlock()
		return v, nil
	}
	f := c.fetchers[key]
	var current any
	if ok {
		current = e.value
	}
	c.mu.Unlock()

	if f == nil {
		if ok {
			return current, nil
		}
		return nil, fmt.Errorf("cache: no fetcher registered for %q", key)
	}

	value, err := f(ctx)
	if err != nil {
		c.Invalidate(key)
		return nil, fmt.Errorf("cache: fetch %q: %w", key, err)
	}
	return c.store(key, value), nil
}

// store saves a fetched value, merging it with whatever is cached at that moment so
// that mutations made while the fetch was in flight survive.
func (c *Cache) store(key Key, fetched any) any {
	c.mu.Lock()
	value := fetched
	if m := c.mergers[key]; m != nil {
		var cur any
		if e, ok := c.entries[key]; ok {
			cur = e.value
		}
		value = m(cur, fetched)
	}
	c.entries[key] = &cacheEntry{value: value, updatedAt: time.Now()}
	c.mu.Unlock()
	c.notify(key)
	return value
}

// Refetch invalidates key and queries it again.
func (c *Cache) Refetch(ctx context.Context, key Key) (any, error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		e.stale = true
	}
	c.mu.Unlock()
	return c.Query(ctx, key)
}

// SetShouldRefetch raises or lowers the flag that forces a full resync independent of
// per-key staleness.
func (c *Cache) SetShouldRefetch(v bool) {
	c.mu.Lock()
	c.shouldRefetch = v
	c.mu.Unlock()
}

// ShouldRefetch reports the flag set by SetShouldRefetch.
func (c *Cache) ShouldRefetch() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shouldRefetch
}

// Subscribe calls fn after every change to key. The returned func unsubscribes.
func (c *Cache) Subscribe(key Key, fn func(Key)) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	if c.subs[key] == nil {
		c.subs[key] = make(map[int]func(Key))
	}
	c.subs[key][id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.subs[key], id)
		c.mu.Unlock()
	}
}

func (c *Cache) notify(key Key) {
	c.mu.Lock()
	fns := make([]func(Key), 0, len(c.subs[key]))
	for _, fn := range c.subs[key] {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.log.Error().Interface("panic", r).Str("key", string(key)).Msg("cache subscriber panicked")
				}
			}()
			fn(key)
		}()
	}
}
