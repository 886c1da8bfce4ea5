package cache

import (
	"context"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultMemoryEntries bounds the in-process cache.
const DefaultMemoryEntries = 4096

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// Memory is an in-process Cache with per-key expiry, bounded by LRU eviction.
type Memory struct {
	mu      sync.Mutex
	entries *lru.Cache[string, memoryEntry]
	now     func() time.Time
}

// NewMemory builds an in-process cache holding at most size entries.
func NewMemory(size int) *Memory {
	if size <= 0 {
		size = DefaultMemoryEntries
	}
	entries, err := lru.New[string, memoryEntry](size)
	if err != nil {
		panic("cache: " + err.Error())
	}
	return &Memory{entries: entries, now: time.Now}
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.lookup(key)
	if !ok {
		cacheMissesTotal.WithLabelValues("memory").Inc()
		return "", false, nil
	}
	cacheHitsTotal.WithLabelValues("memory").Inc()
	return entry.value, true, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries.Add(key, memoryEntry{value: value, expiresAt: m.deadline(ttl)})
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries.Remove(key)
	return nil
}

// Increment follows Redis INCR: a missing key starts at zero and keeps no expiry.
func (m *Memory) Increment(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.lookup(key)
	var current int64
	if ok {
		parsed, err := strconv.ParseInt(entry.value, 10, 64)
		if err != nil {
			return 0, err
		}
		current = parsed
	}
	current++
	entry.value = strconv.FormatInt(current, 10)
	m.entries.Add(key, entry)
	return current, nil
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.lookup(key)
	if !ok {
		return nil
	}
	entry.expiresAt = m.deadline(ttl)
	m.entries.Add(key, entry)
	return nil
}

func (m *Memory) lookup(key string) (memoryEntry, bool) {
	entry, ok := m.entries.Get(key)
	if !ok {
		return memoryEntry{}, false
	}
	if entry.expired(m.now()) {
		m.entries.Remove(key)
		return memoryEntry{}, false
	}
	return entry, true
}

func (m *Memory) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

var _ Cache = (*Memory)(nil)
