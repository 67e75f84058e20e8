// Package cache provides the shared key/value store used for payer denial
// rates, risk scores, list counts, and rate-limit counters. Production runs
// on Redis; development and tests use the in-memory store. Callers must
// tolerate stale or missing entries by re-reading the database on miss.
package cache

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("cache: miss")

// Cache is the store contract. DeletePattern removes every key matching a
// glob-style pattern ("episode:42*"); it is best-effort and atomic only per
// key, so readers must not assume strict cache/DB consistency.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	DeletePattern(ctx context.Context, pattern string) (int, error)
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Stats() Stats
	ResetStats()
	Ping(ctx context.Context) error
}

// Stats are process-local hit/miss counters for the observability
// endpoints. They reset on process restart or explicit reset.
type Stats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Sets    int64 `json:"sets"`
	Deletes int64 `json:"deletes"`
	Errors  int64 `json:"errors"`
}

// HitRate returns hits / (hits + misses), zero when idle.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// counters backs the Stats of both implementations.
type counters struct {
	hits, misses, sets, deletes, errs atomic.Int64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Sets:    c.sets.Load(),
		Deletes: c.deletes.Load(),
		Errors:  c.errs.Load(),
	}
}

func (c *counters) reset() {
	c.hits.Store(0)
	c.misses.Store(0)
	c.sets.Store(0)
	c.deletes.Store(0)
	c.errs.Store(0)
}

// TTLs holds the per-namespace expirations, overridable from configuration.
type TTLs struct {
	Claim     time.Duration
	RiskScore time.Duration
	Payer     time.Duration
	Count     time.Duration
}

// DefaultTTLs returns the standard namespace TTLs.
func DefaultTTLs() TTLs {
	return TTLs{
		Claim:     30 * time.Minute,
		RiskScore: 60 * time.Minute,
		Payer:     24 * time.Hour,
		Count:     5 * time.Minute,
	}
}

// memoryEntry is one in-memory cache record.
type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// Memory is the in-process Cache used in development and tests. Expiration
// is lazy on read plus an optional background sweep.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	stats   counters
}

// NewMemory returns an empty in-memory cache.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]memoryEntry)}
}

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok || (!e.expiresAt.IsZero() && time.Now().After(e.expiresAt)) {
		if ok {
			m.mu.Lock()
			delete(m.entries, key)
			m.mu.Unlock()
		}
		m.stats.misses.Add(1)
		return "", ErrMiss
	}
	m.stats.hits.Add(1)
	return e.value, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	m.mu.Lock()
	m.entries[key] = memoryEntry{value: value, expiresAt: exp}
	m.mu.Unlock()
	m.stats.sets.Add(1)
	return nil
}

func (m *Memory) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	for _, k := range keys {
		delete(m.entries, k)
	}
	m.mu.Unlock()
	m.stats.deletes.Add(int64(len(keys)))
	return nil
}

func (m *Memory) DeletePattern(_ context.Context, pattern string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k := range m.entries {
		if globMatch(pattern, k) {
			delete(m.entries, k)
			n++
		}
	}
	m.stats.deletes.Add(int64(n))
	return n, nil
}

func (m *Memory) Increment(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	var n int64
	if ok && (e.expiresAt.IsZero() || time.Now().Before(e.expiresAt)) {
		n = parseInt(e.value)
	}
	n++
	exp := e.expiresAt
	if !ok || exp.IsZero() || time.Now().After(exp) {
		exp = time.Now().Add(ttl)
	}
	m.entries[key] = memoryEntry{value: formatInt(n), expiresAt: exp}
	return n, nil
}

func (m *Memory) Stats() Stats { return m.stats.snapshot() }
func (m *Memory) ResetStats()  { m.stats.reset() }

func (m *Memory) Ping(_ context.Context) error { return nil }

// StartCleanup sweeps expired entries until ctx is cancelled.
func (m *Memory) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				now := time.Now()
				m.mu.Lock()
				for k, e := range m.entries {
					if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
						delete(m.entries, k)
					}
				}
				m.mu.Unlock()
			}
		}
	}()
}

// globMatch supports the trailing-star patterns the invalidation paths use
// ("episode:42*", "count:episode*") plus exact keys.
func globMatch(pattern, key string) bool {
	if pattern == "" {
		return false
	}
	if pattern[len(pattern)-1] == '*' {
		prefix := pattern[:len(pattern)-1]
		return len(key) >= len(prefix) && key[:len(prefix)] == prefix
	}
	return pattern == key
}

func parseInt(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func formatInt(n int64) string { return strconv.FormatInt(n, 10) }
