package cache

import (
	"context"
	"path"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

// memEntry stores one value together with its expiry time. Exactly one of
// the value fields is populated depending on the entry's kind.
type memEntry struct {
	data      []byte
	hash      map[string]string
	set       map[string]struct{}
	list      []string
	expiresAt time.Time
}

func (e *memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryStore is an in-process Store with per-entry TTL.
//
// It is safe for concurrent use. A background goroutine periodically removes
// expired entries to prevent unbounded memory growth. Use this backend for
// single-instance deployments and local development; multi-replica
// deployments need RedisStore so all replicas see the same chat-state mirror.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]*memEntry

	done      chan struct{}
	closeOnce sync.Once
}

// NewMemoryStore creates a MemoryStore and starts the background sweep loop.
// The sweeper stops when ctx is cancelled or Close is called.
func NewMemoryStore(ctx context.Context) *MemoryStore {
	s := &MemoryStore{
		items: make(map[string]*memEntry),
		done:  make(chan struct{}),
	}
	go s.sweep(ctx)
	return s
}

// entry returns the live entry for key, lazily dropping it when expired.
// Caller must hold mu.
func (s *MemoryStore) entry(key string) (*memEntry, bool) {
	e, ok := s.items[key]
	if !ok {
		return nil, false
	}
	if e.expired(time.Now()) {
		delete(s.items, key)
		return nil, false
	}
	return e, true
}

// upsert returns the entry for key, creating it with the given TTL when
// absent, and refreshing the TTL when ttl > 0. Caller must hold mu.
func (s *MemoryStore) upsert(key string, ttl time.Duration) *memEntry {
	e, ok := s.entry(key)
	if !ok {
		e = &memEntry{}
		s.items[key] = e
	}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	return e
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entry(key)
	if !ok || e.data == nil {
		return nil, false
	}
	return e.data, true
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items[key] = &memEntry{data: value, expiresAt: expiry(ttl)}
	return true
}

func (s *MemoryStore) Delete(_ context.Context, key string) bool {
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
	return true
}

func (s *MemoryStore) KeysByPattern(_ context.Context, pattern string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	keys := []string{}
	for k, e := range s.items {
		if e.expired(now) {
			continue
		}
		if ok, _ := path.Match(pattern, k); ok {
			keys = append(keys, k)
		}
	}
	return keys
}

func (s *MemoryStore) Clear(_ context.Context, prefix string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k := range s.items {
		if strings.HasPrefix(k, prefix) {
			delete(s.items, k)
		}
	}
	return true
}

func (s *MemoryStore) HIncrBy(_ context.Context, key, field string, delta int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.upsert(key, 0)
	if e.hash == nil {
		e.hash = make(map[string]string)
	}
	cur, _ := strconv.ParseInt(e.hash[field], 10, 64)
	e.hash[field] = strconv.FormatInt(cur+delta, 10)
	return true
}

func (s *MemoryStore) HSet(_ context.Context, key, field, value string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.upsert(key, 0)
	if e.hash == nil {
		e.hash = make(map[string]string)
	}
	e.hash[field] = value
	return true
}

func (s *MemoryStore) HDel(_ context.Context, key string, fields ...string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entry(key); ok && e.hash != nil {
		for _, f := range fields {
			delete(e.hash, f)
		}
	}
	return true
}

func (s *MemoryStore) HGetAll(_ context.Context, key string) (map[string]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]string)
	if e, ok := s.entry(key); ok {
		for f, v := range e.hash {
			out[f] = v
		}
	}
	return out, true
}

func (s *MemoryStore) IncrBy(_ context.Context, key string, delta int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.upsert(key, 0)
	cur, _ := strconv.ParseInt(string(e.data), 10, 64)
	e.data = []byte(strconv.FormatInt(cur+delta, 10))
	return true
}

func (s *MemoryStore) SetInt(ctx context.Context, key string, value int64, ttl time.Duration) bool {
	return s.Set(ctx, key, []byte(strconv.FormatInt(value, 10)), ttl)
}

func (s *MemoryStore) GetInt(ctx context.Context, key string) (int64, bool) {
	raw, ok := s.Get(ctx, key)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func (s *MemoryStore) SAdd(_ context.Context, key string, members ...string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.upsert(key, 0)
	if e.set == nil {
		e.set = make(map[string]struct{})
	}
	for _, m := range members {
		e.set[m] = struct{}{}
	}
	return true
}

func (s *MemoryStore) SRem(_ context.Context, key string, members ...string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entry(key); ok && e.set != nil {
		for _, m := range members {
			delete(e.set, m)
		}
	}
	return true
}

func (s *MemoryStore) SMembers(_ context.Context, key string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entry(key)
	if !ok || e.set == nil {
		return nil
	}
	members := make([]string, 0, len(e.set))
	for m := range e.set {
		members = append(members, m)
	}
	return members
}

func (s *MemoryStore) LPushCapped(_ context.Context, key, value string, max int64, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.upsert(key, ttl)
	list := slices.DeleteFunc(slices.Clone(e.list), func(v string) bool { return v == value })
	list = append([]string{value}, list...)
	if int64(len(list)) > max {
		list = list[:max]
	}
	e.list = list
	return true
}

func (s *MemoryStore) LRange(_ context.Context, key string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entry(key)
	if !ok || e.list == nil {
		return nil
	}
	return slices.Clone(e.list)
}

func (s *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entry(key)
	if !ok {
		return false
	}
	e.expiresAt = expiry(ttl)
	return true
}

func (s *MemoryStore) Ping(_ context.Context) error { return nil }

// Len returns the number of entries currently held (including entries that
// may have expired but not yet been swept).
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Close stops the background sweep goroutine.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// sweep runs every 5 minutes and evicts all expired entries.
func (s *MemoryStore) sweep(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.evictExpired()
		case <-ctx.Done():
			return
		case <-s.done:
			return
		}
	}
}

func (s *MemoryStore) evictExpired() {
	now := time.Now()

	s.mu.Lock()
	for k, e := range s.items {
		if e.expired(now) {
			delete(s.items, k)
		}
	}
	s.mu.Unlock()
}

func expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{} // no expiry
	}
	return time.Now().Add(ttl)
}
