package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultOpTimeout = 2 * time.Second
	dialTimeout      = 5 * time.Second
	scanBatch        = 512
)

// ErrUnavailable is returned by Ping while the sticky failure flag is set and
// a fresh dial attempt also fails.
var ErrUnavailable = errors.New("cache: redis unavailable")

// RedisStore is the Redis-backed Store implementation.
//
// The underlying client is created lazily on first use and memoized. A failed
// dial sets a sticky failure flag so subsequent calls short-circuit to
// "unavailable" instead of re-attempting the handshake on every operation —
// this prevents connection storms against a degraded backend. The flag is
// cleared by a successful Ping (the health probe in internal/app calls Ping
// every 30s, so a recovered Redis is picked up within one probe interval).
//
// Every data operation runs under its own short timeout so one slow call
// cannot starve concurrent operations sharing the multiplexed connection.
type RedisStore struct {
	url       string
	opTimeout time.Duration
	log       *slog.Logger
	observe   OpObserver

	mu     sync.Mutex
	client *redis.Client

	failed atomic.Bool
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithOpTimeout overrides the per-operation timeout (default 2s).
func WithOpTimeout(d time.Duration) RedisOption {
	return func(s *RedisStore) { s.opTimeout = d }
}

// WithObserver installs a metrics callback invoked once per operation.
func WithObserver(o OpObserver) RedisOption {
	return func(s *RedisStore) { s.observe = o }
}

// NewRedisStore creates a RedisStore for the given redis:// URL.
// No connection is made here — the dial happens on first use.
func NewRedisStore(url string, log *slog.Logger, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		url:       url,
		opTimeout: defaultOpTimeout,
		log:       log,
		observe:   func(string, string) {},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// conn returns the memoized client, dialing on first use. Returns (nil,
// false) without touching the network while the sticky failure flag is set.
func (s *RedisStore) conn(ctx context.Context) (*redis.Client, bool) {
	if s.failed.Load() {
		return nil, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		return s.client, true
	}

	opts, err := redis.ParseURL(s.url)
	if err != nil {
		s.failed.Store(true)
		s.log.Error("cache_url_invalid", slog.String("error", err.Error()))
		return nil, false
	}

	cli := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	if err := cli.Ping(pingCtx).Err(); err != nil {
		_ = cli.Close()
		s.failed.Store(true)
		s.log.Warn("cache_dial_failed", slog.String("error", err.Error()))
		return nil, false
	}

	s.client = cli
	return cli, true
}

func (s *RedisStore) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

// warn logs a degraded operation and records it with the observer.
func (s *RedisStore) warn(op, key string, err error) {
	s.observe(op, "error")
	s.log.Warn("cache_op_error",
		slog.String("op", op),
		slog.String("key", key),
		slog.String("error", err.Error()),
	)
}

// Get returns (nil, false) on a miss, on any transport error, and while the
// store is flagged unavailable.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool) {
	cli, ok := s.conn(ctx)
	if !ok {
		return nil, false
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	val, err := cli.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			s.observe("get", "miss")
		} else {
			s.warn("get", key, err)
		}
		return nil, false
	}

	s.observe("get", "ok")
	return val, true
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) bool {
	cli, ok := s.conn(ctx)
	if !ok {
		return false
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if err := cli.Set(ctx, key, value, ttl).Err(); err != nil {
		s.warn("set", key, err)
		return false
	}

	s.observe("set", "ok")
	return true
}

func (s *RedisStore) Delete(ctx context.Context, key string) bool {
	cli, ok := s.conn(ctx)
	if !ok {
		return false
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if err := cli.Del(ctx, key).Err(); err != nil {
		s.warn("del", key, err)
		return false
	}

	s.observe("del", "ok")
	return true
}

// KeysByPattern enumerates keys matching a glob pattern via SCAN (never KEYS,
// which blocks the server on large keyspaces).
func (s *RedisStore) KeysByPattern(ctx context.Context, pattern string) []string {
	cli, ok := s.conn(ctx)
	if !ok {
		return nil
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	keys := []string{} // non-nil so callers can tell "no matches" from "scan failed"
	iter := cli.Scan(ctx, 0, pattern, scanBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		s.warn("scan", pattern, err)
		return nil
	}

	s.observe("scan", "ok")
	return keys
}

// Clear deletes every key starting with prefix. An empty match set is a
// successful no-op so repeated Clear calls are idempotent.
func (s *RedisStore) Clear(ctx context.Context, prefix string) bool {
	keys := s.KeysByPattern(ctx, prefix+"*")
	if keys == nil {
		// nil means the scan itself failed; an empty scan returns [].
		return false
	}
	if len(keys) == 0 {
		return true
	}

	cli, ok := s.conn(ctx)
	if !ok {
		return false
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	for start := 0; start < len(keys); start += scanBatch {
		end := min(start+scanBatch, len(keys))
		if err := cli.Del(ctx, keys[start:end]...).Err(); err != nil {
			s.warn("clear", prefix, err)
			return false
		}
	}

	s.observe("clear", "ok")
	return true
}

func (s *RedisStore) HIncrBy(ctx context.Context, key, field string, delta int64) bool {
	cli, ok := s.conn(ctx)
	if !ok {
		return false
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if err := cli.HIncrBy(ctx, key, field, delta).Err(); err != nil {
		s.warn("hincrby", key, err)
		return false
	}

	s.observe("hincrby", "ok")
	return true
}

func (s *RedisStore) HSet(ctx context.Context, key, field, value string) bool {
	cli, ok := s.conn(ctx)
	if !ok {
		return false
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if err := cli.HSet(ctx, key, field, value).Err(); err != nil {
		s.warn("hset", key, err)
		return false
	}

	s.observe("hset", "ok")
	return true
}

func (s *RedisStore) HDel(ctx context.Context, key string, fields ...string) bool {
	cli, ok := s.conn(ctx)
	if !ok {
		return false
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if err := cli.HDel(ctx, key, fields...).Err(); err != nil {
		s.warn("hdel", key, err)
		return false
	}

	s.observe("hdel", "ok")
	return true
}

// HGetAll returns the full hash at key. A missing key yields an empty map
// with ok=true — Redis does not distinguish an empty hash from an absent one.
func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, bool) {
	cli, ok := s.conn(ctx)
	if !ok {
		return nil, false
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	m, err := cli.HGetAll(ctx, key).Result()
	if err != nil {
		s.warn("hgetall", key, err)
		return nil, false
	}

	s.observe("hgetall", "ok")
	return m, true
}

func (s *RedisStore) IncrBy(ctx context.Context, key string, delta int64) bool {
	cli, ok := s.conn(ctx)
	if !ok {
		return false
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if err := cli.IncrBy(ctx, key, delta).Err(); err != nil {
		s.warn("incrby", key, err)
		return false
	}

	s.observe("incrby", "ok")
	return true
}

func (s *RedisStore) SetInt(ctx context.Context, key string, value int64, ttl time.Duration) bool {
	return s.Set(ctx, key, []byte(fmt.Sprintf("%d", value)), ttl)
}

func (s *RedisStore) GetInt(ctx context.Context, key string) (int64, bool) {
	cli, ok := s.conn(ctx)
	if !ok {
		return 0, false
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	v, err := cli.Get(ctx, key).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			s.observe("get", "miss")
		} else {
			s.warn("get", key, err)
		}
		return 0, false
	}

	s.observe("get", "ok")
	return v, true
}

func (s *RedisStore) SAdd(ctx context.Context, key string, members ...string) bool {
	cli, ok := s.conn(ctx)
	if !ok {
		return false
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}

	if err := cli.SAdd(ctx, key, args...).Err(); err != nil {
		s.warn("sadd", key, err)
		return false
	}

	s.observe("sadd", "ok")
	return true
}

func (s *RedisStore) SRem(ctx context.Context, key string, members ...string) bool {
	cli, ok := s.conn(ctx)
	if !ok {
		return false
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}

	if err := cli.SRem(ctx, key, args...).Err(); err != nil {
		s.warn("srem", key, err)
		return false
	}

	s.observe("srem", "ok")
	return true
}

func (s *RedisStore) SMembers(ctx context.Context, key string) []string {
	cli, ok := s.conn(ctx)
	if !ok {
		return nil
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	members, err := cli.SMembers(ctx, key).Result()
	if err != nil {
		s.warn("smembers", key, err)
		return nil
	}

	s.observe("smembers", "ok")
	return members
}

// LPushCapped performs remove-existing / push-front / trim / refresh-TTL as
// one pipelined transaction so concurrent touches cannot interleave a trim
// between someone else's push and expire.
func (s *RedisStore) LPushCapped(ctx context.Context, key, value string, max int64, ttl time.Duration) bool {
	cli, ok := s.conn(ctx)
	if !ok {
		return false
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	pipe := cli.TxPipeline()
	pipe.LRem(ctx, key, 0, value)
	pipe.LPush(ctx, key, value)
	pipe.LTrim(ctx, key, 0, max-1)
	pipe.Expire(ctx, key, ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		s.warn("lpushcapped", key, err)
		return false
	}

	s.observe("lpushcapped", "ok")
	return true
}

func (s *RedisStore) LRange(ctx context.Context, key string) []string {
	cli, ok := s.conn(ctx)
	if !ok {
		return nil
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	vals, err := cli.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		s.warn("lrange", key, err)
		return nil
	}

	s.observe("lrange", "ok")
	return vals
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) bool {
	cli, ok := s.conn(ctx)
	if !ok {
		return false
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if err := cli.Expire(ctx, key, ttl).Err(); err != nil {
		s.warn("expire", key, err)
		return false
	}

	s.observe("expire", "ok")
	return true
}

// Ping verifies connectivity. It bypasses the sticky failure flag — a
// successful probe clears the flag so data operations resume.
func (s *RedisStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	cli := s.client
	s.mu.Unlock()

	if cli == nil {
		s.failed.Store(false)
		if _, ok := s.conn(ctx); !ok {
			return ErrUnavailable
		}
		return nil // conn pinged during the dial
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if err := cli.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("cache: ping: %w", err)
	}

	s.failed.Store(false)
	return nil
}

// Close releases the Redis connection pool if one was ever dialed.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}
