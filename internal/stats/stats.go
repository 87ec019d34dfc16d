// Package stats maintains the usage counters mirrored in the key-value
// store: one hash of counters per UTC calendar day, plus three global
// running totals.
//
// Reads return (0, false) on a miss or a degraded store. Callers must treat
// that zero as "unknown", not a verified count — after a cold start the
// mirror holds nothing until SetGlobal resynchronizes it from the system of
// record.
package stats

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/nulpointcorp/chat-sync/internal/cache"
	"github.com/nulpointcorp/chat-sync/internal/config"
)

// Counter identifies one of the global running totals.
type Counter string

const (
	// CounterLiability is the outstanding liability total.
	CounterLiability Counter = "liability"
	// CounterRegularUsers is the total count of regular users.
	CounterRegularUsers Counter = "users"
	// CounterSubscriptions is the count of active subscriptions.
	CounterSubscriptions Counter = "subscriptions"
)

const (
	dailyKeyPrefix  = "stats:global:daily:"
	globalKeyPrefix = "stats:global:"
	dayLayout       = "2006-01-02"
)

// Counters is the stats store.
type Counters struct {
	store cache.Store
	log   *slog.Logger
	ttl   config.TTLConfig
}

func New(store cache.Store, log *slog.Logger, ttl config.TTLConfig) *Counters {
	return &Counters{store: store, log: log, ttl: ttl}
}

func dailyKey(day time.Time) string {
	return dailyKeyPrefix + day.UTC().Format(dayLayout)
}

func globalKey(c Counter) string {
	return globalKeyPrefix + string(c)
}

// IncrDaily atomically increments one field of today's counter hash and
// refreshes the record's TTL. A field can be touched many times per day; the
// only per-call cost beyond the increment is the day-key computation.
func (c *Counters) IncrDaily(ctx context.Context, field string, delta int64) bool {
	key := dailyKey(time.Now())
	if !c.store.HIncrBy(ctx, key, field, delta) {
		return false
	}
	c.store.Expire(ctx, key, c.ttl.DailyStats)
	return true
}

// DailySnapshot returns all counters recorded for the given UTC day.
// An expired or never-written day yields an empty map.
func (c *Counters) DailySnapshot(ctx context.Context, day time.Time) (map[string]int64, bool) {
	raw, ok := c.store.HGetAll(ctx, dailyKey(day))
	if !ok {
		return nil, false
	}

	out := make(map[string]int64, len(raw))
	for field, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			c.log.Warn("stats_malformed_field",
				slog.String("day", day.UTC().Format(dayLayout)),
				slog.String("field", field),
				slog.String("value", v),
			)
			continue
		}
		out[field] = n
	}
	return out, true
}

// IncrGlobal applies a relative delta (possibly negative) to one of the
// global running totals.
func (c *Counters) IncrGlobal(ctx context.Context, counter Counter, delta int64) bool {
	return c.store.IncrBy(ctx, globalKey(counter), delta)
}

// SetGlobal force-sets a global total to an absolute value. Used only during
// cold-start reconciliation against the system of record, so the mirror
// never drifts permanently after a restart. Global totals carry no TTL.
func (c *Counters) SetGlobal(ctx context.Context, counter Counter, value int64) bool {
	return c.store.SetInt(ctx, globalKey(counter), value, 0)
}

// GetGlobal reads a global total. (0, false) means unknown, not zero.
func (c *Counters) GetGlobal(ctx context.Context, counter Counter) (int64, bool) {
	return c.store.GetInt(ctx, globalKey(counter))
}
