// Package delivery tracks the at-least-once, de-duplicated delivery of
// asynchronously generated content ("inspirations").
//
// Per (user, item) the tracker holds an explicit state:
//
//	StatePending   — produced, not yet pushed to any client
//	StateDelivered — pushed over a connection, client has not acknowledged
//	(cleared)      — client confirmed durable storage; entry removed
//
// Only ClearPending removes entries. If the connection drops between
// StateDelivered and the client's ACK, the item is still returned by the
// next Pending call and redelivered — content must never be considered
// delivered before the client confirms persistence.
//
// No payload content is stored here, only opaque identifiers; the content
// itself lives with the system of record.
package delivery

import (
	"context"
	"log/slog"

	"github.com/nulpointcorp/chat-sync/internal/cache"
	"github.com/nulpointcorp/chat-sync/internal/config"
)

// State is the delivery state of one (user, item) pair.
type State string

const (
	StatePending   State = "pending"
	StateDelivered State = "delivered"
)

// Item is one tracked entry.
type Item struct {
	ID    string
	State State
}

const (
	pendingKeyPrefix = "inspiration:pending:"
	viewedKeyPrefix  = "inspiration:viewed:"
)

// Tracker is the acknowledgment tracker.
type Tracker struct {
	store cache.Store
	log   *slog.Logger
	ttl   config.TTLConfig
}

func New(store cache.Store, log *slog.Logger, ttl config.TTLConfig) *Tracker {
	return &Tracker{store: store, log: log, ttl: ttl}
}

func pendingKey(userID string) string         { return pendingKeyPrefix + userID }
func viewedKey(userID, itemID string) string  { return viewedKeyPrefix + userID + ":" + itemID }

// Enqueue records a freshly produced item as pending delivery.
func (t *Tracker) Enqueue(ctx context.Context, userID, itemID string) bool {
	return t.store.HSet(ctx, pendingKey(userID), itemID, string(StatePending))
}

// Pending returns every undelivered or unacknowledged item for the user.
// Items already in StateDelivered are included — that is the redelivery
// path for connections that dropped before the ACK arrived.
func (t *Tracker) Pending(ctx context.Context, userID string) []Item {
	raw, ok := t.store.HGetAll(ctx, pendingKey(userID))
	if !ok {
		return nil
	}

	items := make([]Item, 0, len(raw))
	for id, st := range raw {
		switch State(st) {
		case StatePending, StateDelivered:
			items = append(items, Item{ID: id, State: State(st)})
		default:
			t.log.Warn("delivery_unknown_state",
				slog.String("item_id", id),
				slog.String("state", st),
			)
		}
	}
	return items
}

// MarkDelivered transitions items to StateDelivered after they were pushed
// over a connection. The entries stay in the pending hash — delivery is not
// completion, only the client ACK clears them.
func (t *Tracker) MarkDelivered(ctx context.Context, userID string, itemIDs []string) bool {
	ok := true
	for _, id := range itemIDs {
		if !t.store.HSet(ctx, pendingKey(userID), id, string(StateDelivered)) {
			ok = false
		}
	}
	return ok
}

// ClearPending removes every tracked entry for the user. Called when the
// client acknowledges that it has durably stored what it received.
func (t *Tracker) ClearPending(ctx context.Context, userID string) bool {
	return t.store.Delete(ctx, pendingKey(userID))
}

// TrackViewed records the independent "seen" signal for one item. Distinct
// from the delivery ACK: a generation scheduler consults it to avoid
// re-surfacing content the user has already looked at.
func (t *Tracker) TrackViewed(ctx context.Context, userID, itemID string) bool {
	return t.store.Set(ctx, viewedKey(userID, itemID), []byte("1"), t.ttl.Viewed)
}

// Viewed reports whether the item carries a viewed marker. False also covers
// a degraded store — the scheduler may then surface a duplicate, which is
// the acceptable direction to fail in.
func (t *Tracker) Viewed(ctx context.Context, userID, itemID string) bool {
	_, ok := t.store.Get(ctx, viewedKey(userID, itemID))
	return ok
}
