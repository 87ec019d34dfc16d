package delivery

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/nulpointcorp/chat-sync/internal/cache"
	"github.com/nulpointcorp/chat-sync/internal/config"
)

func newTestTracker(t *testing.T) (*Tracker, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	store := cache.NewRedisStore("redis://"+mr.Addr(), slog.Default())
	t.Cleanup(func() { _ = store.Close() })

	ttl := config.TTLConfig{Viewed: 720 * time.Hour}
	return New(store, slog.Default(), ttl), mr
}

func pendingIDs(t *testing.T, tr *Tracker, userID string) map[string]State {
	t.Helper()

	out := make(map[string]State)
	for _, it := range tr.Pending(context.Background(), userID) {
		out[it.ID] = it.State
	}
	return out
}

// TestEnqueueAndPending verifies a produced item shows up as pending.
func TestEnqueueAndPending(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	tr.Enqueue(ctx, "u1", "insp-1")

	got := pendingIDs(t, tr, "u1")
	if got["insp-1"] != StatePending {
		t.Fatalf("pending = %v, want insp-1 in StatePending", got)
	}
}

// TestRedeliveryUntilAck is the regression guard for the historical
// data-loss bug: an item pushed to a client (StateDelivered) must remain
// retrievable by every subsequent Pending call until the client ACK clears
// it — a dropped connection between push and ACK must redeliver.
func TestRedeliveryUntilAck(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	tr.Enqueue(ctx, "u1", "insp-1")
	tr.MarkDelivered(ctx, "u1", []string{"insp-1"})

	// Connection dropped here; the next connection re-reads pending.
	got := pendingIDs(t, tr, "u1")
	if got["insp-1"] != StateDelivered {
		t.Fatalf("pending after delivery = %v, want insp-1 in StateDelivered", got)
	}

	// Second redelivery attempt is also fine.
	tr.MarkDelivered(ctx, "u1", []string{"insp-1"})
	if len(pendingIDs(t, tr, "u1")) != 1 {
		t.Fatal("item must survive repeated deliveries without an ACK")
	}

	// Client finally confirms durable storage.
	tr.ClearPending(ctx, "u1")
	if got := pendingIDs(t, tr, "u1"); len(got) != 0 {
		t.Fatalf("pending after ACK = %v, want empty", got)
	}
}

// TestClearPendingIsPerUser verifies one user's ACK cannot clear another's.
func TestClearPendingIsPerUser(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	tr.Enqueue(ctx, "u1", "a")
	tr.Enqueue(ctx, "u2", "b")

	tr.ClearPending(ctx, "u1")

	if len(pendingIDs(t, tr, "u1")) != 0 {
		t.Fatal("u1 should be cleared")
	}
	if len(pendingIDs(t, tr, "u2")) != 1 {
		t.Fatal("u2 must be untouched by u1's ACK")
	}
}

// TestViewedIndependentOfDelivery verifies the "seen" signal is tracked
// separately from the delivery ACK and carries a TTL.
func TestViewedIndependentOfDelivery(t *testing.T) {
	tr, mr := newTestTracker(t)
	ctx := context.Background()

	tr.Enqueue(ctx, "u1", "insp-1")
	tr.TrackViewed(ctx, "u1", "insp-1")

	if !tr.Viewed(ctx, "u1", "insp-1") {
		t.Fatal("viewed marker missing")
	}
	// Viewing does not acknowledge delivery.
	if len(pendingIDs(t, tr, "u1")) != 1 {
		t.Fatal("viewed item must still be pending until the delivery ACK")
	}
	// Another user's view of the same item id is independent.
	if tr.Viewed(ctx, "u2", "insp-1") {
		t.Fatal("viewed marker leaked across users")
	}

	// The marker ages out with the configured retention.
	mr.FastForward(721 * time.Hour)
	if tr.Viewed(ctx, "u1", "insp-1") {
		t.Fatal("viewed marker must expire after its TTL")
	}
}

// TestPendingSkipsUnknownStates verifies entries written by a newer
// deployment with states this build doesn't know are skipped, not mangled.
func TestPendingSkipsUnknownStates(t *testing.T) {
	tr, mr := newTestTracker(t)

	mr.HSet("inspiration:pending:u1", "weird", "archived")
	mr.HSet("inspiration:pending:u1", "ok", string(StatePending))

	got := pendingIDs(t, tr, "u1")
	if len(got) != 1 || got["ok"] != StatePending {
		t.Fatalf("pending = %v, want only the known-state entry", got)
	}
}
