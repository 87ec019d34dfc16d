package chatcache

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/nulpointcorp/chat-sync/internal/cache"
	"github.com/nulpointcorp/chat-sync/internal/config"
)

func testTTLs() config.TTLConfig {
	return config.TTLConfig{
		Metadata:   30 * time.Minute,
		Tombstone:  10 * time.Minute,
		Index:      24 * time.Hour,
		ActiveLRU:  24 * time.Hour,
		DailyStats: 48 * time.Hour,
		Viewed:     720 * time.Hour,
	}
}

// newTestCache returns a Cache backed by miniredis plus the server handle.
func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	store := cache.NewRedisStore("redis://"+mr.Addr(), slog.Default())
	t.Cleanup(func() { _ = store.Close() })

	return New(store, slog.Default(), testTTLs()), mr
}

// TestMetadataRoundTrip verifies a written record reads back intact and lands
// in the owner's index set.
func TestMetadataRoundTrip(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	m := &Metadata{
		ID:             "chat-1",
		HashedUserID:   "hash-a",
		VaultKeyRef:    "vault/key/1",
		EncryptedTitle: "ciphertext",
		CreatedAt:      At(time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)),
		UpdatedAt:      At(time.Date(2026, 8, 30, 11, 0, 0, 0, time.UTC)),
	}
	if !c.SetMetadata(ctx, m) {
		t.Fatal("SetMetadata reported failure")
	}

	got, ok := c.GetMetadata(ctx, "chat-1")
	if !ok {
		t.Fatal("expected hit, got miss")
	}
	if got.ID != "chat-1" || got.HashedUserID != "hash-a" || got.EncryptedTitle != "ciphertext" {
		t.Fatalf("record mangled in round trip: %+v", got)
	}
	if !got.UpdatedAt.Equal(m.UpdatedAt.Time) {
		t.Fatalf("UpdatedAt = %v, want %v", got.UpdatedAt, m.UpdatedAt)
	}

	ids := c.ChatIDs(ctx, "hash-a")
	if len(ids) != 1 || ids[0] != "chat-1" {
		t.Fatalf("index = %v, want [chat-1]", ids)
	}
}

// TestTombstoneInvariant verifies the deletion protocol: after MarkDeleted
// the id is out of the index, the record reads back with Deleted set, and
// the tombstone carries the shorter TTL.
func TestTombstoneInvariant(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	c.SetMetadata(ctx, &Metadata{ID: "chat-1", HashedUserID: "hash-a"})

	if !c.MarkDeleted(ctx, "chat-1", "hash-a") {
		t.Fatal("MarkDeleted reported failure")
	}

	if ids := c.ChatIDs(ctx, "hash-a"); len(ids) != 0 {
		t.Fatalf("index still holds %v after MarkDeleted", ids)
	}

	got, ok := c.GetMetadata(ctx, "chat-1")
	if !ok {
		t.Fatal("tombstone must read back, not vanish")
	}
	if !got.Deleted {
		t.Fatal("tombstone record must have Deleted set")
	}
	if got.DeletedAt.IsZero() {
		t.Fatal("tombstone record must carry DeletedAt")
	}

	ttl := mr.TTL("chat:chat-1:metadata")
	if ttl <= 0 || ttl > testTTLs().Tombstone {
		t.Fatalf("tombstone TTL = %s, want 0 < ttl <= %s", ttl, testTTLs().Tombstone)
	}
}

// TestTombstoneWithoutCachedRecord verifies that deleting a chat whose
// record already expired still writes a minimal tombstone stub.
func TestTombstoneWithoutCachedRecord(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	if !c.MarkDeleted(ctx, "ghost", "hash-b") {
		t.Fatal("MarkDeleted reported failure")
	}

	got, ok := c.GetMetadata(ctx, "ghost")
	if !ok || !got.Deleted || got.HashedUserID != "hash-b" {
		t.Fatalf("stub tombstone = %+v (ok=%v)", got, ok)
	}
}

// TestMalformedRecordQuarantined verifies that an undecodable value is
// dropped from the store and reported as a miss, not best-effort decoded.
func TestMalformedRecordQuarantined(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	mr.Set("chat:bad:metadata", "not json at all")

	if _, ok := c.GetMetadata(ctx, "bad"); ok {
		t.Fatal("malformed record must read as a miss")
	}
	if mr.Exists("chat:bad:metadata") {
		t.Fatal("malformed record must be deleted from the store")
	}
}

// TestLRUBound verifies the fixed-size active-chat window: five distinct
// touches leave exactly three entries, most recent first, each unique.
func TestLRUBound(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	for _, id := range []string{"c1", "c2", "c3", "c4", "c5"} {
		if !c.TouchLRU(ctx, "user-raw", id) {
			t.Fatalf("TouchLRU(%s) reported failure", id)
		}
	}

	got := c.ActiveChats(ctx, "user-raw")
	want := []string{"c5", "c4", "c3"}
	if len(got) != TopActiveChats {
		t.Fatalf("window holds %d entries, want %d: %v", len(got), TopActiveChats, got)
	}
	seen := map[string]bool{}
	for i, id := range got {
		if id != want[i] {
			t.Fatalf("window = %v, want %v", got, want)
		}
		if seen[id] {
			t.Fatalf("duplicate %s in window %v", id, got)
		}
		seen[id] = true
	}
}

// TestSortKeyFallback verifies UpdatedAt → CreatedAt → epoch fallback.
func TestSortKeyFallback(t *testing.T) {
	updated := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	created := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	m := &Metadata{UpdatedAt: At(updated), CreatedAt: At(created)}
	if !m.SortKey().Equal(updated) {
		t.Fatalf("SortKey = %v, want UpdatedAt %v", m.SortKey(), updated)
	}

	m = &Metadata{CreatedAt: At(created)}
	if !m.SortKey().Equal(created) {
		t.Fatalf("SortKey = %v, want CreatedAt %v", m.SortKey(), created)
	}

	m = &Metadata{}
	if !m.SortKey().Equal(time.Unix(0, 0)) {
		t.Fatalf("SortKey = %v, want epoch", m.SortKey())
	}
}

// TestMetadataJSONFieldNames pins the wire-level field names other services
// write; renaming a field here silently orphans every existing record.
func TestMetadataJSONFieldNames(t *testing.T) {
	raw, err := json.Marshal(&Metadata{
		ID:           "c",
		HashedUserID: "h",
		Deleted:      true,
		DeletedAt:    At(time.Unix(1756500000, 0)),
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, field := range []string{"id", "hashed_user_id", "deleted", "deleted_at"} {
		if _, ok := m[field]; !ok {
			t.Fatalf("field %q missing from %s", field, raw)
		}
	}
}
