package sync

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/nulpointcorp/chat-sync/internal/cache"
	"github.com/nulpointcorp/chat-sync/internal/chatcache"
	"github.com/nulpointcorp/chat-sync/internal/config"
	"github.com/nulpointcorp/chat-sync/internal/metrics"
	"github.com/nulpointcorp/chat-sync/pkg/wire"
)

// captureTransport records every frame pushed through it.
type captureTransport struct {
	frames []wire.Frame
	err    error
}

func (c *captureTransport) Send(_ context.Context, _, _ string, frame wire.Frame) error {
	c.frames = append(c.frames, frame)
	return c.err
}

// identityDecrypter returns the ciphertext as the title.
var identityDecrypter = DecrypterFunc(func(_ context.Context, ciphertext, _ string) (string, error) {
	return ciphertext, nil
})

func testTTLs() config.TTLConfig {
	return config.TTLConfig{
		Metadata:  30 * time.Minute,
		Tombstone: 10 * time.Minute,
		Index:     24 * time.Hour,
		ActiveLRU: 24 * time.Hour,
	}
}

type fixture struct {
	store     cache.Store
	chats     *chatcache.Cache
	transport *captureTransport
	orch      *Orchestrator
}

func newFixture(t *testing.T, dec Decrypter) *fixture {
	t.Helper()

	store := cache.NewMemoryStore(t.Context())
	t.Cleanup(func() { _ = store.Close() })

	chats := chatcache.New(store, slog.Default(), testTTLs())
	transport := &captureTransport{}

	return &fixture{
		store:     store,
		chats:     chats,
		transport: transport,
		orch:      New(chats, dec, transport, metrics.NewRegistry(), slog.Default()),
	}
}

// payload decodes the single initial_sync_data frame the fixture captured.
func (f *fixture) payload(t *testing.T) wire.InitialSyncPayload {
	t.Helper()

	if len(f.transport.frames) != 1 {
		t.Fatalf("captured %d frames, want exactly 1", len(f.transport.frames))
	}
	frame := f.transport.frames[0]
	if frame.Type != wire.TypeInitialSync {
		t.Fatalf("frame type = %q, want %q", frame.Type, wire.TypeInitialSync)
	}

	var p wire.InitialSyncPayload
	if err := json.Unmarshal(frame.Payload, &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	return p
}

func (f *fixture) putChat(t *testing.T, m *chatcache.Metadata) {
	t.Helper()
	if !f.chats.SetMetadata(context.Background(), m) {
		t.Fatalf("SetMetadata(%s) failed", m.ID)
	}
}

// TestSyncEmptyIndex verifies an empty index is "nothing to sync", not an
// error: one frame, empty chat list, no error marker.
func TestSyncEmptyIndex(t *testing.T) {
	f := newFixture(t, identityDecrypter)

	f.orch.Sync(context.Background(), "alice", "dev-1")

	p := f.payload(t)
	if len(p.Chats) != 0 {
		t.Fatalf("chats = %v, want empty", p.Chats)
	}
	if p.Error != "" {
		t.Fatalf("error = %q, want none", p.Error)
	}
	if p.Chats == nil {
		t.Fatal("chats must marshal as [], not null")
	}
}

// TestSyncSortOrder verifies descending order by UpdatedAt with the
// CreatedAt fallback: t3, t2, t1, then the record that only has t0.
func TestSyncSortOrder(t *testing.T) {
	f := newFixture(t, identityDecrypter)
	h := HashUserID("alice")

	base := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	t0, t1, t2, t3 := base, base.Add(time.Hour), base.Add(2*time.Hour), base.Add(3*time.Hour)

	f.putChat(t, &chatcache.Metadata{ID: "c1", HashedUserID: h, EncryptedTitle: "one", UpdatedAt: chatcache.At(t1)})
	f.putChat(t, &chatcache.Metadata{ID: "c3", HashedUserID: h, EncryptedTitle: "three", UpdatedAt: chatcache.At(t3)})
	f.putChat(t, &chatcache.Metadata{ID: "c0", HashedUserID: h, EncryptedTitle: "zero", CreatedAt: chatcache.At(t0)})
	f.putChat(t, &chatcache.Metadata{ID: "c2", HashedUserID: h, EncryptedTitle: "two", UpdatedAt: chatcache.At(t2)})

	f.orch.Sync(context.Background(), "alice", "dev-1")

	p := f.payload(t)
	var got []string
	for _, c := range p.Chats {
		got = append(got, c.ID)
	}
	want := []string{"c3", "c2", "c1", "c0"}
	if len(got) != len(want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

// TestSyncTenantIsolation verifies a record owned by hashed user A is
// excluded from B's sync even when B's index somehow references it.
func TestSyncTenantIsolation(t *testing.T) {
	f := newFixture(t, identityDecrypter)
	ctx := context.Background()

	hashA := HashUserID("alice")
	f.putChat(t, &chatcache.Metadata{ID: "a-chat", HashedUserID: hashA, EncryptedTitle: "private"})

	// Poison B's index with A's chat id.
	hashB := HashUserID("bob")
	f.store.SAdd(ctx, "user:"+hashB+":chats", "a-chat")

	f.orch.Sync(ctx, "bob", "dev-1")

	p := f.payload(t)
	if len(p.Chats) != 0 {
		t.Fatalf("bob's sync leaked %v", p.Chats)
	}
	if p.Error != "" {
		t.Fatalf("tenant mismatch must be silent, got error %q", p.Error)
	}
}

// TestSyncSkipsTombstones verifies a deleted record still referenced by the
// index (set-removal race) is omitted.
func TestSyncSkipsTombstones(t *testing.T) {
	f := newFixture(t, identityDecrypter)
	ctx := context.Background()
	h := HashUserID("alice")

	f.putChat(t, &chatcache.Metadata{ID: "live", HashedUserID: h, EncryptedTitle: "live"})
	f.putChat(t, &chatcache.Metadata{ID: "gone", HashedUserID: h, EncryptedTitle: "gone"})
	f.chats.MarkDeleted(ctx, "gone", h)
	// Simulate the race where the tombstone write landed but the index
	// removal did not.
	f.store.SAdd(ctx, "user:"+h+":chats", "gone")

	f.orch.Sync(ctx, "alice", "dev-1")

	p := f.payload(t)
	if len(p.Chats) != 1 || p.Chats[0].ID != "live" {
		t.Fatalf("chats = %v, want only the live chat", p.Chats)
	}
}

// TestSyncTitleFallbacks verifies the three title paths: decrypted,
// decrypt-failed fallback, and the default for chats with no title at all.
func TestSyncTitleFallbacks(t *testing.T) {
	failFor := map[string]bool{"broken-cipher": true}
	dec := DecrypterFunc(func(_ context.Context, ciphertext, _ string) (string, error) {
		if failFor[ciphertext] {
			return "", errors.New("vault: key not found")
		}
		return ciphertext, nil
	})

	f := newFixture(t, dec)
	h := HashUserID("alice")
	base := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)

	f.putChat(t, &chatcache.Metadata{ID: "ok", HashedUserID: h, EncryptedTitle: "Groceries", UpdatedAt: chatcache.At(base.Add(2 * time.Hour))})
	f.putChat(t, &chatcache.Metadata{ID: "bad", HashedUserID: h, EncryptedTitle: "broken-cipher", UpdatedAt: chatcache.At(base.Add(time.Hour))})
	f.putChat(t, &chatcache.Metadata{ID: "untitled", HashedUserID: h, UpdatedAt: chatcache.At(base)})

	f.orch.Sync(context.Background(), "alice", "dev-1")

	p := f.payload(t)
	titles := map[string]string{}
	for _, c := range p.Chats {
		titles[c.ID] = c.Title
	}
	if titles["ok"] != "Groceries" {
		t.Fatalf("title = %q, want decrypted value", titles["ok"])
	}
	if titles["bad"] != FallbackTitle {
		t.Fatalf("title = %q, want fallback %q", titles["bad"], FallbackTitle)
	}
	if titles["untitled"] != DefaultTitle {
		t.Fatalf("title = %q, want default %q", titles["untitled"], DefaultTitle)
	}
}

// TestSyncDegradedStore verifies a fully degraded store (every read empty)
// yields a clean empty sync, not an error frame — a cold mirror is normal.
func TestSyncDegradedStore(t *testing.T) {
	f := newFixture(t, identityDecrypter)
	f.orch.chats = chatcache.New(downStore{}, slog.Default(), testTTLs())

	f.orch.Sync(context.Background(), "alice", "dev-1")

	p := f.payload(t)
	if len(p.Chats) != 0 || p.Error != "" {
		t.Fatalf("degraded store sync = %+v, want clean empty list", p)
	}
}

// TestSyncCatastrophicFailure verifies the outermost catch: a panicking
// store still results in exactly one frame, empty chats, error marker set.
func TestSyncCatastrophicFailure(t *testing.T) {
	f := newFixture(t, identityDecrypter)
	f.orch.chats = chatcache.New(panicStore{}, slog.Default(), testTTLs())

	f.orch.Sync(context.Background(), "alice", "dev-1")

	p := f.payload(t)
	if len(p.Chats) != 0 {
		t.Fatalf("chats = %v, want empty", p.Chats)
	}
	if p.Error == "" {
		t.Fatal("catastrophic sync must set the error marker")
	}
	if p.Chats == nil {
		t.Fatal("chats must marshal as [], not null")
	}
}

// TestSyncSendFailureDoesNotPanic verifies a transport error is swallowed —
// the connection is already gone; there is nobody left to answer.
func TestSyncSendFailureDoesNotPanic(t *testing.T) {
	f := newFixture(t, identityDecrypter)
	f.transport.err = errors.New("ws: connection closed")

	f.orch.Sync(context.Background(), "alice", "dev-1")

	if len(f.transport.frames) != 1 {
		t.Fatalf("captured %d frames, want 1", len(f.transport.frames))
	}
}

// downStore is a Store whose every operation reports a degraded cache.
type downStore struct{}

func (downStore) Get(context.Context, string) ([]byte, bool)             { return nil, false }
func (downStore) Set(context.Context, string, []byte, time.Duration) bool { return false }
func (downStore) Delete(context.Context, string) bool                    { return false }
func (downStore) KeysByPattern(context.Context, string) []string         { return nil }
func (downStore) Clear(context.Context, string) bool                     { return false }
func (downStore) HIncrBy(context.Context, string, string, int64) bool    { return false }
func (downStore) HSet(context.Context, string, string, string) bool      { return false }
func (downStore) HDel(context.Context, string, ...string) bool           { return false }
func (downStore) HGetAll(context.Context, string) (map[string]string, bool) {
	return nil, false
}
func (downStore) IncrBy(context.Context, string, int64) bool { return false }
func (downStore) SetInt(context.Context, string, int64, time.Duration) bool {
	return false
}
func (downStore) GetInt(context.Context, string) (int64, bool)    { return 0, false }
func (downStore) SAdd(context.Context, string, ...string) bool    { return false }
func (downStore) SRem(context.Context, string, ...string) bool    { return false }
func (downStore) SMembers(context.Context, string) []string       { return nil }
func (downStore) LPushCapped(context.Context, string, string, int64, time.Duration) bool {
	return false
}
func (downStore) LRange(context.Context, string) []string              { return nil }
func (downStore) Expire(context.Context, string, time.Duration) bool   { return false }
func (downStore) Ping(context.Context) error                           { return errors.New("down") }
func (downStore) Close() error                                         { return nil }

// panicStore panics on the index read, standing in for any unexpected
// failure below the orchestrator's outermost catch.
type panicStore struct{ downStore }

func (panicStore) SMembers(context.Context, string) []string {
	panic("store: wire protocol desync")
}
