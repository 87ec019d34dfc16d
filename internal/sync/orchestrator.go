// Package sync reconstructs a consistent per-user chat list at connection
// time from the TTL-bounded mirror and pushes it to the client in a single
// frame.
//
// Every collaborator call is individually soft-failed — a missing record, a
// tenant-hash mismatch, a failed decrypt or an unparseable timestamp degrade
// one chat or one field, never the whole sync. One guarantee is absolute:
// exactly one initial_sync_data frame is sent per Sync call, even when
// everything below it fails.
package sync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/nulpointcorp/chat-sync/internal/chatcache"
	"github.com/nulpointcorp/chat-sync/internal/metrics"
	"github.com/nulpointcorp/chat-sync/pkg/wire"
)

// Fallback titles. A chat whose title fails to decrypt is presented, not
// hidden — the user can still open it and the title heals on the next write.
const (
	// FallbackTitle replaces a title that exists but could not be decrypted.
	FallbackTitle = "Untitled chat"
	// DefaultTitle is used for chats that never had a title written.
	DefaultTitle = "New chat"
)

// syncFailedMarker is the error value clients receive on a degraded sync.
const syncFailedMarker = "sync_failed"

// Decrypter is the narrow contract of the external encryption service.
// A nil-plaintext result is reported as an error by implementations.
type Decrypter interface {
	Decrypt(ctx context.Context, ciphertext, keyRef string) (string, error)
}

// DecrypterFunc adapts a function to the Decrypter interface.
type DecrypterFunc func(ctx context.Context, ciphertext, keyRef string) (string, error)

func (f DecrypterFunc) Decrypt(ctx context.Context, ciphertext, keyRef string) (string, error) {
	return f(ctx, ciphertext, keyRef)
}

// Transport is the narrow contract of the external connection manager:
// deliver one frame to one device (or every device of the user when
// deviceID is empty).
type Transport interface {
	Send(ctx context.Context, userID, deviceID string, frame wire.Frame) error
}

// HashUserID derives the stable one-way identifier the mirror is keyed by.
// The raw user id must not be logged or used as a key past this point.
func HashUserID(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Orchestrator runs the initial sync for new connections.
type Orchestrator struct {
	chats     *chatcache.Cache
	dec       Decrypter
	transport Transport
	metrics   *metrics.Registry
	log       *slog.Logger
}

func New(chats *chatcache.Cache, dec Decrypter, transport Transport, m *metrics.Registry, log *slog.Logger) *Orchestrator {
	return &Orchestrator{chats: chats, dec: dec, transport: transport, metrics: m, log: log}
}

// Sync reconstructs the user's chat list and pushes exactly one
// initial_sync_data frame to the given device. Any failure below the frame
// build degrades to a shorter (possibly empty) list; any failure of the
// build itself degrades to an empty list with the error marker set. The
// client treats that as "sync degraded, not fatal" and falls back to the
// system of record.
func (o *Orchestrator) Sync(ctx context.Context, userID, deviceID string) {
	start := time.Now()
	hashedID := HashUserID(userID)

	frame, err := o.buildFrame(ctx, hashedID)
	if err != nil {
		o.log.Error("sync_failed",
			slog.String("hashed_user_id", hashedID),
			slog.String("error", err.Error()),
		)
		o.metrics.SyncFailure()

		// The degraded frame marshals a fixed struct; it cannot fail.
		frame, _ = wire.NewFrame(wire.TypeInitialSync, wire.InitialSyncPayload{
			Chats: []wire.ChatSummary{},
			Error: syncFailedMarker,
		})
	}

	if sendErr := o.transport.Send(ctx, userID, deviceID, frame); sendErr != nil {
		o.log.Warn("sync_send_failed",
			slog.String("hashed_user_id", hashedID),
			slog.String("error", sendErr.Error()),
		)
	}

	o.metrics.ObserveSync(time.Since(start))
}

// buildFrame is the fallible part of Sync. The recover here is the outermost
// catch of the sync path: anything unexpected below becomes an error return,
// so the caller can still answer the client.
func (o *Orchestrator) buildFrame(ctx context.Context, hashedID string) (frame wire.Frame, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sync: panic: %v", r)
		}
	}()

	chats := o.chatList(ctx, hashedID)
	return wire.NewFrame(wire.TypeInitialSync, wire.InitialSyncPayload{Chats: chats})
}

// chatList reads the candidate ids from the index and assembles the sorted
// summaries. Metadata reads run sequentially per connection: the candidate
// set is capped by the index TTL and deterministic log ordering is worth
// more here than the parallel-fetch latency win.
func (o *Orchestrator) chatList(ctx context.Context, hashedID string) []wire.ChatSummary {
	ids := o.chats.ChatIDs(ctx, hashedID)

	type entry struct {
		summary wire.ChatSummary
		sortKey time.Time
	}
	entries := make([]entry, 0, len(ids))

	for _, id := range ids {
		m, ok := o.chats.GetMetadata(ctx, id)
		if !ok {
			// Benign race: the record expired between the index read and
			// this read. The next activity on the chat re-creates it.
			o.log.Debug("sync_metadata_missing", slog.String("chat_id", id))
			continue
		}

		if m.HashedUserID != hashedID {
			// Stale or cross-tenant entry. Dropped, never surfaced.
			o.log.Warn("sync_tenant_mismatch",
				slog.String("chat_id", id),
				slog.String("hashed_user_id", hashedID),
			)
			continue
		}

		if m.Deleted {
			// Tombstone still in the index window; the set removal and this
			// read raced.
			continue
		}

		var last *time.Time
		switch {
		case !m.LastMessageAt.Valid():
			o.log.Warn("sync_bad_timestamp", slog.String("chat_id", id))
		case !m.LastMessageAt.IsZero():
			t := m.LastMessageAt.UTC()
			last = &t
		}

		entries = append(entries, entry{
			summary: wire.ChatSummary{
				ID:                   m.ID,
				Title:                o.title(ctx, m),
				LastMessageTimestamp: last,
			},
			sortKey: m.SortKey(),
		})
	}

	// Most recently updated first; unusable timestamps sorted to the end via
	// the epoch-0 sort key. Stable so equal keys keep their index order.
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].sortKey.After(entries[j].sortKey)
	})

	out := make([]wire.ChatSummary, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.summary)
	}
	return out
}

func (o *Orchestrator) title(ctx context.Context, m *chatcache.Metadata) string {
	if m.EncryptedTitle == "" {
		return DefaultTitle
	}

	title, err := o.dec.Decrypt(ctx, m.EncryptedTitle, m.VaultKeyRef)
	if err != nil || title == "" {
		o.log.Warn("sync_title_decrypt_failed", slog.String("chat_id", m.ID))
		return FallbackTitle
	}
	return title
}
