// Package chatcache maintains the TTL-bounded mirror of per-chat metadata and
// the per-user chat index inside the key-value store.
//
// The mirror is never the source of truth: entries are created on first chat
// activity, refreshed on every mutation, tombstoned (not hard-deleted) on
// user-initiated deletion, and otherwise expire passively. A miss means
// "consult the system of record", not "the chat does not exist".
package chatcache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nulpointcorp/chat-sync/internal/cache"
	"github.com/nulpointcorp/chat-sync/internal/config"
)

// TopActiveChats is the size of the per-user most-recently-used window. Only
// chats inside the window retain a fuller message cache for low-latency
// follow-up context, bounding memory with a fixed cap instead of scaling
// with a user's chat history.
const TopActiveChats = 3

// Metadata is one chat's cached record, stored JSON-serialized under
// chat:{id}:metadata.
//
// HashedUserID is the one-way hash of the owner — the raw user id is never
// written to the store. Readers must verify it against the querying user's
// hash before trusting the record.
type Metadata struct {
	ID             string   `json:"id"`
	HashedUserID   string   `json:"hashed_user_id"`
	VaultKeyRef    string   `json:"vault_key_reference,omitempty"`
	EncryptedTitle string   `json:"encrypted_title,omitempty"`
	CreatedAt      FlexTime `json:"created_at"`
	UpdatedAt      FlexTime `json:"updated_at"`
	LastMessageAt  FlexTime `json:"last_message_timestamp"`
	Deleted        bool     `json:"deleted,omitempty"`
	DeletedAt      FlexTime `json:"deleted_at,omitempty"`
}

// SortKey is the instant the sync list is ordered by: UpdatedAt, falling back
// to CreatedAt, falling back to the epoch so records with no usable timestamp
// sort last instead of failing.
func (m *Metadata) SortKey() time.Time {
	if !m.UpdatedAt.IsZero() {
		return m.UpdatedAt.UTC()
	}
	if !m.CreatedAt.IsZero() {
		return m.CreatedAt.UTC()
	}
	return time.Unix(0, 0).UTC()
}

// Cache is the chat metadata and index store.
type Cache struct {
	store cache.Store
	log   *slog.Logger
	ttl   config.TTLConfig
}

func New(store cache.Store, log *slog.Logger, ttl config.TTLConfig) *Cache {
	return &Cache{store: store, log: log, ttl: ttl}
}

func metadataKey(chatID string) string  { return "chat:" + chatID + ":metadata" }
func indexKey(hashedID string) string   { return "user:" + hashedID + ":chats" }
func activeKey(rawUserID string) string { return "user:" + rawUserID + ":active" }

// SetMetadata writes the record with a fresh metadata TTL and adds the chat
// to the owner's index set so new syncs pick it up. Returns false when the
// store is degraded; callers must not surface that to the user — the system
// of record still holds the durable copy.
func (c *Cache) SetMetadata(ctx context.Context, m *Metadata) bool {
	raw, err := json.Marshal(m)
	if err != nil {
		c.log.Error("chatcache_marshal_failed",
			slog.String("chat_id", m.ID),
			slog.String("error", err.Error()),
		)
		return false
	}

	ok := c.store.Set(ctx, metadataKey(m.ID), raw, c.ttl.Metadata)

	if !m.Deleted && m.HashedUserID != "" {
		c.addToIndex(ctx, m.HashedUserID, m.ID)
	}

	return ok
}

// GetMetadata reads one chat's record. A malformed value is quarantined —
// logged, deleted, reported as a miss — rather than best-effort decoded, so
// schema drift surfaces at this boundary instead of deep inside sync.
func (c *Cache) GetMetadata(ctx context.Context, chatID string) (*Metadata, bool) {
	raw, ok := c.store.Get(ctx, metadataKey(chatID))
	if !ok {
		return nil, false
	}

	var m Metadata
	if err := json.Unmarshal(raw, &m); err != nil {
		c.log.Warn("chatcache_malformed_record",
			slog.String("chat_id", chatID),
			slog.String("error", err.Error()),
		)
		c.store.Delete(ctx, metadataKey(chatID))
		return nil, false
	}

	return &m, true
}

// MarkDeleted writes a tombstone for the chat: the existing record (or a
// minimal stub when none is cached) is rewritten with Deleted set and a
// shorter TTL, then the id is removed from the owner's index set.
//
// The tombstone — rather than a key removal — is what lets a second device
// holding a stale "chat exists" view observe an explicit deletion marker on
// its next read instead of a missing key it might take for "never existed",
// or worse, the live pre-deletion data.
func (c *Cache) MarkDeleted(ctx context.Context, chatID, hashedUserID string) bool {
	m, ok := c.GetMetadata(ctx, chatID)
	if !ok {
		m = &Metadata{ID: chatID, HashedUserID: hashedUserID}
	}
	if m.HashedUserID == "" {
		m.HashedUserID = hashedUserID
	}

	now := Now()
	m.Deleted = true
	m.DeletedAt = now
	m.UpdatedAt = now

	raw, err := json.Marshal(m)
	if err != nil {
		c.log.Error("chatcache_marshal_failed",
			slog.String("chat_id", chatID),
			slog.String("error", err.Error()),
		)
		return false
	}

	wrote := c.store.Set(ctx, metadataKey(chatID), raw, c.ttl.Tombstone)

	if m.HashedUserID != "" {
		c.store.SRem(ctx, indexKey(m.HashedUserID), chatID)
	}

	return wrote
}

// ChatIDs returns the candidate chat ids that may have cached metadata for
// this user. Membership only — no ordering guarantee.
func (c *Cache) ChatIDs(ctx context.Context, hashedUserID string) []string {
	return c.store.SMembers(ctx, indexKey(hashedUserID))
}

// RemoveFromIndex drops a chat id from the user's index set.
func (c *Cache) RemoveFromIndex(ctx context.Context, hashedUserID, chatID string) bool {
	return c.store.SRem(ctx, indexKey(hashedUserID), chatID)
}

func (c *Cache) addToIndex(ctx context.Context, hashedUserID, chatID string) bool {
	ok := c.store.SAdd(ctx, indexKey(hashedUserID), chatID)
	c.store.Expire(ctx, indexKey(hashedUserID), c.ttl.Index)
	return ok
}

// TouchLRU records chat activity in the user's fixed-size active-chats
// window: any existing occurrence is removed, the id is pushed to the front,
// the list is truncated to TopActiveChats and its TTL refreshed.
//
// Keyed by raw user id, not the hash — this list predates the hashed index
// and existing deployments still carry it under the legacy key.
func (c *Cache) TouchLRU(ctx context.Context, userID, chatID string) bool {
	return c.store.LPushCapped(ctx, activeKey(userID), chatID, TopActiveChats, c.ttl.ActiveLRU)
}

// ActiveChats returns the user's active-chat window, most recent first.
func (c *Cache) ActiveChats(ctx context.Context, userID string) []string {
	return c.store.LRange(ctx, activeKey(userID))
}
