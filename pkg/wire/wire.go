// Package wire defines the websocket message shapes exchanged between the
// sync core and clients. Both sides marshal these with encoding/json; the
// payload stays a json.RawMessage on the envelope so unknown frame types can
// be logged and skipped without a full parse.
package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// Frame type strings. Server→client frames carry a payload struct below;
// client→server frames are acknowledgments.
const (
	// TypeInitialSync is pushed once per connection with the full chat list.
	TypeInitialSync = "initial_sync_data"

	// TypePendingInspirations is pushed when the user has generated content
	// awaiting delivery.
	TypePendingInspirations = "pending_inspirations"

	// TypeInspirationReceived is the client ACK sent after the client has
	// durably stored the delivered content. Empty payload.
	TypeInspirationReceived = "daily_inspiration_received"

	// TypeInspirationViewed is the client's independent "seen" signal.
	TypeInspirationViewed = "inspiration_viewed"
)

// Frame is the envelope for every websocket message.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// NewFrame marshals payload and wraps it in a Frame of the given type.
func NewFrame(frameType string, payload any) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("wire: marshal %s payload: %w", frameType, err)
	}
	return Frame{Type: frameType, Payload: raw}, nil
}

// ChatSummary is one entry in the initial sync chat list.
type ChatSummary struct {
	ID                   string     `json:"id"`
	Title                string     `json:"title"`
	LastMessageTimestamp *time.Time `json:"lastMessageTimestamp"`
}

// InitialSyncPayload is the payload of a TypeInitialSync frame.
//
// Chats is never null on the wire — a degraded sync sends an empty list with
// Error set, so the client always receives exactly one well-formed response.
// LastOpenChatID is reserved for a future "resume where you left off" hint
// and is currently always null.
type InitialSyncPayload struct {
	Chats          []ChatSummary `json:"chats"`
	LastOpenChatID *string       `json:"lastOpenChatId"`
	Error          string        `json:"error,omitempty"`
}

// PendingInspirationsPayload lists content ids awaiting client acknowledgment.
type PendingInspirationsPayload struct {
	InspirationIDs []string `json:"inspiration_ids"`
}

// InspirationViewedPayload is the payload of a TypeInspirationViewed frame.
type InspirationViewedPayload struct {
	InspirationID string `json:"inspiration_id"`
}
