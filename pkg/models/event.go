package models

import (
	"encoding/json"
	"time"
)

// EventType names a message lifecycle transition on the bus.
type EventType string

const (
	EventMessageSent      EventType = "MESSAGE_SENT"
	EventMessageDelivered EventType = "MESSAGE_DELIVERED"
	EventMessageRead      EventType = "MESSAGE_READ"
)

// Event is the immutable lifecycle envelope published once per transition.
// Timestamps serialize as ISO8601 (RFC 3339).
type Event struct {
	EventType      EventType   `json:"eventType"`
	MessageID      string      `json:"messageId"`
	ConversationID string      `json:"conversationId"`
	SenderID       string      `json:"senderId"`
	ReceiverID     string      `json:"receiverId"`
	Status         Status      `json:"status"`
	ContentKind    ContentKind `json:"contentKind"`
	SentAt         time.Time   `json:"sentAt"`
	EmittedAt      time.Time   `json:"emittedAt"`
}

// NewEvent builds the envelope for a message's current state.
func NewEvent(typ EventType, m *Message) Event {
	return Event{
		EventType:      typ,
		MessageID:      m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		ReceiverID:     m.ReceiverID,
		Status:         m.Status,
		ContentKind:    m.Content.Kind,
		SentAt:         m.CreatedAt,
		EmittedAt:      time.Now().UTC(),
	}
}

// Encode serializes the event for the bus.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEvent parses a bus payload back into an Event.
func DecodeEvent(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, Validationf("invalid event payload: %v", err)
	}
	return e, nil
}
