package models

import (
	"strings"
	"time"
)

// Status is the delivery lifecycle state of a message. Transitions are
// monotonic: SENT -> DELIVERED -> READ. The deleted flag is orthogonal.
type Status string

const (
	StatusSent      Status = "SENT"
	StatusDelivered Status = "DELIVERED"
	StatusRead      Status = "READ"
)

// rank orders statuses for monotonicity checks.
func (s Status) rank() int {
	switch s {
	case StatusSent:
		return 0
	case StatusDelivered:
		return 1
	case StatusRead:
		return 2
	}
	return -1
}

// CanTransition reports whether moving from s to next is a legal forward
// step in the lifecycle.
func (s Status) CanTransition(next Status) bool {
	return next.rank() > s.rank() && s.rank() >= 0
}

// DeleteWindow is how long after creation the sender may delete a message.
const DeleteWindow = time.Hour

// Message is the per-message aggregate. All lifecycle mutation goes
// through MarkDelivered, MarkRead and Delete; the store never rewrites
// status by hand.
type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	SenderID       string     `json:"sender_id"`
	ReceiverID     string     `json:"receiver_id"`
	Content        Content    `json:"content"`
	Status         Status     `json:"status"`
	Deleted        bool       `json:"deleted,omitempty"`
	ReplyTo        string     `json:"reply_to,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	DeliveredAt    *time.Time `json:"delivered_at,omitempty"`
	ReadAt         *time.Time `json:"read_at,omitempty"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty"`
}

// NewMessage constructs a message in SENT state. Sender and receiver must
// be distinct, non-blank IDs.
func NewMessage(id, conversationID, senderID, receiverID string, content Content, replyTo string) (*Message, error) {
	if strings.TrimSpace(senderID) == "" {
		return nil, Validationf("sender id cannot be empty")
	}
	if strings.TrimSpace(receiverID) == "" {
		return nil, Validationf("receiver id cannot be empty")
	}
	if senderID == receiverID {
		return nil, Validationf("sender and receiver cannot be the same")
	}
	if strings.TrimSpace(conversationID) == "" {
		return nil, Validationf("conversation id cannot be empty")
	}
	return &Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       senderID,
		ReceiverID:     receiverID,
		Content:        content,
		Status:         StatusSent,
		ReplyTo:        replyTo,
		CreatedAt:      time.Now().UTC(),
	}, nil
}

// MarkDelivered transitions SENT -> DELIVERED and stamps DeliveredAt.
// Any other starting state, or a deleted message, is a no-op; the return
// value reports whether the message changed.
func (m *Message) MarkDelivered() bool {
	if m.Deleted || m.Status != StatusSent {
		return false
	}
	now := time.Now().UTC()
	m.Status = StatusDelivered
	m.DeliveredAt = &now
	return true
}

// MarkRead transitions SENT or DELIVERED -> READ and stamps ReadAt. When
// the message skipped DELIVERED, DeliveredAt is backfilled to ReadAt so
// "read implies delivered" holds. Repeated calls, and calls on a deleted
// message, are no-ops.
func (m *Message) MarkRead() bool {
	if m.Deleted {
		return false
	}
	if m.Status != StatusSent && m.Status != StatusDelivered {
		return false
	}
	now := time.Now().UTC()
	m.Status = StatusRead
	m.ReadAt = &now
	if m.DeliveredAt == nil {
		m.DeliveredAt = &now
	}
	return true
}

// Delete soft-deletes the message. Only the sender may delete, only within
// DeleteWindow of creation, and only once.
func (m *Message) Delete(requesterID string) error {
	if requesterID != m.SenderID {
		return Permissionf("only the sender can delete message %s", m.ID)
	}
	if m.Deleted {
		return Conflictf("message %s already deleted", m.ID)
	}
	now := time.Now().UTC()
	if now.Sub(m.CreatedAt) > DeleteWindow {
		return Conflictf("delete window expired for message %s", m.ID)
	}
	m.Deleted = true
	m.DeletedAt = &now
	return nil
}

// IsDelivered reports whether the message reached the receiver.
func (m *Message) IsDelivered() bool {
	return m.Status == StatusDelivered || m.Status == StatusRead
}
