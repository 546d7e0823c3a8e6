package models

import "encoding/json"

// FrameType tags a websocket frame pushed to a client.
type FrameType string

const (
	// FrameMessage carries a full inbound message.
	FrameMessage FrameType = "message"
	// FrameReceipt tells a sender one of their messages changed status.
	FrameReceipt FrameType = "receipt"
)

// Frame is the envelope for everything pushed over a live session.
type Frame struct {
	Type      FrameType `json:"type"`
	Message   *Message  `json:"message,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
	Status    Status    `json:"status,omitempty"`
}

// MessageFrame wraps a message for push to its receiver.
func MessageFrame(m *Message) Frame {
	return Frame{Type: FrameMessage, Message: m}
}

// ReceiptFrame wraps a status change for push to the sender.
func ReceiptFrame(messageID string, status Status) Frame {
	return Frame{Type: FrameReceipt, MessageID: messageID, Status: status}
}

// Encode serializes the frame for the wire.
func (f Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}
