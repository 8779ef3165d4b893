package wire

import "time"

// EnvelopeType tags the kind of frame on the duplex stream.
type EnvelopeType string

const (
	// Client-originated.
	TypeMessage  EnvelopeType = "message"
	TypeTyping   EnvelopeType = "typing"
	TypeMarkRead EnvelopeType = "markRead"

	// Server-originated. TypeMessage also arrives from the server, both for
	// messages from other users and as the confirmation of an own send (the
	// server echoes the client's temporary ID in MessageID so the sender can
	// match the confirmation to its placeholder).
	TypeConnected   EnvelopeType = "connected"
	TypeUnreadCount EnvelopeType = "unreadCount"
	TypeReadReceipt EnvelopeType = "readReceipt"
	TypeError       EnvelopeType = "error"
)

// Envelope is the wire unit exchanged over the duplex transport, one JSON
// object per frame. Which fields are populated depends on Type.
type Envelope struct {
	Type       EnvelopeType `json:"type"`
	ReceiverID string       `json:"receiverId,omitempty"`
	Content    string       `json:"content,omitempty"`
	MessageID  string       `json:"messageId,omitempty"`
	Message    *Message     `json:"message,omitempty"`
	SenderID   string       `json:"senderId,omitempty"`
	Count      *int         `json:"count,omitempty"`
	UserID     string       `json:"userId,omitempty"`
	Timestamp  *time.Time   `json:"timestamp,omitempty"`
	Error      string       `json:"error,omitempty"`
}
