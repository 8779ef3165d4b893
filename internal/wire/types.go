package wire

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the locally tracked delivery state of a message. It is never
// sent to or received from the server.
type Status string

const (
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// Message is a chat message as the server knows it. Identity is ID: two
// messages are the same message iff their IDs match.
type Message struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"senderId"`
	ReceiverID string    `json:"receiverId"`
	Content    string    `json:"content"`
	Read       bool      `json:"readStatus"`
	CreatedAt  time.Time `json:"createdAt"`

	// Status is local-only bookkeeping.
	Status Status `json:"-"`
}

// TemporaryMessage is a client-minted placeholder for a message that has not
// been confirmed by the server yet. It lives until it is reconciled into a
// real Message or marked failed.
type TemporaryMessage struct {
	TemporaryID string
	ReceiverID  string
	Content     string
	CreatedAt   time.Time
}

// tempIDPrefix keeps client-minted IDs out of the server ID namespace.
const tempIDPrefix = "tmp-"

// NewTemporaryMessage mints a placeholder for an outgoing message.
func NewTemporaryMessage(receiverID, content string) TemporaryMessage {
	return TemporaryMessage{
		TemporaryID: tempIDPrefix + uuid.NewString(),
		ReceiverID:  receiverID,
		Content:     content,
		CreatedAt:   time.Now().UTC(),
	}
}

// IsTemporaryID reports whether id was minted locally.
func IsTemporaryID(id string) bool {
	return strings.HasPrefix(id, tempIDPrefix)
}

// Conversation is the summary row for a chat with one other user.
// Identity is UserID. It is a projection, not independently authoritative.
type Conversation struct {
	UserID      string   `json:"userId"`
	ProfileName string   `json:"profileName"`
	LastMessage *Message `json:"lastMessage,omitempty"`
	UnreadCount int      `json:"unreadCount"`
}
