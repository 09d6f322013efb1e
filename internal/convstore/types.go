package convstore

import (
	"time"

	"github.com/lmartins/backline/internal/cipher"
)

// Status tags the message lifecycle: optimistic local copy, relay-acked,
// recipient-acked, and read.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// Message is one entry in a conversation sequence. It is never mutated
// except to add receipt timestamps, change status, or swap the temp id for
// the server-assigned one.
type Message struct {
	ID             string
	TempID         string
	ConversationID string
	SenderID       string
	RecipientID    string
	MessageType    string
	Envelope       cipher.Envelope
	// Body is the decrypted plaintext, or UndecryptablePlaceholder when
	// decryption failed. For media types it holds the decrypted media URL.
	Body          string
	Undecryptable bool
	Status        Status
	Seq           int64
	CreatedAt     time.Time
	DeliveredAt   time.Time
	ReadAt        time.Time
	ExpiresAt     time.Time
}

// UndecryptablePlaceholder is rendered for messages whose envelope could
// not be opened.
const UndecryptablePlaceholder = "[unable to decrypt this message]"

// Participant is one conversation member.
type Participant struct {
	UserID string
	Role   string
}

// Conversation groups an ordered message sequence with its members.
type Conversation struct {
	ID           string
	Participants []Participant
}
