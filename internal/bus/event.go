package bus

import (
	"time"

	"github.com/google/uuid"
)

// Event kinds published by the messaging core. Subscribers filter by
// namespace prefix, e.g. "message." receives every message lifecycle event.
const (
	KindConnStatusChanged = "conn.status_changed"
	KindConnConnected     = "conn.connected"
	KindConnDisconnected  = "conn.disconnected"

	KindMessageQueued        = "message.queued"
	KindMessageReceived      = "message.received"
	KindMessageSent          = "message.sent"
	KindMessageSendFailed    = "message.send_failed"
	KindMessageDelivered     = "message.delivered"
	KindMessageRead          = "message.read"
	KindMessageUndecryptable = "message.undecryptable"

	KindPresenceOnline = "presence.online"
	KindPresenceTyping = "presence.typing"
)

// Event is a domain notification published on the bus. The bus is a
// UI-facing side channel: inbound frame processing never depends on it.
type Event struct {
	ID        string
	Kind      string
	Timestamp time.Time
	Payload   any
}

// NewEvent builds an event with a fresh id and the current time.
func NewEvent(kind string, payload any) Event {
	return Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		Timestamp: time.Now(),
		Payload:   payload,
	}
}
