// Package wire defines the JSON frame protocol spoken with the relay.
// Every frame on the socket is {"type": "...", "data": {...}}; the type
// discriminator drives routing on both ends.
package wire

import (
	"encoding/json"
	"fmt"
)

// Frame types.
const (
	TypeAuth            = "auth"
	TypeAuthAck         = "auth_ack"
	TypeMessage         = "message"
	TypeMessageAck      = "message_ack"
	TypeTyping          = "typing"
	TypePresence        = "presence"
	TypeDeliveryReceipt = "delivery_receipt"
	TypeReadReceipt     = "read_receipt"
)

// Message content types.
const (
	MessageTypeText  = "text"
	MessageTypeImage = "image"
	MessageTypeVideo = "video"
	MessageTypeFile  = "file"
)

// Frame is one unit on the relay socket.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Envelope is the three-part encrypted payload as it travels on the wire.
// All fields are base64 (standard encoding) of the raw bytes.
type Envelope struct {
	Content string `json:"encryptedContent"`
	Key     string `json:"encryptedKey"`
	IV      string `json:"iv"`
}

// AuthData is sent client->server immediately after the socket opens.
type AuthData struct {
	UserID string `json:"userId"`
}

// MessageData carries one encrypted chat message. Seq is assigned by the
// relay; it is zero on the optimistic client copy until the ack arrives.
type MessageData struct {
	ConversationID string   `json:"conversationId"`
	ID             string   `json:"id"`
	SenderID       string   `json:"senderId"`
	RecipientID    string   `json:"recipientId,omitempty"`
	MessageType    string   `json:"messageType"`
	Envelope       Envelope `json:"envelope"`
	Seq            int64    `json:"seq,omitempty"`
	CreatedAt      int64    `json:"createdAt,omitempty"`
	ExpiresAt      int64    `json:"expiresAt,omitempty"`
}

// AckData is the relay's acknowledgment of a sent message. It carries the
// durable id and sequence number that replace the client temp id.
type AckData struct {
	TempID         string `json:"tempId"`
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	Seq            int64  `json:"seq"`
}

// TypingData signals typing start/stop within a conversation.
type TypingData struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

// PresenceData reports a peer going online or offline.
type PresenceData struct {
	UserID string `json:"userId"`
	Status string `json:"status"` // "online" | "offline"
}

// ReceiptData acknowledges a message lifecycle stage (delivered or read,
// depending on the frame type carrying it).
type ReceiptData struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
}

// NewFrame marshals data into a frame of the given type.
func NewFrame(frameType string, data any) (Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal %s data: %w", frameType, err)
	}
	return Frame{Type: frameType, Data: raw}, nil
}

// Encode serializes a frame for the socket.
func Encode(f Frame) ([]byte, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("marshal frame: %w", err)
	}
	return b, nil
}

// Decode parses raw bytes into a frame, validating the discriminator.
func Decode(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("unmarshal frame: %w", err)
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("frame missing type discriminator")
	}
	return f, nil
}

// DataInto unmarshals the frame payload into out.
func (f Frame) DataInto(out any) error {
	if err := json.Unmarshal(f.Data, out); err != nil {
		return fmt.Errorf("unmarshal %s data: %w", f.Type, err)
	}
	return nil
}
