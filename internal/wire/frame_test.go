package wire

import (
	"encoding/json"
	"testing"
)

func TestEncodeDecode(t *testing.T) {
	f, err := NewFrame(TypeTyping, TypingData{
		ConversationID: "conv-1",
		UserID:         "alice",
		IsTyping:       true,
	})
	if err != nil {
		t.Fatalf("NewFrame() error = %v", err)
	}

	raw, err := Encode(f)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	decoded, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if decoded.Type != TypeTyping {
		t.Errorf("type = %q, want %q", decoded.Type, TypeTyping)
	}

	var data TypingData
	if err := decoded.DataInto(&data); err != nil {
		t.Fatalf("DataInto() error = %v", err)
	}
	if data.UserID != "alice" || !data.IsTyping {
		t.Errorf("data = %+v", data)
	}
}

func TestDecodeMissingType(t *testing.T) {
	if _, err := Decode([]byte(`{"data":{}}`)); err == nil {
		t.Error("Decode() should reject a frame without a type")
	}
}

func TestDecodeInvalidJSON(t *testing.T) {
	if _, err := Decode([]byte(`{not json`)); err == nil {
		t.Error("Decode() should reject invalid JSON")
	}
}

func TestMessageFrameShape(t *testing.T) {
	f, err := NewFrame(TypeMessage, MessageData{
		ConversationID: "conv-1",
		ID:             "m-1",
		SenderID:       "alice",
		RecipientID:    "bob",
		MessageType:    MessageTypeText,
		Envelope:       Envelope{Content: "Y3Q=", Key: "a2V5", IV: "aXY="},
	})
	if err != nil {
		t.Fatal(err)
	}

	// The wire shape must match the protocol table field-for-field.
	var data map[string]any
	if err := json.Unmarshal(f.Data, &data); err != nil {
		t.Fatal(err)
	}
	for _, field := range []string{"conversationId", "id", "senderId", "recipientId", "messageType", "envelope"} {
		if _, ok := data[field]; !ok {
			t.Errorf("message data missing field %q", field)
		}
	}
	env, ok := data["envelope"].(map[string]any)
	if !ok {
		t.Fatal("envelope is not an object")
	}
	for _, field := range []string{"encryptedContent", "encryptedKey", "iv"} {
		if _, ok := env[field]; !ok {
			t.Errorf("envelope missing field %q", field)
		}
	}
}

func TestAuthAckEmptyData(t *testing.T) {
	// The presence of the frame is the signal; data is an empty object.
	decoded, err := Decode([]byte(`{"type":"auth_ack","data":{}}`))
	if err != nil {
		t.Fatal(err)
	}
	if decoded.Type != TypeAuthAck {
		t.Errorf("type = %q", decoded.Type)
	}
}
