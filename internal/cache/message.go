package cache

import (
	"encoding/json"
	"time"
)

// ConversationRow mirrors one conversation.
type ConversationRow struct {
	ID           string
	Participants []ParticipantRow
}

// ParticipantRow is one member, serialized as JSON in the participants column.
type ParticipantRow struct {
	UserID string `json:"userId"`
	Role   string `json:"role,omitempty"`
}

// MessageRow mirrors one message. Envelope fields are base64; Body is empty
// for inbound rows (the plaintext is recovered from the envelope at seed
// time) and holds the authored text for locally sent rows.
type MessageRow struct {
	ConversationID string
	MsgID          string
	SenderID       string
	RecipientID    string
	MessageType    string
	EnvContent     string
	EnvKey         string
	EnvIV          string
	Body           string
	FromMe         bool
	Status         string
	Seq            int64
	CreatedAt      int64 // unix milliseconds
	DeliveredAt    int64
	ReadAt         int64
	ExpiresAt      int64
}

// UpsertConversation inserts or refreshes a conversation row.
func (db *DB) UpsertConversation(row *ConversationRow) error {
	parts, err := json.Marshal(row.Participants)
	if err != nil {
		return err
	}
	_, err = db.Exec(`
		INSERT INTO conversations (id, participants, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			participants = excluded.participants,
			updated_at = excluded.updated_at`,
		row.ID, string(parts), time.Now().UnixMilli())
	return err
}

// EnsureConversation inserts a conversation row if none exists, touching
// only updated_at otherwise. Message flow uses this so the two-member
// skeleton it derives from a frame never replaces a hydrated member list.
func (db *DB) EnsureConversation(row *ConversationRow) error {
	parts, err := json.Marshal(row.Participants)
	if err != nil {
		return err
	}
	_, err = db.Exec(`
		INSERT INTO conversations (id, participants, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			updated_at = excluded.updated_at`,
		row.ID, string(parts), time.Now().UnixMilli())
	return err
}

// Conversations returns all cached conversations.
func (db *DB) Conversations() ([]ConversationRow, error) {
	rows, err := db.Query(`SELECT id, participants FROM conversations ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []ConversationRow
	for rows.Next() {
		var row ConversationRow
		var parts string
		if err := rows.Scan(&row.ID, &parts); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(parts), &row.Participants); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// UpsertMessage inserts or updates a message (idempotent on conversation_id + msg_id).
func (db *DB) UpsertMessage(m *MessageRow) error {
	_, err := db.Exec(`
		INSERT INTO messages (conversation_id, msg_id, sender_id, recipient_id, message_type,
			env_content, env_key, env_iv, body, from_me, status, seq,
			created_at, delivered_at, read_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, msg_id) DO UPDATE SET
			status = excluded.status,
			seq = MAX(messages.seq, excluded.seq),
			delivered_at = MAX(messages.delivered_at, excluded.delivered_at),
			read_at = MAX(messages.read_at, excluded.read_at)`,
		m.ConversationID, m.MsgID, m.SenderID, m.RecipientID, m.MessageType,
		m.EnvContent, m.EnvKey, m.EnvIV, m.Body, m.FromMe, m.Status, m.Seq,
		m.CreatedAt, m.DeliveredAt, m.ReadAt, m.ExpiresAt)
	return err
}

// RenameMessage swaps a temp id for the server-assigned id and records the
// relay sequence number (the cache half of id reconciliation).
func (db *DB) RenameMessage(conversationID, tempID, serverID string, seq int64) error {
	_, err := db.Exec(`
		UPDATE messages SET msg_id = ?, seq = ?, status = 'sent'
		WHERE conversation_id = ? AND msg_id = ?`,
		serverID, seq, conversationID, tempID)
	return err
}

// MessagesFor returns the cached messages of one conversation in store order.
func (db *DB) MessagesFor(conversationID string) ([]MessageRow, error) {
	return db.queryMessages(`
		SELECT conversation_id, msg_id, sender_id, recipient_id, message_type,
			env_content, env_key, env_iv, body, from_me, status, seq,
			created_at, delivered_at, read_at, expires_at
		FROM messages WHERE conversation_id = ?
		ORDER BY CASE WHEN seq = 0 THEN 1 ELSE 0 END, seq, created_at`, conversationID)
}

// AllMessages returns every cached message, for startup seeding.
func (db *DB) AllMessages() ([]MessageRow, error) {
	return db.queryMessages(`
		SELECT conversation_id, msg_id, sender_id, recipient_id, message_type,
			env_content, env_key, env_iv, body, from_me, status, seq,
			created_at, delivered_at, read_at, expires_at
		FROM messages
		ORDER BY conversation_id, CASE WHEN seq = 0 THEN 1 ELSE 0 END, seq, created_at`)
}

func (db *DB) queryMessages(query string, args ...any) ([]MessageRow, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []MessageRow
	for rows.Next() {
		var m MessageRow
		if err := rows.Scan(&m.ConversationID, &m.MsgID, &m.SenderID, &m.RecipientID, &m.MessageType,
			&m.EnvContent, &m.EnvKey, &m.EnvIV, &m.Body, &m.FromMe, &m.Status, &m.Seq,
			&m.CreatedAt, &m.DeliveredAt, &m.ReadAt, &m.ExpiresAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
