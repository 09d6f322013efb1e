// Package router dispatches inbound relay frames to the conversation
// store, presence coordinator, and cache. It is the single consumer of the
// transport's frame handler, so everything here runs on the read goroutine
// and inbound order is preserved end to end.
package router

import (
	"context"
	"encoding/base64"
	"time"

	"go.uber.org/zap"

	"github.com/lmartins/backline/internal/bus"
	"github.com/lmartins/backline/internal/cache"
	"github.com/lmartins/backline/internal/cipher"
	"github.com/lmartins/backline/internal/convstore"
	"github.com/lmartins/backline/internal/keyring"
	"github.com/lmartins/backline/internal/presence"
	"github.com/lmartins/backline/internal/wire"
)

// Router routes decoded frames by type. Frames it cannot place (unknown
// type, receipt for an unknown message) are logged and dropped.
type Router struct {
	userID        string
	keys          *keyring.Keyring
	store         *convstore.Store
	db            *cache.DB
	presence      *presence.Coordinator
	sender        presence.FrameSender
	bus           *bus.Bus
	logger        *zap.Logger
	cryptoTimeout time.Duration
}

func New(userID string, keys *keyring.Keyring, store *convstore.Store, db *cache.DB,
	pres *presence.Coordinator, sender presence.FrameSender, b *bus.Bus,
	cryptoTimeout time.Duration, logger *zap.Logger) *Router {
	return &Router{
		userID:        userID,
		keys:          keys,
		store:         store,
		db:            db,
		presence:      pres,
		sender:        sender,
		bus:           b,
		logger:        logger,
		cryptoTimeout: cryptoTimeout,
	}
}

// Handle processes one inbound frame. It is installed as the transport's
// frame handler and must not block on subscribers.
func (r *Router) Handle(frame wire.Frame) {
	switch frame.Type {
	case wire.TypeMessage:
		var data wire.MessageData
		if err := frame.DataInto(&data); err != nil {
			r.logger.Warn("malformed message frame", zap.Error(err))
			return
		}
		r.handleMessage(data)
	case wire.TypeMessageAck:
		var ack wire.AckData
		if err := frame.DataInto(&ack); err != nil {
			r.logger.Warn("malformed ack frame", zap.Error(err))
			return
		}
		r.handleAck(ack)
	case wire.TypeDeliveryReceipt:
		var rcpt wire.ReceiptData
		if err := frame.DataInto(&rcpt); err != nil {
			r.logger.Warn("malformed delivery receipt", zap.Error(err))
			return
		}
		r.handleReceipt(rcpt, false)
	case wire.TypeReadReceipt:
		var rcpt wire.ReceiptData
		if err := frame.DataInto(&rcpt); err != nil {
			r.logger.Warn("malformed read receipt", zap.Error(err))
			return
		}
		r.handleReceipt(rcpt, true)
	case wire.TypeTyping:
		var data wire.TypingData
		if err := frame.DataInto(&data); err != nil {
			r.logger.Warn("malformed typing frame", zap.Error(err))
			return
		}
		if data.UserID == r.userID {
			return
		}
		r.presence.HandlePeerTyping(data.ConversationID, data.UserID, data.IsTyping)
	case wire.TypePresence:
		var data wire.PresenceData
		if err := frame.DataInto(&data); err != nil {
			r.logger.Warn("malformed presence frame", zap.Error(err))
			return
		}
		if data.UserID == r.userID {
			return
		}
		r.presence.HandlePeerPresence(data.UserID, data.Status == "online")
	default:
		r.logger.Warn("unhandled frame type", zap.String("type", frame.Type))
	}
}

// handleMessage ingests one inbound encrypted message (idempotent).
func (r *Router) handleMessage(data wire.MessageData) {
	if data.ID == "" || data.ConversationID == "" {
		r.logger.Warn("message frame missing ids")
		return
	}
	if r.store.Has(data.ConversationID, data.ID) {
		// Relay redelivery after a reconnect. The first copy already went
		// through the full path, including the receipt.
		r.logger.Debug("duplicate message dropped", zap.String("msg_id", data.ID))
		return
	}

	msg := convstore.Message{
		ID:             data.ID,
		ConversationID: data.ConversationID,
		SenderID:       data.SenderID,
		RecipientID:    data.RecipientID,
		MessageType:    data.MessageType,
		Status:         convstore.StatusDelivered,
		Seq:            data.Seq,
		CreatedAt:      unixMilli(data.CreatedAt),
		ExpiresAt:      unixMilli(data.ExpiresAt),
	}

	env, err := wire.DecodeEnvelope(data.Envelope)
	if err != nil {
		r.logger.Warn("corrupt envelope encoding", zap.String("msg_id", data.ID), zap.Error(err))
		msg.Undecryptable = true
		msg.Body = convstore.UndecryptablePlaceholder
	} else {
		msg.Envelope = env
		msg.Body, msg.Undecryptable = r.decrypt(data.ID, env)
	}

	r.store.PutConversationIfAbsent(convstore.Conversation{
		ID: data.ConversationID,
		Participants: []convstore.Participant{
			{UserID: data.SenderID},
			{UserID: r.userID},
		},
	})
	r.store.AppendOrUpdate(data.ConversationID, msg)
	r.persistInbound(data)

	// The receipt goes out before subscribers hear about the message, so a
	// slow UI can never delay the sender seeing "delivered".
	r.sendReceipt(wire.TypeDeliveryReceipt, data.ConversationID, data.ID)

	if msg.Undecryptable {
		r.bus.Emit(bus.KindMessageUndecryptable, msg)
	}
	r.bus.Emit(bus.KindMessageReceived, msg)
}

// decrypt opens the envelope with the local private key. Failure is not an
// ingestion error: the message is kept with a placeholder body.
func (r *Router) decrypt(msgID string, env cipher.Envelope) (body string, undecryptable bool) {
	pair := r.keys.Active()
	if pair == nil {
		r.logger.Error("no local key pair, message kept encrypted", zap.String("msg_id", msgID))
		return convstore.UndecryptablePlaceholder, true
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.cryptoTimeout)
	defer cancel()
	plaintext, err := cipher.Decrypt(ctx, env, pair.Private)
	if err != nil {
		r.logger.Warn("decryption failed", zap.String("msg_id", msgID), zap.Error(err))
		return convstore.UndecryptablePlaceholder, true
	}
	return plaintext, false
}

// handleAck swaps the optimistic temp id for the relay-assigned one.
func (r *Router) handleAck(ack wire.AckData) {
	if !r.store.ReconcileID(ack.ConversationID, ack.TempID, ack.MessageID, ack.Seq) {
		r.logger.Debug("ack for unknown message", zap.String("temp_id", ack.TempID))
		return
	}
	if r.db != nil {
		if err := r.db.RenameMessage(ack.ConversationID, ack.TempID, ack.MessageID, ack.Seq); err != nil {
			r.logger.Error("cache rename failed", zap.Error(err), zap.String("msg_id", ack.MessageID))
		}
		if err := r.db.MarkOutboxSent(ack.TempID, ack.MessageID); err != nil {
			r.logger.Error("outbox mark sent failed", zap.Error(err), zap.String("msg_id", ack.MessageID))
		}
	}
	r.bus.Emit(bus.KindMessageSent, ack)
}

func (r *Router) handleReceipt(rcpt wire.ReceiptData, read bool) {
	now := time.Now()
	var ok bool
	if read {
		ok = r.store.MarkRead(rcpt.ConversationID, rcpt.MessageID, now)
	} else {
		ok = r.store.MarkDelivered(rcpt.ConversationID, rcpt.MessageID, now)
	}
	if !ok {
		r.logger.Debug("receipt for unknown message", zap.String("msg_id", rcpt.MessageID))
		return
	}
	r.persistReceipt(rcpt.ConversationID, rcpt.MessageID)
	if read {
		r.bus.Emit(bus.KindMessageRead, rcpt)
	} else {
		r.bus.Emit(bus.KindMessageDelivered, rcpt)
	}
}

func (r *Router) sendReceipt(frameType, conversationID, messageID string) {
	frame, err := wire.NewFrame(frameType, wire.ReceiptData{
		MessageID:      messageID,
		ConversationID: conversationID,
	})
	if err != nil {
		r.logger.Error("encode receipt failed", zap.Error(err))
		return
	}
	r.sender.Send(frame)
}

// persistInbound writes the message through to the cache. Inbound bodies
// are stored as ciphertext only.
func (r *Router) persistInbound(data wire.MessageData) {
	if r.db == nil {
		return
	}
	if err := r.db.EnsureConversation(&cache.ConversationRow{
		ID: data.ConversationID,
		Participants: []cache.ParticipantRow{
			{UserID: data.SenderID},
			{UserID: r.userID},
		},
	}); err != nil {
		r.logger.Error("cache conversation upsert failed", zap.Error(err))
		return
	}
	if err := r.db.UpsertMessage(&cache.MessageRow{
		ConversationID: data.ConversationID,
		MsgID:          data.ID,
		SenderID:       data.SenderID,
		RecipientID:    data.RecipientID,
		MessageType:    data.MessageType,
		EnvContent:     data.Envelope.Content,
		EnvKey:         data.Envelope.Key,
		EnvIV:          data.Envelope.IV,
		Status:         string(convstore.StatusDelivered),
		Seq:            data.Seq,
		CreatedAt:      data.CreatedAt,
		ExpiresAt:      data.ExpiresAt,
	}); err != nil {
		r.logger.Error("cache message upsert failed", zap.Error(err), zap.String("msg_id", data.ID))
	}
}

// persistReceipt mirrors the updated receipt timestamps into the cache.
func (r *Router) persistReceipt(conversationID, messageID string) {
	if r.db == nil {
		return
	}
	m, ok := r.store.Get(conversationID, messageID)
	if !ok {
		return
	}
	if err := r.db.UpsertMessage(r.rowFor(m)); err != nil {
		r.logger.Error("cache receipt upsert failed", zap.Error(err), zap.String("msg_id", messageID))
	}
}

func (r *Router) rowFor(m convstore.Message) *cache.MessageRow {
	return RowFor(m, r.userID)
}

// RowFor converts a store message to its cache row, carrying the full
// envelope so a later hydration can still decrypt it. Only locally
// authored plaintext goes into the body column.
func RowFor(m convstore.Message, userID string) *cache.MessageRow {
	row := &cache.MessageRow{
		ConversationID: m.ConversationID,
		MsgID:          m.ID,
		SenderID:       m.SenderID,
		RecipientID:    m.RecipientID,
		MessageType:    m.MessageType,
		EnvContent:     base64.StdEncoding.EncodeToString(m.Envelope.Content),
		EnvKey:         base64.StdEncoding.EncodeToString(m.Envelope.Key),
		EnvIV:          base64.StdEncoding.EncodeToString(m.Envelope.IV),
		Status:         string(m.Status),
		Seq:            m.Seq,
		CreatedAt:      m.CreatedAt.UnixMilli(),
		DeliveredAt:    toMilli(m.DeliveredAt),
		ReadAt:         toMilli(m.ReadAt),
		ExpiresAt:      toMilli(m.ExpiresAt),
	}
	if m.SenderID == userID {
		row.FromMe = true
		row.Body = m.Body
	}
	return row
}

func toMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func unixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
