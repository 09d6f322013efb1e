// Package outbox drains locally queued messages: each entry is encrypted
// for its recipient and handed to the transport, which queues frames across
// reconnects. An entry stays in 'sending' until the relay ack renames it, so
// a crash in between is replayed on the next start.
package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lmartins/backline/internal/bus"
	"github.com/lmartins/backline/internal/cache"
	"github.com/lmartins/backline/internal/cipher"
	"github.com/lmartins/backline/internal/convstore"
	"github.com/lmartins/backline/internal/errs"
	"github.com/lmartins/backline/internal/keyring"
	"github.com/lmartins/backline/internal/wire"
)

// FrameSender hands an encoded frame to the transport queue.
type FrameSender interface {
	Send(frame wire.Frame)
}

// Sender owns the send pipeline from Queue to the wire.
type Sender struct {
	userID        string
	db            *cache.DB
	store         *convstore.Store
	keys          *keyring.Keyring
	transport     FrameSender
	bus           *bus.Bus
	logger        *zap.Logger
	cryptoTimeout time.Duration
	cancel        context.CancelFunc
}

func NewSender(userID string, db *cache.DB, store *convstore.Store, keys *keyring.Keyring,
	transport FrameSender, b *bus.Bus, cryptoTimeout time.Duration, logger *zap.Logger) *Sender {
	return &Sender{
		userID:        userID,
		db:            db,
		store:         store,
		keys:          keys,
		transport:     transport,
		bus:           b,
		logger:        logger,
		cryptoTimeout: cryptoTimeout,
	}
}

// Queue persists a new outbound message and inserts the optimistic pending
// copy. The returned temp id is replaced by the relay-assigned id when the
// ack arrives.
func (s *Sender) Queue(conversationID, recipientID, messageType, body string, expiresAt time.Time) (string, error) {
	tempID := uuid.NewString()
	now := time.Now()

	var expiresMilli int64
	if !expiresAt.IsZero() {
		expiresMilli = expiresAt.UnixMilli()
	}
	if err := s.db.QueueOutbox(&cache.OutboxEntry{
		ClientMsgID:    tempID,
		ConversationID: conversationID,
		RecipientID:    recipientID,
		MessageType:    messageType,
		Body:           body,
		ExpiresAt:      expiresMilli,
	}); err != nil {
		return "", errs.Wrap(errs.CodeInternal, "queue message", err)
	}

	msg := convstore.Message{
		ID:             tempID,
		TempID:         tempID,
		ConversationID: conversationID,
		SenderID:       s.userID,
		RecipientID:    recipientID,
		MessageType:    messageType,
		Body:           body,
		Status:         convstore.StatusPending,
		CreatedAt:      now,
		ExpiresAt:      expiresAt,
	}
	s.store.PutConversationIfAbsent(convstore.Conversation{
		ID: conversationID,
		Participants: []convstore.Participant{
			{UserID: s.userID},
			{UserID: recipientID},
		},
	})
	s.store.AppendOrUpdate(conversationID, msg)

	if err := s.db.UpsertMessage(&cache.MessageRow{
		ConversationID: conversationID,
		MsgID:          tempID,
		SenderID:       s.userID,
		RecipientID:    recipientID,
		MessageType:    messageType,
		Body:           body,
		FromMe:         true,
		Status:         string(convstore.StatusPending),
		CreatedAt:      now.UnixMilli(),
		ExpiresAt:      expiresMilli,
	}); err != nil {
		s.logger.Error("cache optimistic insert failed", zap.Error(err), zap.String("temp_id", tempID))
	}

	s.bus.Emit(bus.KindMessageQueued, msg)
	return tempID, nil
}

// Retry returns a failed message to the queue.
func (s *Sender) Retry(conversationID, tempID string) error {
	if !s.store.Requeue(conversationID, tempID) {
		return errs.NotFound(fmt.Sprintf("no failed message %q", tempID))
	}
	if err := s.db.RequeueOutbox(tempID); err != nil {
		return errs.Wrap(errs.CodeInternal, "requeue message", err)
	}
	return nil
}

// Start replays entries interrupted mid-send, then begins polling the queue.
func (s *Sender) Start(ctx context.Context) {
	if n, err := s.db.RequeueSending(); err != nil {
		s.logger.Error("failed to requeue interrupted sends", zap.Error(err))
	} else if n > 0 {
		s.logger.Info("requeued interrupted sends", zap.Int64("count", n))
	}
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
}

// Stop stops the sender loop.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Sender) loop(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.processPending(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sender) processPending(ctx context.Context) {
	pending, err := s.db.PendingOutbox()
	if err != nil {
		s.logger.Error("failed to read outbox", zap.Error(err))
		return
	}

	for _, entry := range pending {
		if ctx.Err() != nil {
			return
		}
		if err := s.db.MarkOutboxSending(entry.ClientMsgID); err != nil {
			s.logger.Error("failed to mark sending", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
			continue
		}
		if err := s.send(ctx, entry); err != nil {
			s.fail(entry, err)
		}
	}
}

// send encrypts one entry for its recipient and queues the frame. The entry
// is marked sent only when the relay ack comes back through the router.
func (s *Sender) send(ctx context.Context, entry cache.OutboxEntry) error {
	ctx, cancel := context.WithTimeout(ctx, s.cryptoTimeout)
	defer cancel()

	pub, err := s.keys.PublicKey(ctx, entry.RecipientID)
	if err != nil {
		return err
	}
	env, err := cipher.Encrypt(ctx, entry.Body, pub)
	if err != nil {
		return err
	}

	frame, err := wire.NewFrame(wire.TypeMessage, wire.MessageData{
		ConversationID: entry.ConversationID,
		ID:             entry.ClientMsgID,
		SenderID:       s.userID,
		RecipientID:    entry.RecipientID,
		MessageType:    entry.MessageType,
		Envelope:       wire.EncodeEnvelope(env),
		CreatedAt:      time.Now().UnixMilli(),
		ExpiresAt:      entry.ExpiresAt,
	})
	if err != nil {
		return errs.Wrap(errs.CodeInternal, "encode message frame", err)
	}

	s.transport.Send(frame)
	s.logger.Debug("message handed to transport",
		zap.String("client_msg_id", entry.ClientMsgID),
		zap.String("conversation_id", entry.ConversationID))
	return nil
}

func (s *Sender) fail(entry cache.OutboxEntry, cause error) {
	s.logger.Error("failed to send message", zap.Error(cause), zap.String("client_msg_id", entry.ClientMsgID))
	if err := s.db.MarkOutboxFailed(entry.ClientMsgID, cause.Error()); err != nil {
		s.logger.Error("failed to mark failed", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
	}
	s.store.MarkFailed(entry.ConversationID, entry.ClientMsgID)
	if err := s.db.UpsertMessage(&cache.MessageRow{
		ConversationID: entry.ConversationID,
		MsgID:          entry.ClientMsgID,
		SenderID:       s.userID,
		RecipientID:    entry.RecipientID,
		MessageType:    entry.MessageType,
		Body:           entry.Body,
		FromMe:         true,
		Status:         string(convstore.StatusFailed),
		CreatedAt:      time.Now().UnixMilli(),
	}); err != nil {
		s.logger.Error("cache failed-status upsert failed", zap.Error(err))
	}
	s.bus.Emit(bus.KindMessageSendFailed, SendFailure{
		TempID:         entry.ClientMsgID,
		ConversationID: entry.ConversationID,
		Code:           errs.CodeOf(cause),
		Reason:         cause.Error(),
	})
}

// SendFailure is the payload of message.send_failed events.
type SendFailure struct {
	TempID         string
	ConversationID string
	Code           errs.Code
	Reason         string
}
