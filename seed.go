package backline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lmartins/backline/internal/cache"
	"github.com/lmartins/backline/internal/cipher"
	"github.com/lmartins/backline/internal/convstore"
	"github.com/lmartins/backline/internal/directory"
	"github.com/lmartins/backline/internal/keyring"
	"github.com/lmartins/backline/internal/wire"
)

// hydrateFromCache loads the local cache into the in-memory store. Inbound
// bodies are at rest as ciphertext, so each envelope is opened again here.
func hydrateFromCache(db *cache.DB, store *convstore.Store, pair *keyring.KeyPair,
	cryptoTimeout time.Duration, logger *zap.Logger) error {
	rows, err := db.Conversations()
	if err != nil {
		return err
	}
	convs := make([]convstore.Conversation, 0, len(rows))
	for _, row := range rows {
		convs = append(convs, convstore.Conversation{
			ID:           row.ID,
			Participants: participantsFromCache(row.Participants),
		})
	}

	msgRows, err := db.AllMessages()
	if err != nil {
		return err
	}
	msgs := make([]convstore.Message, 0, len(msgRows))
	for _, row := range msgRows {
		msgs = append(msgs, messageFromCache(row, pair, cryptoTimeout))
	}

	store.Seed(convs, msgs)
	logger.Info("store hydrated from cache",
		zap.Int("conversations", len(convs)), zap.Int("messages", len(msgs)))
	return nil
}

// hydrateFromDirectory merges server-side conversation history into the
// store and cache. Already-seen messages are patched, never duplicated.
func hydrateFromDirectory(ctx context.Context, dir *directory.Client, db *cache.DB,
	store *convstore.Store, pair *keyring.KeyPair, userID string,
	cryptoTimeout time.Duration, logger *zap.Logger) error {
	convs, err := dir.Conversations(ctx, userID)
	if err != nil {
		return err
	}

	total := 0
	for _, conv := range convs {
		store.PutConversation(convstore.Conversation{
			ID:           conv.ID,
			Participants: participantsFromDirectory(conv.Participants),
		})
		if err := db.UpsertConversation(&cache.ConversationRow{
			ID:           conv.ID,
			Participants: cacheParticipants(conv.Participants),
		}); err != nil {
			logger.Error("cache conversation upsert failed", zap.Error(err), zap.String("conversation_id", conv.ID))
		}

		records, err := dir.Messages(ctx, conv.ID)
		if err != nil {
			logger.Warn("history fetch failed", zap.Error(err), zap.String("conversation_id", conv.ID))
			continue
		}
		for _, rec := range records {
			msg := messageFromRecord(rec, userID, pair, cryptoTimeout)
			store.AppendOrUpdate(conv.ID, msg)
			if err := db.UpsertMessage(cacheRowFromRecord(rec, userID)); err != nil {
				logger.Error("cache history upsert failed", zap.Error(err), zap.String("msg_id", rec.ID))
			}
		}
		total += len(records)
	}

	logger.Info("store hydrated from directory",
		zap.Int("conversations", len(convs)), zap.Int("messages", total))
	return nil
}

func messageFromCache(row cache.MessageRow, pair *keyring.KeyPair, cryptoTimeout time.Duration) convstore.Message {
	msg := convstore.Message{
		ID:             row.MsgID,
		ConversationID: row.ConversationID,
		SenderID:       row.SenderID,
		RecipientID:    row.RecipientID,
		MessageType:    row.MessageType,
		Body:           row.Body,
		Status:         convstore.Status(row.Status),
		Seq:            row.Seq,
		CreatedAt:      fromMilli(row.CreatedAt),
		DeliveredAt:    fromMilli(row.DeliveredAt),
		ReadAt:         fromMilli(row.ReadAt),
		ExpiresAt:      fromMilli(row.ExpiresAt),
	}
	wenv := wire.Envelope{Content: row.EnvContent, Key: row.EnvKey, IV: row.EnvIV}
	if env, err := wire.DecodeEnvelope(wenv); err == nil {
		msg.Envelope = env
	}
	if row.FromMe {
		return msg
	}
	msg.Body, msg.Undecryptable = openEnvelope(wenv, pair, cryptoTimeout)
	return msg
}

func messageFromRecord(rec directory.MessageRecord, userID string, pair *keyring.KeyPair, cryptoTimeout time.Duration) convstore.Message {
	msg := convstore.Message{
		ID:             rec.ID,
		ConversationID: rec.ConversationID,
		SenderID:       rec.SenderID,
		RecipientID:    rec.RecipientID,
		MessageType:    rec.MessageType,
		Status:         recordStatus(rec),
		Seq:            rec.Seq,
		CreatedAt:      fromMilli(rec.CreatedAt),
		DeliveredAt:    fromMilli(rec.DeliveredAt),
		ReadAt:         fromMilli(rec.ReadAt),
		ExpiresAt:      fromMilli(rec.ExpiresAt),
	}
	if env, err := wire.DecodeEnvelope(rec.Envelope); err == nil {
		msg.Envelope = env
	}
	if rec.SenderID == userID {
		// Our own history copies are encrypted for the recipient; the
		// plaintext only survives in the local cache.
		return msg
	}
	msg.Body, msg.Undecryptable = openEnvelope(rec.Envelope, pair, cryptoTimeout)
	return msg
}

// openEnvelope decrypts a wire envelope with the local key, falling back to
// the placeholder on any failure.
func openEnvelope(wenv wire.Envelope, pair *keyring.KeyPair, cryptoTimeout time.Duration) (string, bool) {
	env, err := wire.DecodeEnvelope(wenv)
	if err != nil {
		return convstore.UndecryptablePlaceholder, true
	}
	ctx, cancel := context.WithTimeout(context.Background(), cryptoTimeout)
	defer cancel()
	body, err := cipher.Decrypt(ctx, env, pair.Private)
	if err != nil {
		return convstore.UndecryptablePlaceholder, true
	}
	return body, false
}

func recordStatus(rec directory.MessageRecord) convstore.Status {
	switch {
	case rec.ReadAt > 0:
		return convstore.StatusRead
	case rec.DeliveredAt > 0:
		return convstore.StatusDelivered
	default:
		return convstore.StatusSent
	}
}

func cacheRowFromRecord(rec directory.MessageRecord, userID string) *cache.MessageRow {
	return &cache.MessageRow{
		ConversationID: rec.ConversationID,
		MsgID:          rec.ID,
		SenderID:       rec.SenderID,
		RecipientID:    rec.RecipientID,
		MessageType:    rec.MessageType,
		EnvContent:     rec.Envelope.Content,
		EnvKey:         rec.Envelope.Key,
		EnvIV:          rec.Envelope.IV,
		FromMe:         rec.SenderID == userID,
		Status:         string(recordStatus(rec)),
		Seq:            rec.Seq,
		CreatedAt:      rec.CreatedAt,
		DeliveredAt:    rec.DeliveredAt,
		ReadAt:         rec.ReadAt,
		ExpiresAt:      rec.ExpiresAt,
	}
}

func participantsFromCache(in []cache.ParticipantRow) []convstore.Participant {
	out := make([]convstore.Participant, 0, len(in))
	for _, p := range in {
		out = append(out, convstore.Participant{UserID: p.UserID, Role: p.Role})
	}
	return out
}

func participantsFromDirectory(in []directory.Participant) []convstore.Participant {
	out := make([]convstore.Participant, 0, len(in))
	for _, p := range in {
		out = append(out, convstore.Participant{UserID: p.UserID, Role: p.Role})
	}
	return out
}

func cacheParticipants(in []directory.Participant) []cache.ParticipantRow {
	out := make([]cache.ParticipantRow, 0, len(in))
	for _, p := range in {
		out = append(out, cache.ParticipantRow{UserID: p.UserID, Role: p.Role})
	}
	return out
}

func fromMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func toMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
