// Package convstore is the in-memory source of truth for the conversations
// observed by one running session. It lives for the session only; durable
// history belongs to the external data API and the local cache, both of
// which seed this store at startup.
package convstore

import (
	"sort"
	"sync"
	"time"
)

// Store holds conversations and their ordered message sequences.
type Store struct {
	mu       sync.RWMutex
	convs    map[string]*Conversation
	messages map[string][]Message // conversation id -> ordered sequence
	byID     map[string]int       // conversation id + "\x00" + message id -> index
}

// New creates an empty store.
func New() *Store {
	return &Store{
		convs:    make(map[string]*Conversation),
		messages: make(map[string][]Message),
		byID:     make(map[string]int),
	}
}

func key(convID, msgID string) string { return convID + "\x00" + msgID }

// PutConversation registers conversation metadata.
func (s *Store) PutConversation(conv Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := conv
	s.convs[conv.ID] = &c
}

// PutConversationIfAbsent registers conversation metadata only when the
// conversation is not already known. Message flow derives a two-member
// skeleton from the frame it sees; a conversation hydrated with its full
// membership must not be narrowed by that skeleton. Returns true when the
// conversation was inserted.
func (s *Store) PutConversationIfAbsent(conv Conversation) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.convs[conv.ID]; ok {
		return false
	}
	c := conv
	s.convs[conv.ID] = &c
	return true
}

// Conversations returns a copy of all known conversations.
func (s *Store) Conversations() []Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Conversation, 0, len(s.convs))
	for _, c := range s.convs {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AppendOrUpdate is the sole mutation entry point for message sequences.
// A message whose id already exists patches the stored entry in place
// (receipts, status, reconciled seq) instead of appending a duplicate, so
// relay redelivery after reconnect is a no-op. Returns true when the
// message was newly inserted.
func (s *Store) AppendOrUpdate(convID string, msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if idx, ok := s.byID[key(convID, msg.ID)]; ok {
		s.patch(convID, idx, msg)
		return false
	}

	seq := s.messages[convID]
	pos := sort.Search(len(seq), func(i int) bool { return lessMessage(msg, seq[i]) })
	seq = append(seq, Message{})
	copy(seq[pos+1:], seq[pos:])
	seq[pos] = msg
	s.messages[convID] = seq
	s.reindex(convID, pos)
	return true
}

// Has reports whether the conversation already holds a message with id.
func (s *Store) Has(convID, msgID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byID[key(convID, msgID)]
	return ok
}

// Get returns a copy of the stored message, if present.
func (s *Store) Get(convID, msgID string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.byID[key(convID, msgID)]
	if !ok {
		return Message{}, false
	}
	return s.messages[convID][idx], true
}

// ReconcileID swaps a pending message's temp id for the server-assigned id,
// records the relay sequence number and marks the message sent. It is a
// no-op if the temp id is unknown (e.g. the ack raced a restart).
func (s *Store) ReconcileID(convID, tempID, serverID string, seq int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.byID[key(convID, tempID)]
	if !ok {
		return false
	}
	msg := s.messages[convID][idx]
	delete(s.byID, key(convID, tempID))
	msg.TempID = tempID
	msg.ID = serverID
	msg.Seq = seq
	if msg.Status == StatusPending {
		msg.Status = StatusSent
	}

	// Seq assignment can move the message within the order.
	seqs := s.messages[convID]
	copy(seqs[idx:], seqs[idx+1:])
	seqs = seqs[:len(seqs)-1]
	pos := sort.Search(len(seqs), func(i int) bool { return lessMessage(msg, seqs[i]) })
	seqs = append(seqs, Message{})
	copy(seqs[pos+1:], seqs[pos:])
	seqs[pos] = msg
	s.messages[convID] = seqs
	s.reindex(convID, min(idx, pos))
	return true
}

// MarkDelivered applies a delivery receipt. Unknown ids are dropped
// silently: receipts are best-effort signals. Timestamps only move forward.
func (s *Store) MarkDelivered(convID, msgID string, at time.Time) bool {
	return s.markReceipt(convID, msgID, func(m *Message) {
		if m.DeliveredAt.IsZero() || at.After(m.DeliveredAt) {
			m.DeliveredAt = at
		}
		if m.Status == StatusPending || m.Status == StatusSent {
			m.Status = StatusDelivered
		}
	})
}

// MarkRead applies a read receipt; a read message is implicitly delivered.
func (s *Store) MarkRead(convID, msgID string, at time.Time) bool {
	return s.markReceipt(convID, msgID, func(m *Message) {
		if m.DeliveredAt.IsZero() {
			m.DeliveredAt = at
		}
		if m.ReadAt.IsZero() || at.After(m.ReadAt) {
			m.ReadAt = at
		}
		m.Status = StatusRead
	})
}

// MarkFailed tags a pending message as failed (retryable by the user).
func (s *Store) MarkFailed(convID, msgID string) bool {
	return s.markReceipt(convID, msgID, func(m *Message) {
		m.Status = StatusFailed
	})
}

// Requeue resets a failed message back to pending for another send attempt.
func (s *Store) Requeue(convID, msgID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.byID[key(convID, msgID)]
	if !ok {
		return false
	}
	m := &s.messages[convID][idx]
	if m.Status != StatusFailed {
		return false
	}
	m.Status = StatusPending
	return true
}

func (s *Store) markReceipt(convID, msgID string, apply func(*Message)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.byID[key(convID, msgID)]
	if !ok {
		return false
	}
	apply(&s.messages[convID][idx])
	return true
}

// Ordered returns a copy of the conversation's message sequence ordered by
// (seq, createdAt). Messages past their expiry are filtered out: the
// disappearing-message rule is display-only, the entries themselves stay.
func (s *Store) Ordered(convID string) []Message {
	return s.OrderedAt(convID, time.Now())
}

// OrderedAt is Ordered with an explicit clock, for tests.
func (s *Store) OrderedAt(convID string, now time.Time) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seq := s.messages[convID]
	out := make([]Message, 0, len(seq))
	for _, m := range seq {
		if !m.ExpiresAt.IsZero() && now.After(m.ExpiresAt) {
			continue
		}
		out = append(out, m)
	}
	return out
}

// Seed bulk-loads conversations and messages during startup hydration.
func (s *Store) Seed(convs []Conversation, msgs []Message) {
	for _, c := range convs {
		s.PutConversation(c)
	}
	for _, m := range msgs {
		s.AppendOrUpdate(m.ConversationID, m)
	}
}

func (s *Store) patch(convID string, idx int, incoming Message) {
	cur := &s.messages[convID][idx]
	if incoming.Seq != 0 && cur.Seq == 0 {
		cur.Seq = incoming.Seq
	}
	if !incoming.DeliveredAt.IsZero() && cur.DeliveredAt.IsZero() {
		cur.DeliveredAt = incoming.DeliveredAt
	}
	if !incoming.ReadAt.IsZero() && cur.ReadAt.IsZero() {
		cur.ReadAt = incoming.ReadAt
	}
	if statusRank(incoming.Status) > statusRank(cur.Status) {
		cur.Status = incoming.Status
	}
}

func (s *Store) reindex(convID string, from int) {
	seq := s.messages[convID]
	for i := from; i < len(seq); i++ {
		s.byID[key(convID, seq[i].ID)] = i
	}
}

// lessMessage orders by (seq, createdAt). Unsequenced (pending) messages
// sort after sequenced ones so the optimistic tail stays at the bottom.
func lessMessage(a, b Message) bool {
	if a.Seq != 0 && b.Seq != 0 && a.Seq != b.Seq {
		return a.Seq < b.Seq
	}
	if (a.Seq == 0) != (b.Seq == 0) {
		return b.Seq == 0
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func statusRank(st Status) int {
	switch st {
	case StatusPending:
		return 1
	case StatusFailed:
		return 2
	case StatusSent:
		return 3
	case StatusDelivered:
		return 4
	case StatusRead:
		return 5
	}
	return 0
}
