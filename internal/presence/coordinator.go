// Package presence tracks peer online/typing state and produces outbound
// typing signals. All typing indicators are time-bounded: local input stops
// advertising after an inactivity window, and peer indicators expire on a
// local timer even if the stop frame never arrives.
package presence

import (
	"sync"
	"time"

	"github.com/lmartins/backline/internal/bus"
	"github.com/lmartins/backline/internal/wire"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// FrameSender is the outbound path for typing frames; satisfied by the
// transport connection.
type FrameSender interface {
	Send(wire.Frame)
}

// State is the observed presence of one peer.
type State struct {
	IsOnline        bool
	IsTyping        bool
	TypingExpiresAt time.Time
}

// TypingChange is the bus payload for presence.typing events.
type TypingChange struct {
	ConversationID string
	UserID         string
	IsTyping       bool
}

// OnlineChange is the bus payload for presence.online events.
type OnlineChange struct {
	UserID   string
	IsOnline bool
}

type outboundTyping struct {
	limiter   *rate.Limiter
	stopTimer *time.Timer
}

// Coordinator owns presence state for the session.
type Coordinator struct {
	sender      FrameSender
	bus         *bus.Bus
	logger      *zap.Logger
	userID      string
	quietWindow time.Duration
	typingTTL   time.Duration

	mu       sync.Mutex
	peers    map[string]*State
	outbound map[string]*outboundTyping // conversation id -> debounce state
	expiry   map[string]*time.Timer     // peer id -> typing expiry timer
	closed   bool
}

// New creates a presence coordinator sending typing frames as userID.
func New(sender FrameSender, b *bus.Bus, userID string, quietWindow, typingTTL time.Duration, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		sender:      sender,
		bus:         b,
		logger:      logger,
		userID:      userID,
		quietWindow: quietWindow,
		typingTTL:   typingTTL,
		peers:       make(map[string]*State),
		outbound:    make(map[string]*outboundTyping),
		expiry:      make(map[string]*time.Timer),
	}
}

// SetTyping is called from local input handlers. A typing=true frame goes
// out at most once per quiet window per conversation; typing=false goes out
// automatically after the inactivity timeout, and immediately when the
// caller signals stop.
func (c *Coordinator) SetTyping(conversationID string, typing bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	ob, ok := c.outbound[conversationID]
	if !ok {
		ob = &outboundTyping{limiter: rate.NewLimiter(rate.Every(c.quietWindow), 1)}
		c.outbound[conversationID] = ob
	}

	if !typing {
		if ob.stopTimer != nil {
			ob.stopTimer.Stop()
			ob.stopTimer = nil
		}
		c.mu.Unlock()
		c.sendTyping(conversationID, false)
		return
	}

	// Refresh the auto-stop on every keystroke, so the false frame fires
	// only after real inactivity.
	if ob.stopTimer != nil {
		ob.stopTimer.Stop()
	}
	ob.stopTimer = time.AfterFunc(c.typingTTL, func() {
		c.mu.Lock()
		if cur, ok := c.outbound[conversationID]; ok {
			cur.stopTimer = nil
		}
		closed := c.closed
		c.mu.Unlock()
		if !closed {
			c.sendTyping(conversationID, false)
		}
	})

	allowed := ob.limiter.Allow()
	c.mu.Unlock()
	if allowed {
		c.sendTyping(conversationID, true)
	}
}

func (c *Coordinator) sendTyping(conversationID string, typing bool) {
	frame, err := wire.NewFrame(wire.TypeTyping, wire.TypingData{
		ConversationID: conversationID,
		UserID:         c.userID,
		IsTyping:       typing,
	})
	if err != nil {
		c.logger.Warn("build typing frame", zap.Error(err))
		return
	}
	c.sender.Send(frame)
}

// HandlePeerTyping records a peer's typing signal from the router. State
// auto-clears after the TTL even if no stop frame follows, so a peer that
// disconnects mid-type cannot leave a stuck indicator.
func (c *Coordinator) HandlePeerTyping(conversationID, peerID string, typing bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	st := c.peer(peerID)
	if timer, ok := c.expiry[peerID]; ok {
		timer.Stop()
		delete(c.expiry, peerID)
	}

	st.IsTyping = typing
	if typing {
		st.TypingExpiresAt = time.Now().Add(c.typingTTL)
		c.expiry[peerID] = time.AfterFunc(c.typingTTL, func() {
			c.expirePeerTyping(conversationID, peerID)
		})
	} else {
		st.TypingExpiresAt = time.Time{}
	}
	c.mu.Unlock()

	c.bus.Emit(bus.KindPresenceTyping, TypingChange{
		ConversationID: conversationID,
		UserID:         peerID,
		IsTyping:       typing,
	})
}

func (c *Coordinator) expirePeerTyping(conversationID, peerID string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	delete(c.expiry, peerID)
	st, ok := c.peers[peerID]
	if !ok || !st.IsTyping {
		c.mu.Unlock()
		return
	}
	st.IsTyping = false
	st.TypingExpiresAt = time.Time{}
	c.mu.Unlock()

	c.bus.Emit(bus.KindPresenceTyping, TypingChange{
		ConversationID: conversationID,
		UserID:         peerID,
		IsTyping:       false,
	})
}

// HandlePeerPresence records online/offline transitions. Going offline also
// clears any typing indicator for the peer.
func (c *Coordinator) HandlePeerPresence(peerID string, online bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	st := c.peer(peerID)
	st.IsOnline = online
	if !online {
		st.IsTyping = false
		st.TypingExpiresAt = time.Time{}
		if timer, ok := c.expiry[peerID]; ok {
			timer.Stop()
			delete(c.expiry, peerID)
		}
	}
	c.mu.Unlock()

	c.bus.Emit(bus.KindPresenceOnline, OnlineChange{UserID: peerID, IsOnline: online})
}

// Peer returns a copy of the peer's presence state.
func (c *Coordinator) Peer(peerID string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.peers[peerID]; ok {
		return *st
	}
	return State{}
}

// Close stops every timer. Further calls are no-ops.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for id, timer := range c.expiry {
		timer.Stop()
		delete(c.expiry, id)
	}
	for _, ob := range c.outbound {
		if ob.stopTimer != nil {
			ob.stopTimer.Stop()
			ob.stopTimer = nil
		}
	}
}

// peer must be called with the lock held.
func (c *Coordinator) peer(peerID string) *State {
	st, ok := c.peers[peerID]
	if !ok {
		st = &State{}
		c.peers[peerID] = st
	}
	return st
}
