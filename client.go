package backline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/lmartins/backline/internal/bus"
	"github.com/lmartins/backline/internal/cache"
	"github.com/lmartins/backline/internal/convstore"
	"github.com/lmartins/backline/internal/directory"
	"github.com/lmartins/backline/internal/errs"
	"github.com/lmartins/backline/internal/outbox"
	"github.com/lmartins/backline/internal/presence"
	"github.com/lmartins/backline/internal/router"
	"github.com/lmartins/backline/internal/status"
	"github.com/lmartins/backline/internal/transport"
	"github.com/lmartins/backline/internal/wire"
)

// Message is a conversation entry as exposed to callers.
type Message = convstore.Message

// Conversation is a conversation with its members.
type Conversation = convstore.Conversation

// Event is one bus notification.
type Event = bus.Event

// PresenceState is a peer's live presence view.
type PresenceState = presence.State

// Client is the session facade. All methods are safe for concurrent use.
type Client struct {
	userID string
	store  *convstore.Store
	db     *cache.DB
	sender *outbox.Sender
	pres   *presence.Coordinator
	conn   *transport.Conn
	dir    *directory.Client
	bus    *bus.Bus
	logger *zap.Logger

	app *fx.App
}

func newClient(p Params, store *convstore.Store, db *cache.DB, sender *outbox.Sender,
	pres *presence.Coordinator, conn *transport.Conn, dir *directory.Client,
	b *bus.Bus, logger *zap.Logger) *Client {
	return &Client{
		userID: p.UserID,
		store:  store,
		db:     db,
		sender: sender,
		pres:   pres,
		conn:   conn,
		dir:    dir,
		bus:    b,
		logger: logger,
	}
}

// New boots a full session: lock, cache, identity key, relay connection.
// Close releases everything in reverse.
func New(p Params) (*Client, error) {
	var c *Client
	app := fx.New(
		Module(p),
		fx.Populate(&c),
		fx.NopLogger,
	)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		return nil, err
	}
	c.app = app
	return c, nil
}

// Close shuts the session down.
func (c *Client) Close() error {
	if c.app == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return c.app.Stop(ctx)
}

// SendText queues a text message and returns its temp id. The id is swapped
// for the relay-assigned one once the ack arrives (message.sent event).
func (c *Client) SendText(conversationID, recipientID, text string) (string, error) {
	if text == "" {
		return "", errs.InvalidArg("empty message body")
	}
	return c.sender.Queue(conversationID, recipientID, wire.MessageTypeText, text, time.Time{})
}

// SendDisappearingText is SendText with an expiry after which the message is
// no longer rendered.
func (c *Client) SendDisappearingText(conversationID, recipientID, text string, expiresAt time.Time) (string, error) {
	if text == "" {
		return "", errs.InvalidArg("empty message body")
	}
	return c.sender.Queue(conversationID, recipientID, wire.MessageTypeText, text, expiresAt)
}

// SendMedia queues a media message. The URL is encrypted like a text body;
// mediaType is one of "image", "video" or "file".
func (c *Client) SendMedia(conversationID, recipientID, mediaType, url string) (string, error) {
	switch mediaType {
	case wire.MessageTypeImage, wire.MessageTypeVideo, wire.MessageTypeFile:
	default:
		return "", errs.InvalidArg(fmt.Sprintf("unknown media type %q", mediaType))
	}
	if url == "" {
		return "", errs.InvalidArg("empty media url")
	}
	return c.sender.Queue(conversationID, recipientID, mediaType, url, time.Time{})
}

// RetrySend requeues a failed message.
func (c *Client) RetrySend(conversationID, tempID string) error {
	return c.sender.Retry(conversationID, tempID)
}

// MarkRead records that the local user read a message and notifies the
// sender over the relay.
func (c *Client) MarkRead(conversationID, messageID string) error {
	if !c.store.MarkRead(conversationID, messageID, time.Now()) {
		return errs.NotFound(fmt.Sprintf("no message %q in %q", messageID, conversationID))
	}
	if msg, ok := c.store.Get(conversationID, messageID); ok {
		// The full row conversion keeps the envelope alongside the read
		// timestamp, so a message missing from the cache is inserted in a
		// form a later hydration can still decrypt.
		if err := c.db.UpsertMessage(router.RowFor(msg, c.userID)); err != nil {
			c.logger.Error("cache read upsert failed", zap.Error(err))
		}
	}
	frame, err := wire.NewFrame(wire.TypeReadReceipt, wire.ReceiptData{
		MessageID:      messageID,
		ConversationID: conversationID,
	})
	if err != nil {
		return errs.Wrap(errs.CodeInternal, "encode read receipt", err)
	}
	c.conn.Send(frame)
	return nil
}

// SetTyping reports the local user's typing state for a conversation.
// Repeated true calls within the quiet window are debounced.
func (c *Client) SetTyping(conversationID string, typing bool) {
	c.pres.SetTyping(conversationID, typing)
}

// CreateConversation registers a new conversation with the given peer.
func (c *Client) CreateConversation(ctx context.Context, peerID string) (*Conversation, error) {
	rec, err := c.dir.CreateConversation(ctx, []directory.Participant{
		{UserID: c.userID},
		{UserID: peerID},
	})
	if err != nil {
		return nil, err
	}
	conv := Conversation{
		ID:           rec.ID,
		Participants: participantsFromDirectory(rec.Participants),
	}
	c.store.PutConversation(conv)
	if err := c.db.UpsertConversation(&cache.ConversationRow{
		ID:           rec.ID,
		Participants: cacheParticipants(rec.Participants),
	}); err != nil {
		c.logger.Error("cache conversation upsert failed", zap.Error(err))
	}
	return &conv, nil
}

// Conversations lists known conversations.
func (c *Client) Conversations() []Conversation {
	return c.store.Conversations()
}

// Messages returns a conversation's messages in display order. Expired
// disappearing messages are filtered out.
func (c *Client) Messages(conversationID string) []Message {
	return c.store.Ordered(conversationID)
}

// Presence returns the live presence view of a peer.
func (c *Client) Presence(peerID string) PresenceState {
	return c.pres.Peer(peerID)
}

// ConnectionState reports the relay connection state.
func (c *Client) ConnectionState() string {
	return string(c.conn.State())
}

// Connected reports whether the relay socket is up and authenticated.
func (c *Client) Connected() bool {
	return c.conn.State() == status.Connected
}

// Subscribe returns a channel of events whose kind starts with the given
// namespace prefix ("message.", "conn.", "presence." or "" for all). Slow
// consumers lose events rather than stall the session.
func (c *Client) Subscribe(namespace string, bufSize int) (<-chan Event, func()) {
	return c.bus.Subscribe(namespace, bufSize)
}
