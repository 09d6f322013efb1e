// Package directory is the request/response client for the external data
// API: the public key directory plus conversation/message seeding. It is a
// plain HTTP collaborator; everything real-time goes over the relay socket
// instead.
package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/lmartins/backline/internal/errs"
	"github.com/lmartins/backline/internal/wire"
)

// KeyRecord is the directory's view of one key pair. Only public material
// ever crosses this API.
type KeyRecord struct {
	UserID    string `json:"userId"`
	KeyID     string `json:"keyId"`
	PublicKey string `json:"publicKey"` // PEM, PKIX
	Active    bool   `json:"isActive"`
}

// Participant is one member of a conversation.
type Participant struct {
	UserID string `json:"userId"`
	Role   string `json:"role,omitempty"`
}

// ConversationRecord is a stored conversation row.
type ConversationRecord struct {
	ID           string        `json:"id"`
	Participants []Participant `json:"participants"`
}

// MessageRecord is a stored message row used to seed the session store.
type MessageRecord struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversationId"`
	SenderID       string        `json:"senderId"`
	RecipientID    string        `json:"recipientId,omitempty"`
	MessageType    string        `json:"messageType"`
	Envelope       wire.Envelope `json:"envelope"`
	Seq            int64         `json:"seq"`
	CreatedAt      int64         `json:"createdAt"`
	DeliveredAt    int64         `json:"deliveredAt,omitempty"`
	ReadAt         int64         `json:"readAt,omitempty"`
	ExpiresAt      int64         `json:"expiresAt,omitempty"`
}

// Client talks to the data API.
type Client struct {
	base    string
	http    *http.Client
	timeout time.Duration
}

// New creates a directory client for the given base URL.
func New(base string, timeout time.Duration) *Client {
	// Timeouts are enforced per call via context so they surface as the
	// TIMEOUT code rather than an opaque client error.
	return &Client{
		base:    base,
		http:    &http.Client{},
		timeout: timeout,
	}
}

// ActiveKey returns the caller's active key record, or NOT_FOUND if the
// user has never registered one.
func (c *Client) ActiveKey(ctx context.Context, userID string) (*KeyRecord, error) {
	var rec KeyRecord
	err := c.getJSON(ctx, "/v1/keys/"+url.PathEscape(userID), &rec)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// PeerKey resolves a peer's current public key. A peer with no key pair
// yields KEY_NOT_FOUND, which the send path must treat as a hard failure.
func (c *Client) PeerKey(ctx context.Context, peerID string) (*KeyRecord, error) {
	var rec KeyRecord
	err := c.getJSON(ctx, "/v1/keys/"+url.PathEscape(peerID), &rec)
	if errs.HasCode(err, errs.CodeNotFound) {
		return nil, errs.KeyNotFound(fmt.Sprintf("peer %s has no key pair", peerID))
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// RegisterKey stores a freshly generated key record and marks it active.
func (c *Client) RegisterKey(ctx context.Context, rec KeyRecord) error {
	return c.postJSON(ctx, "/v1/keys", rec, nil)
}

// Conversations lists the conversations the user belongs to.
func (c *Client) Conversations(ctx context.Context, userID string) ([]ConversationRecord, error) {
	var out []ConversationRecord
	if err := c.getJSON(ctx, "/v1/users/"+url.PathEscape(userID)+"/conversations", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Messages lists the stored messages of one conversation.
func (c *Client) Messages(ctx context.Context, conversationID string) ([]MessageRecord, error) {
	var out []MessageRecord
	if err := c.getJSON(ctx, "/v1/conversations/"+url.PathEscape(conversationID)+"/messages", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateConversation creates a conversation with the given participants.
func (c *Client) CreateConversation(ctx context.Context, participants []Participant) (*ConversationRecord, error) {
	var out ConversationRecord
	if err := c.postJSON(ctx, "/v1/conversations", map[string][]Participant{"participants": participants}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return errs.Timeout("directory lookup", err)
		}
		return errs.Transport("directory lookup", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return errs.NotFound(fmt.Sprintf("GET %s: not found", path))
	}
	if resp.StatusCode != http.StatusOK {
		return errs.Internal(fmt.Sprintf("GET %s: %s", path, resp.Status))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return errs.Timeout("directory request", err)
		}
		return errs.Transport("directory request", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return errs.Internal(fmt.Sprintf("POST %s: %s", path, resp.Status))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
