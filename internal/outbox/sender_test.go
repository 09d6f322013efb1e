package outbox

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lmartins/backline/internal/bus"
	"github.com/lmartins/backline/internal/cache"
	"github.com/lmartins/backline/internal/cipher"
	"github.com/lmartins/backline/internal/convstore"
	"github.com/lmartins/backline/internal/directory"
	"github.com/lmartins/backline/internal/errs"
	"github.com/lmartins/backline/internal/keyring"
	"github.com/lmartins/backline/internal/wire"
)

// chanSender exposes queued frames on a channel for synchronization.
type chanSender struct {
	frames chan wire.Frame
}

func (c *chanSender) Send(f wire.Frame) { c.frames <- f }

type fixture struct {
	sender    *Sender
	db        *cache.DB
	store     *convstore.Store
	bus       *bus.Bus
	transport *chanSender
	bobKey    *rsa.PrivateKey
}

// newFixture builds a sender for "alice" with "bob" registered in the
// directory stub, so peer key resolution succeeds for bob and fails for
// everyone else.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	bobKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	der, err := x509.MarshalPKIXPublicKey(&bobKey.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	bobPEM := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/keys/{user}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("user") != "bob" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(directory.KeyRecord{
			UserID: "bob", KeyID: "bob-key", PublicKey: bobPEM, Active: true,
		})
	})
	mux.HandleFunc("POST /v1/keys", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	dir := directory.New(srv.URL, 5*time.Second)
	keys := keyring.New(dir, filepath.Join(t.TempDir(), "key.pem"), 30*time.Second, zap.NewNop())

	db, err := cache.Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	b := bus.New()
	store := convstore.New()
	transport := &chanSender{frames: make(chan wire.Frame, 16)}

	return &fixture{
		sender:    NewSender("alice", db, store, keys, transport, b, 5*time.Second, zap.NewNop()),
		db:        db,
		store:     store,
		bus:       b,
		transport: transport,
		bobKey:    bobKey,
	}
}

func TestQueueInsertsOptimisticPending(t *testing.T) {
	f := newFixture(t)
	events, unsub := f.bus.Subscribe(bus.KindMessageQueued, 4)
	defer unsub()

	tempID, err := f.sender.Queue("conv-1", "bob", wire.MessageTypeText, "hello bob", time.Time{})
	if err != nil {
		t.Fatalf("Queue() error = %v", err)
	}
	if tempID == "" {
		t.Fatal("empty temp id")
	}

	msg, ok := f.store.Get("conv-1", tempID)
	if !ok {
		t.Fatal("no optimistic message in store")
	}
	if msg.Status != convstore.StatusPending || msg.Body != "hello bob" {
		t.Errorf("msg = %+v, want pending/hello bob", msg)
	}

	pending, err := f.db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ClientMsgID != tempID {
		t.Fatalf("pending = %+v, want single entry %q", pending, tempID)
	}

	rows, err := f.db.MessagesFor("conv-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || !rows[0].FromMe || rows[0].Body != "hello bob" {
		t.Errorf("cache rows = %+v", rows)
	}

	select {
	case <-events:
	case <-time.After(time.Second):
		t.Fatal("no queued event")
	}
}

func TestQueueKeepsHydratedMembership(t *testing.T) {
	f := newFixture(t)

	f.store.PutConversation(convstore.Conversation{
		ID: "conv-1",
		Participants: []convstore.Participant{
			{UserID: "alice", Role: "admin"},
			{UserID: "bob", Role: "member"},
			{UserID: "carol", Role: "member"},
		},
	})

	if _, err := f.sender.Queue("conv-1", "bob", wire.MessageTypeText, "hello group", time.Time{}); err != nil {
		t.Fatal(err)
	}

	convs := f.store.Conversations()
	if len(convs) != 1 {
		t.Fatalf("got %d conversations, want 1", len(convs))
	}
	if len(convs[0].Participants) != 3 {
		t.Fatalf("participants = %v, want 3 members", convs[0].Participants)
	}
	if convs[0].Participants[0].Role != "admin" {
		t.Errorf("alice role = %q, want admin", convs[0].Participants[0].Role)
	}
}

func TestSenderEncryptsForRecipient(t *testing.T) {
	f := newFixture(t)

	tempID, err := f.sender.Queue("conv-1", "bob", wire.MessageTypeText, "hello bob", time.Time{})
	if err != nil {
		t.Fatal(err)
	}

	f.sender.Start(context.Background())
	defer f.sender.Stop()

	var frame wire.Frame
	select {
	case frame = <-f.transport.frames:
	case <-time.After(3 * time.Second):
		t.Fatal("no frame reached the transport")
	}

	if frame.Type != wire.TypeMessage {
		t.Fatalf("frame type = %q, want message", frame.Type)
	}
	var data wire.MessageData
	if err := frame.DataInto(&data); err != nil {
		t.Fatal(err)
	}
	if data.ID != tempID || data.SenderID != "alice" || data.RecipientID != "bob" {
		t.Errorf("data = %+v", data)
	}

	// Only bob's private key can open the envelope, and the plaintext never
	// appears in the frame.
	env, err := wire.DecodeEnvelope(data.Envelope)
	if err != nil {
		t.Fatal(err)
	}
	plaintext, err := cipher.Decrypt(context.Background(), env, f.bobKey)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if plaintext != "hello bob" {
		t.Errorf("plaintext = %q, want hello bob", plaintext)
	}

	// The entry waits in 'sending' for the relay ack.
	pending, err := f.db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("got %d pending, want 0 while awaiting ack", len(pending))
	}
}

func TestSenderFailsWhenRecipientKeyMissing(t *testing.T) {
	f := newFixture(t)
	events, unsub := f.bus.Subscribe(bus.KindMessageSendFailed, 4)
	defer unsub()

	tempID, err := f.sender.Queue("conv-1", "ghost", wire.MessageTypeText, "anyone there", time.Time{})
	if err != nil {
		t.Fatal(err)
	}

	f.sender.Start(context.Background())
	defer f.sender.Stop()

	select {
	case evt := <-events:
		failure, ok := evt.Payload.(SendFailure)
		if !ok {
			t.Fatalf("payload = %T, want SendFailure", evt.Payload)
		}
		if failure.TempID != tempID || failure.Code != errs.CodeKeyNotFound {
			t.Errorf("failure = %+v, want %q/KEY_NOT_FOUND", failure, tempID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no send_failed event")
	}

	msg, _ := f.store.Get("conv-1", tempID)
	if msg.Status != convstore.StatusFailed {
		t.Errorf("status = %q, want failed", msg.Status)
	}
}

func TestRetryRequeuesFailedMessage(t *testing.T) {
	f := newFixture(t)
	events, unsub := f.bus.Subscribe(bus.KindMessageSendFailed, 4)
	defer unsub()

	tempID, err := f.sender.Queue("conv-1", "ghost", wire.MessageTypeText, "hi", time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	f.sender.Start(context.Background())
	select {
	case <-events:
	case <-time.After(3 * time.Second):
		t.Fatal("no send_failed event")
	}
	f.sender.Stop()

	if err := f.sender.Retry("conv-1", tempID); err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	msg, _ := f.store.Get("conv-1", tempID)
	if msg.Status != convstore.StatusPending {
		t.Errorf("status = %q, want pending after retry", msg.Status)
	}
	pending, err := f.db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Errorf("got %d pending, want 1 after retry", len(pending))
	}

	// Retry on a message that never failed is rejected.
	if err := f.sender.Retry("conv-1", "no-such-id"); !errs.HasCode(err, errs.CodeNotFound) {
		t.Errorf("Retry(unknown) error = %v, want NOT_FOUND", err)
	}
}

func TestStartReplaysInterruptedSends(t *testing.T) {
	f := newFixture(t)

	// Simulate a crash after MarkOutboxSending but before the relay ack.
	if err := f.db.QueueOutbox(&cache.OutboxEntry{
		ClientMsgID: "c1", ConversationID: "conv-1", RecipientID: "bob",
		MessageType: wire.MessageTypeText, Body: "interrupted",
	}); err != nil {
		t.Fatal(err)
	}
	if err := f.db.MarkOutboxSending("c1"); err != nil {
		t.Fatal(err)
	}

	f.sender.Start(context.Background())
	defer f.sender.Stop()

	select {
	case frame := <-f.transport.frames:
		var data wire.MessageData
		if err := frame.DataInto(&data); err != nil {
			t.Fatal(err)
		}
		if data.ID != "c1" {
			t.Errorf("frame id = %q, want c1", data.ID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("interrupted send was not replayed")
	}
}
