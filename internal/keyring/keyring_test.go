package keyring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lmartins/backline/internal/directory"
	"github.com/lmartins/backline/internal/errs"
	"go.uber.org/zap"
)

// fakeDirectory is an in-memory key directory speaking the data API shape.
type fakeDirectory struct {
	mu        sync.Mutex
	keys      map[string]directory.KeyRecord
	registers int
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{keys: make(map[string]directory.KeyRecord)}
}

func (f *fakeDirectory) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/keys/{user}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		rec, ok := f.keys[r.PathValue("user")]
		f.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(rec)
	})
	mux.HandleFunc("POST /v1/keys", func(w http.ResponseWriter, r *http.Request) {
		var rec directory.KeyRecord
		_ = json.NewDecoder(r.Body).Decode(&rec)
		f.mu.Lock()
		f.keys[rec.UserID] = rec
		f.registers++
		f.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	})
	return mux
}

func newTestKeyring(t *testing.T, srv *httptest.Server) *Keyring {
	t.Helper()
	dir := directory.New(srv.URL, 5*time.Second)
	keyPath := filepath.Join(t.TempDir(), "key.pem")
	return New(dir, keyPath, 30*time.Second, zap.NewNop())
}

func TestEnsureGeneratesAndRegisters(t *testing.T) {
	fake := newFakeDirectory()
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	k := newTestKeyring(t, srv)
	pair, err := k.Ensure(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	if pair.KeyID == "" || pair.Private == nil || !pair.Active {
		t.Errorf("pair = %+v", pair)
	}
	if fake.keys["alice"].KeyID != pair.KeyID {
		t.Errorf("directory key id = %q, want %q", fake.keys["alice"].KeyID, pair.KeyID)
	}
	if !strings.Contains(fake.keys["alice"].PublicKey, "BEGIN PUBLIC KEY") {
		t.Error("registered key is not PEM")
	}
}

func TestEnsureSingleFlight(t *testing.T) {
	fake := newFakeDirectory()
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	k := newTestKeyring(t, srv)

	const callers = 8
	ids := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			pair, err := k.Ensure(context.Background(), "alice")
			if err != nil {
				t.Errorf("Ensure() error = %v", err)
				return
			}
			ids[i] = pair.KeyID
		}(i)
	}
	wg.Wait()

	for i := 1; i < callers; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("caller %d got key id %q, caller 0 got %q", i, ids[i], ids[0])
		}
	}
	if fake.registers != 1 {
		t.Errorf("registrations = %d, want exactly 1", fake.registers)
	}
}

func TestEnsureReloadsPersistedKey(t *testing.T) {
	fake := newFakeDirectory()
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	dir := directory.New(srv.URL, 5*time.Second)
	keyPath := filepath.Join(t.TempDir(), "key.pem")

	first := New(dir, keyPath, 30*time.Second, zap.NewNop())
	p1, err := first.Ensure(context.Background(), "alice")
	if err != nil {
		t.Fatal(err)
	}

	// A fresh keyring over the same session dir must load, not regenerate.
	second := New(dir, keyPath, 30*time.Second, zap.NewNop())
	p2, err := second.Ensure(context.Background(), "alice")
	if err != nil {
		t.Fatal(err)
	}
	if p1.KeyID != p2.KeyID {
		t.Errorf("key id changed across restart: %q -> %q", p1.KeyID, p2.KeyID)
	}
	if fake.registers != 1 {
		t.Errorf("registrations = %d, want 1 (reload must not re-register)", fake.registers)
	}
}

func TestPublicKeyRoundTrip(t *testing.T) {
	fake := newFakeDirectory()
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	bob := newTestKeyring(t, srv)
	bobPair, err := bob.Ensure(context.Background(), "bob")
	if err != nil {
		t.Fatal(err)
	}

	alice := newTestKeyring(t, srv)
	pub, err := alice.PublicKey(context.Background(), "bob")
	if err != nil {
		t.Fatalf("PublicKey() error = %v", err)
	}
	if pub.N.Cmp(bobPair.Public.N) != 0 {
		t.Error("resolved key does not match bob's pair")
	}
}

func TestPublicKeyNotFound(t *testing.T) {
	fake := newFakeDirectory()
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	k := newTestKeyring(t, srv)
	_, err := k.PublicKey(context.Background(), "ghost")
	if !errs.HasCode(err, errs.CodeKeyNotFound) {
		t.Errorf("error = %v, want KEY_NOT_FOUND", err)
	}
}
