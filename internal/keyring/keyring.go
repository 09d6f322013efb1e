// Package keyring owns the session's RSA identity: generation, local PEM
// persistence, directory registration, and peer public key resolution.
// Exactly one key pair is active per user; concurrent startup callers
// collapse into a single generation via singleflight.
package keyring

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/lmartins/backline/internal/directory"
	"github.com/lmartins/backline/internal/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// KeySize is the RSA modulus size used for message key wrapping.
const KeySize = 2048

const peerCacheTTL = 5 * time.Minute

// KeyPair is the session's asymmetric identity. Never mutated after
// creation; a new pair supersedes rather than edits it.
type KeyPair struct {
	Private *rsa.PrivateKey
	Public  *rsa.PublicKey
	KeyID   string
	Active  bool
}

type cachedPeer struct {
	pub       *rsa.PublicKey
	keyID     string
	fetchedAt time.Time
}

// Keyring manages the local key pair and the peer key cache.
type Keyring struct {
	dir     *directory.Client
	keyPath string
	timeout time.Duration
	logger  *zap.Logger

	group singleflight.Group

	mu     sync.RWMutex
	active *KeyPair
	peers  map[string]cachedPeer
}

// New creates a keyring persisting the private key at keyPath.
func New(dir *directory.Client, keyPath string, timeout time.Duration, logger *zap.Logger) *Keyring {
	return &Keyring{
		dir:     dir,
		keyPath: keyPath,
		timeout: timeout,
		logger:  logger,
		peers:   make(map[string]cachedPeer),
	}
}

// Ensure returns the active key pair for userID, generating and registering
// one if none exists. Safe for concurrent callers: all in-flight calls for
// the same user share one underlying generation, so two pairs can never be
// issued for one identity. Generation failure is fatal to the session and
// is never downgraded to an unencrypted fallback.
func (k *Keyring) Ensure(ctx context.Context, userID string) (*KeyPair, error) {
	k.mu.RLock()
	if k.active != nil {
		pair := k.active
		k.mu.RUnlock()
		return pair, nil
	}
	k.mu.RUnlock()

	v, err, _ := k.group.Do(userID, func() (any, error) {
		// Re-check under the flight: the first caller may have filled it.
		k.mu.RLock()
		if k.active != nil {
			pair := k.active
			k.mu.RUnlock()
			return pair, nil
		}
		k.mu.RUnlock()

		ctx, cancel := context.WithTimeout(ctx, k.timeout)
		defer cancel()

		pair, err := k.ensureLocked(ctx, userID)
		if err != nil {
			return nil, err
		}
		k.mu.Lock()
		k.active = pair
		k.mu.Unlock()
		return pair, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*KeyPair), nil
}

func (k *Keyring) ensureLocked(ctx context.Context, userID string) (*KeyPair, error) {
	pair, err := k.loadLocal()
	if err != nil {
		k.logger.Warn("local key unreadable, generating a new pair", zap.Error(err))
	}
	if pair == nil {
		pair, err = k.generate(ctx)
		if err != nil {
			return nil, err
		}
		if err := k.saveLocal(pair); err != nil {
			return nil, errs.KeyGenerationFailed("persist key pair", err)
		}
		k.logger.Info("key pair generated", zap.String("key_id", pair.KeyID))
	}

	// Make sure the directory's active record matches what we hold. A
	// missing or stale record is replaced; the server marks prior pairs
	// inactive on registration.
	rec, err := k.dir.ActiveKey(ctx, userID)
	switch {
	case errs.HasCode(err, errs.CodeNotFound):
		rec = nil
	case errs.HasCode(err, errs.CodeTimeout):
		return nil, err
	case err != nil:
		return nil, fmt.Errorf("check active key: %w", err)
	}
	if rec == nil || rec.KeyID != pair.KeyID {
		pubPEM, err := encodePublicPEM(pair.Public)
		if err != nil {
			return nil, errs.KeyGenerationFailed("encode public key", err)
		}
		if err := k.dir.RegisterKey(ctx, directory.KeyRecord{
			UserID:    userID,
			KeyID:     pair.KeyID,
			PublicKey: pubPEM,
			Active:    true,
		}); err != nil {
			return nil, fmt.Errorf("register key pair: %w", err)
		}
		k.logger.Info("key pair registered as active", zap.String("key_id", pair.KeyID))
	}

	pair.Active = true
	return pair, nil
}

// PublicKey resolves a peer's current public key through the directory,
// with a short-lived cache. A peer without a registered pair yields
// KEY_NOT_FOUND.
func (k *Keyring) PublicKey(ctx context.Context, peerID string) (*rsa.PublicKey, error) {
	k.mu.RLock()
	cached, ok := k.peers[peerID]
	k.mu.RUnlock()
	if ok && time.Since(cached.fetchedAt) < peerCacheTTL {
		return cached.pub, nil
	}

	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()

	rec, err := k.dir.PeerKey(ctx, peerID)
	if err != nil {
		return nil, err
	}
	pub, err := parsePublicPEM(rec.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("peer %s key: %w", peerID, err)
	}

	k.mu.Lock()
	k.peers[peerID] = cachedPeer{pub: pub, keyID: rec.KeyID, fetchedAt: time.Now()}
	k.mu.Unlock()
	return pub, nil
}

// Active returns the cached active pair, or nil before Ensure succeeded.
func (k *Keyring) Active() *KeyPair {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.active
}

func (k *Keyring) generate(ctx context.Context) (*KeyPair, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.Timeout("key generation aborted", err)
	}
	priv, err := rsa.GenerateKey(rand.Reader, KeySize)
	if err != nil {
		return nil, errs.KeyGenerationFailed("rsa generate", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, errs.Timeout("key generation aborted", err)
	}
	id, err := keyID(&priv.PublicKey)
	if err != nil {
		return nil, errs.KeyGenerationFailed("derive key id", err)
	}
	return &KeyPair{Private: priv, Public: &priv.PublicKey, KeyID: id}, nil
}

func (k *Keyring) loadLocal() (*KeyPair, error) {
	data, err := os.ReadFile(k.keyPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "RSA PRIVATE KEY" {
		return nil, fmt.Errorf("no RSA private key block in %s", k.keyPath)
	}
	priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	id, err := keyID(&priv.PublicKey)
	if err != nil {
		return nil, err
	}
	return &KeyPair{Private: priv, Public: &priv.PublicKey, KeyID: id}, nil
}

func (k *Keyring) saveLocal(pair *KeyPair) error {
	data := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(pair.Private),
	})
	return os.WriteFile(k.keyPath, data, 0600)
}

// keyID is the hex SHA-256 of the DER-encoded public key.
func keyID(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:]), nil
}

func encodePublicPEM(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

func parsePublicPEM(s string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil {
		return nil, fmt.Errorf("no PEM block")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA public key: %T", parsed)
	}
	return pub, nil
}
