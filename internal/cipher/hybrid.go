// Package cipher implements the hybrid RSA+AES scheme protecting message
// bodies. A fresh AES-256 key encrypts the plaintext with GCM; RSA-OAEP
// under the recipient's public key wraps that key. RSA alone cannot carry
// arbitrary-length bodies, so the asymmetric primitive only ever sees the
// fixed-size symmetric key.
package cipher

import (
	"context"
	"crypto/aes"
	stdcipher "crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/lmartins/backline/internal/errs"
)

const (
	// AESKeySize is the size of the per-message AES-256 key.
	AESKeySize = 32
	// IVSize is the size of the AES-GCM initialization vector.
	IVSize = 12
)

// Envelope is the three-part encrypted payload for one message body.
// None of the fields is ever reused across messages: key and IV are
// generated fresh inside Encrypt on every call.
type Envelope struct {
	Content []byte // AES-GCM ciphertext of the plaintext
	Key     []byte // RSA-OAEP ciphertext of the AES key
	IV      []byte // 12-byte GCM nonce
}

// Encrypt seals plaintext for the holder of pub. The AES key and IV are
// drawn from crypto/rand per call, so freshness does not depend on caller
// discipline.
func Encrypt(ctx context.Context, plaintext string, pub *rsa.PublicKey) (Envelope, error) {
	if pub == nil {
		return Envelope{}, errs.InvalidArg("nil recipient public key")
	}
	if err := ctx.Err(); err != nil {
		return Envelope{}, errs.Timeout("encrypt aborted", err)
	}

	key := make([]byte, AESKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return Envelope{}, fmt.Errorf("generate message key: %w", err)
	}
	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return Envelope{}, fmt.Errorf("generate iv: %w", err)
	}

	aead, err := newGCM(key)
	if err != nil {
		return Envelope{}, err
	}
	content := aead.Seal(nil, iv, []byte(plaintext), nil)

	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, key, nil)
	if err != nil {
		return Envelope{}, fmt.Errorf("wrap message key: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return Envelope{}, errs.Timeout("encrypt aborted", err)
	}
	return Envelope{Content: content, Key: wrapped, IV: iv}, nil
}

// Decrypt recovers the plaintext of env using priv. Corruption, tampering
// (GCM tag mismatch) and key mismatch all surface as a DECRYPTION_FAILED
// error; the caller keeps the message and renders a placeholder instead of
// crashing the router.
func Decrypt(ctx context.Context, env Envelope, priv *rsa.PrivateKey) (string, error) {
	if priv == nil {
		return "", errs.InvalidArg("nil private key")
	}
	if err := ctx.Err(); err != nil {
		return "", errs.Timeout("decrypt aborted", err)
	}
	if len(env.IV) != IVSize {
		return "", errs.DecryptionFailed("bad iv length", nil)
	}

	key, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, env.Key, nil)
	if err != nil {
		return "", errs.DecryptionFailed("unwrap message key", err)
	}
	if len(key) != AESKeySize {
		return "", errs.DecryptionFailed("bad message key length", nil)
	}

	aead, err := newGCM(key)
	if err != nil {
		return "", errs.DecryptionFailed("init cipher", err)
	}
	plaintext, err := aead.Open(nil, env.IV, env.Content, nil)
	if err != nil {
		return "", errs.DecryptionFailed("open content", err)
	}

	if err := ctx.Err(); err != nil {
		return "", errs.Timeout("decrypt aborted", err)
	}
	return string(plaintext), nil
}

func newGCM(key []byte) (stdcipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create aes cipher: %w", err)
	}
	aead, err := stdcipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return aead, nil
}
