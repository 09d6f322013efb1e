package cipher

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"testing"

	"github.com/lmartins/backline/internal/errs"
)

func testKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate test key: %v", err)
	}
	return priv
}

func TestRoundTrip(t *testing.T) {
	priv := testKey(t)
	ctx := context.Background()

	tests := []struct {
		name      string
		plaintext string
	}{
		{"simple", "hello"},
		{"empty", ""},
		{"unicode", "olá, tudo bem? 🎸"},
		{"long", string(bytes.Repeat([]byte("backline "), 500))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := Encrypt(ctx, tt.plaintext, &priv.PublicKey)
			if err != nil {
				t.Fatalf("Encrypt() error = %v", err)
			}
			got, err := Decrypt(ctx, env, priv)
			if err != nil {
				t.Fatalf("Decrypt() error = %v", err)
			}
			if got != tt.plaintext {
				t.Errorf("round trip = %q, want %q", got, tt.plaintext)
			}
		})
	}
}

func TestFreshness(t *testing.T) {
	priv := testKey(t)
	ctx := context.Background()

	a, err := Encrypt(ctx, "same plaintext", &priv.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Encrypt(ctx, "same plaintext", &priv.PublicKey)
	if err != nil {
		t.Fatal(err)
	}

	if bytes.Equal(a.IV, b.IV) {
		t.Error("two envelopes share an IV")
	}
	if bytes.Equal(a.Key, b.Key) {
		t.Error("two envelopes share a wrapped key")
	}
	if bytes.Equal(a.Content, b.Content) {
		t.Error("two envelopes share ciphertext")
	}
}

func TestTamperDetection(t *testing.T) {
	priv := testKey(t)
	ctx := context.Background()

	env, err := Encrypt(ctx, "integrity matters", &priv.PublicKey)
	if err != nil {
		t.Fatal(err)
	}

	// Flip one bit in every byte position group of the ciphertext.
	for i := 0; i < len(env.Content); i += 7 {
		mutated := Envelope{
			Content: append([]byte(nil), env.Content...),
			Key:     env.Key,
			IV:      env.IV,
		}
		mutated.Content[i] ^= 0x01

		if _, err := Decrypt(ctx, mutated, priv); !errs.HasCode(err, errs.CodeDecryptionFailed) {
			t.Fatalf("bit flip at %d: error = %v, want DECRYPTION_FAILED", i, err)
		}
	}
}

func TestWrongKey(t *testing.T) {
	alice := testKey(t)
	mallory := testKey(t)
	ctx := context.Background()

	env, err := Encrypt(ctx, "for alice only", &alice.PublicKey)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := Decrypt(ctx, env, mallory); !errs.HasCode(err, errs.CodeDecryptionFailed) {
		t.Errorf("wrong key error = %v, want DECRYPTION_FAILED", err)
	}
}

func TestCorruptEnvelope(t *testing.T) {
	priv := testKey(t)
	ctx := context.Background()

	tests := []struct {
		name string
		env  Envelope
	}{
		{"empty", Envelope{}},
		{"short iv", Envelope{Content: []byte{1}, Key: []byte{2}, IV: []byte{3}}},
		{"garbage key", Envelope{Content: []byte{1, 2, 3}, Key: bytes.Repeat([]byte{0xff}, 256), IV: make([]byte, IVSize)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decrypt(ctx, tt.env, priv); !errs.HasCode(err, errs.CodeDecryptionFailed) {
				t.Errorf("error = %v, want DECRYPTION_FAILED", err)
			}
		})
	}
}

func TestCancelledContext(t *testing.T) {
	priv := testKey(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := Encrypt(ctx, "late", &priv.PublicKey); !errs.HasCode(err, errs.CodeTimeout) {
		t.Errorf("Encrypt with cancelled ctx error = %v, want TIMEOUT", err)
	}
	if _, err := Decrypt(ctx, Envelope{IV: make([]byte, IVSize)}, priv); !errs.HasCode(err, errs.CodeTimeout) {
		t.Errorf("Decrypt with cancelled ctx error = %v, want TIMEOUT", err)
	}
}
