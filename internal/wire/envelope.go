package wire

import (
	"encoding/base64"
	"fmt"

	"github.com/lmartins/backline/internal/cipher"
)

// EncodeEnvelope converts raw envelope bytes to the base64 wire form.
func EncodeEnvelope(env cipher.Envelope) Envelope {
	return Envelope{
		Content: base64.StdEncoding.EncodeToString(env.Content),
		Key:     base64.StdEncoding.EncodeToString(env.Key),
		IV:      base64.StdEncoding.EncodeToString(env.IV),
	}
}

// DecodeEnvelope converts a wire envelope back to raw bytes.
func DecodeEnvelope(env Envelope) (cipher.Envelope, error) {
	content, err := base64.StdEncoding.DecodeString(env.Content)
	if err != nil {
		return cipher.Envelope{}, fmt.Errorf("decode encryptedContent: %w", err)
	}
	key, err := base64.StdEncoding.DecodeString(env.Key)
	if err != nil {
		return cipher.Envelope{}, fmt.Errorf("decode encryptedKey: %w", err)
	}
	iv, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil {
		return cipher.Envelope{}, fmt.Errorf("decode iv: %w", err)
	}
	return cipher.Envelope{Content: content, Key: key, IV: iv}, nil
}
