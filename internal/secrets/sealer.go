package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/pbkdf2"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/rendis/flowgraph/pkg/schema"
)

// Sealer encrypts provider API keys before they are persisted.
type Sealer interface {
	Seal(plaintext string) (string, error)
	Open(sealed string) (string, error)
}

// KeyConfig selects how the AES key is obtained.
// Provide either MasterKey (raw 32 bytes) or Passphrase + Salt.
type KeyConfig struct {
	MasterKey  []byte
	Passphrase string
	Salt       []byte
	Iterations int // PBKDF2 iterations, default 100_000
}

// AESSealer seals values with AES-256-GCM. Sealed values are
// base64(nonce || ciphertext) so they fit a TEXT column.
type AESSealer struct {
	aead cipher.AEAD
}

// NewAESSealer derives the key from cfg and prepares the cipher.
func NewAESSealer(cfg KeyConfig) (*AESSealer, error) {
	key, err := deriveKey(cfg)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return &AESSealer{aead: aead}, nil
}

func deriveKey(cfg KeyConfig) ([]byte, error) {
	if len(cfg.MasterKey) > 0 {
		if len(cfg.MasterKey) != 32 {
			return nil, schema.NewErrorf(schema.ErrCodeSecret, "master key must be 32 bytes, got %d", len(cfg.MasterKey))
		}
		return cfg.MasterKey, nil
	}
	if cfg.Passphrase == "" {
		return nil, schema.NewError(schema.ErrCodeSecret, "either master key or passphrase is required")
	}
	if len(cfg.Salt) == 0 {
		return nil, schema.NewError(schema.ErrCodeSecret, "salt is required with passphrase")
	}
	iterations := cfg.Iterations
	if iterations <= 0 {
		iterations = 100_000
	}
	return pbkdf2.Key(sha256.New, cfg.Passphrase, cfg.Salt, iterations, 32)
}

func (s *AESSealer) Seal(plaintext string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return base64.StdEncoding.EncodeToString(s.aead.Seal(nonce, nonce, []byte(plaintext), nil)), nil
}

func (s *AESSealer) Open(sealed string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", schema.NewError(schema.ErrCodeSecret, "sealed value is not base64").WithCause(err)
	}
	n := s.aead.NonceSize()
	if len(raw) < n {
		return "", schema.NewError(schema.ErrCodeSecret, "ciphertext too short")
	}
	plaintext, err := s.aead.Open(nil, raw[:n], raw[n:], nil)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeSecret, "decrypt failed: %s", err.Error())
	}
	return string(plaintext), nil
}

var _ Sealer = (*AESSealer)(nil)
