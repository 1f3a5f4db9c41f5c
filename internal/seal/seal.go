package seal

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	prefix        = "v1:"
	salt          = "unsaid.submission.message.v1"
	iterations    = 100_000
	keySize       = 32
	MinSecretSize = 16
)

// Sealer encrypts message bodies at rest. A nil Sealer passes values through.
type Sealer struct {
	gcm cipher.AEAD
}

// New derives the AES-256 key from secret. An empty secret disables sealing.
func New(secret string) (*Sealer, error) {
	if secret == "" {
		return nil, nil
	}
	if len(secret) < MinSecretSize {
		return nil, fmt.Errorf("encryption secret must be at least %d characters", MinSecretSize)
	}
	key := pbkdf2.Key([]byte(secret), []byte(salt), iterations, keySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &Sealer{gcm: gcm}, nil
}

// Seal returns base64(nonce|ciphertext) tagged with a version prefix.
func (s *Sealer) Seal(plaintext string) (string, error) {
	if s == nil || plaintext == "" {
		return plaintext, nil
	}
	nonce := make([]byte, s.gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	out := s.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return prefix + base64.StdEncoding.EncodeToString(out), nil
}

// Open reverses Seal. Values written before sealing was enabled are returned as-is.
func (s *Sealer) Open(stored string) (string, error) {
	if !strings.HasPrefix(stored, prefix) {
		return stored, nil
	}
	if s == nil {
		return "", errors.New("sealed value found but encryption is not configured")
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, prefix))
	if err != nil {
		return "", fmt.Errorf("decode sealed value: %w", err)
	}
	n := s.gcm.NonceSize()
	if len(data) < n {
		return "", errors.New("sealed value too short")
	}
	plain, err := s.gcm.Open(nil, data[:n], data[n:], nil)
	if err != nil {
		return "", fmt.Errorf("open sealed value: %w", err)
	}
	return string(plain), nil
}
