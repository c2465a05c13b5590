package middleware

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/aretw0/databench/pkg/ports"
)

// ErrDecrypt is returned when no configured key opens a stored value.
var ErrDecrypt = errors.New("decryption failed with all available keys")

// EncryptionConfig holds the keys for encryption and decryption.
type EncryptionConfig struct {
	// ActiveKey is the key used for encrypting new data.
	// Must be 32 bytes for AES-256.
	ActiveKey []byte

	// FallbackKeys is a list of old keys to try when decryption fails.
	// This enables zero-downtime key rotation.
	FallbackKeys [][]byte
}

type encryptionMiddleware struct {
	next   ports.DataBackend
	config EncryptionConfig
}

// NewEncryptionMiddleware creates a middleware that seals every value with
// AES-GCM. The domain and key are authenticated, so a value copied to
// another key does not decrypt.
func NewEncryptionMiddleware(config EncryptionConfig) (Middleware, error) {
	if len(config.ActiveKey) != 32 {
		return nil, errors.New("active key must be 32 bytes (AES-256)")
	}
	for i, k := range config.FallbackKeys {
		if len(k) != 32 {
			return nil, fmt.Errorf("fallback key %d must be 32 bytes (AES-256)", i)
		}
	}
	return func(next ports.DataBackend) ports.DataBackend {
		return &encryptionMiddleware{
			next:   next,
			config: config,
		}
	}, nil
}

func associated(dom, key string) []byte {
	return []byte(dom + "\x00" + key)
}

func (m *encryptionMiddleware) Put(ctx context.Context, dom, key string, value []byte) error {
	ciphertext, err := encrypt(value, m.config.ActiveKey, associated(dom, key))
	if err != nil {
		return fmt.Errorf("failed to encrypt %s/%s: %w", dom, key, err)
	}
	return m.next.Put(ctx, dom, key, ciphertext)
}

func (m *encryptionMiddleware) Get(ctx context.Context, dom, key string) ([]byte, error) {
	ciphertext, err := m.next.Get(ctx, dom, key)
	if err != nil {
		return nil, err
	}
	plain, err := decryptWithRotation(ciphertext, associated(dom, key), m.config.ActiveKey, m.config.FallbackKeys)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt %s/%s: %w", dom, key, err)
	}
	return plain, nil
}

func (m *encryptionMiddleware) Delete(ctx context.Context, dom, key string) error {
	return m.next.Delete(ctx, dom, key)
}

func (m *encryptionMiddleware) Keys(ctx context.Context, dom string) ([]string, error) {
	return m.next.Keys(ctx, dom)
}

func (m *encryptionMiddleware) Drop(ctx context.Context, dom string) error {
	return m.next.Drop(ctx, dom)
}

// Close closes the wrapped backend if it holds resources.
func (m *encryptionMiddleware) Close() error {
	if c, ok := m.next.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Helpers

func encrypt(plaintext, key, ad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return gcm.Seal(nonce, nonce, plaintext, ad), nil
}

func decryptWithRotation(ciphertext, ad, activeKey []byte, fallbackKeys [][]byte) ([]byte, error) {
	// Try active key first
	if plain, err := decrypt(ciphertext, activeKey, ad); err == nil {
		return plain, nil
	}

	// Try fallbacks in order
	for _, key := range fallbackKeys {
		if plain, err := decrypt(ciphertext, key, ad); err == nil {
			return plain, nil
		}
	}

	return nil, ErrDecrypt
}

func decrypt(ciphertext, key, ad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}

	nonce := ciphertext[:gcm.NonceSize()]
	return gcm.Open(nil, nonce, ciphertext[gcm.NonceSize():], ad)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
