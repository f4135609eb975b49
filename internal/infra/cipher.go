package infra

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/pbkdf2"

	"github.com/canopyguard/canopy/internal/domain"
)

const (
	// kdfIterations keeps derivation slow enough that the device identity
	// string cannot be brute-forced cheaply from a stolen database.
	kdfIterations = 100_000
	derivedKeyLen = 32 // AES-256
	gcmNonceLen   = 12
)

// payloadKeySalt is the fixed application-level salt for payload key
// derivation. Changing it orphans every previously encrypted item.
var payloadKeySalt = []byte("canopy/outbox/payload-key/v1")

// DeviceCipher implements domain.PayloadCipher with AES-256-GCM under keys
// derived from the device identity via PBKDF2-SHA256. Derived keys live only
// in memory, cached per device id for the process lifetime.
type DeviceCipher struct {
	mu    sync.RWMutex
	keys  map[string][]byte
	keyFn func(deviceID string) ([]byte, error)
}

// NewDeviceCipher creates a cipher with an empty key cache.
func NewDeviceCipher() *DeviceCipher {
	c := &DeviceCipher{keys: make(map[string][]byte)}
	c.keyFn = c.deriveKey
	return c
}

// deriveKey stretches the device identity into a 256-bit key.
// Deterministic: the same identity always yields the same key, which is the
// only way items survive a process restart.
func (c *DeviceCipher) deriveKey(deviceID string) ([]byte, error) {
	if deviceID == "" {
		return nil, &domain.KeyDerivationError{Err: domain.ErrDeviceIdentityMissing}
	}
	key := pbkdf2.Key([]byte(deviceID), payloadKeySalt, kdfIterations, derivedKeyLen, sha256.New)
	if len(key) != derivedKeyLen {
		return nil, &domain.KeyDerivationError{Err: fmt.Errorf("derived %d bytes, want %d", len(key), derivedKeyLen)}
	}
	return key, nil
}

// key returns the cached key for deviceID, deriving it on first use.
// A derivation failure is returned to the caller and never cached.
func (c *DeviceCipher) key(deviceID string) ([]byte, error) {
	c.mu.RLock()
	if k, ok := c.keys[deviceID]; ok {
		c.mu.RUnlock()
		return k, nil
	}
	c.mu.RUnlock()

	k, err := c.keyFn(deviceID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.keys[deviceID] = k
	c.mu.Unlock()
	return k, nil
}

// Encrypt seals plaintext with a fresh random nonce. The nonce is returned
// separately so the store can persist it next to the ciphertext; it must
// never be reused for the same key.
func (c *DeviceCipher) Encrypt(plaintext []byte, deviceID string) ([]byte, []byte, error) {
	aead, err := c.aead(deviceID)
	if err != nil {
		return nil, nil, err
	}

	nonce := make([]byte, gcmNonceLen)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, &domain.KeyDerivationError{Err: fmt.Errorf("nonce generation: %w", err)}
	}

	return aead.Seal(nil, nonce, plaintext, nil), nonce, nil
}

// Decrypt opens ciphertext. Tag verification failure (corruption, foreign
// device) surfaces as a DecryptionError.
func (c *DeviceCipher) Decrypt(ciphertext, nonce []byte, deviceID string) ([]byte, error) {
	aead, err := c.aead(deviceID)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcmNonceLen {
		return nil, &domain.DecryptionError{Err: fmt.Errorf("nonce length %d, want %d", len(nonce), gcmNonceLen)}
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, &domain.DecryptionError{Err: err}
	}
	return plaintext, nil
}

// Invalidate drops the cached key for deviceID. Re-deriving afterwards
// reproduces the same key.
func (c *DeviceCipher) Invalidate(deviceID string) {
	c.mu.Lock()
	delete(c.keys, deviceID)
	c.mu.Unlock()
}

func (c *DeviceCipher) aead(deviceID string) (cipher.AEAD, error) {
	key, err := c.key(deviceID)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, &domain.KeyDerivationError{Err: err}
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, &domain.KeyDerivationError{Err: err}
	}
	return aead, nil
}

// Ensure DeviceCipher implements domain.PayloadCipher.
var _ domain.PayloadCipher = (*DeviceCipher)(nil)
