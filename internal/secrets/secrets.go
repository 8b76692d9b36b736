// Package secrets implements the field-level encryption applied to sensitive
// columns before they reach the row store.
//
// A process-wide master key (ENCRYPTION_KEY) is stretched with PBKDF2-SHA256
// into an AES-256-GCM key. Ciphertext is stored base64-url encoded with the
// nonce prepended. Decryption is deliberately forgiving: any value that does
// not decode and authenticate as ciphertext is returned unchanged, so rows
// written before encryption was enabled keep reading correctly.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// minKeyLen is the minimum accepted master key length.
	minKeyLen = 32

	// kdfIterations is the PBKDF2 iteration count. Lowering it breaks
	// compatibility with previously written rows.
	kdfIterations = 100_000
)

// kdfSalt is fixed so every process derives the same field key from the same
// master key. Changing it requires re-encrypting all stored rows.
var kdfSalt = []byte("pailflow-field-encryption")

// ErrKeyTooShort is returned by New for master keys under 32 characters.
var ErrKeyTooShort = errors.New("secrets: master key must be at least 32 characters")

// Codec encrypts and decrypts individual field values.
type Codec struct {
	aead cipher.AEAD
}

// New derives the field key from the master key and returns a ready Codec.
func New(masterKey string) (*Codec, error) {
	if len(masterKey) < minKeyLen {
		return nil, ErrKeyTooShort
	}
	key := pbkdf2.Key([]byte(masterKey), kdfSalt, kdfIterations, 32, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secrets: init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secrets: init gcm: %w", err)
	}
	return &Codec{aead: aead}, nil
}

// Encrypt seals a single field value for storage. Empty values pass through
// so optional columns stay NULL-ish instead of becoming ciphertext blobs.
func (c *Codec) Encrypt(plain string) (string, error) {
	if plain == "" {
		return "", nil
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("secrets: nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plain), nil)
	return base64.URLEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Values that are not valid ciphertext for this key
// are returned unchanged; stored plaintext from before encryption was enabled
// stays readable.
func (c *Codec) Decrypt(stored string) string {
	if stored == "" {
		return ""
	}
	raw, err := base64.URLEncoding.DecodeString(stored)
	if err != nil {
		return stored
	}
	if len(raw) < c.aead.NonceSize()+c.aead.Overhead() {
		return stored
	}
	nonce, sealed := raw[:c.aead.NonceSize()], raw[c.aead.NonceSize():]
	plain, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return stored
	}
	return string(plain)
}
