package secure

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// KeySize is the length in bytes of a keychain master key.
const KeySize = 32

var errSealedTooShort = errors.New("secure: sealed value shorter than nonce")

// Cipher seals keychain item values with AES-256-GCM. A sealed value is laid
// out as nonce || ciphertext || tag.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher builds a Cipher from a hex master key as produced by
// GenerateKey.
func NewCipher(hexKey string) (*Cipher, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("secure: master key is not hex: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("secure: master key has %d bytes, want %d", len(key), KeySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secure: aes: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secure: gcm: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// NewCipherFromFile reads a hex master key from path. Surrounding
// whitespace is ignored.
func NewCipherFromFile(path string) (*Cipher, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("secure: read master key: %w", err)
	}
	return NewCipher(strings.TrimSpace(string(data)))
}

// Encrypt seals an item value. The same identity must be presented to
// Decrypt.
func (c *Cipher) Encrypt(value, identity []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(value)+c.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("secure: nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, value, identity), nil
}

// Decrypt opens a value sealed by Encrypt.
func (c *Cipher) Decrypt(sealed, identity []byte) ([]byte, error) {
	n := c.aead.NonceSize()
	if len(sealed) < n {
		return nil, errSealedTooShort
	}
	value, err := c.aead.Open(nil, sealed[:n], sealed[n:], identity)
	if err != nil {
		return nil, fmt.Errorf("secure: open sealed value: %w", err)
	}
	return value, nil
}

// GenerateKey returns a fresh random master key, hex encoded.
func GenerateKey() (string, error) {
	var key [KeySize]byte
	if _, err := io.ReadFull(rand.Reader, key[:]); err != nil {
		return "", fmt.Errorf("secure: generate master key: %w", err)
	}
	return hex.EncodeToString(key[:]), nil
}
