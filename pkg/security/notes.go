package security

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	sealedPrefix = "enc:v1:"
	keySize      = 32
	nonceSize    = 24
)

// ErrMalformedNote signals a sealed note that cannot be opened.
var ErrMalformedNote = errors.New("malformed sealed note")

// NoteCipher encrypts free-text ledger notes at rest. A nil cipher stores
// notes as-is.
type NoteCipher struct {
	key [keySize]byte
}

// NewNoteCipher decodes a base64 32 byte key. An empty key disables sealing.
func NewNoteCipher(encodedKey string) (*NoteCipher, error) {
	encodedKey = strings.TrimSpace(encodedKey)
	if encodedKey == "" {
		return nil, nil
	}
	raw, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("decode note key: %w", err)
	}
	if len(raw) != keySize {
		return nil, fmt.Errorf("note key must be %d bytes, got %d", keySize, len(raw))
	}
	c := &NoteCipher{}
	copy(c.key[:], raw)
	return c, nil
}

// Seal encrypts plain with a random nonce.
func (c *NoteCipher) Seal(plain string) (string, error) {
	if c == nil || plain == "" {
		return plain, nil
	}
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	box := secretbox.Seal(nonce[:], []byte(plain), &nonce, &c.key)
	return sealedPrefix + base64.RawStdEncoding.EncodeToString(box), nil
}

// Open reverses Seal. Values without the sealed prefix are returned unchanged
// so notes written before a key was configured stay readable.
func (c *NoteCipher) Open(value string) (string, error) {
	if !strings.HasPrefix(value, sealedPrefix) {
		return value, nil
	}
	if c == nil {
		return "", errors.New("sealed note found but no note key configured")
	}
	box, err := base64.RawStdEncoding.DecodeString(strings.TrimPrefix(value, sealedPrefix))
	if err != nil || len(box) < nonceSize+secretbox.Overhead {
		return "", ErrMalformedNote
	}
	var nonce [nonceSize]byte
	copy(nonce[:], box[:nonceSize])
	plain, ok := secretbox.Open(nil, box[nonceSize:], &nonce, &c.key)
	if !ok {
		return "", ErrMalformedNote
	}
	return string(plain), nil
}
