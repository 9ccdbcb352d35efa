package sealedfile

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrSealedFormat  = errors.New("invalid sealed value format")
	ErrSealedInvalid = errors.New("invalid sealed value")
	ErrSealedConfig  = errors.New("invalid sealing configuration")
)

// maxSealedLen bounds how much data we will decode from a sealed file.
const maxSealedLen = 1 << 20

// DefaultKeySize is the key size (in bytes) for the default AEAD,
// XChaCha20-Poly1305.
const DefaultKeySize = chacha20poly1305.KeySize

// Codec seals and opens values with an AEAD.
//
// Format: [keyID] "." base64url(nonce || AEAD.Seal(nil, nonce, plaintext, aad))
//
// Keys holds every accepted key; KeyID selects the one used for sealing, so
// keys can be rotated by adding a new key and switching KeyID.
type Codec struct {
	KeyID string
	Keys  map[string][]byte

	// NewAEAD constructs the AEAD for a key.
	NewAEAD func(key []byte) (cipher.AEAD, error)
}

// NewCodec validates keys and returns a Codec. A nil newAEAD selects
// chacha20poly1305.NewX.
func NewCodec(keyID string, keys map[string][]byte, newAEAD func(key []byte) (cipher.AEAD, error)) (*Codec, error) {
	if keys == nil {
		return nil, errors.New("keys must not be nil")
	}
	if _, ok := keys[keyID]; !ok {
		return nil, errors.New("keyID not found in keys")
	}
	if newAEAD == nil {
		newAEAD = chacha20poly1305.NewX
	}
	for id, k := range keys {
		if _, err := newAEAD(k); err != nil {
			return nil, fmt.Errorf("invalid key %s: %w", id, err)
		}
	}
	return &Codec{
		KeyID:   keyID,
		Keys:    keys,
		NewAEAD: newAEAD,
	}, nil
}

// Seal encrypts plain, binding it to aad.
func (c *Codec) Seal(plain, aad []byte) (string, error) {
	if c == nil {
		return "", ErrSealedConfig
	}
	key, ok := c.Keys[c.KeyID]
	if !ok {
		return "", ErrSealedConfig
	}
	aead, err := c.NewAEAD(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	sealed := aead.Seal(nonce, nonce, plain, aad)
	return c.KeyID + "." + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal with the same aad.
func (c *Codec) Open(value string, aad []byte) ([]byte, error) {
	if c == nil {
		return nil, ErrSealedConfig
	}
	if len(value) == 0 || len(value) > maxSealedLen {
		return nil, ErrSealedFormat
	}
	keyID, encB64, ok := strings.Cut(value, ".")
	if !ok || keyID == "" || encB64 == "" {
		return nil, ErrSealedFormat
	}
	key, ok := c.Keys[keyID]
	if !ok {
		return nil, ErrSealedInvalid
	}

	sealed, err := base64.RawURLEncoding.DecodeString(encB64)
	if err != nil {
		return nil, ErrSealedFormat
	}

	aead, err := c.NewAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrSealedFormat
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	b, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrSealedInvalid
	}
	return b, nil
}
