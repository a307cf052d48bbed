// Package envelope implements the envelope encryption primitives used for
// medical documents: a fresh AES-256-GCM content key per document, and
// RSA-OAEP wrapping of that key for the recipient.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/ehr/docvault/internal/errs"
)

const (
	// ContentKeySize is the AES-256 key length in bytes.
	ContentKeySize = 32
	// NonceSize is the GCM nonce length in bytes.
	NonceSize = 12
	// TagSize is the GCM authentication tag length in bytes.
	TagSize = 16

	// ContentAlgorithm identifies the content cipher in document metadata.
	ContentAlgorithm = "AES-256-GCM"
)

// randReader is swapped in tests to simulate an unavailable RNG.
var randReader io.Reader = rand.Reader

// ContentKey is a per-document symmetric key. It only ever exists in memory;
// it is persisted exclusively in wrapped form.
type ContentKey []byte

// Wipe zeroes the key material.
func (k ContentKey) Wipe() {
	for i := range k {
		k[i] = 0
	}
}

// Nonce is the 96-bit GCM nonce for a single encryption.
type Nonce []byte

// String returns the base64 encoding used in document metadata.
func (n Nonce) String() string {
	return base64.StdEncoding.EncodeToString(n)
}

// ParseNonce decodes a base64 nonce and checks its length.
func ParseNonce(s string) (Nonce, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: nonce is not valid base64: %v", errs.ErrInvalidInput, err)
	}
	if len(b) != NonceSize {
		return nil, fmt.Errorf("%w: nonce must be %d bytes, got %d", errs.ErrInvalidInput, NonceSize, len(b))
	}
	return Nonce(b), nil
}

// GenerateContentKey returns a fresh random 256-bit content key.
func GenerateContentKey() (ContentKey, error) {
	key := make([]byte, ContentKeySize)
	if _, err := io.ReadFull(randReader, key); err != nil {
		return nil, fmt.Errorf("generate content key: %w: %v", errs.ErrRandomnessUnavailable, err)
	}
	return ContentKey(key), nil
}

// GenerateNonce returns a fresh random 96-bit nonce. A (key, nonce) pair
// must never be used for more than one encryption.
func GenerateNonce() (Nonce, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(randReader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w: %v", errs.ErrRandomnessUnavailable, err)
	}
	return Nonce(nonce), nil
}

func newGCM(key ContentKey) (cipher.AEAD, error) {
	if len(key) != ContentKeySize {
		return nil, fmt.Errorf("%w: content key must be %d bytes, got %d", errs.ErrInvalidInput, ContentKeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("content cipher: create cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithTagSize(block, TagSize)
	if err != nil {
		return nil, fmt.Errorf("content cipher: create GCM: %w", err)
	}
	return aead, nil
}

// Encrypt seals plaintext with AES-256-GCM. The 16-byte tag is appended to
// the returned ciphertext.
func Encrypt(plaintext []byte, key ContentKey, nonce Nonce) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("%w: nonce must be %d bytes, got %d", errs.ErrInvalidInput, NonceSize, len(nonce))
	}
	return aead.Seal(nil, nonce, plaintext, nil), nil
}

// Decrypt opens a ciphertext produced by Encrypt. Any integrity failure,
// including a wrong key or nonce, returns errs.ErrAuthentication and no
// plaintext.
func Decrypt(ciphertext []byte, key ContentKey, nonce Nonce) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("%w: nonce must be %d bytes, got %d", errs.ErrAuthentication, NonceSize, len(nonce))
	}
	if len(ciphertext) < TagSize {
		return nil, fmt.Errorf("content decrypt: ciphertext too short: %w", errs.ErrAuthentication)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("content decrypt: %w", errs.ErrAuthentication)
	}
	return plaintext, nil
}
