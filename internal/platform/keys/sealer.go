package keys

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/scrypt"
)

// scrypt cost parameters for deriving the sealing key from a passphrase.
var (
	scryptN   = 32768
	scryptR   = 8
	scryptP   = 1
	scryptLen = 32
)

// SaltSize is the length of the random salt stored next to sealed keys.
const SaltSize = 16

// MinPassphraseLength is the shortest passphrase a sealed key store accepts.
const MinPassphraseLength = 12

// Sealer encrypts private keys at rest with AES-256-GCM under a key derived
// from an operator passphrase. Sealed output is nonce || ciphertext.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives the sealing key from passphrase and salt with scrypt.
func NewSealer(passphrase string, salt []byte) (*Sealer, error) {
	if len(passphrase) < MinPassphraseLength {
		return nil, fmt.Errorf("key sealer: passphrase must be at least %d characters", MinPassphraseLength)
	}
	if len(salt) < SaltSize {
		return nil, fmt.Errorf("key sealer: salt must be at least %d bytes, got %d", SaltSize, len(salt))
	}

	key, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, scryptLen)
	if err != nil {
		return nil, fmt.Errorf("key sealer: derive key: %w", err)
	}
	defer wipe(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("key sealer: create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("key sealer: create GCM: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// NewSalt returns a fresh random salt for NewSealer.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("key sealer: generate salt: %w", err)
	}
	return salt, nil
}

// Seal encrypts data, binding it to aad (the identity and version) so a
// sealed blob cannot be moved to another slot.
func (s *Sealer) Seal(data, aad []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("key seal: generate nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, data, aad), nil
}

// Open reverses Seal.
func (s *Sealer) Open(sealed, aad []byte) ([]byte, error) {
	nonceSize := s.aead.NonceSize()
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("key open: sealed key too short")
	}
	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	data, err := s.aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("key open: wrong passphrase or corrupted key: %w", err)
	}
	return data, nil
}

func slotAAD(identity string, version int) []byte {
	return []byte(fmt.Sprintf("%s/v%d", identity, version))
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
