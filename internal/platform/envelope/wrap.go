package envelope

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"github.com/ehr/docvault/internal/errs"
)

const (
	// MinRSABits is the smallest modulus accepted for key wrapping.
	MinRSABits = 2048
	// DefaultRSABits is used when no size is configured.
	DefaultRSABits = 2048

	// WrapAlgorithm identifies the key wrapping scheme in document metadata.
	WrapAlgorithm = "RSA-OAEP-256"

	pemPublicKey  = "PUBLIC KEY"
	pemPrivateKey = "PRIVATE KEY"
)

// KeyPair is an RSA key pair used to wrap and unwrap content keys.
type KeyPair struct {
	Public  *rsa.PublicKey
	Private *rsa.PrivateKey
}

// GenerateKeyPair creates a new RSA key pair for OAEP wrapping.
func GenerateKeyPair(bits int) (*KeyPair, error) {
	if bits == 0 {
		bits = DefaultRSABits
	}
	if bits < MinRSABits {
		return nil, fmt.Errorf("%w: RSA modulus must be at least %d bits, got %d", errs.ErrInvalidInput, MinRSABits, bits)
	}
	priv, err := rsa.GenerateKey(randReader, bits)
	if err != nil {
		return nil, fmt.Errorf("generate RSA key pair: %w: %v", errs.ErrRandomnessUnavailable, err)
	}
	return &KeyPair{Public: &priv.PublicKey, Private: priv}, nil
}

// maxWrapSize is the largest message RSA-OAEP/SHA-256 can carry for pub.
func maxWrapSize(pub *rsa.PublicKey) int {
	return pub.Size() - 2*sha256.Size - 2
}

// Wrap encrypts the content key under the recipient's public key with
// RSA-OAEP (SHA-256, empty label). The result is exactly pub.Size() bytes.
func Wrap(key ContentKey, pub *rsa.PublicKey) ([]byte, error) {
	if pub == nil {
		return nil, fmt.Errorf("%w: recipient public key is required", errs.ErrInvalidInput)
	}
	if len(key) != ContentKeySize {
		return nil, fmt.Errorf("%w: content key must be %d bytes, got %d", errs.ErrInvalidInput, ContentKeySize, len(key))
	}
	if len(key) > maxWrapSize(pub) {
		return nil, fmt.Errorf("%w: content key does not fit a %d-bit modulus", errs.ErrInvalidInput, pub.N.BitLen())
	}

	wrapped, err := rsa.EncryptOAEP(sha256.New(), randReader, pub, key, nil)
	if err != nil {
		return nil, fmt.Errorf("wrap content key: %w: %v", errs.ErrRandomnessUnavailable, err)
	}
	return wrapped, nil
}

// Unwrap recovers a content key wrapped by Wrap. A key that does not match,
// or malformed input, yields errs.ErrUnwrap.
func Unwrap(wrapped []byte, priv *rsa.PrivateKey) (ContentKey, error) {
	if priv == nil {
		return nil, fmt.Errorf("unwrap content key: private key is required: %w", errs.ErrUnwrap)
	}
	if len(wrapped) != priv.Size() {
		return nil, fmt.Errorf("unwrap content key: wrapped key is %d bytes, modulus is %d: %w", len(wrapped), priv.Size(), errs.ErrUnwrap)
	}

	key, err := rsa.DecryptOAEP(sha256.New(), nil, priv, wrapped, nil)
	if err != nil {
		return nil, fmt.Errorf("unwrap content key: %w", errs.ErrUnwrap)
	}
	if len(key) != ContentKeySize {
		ContentKey(key).Wipe()
		return nil, fmt.Errorf("unwrap content key: recovered %d bytes: %w", len(key), errs.ErrUnwrap)
	}
	return ContentKey(key), nil
}

// MarshalPublicKey encodes pub as PKIX DER.
func MarshalPublicKey(pub *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	return der, nil
}

// MarshalPrivateKey encodes priv as PKCS#8 DER.
func MarshalPrivateKey(priv *rsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	return der, nil
}

// PublicKeyPEM encodes pub as a "PUBLIC KEY" PEM block.
func PublicKeyPEM(pub *rsa.PublicKey) ([]byte, error) {
	der, err := MarshalPublicKey(pub)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemPublicKey, Bytes: der}), nil
}

// PrivateKeyPEM encodes priv as a "PRIVATE KEY" PEM block.
func PrivateKeyPEM(priv *rsa.PrivateKey) ([]byte, error) {
	der, err := MarshalPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemPrivateKey, Bytes: der}), nil
}

// ParsePublicKey accepts PKIX DER or a "PUBLIC KEY" PEM block.
func ParsePublicKey(data []byte) (*rsa.PublicKey, error) {
	der := data
	if block, _ := pem.Decode(data); block != nil {
		if block.Type != pemPublicKey {
			return nil, fmt.Errorf("%w: unexpected PEM block %q", errs.ErrInvalidInput, block.Type)
		}
		der = block.Bytes
	}
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: parse public key: %v", errs.ErrInvalidInput, err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA public key", errs.ErrInvalidInput)
	}
	return rsaPub, nil
}

// ParsePrivateKey accepts PKCS#8 DER or a "PRIVATE KEY" PEM block.
func ParsePrivateKey(data []byte) (*rsa.PrivateKey, error) {
	der := data
	if block, _ := pem.Decode(data); block != nil {
		if block.Type != pemPrivateKey {
			return nil, fmt.Errorf("%w: unexpected PEM block %q", errs.ErrInvalidInput, block.Type)
		}
		der = block.Bytes
	}
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: parse private key: %v", errs.ErrInvalidInput, err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA private key", errs.ErrInvalidInput)
	}
	return rsaKey, nil
}
