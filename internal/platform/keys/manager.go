package keys

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/rs/zerolog"

	"github.com/ehr/docvault/internal/errs"
	"github.com/ehr/docvault/internal/platform/envelope"
)

// State is the registration state of an identity.
type State string

const (
	StateUnregistered State = "unregistered"
	StateRegistered   State = "registered"
)

// Status describes an identity's key state.
type Status struct {
	Identity      string `json:"identity"`
	State         State  `json:"state"`
	LatestVersion int    `json:"latest_version,omitempty"`
}

// PublicKey is a parsed directory entry.
type PublicKey struct {
	Identity string
	Version  int
	Key      *rsa.PublicKey
}

// Manager generates, stores, publishes and retrieves identity key pairs.
type Manager struct {
	store  SecureKeyStore
	dir    Directory
	bits   int
	logger zerolog.Logger
}

// NewManager creates a Manager. bits is the RSA modulus size for new pairs
// (0 selects envelope.DefaultRSABits).
func NewManager(store SecureKeyStore, dir Directory, bits int, logger zerolog.Logger) *Manager {
	if bits == 0 {
		bits = envelope.DefaultRSABits
	}
	return &Manager{store: store, dir: dir, bits: bits, logger: logger}
}

// GenerateAndRegister creates the first key pair for identity, saves the
// private half and publishes the public half. An identity that is already
// registered yields errs.ErrKeyExists; if a previous registration saved the
// private key but failed to publish, the public key is republished.
func (m *Manager) GenerateAndRegister(ctx context.Context, identity string) (*envelope.KeyPair, error) {
	id, err := NormalizeIdentity(identity)
	if err != nil {
		return nil, err
	}

	existing, err := m.store.Load(ctx, id, 0)
	switch {
	case err == nil:
		wipe(existing.PrivateKeyDER)
		if rerr := m.repairPublication(ctx, id, existing.Version); rerr != nil {
			return nil, rerr
		}
		return nil, fmt.Errorf("register %s: %w", id, errs.ErrKeyExists)
	case !errors.Is(err, errs.ErrKeyNotFound):
		return nil, fmt.Errorf("register %s: %w", id, err)
	}

	pair, err := m.issue(ctx, id, 1)
	if err != nil {
		return nil, err
	}
	m.logger.Info().Str("identity", id).Int("version", 1).Msg("key pair registered")
	return pair, nil
}

// Rotate issues version N+1 for a registered identity. Earlier versions stay
// in the store so documents wrapped for them remain readable.
func (m *Manager) Rotate(ctx context.Context, identity string) (*envelope.KeyPair, int, error) {
	id, err := NormalizeIdentity(identity)
	if err != nil {
		return nil, 0, err
	}

	latest, err := m.store.Load(ctx, id, 0)
	if err != nil {
		return nil, 0, fmt.Errorf("rotate %s: %w", id, err)
	}
	wipe(latest.PrivateKeyDER)

	version := latest.Version + 1
	pair, err := m.issue(ctx, id, version)
	if err != nil {
		return nil, 0, err
	}
	m.logger.Info().Str("identity", id).Int("version", version).Msg("key pair rotated")
	return pair, version, nil
}

func (m *Manager) issue(ctx context.Context, id string, version int) (*envelope.KeyPair, error) {
	pair, err := envelope.GenerateKeyPair(m.bits)
	if err != nil {
		return nil, err
	}

	privDER, err := envelope.MarshalPrivateKey(pair.Private)
	if err != nil {
		return nil, err
	}
	defer wipe(privDER)

	pubDER, err := envelope.MarshalPublicKey(pair.Public)
	if err != nil {
		return nil, err
	}

	// The private half is saved first so a published key always has a
	// matching private key somewhere.
	if err := m.store.Save(ctx, StoredKey{Identity: id, Version: version, PrivateKeyDER: privDER}); err != nil {
		return nil, fmt.Errorf("save private key for %s: %w", id, err)
	}
	if err := m.dir.Publish(ctx, PublishedKey{Identity: id, Version: version, PublicKeyDER: pubDER}); err != nil {
		return nil, fmt.Errorf("publish public key for %s: %w", id, err)
	}
	return pair, nil
}

func (m *Manager) repairPublication(ctx context.Context, id string, version int) error {
	_, err := m.dir.Lookup(ctx, id, version)
	if err == nil || !errors.Is(err, errs.ErrKeyNotFound) {
		return nil
	}

	return m.WithPrivateKey(ctx, id, version, func(priv *rsa.PrivateKey) error {
		pubDER, err := envelope.MarshalPublicKey(&priv.PublicKey)
		if err != nil {
			return err
		}
		if err := m.dir.Publish(ctx, PublishedKey{Identity: id, Version: version, PublicKeyDER: pubDER}); err != nil && !errors.Is(err, errs.ErrKeyExists) {
			return fmt.Errorf("republish public key for %s: %w", id, err)
		}
		m.logger.Warn().Str("identity", id).Int("version", version).Msg("republished missing public key")
		return nil
	})
}

// RetrievePublicKey looks up identity's public key in the directory.
// version <= 0 selects the latest.
func (m *Manager) RetrievePublicKey(ctx context.Context, identity string, version int) (*PublicKey, error) {
	id, err := NormalizeIdentity(identity)
	if err != nil {
		return nil, err
	}

	entry, err := m.dir.Lookup(ctx, id, version)
	if err != nil {
		return nil, fmt.Errorf("retrieve public key for %s: %w", id, err)
	}
	pub, err := envelope.ParsePublicKey(entry.PublicKeyDER)
	if err != nil {
		return nil, fmt.Errorf("retrieve public key for %s: %w", id, err)
	}
	return &PublicKey{Identity: id, Version: entry.Version, Key: pub}, nil
}

// RetrievePrivateKey loads and parses identity's private key. Prefer
// WithPrivateKey, which bounds how long the key stays in memory.
func (m *Manager) RetrievePrivateKey(ctx context.Context, identity string, version int) (*rsa.PrivateKey, error) {
	id, err := NormalizeIdentity(identity)
	if err != nil {
		return nil, err
	}

	stored, err := m.store.Load(ctx, id, version)
	if err != nil {
		return nil, fmt.Errorf("retrieve private key for %s: %w", id, err)
	}
	defer wipe(stored.PrivateKeyDER)

	priv, err := envelope.ParsePrivateKey(stored.PrivateKeyDER)
	if err != nil {
		return nil, fmt.Errorf("retrieve private key for %s: %w", id, err)
	}
	return priv, nil
}

// WithPrivateKey runs fn with identity's private key and zeroes its private
// exponent, primes and CRT values once fn returns. fn must not retain the
// key.
func (m *Manager) WithPrivateKey(ctx context.Context, identity string, version int, fn func(*rsa.PrivateKey) error) error {
	priv, err := m.RetrievePrivateKey(ctx, identity, version)
	if err != nil {
		return err
	}
	defer clearPrivateKey(priv)
	return fn(priv)
}

// Status reports whether identity is registered and its latest version.
func (m *Manager) Status(ctx context.Context, identity string) (*Status, error) {
	id, err := NormalizeIdentity(identity)
	if err != nil {
		return nil, err
	}

	entry, err := m.dir.Lookup(ctx, id, 0)
	if errors.Is(err, errs.ErrKeyNotFound) {
		return &Status{Identity: id, State: StateUnregistered}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("key status for %s: %w", id, err)
	}
	return &Status{Identity: id, State: StateRegistered, LatestVersion: entry.Version}, nil
}

// clearPrivateKey zeroes the backing words of the exported secret values
// (D, the primes and the CRT values). The unexported moduli the rsa package
// precomputes are out of reach and are left to the garbage collector.
func clearPrivateKey(priv *rsa.PrivateKey) {
	if priv == nil {
		return
	}
	wipeInt(priv.D)
	for _, p := range priv.Primes {
		wipeInt(p)
	}
	wipeInt(priv.Precomputed.Dp)
	wipeInt(priv.Precomputed.Dq)
	wipeInt(priv.Precomputed.Qinv)
}

// wipeInt zeroes x including any capacity past its current length, then
// sets it to zero.
func wipeInt(x *big.Int) {
	if x == nil {
		return
	}
	w := x.Bits()
	clear(w[:cap(w)])
	x.SetInt64(0)
}
