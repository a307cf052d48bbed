package keys

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ehr/docvault/internal/errs"
)

// PublishedKey is one version of an identity's public key.
type PublishedKey struct {
	Identity     string    `json:"identity"`
	Version      int       `json:"version"`
	PublicKeyDER []byte    `json:"public_key"`
	PublishedAt  time.Time `json:"published_at"`
}

// Directory is the public key directory other parties consult to encrypt
// for an identity. Like SecureKeyStore it is append-only, and a Lookup with
// version <= 0 returns the latest version.
type Directory interface {
	Publish(ctx context.Context, key PublishedKey) error
	Lookup(ctx context.Context, identity string, version int) (*PublishedKey, error)
}

// MemoryDirectory is an in-process Directory.
type MemoryDirectory struct {
	mu   sync.RWMutex
	keys map[string]map[int]PublishedKey
}

// NewMemoryDirectory returns an empty MemoryDirectory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{keys: make(map[string]map[int]PublishedKey)}
}

func (d *MemoryDirectory) Publish(_ context.Context, key PublishedKey) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	versions, ok := d.keys[key.Identity]
	if !ok {
		versions = make(map[int]PublishedKey)
		d.keys[key.Identity] = versions
	}
	if _, exists := versions[key.Version]; exists {
		return fmt.Errorf("publish %s v%d: %w", key.Identity, key.Version, errs.ErrKeyExists)
	}
	if key.PublishedAt.IsZero() {
		key.PublishedAt = time.Now().UTC()
	}
	key.PublicKeyDER = append([]byte(nil), key.PublicKeyDER...)
	versions[key.Version] = key
	return nil
}

func (d *MemoryDirectory) Lookup(_ context.Context, identity string, version int) (*PublishedKey, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	versions := d.keys[identity]
	if version <= 0 {
		version = latestVersion(versions)
	}
	key, ok := versions[version]
	if !ok {
		return nil, fmt.Errorf("lookup %s v%d: %w", identity, version, errs.ErrKeyNotFound)
	}
	return &key, nil
}
