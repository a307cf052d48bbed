// Package keys manages the lifecycle of per-identity RSA key pairs: private
// halves live in a SecureKeyStore, public halves are published to a
// Directory where uploaders look them up by identity.
package keys

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ehr/docvault/internal/errs"
)

var identityPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.:-]{0,127}$`)

// NormalizeIdentity trims and lower-cases a wallet-style identity and checks
// it is safe to use as a storage key.
func NormalizeIdentity(identity string) (string, error) {
	id := strings.ToLower(strings.TrimSpace(identity))
	if !identityPattern.MatchString(id) {
		return "", fmt.Errorf("%w: invalid identity %q", errs.ErrInvalidInput, identity)
	}
	return id, nil
}

// StoredKey is one version of an identity's private key as held by a
// SecureKeyStore. PrivateKeyDER is PKCS#8.
type StoredKey struct {
	Identity      string
	Version       int
	PrivateKeyDER []byte
	CreatedAt     time.Time
}

// SecureKeyStore persists private keys. It is append-only: saving an
// existing (identity, version) fails with errs.ErrKeyExists. Load with
// version <= 0 returns the latest version.
type SecureKeyStore interface {
	Save(ctx context.Context, key StoredKey) error
	Load(ctx context.Context, identity string, version int) (*StoredKey, error)
}

// MemoryKeyStore is a SecureKeyStore for tests and development. Keys are
// lost when the process exits.
type MemoryKeyStore struct {
	mu   sync.RWMutex
	keys map[string]map[int]StoredKey
}

// NewMemoryKeyStore returns an empty MemoryKeyStore.
func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{keys: make(map[string]map[int]StoredKey)}
}

func (s *MemoryKeyStore) Save(_ context.Context, key StoredKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions, ok := s.keys[key.Identity]
	if !ok {
		versions = make(map[int]StoredKey)
		s.keys[key.Identity] = versions
	}
	if _, exists := versions[key.Version]; exists {
		return fmt.Errorf("save %s v%d: %w", key.Identity, key.Version, errs.ErrKeyExists)
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}
	key.PrivateKeyDER = append([]byte(nil), key.PrivateKeyDER...)
	versions[key.Version] = key
	return nil
}

func (s *MemoryKeyStore) Load(_ context.Context, identity string, version int) (*StoredKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := s.keys[identity]
	if version <= 0 {
		version = latestVersion(versions)
	}
	key, ok := versions[version]
	if !ok {
		return nil, fmt.Errorf("load %s v%d: %w", identity, version, errs.ErrKeyNotFound)
	}
	key.PrivateKeyDER = append([]byte(nil), key.PrivateKeyDER...)
	return &key, nil
}

func latestVersion[T any](versions map[int]T) int {
	nums := make([]int, 0, len(versions))
	for v := range versions {
		nums = append(nums, v)
	}
	if len(nums) == 0 {
		return 0
	}
	sort.Ints(nums)
	return nums[len(nums)-1]
}
