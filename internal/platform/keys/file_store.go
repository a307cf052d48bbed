package keys

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ehr/docvault/internal/errs"
)

const (
	saltFileName  = "keystore.salt"
	keysDirName   = "keys"
	keyFileSuffix = ".key"
)

// FileKeyStore keeps sealed private keys on local disk, one file per
// version: <dir>/keys/<identity>/v<version>.key. The salt sits beside the
// keys directory so no identity can collide with it. Files are created with
// O_EXCL so existing versions are never overwritten.
type FileKeyStore struct {
	dir    string
	sealer *Sealer
}

// OpenFileKeyStore opens (or initialises) a key store rooted at dir. The
// salt is created on first use and reused afterwards so the same passphrase
// keeps opening existing keys.
func OpenFileKeyStore(dir, passphrase string) (*FileKeyStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create key store directory at %s: %w", dir, err)
	}

	saltPath := filepath.Join(dir, saltFileName)
	salt, err := os.ReadFile(saltPath)
	if errors.Is(err, fs.ErrNotExist) {
		salt, err = NewSalt()
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(saltPath, salt, 0600); err != nil {
			return nil, fmt.Errorf("failed to write key store salt: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to read key store salt: %w", err)
	}

	sealer, err := NewSealer(passphrase, salt)
	if err != nil {
		return nil, err
	}
	return &FileKeyStore{dir: dir, sealer: sealer}, nil
}

func (s *FileKeyStore) identityDir(identity string) string {
	return filepath.Join(s.dir, keysDirName, identity)
}

func (s *FileKeyStore) keyPath(identity string, version int) string {
	return filepath.Join(s.identityDir(identity), fmt.Sprintf("v%d%s", version, keyFileSuffix))
}

func (s *FileKeyStore) Save(ctx context.Context, key StoredKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if key.Version <= 0 {
		return fmt.Errorf("%w: key version must be positive", errs.ErrInvalidInput)
	}

	sealed, err := s.sealer.Seal(key.PrivateKeyDER, slotAAD(key.Identity, key.Version))
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrStorage, err)
	}

	identityDir := s.identityDir(key.Identity)
	if err := os.MkdirAll(identityDir, 0700); err != nil {
		return fmt.Errorf("%w: create %s: %v", errs.ErrStorage, identityDir, err)
	}

	path := s.keyPath(key.Identity, key.Version)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("save %s v%d: %w", key.Identity, key.Version, errs.ErrKeyExists)
	}
	if err != nil {
		return fmt.Errorf("%w: create key file: %v", errs.ErrStorage, err)
	}
	if _, err := f.Write(sealed); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("%w: write key file: %v", errs.ErrStorage, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: close key file: %v", errs.ErrStorage, err)
	}
	return nil
}

func (s *FileKeyStore) Load(ctx context.Context, identity string, version int) (*StoredKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if version <= 0 {
		latest, err := s.latest(identity)
		if err != nil {
			return nil, err
		}
		version = latest
	}

	path := s.keyPath(identity, version)
	sealed, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s v%d: %w", identity, version, errs.ErrKeyNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read key file: %v", errs.ErrStorage, err)
	}

	der, err := s.sealer.Open(sealed, slotAAD(identity, version))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrStorage, err)
	}

	var created time.Time
	if info, err := os.Stat(path); err == nil {
		created = info.ModTime().UTC()
	}
	return &StoredKey{Identity: identity, Version: version, PrivateKeyDER: der, CreatedAt: created}, nil
}

func (s *FileKeyStore) latest(identity string) (int, error) {
	entries, err := os.ReadDir(s.identityDir(identity))
	if errors.Is(err, fs.ErrNotExist) {
		return 0, fmt.Errorf("load %s: %w", identity, errs.ErrKeyNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: list keys: %v", errs.ErrStorage, err)
	}

	latest := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "v") || !strings.HasSuffix(name, keyFileSuffix) {
			continue
		}
		v, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, "v"), keyFileSuffix))
		if err != nil {
			continue
		}
		if v > latest {
			latest = v
		}
	}
	if latest == 0 {
		return 0, fmt.Errorf("load %s: %w", identity, errs.ErrKeyNotFound)
	}
	return latest, nil
}
