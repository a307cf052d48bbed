package keys

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/docvault/internal/errs"
)

const pgUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// =========== Private key store ===========

// PGKeyStore keeps sealed private keys in the private_keys table.
type PGKeyStore struct {
	pool   *pgxpool.Pool
	sealer *Sealer
}

// NewPGKeyStore loads (or creates) the store salt from keystore_meta and
// derives the sealing key from passphrase.
func NewPGKeyStore(ctx context.Context, pool *pgxpool.Pool, passphrase string) (*PGKeyStore, error) {
	fresh, err := NewSalt()
	if err != nil {
		return nil, err
	}
	if _, err := pool.Exec(ctx, `
		INSERT INTO keystore_meta (id, salt) VALUES (1, $1)
		ON CONFLICT (id) DO NOTHING`, fresh); err != nil {
		return nil, fmt.Errorf("init key store salt: %w", err)
	}

	var salt []byte
	if err := pool.QueryRow(ctx, `SELECT salt FROM keystore_meta WHERE id = 1`).Scan(&salt); err != nil {
		return nil, fmt.Errorf("read key store salt: %w", err)
	}

	sealer, err := NewSealer(passphrase, salt)
	if err != nil {
		return nil, err
	}
	return &PGKeyStore{pool: pool, sealer: sealer}, nil
}

func (s *PGKeyStore) Save(ctx context.Context, key StoredKey) error {
	sealed, err := s.sealer.Seal(key.PrivateKeyDER, slotAAD(key.Identity, key.Version))
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrStorage, err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO private_keys (identity, version, sealed_key)
		VALUES ($1, $2, $3)`,
		key.Identity, key.Version, sealed)
	if isUniqueViolation(err) {
		return fmt.Errorf("save %s v%d: %w", key.Identity, key.Version, errs.ErrKeyExists)
	}
	if err != nil {
		return fmt.Errorf("%w: insert private key: %w", errs.ErrStorage, err)
	}
	return nil
}

func (s *PGKeyStore) Load(ctx context.Context, identity string, version int) (*StoredKey, error) {
	var (
		row    pgx.Row
		sealed []byte
		key    = StoredKey{Identity: identity}
	)
	if version <= 0 {
		row = s.pool.QueryRow(ctx, `
			SELECT version, sealed_key, created_at FROM private_keys
			WHERE identity = $1 ORDER BY version DESC LIMIT 1`, identity)
	} else {
		row = s.pool.QueryRow(ctx, `
			SELECT version, sealed_key, created_at FROM private_keys
			WHERE identity = $1 AND version = $2`, identity, version)
	}

	err := row.Scan(&key.Version, &sealed, &key.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("load %s v%d: %w", identity, version, errs.ErrKeyNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: query private key: %w", errs.ErrStorage, err)
	}

	key.PrivateKeyDER, err = s.sealer.Open(sealed, slotAAD(identity, key.Version))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrStorage, err)
	}
	return &key, nil
}

// =========== Public key directory ===========

// PGDirectory publishes public keys in the public_keys table.
type PGDirectory struct {
	pool *pgxpool.Pool
}

func NewPGDirectory(pool *pgxpool.Pool) *PGDirectory {
	return &PGDirectory{pool: pool}
}

func (d *PGDirectory) Publish(ctx context.Context, key PublishedKey) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO public_keys (identity, version, public_key)
		VALUES ($1, $2, $3)`,
		key.Identity, key.Version, key.PublicKeyDER)
	if isUniqueViolation(err) {
		return fmt.Errorf("publish %s v%d: %w", key.Identity, key.Version, errs.ErrKeyExists)
	}
	if err != nil {
		return fmt.Errorf("%w: insert public key: %w", errs.ErrStorage, err)
	}
	return nil
}

func (d *PGDirectory) Lookup(ctx context.Context, identity string, version int) (*PublishedKey, error) {
	var row pgx.Row
	if version <= 0 {
		row = d.pool.QueryRow(ctx, `
			SELECT identity, version, public_key, published_at FROM public_keys
			WHERE identity = $1 ORDER BY version DESC LIMIT 1`, identity)
	} else {
		row = d.pool.QueryRow(ctx, `
			SELECT identity, version, public_key, published_at FROM public_keys
			WHERE identity = $1 AND version = $2`, identity, version)
	}

	var key PublishedKey
	err := row.Scan(&key.Identity, &key.Version, &key.PublicKeyDER, &key.PublishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("lookup %s v%d: %w", identity, version, errs.ErrKeyNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: query public key: %w", errs.ErrStorage, err)
	}
	return &key, nil
}
