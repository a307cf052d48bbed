package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ehr/docvault/internal/config"
	"github.com/ehr/docvault/internal/platform/blobstore"
	"github.com/ehr/docvault/internal/platform/db"
	"github.com/ehr/docvault/internal/platform/keys"
	"github.com/ehr/docvault/internal/platform/ledger"
)

// backends holds the collaborators selected by configuration.
type backends struct {
	content  blobstore.ContentStore
	keyStore keys.SecureKeyStore
	dir      keys.Directory
	ledger   ledger.Issuer
	pool     *pgxpool.Pool

	closers []func() error
}

func (b *backends) Close() error {
	var errList []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errList = append(errList, err)
		}
	}
	b.closers = nil
	return errors.Join(errList...)
}

// openBackends connects every backend named in cfg. On error, anything
// already opened is closed.
func openBackends(ctx context.Context, cfg *config.Config, migrate bool, logger zerolog.Logger) (_ *backends, err error) {
	b := &backends{}
	defer func() {
		if err != nil {
			_ = b.Close()
		}
	}()

	if cfg.UsesPostgres() {
		b.pool, err = db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		pool := b.pool
		b.closers = append(b.closers, func() error { pool.Close(); return nil })
		logger.Info().Msg("connected to database")

		if migrate {
			count, err := db.NewMigrator(b.pool, db.Migrations()).Up(ctx)
			if err != nil {
				return nil, fmt.Errorf("migrate: %w", err)
			}
			logger.Info().Int("applied", count).Msg("database migrations up to date")
		}
	}

	switch cfg.ContentStore {
	case config.BackendBadger:
		store, err := blobstore.OpenBadgerBlobStore(blobstore.BadgerStoreConfig{Path: cfg.BadgerPath})
		if err != nil {
			return nil, err
		}
		b.content = store
		b.closers = append(b.closers, store.Close)
	case config.BackendS3:
		store, err := blobstore.NewS3BlobStore(ctx, blobstore.S3StoreConfig{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Prefix:    cfg.S3Prefix,
		})
		if err != nil {
			return nil, err
		}
		b.content = store
	default:
		b.content = blobstore.NewInMemoryBlobStore()
	}

	switch cfg.KeyStore {
	case config.BackendFile:
		store, err := keys.OpenFileKeyStore(cfg.KeyStoreDir, cfg.KeyStorePassphrase)
		if err != nil {
			return nil, err
		}
		b.keyStore = store
	case config.BackendPostgres:
		store, err := keys.NewPGKeyStore(ctx, b.pool, cfg.KeyStorePassphrase)
		if err != nil {
			return nil, err
		}
		b.keyStore = store
	default:
		b.keyStore = keys.NewMemoryKeyStore()
	}

	if cfg.KeyDirectory == config.BackendPostgres {
		b.dir = keys.NewPGDirectory(b.pool)
	} else {
		b.dir = keys.NewMemoryDirectory()
	}

	if cfg.Ledger == config.BackendPostgres {
		b.ledger = ledger.NewPGLedger(b.pool)
	} else {
		b.ledger = ledger.NewMemoryLedger()
	}

	logger.Info().
		Str("content_store", cfg.ContentStore).
		Str("key_store", cfg.KeyStore).
		Str("key_directory", cfg.KeyDirectory).
		Str("ledger", cfg.Ledger).
		Msg("backends ready")

	return b, nil
}
