package integration

import (
	"bytes"
	"context"
	"crypto/rsa"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ehr/docvault/internal/errs"
	"github.com/ehr/docvault/internal/platform/envelope"
	"github.com/ehr/docvault/internal/platform/keys"
)

func TestPGKeyStore_SaveLoad(t *testing.T) {
	pool := requireDB(t)
	ctx := context.Background()

	store, err := keys.NewPGKeyStore(ctx, pool, testPassphrase)
	if err != nil {
		t.Fatalf("NewPGKeyStore: %v", err)
	}
	id := uniqueIdentity("ks")

	for v := 1; v <= 2; v++ {
		der := bytes.Repeat([]byte{byte(v)}, 64)
		if err := store.Save(ctx, keys.StoredKey{Identity: id, Version: v, PrivateKeyDER: der}); err != nil {
			t.Fatalf("Save v%d: %v", v, err)
		}
	}

	latest, err := store.Load(ctx, id, 0)
	if err != nil {
		t.Fatalf("Load latest: %v", err)
	}
	if latest.Version != 2 || latest.PrivateKeyDER[0] != 2 {
		t.Errorf("latest = v%d", latest.Version)
	}
	first, err := store.Load(ctx, id, 1)
	if err != nil {
		t.Fatalf("Load v1: %v", err)
	}
	if !bytes.Equal(first.PrivateKeyDER, bytes.Repeat([]byte{1}, 64)) {
		t.Error("v1 key material changed")
	}
	if first.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set")
	}
}

func TestPGKeyStore_AppendOnly(t *testing.T) {
	pool := requireDB(t)
	ctx := context.Background()

	store, err := keys.NewPGKeyStore(ctx, pool, testPassphrase)
	if err != nil {
		t.Fatalf("NewPGKeyStore: %v", err)
	}
	id := uniqueIdentity("ao")
	key := keys.StoredKey{Identity: id, Version: 1, PrivateKeyDER: []byte("der")}

	if err := store.Save(ctx, key); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := store.Save(ctx, key); !errors.Is(err, errs.ErrKeyExists) {
		t.Fatalf("expected ErrKeyExists, got %v", err)
	}
	if _, err := store.Load(ctx, uniqueIdentity("none"), 0); !errors.Is(err, errs.ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestPGKeyStore_SealedAtRest(t *testing.T) {
	pool := requireDB(t)
	ctx := context.Background()

	store, err := keys.NewPGKeyStore(ctx, pool, testPassphrase)
	if err != nil {
		t.Fatalf("NewPGKeyStore: %v", err)
	}
	id := uniqueIdentity("sealed")
	der := []byte("-----plain private key bytes-----")
	if err := store.Save(ctx, keys.StoredKey{Identity: id, Version: 1, PrivateKeyDER: der}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	var raw []byte
	if err := pool.QueryRow(ctx, `SELECT sealed_key FROM private_keys WHERE identity = $1`, id).Scan(&raw); err != nil {
		t.Fatalf("query: %v", err)
	}
	if bytes.Contains(raw, der) {
		t.Fatal("private key stored in the clear")
	}

	wrong, err := keys.NewPGKeyStore(ctx, pool, "a different passphrase")
	if err != nil {
		t.Fatalf("NewPGKeyStore: %v", err)
	}
	if _, err := wrong.Load(ctx, id, 1); !errors.Is(err, errs.ErrStorage) {
		t.Fatalf("expected ErrStorage with the wrong passphrase, got %v", err)
	}
}

func TestPGDirectory_PublishLookup(t *testing.T) {
	pool := requireDB(t)
	ctx := context.Background()

	dir := keys.NewPGDirectory(pool)
	id := uniqueIdentity("dir")

	if err := dir.Publish(ctx, keys.PublishedKey{Identity: id, Version: 1, PublicKeyDER: []byte("v1")}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := dir.Publish(ctx, keys.PublishedKey{Identity: id, Version: 2, PublicKeyDER: []byte("v2")}); err != nil {
		t.Fatalf("Publish v2: %v", err)
	}
	if err := dir.Publish(ctx, keys.PublishedKey{Identity: id, Version: 2, PublicKeyDER: []byte("again")}); !errors.Is(err, errs.ErrKeyExists) {
		t.Fatalf("expected ErrKeyExists, got %v", err)
	}

	latest, err := dir.Lookup(ctx, id, 0)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if latest.Version != 2 || string(latest.PublicKeyDER) != "v2" {
		t.Errorf("latest = %+v", latest)
	}
	if _, err := dir.Lookup(ctx, id, 3); !errors.Is(err, errs.ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestPGManager_RegisterRotate(t *testing.T) {
	pool := requireDB(t)
	ctx := context.Background()

	store, err := keys.NewPGKeyStore(ctx, pool, testPassphrase)
	if err != nil {
		t.Fatalf("NewPGKeyStore: %v", err)
	}
	mgr := keys.NewManager(store, keys.NewPGDirectory(pool), envelope.DefaultRSABits, zerolog.Nop())
	id := uniqueIdentity("mgr")

	if _, err := mgr.GenerateAndRegister(ctx, id); err != nil {
		t.Fatalf("GenerateAndRegister: %v", err)
	}
	if _, err := mgr.GenerateAndRegister(ctx, id); !errors.Is(err, errs.ErrKeyExists) {
		t.Fatalf("expected ErrKeyExists, got %v", err)
	}
	if _, version, err := mgr.Rotate(ctx, id); err != nil || version != 2 {
		t.Fatalf("Rotate: v%d, %v", version, err)
	}

	st, err := mgr.Status(ctx, id)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.State != keys.StateRegistered || st.LatestVersion != 2 {
		t.Errorf("status = %+v", st)
	}

	// Both versions still decrypt what was wrapped for them.
	for v := 1; v <= 2; v++ {
		pub, err := mgr.RetrievePublicKey(ctx, id, v)
		if err != nil {
			t.Fatalf("RetrievePublicKey v%d: %v", v, err)
		}
		ck, _ := envelope.GenerateContentKey()
		wrapped, err := envelope.Wrap(ck, pub.Key)
		if err != nil {
			t.Fatalf("Wrap: %v", err)
		}
		err = mgr.WithPrivateKey(ctx, id, v, func(priv *rsa.PrivateKey) error {
			got, err := envelope.Unwrap(wrapped, priv)
			if err != nil {
				return err
			}
			if !bytes.Equal(got, ck) {
				t.Errorf("v%d: unwrapped key mismatch", v)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("WithPrivateKey v%d: %v", v, err)
		}
	}
}
