package integration

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ehr/docvault/internal/domain/documents"
	"github.com/ehr/docvault/internal/errs"
	"github.com/ehr/docvault/internal/platform/blobstore"
	"github.com/ehr/docvault/internal/platform/envelope"
	"github.com/ehr/docvault/internal/platform/keys"
	"github.com/ehr/docvault/internal/platform/ledger"
	"github.com/ehr/docvault/internal/platform/metrics"
)

// TestPipeline_Postgres runs upload and download with every collaborator
// except content storage backed by Postgres.
func TestPipeline_Postgres(t *testing.T) {
	pool := requireDB(t)
	ctx := context.Background()

	store, err := keys.NewPGKeyStore(ctx, pool, testPassphrase)
	if err != nil {
		t.Fatalf("NewPGKeyStore: %v", err)
	}
	km := keys.NewManager(store, keys.NewPGDirectory(pool), envelope.DefaultRSABits, zerolog.Nop())
	svc := documents.NewService(blobstore.NewInMemoryBlobStore(), km, ledger.NewPGLedger(pool), metrics.New(), zerolog.Nop())

	recipient := uniqueIdentity("pat")
	if _, err := km.GenerateAndRegister(ctx, recipient); err != nil {
		t.Fatalf("register: %v", err)
	}

	up := svc.Upload(ctx, documents.UploadRequest{
		FileName:     "hello.txt",
		DocumentType: documents.TypeLabReport,
		Recipient:    recipient,
		Uploader:     "0xclinic",
		Content:      []byte("hello test"),
	})
	if !up.Success {
		t.Fatalf("upload failed: %+v", up.Error)
	}

	down := svc.DownloadAs(ctx, up.Result.RecordID, recipient)
	if !down.Success {
		t.Fatalf("download failed: %+v", down.Error)
	}
	if string(down.Result.Plaintext) != "hello test" || down.Result.OriginalFileName != "hello.txt" {
		t.Errorf("unexpected result: %q %s", down.Result.Plaintext, down.Result.OriginalFileName)
	}

	// After rotation the record still opens with the version it was wrapped for.
	if _, _, err := km.Rotate(ctx, recipient); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if again := svc.DownloadAs(ctx, up.Result.RecordID, recipient); !again.Success {
		t.Fatalf("download after rotation failed: %+v", again.Error)
	}

	other := uniqueIdentity("eve")
	if _, err := km.GenerateAndRegister(ctx, other); err != nil {
		t.Fatalf("register: %v", err)
	}
	denied := svc.DownloadAs(ctx, up.Result.RecordID, other)
	if denied.Success || denied.Error.Kind != errs.KindUnwrap {
		t.Fatalf("expected unwrap failure for another identity, got %+v", denied)
	}

	entries, err := svc.ListForRecipient(ctx, recipient)
	if err != nil {
		t.Fatalf("ListForRecipient: %v", err)
	}
	if len(entries) != 1 || entries[0].Metadata == nil || entries[0].Metadata.OriginalFileName != "hello.txt" {
		t.Errorf("unexpected listing: %+v", entries)
	}
}
