package documents

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/ehr/docvault/internal/errs"
	"github.com/ehr/docvault/internal/platform/blobstore"
	"github.com/ehr/docvault/internal/platform/envelope"
	"github.com/ehr/docvault/internal/platform/keys"
	"github.com/ehr/docvault/internal/platform/ledger"
	"github.com/ehr/docvault/internal/platform/metrics"
)

// -- Test collaborators --

// testContentStore is a content-addressed map whose stored bytes tests can
// corrupt in place, and whose Put can be made to fail.
type testContentStore struct {
	mu      sync.Mutex
	blobs   map[string][]byte
	putErr  error
	putCall int
}

func newTestContentStore() *testContentStore {
	return &testContentStore{blobs: make(map[string][]byte)}
}

func (s *testContentStore) Put(_ context.Context, data []byte, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putCall++
	if s.putErr != nil {
		return "", s.putErr
	}
	p := blobstore.PointerFor(data)
	s.blobs[p] = append([]byte(nil), data...)
	return p, nil
}

func (s *testContentStore) Get(_ context.Context, pointer string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[pointer]
	if !ok {
		return nil, fmt.Errorf("blob %s: %w", pointer, errs.ErrBlobNotFound)
	}
	return append([]byte(nil), b...), nil
}

func (s *testContentStore) Stat(_ context.Context, pointer string) (*blobstore.BlobInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[pointer]
	if !ok {
		return nil, fmt.Errorf("blob %s: %w", pointer, errs.ErrBlobNotFound)
	}
	return &blobstore.BlobInfo{Pointer: pointer, Size: int64(len(b))}, nil
}

func (s *testContentStore) flipByte(pointer string, i int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[pointer][i] ^= 0x01
}

// failingLedger rejects every issue.
type failingLedger struct {
	*ledger.MemoryLedger
	err error
}

func (l *failingLedger) Issue(context.Context, ledger.IssueRequest) (*ledger.Record, error) {
	return nil, l.err
}

type fixture struct {
	svc     *Service
	keys    *keys.Manager
	content *testContentStore
	ledger  *ledger.MemoryLedger
	metrics *metrics.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		keys:    keys.NewManager(keys.NewMemoryKeyStore(), keys.NewMemoryDirectory(), envelope.DefaultRSABits, zerolog.Nop()),
		content: newTestContentStore(),
		ledger:  ledger.NewMemoryLedger(),
		metrics: metrics.New(),
	}
	f.svc = NewService(f.content, f.keys, f.ledger, f.metrics, zerolog.Nop())
	return f
}

func (f *fixture) register(t *testing.T, identity string) {
	t.Helper()
	if _, err := f.keys.GenerateAndRegister(context.Background(), identity); err != nil {
		t.Fatalf("register %s: %v", identity, err)
	}
}

func (f *fixture) privateKey(t *testing.T, identity string) *rsa.PrivateKey {
	t.Helper()
	priv, err := f.keys.RetrievePrivateKey(context.Background(), identity, 0)
	if err != nil {
		t.Fatalf("private key for %s: %v", identity, err)
	}
	return priv
}

func helloRequest(recipient string) UploadRequest {
	return UploadRequest{
		FileName:     "hello.txt",
		FileType:     "text/plain",
		DocumentType: TypeLabReport,
		Recipient:    recipient,
		Uploader:     "0xUploader",
		Content:      []byte("hello test"),
	}
}

func mustUpload(t *testing.T, f *fixture, req UploadRequest) *UploadResult {
	t.Helper()
	out := f.svc.Upload(context.Background(), req)
	if !out.Success {
		t.Fatalf("upload failed: %+v (%v)", out.Error, out.Error.Err())
	}
	return out.Result
}

func expectFailure(t *testing.T, out DownloadOutcome, kind errs.Kind) {
	t.Helper()
	if out.Success {
		t.Fatal("expected failure, got success")
	}
	if out.Result != nil {
		t.Fatal("failed download must not carry a result")
	}
	if out.Error == nil || out.Error.Kind != kind {
		t.Fatalf("expected %s failure, got %+v", kind, out.Error)
	}
}

// -- End-to-end scenarios --

func TestScenario_UploadDownloadRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.register(t, "0xABC")

	res := mustUpload(t, f, helloRequest("0xABC"))

	out := f.svc.Download(context.Background(), res.RecordID, f.privateKey(t, "0xABC"))
	if !out.Success {
		t.Fatalf("download failed: %+v", out.Error)
	}
	if string(out.Result.Plaintext) != "hello test" {
		t.Errorf("plaintext = %q", out.Result.Plaintext)
	}
	if out.Result.OriginalFileName != "hello.txt" {
		t.Errorf("OriginalFileName = %s", out.Result.OriginalFileName)
	}
	if out.Result.FileType != "text/plain" {
		t.Errorf("FileType = %s", out.Result.FileType)
	}
}

func TestScenario_WrongRecipientKey(t *testing.T) {
	f := newFixture(t)
	f.register(t, "0xABC")
	f.register(t, "0xDEF")

	res := mustUpload(t, f, helloRequest("0xABC"))

	out := f.svc.Download(context.Background(), res.RecordID, f.privateKey(t, "0xDEF"))
	expectFailure(t, out, errs.KindUnwrap)
	if out.Error.Message != "access denied or corrupted key" {
		t.Errorf("Message = %q", out.Error.Message)
	}
}

func TestScenario_CorruptedCiphertext(t *testing.T) {
	f := newFixture(t)
	f.register(t, "0xABC")

	res := mustUpload(t, f, helloRequest("0xABC"))
	f.content.flipByte(res.ContentPointer, 3)

	out := f.svc.Download(context.Background(), res.RecordID, f.privateKey(t, "0xABC"))
	expectFailure(t, out, errs.KindAuthentication)
	if out.Error.Message != "document corrupted or tampered" {
		t.Errorf("Message = %q", out.Error.Message)
	}
}

func TestDownload_CorruptedCiphertextWithoutDigest(t *testing.T) {
	f := newFixture(t)
	f.register(t, "0xABC")
	res := mustUpload(t, f, helloRequest("0xABC"))

	// Rewrite the metadata without the digest so only the GCM tag can
	// catch the damage, then point a fresh record at it.
	meta := *res.Metadata
	meta.ContentSHA256 = ""
	raw, _ := json.Marshal(meta)
	metaPtr, _ := f.content.Put(context.Background(), raw, "meta.json")
	orig, _ := f.ledger.Resolve(context.Background(), res.RecordID)
	rec, err := f.ledger.Issue(context.Background(), ledger.IssueRequest{
		Recipient: orig.Recipient, MetadataPointer: metaPtr, WrappedKey: orig.WrappedKey,
		Category: orig.Category, KeyVersion: orig.KeyVersion,
	})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	f.content.flipByte(res.ContentPointer, len("hello test")+2) // inside the tag

	out := f.svc.Download(context.Background(), rec.ID, f.privateKey(t, "0xABC"))
	expectFailure(t, out, errs.KindAuthentication)
}

// -- Upload --

func TestUpload_Metadata(t *testing.T) {
	f := newFixture(t)
	f.register(t, "0xABC")

	res := mustUpload(t, f, helloRequest("0xABC"))
	meta := res.Metadata

	if meta.SchemaVersion != MetadataSchemaVersion {
		t.Errorf("SchemaVersion = %d", meta.SchemaVersion)
	}
	if meta.EncryptionAlgorithm != "AES-256-GCM" || meta.KeyWrappingAlgorithm != "RSA-OAEP-256" {
		t.Errorf("algorithms = %s / %s", meta.EncryptionAlgorithm, meta.KeyWrappingAlgorithm)
	}
	if meta.Recipient != "0xabc" || meta.Uploader != "0xuploader" {
		t.Errorf("identities not normalized: %s / %s", meta.Recipient, meta.Uploader)
	}
	if meta.RecipientKeyVersion != 1 {
		t.Errorf("RecipientKeyVersion = %d", meta.RecipientKeyVersion)
	}
	if meta.FileSize != 10 || meta.DocumentType != TypeLabReport {
		t.Errorf("FileSize=%d DocumentType=%s", meta.FileSize, meta.DocumentType)
	}
	if meta.ContentPointer != res.ContentPointer {
		t.Errorf("ContentPointer mismatch")
	}
	nonce, err := envelope.ParseNonce(meta.Nonce)
	if err != nil || len(nonce) != envelope.NonceSize {
		t.Errorf("nonce %q invalid: %v", meta.Nonce, err)
	}

	// Stored ciphertext is plaintext + 16-byte tag and never the plaintext.
	ct, err := f.content.Get(context.Background(), res.ContentPointer)
	if err != nil {
		t.Fatalf("Get ciphertext: %v", err)
	}
	if len(ct) != 10+envelope.TagSize {
		t.Errorf("ciphertext length = %d", len(ct))
	}
	if bytes.Contains(ct, []byte("hello test")) {
		t.Error("ciphertext contains plaintext")
	}

	// Metadata in the store matches the returned copy.
	raw, err := f.content.Get(context.Background(), res.MetadataPointer)
	if err != nil {
		t.Fatalf("Get metadata: %v", err)
	}
	var stored DocumentMetadata
	if err := json.Unmarshal(raw, &stored); err != nil {
		t.Fatalf("decode metadata: %v", err)
	}
	if stored.Nonce != meta.Nonce || stored.OriginalFileName != "hello.txt" {
		t.Errorf("stored metadata differs: %+v", stored)
	}

	rec, err := f.ledger.Resolve(context.Background(), res.RecordID)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(rec.WrappedKey) != 256 {
		t.Errorf("wrapped key length = %d, want 256", len(rec.WrappedKey))
	}
	if rec.MetadataPointer != res.MetadataPointer || rec.Category != "lab_report" || rec.Recipient != "0xabc" {
		t.Errorf("unexpected record: %+v", rec)
	}
}

func TestUpload_SameFileTwiceUsesFreshKeys(t *testing.T) {
	f := newFixture(t)
	f.register(t, "0xABC")

	a := mustUpload(t, f, helloRequest("0xABC"))
	b := mustUpload(t, f, helloRequest("0xABC"))

	if a.ContentPointer == b.ContentPointer {
		t.Error("identical plaintext produced identical ciphertext")
	}
	if a.Metadata.Nonce == b.Metadata.Nonce {
		t.Error("nonce reused across uploads")
	}
	if a.RecordID == b.RecordID {
		t.Error("record id reused")
	}
}

func TestUpload_DetectsFileType(t *testing.T) {
	f := newFixture(t)
	f.register(t, "0xABC")

	req := helloRequest("0xABC")
	req.FileType = ""
	res := mustUpload(t, f, req)
	if !strings.HasPrefix(res.Metadata.FileType, "text/plain") {
		t.Errorf("FileType = %s", res.Metadata.FileType)
	}
}

func TestUpload_EmptyFile(t *testing.T) {
	f := newFixture(t)
	f.register(t, "0xABC")

	req := helloRequest("0xABC")
	req.Content = nil
	res := mustUpload(t, f, req)

	out := f.svc.Download(context.Background(), res.RecordID, f.privateKey(t, "0xABC"))
	if !out.Success || len(out.Result.Plaintext) != 0 {
		t.Fatalf("expected empty plaintext, got %+v", out)
	}
}

func TestUpload_Validation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		mutate func(*UploadRequest)
	}{
		{"missing file name", func(r *UploadRequest) { r.FileName = "" }},
		{"missing recipient", func(r *UploadRequest) { r.Recipient = "" }},
		{"unknown document type", func(r *UploadRequest) { r.DocumentType = "x-ray-party" }},
		{"empty document type", func(r *UploadRequest) { r.DocumentType = "" }},
		{"bad recipient", func(r *UploadRequest) { r.Recipient = "../../etc" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := helloRequest("0xABC")
			tt.mutate(&req)
			out := f.svc.Upload(context.Background(), req)
			if out.Success || out.Error.Kind != errs.KindInvalidInput {
				t.Fatalf("expected invalid_input, got %+v", out.Error)
			}
		})
	}
	if f.content.putCall != 0 {
		t.Errorf("invalid requests reached the content store %d times", f.content.putCall)
	}
}

func TestUpload_UnregisteredRecipient(t *testing.T) {
	f := newFixture(t)

	out := f.svc.Upload(context.Background(), helloRequest("0xnobody"))
	if out.Success || out.Error.Kind != errs.KindKeyNotFound {
		t.Fatalf("expected key_not_found, got %+v", out.Error)
	}
	recs, _ := f.ledger.ListByRecipient(context.Background(), "0xnobody")
	if len(recs) != 0 {
		t.Errorf("failed upload issued %d records", len(recs))
	}
}

func TestUpload_StorageFailure(t *testing.T) {
	f := newFixture(t)
	f.register(t, "0xABC")
	f.content.putErr = fmt.Errorf("%w: bucket offline", errs.ErrStorage)

	out := f.svc.Upload(context.Background(), helloRequest("0xABC"))
	if out.Success || out.Error.Kind != errs.KindStorage || !out.Error.Retryable {
		t.Fatalf("expected retryable storage failure, got %+v", out.Error)
	}
	recs, _ := f.ledger.ListByRecipient(context.Background(), "0xabc")
	if len(recs) != 0 {
		t.Errorf("failed upload issued %d records", len(recs))
	}
}

func TestUpload_LedgerFailure(t *testing.T) {
	f := newFixture(t)
	f.register(t, "0xABC")
	f.svc.ledger = &failingLedger{MemoryLedger: f.ledger, err: fmt.Errorf("%w: rpc unreachable", errs.ErrNetwork)}

	out := f.svc.Upload(context.Background(), helloRequest("0xABC"))
	if out.Success || out.Error.Kind != errs.KindNetwork {
		t.Fatalf("expected network failure, got %+v", out.Error)
	}
	if out.Result != nil {
		t.Error("failed upload must not carry a result")
	}
}

func TestUpload_CanceledContext(t *testing.T) {
	f := newFixture(t)
	f.register(t, "0xABC")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := f.svc.Upload(ctx, helloRequest("0xABC"))
	if out.Success || out.Error.Kind != errs.KindNetwork {
		t.Fatalf("expected network failure for canceled context, got %+v", out.Error)
	}
	recs, _ := f.ledger.ListByRecipient(context.Background(), "0xabc")
	if len(recs) != 0 {
		t.Errorf("canceled upload issued %d records", len(recs))
	}
}

func TestUpload_Concurrent(t *testing.T) {
	f := newFixture(t)
	f.register(t, "0xABC")
	priv := f.privateKey(t, "0xABC")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := helloRequest("0xABC")
			req.Content = []byte(fmt.Sprintf("document %d", i))
			out := f.svc.Upload(context.Background(), req)
			if !out.Success {
				t.Errorf("upload %d: %+v", i, out.Error)
				return
			}
			got := f.svc.Download(context.Background(), out.Result.RecordID, priv)
			if !got.Success || string(got.Result.Plaintext) != string(req.Content) {
				t.Errorf("round trip %d failed: %+v", i, got.Error)
			}
		}(i)
	}
	wg.Wait()
}

func TestUpload_Metrics(t *testing.T) {
	f := newFixture(t)
	f.register(t, "0xABC")
	mustUpload(t, f, helloRequest("0xABC"))
	f.svc.Upload(context.Background(), helloRequest("0xnobody"))

	reg := f.metrics.Registry
	n, err := testutil.GatherAndCount(reg, "docvault_pipeline_runs_total")
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 labelled series (success, key_not_found), got %d", n)
	}
}

// -- Download --

func TestDownloadAs(t *testing.T) {
	f := newFixture(t)
	f.register(t, "0xABC")
	f.register(t, "0xDEF")
	res := mustUpload(t, f, helloRequest("0xABC"))

	out := f.svc.DownloadAs(context.Background(), res.RecordID, "0xabc")
	if !out.Success || string(out.Result.Plaintext) != "hello test" {
		t.Fatalf("recipient download failed: %+v", out.Error)
	}

	expectFailure(t, f.svc.DownloadAs(context.Background(), res.RecordID, "0xDEF"), errs.KindUnwrap)
	expectFailure(t, f.svc.DownloadAs(context.Background(), res.RecordID, "0xunregistered"), errs.KindKeyNotFound)
	expectFailure(t, f.svc.DownloadAs(context.Background(), "999", "0xABC"), errs.KindNotFound)
}

func TestDownloadAs_AfterRotation(t *testing.T) {
	f := newFixture(t)
	f.register(t, "0xABC")
	before := mustUpload(t, f, helloRequest("0xABC"))

	if _, _, err := f.keys.Rotate(context.Background(), "0xABC"); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	after := mustUpload(t, f, helloRequest("0xABC"))

	if before.Metadata.RecipientKeyVersion != 1 || after.Metadata.RecipientKeyVersion != 2 {
		t.Fatalf("key versions = %d, %d", before.Metadata.RecipientKeyVersion, after.Metadata.RecipientKeyVersion)
	}
	for _, res := range []*UploadResult{before, after} {
		out := f.svc.DownloadAs(context.Background(), res.RecordID, "0xABC")
		if !out.Success {
			t.Errorf("record %s unreadable after rotation: %+v", res.RecordID, out.Error)
		}
	}

	// The latest key alone cannot open the pre-rotation record.
	latest := f.privateKey(t, "0xABC")
	expectFailure(t, f.svc.Download(context.Background(), before.RecordID, latest), errs.KindUnwrap)
}

func TestDownload_MissingCiphertext(t *testing.T) {
	f := newFixture(t)
	f.register(t, "0xABC")
	res := mustUpload(t, f, helloRequest("0xABC"))

	f.content.mu.Lock()
	delete(f.content.blobs, res.ContentPointer)
	f.content.mu.Unlock()

	expectFailure(t, f.svc.Download(context.Background(), res.RecordID, f.privateKey(t, "0xABC")), errs.KindNotFound)
}

func TestDownload_NilKey(t *testing.T) {
	f := newFixture(t)
	f.register(t, "0xABC")
	res := mustUpload(t, f, helloRequest("0xABC"))

	expectFailure(t, f.svc.Download(context.Background(), res.RecordID, nil), errs.KindInvalidInput)
}

// -- Queries --

func TestDescribeAndList(t *testing.T) {
	f := newFixture(t)
	f.register(t, "0xABC")
	a := mustUpload(t, f, helloRequest("0xABC"))
	req := helloRequest("0xABC")
	req.FileName = "scan.png"
	req.DocumentType = TypeImaging
	mustUpload(t, f, req)

	entry, err := f.svc.Describe(context.Background(), a.RecordID)
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	if entry.Metadata.OriginalFileName != "hello.txt" || entry.Record.ID != a.RecordID {
		t.Errorf("unexpected entry: %+v", entry)
	}

	list, err := f.svc.ListForRecipient(context.Background(), "0xABC")
	if err != nil {
		t.Fatalf("ListForRecipient: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(list))
	}
	if list[1].Metadata.DocumentType != TypeImaging {
		t.Errorf("second entry type = %s", list[1].Metadata.DocumentType)
	}
}

func TestParseDocumentType(t *testing.T) {
	cases := map[string]DocumentType{
		"lab_report":         TypeLabReport,
		"Lab-Report":         TypeLabReport,
		" discharge_summary": TypeDischargeSummary,
		"OTHER":              TypeOther,
	}
	for in, want := range cases {
		got, err := ParseDocumentType(in)
		if err != nil || got != want {
			t.Errorf("ParseDocumentType(%q) = %s, %v", in, got, err)
		}
	}
	if _, err := ParseDocumentType("selfie"); err == nil {
		t.Error("expected error for unknown type")
	}
}
