package documents

import (
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/ehr/docvault/internal/errs"
	"github.com/ehr/docvault/internal/platform/blobstore"
	"github.com/ehr/docvault/internal/platform/envelope"
	"github.com/ehr/docvault/internal/platform/keys"
	"github.com/ehr/docvault/internal/platform/ledger"
	"github.com/ehr/docvault/internal/platform/metrics"
)

// KeyManager is the subset of keys.Manager the pipelines need.
type KeyManager interface {
	RetrievePublicKey(ctx context.Context, identity string, version int) (*keys.PublicKey, error)
	WithPrivateKey(ctx context.Context, identity string, version int, fn func(*rsa.PrivateKey) error) error
}

var _ KeyManager = (*keys.Manager)(nil)

// Service runs the upload and download pipelines. It holds no mutable
// state, so one Service can serve any number of concurrent pipeline runs.
type Service struct {
	content  blobstore.ContentStore
	keys     KeyManager
	ledger   ledger.Issuer
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	validate *validator.Validate
	now      func() time.Time
}

// NewService wires the pipelines to their collaborators. m may be nil.
func NewService(content blobstore.ContentStore, km KeyManager, issuer ledger.Issuer, m *metrics.Metrics, logger zerolog.Logger) *Service {
	return &Service{
		content:  content,
		keys:     km,
		ledger:   issuer,
		metrics:  m,
		logger:   logger.With().Str("component", "documents").Logger(),
		validate: NewValidator(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// NewValidator returns a validator that knows the document_type tag.
func NewValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("document_type", func(fl validator.FieldLevel) bool {
		return DocumentType(fl.Field().String()).Valid()
	})
	return v
}

// =========== Upload ===========

// Upload encrypts req.Content for req.Recipient, stores ciphertext and
// metadata, and issues a ledger record. The ledger issue is the last step,
// so a failed upload never leaves a record behind.
func (s *Service) Upload(ctx context.Context, req UploadRequest) UploadOutcome {
	start := time.Now()
	result, err := s.upload(ctx, req)
	s.metrics.ObservePipeline(metrics.PipelineUpload, err, len(req.Content), time.Since(start))

	if err != nil {
		s.logFailure("upload", err).
			Str("recipient", req.Recipient).
			Str("file_name", req.FileName).
			Msg("document upload failed")
		return UploadOutcome{Error: newFailure(err)}
	}

	s.logger.Info().
		Str("record_id", result.RecordID).
		Str("recipient", result.Metadata.Recipient).
		Str("document_type", string(result.Metadata.DocumentType)).
		Int64("size", result.Metadata.FileSize).
		Msg("document uploaded")
	return UploadOutcome{Success: true, Result: result}
}

func (s *Service) upload(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	recipient, err := s.checkUpload(&req)
	if err != nil {
		return nil, err
	}

	// 1. fresh content key and nonce
	key, err := envelope.GenerateContentKey()
	if err != nil {
		return nil, err
	}
	defer key.Wipe()
	nonce, err := envelope.GenerateNonce()
	if err != nil {
		return nil, err
	}

	// 2. encrypt
	ciphertext, err := envelope.Encrypt(req.Content, key, nonce)
	if err != nil {
		return nil, err
	}

	// 3. store ciphertext
	contentPointer, err := s.content.Put(ctx, ciphertext, req.FileName+".enc")
	if err != nil {
		return nil, fmt.Errorf("store ciphertext: %w", err)
	}

	// 4. recipient public key
	pub, err := s.keys.RetrievePublicKey(ctx, recipient, 0)
	if err != nil {
		return nil, fmt.Errorf("recipient key: %w", err)
	}

	// 5. wrap
	wrapped, err := envelope.Wrap(key, pub.Key)
	if err != nil {
		return nil, err
	}

	// 6. metadata
	digest := sha256.Sum256(ciphertext)
	meta := &DocumentMetadata{
		SchemaVersion:        MetadataSchemaVersion,
		OriginalFileName:     req.FileName,
		FileSize:             int64(len(req.Content)),
		FileType:             req.FileType,
		DocumentType:         req.DocumentType,
		UploadDate:           s.now(),
		EncryptionAlgorithm:  envelope.ContentAlgorithm,
		KeyWrappingAlgorithm: envelope.WrapAlgorithm,
		ContentPointer:       contentPointer,
		Nonce:                nonce.String(),
		Recipient:            recipient,
		RecipientKeyVersion:  pub.Version,
		Uploader:             req.Uploader,
		ContentSHA256:        hex.EncodeToString(digest[:]),
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	metadataPointer, err := s.content.Put(ctx, metaJSON, req.FileName+".meta.json")
	if err != nil {
		return nil, fmt.Errorf("store metadata: %w", err)
	}

	// 7. issue
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("before issue: %w", err)
	}
	rec, err := s.ledger.Issue(ctx, ledger.IssueRequest{
		Recipient:       recipient,
		MetadataPointer: metadataPointer,
		WrappedKey:      wrapped,
		Category:        string(req.DocumentType),
		KeyVersion:      pub.Version,
		Issuer:          req.Uploader,
	})
	if err != nil {
		return nil, fmt.Errorf("issue record: %w", err)
	}

	return &UploadResult{
		RecordID:        rec.ID,
		ContentPointer:  contentPointer,
		MetadataPointer: metadataPointer,
		Metadata:        meta,
	}, nil
}

// checkUpload validates req, fills the file type and returns the normalized
// recipient identity.
func (s *Service) checkUpload(req *UploadRequest) (string, error) {
	if err := s.validate.Struct(req); err != nil {
		return "", fmt.Errorf("%w: %v", errs.ErrInvalidInput, err)
	}
	recipient, err := keys.NormalizeIdentity(req.Recipient)
	if err != nil {
		return "", err
	}
	if req.Uploader != "" {
		if req.Uploader, err = keys.NormalizeIdentity(req.Uploader); err != nil {
			return "", err
		}
	}
	if req.FileType == "" {
		req.FileType = http.DetectContentType(req.Content)
	}
	return recipient, nil
}

// =========== Download ===========

// Download resolves recordID and decrypts the document with priv. A wrong
// key yields an unwrap failure, a damaged ciphertext an authentication
// failure; neither ever returns plaintext.
func (s *Service) Download(ctx context.Context, recordID string, priv *rsa.PrivateKey) DownloadOutcome {
	start := time.Now()
	rec, err := s.ledger.Resolve(ctx, recordID)
	if err != nil {
		return s.finishDownload(recordID, nil, fmt.Errorf("resolve record: %w", err), start)
	}
	result, err := s.open(ctx, rec, priv)
	return s.finishDownload(recordID, result, err, start)
}

// DownloadAs is Download with the private key of identity. For the record's
// recipient the key version the document was wrapped for is used; any other
// identity is tried with its latest key and fails at the unwrap step.
func (s *Service) DownloadAs(ctx context.Context, recordID, identity string) DownloadOutcome {
	start := time.Now()

	id, err := keys.NormalizeIdentity(identity)
	if err != nil {
		return s.finishDownload(recordID, nil, err, start)
	}

	rec, err := s.ledger.Resolve(ctx, recordID)
	if err != nil {
		return s.finishDownload(recordID, nil, fmt.Errorf("resolve record: %w", err), start)
	}
	version := 0
	if rec.Recipient == id {
		version = rec.KeyVersion
	}

	var result *DownloadResult
	err = s.keys.WithPrivateKey(ctx, id, version, func(priv *rsa.PrivateKey) error {
		var openErr error
		result, openErr = s.open(ctx, rec, priv)
		return openErr
	})
	return s.finishDownload(recordID, result, err, start)
}

func (s *Service) finishDownload(recordID string, result *DownloadResult, err error, start time.Time) DownloadOutcome {
	size := 0
	if result != nil {
		size = len(result.Plaintext)
	}
	s.metrics.ObservePipeline(metrics.PipelineDownload, err, size, time.Since(start))

	if err != nil {
		s.logFailure("download", err).Str("record_id", recordID).Msg("document download failed")
		return DownloadOutcome{Error: newFailure(err)}
	}
	s.logger.Info().Str("record_id", recordID).Int("size", size).Msg("document downloaded")
	return DownloadOutcome{Success: true, Result: result}
}

func (s *Service) open(ctx context.Context, rec *ledger.Record, priv *rsa.PrivateKey) (*DownloadResult, error) {
	if priv == nil {
		return nil, fmt.Errorf("%w: private key is required", errs.ErrInvalidInput)
	}

	// 2. metadata
	meta, err := s.loadMetadata(ctx, rec.MetadataPointer)
	if err != nil {
		return nil, err
	}
	nonce, err := envelope.ParseNonce(meta.Nonce)
	if err != nil {
		return nil, fmt.Errorf("metadata nonce: %w", err)
	}

	// 3. ciphertext
	ciphertext, err := s.content.Get(ctx, meta.ContentPointer)
	if err != nil {
		return nil, fmt.Errorf("fetch ciphertext: %w", err)
	}

	// 4. unwrap: the authorization checkpoint
	key, err := envelope.Unwrap(rec.WrappedKey, priv)
	if err != nil {
		return nil, err
	}
	defer key.Wipe()

	// 5. decrypt
	if meta.ContentSHA256 != "" {
		digest := sha256.Sum256(ciphertext)
		if hex.EncodeToString(digest[:]) != meta.ContentSHA256 {
			return nil, fmt.Errorf("ciphertext digest mismatch: %w", errs.ErrAuthentication)
		}
	}
	plaintext, err := envelope.Decrypt(ciphertext, key, nonce)
	if err != nil {
		return nil, err
	}

	return &DownloadResult{
		Plaintext:        plaintext,
		FileType:         meta.FileType,
		OriginalFileName: meta.OriginalFileName,
		Metadata:         meta,
	}, nil
}

func (s *Service) loadMetadata(ctx context.Context, pointer string) (*DocumentMetadata, error) {
	raw, err := s.content.Get(ctx, pointer)
	if err != nil {
		return nil, fmt.Errorf("fetch metadata: %w", err)
	}
	var meta DocumentMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("%w: decode metadata: %v", errs.ErrStorage, err)
	}
	if meta.SchemaVersion != MetadataSchemaVersion {
		return nil, fmt.Errorf("%w: unsupported metadata schema version %d", errs.ErrStorage, meta.SchemaVersion)
	}
	return &meta, nil
}

// =========== Read-only queries ===========

// Describe returns a record and its metadata without decrypting anything.
func (s *Service) Describe(ctx context.Context, recordID string) (*DocumentEntry, error) {
	rec, err := s.ledger.Resolve(ctx, recordID)
	if err != nil {
		return nil, err
	}
	meta, err := s.loadMetadata(ctx, rec.MetadataPointer)
	if err != nil {
		return nil, err
	}
	return &DocumentEntry{Record: rec, Metadata: meta}, nil
}

// ListForRecipient returns the recipient's records, oldest first. Metadata
// that cannot be fetched is left nil rather than failing the listing.
func (s *Service) ListForRecipient(ctx context.Context, recipient string) ([]*DocumentEntry, error) {
	id, err := keys.NormalizeIdentity(recipient)
	if err != nil {
		return nil, err
	}
	recs, err := s.ledger.ListByRecipient(ctx, id)
	if err != nil {
		return nil, err
	}

	entries := make([]*DocumentEntry, 0, len(recs))
	for _, rec := range recs {
		entry := &DocumentEntry{Record: rec}
		if meta, err := s.loadMetadata(ctx, rec.MetadataPointer); err == nil {
			entry.Metadata = meta
		} else {
			s.logger.Warn().Err(err).Str("record_id", rec.ID).Msg("metadata unavailable for listing")
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// logFailure picks the level for a pipeline failure. Crypto failures are
// warnings, caller mistakes are debug, everything else is an error.
func (s *Service) logFailure(pipeline string, err error) *zerolog.Event {
	var ev *zerolog.Event
	switch kind := errs.KindOf(err); {
	case kind == errs.KindAuthentication, kind == errs.KindUnwrap:
		ev = s.logger.Warn()
	case kind == errs.KindInvalidInput, kind == errs.KindKeyNotFound, kind == errs.KindNotFound:
		ev = s.logger.Debug()
	default:
		ev = s.logger.Error()
	}
	return ev.Err(err).Str("pipeline", pipeline).Str("kind", string(errs.KindOf(err)))
}
