package documents

import (
	"fmt"
	"strings"
	"time"

	"github.com/ehr/docvault/internal/errs"
	"github.com/ehr/docvault/internal/platform/ledger"
)

// DocumentType is the clinical category of an uploaded document.
type DocumentType string

const (
	TypeLabReport        DocumentType = "lab_report"
	TypePrescription     DocumentType = "prescription"
	TypeImaging          DocumentType = "imaging"
	TypeDischargeSummary DocumentType = "discharge_summary"
	TypeVaccination      DocumentType = "vaccination"
	TypeInsurance        DocumentType = "insurance"
	TypeConsultation     DocumentType = "consultation"
	TypeOther            DocumentType = "other"
)

var validDocumentTypes = map[DocumentType]bool{
	TypeLabReport: true, TypePrescription: true, TypeImaging: true,
	TypeDischargeSummary: true, TypeVaccination: true, TypeInsurance: true,
	TypeConsultation: true, TypeOther: true,
}

func (t DocumentType) Valid() bool { return validDocumentTypes[t] }

// ParseDocumentType accepts the canonical value case-insensitively. Hyphens
// are treated as underscores ("lab-report").
func ParseDocumentType(s string) (DocumentType, error) {
	t := DocumentType(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	if !t.Valid() {
		return "", fmt.Errorf("%w: unknown document type %q", errs.ErrInvalidInput, s)
	}
	return t, nil
}

// MetadataSchemaVersion is written into every DocumentMetadata.
const MetadataSchemaVersion = 1

// DocumentMetadata is the immutable description of one encrypted document.
// It is stored as JSON in the content store next to the ciphertext and is
// not secret.
type DocumentMetadata struct {
	SchemaVersion        int          `json:"schemaVersion"`
	OriginalFileName     string       `json:"originalFileName"`
	FileSize             int64        `json:"fileSize"`
	FileType             string       `json:"fileType"`
	DocumentType         DocumentType `json:"documentType"`
	UploadDate           time.Time    `json:"uploadDate"`
	EncryptionAlgorithm  string       `json:"encryptionAlgorithm"`
	KeyWrappingAlgorithm string       `json:"keyWrappingAlgorithm"`
	ContentPointer       string       `json:"contentPointer"`
	Nonce                string       `json:"nonce"`
	Recipient            string       `json:"recipient"`
	RecipientKeyVersion  int          `json:"recipientKeyVersion"`
	Uploader             string       `json:"uploader,omitempty"`
	ContentSHA256        string       `json:"contentSha256"`
}

// UploadRequest is the input to Service.Upload.
type UploadRequest struct {
	FileName     string       `json:"file_name" validate:"required,max=255"`
	FileType     string       `json:"file_type" validate:"max=255"`
	DocumentType DocumentType `json:"document_type" validate:"required,document_type"`
	Recipient    string       `json:"recipient" validate:"required,max=128"`
	Uploader     string       `json:"uploader" validate:"max=128"`
	Content      []byte       `json:"-"`
}

// UploadResult is returned by a successful upload.
type UploadResult struct {
	RecordID        string            `json:"record_id"`
	ContentPointer  string            `json:"content_pointer"`
	MetadataPointer string            `json:"metadata_pointer"`
	Metadata        *DocumentMetadata `json:"metadata"`
}

// DownloadResult is returned by a successful download.
type DownloadResult struct {
	Plaintext        []byte            `json:"-"`
	FileType         string            `json:"file_type"`
	OriginalFileName string            `json:"original_file_name"`
	Metadata         *DocumentMetadata `json:"metadata"`
}

// Failure is the user-facing description of a failed pipeline run.
type Failure struct {
	Kind      errs.Kind `json:"kind"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`

	err error
}

// Err returns the underlying error for logging and errors.Is checks.
func (f *Failure) Err() error { return f.err }

func newFailure(err error) *Failure {
	kind := errs.KindOf(err)
	return &Failure{Kind: kind, Message: kind.Message(), Retryable: kind.Retryable(), err: err}
}

// UploadOutcome is the tagged result of Service.Upload. Exactly one of
// Result and Error is set.
type UploadOutcome struct {
	Success bool          `json:"success"`
	Result  *UploadResult `json:"result,omitempty"`
	Error   *Failure      `json:"error,omitempty"`
}

// DownloadOutcome is the tagged result of Service.Download. Plaintext is
// only ever present on success.
type DownloadOutcome struct {
	Success bool            `json:"success"`
	Result  *DownloadResult `json:"result,omitempty"`
	Error   *Failure        `json:"error,omitempty"`
}

// DocumentEntry is a ledger record joined with its metadata for listings.
type DocumentEntry struct {
	Record   *ledger.Record    `json:"record"`
	Metadata *DocumentMetadata `json:"metadata,omitempty"`
}
