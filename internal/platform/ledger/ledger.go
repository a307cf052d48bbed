// Package ledger issues and resolves document access records. A record binds
// a recipient identity to a wrapped content key and the pointer of the
// document's metadata. Records are append-only; issuing is the commit point
// of an upload.
package ledger

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/docvault/internal/errs"
)

// IssueRequest is the payload submitted to the ledger at the end of an upload.
type IssueRequest struct {
	Recipient       string
	MetadataPointer string
	WrappedKey      []byte
	Category        string
	KeyVersion      int
	Issuer          string
}

// Record is an issued access record.
type Record struct {
	ID                string    `json:"id"`
	Receipt           uuid.UUID `json:"receipt"`
	Recipient         string    `json:"recipient"`
	MetadataPointer   string    `json:"metadata_pointer"`
	WrappedKey        []byte    `json:"wrapped_key"`
	Category          string    `json:"category"`
	KeyVersion        int       `json:"key_version"`
	WrappedKeyVersion int       `json:"wrapped_key_version"`
	Issuer            string    `json:"issuer,omitempty"`
	IssuedAt          time.Time `json:"issued_at"`
}

// Issuer is the ledger collaborator used by the document pipelines.
type Issuer interface {
	Issue(ctx context.Context, req IssueRequest) (*Record, error)
	Resolve(ctx context.Context, id string) (*Record, error)
	ListByRecipient(ctx context.Context, recipient string) ([]*Record, error)
}

// InitialWrappedKeyVersion is the version of the first wrapped key on a
// record. Re-wrapping for a new recipient or key is not supported yet, so
// every record currently carries this value.
const InitialWrappedKeyVersion = 1

func validateIssue(req IssueRequest) error {
	switch {
	case req.Recipient == "":
		return fmt.Errorf("%w: recipient is required", errs.ErrInvalidInput)
	case req.MetadataPointer == "":
		return fmt.Errorf("%w: metadata pointer is required", errs.ErrInvalidInput)
	case len(req.WrappedKey) == 0:
		return fmt.Errorf("%w: wrapped key is required", errs.ErrInvalidInput)
	}
	return nil
}

func recordNotFound(id string) error {
	return fmt.Errorf("record %s: %w", id, errs.ErrRecordNotFound)
}

func (r *Record) clone() *Record {
	c := *r
	c.WrappedKey = append([]byte(nil), r.WrappedKey...)
	return &c
}

// MemoryLedger is an in-process Issuer. Record ids are sequential decimal
// strings, mirroring a minted token counter.
type MemoryLedger struct {
	mu      sync.RWMutex
	nextID  uint64
	records map[string]*Record
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{records: make(map[string]*Record)}
}

func (l *MemoryLedger) Issue(ctx context.Context, req IssueRequest) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateIssue(req); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	rec := &Record{
		ID:                strconv.FormatUint(l.nextID, 10),
		Receipt:           uuid.New(),
		Recipient:         req.Recipient,
		MetadataPointer:   req.MetadataPointer,
		WrappedKey:        append([]byte(nil), req.WrappedKey...),
		Category:          req.Category,
		KeyVersion:        req.KeyVersion,
		WrappedKeyVersion: InitialWrappedKeyVersion,
		Issuer:            req.Issuer,
		IssuedAt:          time.Now().UTC(),
	}
	l.records[rec.ID] = rec
	return rec.clone(), nil
}

func (l *MemoryLedger) Resolve(ctx context.Context, id string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.records[id]
	if !ok {
		return nil, recordNotFound(id)
	}
	return rec.clone(), nil
}

// ListByRecipient returns the recipient's records, oldest first.
func (l *MemoryLedger) ListByRecipient(ctx context.Context, recipient string) ([]*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*Record
	for _, rec := range l.records {
		if rec.Recipient == recipient {
			out = append(out, rec.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, _ := strconv.ParseUint(out[i].ID, 10, 64)
		b, _ := strconv.ParseUint(out[j].ID, 10, 64)
		return a < b
	})
	return out, nil
}
