package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/docvault/internal/errs"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// PGLedger stores records in the document_records table. The BIGSERIAL id
// plays the role of the token counter.
type PGLedger struct {
	db queryable
}

func NewPGLedger(pool *pgxpool.Pool) *PGLedger {
	return &PGLedger{db: pool}
}

const recordCols = `id, receipt, recipient, metadata_pointer, wrapped_key, category,
	key_version, wrapped_key_version, issuer, issued_at`

func scanRecord(row pgx.Row) (*Record, error) {
	var (
		r  Record
		id int64
	)
	err := row.Scan(&id, &r.Receipt, &r.Recipient, &r.MetadataPointer, &r.WrappedKey, &r.Category,
		&r.KeyVersion, &r.WrappedKeyVersion, &r.Issuer, &r.IssuedAt)
	if err != nil {
		return nil, err
	}
	r.ID = strconv.FormatInt(id, 10)
	return &r, nil
}

func (l *PGLedger) Issue(ctx context.Context, req IssueRequest) (*Record, error) {
	if err := validateIssue(req); err != nil {
		return nil, err
	}
	rec, err := scanRecord(l.db.QueryRow(ctx, `
		INSERT INTO document_records (receipt, recipient, metadata_pointer, wrapped_key, category,
			key_version, wrapped_key_version, issuer)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+recordCols,
		uuid.New(), req.Recipient, req.MetadataPointer, req.WrappedKey, req.Category,
		req.KeyVersion, InitialWrappedKeyVersion, req.Issuer))
	if err != nil {
		return nil, pgError("issue record", err)
	}
	return rec, nil
}

func (l *PGLedger) Resolve(ctx context.Context, id string) (*Record, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil || n <= 0 {
		return nil, recordNotFound(id)
	}
	rec, err := scanRecord(l.db.QueryRow(ctx, `SELECT `+recordCols+` FROM document_records WHERE id = $1`, n))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, recordNotFound(id)
	}
	if err != nil {
		return nil, pgError("resolve record", err)
	}
	return rec, nil
}

func (l *PGLedger) ListByRecipient(ctx context.Context, recipient string) ([]*Record, error) {
	rows, err := l.db.Query(ctx, `SELECT `+recordCols+` FROM document_records
		WHERE recipient = $1 ORDER BY id`, recipient)
	if err != nil {
		return nil, pgError("list records", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, pgError("scan record", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, pgError("list records", err)
	}
	return out, nil
}

func pgError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %s: %w", errs.ErrNetwork, op, err)
	}
	return fmt.Errorf("%w: %s: %w", errs.ErrStorage, op, err)
}
