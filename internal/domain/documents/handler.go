package documents

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/docvault/internal/errs"
	"github.com/ehr/docvault/internal/platform/auth"
	"github.com/ehr/docvault/internal/platform/keys"
	"github.com/ehr/docvault/pkg/pagination"
)

// DefaultMaxUploadBytes bounds multipart uploads when no limit is configured.
const DefaultMaxUploadBytes = 50 << 20

// RoleAuditor may read metadata and listings of any recipient. Plaintext
// still requires the recipient's private key.
const RoleAuditor = "auditor"

type Handler struct {
	svc            *Service
	maxUploadBytes int64
}

func NewHandler(svc *Service, maxUploadBytes int64) *Handler {
	if maxUploadBytes <= 0 {
		maxUploadBytes = DefaultMaxUploadBytes
	}
	return &Handler{svc: svc, maxUploadBytes: maxUploadBytes}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/documents", h.Upload)
	api.GET("/documents", h.List)
	api.GET("/documents/:recordId", h.Download)
	api.GET("/documents/:recordId/metadata", h.Metadata)
}

// Upload accepts multipart/form-data with fields file, recipient and
// document_type. The caller is recorded as the uploader.
func (h *Handler) Upload(c echo.Context) error {
	fh, err := c.FormFile("file")
	if err != nil {
		var httpErr *echo.HTTPError
		if errors.As(err, &httpErr) && httpErr.Code == http.StatusRequestEntityTooLarge {
			return h.failure(c, http.StatusRequestEntityTooLarge, errs.KindInvalidInput, "file exceeds the upload limit")
		}
		return h.failure(c, http.StatusBadRequest, errs.KindInvalidInput, "file is required")
	}
	if fh.Size > h.maxUploadBytes {
		return h.failure(c, http.StatusRequestEntityTooLarge, errs.KindInvalidInput, "file exceeds the upload limit")
	}

	docType, err := ParseDocumentType(c.FormValue("document_type"))
	if err != nil {
		return h.failure(c, http.StatusBadRequest, errs.KindInvalidInput, err.Error())
	}

	f, err := fh.Open()
	if err != nil {
		return h.failure(c, http.StatusBadRequest, errs.KindInvalidInput, "file is unreadable")
	}
	defer f.Close()
	content, err := io.ReadAll(io.LimitReader(f, h.maxUploadBytes+1))
	if err != nil {
		return h.failure(c, http.StatusBadRequest, errs.KindInvalidInput, "file is unreadable")
	}
	if int64(len(content)) > h.maxUploadBytes {
		return h.failure(c, http.StatusRequestEntityTooLarge, errs.KindInvalidInput, "file exceeds the upload limit")
	}

	fileType := fh.Header.Get(echo.HeaderContentType)
	if fileType == echo.MIMEOctetStream {
		fileType = "" // let the service sniff it
	}

	outcome := h.svc.Upload(c.Request().Context(), UploadRequest{
		FileName:     fh.Filename,
		FileType:     fileType,
		DocumentType: docType,
		Recipient:    c.FormValue("recipient"),
		Uploader:     auth.IdentityFromContext(c.Request().Context()),
		Content:      content,
	})
	if !outcome.Success {
		return c.JSON(outcome.Error.Kind.HTTPStatus(), outcome)
	}
	return c.JSON(http.StatusCreated, outcome)
}

// Download decrypts the record with the caller's private key and streams
// the plaintext.
func (h *Handler) Download(c echo.Context) error {
	caller := auth.IdentityFromContext(c.Request().Context())
	if caller == "" {
		return h.failure(c, http.StatusUnauthorized, errs.KindInvalidInput, "no caller identity")
	}

	outcome := h.svc.DownloadAs(c.Request().Context(), c.Param("recordId"), caller)
	if !outcome.Success {
		return c.JSON(outcome.Error.Kind.HTTPStatus(), outcome)
	}

	res := outcome.Result
	c.Response().Header().Set(echo.HeaderContentDisposition,
		mime.FormatMediaType("attachment", map[string]string{"filename": res.OriginalFileName}))
	c.Response().Header().Set("X-Content-Type-Options", "nosniff")
	c.Response().Header().Set("Cache-Control", "no-store")
	fileType := res.FileType
	if fileType == "" {
		fileType = echo.MIMEOctetStream
	}
	return c.Blob(http.StatusOK, fileType, res.Plaintext)
}

// Metadata returns a record and its metadata to its recipient, its
// uploader or an auditor. Anyone else gets not found.
func (h *Handler) Metadata(c echo.Context) error {
	ctx := c.Request().Context()
	entry, err := h.svc.Describe(ctx, c.Param("recordId"))
	if err != nil {
		return h.errorResponse(c, err)
	}
	if !canView(ctx, entry.Record.Recipient, entry.Record.Issuer) {
		return h.errorResponse(c, errs.ErrRecordNotFound)
	}
	return c.JSON(http.StatusOK, entry)
}

// List returns records issued to the caller. Auditors may pass ?recipient=
// to list another identity's records.
func (h *Handler) List(c echo.Context) error {
	ctx := c.Request().Context()
	recipient := c.QueryParam("recipient")
	if recipient == "" {
		recipient = auth.IdentityFromContext(ctx)
	}
	if !canView(ctx, normalized(recipient)) {
		return h.failure(c, http.StatusForbidden, errs.KindInvalidInput, "only your own records can be listed")
	}
	pg := pagination.FromContext(c)

	entries, err := h.svc.ListForRecipient(ctx, recipient)
	if err != nil {
		return h.errorResponse(c, err)
	}
	total := len(entries)
	return c.JSON(http.StatusOK, pagination.NewResponse(pagination.Page(entries, pg), total, pg.Limit, pg.Offset))
}

// canView reports whether the caller is one of owners or an auditor.
func canView(ctx context.Context, owners ...string) bool {
	for _, role := range auth.RolesFromContext(ctx) {
		if role == RoleAuditor {
			return true
		}
	}
	caller := normalized(auth.IdentityFromContext(ctx))
	if caller == "" {
		return false
	}
	for _, owner := range owners {
		if owner != "" && owner == caller {
			return true
		}
	}
	return false
}

func normalized(identity string) string {
	id, err := keys.NormalizeIdentity(identity)
	if err != nil {
		return ""
	}
	return id
}

func (h *Handler) errorResponse(c echo.Context, err error) error {
	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		return err
	}
	kind := errs.KindOf(err)
	return h.failure(c, kind.HTTPStatus(), kind, kind.Message())
}

func (h *Handler) failure(c echo.Context, status int, kind errs.Kind, message string) error {
	return c.JSON(status, map[string]interface{}{
		"success": false,
		"error": &Failure{
			Kind:      kind,
			Message:   message,
			Retryable: kind.Retryable(),
		},
	})
}
