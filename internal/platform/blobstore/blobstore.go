// Package blobstore provides content-addressed storage for encrypted
// document blobs and their metadata records. It defines the ContentStore
// interface, an in-memory implementation for tests and development, Badger
// and S3 backends, and Echo HTTP handlers for fetching raw blobs.
package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/docvault/internal/errs"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	ErrFileTooLarge    = errors.New("blob exceeds maximum allowed size")
	ErrInvalidPointer  = errors.New("invalid content pointer")
	ErrMissingBlobName = errors.New("blob name is required")
)

// ---------------------------------------------------------------------------
// Validation constants
// ---------------------------------------------------------------------------

// MaxBlobSize is the largest blob the in-memory store accepts (100 MB).
const MaxBlobSize = 100 * 1024 * 1024

// pointerPrefix marks a pointer derived from the SHA-256 of the content.
const pointerPrefix = "sha256-"

// ---------------------------------------------------------------------------
// Domain types
// ---------------------------------------------------------------------------

// BlobInfo describes a stored blob.
type BlobInfo struct {
	Pointer   string    `json:"pointer"`
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// ---------------------------------------------------------------------------
// ContentStore interface
// ---------------------------------------------------------------------------

// ContentStore is an append-only, content-addressed blob store. Put returns
// an opaque pointer derived from the bytes; putting the same bytes again
// returns the same pointer and leaves the stored blob untouched.
type ContentStore interface {
	Put(ctx context.Context, data []byte, name string) (string, error)
	Get(ctx context.Context, pointer string) ([]byte, error)
	Stat(ctx context.Context, pointer string) (*BlobInfo, error)
}

// PointerFor returns the content pointer for data.
func PointerFor(data []byte) string {
	sum := sha256.Sum256(data)
	return pointerPrefix + hex.EncodeToString(sum[:])
}

// ValidatePointer checks that pointer has the shape produced by PointerFor.
func ValidatePointer(pointer string) error {
	digest, ok := strings.CutPrefix(pointer, pointerPrefix)
	if !ok || len(digest) != sha256.Size*2 {
		return fmt.Errorf("%w: %w: %q", errs.ErrInvalidInput, ErrInvalidPointer, pointer)
	}
	if _, err := hex.DecodeString(digest); err != nil {
		return fmt.Errorf("%w: %w: %q", errs.ErrInvalidInput, ErrInvalidPointer, pointer)
	}
	return nil
}

func notFound(pointer string) error {
	return fmt.Errorf("blob %s: %w", pointer, errs.ErrBlobNotFound)
}

// ---------------------------------------------------------------------------
// In-memory implementation
// ---------------------------------------------------------------------------

type storedBlob struct {
	info    BlobInfo
	content []byte
}

// InMemoryBlobStore is a thread-safe, in-memory ContentStore for tests/dev.
type InMemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string]*storedBlob
}

// NewInMemoryBlobStore returns a ready-to-use InMemoryBlobStore.
func NewInMemoryBlobStore() *InMemoryBlobStore {
	return &InMemoryBlobStore{
		blobs: make(map[string]*storedBlob),
	}
}

// Put stores a copy of data under its content pointer.
func (s *InMemoryBlobStore) Put(ctx context.Context, data []byte, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if name == "" {
		return "", fmt.Errorf("%w: %w", errs.ErrInvalidInput, ErrMissingBlobName)
	}
	if int64(len(data)) > MaxBlobSize {
		return "", fmt.Errorf("%w: %w", errs.ErrInvalidInput, ErrFileTooLarge)
	}

	pointer := PointerFor(data)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.blobs[pointer]; exists {
		return pointer, nil
	}
	s.blobs[pointer] = &storedBlob{
		info: BlobInfo{
			Pointer:   pointer,
			Name:      name,
			Size:      int64(len(data)),
			CreatedAt: time.Now().UTC(),
		},
		content: append([]byte(nil), data...),
	}
	return pointer, nil
}

// Get returns a copy of the blob content.
func (s *InMemoryBlobStore) Get(ctx context.Context, pointer string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	blob, ok := s.blobs[pointer]
	s.mu.RUnlock()

	if !ok {
		return nil, notFound(pointer)
	}
	return append([]byte(nil), blob.content...), nil
}

// Stat returns blob info without content.
func (s *InMemoryBlobStore) Stat(ctx context.Context, pointer string) (*BlobInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	blob, ok := s.blobs[pointer]
	s.mu.RUnlock()

	if !ok {
		return nil, notFound(pointer)
	}
	info := blob.info // copy
	return &info, nil
}

// ---------------------------------------------------------------------------
// HTTP handler
// ---------------------------------------------------------------------------

// BlobHandler serves raw (encrypted) blobs. Content is ciphertext or
// non-secret metadata, so it is safe to expose to any authenticated caller.
type BlobHandler struct {
	store ContentStore
}

// NewBlobHandler creates a new BlobHandler.
func NewBlobHandler(store ContentStore) *BlobHandler {
	return &BlobHandler{store: store}
}

// RegisterRoutes mounts blob routes on the supplied Echo group.
func (h *BlobHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/blobs/:pointer/info", h.handleStat)
	g.GET("/blobs/:pointer", h.handleGet)
}

func (h *BlobHandler) handleGet(c echo.Context) error {
	pointer := c.Param("pointer")
	if err := ValidatePointer(pointer); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	data, err := h.store.Get(c.Request().Context(), pointer)
	if err != nil {
		return blobError(c, err)
	}
	return c.Blob(http.StatusOK, echo.MIMEOctetStream, data)
}

func (h *BlobHandler) handleStat(c echo.Context) error {
	pointer := c.Param("pointer")
	if err := ValidatePointer(pointer); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	info, err := h.store.Stat(c.Request().Context(), pointer)
	if err != nil {
		return blobError(c, err)
	}
	return c.JSON(http.StatusOK, info)
}

func blobError(c echo.Context, err error) error {
	switch errs.KindOf(err) {
	case errs.KindNotFound:
		return c.JSON(http.StatusNotFound, map[string]string{"error": "blob not found"})
	case errs.KindNetwork:
		return c.JSON(http.StatusGatewayTimeout, map[string]string{"error": errs.KindNetwork.Message()})
	default:
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": errs.KindStorage.Message()})
	}
}
