// Package errs defines the error taxonomy shared by the document vault.
//
// Every failure that crosses a package boundary wraps one of the sentinels
// below with fmt.Errorf("...: %w", err) so callers can classify it with
// errors.Is or KindOf.
package errs

import (
	"context"
	"errors"
	"net"
	"net/http"
)

// Cryptographic errors.
var (
	// ErrRandomnessUnavailable indicates the platform could not supply
	// cryptographic randomness. It is fatal and never retried.
	ErrRandomnessUnavailable = errors.New("cryptographic randomness unavailable")

	// ErrAuthentication indicates a ciphertext failed its integrity check.
	ErrAuthentication = errors.New("document corrupted or tampered")

	// ErrUnwrap indicates a wrapped content key could not be recovered with
	// the supplied private key.
	ErrUnwrap = errors.New("access denied or corrupted key")
)

// Key lifecycle errors.
var (
	// ErrKeyNotFound indicates no key material is registered for an identity.
	ErrKeyNotFound = errors.New("key not found")

	// ErrKeyExists indicates the identity already has a registered key pair.
	ErrKeyExists = errors.New("key already registered")
)

// Collaborator errors.
var (
	// ErrStorage indicates the content store, key store or ledger failed.
	ErrStorage = errors.New("storage unavailable")

	// ErrNetwork indicates a collaborator could not be reached in time.
	ErrNetwork = errors.New("network unavailable")

	// ErrBlobNotFound indicates a content pointer does not resolve.
	ErrBlobNotFound = errors.New("blob not found")

	// ErrRecordNotFound indicates a ledger record id does not resolve.
	ErrRecordNotFound = errors.New("record not found")
)

// ErrInvalidInput indicates the caller supplied an unusable request.
var ErrInvalidInput = errors.New("invalid input")

// Kind is the coarse failure class reported to callers.
type Kind string

const (
	KindNone                  Kind = ""
	KindRandomnessUnavailable Kind = "randomness_unavailable"
	KindAuthentication        Kind = "authentication"
	KindUnwrap                Kind = "unwrap"
	KindKeyNotFound           Kind = "key_not_found"
	KindKeyExists             Kind = "key_exists"
	KindNotFound              Kind = "not_found"
	KindStorage               Kind = "storage"
	KindNetwork               Kind = "network"
	KindInvalidInput          Kind = "invalid_input"
	KindInternal              Kind = "internal"
)

// Retryable reports whether a caller may retry the operation with backoff.
func (k Kind) Retryable() bool {
	return k == KindStorage || k == KindNetwork
}

// KindOf classifies err. Crypto failures win over everything else so that a
// tamper or access failure is never reported as a transient one.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	switch {
	case errors.Is(err, ErrRandomnessUnavailable):
		return KindRandomnessUnavailable
	case errors.Is(err, ErrAuthentication):
		return KindAuthentication
	case errors.Is(err, ErrUnwrap):
		return KindUnwrap
	case errors.Is(err, ErrKeyNotFound):
		return KindKeyNotFound
	case errors.Is(err, ErrKeyExists):
		return KindKeyExists
	case errors.Is(err, ErrInvalidInput):
		return KindInvalidInput
	case errors.Is(err, ErrBlobNotFound), errors.Is(err, ErrRecordNotFound):
		return KindNotFound
	case errors.Is(err, ErrNetwork),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return KindNetwork
	case errors.Is(err, ErrStorage):
		return KindStorage
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindNetwork
	}
	return KindInternal
}

// Message returns the user-facing description for a failure kind.
func (k Kind) Message() string {
	switch k {
	case KindRandomnessUnavailable:
		return "secure randomness is unavailable on this host"
	case KindAuthentication:
		return ErrAuthentication.Error()
	case KindUnwrap:
		return ErrUnwrap.Error()
	case KindKeyNotFound:
		return "no encryption key is registered for this identity"
	case KindKeyExists:
		return "an encryption key is already registered for this identity"
	case KindNotFound:
		return "document not found"
	case KindStorage:
		return "document storage is unavailable, try again later"
	case KindNetwork:
		return "a storage or ledger service could not be reached, try again later"
	case KindInvalidInput:
		return "the request is invalid"
	case KindNone:
		return ""
	}
	return "internal error"
}

// HTTPStatus maps a failure kind onto the API's response status.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindNone:
		return http.StatusOK
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindUnwrap:
		return http.StatusForbidden
	case KindNotFound, KindKeyNotFound:
		return http.StatusNotFound
	case KindKeyExists:
		return http.StatusConflict
	case KindAuthentication:
		return http.StatusUnprocessableEntity
	case KindStorage:
		return http.StatusServiceUnavailable
	case KindNetwork:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}
