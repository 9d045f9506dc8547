package session

import (
	"errors"

	"github.com/openmined/fileflow/internal/server/blob"
)

var (
	ErrInvalidStateTransition = errors.New("invalid session state transition")
	ErrIllegalSessionState    = errors.New("session is in a terminal state")
	ErrInvalidPartNumber      = errors.New("invalid part number")
	ErrIncompleteParts        = errors.New("multipart upload has missing parts")
	ErrNotMultipart           = errors.New("session is not a multipart upload")
	ErrSessionNotFound        = errors.New("session not found")
	ErrSessionExpired         = errors.New("session has expired")
	ErrConcurrentModification = errors.New("session was modified concurrently")
	ErrUploadNotConfirmed     = errors.New("uploaded object not found in storage")
	ErrInvalidRequest         = errors.New("invalid upload request")
	ErrFileTooLarge           = errors.New("file too large")
	ErrInvalidPartSize        = errors.New("invalid part size")
	ErrTooManyParts           = errors.New("too many parts")
)

const (
	CodeInvalidRequest      = "E_INVALID_REQUEST"
	CodeInternalError       = "E_INTERNAL_ERROR"
	CodeSessionNotFound     = "E_SESSION_NOT_FOUND"
	CodeSessionTerminal     = "E_SESSION_TERMINAL"
	CodeSessionExpired      = "E_SESSION_EXPIRED"
	CodeInvalidTransition   = "E_SESSION_INVALID_TRANSITION"
	CodeSessionConflict     = "E_SESSION_CONFLICT"
	CodeInvalidPart         = "E_MULTIPART_INVALID_PART"
	CodeIncompleteParts     = "E_MULTIPART_INCOMPLETE"
	CodeUploadNotConfirmed  = "E_UPLOAD_NOT_CONFIRMED"
	CodeStorageUnavailable  = "E_STORAGE_UNAVAILABLE"
	CodeStorageRequestError = "E_STORAGE_REQUEST_FAILED"
)

// Code maps an error returned by this package to a stable error code.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrSessionNotFound):
		return CodeSessionNotFound
	case errors.Is(err, ErrIllegalSessionState):
		return CodeSessionTerminal
	case errors.Is(err, ErrSessionExpired):
		return CodeSessionExpired
	case errors.Is(err, ErrInvalidStateTransition):
		return CodeInvalidTransition
	case errors.Is(err, ErrConcurrentModification):
		return CodeSessionConflict
	case errors.Is(err, ErrInvalidPartNumber), errors.Is(err, ErrNotMultipart):
		return CodeInvalidPart
	case errors.Is(err, ErrIncompleteParts):
		return CodeIncompleteParts
	case errors.Is(err, ErrUploadNotConfirmed):
		return CodeUploadNotConfirmed
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrFileTooLarge),
		errors.Is(err, ErrInvalidPartSize), errors.Is(err, ErrTooManyParts),
		errors.Is(err, blob.ErrInvalidKey):
		return CodeInvalidRequest
	}

	var storageErr *blob.StorageError
	if errors.As(err, &storageErr) {
		if storageErr.Transient() {
			return CodeStorageUnavailable
		}
		return CodeStorageRequestError
	}
	return CodeInternalError
}

// IsClientError reports whether err was caused by the request rather than the infrastructure.
func IsClientError(err error) bool {
	switch Code(err) {
	case CodeInternalError, CodeStorageUnavailable, CodeStorageRequestError, CodeSessionConflict, "":
		return false
	}
	return true
}
