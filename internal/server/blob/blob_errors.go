package blob

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/smithy-go"
)

var (
	ErrInvalidKey      = errors.New("invalid key")
	ErrObjectNotFound  = errors.New("object not found")
	ErrUploadNotFound  = errors.New("multipart upload not found")
	ErrMissingUploadID = errors.New("upload id required")
)

// StorageError wraps a failed call to the storage provider so that SDK errors
// do not leak past this package.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Transient reports whether retrying the operation may succeed.
func (e *StorageError) Transient() bool {
	return isTransient(e.Err)
}

var permanentCodes = map[string]struct{}{
	"NoSuchUpload":          {},
	"NoSuchKey":             {},
	"NoSuchBucket":          {},
	"NotFound":              {},
	"AccessDenied":          {},
	"InvalidAccessKeyId":    {},
	"SignatureDoesNotMatch": {},
	"InvalidPart":           {},
	"InvalidPartOrder":      {},
	"EntityTooSmall":        {},
	"EntityTooLarge":        {},
	"InvalidArgument":       {},
	"InvalidRequest":        {},
}

type httpStatusError interface {
	HTTPStatusCode() int
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrObjectNotFound) || errors.Is(err, ErrUploadNotFound) || errors.Is(err, ErrInvalidKey) {
		return false
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if _, ok := permanentCodes[apiErr.ErrorCode()]; ok {
			return false
		}
		if apiErr.ErrorFault() == smithy.FaultServer {
			return true
		}
	}

	var statusErr httpStatusError
	if errors.As(err, &statusErr) {
		code := statusErr.HTTPStatusCode()
		return code >= 500 || code == 429
	}

	// no api error means the request never got a response
	return apiErr == nil
}

func hasErrorCode(err error, codes ...string) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	for _, code := range codes {
		if apiErr.ErrorCode() == code {
			return true
		}
	}
	return false
}
