package blob

import (
	"context"
	"time"
)

// PresignedUrlIssuer is the object storage port used by upload sessions.
// Clients transfer bytes directly to storage through the issued URLs; the
// issuer only signs, assembles and aborts.
type PresignedUrlIssuer interface {
	// IssuePutURL signs a single-shot upload URL for a key
	IssuePutURL(ctx context.Context, params *PutURLParams) (string, error)

	// InitiateMultipart starts a storage-side multipart upload and returns its upload id
	InitiateMultipart(ctx context.Context, params *InitiateMultipartParams) (string, error)

	// IssuePartURL signs an upload URL for one part of a multipart upload
	IssuePartURL(ctx context.Context, params *PartURLParams) (string, error)

	// CompleteMultipart assembles the uploaded parts into the final object
	CompleteMultipart(ctx context.Context, params *CompleteMultipartParams) (*CompleteMultipartResponse, error)

	// AbortMultipart cancels a multipart upload. Aborting an unknown upload is not an error.
	AbortMultipart(ctx context.Context, params *AbortMultipartParams) error

	// StatObject returns the stored object's etag and size, or ErrObjectNotFound
	StatObject(ctx context.Context, bucket, key string) (*ObjectInfo, error)
}

// ===================================================================================================

type PutURLParams struct {
	Bucket      string
	Key         string
	ContentType string
	TTL         time.Duration
}

type InitiateMultipartParams struct {
	Bucket      string
	Key         string
	ContentType string
}

type PartURLParams struct {
	Bucket     string
	Key        string
	UploadID   string
	PartNumber int
	TTL        time.Duration
}

// ===================================================================================================

type CompletedPart struct {
	PartNumber int
	ETag       string
}

type CompleteMultipartParams struct {
	Bucket   string
	Key      string
	UploadID string
	Parts    []CompletedPart
}

type CompleteMultipartResponse struct {
	ETag     string
	Location string
}

type AbortMultipartParams struct {
	Bucket   string
	Key      string
	UploadID string
}

// ===================================================================================================

type ObjectInfo struct {
	Key          string
	ETag         string
	Size         int64
	LastModified time.Time
}
