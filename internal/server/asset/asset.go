package asset

import (
	"time"

	"github.com/google/uuid"
)

// AggregateKind prefixes outbox idempotency keys for assets.
const AggregateKind = "asset"

type Status string

const (
	StatusStored    Status = "STORED"
	StatusProcessed Status = "PROCESSED"
)

// Asset is the durable result of a completed upload. It refers to its session by id.
type Asset struct {
	ID          string
	SessionID   string
	TenantID    string
	Bucket      string
	StorageKey  string
	FileName    string
	ContentType string
	Size        int64
	ETag        string
	Status      Status
	CreatedAt   time.Time
	ProcessedAt *time.Time
}

var namespace = uuid.MustParse("6f1c3a52-8b7e-4f0a-9d41-2c5e7b9a0d13")

// IDForSession derives the asset id from the session id so that a retried
// completion always produces the same asset and outbox key.
func IDForSession(sessionID string) string {
	return uuid.NewSHA1(namespace, []byte(sessionID)).String()
}
