package outbox

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending           Status = "PENDING"
	StatusProcessing        Status = "PROCESSING"
	StatusSent              Status = "SENT"
	StatusFailed            Status = "FAILED"
	StatusPermanentlyFailed Status = "PERMANENTLY_FAILED"
)

func (s Status) IsTerminal() bool {
	return s == StatusSent || s == StatusPermanentlyFailed
}

// Record is a durable promise that an event will be published.
// AggregateID is the payload reference: consumers rebuild state from it.
type Record struct {
	ID             string
	IdempotencyKey string
	EventType      string
	AggregateID    string
	Status         Status
	RetryCount     int
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// IdempotencyKey derives the record key from the owning aggregate, e.g. asset-<id>.
func IdempotencyKey(aggregateKind, aggregateID string) string {
	return aggregateKind + "-" + aggregateID
}

func NewRecord(eventType, aggregateKind, aggregateID string, now time.Time) *Record {
	return &Record{
		ID:             uuid.NewString(),
		IdempotencyKey: IdempotencyKey(aggregateKind, aggregateID),
		EventType:      eventType,
		AggregateID:    aggregateID,
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Message is what goes on the broker. It carries identifiers only.
type Message struct {
	EventType   string `json:"eventType"`
	OutboxID    string `json:"outboxId"`
	AggregateID string `json:"aggregateId"`

	// DeduplicationID lets the broker drop duplicates where supported
	DeduplicationID string `json:"-"`
}

func MessageFor(rec *Record) *Message {
	return &Message{
		EventType:       rec.EventType,
		OutboxID:        rec.ID,
		AggregateID:     rec.AggregateID,
		DeduplicationID: rec.IdempotencyKey,
	}
}
