package session

import "time"

type EventType string

const EventUploadCompleted EventType = "UploadCompleted"

// Event is a domain fact staged by the aggregate and published through the outbox.
type Event struct {
	Type       EventType
	SessionID  string
	AssetID    string
	OccurredAt time.Time
}
