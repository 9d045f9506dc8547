package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/openmined/fileflow/internal/codec"
	"github.com/openmined/fileflow/internal/server/outbox"
)

var ErrUnknownReceipt = errors.New("unknown receipt handle")

// Delivery is one received message. It stays invisible to other receivers until
// its visibility timeout passes or it is acked.
type Delivery struct {
	MessageID    string
	Body         []byte
	Receipt      string
	ReceiveCount int
}

// Decode parses the body as an outbox message.
func (d *Delivery) Decode() (*outbox.Message, error) {
	var msg outbox.Message
	if err := codec.Unmarshal(d.Body, &msg); err != nil {
		return nil, fmt.Errorf("decode message %s: %w", d.MessageID, err)
	}
	if msg.AggregateID == "" || msg.EventType == "" {
		return nil, fmt.Errorf("decode message %s: missing aggregate id or event type", d.MessageID)
	}
	return &msg, nil
}

// Receiver is the consuming side of a broker.
type Receiver interface {
	Receive(ctx context.Context, limit int) ([]Delivery, error)
	Ack(ctx context.Context, d Delivery) error
}

func encode(msg *outbox.Message) ([]byte, error) {
	body, err := codec.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message %s: %w", msg.OutboxID, err)
	}
	return body, nil
}
