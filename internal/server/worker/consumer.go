package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/openmined/fileflow/internal/queue"
	"github.com/openmined/fileflow/internal/server/outbox"
	"golang.org/x/sync/errgroup"
)

// ErrPermanent marks a message that will never succeed. It is acked and dropped.
var ErrPermanent = errors.New("permanent processing failure")

// Handler processes one decoded outbox message.
type Handler interface {
	Handle(ctx context.Context, msg *outbox.Message) error
}

// DeliveryHandler processes one raw delivery.
type DeliveryHandler interface {
	HandleDelivery(ctx context.Context, d queue.Delivery) error
}

// messageHandler decodes outbox messages before handing them on. Undecodable
// bodies are poison and reported as permanent.
type messageHandler struct {
	handler Handler
}

func (h messageHandler) HandleDelivery(ctx context.Context, d queue.Delivery) error {
	msg, err := d.Decode()
	if err != nil {
		return fmt.Errorf("%w: poison message: %w", ErrPermanent, err)
	}
	return h.handler.Handle(ctx, msg)
}

// Consumer pulls deliveries from a receiver and hands them to a handler.
// Successful and permanently failed deliveries are acked. Anything else is
// left for the broker to redeliver after its visibility timeout.
type Consumer struct {
	name     string
	receiver queue.Receiver
	handler  DeliveryHandler
	config   *Config
}

// NewConsumer consumes UploadCompleted style outbox messages.
func NewConsumer(receiver queue.Receiver, handler Handler, config *Config) *Consumer {
	return NewDeliveryConsumer("worker", receiver, messageHandler{handler: handler}, config)
}

func NewDeliveryConsumer(name string, receiver queue.Receiver, handler DeliveryHandler, config *Config) *Consumer {
	return &Consumer{
		name:     name,
		receiver: receiver,
		handler:  handler,
		config:   config,
	}
}

// Run polls with Concurrency loops until ctx is done.
func (c *Consumer) Run(ctx context.Context) error {
	slog.Info("consumer start", "consumer", c.name, "concurrency", c.config.Concurrency, "batch", c.config.BatchSize)
	defer slog.Info("consumer stop", "consumer", c.name)

	eg, ctx := errgroup.WithContext(ctx)
	for i := range c.config.Concurrency {
		eg.Go(func() error {
			c.poll(ctx, i)
			return nil
		})
	}
	return eg.Wait()
}

func (c *Consumer) poll(ctx context.Context, id int) {
	for ctx.Err() == nil {
		deliveries, err := c.receiver.Receive(ctx, c.config.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("consumer receive", "consumer", c.name, "loop", id, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.config.ErrorBackoff):
			}
			continue
		}

		for _, d := range deliveries {
			c.Process(ctx, d)
		}
	}
}

// Process handles a single delivery and reports whether it was acked.
func (c *Consumer) Process(ctx context.Context, d queue.Delivery) bool {
	hctx, cancel := context.WithTimeout(ctx, c.config.HandleTimeout)
	err := c.handler.HandleDelivery(hctx, d)
	cancel()

	switch {
	case err == nil:
		return c.ack(ctx, d)
	case errors.Is(err, ErrPermanent):
		slog.Error("consumer dropping message", "consumer", c.name, "message_id", d.MessageID, "error", err)
		return c.ack(ctx, d)
	case errors.Is(err, ErrAssetBusy):
		slog.Info("consumer message busy, awaiting redelivery", "consumer", c.name, "message_id", d.MessageID, "error", err)
		return false
	default:
		slog.Warn("consumer handle failed, awaiting redelivery",
			"consumer", c.name, "message_id", d.MessageID, "receive_count", d.ReceiveCount, "error", err)
		return false
	}
}

func (c *Consumer) ack(ctx context.Context, d queue.Delivery) bool {
	if err := c.receiver.Ack(context.WithoutCancel(ctx), d); err != nil {
		slog.Warn("consumer ack", "consumer", c.name, "message_id", d.MessageID, "error", err)
		return false
	}
	return true
}
