package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"
	"github.com/cenkalti/backoff/v5"
	"github.com/openmined/fileflow/internal/server/outbox"
)

// SQSAPI is the part of the sqs client used here.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

func NewSQSClient(ctx context.Context, cfg *Config) (*sqs.Client, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// ===================================================================================================

// SQSPublisher sends outbox messages to one queue. FIFO queues get the aggregate
// id as group and the idempotency key as deduplication id.
type SQSPublisher struct {
	client   SQSAPI
	queueURL string
	fifo     bool
	tries    uint
}

func NewSQSPublisher(client SQSAPI, cfg *Config) *SQSPublisher {
	return &SQSPublisher{
		client:   client,
		queueURL: cfg.QueueURL,
		fifo:     strings.HasSuffix(cfg.QueueURL, ".fifo"),
		tries:    max(cfg.SendTries, 1),
	}
}

func (p *SQSPublisher) Publish(ctx context.Context, msg *outbox.Message) error {
	body, err := encode(msg)
	if err != nil {
		return err
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"eventType": {
				DataType:    aws.String("String"),
				StringValue: aws.String(msg.EventType),
			},
		},
	}
	if p.fifo {
		input.MessageGroupId = aws.String(msg.AggregateID)
		input.MessageDeduplicationId = aws.String(msg.DeduplicationID)
	}

	_, err = backoff.Retry(ctx, func() (*sqs.SendMessageOutput, error) {
		out, err := p.client.SendMessage(ctx, input)
		if err != nil && !retryable(err) {
			return nil, backoff.Permanent(err)
		}
		return out, err
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(p.tries))
	if err != nil {
		return fmt.Errorf("sqs send %s: %w", msg.OutboxID, err)
	}
	return nil
}

// ===================================================================================================

// SQSReceiver long-polls one queue.
type SQSReceiver struct {
	client     SQSAPI
	queueURL   string
	waitTime   time.Duration
	visibility time.Duration
}

func NewSQSReceiver(client SQSAPI, cfg *Config) *SQSReceiver {
	return &SQSReceiver{
		client:     client,
		queueURL:   cfg.QueueURL,
		waitTime:   cfg.WaitTime,
		visibility: cfg.VisibilityTimeout,
	}
}

func (r *SQSReceiver) Receive(ctx context.Context, limit int) ([]Delivery, error) {
	out, err := r.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(r.queueURL),
		MaxNumberOfMessages: int32(min(max(limit, 1), maxSQSBatch)),
		WaitTimeSeconds:     int32(r.waitTime / time.Second),
		VisibilityTimeout:   int32(r.visibility / time.Second),
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqs receive: %w", err)
	}

	deliveries := make([]Delivery, 0, len(out.Messages))
	for _, m := range out.Messages {
		count, _ := strconv.Atoi(m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)])
		deliveries = append(deliveries, Delivery{
			MessageID:    aws.ToString(m.MessageId),
			Body:         []byte(aws.ToString(m.Body)),
			Receipt:      aws.ToString(m.ReceiptHandle),
			ReceiveCount: count,
		})
	}
	return deliveries, nil
}

func (r *SQSReceiver) Ack(ctx context.Context, d Delivery) error {
	if d.Receipt == "" {
		return ErrUnknownReceipt
	}
	_, err := r.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(r.queueURL),
		ReceiptHandle: aws.String(d.Receipt),
	})
	if err != nil {
		return fmt.Errorf("sqs delete %s: %w", d.MessageID, err)
	}
	return nil
}

// retryable reports whether a send may succeed when repeated.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorFault() != smithy.FaultClient
	}
	return true
}

var (
	_ outbox.Publisher = (*SQSPublisher)(nil)
	_ Receiver         = (*SQSReceiver)(nil)
)
