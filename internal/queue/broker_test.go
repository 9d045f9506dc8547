package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"
	"github.com/openmined/fileflow/internal/server/outbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMessage() *outbox.Message {
	return &outbox.Message{
		EventType:       "UploadCompleted",
		OutboxID:        "ob-1",
		AggregateID:     "asset-id-1",
		DeduplicationID: "asset-asset-id-1",
	}
}

func memoryConfig() *Config {
	cfg := DefaultConfig()
	cfg.Backend = BackendMemory
	cfg.WaitTime = 200 * time.Millisecond
	cfg.VisibilityTimeout = time.Second
	return cfg
}

func TestDelivery_Decode(t *testing.T) {
	d := Delivery{MessageID: "m1", Body: []byte(`{"eventType":"UploadCompleted","outboxId":"ob-1","aggregateId":"a1"}`)}
	msg, err := d.Decode()
	require.NoError(t, err)
	assert.Equal(t, "a1", msg.AggregateID)
	assert.Equal(t, "ob-1", msg.OutboxID)

	_, err = (&Delivery{MessageID: "m2", Body: []byte(`not json`)}).Decode()
	assert.Error(t, err)

	_, err = (&Delivery{MessageID: "m3", Body: []byte(`{"outboxId":"x"}`)}).Decode()
	assert.Error(t, err)
}

func TestMemoryBroker_PublishReceiveAck(t *testing.T) {
	b := NewMemoryBroker(memoryConfig())
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, testMessage()))
	assert.Equal(t, 1, b.Len())

	got, err := b.Receive(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].ReceiveCount)

	msg, err := got[0].Decode()
	require.NoError(t, err)
	assert.Equal(t, "asset-id-1", msg.AggregateID)
	assert.Empty(t, msg.DeduplicationID)

	// invisible until acked or timed out
	got2, err := b.Receive(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, got2)

	require.NoError(t, b.Ack(ctx, got[0]))
	assert.Equal(t, 0, b.Len())
	assert.ErrorIs(t, b.Ack(ctx, got[0]), ErrUnknownReceipt)
}

func TestMemoryBroker_RedeliversAfterVisibilityTimeout(t *testing.T) {
	b := NewMemoryBroker(memoryConfig())
	now := time.Now()
	var mu sync.Mutex
	b.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, testMessage()))
	first, err := b.Receive(ctx, 1)
	require.NoError(t, err)
	require.Len(t, first, 1)

	mu.Lock()
	now = now.Add(2 * time.Second)
	mu.Unlock()

	second, err := b.Receive(ctx, 1)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].MessageID, second[0].MessageID)
	assert.Equal(t, 2, second[0].ReceiveCount)

	assert.ErrorIs(t, b.Ack(ctx, first[0]), ErrUnknownReceipt)
	require.NoError(t, b.Ack(ctx, second[0]))
	assert.Equal(t, 0, b.Len())
}

func TestMemoryBroker_ReceiveWakesOnPublish(t *testing.T) {
	cfg := memoryConfig()
	cfg.WaitTime = 5 * time.Second
	b := NewMemoryBroker(cfg)
	ctx := context.Background()

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = b.Publish(ctx, testMessage())
	}()

	start := time.Now()
	got, err := b.Receive(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestMemoryBroker_ReceiveHonoursContext(t *testing.T) {
	cfg := memoryConfig()
	cfg.WaitTime = 5 * time.Second
	b := NewMemoryBroker(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := b.Receive(ctx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type fakeSQS struct {
	mu       sync.Mutex
	sent     []*sqs.SendMessageInput
	deleted  []string
	sendErrs []error
	messages []types.Message
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, in)
	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &sqs.SendMessageOutput{MessageId: aws.String("mid")}, nil
}

func (f *fakeSQS) ReceiveMessage(_ context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := &sqs.ReceiveMessageOutput{Messages: f.messages}
	f.messages = nil
	return out, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func sqsConfig(url string) *Config {
	cfg := DefaultConfig()
	cfg.QueueURL = url
	cfg.Region = "us-east-1"
	cfg.SendTries = 2
	return cfg
}

func TestSQSPublisher_FifoAttributes(t *testing.T) {
	api := &fakeSQS{}
	p := NewSQSPublisher(api, sqsConfig("https://sqs.us-east-1.amazonaws.com/123/uploads.fifo"))

	require.NoError(t, p.Publish(context.Background(), testMessage()))
	require.Len(t, api.sent, 1)

	in := api.sent[0]
	assert.Equal(t, "asset-id-1", aws.ToString(in.MessageGroupId))
	assert.Equal(t, "asset-asset-id-1", aws.ToString(in.MessageDeduplicationId))
	assert.JSONEq(t, `{"eventType":"UploadCompleted","outboxId":"ob-1","aggregateId":"asset-id-1"}`, aws.ToString(in.MessageBody))
	assert.Equal(t, "UploadCompleted", aws.ToString(in.MessageAttributes["eventType"].StringValue))
}

func TestSQSPublisher_StandardQueue(t *testing.T) {
	api := &fakeSQS{}
	p := NewSQSPublisher(api, sqsConfig("https://sqs.us-east-1.amazonaws.com/123/uploads"))

	require.NoError(t, p.Publish(context.Background(), testMessage()))
	assert.Nil(t, api.sent[0].MessageGroupId)
	assert.Nil(t, api.sent[0].MessageDeduplicationId)
}

func TestSQSPublisher_Retries(t *testing.T) {
	api := &fakeSQS{sendErrs: []error{errors.New("connection reset")}}
	p := NewSQSPublisher(api, sqsConfig("https://sqs.us-east-1.amazonaws.com/123/uploads"))

	require.NoError(t, p.Publish(context.Background(), testMessage()))
	assert.Len(t, api.sent, 2)
}

func TestSQSPublisher_ClientErrorIsNotRetried(t *testing.T) {
	api := &fakeSQS{sendErrs: []error{&smithy.GenericAPIError{
		Code:    "InvalidParameterValue",
		Message: "bad",
		Fault:   smithy.FaultClient,
	}}}
	p := NewSQSPublisher(api, sqsConfig("https://sqs.us-east-1.amazonaws.com/123/uploads"))

	err := p.Publish(context.Background(), testMessage())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ob-1")
	assert.Len(t, api.sent, 1)
}

func TestSQSReceiver_ReceiveAck(t *testing.T) {
	api := &fakeSQS{messages: []types.Message{{
		MessageId:     aws.String("m1"),
		Body:          aws.String(`{"eventType":"UploadCompleted","outboxId":"ob-1","aggregateId":"a1"}`),
		ReceiptHandle: aws.String("rh-1"),
		Attributes:    map[string]string{"ApproximateReceiveCount": "3"},
	}}}
	r := NewSQSReceiver(api, sqsConfig("https://sqs.us-east-1.amazonaws.com/123/uploads"))
	ctx := context.Background()

	got, err := r.Receive(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "m1", got[0].MessageID)
	assert.Equal(t, "rh-1", got[0].Receipt)
	assert.Equal(t, 3, got[0].ReceiveCount)

	require.NoError(t, r.Ack(ctx, got[0]))
	assert.Equal(t, []string{"rh-1"}, api.deleted)

	assert.ErrorIs(t, r.Ack(ctx, Delivery{}), ErrUnknownReceipt)
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, memoryConfig().Validate())
	assert.NoError(t, sqsConfig("https://sqs.us-east-1.amazonaws.com/123/uploads").Validate())

	missing := DefaultConfig()
	assert.Error(t, missing.Validate())

	cfg := sqsConfig("https://sqs.us-east-1.amazonaws.com/123/uploads")
	cfg.MaxMessages = 11
	assert.Error(t, cfg.Validate())

	cfg = memoryConfig()
	cfg.Backend = "kafka"
	assert.Error(t, cfg.Validate())

	cfg = memoryConfig()
	cfg.EventsQueueURL = "https://sqs.us-east-1.amazonaws.com/123/storage-events"
	assert.Error(t, cfg.Validate())

	cfg = sqsConfig("https://sqs.us-east-1.amazonaws.com/123/uploads")
	cfg.EventsQueueURL = "not a url"
	assert.Error(t, cfg.Validate())

	cfg.EventsQueueURL = "https://sqs.us-east-1.amazonaws.com/123/storage-events"
	require.NoError(t, cfg.Validate())
	events := cfg.ForEvents()
	assert.Equal(t, cfg.EventsQueueURL, events.QueueURL)
	assert.Equal(t, "https://sqs.us-east-1.amazonaws.com/123/uploads", cfg.QueueURL)
}
