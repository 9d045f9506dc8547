package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/openmined/fileflow/internal/server/outbox"
)

type memoryMessage struct {
	id       string
	body     []byte
	receipt  string
	received int
	acked    bool
}

// MemoryBroker is an in-process queue with SQS-like visibility timeouts. It backs
// single instance deployments and tests.
type MemoryBroker struct {
	mu         sync.Mutex
	ready      *PriorityQueue[*memoryMessage]
	inflight   map[string]*memoryMessage
	pending    map[string]*memoryMessage
	visibility time.Duration
	waitTime   time.Duration
	signal     chan struct{}
	now        func() time.Time
}

func NewMemoryBroker(cfg *Config) *MemoryBroker {
	return &MemoryBroker{
		ready:      NewPriorityQueue[*memoryMessage](),
		inflight:   make(map[string]*memoryMessage),
		pending:    make(map[string]*memoryMessage),
		visibility: cfg.VisibilityTimeout,
		waitTime:   cfg.WaitTime,
		signal:     make(chan struct{}, 1),
		now:        time.Now,
	}
}

func (b *MemoryBroker) Publish(ctx context.Context, msg *outbox.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := encode(msg)
	if err != nil {
		return err
	}

	m := &memoryMessage{id: uuid.NewString(), body: body}
	b.mu.Lock()
	b.pending[m.id] = m
	b.ready.Enqueue(m, b.now().UnixNano())
	b.mu.Unlock()

	b.wake()
	return nil
}

// Receive waits up to the configured wait time for visible messages.
func (b *MemoryBroker) Receive(ctx context.Context, limit int) ([]Delivery, error) {
	deadline := time.NewTimer(b.waitTime)
	defer deadline.Stop()

	for {
		if got := b.take(max(limit, 1)); len(got) > 0 {
			return got, nil
		}

		wait := b.waitTime
		if next, ok := b.ready.PeekPriority(); ok {
			wait = min(wait, time.Duration(next-b.now().UnixNano()))
		}
		timer := time.NewTimer(max(wait, time.Millisecond))

		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-deadline.C:
			timer.Stop()
			return nil, nil
		case <-b.signal:
		case <-timer.C:
		}
		timer.Stop()
	}
}

func (b *MemoryBroker) Ack(_ context.Context, d Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	m, ok := b.inflight[d.Receipt]
	if !ok {
		return ErrUnknownReceipt
	}
	m.acked = true
	delete(b.inflight, d.Receipt)
	delete(b.pending, m.id)
	return nil
}

// Len counts messages that are not acked yet.
func (b *MemoryBroker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.pending)
}

// take pops visible messages and schedules their redelivery after the visibility timeout.
func (b *MemoryBroker) take(limit int) []Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	var out []Delivery
	for len(out) < limit {
		m, ok := b.ready.DequeueUpTo(now.UnixNano())
		if !ok {
			break
		}
		if m.acked {
			continue
		}

		delete(b.inflight, m.receipt)
		m.receipt = uuid.NewString()
		m.received++
		b.inflight[m.receipt] = m
		b.ready.Enqueue(m, now.Add(b.visibility).UnixNano())

		out = append(out, Delivery{
			MessageID:    m.id,
			Body:         m.body,
			Receipt:      m.receipt,
			ReceiveCount: m.received,
		})
	}
	return out
}

func (b *MemoryBroker) wake() {
	select {
	case b.signal <- struct{}{}:
	default:
	}
}

var (
	_ outbox.Publisher = (*MemoryBroker)(nil)
	_ Receiver         = (*MemoryBroker)(nil)
)
