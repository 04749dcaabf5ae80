package channel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rvql/ringmaster/internal/model"
)

// DefaultQueueSize bounds each receiver queue when no size is configured.
const DefaultQueueSize = 1000

// MemoryChannel is an in-process Channel backed by one bounded FIFO queue
// per receiver. Queues are created on first use, so messages can be sent to
// a receiver before it starts reading.
type MemoryChannel struct {
	logger *zap.Logger
	size   int

	mu     sync.Mutex
	queues map[string]*memoryQueue
	closed bool
	done   chan struct{}
}

type memoryQueue struct {
	ch       chan *model.Message
	sent     uint64
	received uint64
	dropped  uint64
}

// NewMemoryChannel creates an in-process channel with the given per-receiver
// queue size. A size <= 0 falls back to DefaultQueueSize.
func NewMemoryChannel(size int, logger *zap.Logger) *MemoryChannel {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &MemoryChannel{
		logger: logger.Named("channel"),
		size:   size,
		queues: make(map[string]*memoryQueue),
		done:   make(chan struct{}),
	}
}

// Send delivers msg to its receiver's queue, creating the queue if needed.
// Broadcast messages are fanned out best-effort to every existing queue
// except the sender's.
func (c *MemoryChannel) Send(_ context.Context, msg *model.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	if msg.Receiver == model.BroadcastReceiver {
		for id, q := range c.queues {
			if id == msg.Sender {
				continue
			}
			c.push(q, msg, id)
		}
		return nil
	}

	q := c.queue(msg.Receiver)
	if !c.push(q, msg, msg.Receiver) {
		return fmt.Errorf("send %s to %s: %w", msg.Type, msg.Receiver, ErrQueueFull)
	}
	return nil
}

// push attempts a non-blocking enqueue, counting the outcome. Callers hold c.mu.
func (c *MemoryChannel) push(q *memoryQueue, msg *model.Message, receiver string) bool {
	select {
	case q.ch <- msg:
		q.sent++
		return true
	default:
		q.dropped++
		c.logger.Warn("Queue full, message dropped",
			zap.String("receiver", receiver),
			zap.String("type", string(msg.Type)))
		return false
	}
}

// Receive waits for the next message addressed to receiver.
func (c *MemoryChannel) Receive(ctx context.Context, receiver string, timeout time.Duration) (*model.Message, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	q := c.queue(receiver)
	c.mu.Unlock()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case msg := <-q.ch:
		c.mu.Lock()
		q.received++
		c.mu.Unlock()
		return msg, nil
	case <-expired:
		return nil, ErrReceiveTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

// Stats snapshots the delivery counters for every known receiver.
func (c *MemoryChannel) Stats() map[string]QueueStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := make(map[string]QueueStats, len(c.queues))
	for id, q := range c.queues {
		stats[id] = QueueStats{
			Sent:     q.sent,
			Received: q.received,
			Dropped:  q.dropped,
			Depth:    len(q.ch),
		}
	}
	return stats
}

// Close shuts the channel down. Pending messages are discarded and blocked
// receivers return ErrClosed.
func (c *MemoryChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)
	return nil
}

// queue returns the receiver's queue, creating it if needed. Callers hold c.mu.
func (c *MemoryChannel) queue(receiver string) *memoryQueue {
	q, ok := c.queues[receiver]
	if !ok {
		q = &memoryQueue{ch: make(chan *model.Message, c.size)}
		c.queues[receiver] = q
	}
	return q
}
