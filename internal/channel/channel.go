package channel

import (
	"context"
	"errors"
	"time"

	"github.com/rvql/ringmaster/internal/model"
)

var (
	// ErrClosed is returned when the channel has been shut down.
	ErrClosed = errors.New("channel closed")

	// ErrQueueFull is returned when the receiver's queue cannot accept
	// another message. The message is dropped and counted.
	ErrQueueFull = errors.New("queue full")

	// ErrReceiveTimeout is returned when no message arrives within the
	// receive deadline.
	ErrReceiveTimeout = errors.New("receive timed out")
)

// QueueStats reports per-receiver delivery counters.
type QueueStats struct {
	Sent     uint64 `json:"sent"`
	Received uint64 `json:"received"`
	Dropped  uint64 `json:"dropped"`
	Depth    int    `json:"depth"`
}

// Channel moves messages between the master and its workers. Implementations
// must be safe for concurrent use. Addressing model.BroadcastReceiver fans the
// message out to every attached receiver except the sender.
type Channel interface {
	// Send delivers a message to its receiver's queue. A full unicast queue
	// drops the message and returns ErrQueueFull.
	Send(ctx context.Context, msg *model.Message) error

	// Receive waits up to timeout for the next message addressed to the
	// receiver. A timeout <= 0 waits until a message arrives, the context is
	// canceled, or the channel closes.
	Receive(ctx context.Context, receiver string, timeout time.Duration) (*model.Message, error)

	// Stats snapshots the delivery counters for every known receiver.
	Stats() map[string]QueueStats

	// Close releases the channel. Blocked receivers return ErrClosed.
	Close() error
}
