package channel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/rvql/ringmaster/internal/model"
)

// DefaultSubjectPrefix namespaces the channel subjects on a shared NATS server.
const DefaultSubjectPrefix = "ringmaster"

// NATSChannel is a Channel backed by core NATS subjects. Each receiver gets a
// unicast subject plus a shared broadcast subject. The connection is owned by
// the caller and is not closed with the channel.
type NATSChannel struct {
	logger *zap.Logger
	nc     *nats.Conn
	prefix string
	size   int

	mu      sync.Mutex
	inboxes map[string]*natsInbox
	sent    map[string]uint64
	closed  bool
	done    chan struct{}
}

type natsInbox struct {
	msgs     chan *nats.Msg
	subs     []*nats.Subscription
	received uint64
}

// NewNATSChannel wraps an established NATS connection. An empty prefix falls
// back to DefaultSubjectPrefix, a size <= 0 to DefaultQueueSize.
func NewNATSChannel(nc *nats.Conn, prefix string, size int, logger *zap.Logger) *NATSChannel {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &NATSChannel{
		logger:  logger.Named("channel"),
		nc:      nc,
		prefix:  prefix,
		size:    size,
		inboxes: make(map[string]*natsInbox),
		sent:    make(map[string]uint64),
		done:    make(chan struct{}),
	}
}

func (c *NATSChannel) unicastSubject(receiver string) string {
	return fmt.Sprintf("%s.msg.%s", c.prefix, receiver)
}

func (c *NATSChannel) broadcastSubject() string {
	return c.prefix + ".broadcast"
}

// Send publishes msg on the receiver's subject.
func (c *NATSChannel) Send(_ context.Context, msg *model.Message) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.sent[msg.Receiver]++
	c.mu.Unlock()

	data, err := msg.Encode()
	if err != nil {
		return err
	}

	subject := c.unicastSubject(msg.Receiver)
	if msg.Receiver == model.BroadcastReceiver {
		subject = c.broadcastSubject()
	}
	if err := c.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish %s to %s: %w", msg.Type, msg.Receiver, err)
	}
	return nil
}

// Receive waits for the next message addressed to receiver, either directly
// or via broadcast. Broadcasts sent by the receiver itself are skipped.
func (c *NATSChannel) Receive(ctx context.Context, receiver string, timeout time.Duration) (*model.Message, error) {
	inbox, err := c.inbox(receiver)
	if err != nil {
		return nil, err
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		select {
		case raw := <-inbox.msgs:
			msg, err := model.DecodeMessage(raw.Data)
			if err != nil {
				c.logger.Warn("Discarding undecodable message",
					zap.String("subject", raw.Subject),
					zap.Error(err))
				continue
			}
			if msg.Receiver == model.BroadcastReceiver && msg.Sender == receiver {
				continue
			}
			c.mu.Lock()
			inbox.received++
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
}

// Stats snapshots delivery counters for every receiver seen so far. Dropped
// counts come from the underlying subscriptions' slow-consumer accounting.
func (c *NATSChannel) Stats() map[string]QueueStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := make(map[string]QueueStats, len(c.inboxes))
	for id, inbox := range c.inboxes {
		var dropped uint64
		for _, sub := range inbox.subs {
			if n, err := sub.Dropped(); err == nil {
				dropped += uint64(n)
			}
		}
		stats[id] = QueueStats{
			Sent:     c.sent[id],
			Received: inbox.received,
			Dropped:  dropped,
			Depth:    len(inbox.msgs),
		}
	}
	for id, sent := range c.sent {
		if _, ok := stats[id]; !ok {
			stats[id] = QueueStats{Sent: sent}
		}
	}
	return stats
}

// Close drops all subscriptions. Blocked receivers return ErrClosed. The
// NATS connection itself stays open.
func (c *NATSChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)

	for _, inbox := range c.inboxes {
		for _, sub := range inbox.subs {
			if err := sub.Unsubscribe(); err != nil {
				c.logger.Warn("Failed to unsubscribe", zap.Error(err))
			}
		}
	}
	return nil
}

// inbox returns the receiver's subscription set, creating it on first use.
func (c *NATSChannel) inbox(receiver string) (*natsInbox, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if inbox, ok := c.inboxes[receiver]; ok {
		return inbox, nil
	}

	inbox := &natsInbox{msgs: make(chan *nats.Msg, c.size)}
	for _, subject := range []string{c.unicastSubject(receiver), c.broadcastSubject()} {
		sub, err := c.nc.ChanSubscribe(subject, inbox.msgs)
		if err != nil {
			for _, s := range inbox.subs {
				_ = s.Unsubscribe()
			}
			return nil, fmt.Errorf("failed to subscribe %s: %w", subject, err)
		}
		inbox.subs = append(inbox.subs, sub)
	}
	c.inboxes[receiver] = inbox
	return inbox, nil
}
