package worker

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultWakeChannel is the Redis channel used to wake idle workers.
const DefaultWakeChannel = "automation:jobs:wake"

// Notifier publishes and receives "jobs are ready" signals over Redis
// pub/sub. Signals only shorten the poll wait; a lost one delays work by at
// most one poll interval.
type Notifier struct {
	client  *redis.Client
	channel string
}

// NewNotifier creates a notifier on channel. A nil client yields a notifier
// whose methods are no-ops.
func NewNotifier(client *redis.Client, channel string) *Notifier {
	if channel == "" {
		channel = DefaultWakeChannel
	}
	return &Notifier{client: client, channel: channel}
}

// Notify wakes subscribed workers.
func (n *Notifier) Notify(ctx context.Context) error {
	if n == nil || n.client == nil {
		return nil
	}
	if err := n.client.Publish(ctx, n.channel, "ready").Err(); err != nil {
		return fmt.Errorf("publish wake: %w", err)
	}
	return nil
}

// Subscribe returns a channel that receives a value per wake signal until
// ctx is cancelled. The subscription is confirmed before it returns.
func (n *Notifier) Subscribe(ctx context.Context) (<-chan struct{}, error) {
	if n == nil || n.client == nil {
		return nil, nil
	}

	pubsub := n.client.Subscribe(ctx, n.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", n.channel, err)
	}

	out := make(chan struct{}, 1)
	go func() {
		defer pubsub.Close()
		defer close(out)
		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out, nil
}
