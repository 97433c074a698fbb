package gpulock

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// cancelChannel is the pub/sub channel carrying cooperative cancellation
// signals from the monitor to whichever worker holds the lock.
const cancelChannel = "gpu_lock:cancellations"

// CancelBus transports soft-timeout cancellation signals across hosts. The
// payload is the holder token being cancelled.
type CancelBus struct {
	client *redis.Client
	log    *logrus.Entry
}

// NewCancelBus creates a bus on a shared Redis connection.
func NewCancelBus(client *redis.Client, log *logrus.Entry) *CancelBus {
	return &CancelBus{client: client, log: log.WithField("component", "cancelbus")}
}

// Publish signals cancellation of the given holder token.
func (b *CancelBus) Publish(ctx context.Context, token string) error {
	return b.client.Publish(ctx, cancelChannel, token).Err()
}

// Subscribe starts listening for cancellation signals. Each received holder
// token is passed to handle on a dedicated goroutine until ctx is done.
func (b *CancelBus) Subscribe(ctx context.Context, handle func(token string)) {
	sub := b.client.Subscribe(ctx, cancelChannel)
	go func() {
		defer func() { _ = sub.Close() }()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				b.log.WithField("token", msg.Payload).Info("cancellation signal received")
				handle(msg.Payload)
			}
		}
	}()
}
