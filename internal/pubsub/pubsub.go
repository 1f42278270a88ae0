package pubsub

import (
	"context"
	"errors"
)

// Sentinel errors for transport failures
var (
	ErrConnection      = errors.New("broker connection error")
	ErrSubscription    = errors.New("subscription failed")
	ErrClosed          = errors.New("connection closed")
	ErrPayloadTooLarge = errors.New("payload exceeds broker limit")
)

// Message is a payload delivered on a channel.
type Message struct {
	Channel string
	Payload string
}

// Driver is a single connection to a pub/sub broker.
//
// Implementations deliver every message received for any subscribed channel on
// Messages, in the order the broker delivered them. Messages is closed when the
// connection is closed or lost for good, after which Err reports why.
type Driver interface {
	Subscribe(ctx context.Context, channel string) error
	Unsubscribe(ctx context.Context, channel string) error
	Publish(ctx context.Context, channel, payload string) error
	Messages() <-chan Message
	Err() error
	Ping(ctx context.Context) error
	Close() error
}
