package redis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/jobwait/internal/pubsub"
)

var _ pubsub.Driver = (*Driver)(nil)

const (
	// channelSize is the go-redis receive buffer for subscribed messages.
	channelSize = 256

	forgetTimeout = time.Second
)

// Driver carries all subscriptions over one go-redis PubSub connection and
// publishes through the shared client. go-redis reconnects and resubscribes
// on its own, so Messages only closes when the driver is closed.
type Driver struct {
	client *goredis.Client
	ps     *goredis.PubSub

	msgs      chan pubsub.Message
	stop      chan struct{}
	closeOnce sync.Once
}

// NewDriver opens the subscription connection on client.
func NewDriver(ctx context.Context, client *goredis.Client) *Driver {
	d := &Driver{
		client: client,
		ps:     client.Subscribe(ctx),
		msgs:   make(chan pubsub.Message),
		stop:   make(chan struct{}),
	}

	go d.forward(d.ps.Channel(goredis.WithChannelSize(channelSize)))

	return d
}

func (d *Driver) forward(in <-chan *goredis.Message) {
	defer close(d.msgs)

	for m := range in {
		select {
		case d.msgs <- pubsub.Message{Channel: m.Channel, Payload: m.Payload}:
		case <-d.stop:
			return
		}
	}
}

// Subscribe implements pubsub.Driver.
func (d *Driver) Subscribe(ctx context.Context, channel string) error {
	if err := d.ps.Subscribe(ctx, channel); err != nil {
		// go-redis keeps the channel for resubscription even when the write fails
		forgetCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), forgetTimeout)
		defer cancel()
		_ = d.ps.Unsubscribe(forgetCtx, channel)

		return mapRedisError(err)
	}
	log.Debug().Str("channel", channel).Msg("Subscribed")
	return nil
}

// Unsubscribe implements pubsub.Driver.
func (d *Driver) Unsubscribe(ctx context.Context, channel string) error {
	if err := d.ps.Unsubscribe(ctx, channel); err != nil {
		return mapRedisError(err)
	}
	log.Debug().Str("channel", channel).Msg("Unsubscribed")
	return nil
}

// Publish implements pubsub.Driver.
func (d *Driver) Publish(ctx context.Context, channel, payload string) error {
	receivers, err := d.client.Publish(ctx, channel, payload).Result()
	if err != nil {
		return mapRedisError(err)
	}
	log.Debug().Str("channel", channel).Int64("receivers", receivers).Msg("Published message")
	return nil
}

// Messages implements pubsub.Driver.
func (d *Driver) Messages() <-chan pubsub.Message { return d.msgs }

// Err implements pubsub.Driver. The connection is only ever closed on purpose.
func (d *Driver) Err() error { return nil }

// Ping implements pubsub.Driver.
func (d *Driver) Ping(ctx context.Context) error {
	if err := d.client.Ping(ctx).Err(); err != nil {
		return mapRedisError(err)
	}
	return nil
}

// Close implements pubsub.Driver. The shared client stays open.
func (d *Driver) Close() error {
	var err error
	d.closeOnce.Do(func() {
		close(d.stop)
		err = d.ps.Close()
	})
	return err
}

// mapRedisError marks network level failures as pubsub.ErrConnection.
func mapRedisError(err error) error {
	if err == nil {
		return nil
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) || errors.Is(err, goredis.ErrClosed) {
		return fmt.Errorf("%w: %w", pubsub.ErrConnection, err)
	}

	return err
}
