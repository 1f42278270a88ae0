package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/jobwait/internal/pubsub"
)

var _ pubsub.Driver = (*Driver)(nil)

// Broker is an in-process pub/sub broker. Each Connect returns an independent
// connection with its own subscriptions.
type Broker struct {
	mu           sync.Mutex
	conns        map[*Driver]struct{}
	down         bool
	subscribeErr error
}

// NewBroker creates an in-process broker.
func NewBroker() *Broker {
	return &Broker{conns: make(map[*Driver]struct{})}
}

// Connect opens a new connection to the broker.
func (b *Broker) Connect() (*Driver, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.down {
		return nil, fmt.Errorf("%w: broker is down", pubsub.ErrConnection)
	}

	d := &Driver{
		broker:   b,
		channels: make(map[string]struct{}),
		msgs:     make(chan pubsub.Message),
		notify:   make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
	b.conns[d] = struct{}{}
	go d.pump()

	return d, nil
}

// Publish delivers payload to every connection subscribed to channel and
// returns how many connections received it.
func (b *Broker) Publish(ctx context.Context, channel, payload string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.down {
		return 0, fmt.Errorf("%w: broker is down", pubsub.ErrConnection)
	}

	receivers := 0
	for d := range b.conns {
		if d.enqueue(pubsub.Message{Channel: channel, Payload: payload}) {
			receivers++
		}
	}

	log.Debug().Str("channel", channel).Int("receivers", receivers).Msg("Published message")
	return receivers, nil
}

// Subscribers returns how many connections are subscribed to channel.
func (b *Broker) Subscribers(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for d := range b.conns {
		if d.subscribed(channel) {
			n++
		}
	}
	return n
}

// RejectSubscriptions makes every following SUBSCRIBE fail with err. A nil err
// accepts subscriptions again.
func (b *Broker) RejectSubscriptions(err error) {
	b.mu.Lock()
	b.subscribeErr = err
	b.mu.Unlock()
}

// Shutdown takes the broker down, dropping every open connection.
func (b *Broker) Shutdown() {
	b.mu.Lock()
	b.down = true
	conns := make([]*Driver, 0, len(b.conns))
	for d := range b.conns {
		conns = append(conns, d)
	}
	b.conns = make(map[*Driver]struct{})
	b.mu.Unlock()

	for _, d := range conns {
		d.shutdown(fmt.Errorf("%w: broker shut down", pubsub.ErrConnection))
	}
}

func (b *Broker) state() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.down, b.subscribeErr
}

func (b *Broker) remove(d *Driver) {
	b.mu.Lock()
	delete(b.conns, d)
	b.mu.Unlock()
}

// Driver is one connection to a Broker.
type Driver struct {
	broker *Broker

	mu       sync.Mutex
	channels map[string]struct{}
	queue    []pubsub.Message
	closed   bool
	err      error

	msgs     chan pubsub.Message
	notify   chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

// pump moves queued messages onto msgs so publishers never block on a slow
// reader.
func (d *Driver) pump() {
	defer close(d.msgs)

	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			closed := d.closed
			d.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-d.notify:
			case <-d.stop:
			}
			continue
		}
		msg := d.queue[0]
		d.queue = d.queue[1:]
		d.mu.Unlock()

		select {
		case d.msgs <- msg:
		case <-d.stop:
			return
		}
	}
}

func (d *Driver) enqueue(msg pubsub.Message) bool {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}
	if _, ok := d.channels[msg.Channel]; !ok {
		d.mu.Unlock()
		return false
	}
	d.queue = append(d.queue, msg)
	d.mu.Unlock()

	select {
	case d.notify <- struct{}{}:
	default:
	}
	return true
}

func (d *Driver) subscribed(channel string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.channels[channel]
	return ok
}

func (d *Driver) check() error {
	down, _ := d.broker.state()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		if d.err != nil {
			return d.err
		}
		return pubsub.ErrClosed
	}
	if down {
		return fmt.Errorf("%w: broker is down", pubsub.ErrConnection)
	}
	return nil
}

// Subscribe implements pubsub.Driver.
func (d *Driver) Subscribe(ctx context.Context, channel string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := d.check(); err != nil {
		return err
	}
	if _, rejectErr := d.broker.state(); rejectErr != nil {
		return rejectErr
	}

	d.mu.Lock()
	d.channels[channel] = struct{}{}
	d.mu.Unlock()
	return nil
}

// Unsubscribe implements pubsub.Driver. Unknown channels are ignored.
func (d *Driver) Unsubscribe(ctx context.Context, channel string) error {
	d.mu.Lock()
	delete(d.channels, channel)
	d.mu.Unlock()
	return nil
}

// Publish implements pubsub.Driver.
func (d *Driver) Publish(ctx context.Context, channel, payload string) error {
	if err := d.check(); err != nil {
		return err
	}
	_, err := d.broker.Publish(ctx, channel, payload)
	return err
}

// Messages implements pubsub.Driver.
func (d *Driver) Messages() <-chan pubsub.Message { return d.msgs }

// Err implements pubsub.Driver.
func (d *Driver) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// Ping implements pubsub.Driver.
func (d *Driver) Ping(ctx context.Context) error {
	return d.check()
}

// Close implements pubsub.Driver.
func (d *Driver) Close() error {
	d.broker.remove(d)
	d.shutdown(nil)
	return nil
}

func (d *Driver) shutdown(err error) {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		d.err = err
		d.channels = make(map[string]struct{})
		d.queue = nil
	}
	d.mu.Unlock()

	d.stopOnce.Do(func() { close(d.stop) })
}
