package pubsub

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// listenerBuffer is the per-listener message buffer. Delivery blocks once it
// is full until the listener reads or closes.
const listenerBuffer = 32

// Conn shares one broker connection between any number of subscriptions.
//
// Every listener receives every message delivered on the connection regardless
// of channel, so listeners filter for the messages they care about. Broker
// subscriptions are reference counted: the first Subscribe for a channel sends
// SUBSCRIBE and the last Close sends UNSUBSCRIBE.
type Conn struct {
	driver Driver

	mu        sync.Mutex
	listeners map[*Subscription]struct{}
	err       error

	// refMu also serialises broker subscribe/unsubscribe calls so they reach
	// the broker in the same order as the reference changes.
	refMu sync.Mutex
	refs  map[string]int

	failed    chan struct{}
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewConn takes ownership of driver and starts dispatching its messages.
func NewConn(driver Driver) *Conn {
	c := &Conn{
		driver:    driver,
		listeners: make(map[*Subscription]struct{}),
		refs:      make(map[string]int),
		failed:    make(chan struct{}),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go c.dispatch()
	return c
}

func (c *Conn) dispatch() {
	defer close(c.done)

	for msg := range c.driver.Messages() {
		c.mu.Lock()
		subs := make([]*Subscription, 0, len(c.listeners))
		for s := range c.listeners {
			subs = append(subs, s)
		}
		c.mu.Unlock()

		for _, s := range subs {
			s.deliver(msg)
		}
	}

	err := c.driver.Err()
	if err == nil {
		err = ErrClosed
	}

	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	close(c.failed)
}

// Subscribe registers a listener and takes a reference on channel.
//
// The listener is registered before the broker subscription is made so no
// message published after the broker acknowledges can be missed. On error
// nothing is left registered.
func (c *Conn) Subscribe(ctx context.Context, channel string) (*Subscription, error) {
	s := &Subscription{
		conn:    c,
		channel: channel,
		ch:      make(chan Message, listenerBuffer),
		closed:  make(chan struct{}),
	}

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %w", ErrConnection, err)
	}
	c.listeners[s] = struct{}{}
	c.mu.Unlock()

	if err := c.acquire(ctx, channel); err != nil {
		c.detach(s)
		return nil, err
	}

	return s, nil
}

func (c *Conn) acquire(ctx context.Context, channel string) error {
	c.refMu.Lock()
	defer c.refMu.Unlock()

	if c.refs[channel] > 0 {
		c.refs[channel]++
		return nil
	}

	if err := c.driver.Subscribe(ctx, channel); err != nil {
		if errors.Is(err, ErrConnection) {
			return fmt.Errorf("subscribe %s: %w", channel, err)
		}
		return fmt.Errorf("%w: %s: %w", ErrSubscription, channel, err)
	}

	c.refs[channel] = 1
	return nil
}

func (c *Conn) release(ctx context.Context, channel string) error {
	c.refMu.Lock()
	defer c.refMu.Unlock()

	n := c.refs[channel]
	switch {
	case n == 0:
		return nil
	case n > 1:
		c.refs[channel] = n - 1
		return nil
	}

	delete(c.refs, channel)

	if err := c.driver.Unsubscribe(ctx, channel); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", channel, err)
	}
	return nil
}

func (c *Conn) detach(s *Subscription) {
	c.mu.Lock()
	delete(c.listeners, s)
	c.mu.Unlock()
}

// Publish sends payload to every subscriber of channel.
func (c *Conn) Publish(ctx context.Context, channel, payload string) error {
	return c.driver.Publish(ctx, channel, payload)
}

// Ping checks the broker is reachable.
func (c *Conn) Ping(ctx context.Context) error {
	c.mu.Lock()
	err := c.err
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnection, err)
	}
	return c.driver.Ping(ctx)
}

// Subscribed reports whether the broker subscription for channel is held.
func (c *Conn) Subscribed(channel string) bool {
	c.refMu.Lock()
	defer c.refMu.Unlock()
	return c.refs[channel] > 0
}

// Listeners returns the number of registered listeners.
func (c *Conn) Listeners() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.listeners)
}

// Close closes the driver and waits for the dispatcher to exit.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stop)
		err = c.driver.Close()
		<-c.done
	})
	return err
}

// Subscription is one listener on a Conn holding a reference on one channel.
type Subscription struct {
	conn    *Conn
	channel string
	ch      chan Message
	closed  chan struct{}

	once sync.Once
	err  error
}

func (s *Subscription) deliver(msg Message) {
	select {
	case s.ch <- msg:
	case <-s.closed:
	case <-s.conn.stop:
	}
}

// Channel returns the channel this subscription holds a reference on.
func (s *Subscription) Channel() string { return s.channel }

// Messages returns every message delivered on the connection.
func (s *Subscription) Messages() <-chan Message { return s.ch }

// Failed is closed when the underlying connection is lost or closed.
func (s *Subscription) Failed() <-chan struct{} { return s.conn.failed }

// Err returns why the connection failed, or nil while it is healthy.
func (s *Subscription) Err() error {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	if s.conn.err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrConnection, s.conn.err)
}

// Close detaches the listener and releases the channel reference. It is safe
// to call more than once; later calls return the first result.
func (s *Subscription) Close(ctx context.Context) error {
	s.once.Do(func() {
		close(s.closed)
		s.conn.detach(s)
		s.err = s.conn.release(ctx, s.channel)
	})
	return s.err
}
