package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/jobwait/internal/pubsub"
	pgstore "github.com/wolfeidau/jobwait/internal/store/postgres"
)

var _ pubsub.Driver = (*Driver)(nil)

const (
	// maxChannelLen is the PostgreSQL identifier length limit (NAMEDATALEN-1).
	maxChannelLen = 63

	// maxPayloadLen is the NOTIFY payload limit in the default configuration.
	maxPayloadLen = 8000

	commandTimeout = 10 * time.Second
)

type command struct {
	sql  string
	done chan error
}

// Driver implements pubsub.Driver with LISTEN/NOTIFY. A single connection
// taken out of the pool runs LISTEN/UNLISTEN and waits for notifications;
// commands interrupt the wait, run, and the wait resumes. Publishing goes
// through the pool.
type Driver struct {
	pool *pgxpool.Pool
	conn *pgx.Conn

	cmds chan command
	msgs chan pubsub.Message
	stop chan struct{}
	done chan struct{}

	mu      sync.Mutex
	cancel  context.CancelFunc
	pending bool
	err     error

	closeOnce sync.Once
}

// NewDriver hijacks a connection from pool for notifications.
func NewDriver(ctx context.Context, pool *pgxpool.Pool) (*Driver, error) {
	pooled, err := pool.Acquire(ctx)
	if err != nil {
		return nil, mapError(err)
	}

	d := &Driver{
		pool: pool,
		conn: pooled.Hijack(),
		cmds: make(chan command, 16),
		msgs: make(chan pubsub.Message),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	go d.loop()

	return d, nil
}

func (d *Driver) loop() {
	defer close(d.done)
	defer close(d.msgs)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.conn.Close(ctx)
	}()

	for {
		select {
		case <-d.stop:
			return
		default:
		}

		d.runCommands()

		ctx, cancel := context.WithCancel(context.Background())
		if !d.arm(cancel) {
			cancel()
			continue
		}

		n, err := d.conn.WaitForNotification(ctx)
		d.disarm()
		interrupted := ctx.Err() != nil
		cancel()

		if err != nil {
			if interrupted || pgconn.Timeout(err) {
				continue
			}
			log.Error().Err(err).Msg("Notification listener failed")
			d.setErr(mapError(err))
			return
		}

		select {
		case d.msgs <- pubsub.Message{Channel: n.Channel, Payload: n.Payload}:
		case <-d.stop:
			return
		}
	}
}

func (d *Driver) runCommands() {
	for {
		select {
		case cmd := <-d.cmds:
			ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
			_, err := d.conn.Exec(ctx, cmd.sql)
			cancel()
			cmd.done <- mapError(err)
		default:
			return
		}
	}
}

// arm records the cancel func for the coming wait. It returns false when an
// interrupt arrived since the last command run.
func (d *Driver) arm(cancel context.CancelFunc) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending {
		d.pending = false
		return false
	}
	d.cancel = cancel
	return true
}

func (d *Driver) disarm() {
	d.mu.Lock()
	d.cancel = nil
	d.mu.Unlock()
}

// interrupt wakes the loop so queued commands run.
func (d *Driver) interrupt() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = true
	if d.cancel != nil {
		d.cancel()
	}
}

func (d *Driver) setErr(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

// exec hands sql to the listener loop. Once queued the command always runs,
// so the caller's context only bounds the wait for a queue slot.
func (d *Driver) exec(ctx context.Context, sql string) error {
	cmd := command{sql: sql, done: make(chan error, 1)}

	select {
	case d.cmds <- cmd:
	case <-d.done:
		return d.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	}

	d.interrupt()

	select {
	case err := <-cmd.done:
		return err
	case <-d.done:
		return d.closedErr()
	}
}

func (d *Driver) closedErr() error {
	if err := d.Err(); err != nil {
		return err
	}
	return pubsub.ErrClosed
}

// Subscribe implements pubsub.Driver.
func (d *Driver) Subscribe(ctx context.Context, channel string) error {
	if len(channel) > maxChannelLen {
		return fmt.Errorf("channel name %q exceeds %d bytes", channel, maxChannelLen)
	}
	if err := d.exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return err
	}
	log.Debug().Str("channel", channel).Msg("Listening")
	return nil
}

// Unsubscribe implements pubsub.Driver.
func (d *Driver) Unsubscribe(ctx context.Context, channel string) error {
	if len(channel) > maxChannelLen {
		return nil
	}
	if err := d.exec(ctx, "UNLISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return err
	}
	log.Debug().Str("channel", channel).Msg("Stopped listening")
	return nil
}

// Publish implements pubsub.Driver.
func (d *Driver) Publish(ctx context.Context, channel, payload string) error {
	if len(payload) >= maxPayloadLen {
		return fmt.Errorf("%w: %d bytes, limit is %d", pubsub.ErrPayloadTooLarge, len(payload), maxPayloadLen)
	}
	if _, err := d.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload); err != nil {
		return mapError(err)
	}
	return nil
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
	select {
	case <-d.done:
		return d.closedErr()
	default:
	}
	return mapError(d.pool.Ping(ctx))
}

// Close implements pubsub.Driver. The pool stays open.
func (d *Driver) Close() error {
	d.closeOnce.Do(func() {
		close(d.stop)
		d.interrupt()
		<-d.done
	})
	return nil
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	if pgstore.IsConnectionError(err) && !errors.Is(err, pubsub.ErrConnection) {
		return fmt.Errorf("%w: %w", pubsub.ErrConnection, err)
	}
	return err
}
