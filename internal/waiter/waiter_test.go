package waiter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/jobwait/internal/pubsub"
	"github.com/wolfeidau/jobwait/internal/pubsub/memory"
	memorystore "github.com/wolfeidau/jobwait/internal/store/memory"
)

type harness struct {
	broker  *memory.Broker
	conn    *pubsub.Conn
	results *memorystore.ResultStore
	waiter  *Waiter
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	broker := memory.NewBroker()
	driver, err := broker.Connect()
	require.NoError(t, err)

	conn := pubsub.NewConn(driver)
	t.Cleanup(func() { _ = conn.Close() })

	results := memorystore.NewResultStore()

	w, err := New(conn, results, cfg)
	require.NoError(t, err)

	return &harness{broker: broker, conn: conn, results: results, waiter: w}
}

type waitResult struct {
	completion Completion
	err        error
}

// start runs Wait in the background and returns once its channel is subscribed.
func (h *harness) start(t *testing.T, ctx context.Context, jobID string) <-chan waitResult {
	t.Helper()

	before := h.conn.Listeners()
	done := make(chan waitResult, 1)
	go func() {
		c, err := h.waiter.Wait(ctx, jobID)
		done <- waitResult{completion: c, err: err}
	}()

	require.Eventually(t, func() bool {
		return h.conn.Subscribed(h.waiter.Channel(jobID)) && h.conn.Listeners() > before
	}, 2*time.Second, 5*time.Millisecond)

	return done
}

func (h *harness) publish(t *testing.T, jobID, payload string) {
	t.Helper()
	_, err := h.broker.Publish(context.Background(), h.waiter.Channel(jobID), payload)
	require.NoError(t, err)
}

func await(t *testing.T, done <-chan waitResult) waitResult {
	t.Helper()

	select {
	case r := <-done:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("wait did not return")
		return waitResult{}
	}
}

func requirePending(t *testing.T, done <-chan waitResult) {
	t.Helper()

	select {
	case r := <-done:
		t.Fatalf("wait returned early: %+v", r)
	case <-time.After(50 * time.Millisecond):
	}
}

func (h *harness) requireTornDown(t *testing.T, jobID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return !h.conn.Subscribed(h.waiter.Channel(jobID)) && h.conn.Listeners() == 0
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 0, h.broker.Subscribers(h.waiter.Channel(jobID)))
}

func TestWait_IgnoresOtherIDsOnItsChannel(t *testing.T) {
	h := newHarness(t, Config{})
	require.Equal(t, "generate_assignment_id_abc123", h.waiter.Channel("abc123"))

	done := h.start(t, context.Background(), "abc123")

	h.publish(t, "abc123", `{"id":"xyz999","result":"no"}`)
	requirePending(t, done)

	h.publish(t, "abc123", `{"id":"abc123","result":"done"}`)

	r := await(t, done)
	require.NoError(t, r.err)
	require.Equal(t, "abc123", r.completion.ID)
	require.JSONEq(t, `{"id":"abc123","result":"done"}`, string(r.completion.Raw))

	h.requireTornDown(t, "abc123")
}

func TestWait_ResolvesOnlyMatchingWait(t *testing.T) {
	h := newHarness(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := h.start(t, ctx, "job-1")
	second := h.start(t, ctx, "job-2")

	h.publish(t, "job-2", `{"id":"job-2","ok":true}`)

	r := await(t, second)
	require.NoError(t, r.err)
	require.Equal(t, "job-2", r.completion.ID)

	requirePending(t, first)
	require.True(t, h.conn.Subscribed(h.waiter.Channel("job-1")))
	require.False(t, h.conn.Subscribed(h.waiter.Channel("job-2")))

	h.publish(t, "job-1", `{"id":"job-1","ok":true}`)

	r = await(t, first)
	require.NoError(t, r.err)
	require.Equal(t, "job-1", r.completion.ID)
}

func TestWait_MalformedMessagesNeverResolve(t *testing.T) {
	h := newHarness(t, Config{})

	done := h.start(t, context.Background(), "job-1")

	for _, payload := range []string{
		`not json`,
		`{"result":"missing id"}`,
		`{"id":42}`,
		`{"id":""}`,
		`["job-1"]`,
		`null`,
	} {
		h.publish(t, "job-1", payload)
	}
	requirePending(t, done)

	h.publish(t, "job-1", `{"id":"job-1"}`)
	r := await(t, done)
	require.NoError(t, r.err)
}

func TestWait_SameIDSharesSubscription(t *testing.T) {
	h := newHarness(t, Config{})

	first := h.start(t, context.Background(), "job-1")
	second := h.start(t, context.Background(), "job-1")

	require.Equal(t, 2, h.conn.Listeners())
	require.Equal(t, 1, h.broker.Subscribers(h.waiter.Channel("job-1")))

	h.publish(t, "job-1", `{"id":"job-1"}`)

	require.NoError(t, await(t, first).err)
	require.NoError(t, await(t, second).err)

	h.requireTornDown(t, "job-1")
}

func TestWait_Cancelled(t *testing.T) {
	h := newHarness(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())

	done := h.start(t, ctx, "job-1")
	cancel()

	r := await(t, done)
	require.ErrorIs(t, r.err, ErrCancelled)
	require.False(t, errors.Is(r.err, ErrTimeout))

	h.requireTornDown(t, "job-1")

	// publishes after teardown reach nobody
	n, err := h.broker.Publish(context.Background(), h.waiter.Channel("job-1"), `{"id":"job-1"}`)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestWait_CancelledBeforeStart(t *testing.T) {
	h := newHarness(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.waiter.Wait(ctx, "job-1")
	require.ErrorIs(t, err, ErrCancelled)
	h.requireTornDown(t, "job-1")
}

func TestWait_Timeout(t *testing.T) {
	h := newHarness(t, Config{Timeout: 50 * time.Millisecond})

	started := time.Now()
	_, err := h.waiter.Wait(context.Background(), "job-1")
	require.ErrorIs(t, err, ErrTimeout)
	require.GreaterOrEqual(t, time.Since(started), 50*time.Millisecond)

	h.requireTornDown(t, "job-1")
}

func TestWait_StoredCompletion(t *testing.T) {
	h := newHarness(t, Config{Timeout: time.Second})

	require.NoError(t, h.results.Put(context.Background(), h.waiter.Channel("job-1"), `{"id":"job-1","result":"early"}`, 0))

	c, err := h.waiter.Wait(context.Background(), "job-1")
	require.NoError(t, err)
	require.JSONEq(t, `{"id":"job-1","result":"early"}`, string(c.Raw))

	h.requireTornDown(t, "job-1")
}

func TestWait_StoredCompletionForOtherIDIgnored(t *testing.T) {
	h := newHarness(t, Config{Timeout: 50 * time.Millisecond})

	require.NoError(t, h.results.Put(context.Background(), h.waiter.Channel("job-1"), `{"id":"job-2"}`, 0))

	_, err := h.waiter.Wait(context.Background(), "job-1")
	require.ErrorIs(t, err, ErrTimeout)
}

func TestWait_BrokerLoss(t *testing.T) {
	h := newHarness(t, Config{})

	done := h.start(t, context.Background(), "job-1")
	h.broker.Shutdown()

	r := await(t, done)
	require.ErrorIs(t, r.err, pubsub.ErrConnection)
}

func TestWait_SubscriptionRejected(t *testing.T) {
	h := newHarness(t, Config{})
	h.broker.RejectSubscriptions(errors.New("ERR too many subscriptions"))

	_, err := h.waiter.Wait(context.Background(), "job-1")
	require.ErrorIs(t, err, pubsub.ErrSubscription)
	require.Equal(t, 0, h.conn.Listeners())
}

func TestWait_InvalidJobID(t *testing.T) {
	h := newHarness(t, Config{})

	_, err := h.waiter.Wait(context.Background(), "")
	require.ErrorIs(t, err, ErrInvalidJobID)
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(nil, nil, Config{Timeout: -time.Second})
	require.Error(t, err)
}

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{}
	cfg.ApplyDefaults()

	require.Equal(t, DefaultChannelPrefix, cfg.ChannelPrefix)
	require.Equal(t, 5*time.Second, cfg.TeardownTimeout)
	require.Equal(t, "generate_assignment_id_42", cfg.Channel("42"))

	custom := Config{ChannelPrefix: "done:"}
	custom.ApplyDefaults()
	require.Equal(t, "done:42", custom.Channel("42"))
}

func TestWait_StoredCompletionWinsOverLaterPublish(t *testing.T) {
	h := newHarness(t, Config{Timeout: time.Second})

	p, err := NewPublisher(h.conn, h.results, Config{})
	require.NoError(t, err)

	_, err = p.Publish(context.Background(), "job-1", map[string]any{"revision": "first"})
	require.NoError(t, err)

	// the stored payload is returned without waiting for a newer publish
	c, err := h.waiter.Wait(context.Background(), "job-1")
	require.NoError(t, err)
	require.JSONEq(t, `{"id":"job-1","revision":"first"}`, string(c.Raw))

	_, err = p.Publish(context.Background(), "job-1", map[string]any{"revision": "second"})
	require.NoError(t, err)

	c, err = h.waiter.Wait(context.Background(), "job-1")
	require.NoError(t, err)
	require.JSONEq(t, `{"id":"job-1","revision":"second"}`, string(c.Raw))
}
