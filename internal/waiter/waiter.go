package waiter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/wolfeidau/jobwait/internal/pubsub"
	"github.com/wolfeidau/jobwait/internal/store"
	"github.com/wolfeidau/jobwait/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Sentinel errors for wait outcomes
var (
	ErrInvalidJobID     = errors.New("job id is required")
	ErrCancelled        = errors.New("wait cancelled")
	ErrTimeout          = errors.New("wait timed out")
	ErrMalformedMessage = errors.New("malformed completion message")
)

const tracerName = "github.com/wolfeidau/jobwait/internal/waiter"

// Subscriber opens subscriptions on a shared broker connection.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string) (*pubsub.Subscription, error)
}

// Waiter turns a channel subscription into a single awaited completion.
type Waiter struct {
	subscriber Subscriber
	results    store.ResultStore
	cfg        Config
	metrics    *telemetry.Metrics
	tracer     trace.Tracer
}

// New creates a waiter. results may be nil, in which case only live messages
// resolve a wait.
func New(subscriber Subscriber, results store.ResultStore, cfg Config) (*Waiter, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid waiter config: %w", err)
	}

	return &Waiter{
		subscriber: subscriber,
		results:    results,
		cfg:        cfg,
		metrics:    telemetry.GetMetrics(),
		tracer:     otel.Tracer(tracerName),
	}, nil
}

// Channel returns the channel a wait for jobID subscribes to.
func (w *Waiter) Channel(jobID string) string {
	return w.cfg.Channel(jobID)
}

// Wait blocks until a completion with id jobID is published, the configured
// timeout passes, ctx is done or the broker connection fails. The channel
// subscription is released before Wait returns on every path.
//
// A completion already in the result store resolves the wait at once. The
// store holds only the latest payload per job and is read before any live
// message, so a caller waiting for a second completion of the same job gets
// the stored one. Jobs that complete more than once need a distinct job ID per
// completion.
func (w *Waiter) Wait(ctx context.Context, jobID string) (Completion, error) {
	if jobID == "" {
		return Completion{}, ErrInvalidJobID
	}

	channel := w.Channel(jobID)

	ctx, span := w.tracer.Start(ctx, "waiter.Wait", trace.WithAttributes(
		attribute.String("jobwait.job_id", jobID),
		attribute.String("jobwait.channel", channel),
	))
	defer span.End()

	logger := zerolog.Ctx(ctx).With().Str("job_id", jobID).Str("channel", channel).Logger()

	w.metrics.WaitsStartedTotal.Add(ctx, 1)
	started := time.Now()

	waitCtx, cancel := ctx, context.CancelFunc(func() {})
	if w.cfg.Timeout > 0 {
		waitCtx, cancel = context.WithTimeoutCause(ctx, w.cfg.Timeout, ErrTimeout)
	}
	defer cancel()

	completion, err := w.wait(waitCtx, jobID, channel, logger)

	outcome := w.record(ctx, err)
	w.metrics.WaitDuration.Record(ctx, float64(time.Since(started).Milliseconds()),
		metric.WithAttributes(attribute.String("outcome", outcome)))
	span.SetAttributes(attribute.String("jobwait.outcome", outcome))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		logger.Debug().Err(err).Str("outcome", outcome).Dur("waited", time.Since(started)).Msg("Wait failed")
		return Completion{}, err
	}

	logger.Debug().Dur("waited", time.Since(started)).Msg("Wait resolved")
	return completion, nil
}

func (w *Waiter) wait(ctx context.Context, jobID, channel string, logger zerolog.Logger) (Completion, error) {
	sub, err := w.subscriber.Subscribe(ctx, channel)
	if err != nil {
		if ctxErr := contextError(ctx); ctxErr != nil {
			return Completion{}, ctxErr
		}
		return Completion{}, err
	}

	w.metrics.ActiveWaits.Add(ctx, 1)
	defer func() {
		w.metrics.ActiveWaits.Add(context.WithoutCancel(ctx), -1)

		teardownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.TeardownTimeout)
		defer cancel()
		if err := sub.Close(teardownCtx); err != nil {
			logger.Warn().Err(err).Msg("Failed to release subscription")
		}
	}()

	if completion, ok := w.stored(ctx, jobID, channel, logger); ok {
		return completion, nil
	}

	for {
		select {
		case msg := <-sub.Messages():
			completion, err := ParseCompletion([]byte(msg.Payload))
			if err != nil {
				w.metrics.MalformedMessagesTotal.Add(ctx, 1)
				logger.Debug().Err(err).Str("from_channel", msg.Channel).Msg("Ignoring malformed message")
				continue
			}
			if completion.ID != jobID {
				continue
			}
			return completion, nil

		case <-sub.Failed():
			return Completion{}, sub.Err()

		case <-ctx.Done():
			return Completion{}, contextError(ctx)
		}
	}
}

// stored looks for a completion published before the subscription existed.
// Store failures only cost the shortcut, so they are logged and skipped.
func (w *Waiter) stored(ctx context.Context, jobID, channel string, logger zerolog.Logger) (Completion, bool) {
	if w.results == nil {
		return Completion{}, false
	}

	payload, err := w.results.Get(ctx, channel)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			logger.Warn().Err(err).Msg("Failed to read stored result")
		}
		return Completion{}, false
	}

	completion, err := ParseCompletion([]byte(payload))
	if err != nil {
		w.metrics.MalformedMessagesTotal.Add(ctx, 1)
		logger.Debug().Err(err).Msg("Ignoring malformed stored result")
		return Completion{}, false
	}
	if completion.ID != jobID {
		return Completion{}, false
	}

	w.metrics.StoredResultHitsTotal.Add(ctx, 1)
	return completion, true
}

// record counts the outcome of a wait and returns its name.
func (w *Waiter) record(ctx context.Context, err error) string {
	switch {
	case err == nil:
		w.metrics.WaitsResolvedTotal.Add(ctx, 1)
		return "resolved"
	case errors.Is(err, ErrTimeout):
		w.metrics.WaitsTimedOutTotal.Add(ctx, 1)
		return "timeout"
	case errors.Is(err, ErrCancelled):
		w.metrics.WaitsCancelledTotal.Add(ctx, 1)
		return "cancelled"
	default:
		w.metrics.WaitsFailedTotal.Add(ctx, 1)
		return "failed"
	}
}

// contextError maps a finished context to ErrTimeout or ErrCancelled.
func contextError(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	if errors.Is(context.Cause(ctx), ErrTimeout) {
		return ErrTimeout
	}
	return fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
}
