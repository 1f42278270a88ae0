package waiter

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/jobwait/internal/store"
	"github.com/wolfeidau/jobwait/internal/telemetry"
)

// Broadcaster publishes payloads on a channel.
type Broadcaster interface {
	Publish(ctx context.Context, channel, payload string) error
}

// Publisher announces job completions to waiters.
type Publisher struct {
	broadcaster Broadcaster
	results     store.ResultStore
	cfg         Config
	metrics     *telemetry.Metrics
}

// NewPublisher creates a publisher. results may be nil, in which case only
// waiters subscribed at publish time see the completion.
func NewPublisher(broadcaster Broadcaster, results store.ResultStore, cfg Config) (*Publisher, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid publisher config: %w", err)
	}

	return &Publisher{
		broadcaster: broadcaster,
		results:     results,
		cfg:         cfg,
		metrics:     telemetry.GetMetrics(),
	}, nil
}

// Publish sets fields["id"] to jobID, stores the encoded message and then
// publishes it. Storing first means a waiter that subscribes after the publish
// still finds the result. fields is not modified.
func (p *Publisher) Publish(ctx context.Context, jobID string, fields map[string]any) (Completion, error) {
	if jobID == "" {
		return Completion{}, ErrInvalidJobID
	}

	msg := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		msg[k] = v
	}
	msg["id"] = jobID

	payload, err := json.Marshal(msg)
	if err != nil {
		return Completion{}, fmt.Errorf("failed to encode completion: %w", err)
	}

	channel := p.cfg.Channel(jobID)

	if p.results != nil {
		if err := p.results.Put(ctx, channel, string(payload), p.cfg.ResultTTL); err != nil {
			p.metrics.PublishErrorsTotal.Add(ctx, 1)
			return Completion{}, err
		}
	}

	if err := p.broadcaster.Publish(ctx, channel, string(payload)); err != nil {
		p.metrics.PublishErrorsTotal.Add(ctx, 1)
		return Completion{}, fmt.Errorf("failed to publish completion on %s: %w", channel, err)
	}

	p.metrics.CompletionsPublishedTotal.Add(ctx, 1)
	log.Info().Str("job_id", jobID).Str("channel", channel).Int("bytes", len(payload)).Msg("Published completion")

	return Completion{ID: jobID, Raw: payload}, nil
}
