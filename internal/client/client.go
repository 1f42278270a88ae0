package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
)

// maxResponseBytes caps the completion body read from the server.
const maxResponseBytes = 10 << 20

// Config holds common client configuration
type Config struct {
	ServerURL string

	// Timeout bounds a single request, 0 means no limit. A wait can take as
	// long as the server's wait timeout so this should be larger.
	Timeout time.Duration

	// MaxElapsedTime bounds retries of failed requests.
	MaxElapsedTime time.Duration

	Debug bool
}

// DefaultConfig returns a default client configuration
func DefaultConfig() Config {
	return Config{
		ServerURL:      "http://localhost:8080",
		Timeout:        6 * time.Minute,
		MaxElapsedTime: time.Minute,
		Debug:          false,
	}
}

// StatusError is returned when the server answers with a non 200 status.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("server returned %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Client calls the wait server.
type Client struct {
	httpClient *http.Client
	serverURL  string
	cfg        Config
}

// NewClient creates a new client with the given configuration
func NewClient(cfg Config) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		serverURL:  strings.TrimSuffix(cfg.ServerURL, "/"),
		cfg:        cfg,
	}
}

// Wait blocks until the server returns the completion for jobID and returns
// the raw message. Transport errors and gateway statuses are retried with
// exponential backoff; any other failure is returned as is.
func (c *Client) Wait(ctx context.Context, jobID string) ([]byte, error) {
	if jobID == "" {
		return nil, errors.New("job id is required")
	}

	endpoint := c.serverURL + "/api/subscribe?" + url.Values{"id": []string{jobID}}.Encode()

	opts := []backoff.RetryOption{
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn().Err(err).Dur("retry_in", next).Str("job_id", jobID).Msg("Wait request failed, retrying")
		}),
	}
	if c.cfg.MaxElapsedTime > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(c.cfg.MaxElapsedTime))
	}

	return backoff.Retry(ctx, func() ([]byte, error) {
		return c.get(ctx, endpoint)
	}, opts...)
}

func (c *Client) get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	if c.cfg.Debug {
		log.Debug().Str("url", endpoint).Msg("Sending wait request")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusOK {
		return body, nil
	}

	statusErr := &StatusError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}

	var payload struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		statusErr.Code = payload.Code
		statusErr.Message = payload.Error
	}

	switch resp.StatusCode {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return nil, statusErr
	default:
		return nil, backoff.Permanent(statusErr)
	}
}
