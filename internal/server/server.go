package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/klauspost/compress/gzhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	httpmiddleware "github.com/wolfeidau/jobwait/internal/http"
	"github.com/wolfeidau/jobwait/internal/logger"
	"github.com/wolfeidau/jobwait/internal/pubsub"
	"github.com/wolfeidau/jobwait/internal/waiter"
)

const healthTimeout = 2 * time.Second

// CompletionWaiter blocks until a job's completion is published.
type CompletionWaiter interface {
	Wait(ctx context.Context, jobID string) (waiter.Completion, error)
}

// Pinger reports whether the broker is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options configures the middleware around the endpoints.
type Options struct {
	// CORSOrigins lists the browser origins allowed to call the API.
	CORSOrigins []string

	// TrustProxy takes the client address from X-Forwarded-For/X-Real-IP.
	TrustProxy bool
}

// Server exposes the completion waiter over HTTP
type Server struct {
	waiter CompletionWaiter
	broker Pinger
}

// NewServer creates a new server
func NewServer(w CompletionWaiter, broker Pinger) *Server {
	return &Server{
		waiter: w,
		broker: broker,
	}
}

// Handler returns the HTTP handler for the server
func (s *Server) Handler(log zerolog.Logger, opts Options) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", s.health)
	mux.HandleFunc("/api/subscribe", s.subscribe)

	var handler http.Handler = mux
	handler = gzhttp.GzipHandler(handler)
	handler = cors.New(cors.Options{
		AllowedOrigins:   opts.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet},
		AllowCredentials: true,
	}).Handler(handler)
	handler = logger.RequestLogger(log)(handler)
	handler = httpmiddleware.ClientIPMiddleware(opts.TrustProxy)(handler)

	return handler
}

// subscribe waits for the completion of the job named by the id query
// parameter and returns the completion message as the response body.
func (s *Server) subscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", fmt.Sprintf("Method %s Not Allowed", r.Method))
		return
	}

	jobID := r.URL.Query().Get("id")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "id query parameter is required")
		return
	}

	completion, err := s.waiter.Wait(r.Context(), jobID)
	if err != nil {
		code := errorCode(err)
		event := zerolog.Ctx(r.Context()).Error()
		if code == "cancelled" {
			event = zerolog.Ctx(r.Context()).Info()
		}
		event.Err(err).Str("job_id", jobID).Str("code", code).Msg("Wait for completion failed")

		writeError(w, http.StatusInternalServerError, code, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(completion.Raw); err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Str("job_id", jobID).Msg("Failed to write completion")
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	if err := s.broker.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// errorCode classifies a wait failure for the response body.
func errorCode(err error) string {
	switch {
	case errors.Is(err, waiter.ErrTimeout):
		return "timeout"
	case errors.Is(err, waiter.ErrCancelled):
		return "cancelled"
	case errors.Is(err, pubsub.ErrSubscription):
		return "subscription"
	case errors.Is(err, pubsub.ErrConnection), errors.Is(err, pubsub.ErrClosed):
		return "connection"
	default:
		return "internal"
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
		"code":  code,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
