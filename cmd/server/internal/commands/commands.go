package commands

import (
	"net/http"
	"time"
)

type Globals struct {
	Debug   bool
	Version string
}

// longPollGrace is the time left after the wait timeout to write the response.
const longPollGrace = 30 * time.Second

func configureHTTPServer(addr string, handler http.Handler, waitTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      writeTimeout(waitTimeout),
		IdleTimeout:       5 * time.Minute,
		MaxHeaderBytes:    8 * 1024, // 8KiB
	}
}

// writeTimeout keeps the write deadline beyond the longest wait. Waits without
// a timeout get no write deadline at all.
func writeTimeout(waitTimeout time.Duration) time.Duration {
	if waitTimeout <= 0 {
		return 0
	}
	return max(5*time.Minute, waitTimeout+longPollGrace)
}
