package httpserver

import (
	"net/http"
	"time"
)

// New builds an HTTP server for the ops and render surfaces. Every endpoint
// served here is short-lived (enqueue, dead-letter inspection, a single
// image encode), so read and write are bounded tightly; the long-running
// verification work happens in the queue consumer, not on a request.
func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
