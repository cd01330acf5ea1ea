// Package httpserver builds the process HTTP server. Mutating lifecycle
// requests hold the connection while the ledger confirmation is awaited,
// so the write timeout is derived from the confirmation window instead of
// a flat default.
package httpserver

import (
	"net/http"
	"time"
)

const (
	headerTimeout = 5 * time.Second
	// readTimeout bounds request bodies; image uploads are capped at a few
	// megabytes and never approach this.
	readTimeout = 30 * time.Second
	idleTimeout = 2 * time.Minute
)

// New builds the server. confirmTimeout is the ledger confirmation window;
// the write timeout leaves room for the handler-level timeout on top of it.
func New(addr string, handler http.Handler, confirmTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: headerTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      2*confirmTimeout + headerTimeout,
		IdleTimeout:       idleTimeout,
	}
}
